package remediation

import (
	"context"
	"errors"
	"fmt"

	"github.com/fleetwarden/internal/clock"
	"github.com/fleetwarden/internal/models"
	"github.com/fleetwarden/internal/runtime"
)

// RestartStrategy picks the strategy for a plain restart: the first
// target's configured strategy when it is sequential or parallel, otherwise
// sequential.
func RestartStrategy(targets []models.Target) models.Strategy {
	if len(targets) > 0 && targets[0].Remediation != nil {
		switch s := targets[0].Remediation.Strategy; s {
		case models.StrategySequential, models.StrategyParallel:
			return s
		}
	}
	return models.StrategySequential
}

// sequential restarts one target at a time and waits for each to report
// healthy before moving on. A target that never settles is TimedOut and
// the next target still runs.
func (o *Orchestrator) sequential(ctx context.Context, targets []models.Target, spec models.RemediationSpec) []Outcome {
	outcomes := make([]Outcome, 0, len(targets))
	for _, t := range targets {
		if ctx.Err() != nil {
			outcomes = append(outcomes, Outcome{TargetID: t.ID, Result: models.OutcomeFailed, Detail: ctx.Err().Error()})
			continue
		}
		out := o.restartAndWait(ctx, t, spec)
		if out.Result == models.OutcomeTimedOut {
			o.logger.Warn("target did not become healthy", "target", t.ID, "waited", out.Elapsed, "detail", out.Detail)
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}

func (o *Orchestrator) restartAndWait(ctx context.Context, t models.Target, spec models.RemediationSpec) Outcome {
	start := o.clock.Now()
	out := Outcome{TargetID: t.ID}
	done := func(result models.OutcomeResult, detail string) Outcome {
		out.Result = result
		out.Detail = detail
		out.Elapsed = o.clock.Now().Sub(start)
		return out
	}

	cctx, cancel := context.WithTimeout(ctx, spec.CallTimeout)
	err := o.runtime.Restart(cctx, ref(t))
	cancel()
	if err != nil {
		if errors.Is(err, runtime.ErrNotFound) {
			return done(models.OutcomeFailed, "container vanished")
		}
		return done(models.OutcomeFailed, fmt.Sprintf("restart: %v", err))
	}

	deadline := start.Add(spec.MaxWait)
	last := "restarted"
	for {
		if err := clock.Sleep(ctx, o.clock, spec.PollInterval); err != nil {
			return done(models.OutcomeFailed, fmt.Sprintf("interrupted: %v", err))
		}

		cctx, cancel := context.WithTimeout(ctx, spec.CallTimeout)
		raw, err := o.runtime.InspectHealth(cctx, ref(t))
		cancel()
		switch {
		case errors.Is(err, runtime.ErrNotFound):
			return done(models.OutcomeFailed, "container vanished after restart")
		case err != nil:
			last = fmt.Sprintf("inspect: %v", err)
		case raw.Running && (raw.Health == runtime.HealthHealthy || raw.Health == runtime.HealthNone):
			return done(models.OutcomeSuccess, "healthy")
		case raw.Running:
			last = "health " + raw.Health
		default:
			last = "container " + raw.State
		}

		if !o.clock.Now().Before(deadline) {
			return done(models.OutcomeTimedOut, fmt.Sprintf("still %s after %s", last, spec.MaxWait))
		}
	}
}

// parallel restarts every target in one batch. The batch succeeds or fails
// as a whole.
func (o *Orchestrator) parallel(ctx context.Context, targets []models.Target, spec models.RemediationSpec) []Outcome {
	refs := make([]runtime.ProcessRef, 0, len(targets))
	for _, t := range targets {
		refs = append(refs, ref(t))
	}

	start := o.clock.Now()
	cctx, cancel := context.WithTimeout(ctx, spec.CallTimeout)
	err := o.runtime.RestartAll(cctx, refs)
	cancel()
	elapsed := o.clock.Now().Sub(start)

	result, detail := models.OutcomeSuccess, "restarted"
	if err != nil {
		result, detail = models.OutcomeFailed, fmt.Sprintf("batch restart: %v", err)
	}
	outcomes := make([]Outcome, 0, len(targets))
	for _, t := range targets {
		outcomes = append(outcomes, Outcome{TargetID: t.ID, Result: result, Elapsed: elapsed, Detail: detail})
	}
	return outcomes
}

// killable keeps the container targets whose latest sample is Unhealthy.
func (o *Orchestrator) killable(targets []models.Target) []models.Target {
	var out []models.Target
	for _, t := range targets {
		if t.Kind == models.KindContainer && o.unhealthy(t) {
			out = append(out, t)
		}
	}
	return out
}

// killUnhealthy force-kills the targets that are still killable. It returns
// no outcomes, and makes no kill calls, when none are.
func (o *Orchestrator) killUnhealthy(ctx context.Context, targets []models.Target, spec models.RemediationSpec) []Outcome {
	var outcomes []Outcome
	for _, t := range o.killable(targets) {
		start := o.clock.Now()
		cctx, cancel := context.WithTimeout(ctx, spec.CallTimeout)
		err := o.runtime.Kill(cctx, ref(t))
		cancel()

		out := Outcome{TargetID: t.ID, Result: models.OutcomeSuccess, Detail: "killed", Elapsed: o.clock.Now().Sub(start)}
		if err != nil {
			out.Result = models.OutcomeFailed
			out.Detail = fmt.Sprintf("kill: %v", err)
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}

func (o *Orchestrator) unhealthy(t models.Target) bool {
	if o.samples == nil {
		return false
	}
	s, ok := o.samples.Latest(t.ID)
	return ok && s.Status == models.StatusUnhealthy
}

// serviceRestart restarts the named dependent service, lets it settle and
// re-probes the targets. A failed attempt is retried while attempts remain.
func (o *Orchestrator) serviceRestart(ctx context.Context, targets []models.Target, spec models.RemediationSpec) []Outcome {
	start := o.clock.Now()
	result, detail := models.OutcomeFailed, "no service manager configured"

	if o.services != nil {
		for attempt := 1; attempt <= spec.MaxAttempts; attempt++ {
			result, detail = o.restartService(ctx, targets, spec)
			if result == models.OutcomeSuccess || ctx.Err() != nil {
				break
			}
			if attempt < spec.MaxAttempts {
				o.logger.Warn("service restart did not recover, retrying", "service", spec.Service, "attempt", attempt, "detail", detail)
			}
		}
	}

	elapsed := o.clock.Now().Sub(start)
	if len(targets) == 0 {
		return []Outcome{{TargetID: serviceKey(spec.Service), Result: result, Elapsed: elapsed, Detail: detail}}
	}
	outcomes := make([]Outcome, 0, len(targets))
	for _, t := range targets {
		outcomes = append(outcomes, Outcome{TargetID: t.ID, Result: result, Elapsed: elapsed, Detail: detail})
	}
	return outcomes
}

func (o *Orchestrator) restartService(ctx context.Context, targets []models.Target, spec models.RemediationSpec) (models.OutcomeResult, string) {
	cctx, cancel := context.WithTimeout(ctx, spec.CallTimeout)
	err := o.services.RestartService(cctx, spec.Service)
	cancel()
	if err != nil {
		return models.OutcomeFailed, err.Error()
	}

	if err := clock.Sleep(ctx, o.clock, spec.SettleTime); err != nil {
		return models.OutcomeFailed, fmt.Sprintf("interrupted while settling: %v", err)
	}
	if o.prober == nil || len(targets) == 0 {
		return models.OutcomeSuccess, fmt.Sprintf("restarted %s", spec.Service)
	}

	for _, t := range targets {
		s := o.prober.Probe(ctx, t)
		if !s.Healthy() {
			return models.OutcomeFailed, fmt.Sprintf("%s still %s after restart: %s", t.ID, s.Status, s.Detail)
		}
	}
	return models.OutcomeSuccess, fmt.Sprintf("restarted %s, re-probe healthy", spec.Service)
}
