// Package monitor runs the reconciliation loop: probe every target, decide
// which conditions are sustained, remediate and alert, then report.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetwarden/internal/alert"
	"github.com/fleetwarden/internal/clock"
	"github.com/fleetwarden/internal/logging"
	"github.com/fleetwarden/internal/models"
	"github.com/fleetwarden/internal/registry"
	"github.com/fleetwarden/internal/remediation"
	"github.com/fleetwarden/internal/tracker"
)

const DefaultInterval = 60 * time.Second

// State is the loop's position within a cycle.
type State string

const (
	StateIdle        State = "idle"
	StateProbing     State = "probing"
	StateEvaluating  State = "evaluating"
	StateRemediating State = "remediating"
	StateReporting   State = "reporting"
)

type Prober interface {
	ProbeAll(ctx context.Context, targets []models.Target) []models.HealthSample
}

type Remediator interface {
	Execute(ctx context.Context, req remediation.Request) (remediation.Action, error)
	InFlight(id string) bool
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req alert.Request) (models.DispatchResult, error)
}

type SampleRecorder interface {
	RecordSample(ctx context.Context, s models.HealthSample) error
}

type CycleObserver interface {
	ObserveCycle(duration time.Duration, unhealthy int)
}

// AlertDecision is the dispatcher's answer for one sustained condition.
type AlertDecision struct {
	Key    string                `json:"key"`
	Result models.DispatchResult `json:"result"`
	Error  string                `json:"error,omitempty"`
}

// CycleReport summarises one reconciliation cycle.
type CycleReport struct {
	ID           string                `json:"id"`
	StartedAt    time.Time             `json:"started_at"`
	FinishedAt   time.Time             `json:"finished_at"`
	Samples      []models.HealthSample `json:"samples"`
	Sustained    []tracker.Fact        `json:"sustained,omitempty"`
	Alerts       []AlertDecision       `json:"alerts,omitempty"`
	Remediations []remediation.Action  `json:"remediations,omitempty"`
	Errors       []string              `json:"errors,omitempty"`
	// ExitCode is 0 when every target is healthy or was fully remediated.
	ExitCode int `json:"exit_code"`
}

// Unhealthy counts samples that are not healthy.
func (r CycleReport) Unhealthy() int {
	n := 0
	for _, s := range r.Samples {
		if !s.Healthy() {
			n++
		}
	}
	return n
}

// Stats are counters over the lifetime of the loop.
type Stats struct {
	Cycles          uint64        `json:"cycles"`
	FailedCycles    uint64        `json:"failed_cycles"`
	TotalCycleTime  time.Duration `json:"total_cycle_time"`
	LastCycleAt     time.Time     `json:"last_cycle_at"`
	ActiveTimers    int           `json:"active_timers"`
	State           State         `json:"state"`
	IntervalSeconds float64       `json:"interval_seconds"`
}

type Loop struct {
	registry   *registry.Registry
	prober     Prober
	dispatcher Dispatcher
	remediator Remediator
	tracker    *tracker.Tracker
	recorder   SampleRecorder
	observer   CycleObserver
	policy     Policy
	interval   time.Duration
	clock      clock.Clock
	logger     *slog.Logger

	cycleMu sync.Mutex

	mu       sync.RWMutex
	state    State
	last     *CycleReport
	stats    Stats
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

type Option func(*Loop)

func WithRemediator(r Remediator) Option {
	return func(l *Loop) { l.remediator = r }
}

func WithTracker(t *tracker.Tracker) Option {
	return func(l *Loop) { l.tracker = t }
}

func WithSampleRecorder(r SampleRecorder) Option {
	return func(l *Loop) { l.recorder = r }
}

func WithObserver(o CycleObserver) Option {
	return func(l *Loop) { l.observer = o }
}

func WithPolicy(p Policy) Option {
	return func(l *Loop) { l.policy = p }
}

func WithInterval(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.interval = d
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(l *Loop) {
		if c != nil {
			l.clock = c
		}
	}
}

func WithLogger(lg *slog.Logger) Option {
	return func(l *Loop) {
		if lg != nil {
			l.logger = lg
		}
	}
}

func NewLoop(reg *registry.Registry, prober Prober, dispatcher Dispatcher, opts ...Option) (*Loop, error) {
	if reg == nil {
		return nil, errors.New("monitor: nil registry")
	}
	if prober == nil {
		return nil, errors.New("monitor: nil prober")
	}
	if dispatcher == nil {
		return nil, errors.New("monitor: nil dispatcher")
	}
	l := &Loop{
		registry:   reg,
		prober:     prober,
		dispatcher: dispatcher,
		policy:     DefaultPolicy(),
		interval:   DefaultInterval,
		clock:      clock.System{},
		logger:     logging.Discard(),
		state:      StateIdle,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.tracker == nil {
		l.tracker = tracker.New(l.clock)
	}
	return l, nil
}

// Start runs one cycle immediately and then one per interval until Stop is
// called or ctx is cancelled.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return errors.New("monitor: loop already running")
	}
	l.running = true
	l.stopChan = make(chan struct{})
	stop := l.stopChan
	l.mu.Unlock()

	ticker := time.NewTicker(l.interval)
	l.RunCycle(ctx)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.RunCycle(ctx)
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop ends the periodic loop and waits for an in-progress cycle to finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	close(l.stopChan)
	l.running = false
	l.mu.Unlock()
	l.wg.Wait()
}

func (l *Loop) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// LastReport returns the most recent completed cycle.
func (l *Loop) LastReport() (CycleReport, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.last == nil {
		return CycleReport{}, false
	}
	return *l.last, true
}

func (l *Loop) Stats() Stats {
	l.mu.RLock()
	stats := l.stats
	stats.State = l.state
	l.mu.RUnlock()
	stats.ActiveTimers = len(l.tracker.Active())
	stats.IntervalSeconds = l.interval.Seconds()
	return stats
}

// ActiveTimers exposes the tracker's running timers.
func (l *Loop) ActiveTimers() []tracker.Timer {
	return l.tracker.Active()
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

type plannedRemediation struct {
	target models.Target
	reason string
}

// RunCycle performs one full reconciliation cycle. Cycles never overlap.
func (l *Loop) RunCycle(ctx context.Context) (report CycleReport) {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()

	started := time.Now()
	report = CycleReport{ID: uuid.NewString(), StartedAt: l.clock.Now()}
	defer func() {
		report.FinishedAt = l.clock.Now()
		l.finish(report, time.Since(started))
	}()

	// Probing
	l.setState(StateProbing)
	targets := l.registry.List()
	report.Samples = l.prober.ProbeAll(ctx, targets)
	byID := make(map[string]models.Target, len(targets))
	for _, t := range targets {
		byID[t.ID] = t
	}
	for _, s := range report.Samples {
		if err := l.registry.Record(s); err != nil {
			report.Errors = append(report.Errors, err.Error())
		}
		if l.recorder != nil {
			if err := l.recorder.RecordSample(ctx, s); err != nil {
				l.logger.Warn("failed to persist sample", "target", s.TargetID, "error", err)
			}
		}
	}

	// Evaluating
	l.setState(StateEvaluating)
	var plan []plannedRemediation
	planned := make(map[string]bool)
	for _, s := range report.Samples {
		t, ok := byID[s.TargetID]
		if !ok {
			continue
		}
		for _, c := range conditions(t, s, l.policy) {
			fact := l.tracker.Observe(c.Key, c.Active, c.Required)
			if !fact.Sustained {
				continue
			}
			report.Sustained = append(report.Sustained, fact)
			if fact.Fired {
				l.logger.Info("condition sustained", "key", c.Key, "elapsed", fact.Elapsed)
			}
			report.Alerts = append(report.Alerts, l.alert(ctx, alert.Request{
				Key:      c.Key,
				TargetID: c.TargetID,
				Level:    c.Level,
				Subject:  c.Subject,
				Body:     fmt.Sprintf("%s\nsustained for %s", s.Detail, fact.Elapsed.Round(time.Second)),
			}))
			if c.Remediable && l.remediator != nil && !planned[t.ID] && !l.remediator.InFlight(t.ID) {
				planned[t.ID] = true
				plan = append(plan, plannedRemediation{target: t, reason: c.Key})
			}
		}
	}

	// Remediating
	if len(plan) > 0 {
		l.setState(StateRemediating)
		for _, p := range plan {
			action, err := l.remediator.Execute(ctx, remediation.Request{
				Strategy: p.target.Remediation.Strategy,
				Targets:  []models.Target{p.target},
				Reason:   p.reason,
			})
			if err != nil {
				l.logger.Warn("remediation not run", "target", p.target.ID, "error", err)
				report.Errors = append(report.Errors, fmt.Sprintf("remediation %s: %v", p.target.ID, err))
				continue
			}
			report.Remediations = append(report.Remediations, action)
			report.Alerts = append(report.Alerts, l.alert(ctx, remediationAlert(p.target, action)))
		}
	}

	// Reporting
	l.setState(StateReporting)
	report.ExitCode = exitCode(report)
	return report
}

func (l *Loop) alert(ctx context.Context, req alert.Request) AlertDecision {
	result, err := l.dispatcher.Dispatch(ctx, req)
	d := AlertDecision{Key: req.Key, Result: result}
	if err != nil {
		d.Error = err.Error()
		l.logger.Warn("alert dispatch failed", "key", req.Key, "error", err)
	}
	return d
}

// remediationKey names the cooldown for one outcome of remediating a
// target. Success and failure keep separate cooldowns so a success never
// suppresses a later failure.
func remediationKey(id string, succeeded bool) string {
	if succeeded {
		return "remediation:" + id + ":succeeded"
	}
	return "remediation:" + id + ":failed"
}

func remediationAlert(t models.Target, action remediation.Action) alert.Request {
	req := alert.Request{
		Key:      remediationKey(t.ID, true),
		TargetID: t.ID,
		Level:    models.AlertLevelInfo,
		Subject:  fmt.Sprintf("remediation of %s succeeded", t.ID),
		Body:     action.Summary(),
	}
	if !action.Succeeded() {
		req.Key = remediationKey(t.ID, false)
		req.Level = models.AlertLevelCritical
		req.Subject = fmt.Sprintf("remediation of %s failed", t.ID)
		for _, o := range action.Outcomes {
			if o.Detail != "" {
				req.Body += "\n" + o.TargetID + ": " + o.Detail
			}
		}
	}
	return req
}

// exitCode is 0 when every sample is healthy or its target was fully
// remediated during the cycle.
func exitCode(r CycleReport) int {
	fixed := make(map[string]bool)
	for _, a := range r.Remediations {
		if !a.Succeeded() || a.Noop {
			continue
		}
		for _, id := range a.Targets {
			fixed[id] = true
		}
	}
	for _, s := range r.Samples {
		if !s.Healthy() && !fixed[s.TargetID] {
			return 1
		}
	}
	return 0
}

func (l *Loop) finish(report CycleReport, elapsed time.Duration) {
	unhealthy := report.Unhealthy()
	if l.observer != nil {
		l.observer.ObserveCycle(elapsed, unhealthy)
	}

	l.mu.Lock()
	l.stats.Cycles++
	if report.ExitCode != 0 {
		l.stats.FailedCycles++
	}
	l.stats.TotalCycleTime += elapsed
	l.stats.LastCycleAt = report.FinishedAt
	l.last = &report
	l.state = StateIdle
	l.mu.Unlock()

	l.logger.Info("cycle complete",
		"cycle", report.ID,
		"targets", len(report.Samples),
		"unhealthy", unhealthy,
		"alerts", len(report.Alerts),
		"remediations", len(report.Remediations),
		"exit_code", report.ExitCode,
		"duration", elapsed,
	)
}
