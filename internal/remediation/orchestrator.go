// Package remediation executes corrective actions against targets and
// verifies their effect.
package remediation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetwarden/internal/clock"
	"github.com/fleetwarden/internal/logging"
	"github.com/fleetwarden/internal/models"
	"github.com/fleetwarden/internal/runtime"
)

// Defaults applied to zero-valued RemediationSpec fields.
const (
	DefaultPollInterval = 2 * time.Second
	DefaultMaxWait      = 60 * time.Second
	DefaultSettleTime   = 30 * time.Second
	DefaultCallTimeout  = 30 * time.Second
	DefaultMaxAttempts  = 1
	// MaxServiceAttempts caps service restarts at one automatic retry.
	MaxServiceAttempts = 2
)

var (
	ErrInFlight          = errors.New("remediation: already in progress for target")
	ErrNoTargets         = errors.New("remediation: no targets")
	ErrConfirmerRequired = errors.New("remediation: interactive request without confirmer")
)

// Request asks for one remediation.
type Request struct {
	Strategy models.Strategy
	Targets  []models.Target
	// Spec overrides the tuning taken from the first target.
	Spec        *models.RemediationSpec
	Interactive bool
	Reason      string
}

// Outcome is the per-target result of an action.
type Outcome struct {
	TargetID string               `json:"target_id"`
	Result   models.OutcomeResult `json:"result"`
	Elapsed  time.Duration        `json:"elapsed"`
	Detail   string               `json:"detail,omitempty"`
}

// Action is a completed (or declined) remediation.
type Action struct {
	ID          string          `json:"id"`
	Strategy    models.Strategy `json:"strategy"`
	Targets     []string        `json:"targets"`
	Reason      string          `json:"reason,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	Interactive bool            `json:"interactive"`
	Outcomes    []Outcome       `json:"outcomes"`
	// Noop is set when the strategy found nothing to act on.
	Noop bool `json:"noop,omitempty"`
	// Declined is set when an interactive preview was rejected.
	Declined bool `json:"declined,omitempty"`
}

// Succeeded reports whether every outcome succeeded. A no-op succeeds; a
// declined action does not.
func (a Action) Succeeded() bool {
	if a.Declined {
		return false
	}
	for _, o := range a.Outcomes {
		if o.Result != models.OutcomeSuccess {
			return false
		}
	}
	return true
}

// Summary is a one-line description for logs and alerts.
func (a Action) Summary() string {
	switch {
	case a.Declined:
		return fmt.Sprintf("%s on %s declined", a.Strategy, strings.Join(a.Targets, ","))
	case a.Noop:
		return fmt.Sprintf("%s: nothing to do", a.Strategy)
	}
	parts := make([]string, 0, len(a.Outcomes))
	for _, o := range a.Outcomes {
		parts = append(parts, fmt.Sprintf("%s=%s", o.TargetID, o.Result))
	}
	return fmt.Sprintf("%s: %s", a.Strategy, strings.Join(parts, " "))
}

// Prober re-checks a target after a service restart.
type Prober interface {
	Probe(ctx context.Context, t models.Target) models.HealthSample
}

// SampleSource exposes the latest recorded sample for a target.
type SampleSource interface {
	Latest(id string) (models.HealthSample, bool)
}

type Recorder interface {
	RecordRemediation(ctx context.Context, r models.RemediationRecord) error
}

type Observer interface {
	ObserveRemediation(strategy models.Strategy, result models.OutcomeResult)
}

type Orchestrator struct {
	runtime   runtime.Runtime
	services  runtime.ServiceManager
	prober    Prober
	samples   SampleSource
	confirmer Confirmer
	recorder  Recorder
	observer  Observer
	clock     clock.Clock
	logger    *slog.Logger
	defaults  models.RemediationSpec

	mu       sync.Mutex
	inflight map[string]string // target id -> action id
}

type Option func(*Orchestrator)

func WithServiceManager(s runtime.ServiceManager) Option {
	return func(o *Orchestrator) { o.services = s }
}

func WithProber(p Prober) Option {
	return func(o *Orchestrator) { o.prober = p }
}

func WithSamples(s SampleSource) Option {
	return func(o *Orchestrator) { o.samples = s }
}

func WithConfirmer(c Confirmer) Option {
	return func(o *Orchestrator) { o.confirmer = c }
}

func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

func WithObserver(ob Observer) Option {
	return func(o *Orchestrator) { o.observer = ob }
}

func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithDefaults replaces the built-in tuning defaults.
func WithDefaults(spec models.RemediationSpec) Option {
	return func(o *Orchestrator) {
		o.defaults = fill(spec, o.defaults)
	}
}

func New(rt runtime.Runtime, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		runtime: rt,
		clock:   clock.System{},
		logger:  logging.Discard(),
		defaults: models.RemediationSpec{
			MaxAttempts:  DefaultMaxAttempts,
			PollInterval: DefaultPollInterval,
			MaxWait:      DefaultMaxWait,
			SettleTime:   DefaultSettleTime,
			CallTimeout:  DefaultCallTimeout,
		},
		inflight: make(map[string]string),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// InFlight reports whether a remediation is running for target id.
func (o *Orchestrator) InFlight(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inflight[id]
	return ok
}

// Execute runs one remediation to completion. Interactive requests are
// previewed to the confirmer first; a rejected preview yields a declined
// action and no runtime calls.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (Action, error) {
	if !req.Strategy.Valid() {
		return Action{}, fmt.Errorf("remediation: unknown strategy %q", req.Strategy)
	}
	spec := o.resolveSpec(req)
	if len(req.Targets) == 0 && !(req.Strategy == models.StrategyServiceRestart && spec.Service != "") {
		return Action{}, ErrNoTargets
	}

	targets := req.Targets
	if req.Strategy == models.StrategyKillUnhealthy {
		targets = o.killable(targets)
	}

	action := Action{
		ID:          uuid.NewString(),
		Strategy:    req.Strategy,
		Targets:     targetIDs(targets),
		Reason:      req.Reason,
		StartedAt:   o.clock.Now(),
		Interactive: req.Interactive,
	}

	// Nothing unhealthy: report the no-op without asking.
	if req.Strategy == models.StrategyKillUnhealthy && len(targets) == 0 {
		action.Noop = true
		o.report(ctx, action)
		return action, nil
	}

	if req.Interactive {
		if o.confirmer == nil {
			return action, ErrConfirmerRequired
		}
		ok, err := o.confirmer.Confirm(ctx, preview(req.Strategy, targets, spec))
		if err != nil {
			return action, fmt.Errorf("remediation: confirm: %w", err)
		}
		if !ok {
			action.Declined = true
			o.logger.Info("remediation declined", "action", action.ID, "strategy", req.Strategy)
			return action, nil
		}
	}

	guarded := action.Targets
	if req.Strategy == models.StrategyServiceRestart {
		guarded = append(append([]string(nil), guarded...), serviceKey(spec.Service))
	}
	if err := o.acquire(action.ID, guarded); err != nil {
		return action, err
	}
	defer o.release(guarded)

	o.logger.Info("remediation started", "action", action.ID, "strategy", req.Strategy, "targets", action.Targets, "reason", req.Reason)

	switch req.Strategy {
	case models.StrategySequential:
		action.Outcomes = o.sequential(ctx, targets, spec)
	case models.StrategyParallel:
		action.Outcomes = o.parallel(ctx, targets, spec)
	case models.StrategyKillUnhealthy:
		action.Outcomes = o.killUnhealthy(ctx, targets, spec)
		action.Noop = len(action.Outcomes) == 0
	case models.StrategyServiceRestart:
		action.Outcomes = o.serviceRestart(ctx, targets, spec)
	}

	o.report(ctx, action)
	return action, nil
}

func (o *Orchestrator) acquire(actionID string, ids []string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, id := range ids {
		if _, busy := o.inflight[id]; busy {
			return fmt.Errorf("%w: %s", ErrInFlight, id)
		}
	}
	for _, id := range ids {
		o.inflight[id] = actionID
	}
	return nil
}

func (o *Orchestrator) release(ids []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, id := range ids {
		delete(o.inflight, id)
	}
}

func (o *Orchestrator) report(ctx context.Context, action Action) {
	if action.Noop {
		o.logger.Info("remediation no-op", "action", action.ID, "strategy", action.Strategy)
	}
	for _, out := range action.Outcomes {
		if o.observer != nil {
			o.observer.ObserveRemediation(action.Strategy, out.Result)
		}
		if o.recorder != nil {
			rec := models.RemediationRecord{
				ActionID:    action.ID,
				Strategy:    action.Strategy,
				TargetID:    out.TargetID,
				Result:      out.Result,
				ElapsedMs:   out.Elapsed.Milliseconds(),
				Detail:      out.Detail,
				StartedAt:   action.StartedAt,
				Interactive: action.Interactive,
			}
			if err := o.recorder.RecordRemediation(ctx, rec); err != nil {
				o.logger.Warn("failed to record remediation", "action", action.ID, "error", err)
			}
		}
	}
	o.logger.Info("remediation finished", "action", action.ID, "summary", action.Summary(), "succeeded", action.Succeeded())
}

func (o *Orchestrator) resolveSpec(req Request) models.RemediationSpec {
	var spec models.RemediationSpec
	switch {
	case req.Spec != nil:
		spec = *req.Spec
	case len(req.Targets) > 0 && req.Targets[0].Remediation != nil:
		spec = *req.Targets[0].Remediation
	}
	spec.Strategy = req.Strategy
	spec = fill(spec, o.defaults)
	if spec.MaxAttempts > MaxServiceAttempts {
		spec.MaxAttempts = MaxServiceAttempts
	}
	return spec
}

func fill(spec, defaults models.RemediationSpec) models.RemediationSpec {
	if spec.MaxAttempts <= 0 {
		spec.MaxAttempts = defaults.MaxAttempts
	}
	if spec.PollInterval <= 0 {
		spec.PollInterval = defaults.PollInterval
	}
	if spec.MaxWait <= 0 {
		spec.MaxWait = defaults.MaxWait
	}
	if spec.SettleTime <= 0 {
		spec.SettleTime = defaults.SettleTime
	}
	if spec.CallTimeout <= 0 {
		spec.CallTimeout = defaults.CallTimeout
	}
	return spec
}

func targetIDs(targets []models.Target) []string {
	ids := make([]string, 0, len(targets))
	for _, t := range targets {
		ids = append(ids, t.ID)
	}
	return ids
}

func serviceKey(name string) string {
	return "service:" + name
}

func ref(t models.Target) runtime.ProcessRef {
	return runtime.ProcessRef{Name: t.ContainerName()}
}
