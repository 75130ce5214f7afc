// Package probe checks targets and turns every outcome, including errors and
// timeouts, into a HealthSample.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/fleetwarden/internal/clock"
	"github.com/fleetwarden/internal/logging"
	"github.com/fleetwarden/internal/models"
)

// Default per-kind probe timeouts.
const (
	DefaultHTTPTimeout    = 5 * time.Second
	DefaultRuntimeTimeout = 10 * time.Second
	defaultConcurrency    = 16
)

// Checker performs the kind-specific part of a probe. Implementations should
// honour ctx, but the engine does not rely on it.
type Checker interface {
	Check(ctx context.Context, t models.Target) models.HealthSample
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, t models.Target) models.HealthSample

func (f CheckerFunc) Check(ctx context.Context, t models.Target) models.HealthSample {
	return f(ctx, t)
}

// Observer is notified of every sample produced.
type Observer interface {
	ObserveProbe(kind models.TargetKind, s models.HealthSample)
}

type Engine struct {
	checkers    map[models.TargetKind]Checker
	timeouts    map[models.TargetKind]time.Duration
	concurrency int64
	clock       clock.Clock
	logger      *slog.Logger
	observer    Observer
}

type Option func(*Engine)

// WithChecker registers the checker used for kind.
func WithChecker(kind models.TargetKind, c Checker) Option {
	return func(e *Engine) {
		e.checkers[kind] = c
	}
}

// WithTimeout overrides the default timeout for kind.
func WithTimeout(kind models.TargetKind, d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeouts[kind] = d
		}
	}
}

// WithConcurrency bounds how many probes ProbeAll runs at once.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = int64(n)
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		checkers: make(map[models.TargetKind]Checker),
		timeouts: map[models.TargetKind]time.Duration{
			models.KindHTTP:           DefaultHTTPTimeout,
			models.KindContainer:      DefaultRuntimeTimeout,
			models.KindClusterService: DefaultRuntimeTimeout,
			models.KindSystemMetric:   DefaultRuntimeTimeout,
		},
		concurrency: defaultConcurrency,
		clock:       clock.System{},
		logger:      logging.Discard(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Timeout returns the effective timeout for t.
func (e *Engine) Timeout(t models.Target) time.Duration {
	if t.Probe.Timeout > 0 {
		return t.Probe.Timeout
	}
	if d, ok := e.timeouts[t.Kind]; ok {
		return d
	}
	return DefaultRuntimeTimeout
}

// CycleDeadline is twice the slowest probe timeout among targets.
func (e *Engine) CycleDeadline(targets []models.Target) time.Duration {
	var slowest time.Duration
	for _, t := range targets {
		if d := e.Timeout(t); d > slowest {
			slowest = d
		}
	}
	if slowest == 0 {
		slowest = DefaultRuntimeTimeout
	}
	return 2 * slowest
}

// Probe checks one target. It returns no later than the target's timeout
// even if the checker blocks past its context.
func (e *Engine) Probe(ctx context.Context, t models.Target) models.HealthSample {
	sample := e.probe(ctx, t)
	if e.observer != nil {
		e.observer.ObserveProbe(t.Kind, sample)
	}
	if !sample.Healthy() {
		e.logger.Debug("probe not healthy", "target", t.ID, "status", sample.Status, "detail", sample.Detail)
	}
	return sample
}

func (e *Engine) probe(ctx context.Context, t models.Target) models.HealthSample {
	checker, ok := e.checkers[t.Kind]
	if !ok {
		return e.finish(t, time.Now(), models.HealthSample{
			Status: models.StatusUnknown,
			Detail: fmt.Sprintf("no checker for kind %q", t.Kind),
		})
	}

	timeout := e.Timeout(t)
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan models.HealthSample, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- models.HealthSample{
					Status:  models.StatusUnreachable,
					Failure: models.FailureUnreachable,
					Detail:  fmt.Sprintf("checker panic: %v", r),
				}
			}
		}()
		done <- checker.Check(pctx, t)
	}()

	select {
	case s := <-done:
		return e.finish(t, start, s)
	case <-pctx.Done():
		if errors.Is(pctx.Err(), context.DeadlineExceeded) {
			return e.finish(t, start, timeoutSample(timeout))
		}
		return e.finish(t, start, models.HealthSample{
			Status:  models.StatusUnreachable,
			Failure: models.FailureUnreachable,
			Detail:  "probe cancelled",
		})
	}
}

func (e *Engine) finish(t models.Target, start time.Time, s models.HealthSample) models.HealthSample {
	s.TargetID = t.ID
	s.Timestamp = e.clock.Now()
	if s.LatencyMs == 0 {
		s.LatencyMs = time.Since(start).Milliseconds()
	}
	if s.Status == "" {
		s.Status = models.StatusUnknown
	}
	return s
}

func timeoutSample(timeout time.Duration) models.HealthSample {
	return models.HealthSample{
		Status:  models.StatusUnreachable,
		Failure: models.FailureTimeout,
		Detail:  fmt.Sprintf("probe timed out after %s", timeout),
	}
}

// ProbeAll probes every target concurrently and returns the samples in the
// order of targets. Probes still outstanding when the cycle deadline passes
// are reported as timed out.
func (e *Engine) ProbeAll(ctx context.Context, targets []models.Target) []models.HealthSample {
	deadline := e.CycleDeadline(targets)
	cctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	type indexed struct {
		i int
		s models.HealthSample
	}
	results := make(chan indexed, len(targets))
	sem := semaphore.NewWeighted(e.concurrency)

	for i, t := range targets {
		go func(i int, t models.Target) {
			if err := sem.Acquire(cctx, 1); err != nil {
				results <- indexed{i, e.finish(t, time.Now(), timeoutSample(deadline))}
				return
			}
			defer sem.Release(1)
			results <- indexed{i, e.Probe(cctx, t)}
		}(i, t)
	}

	samples := make([]models.HealthSample, len(targets))
	filled := make([]bool, len(targets))
	for received := 0; received < len(targets); received++ {
		select {
		case r := <-results:
			samples[r.i] = r.s
			filled[r.i] = true
		case <-cctx.Done():
			for i, t := range targets {
				if !filled[i] {
					samples[i] = e.finish(t, time.Now(), timeoutSample(deadline))
				}
			}
			e.logger.Warn("probe cycle deadline reached", "deadline", deadline)
			return samples
		}
	}
	return samples
}
