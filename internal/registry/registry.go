// Package registry holds the monitored targets loaded from configuration and
// the bounded sample history recorded for each of them.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fleetwarden/internal/apperr"
	"github.com/fleetwarden/internal/models"
)

// DefaultHistorySize is the number of samples kept per target.
const DefaultHistorySize = 30

var ErrNotFound = errors.New("registry: target not found")

// Registry is immutable after construction apart from the sample rings.
type Registry struct {
	targets []models.Target
	byID    map[string]int
	rings   map[string]*ring
}

// New validates every target and builds a registry. Any invalid target fails
// the whole load.
func New(targets []models.Target, historySize int) (*Registry, error) {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	r := &Registry{
		targets: make([]models.Target, 0, len(targets)),
		byID:    make(map[string]int, len(targets)),
		rings:   make(map[string]*ring, len(targets)),
	}
	for _, t := range targets {
		if err := Validate(t); err != nil {
			return nil, err
		}
		if _, dup := r.byID[t.ID]; dup {
			return nil, apperr.Configuration("target %q is defined more than once", t.ID)
		}
		r.byID[t.ID] = len(r.targets)
		r.targets = append(r.targets, t)
		r.rings[t.ID] = newRing(historySize)
	}
	return r, nil
}

// Validate checks a single target definition.
func Validate(t models.Target) error {
	if t.ID == "" {
		return apperr.Configuration("target id is required")
	}
	if t.Probe.Timeout < 0 {
		return apperr.Configuration("target %q: negative probe timeout", t.ID)
	}
	if t.Sustain < 0 {
		return apperr.Configuration("target %q: negative sustain duration", t.ID)
	}

	switch t.Kind {
	case models.KindContainer:
	case models.KindHTTP:
		if t.Probe.URL == "" {
			return apperr.Configuration("target %q: http probe requires url", t.ID)
		}
	case models.KindClusterService:
		if t.Probe.URL == "" && t.Probe.ConsulService == "" {
			return apperr.Configuration("target %q: cluster_service probe requires url or consul_service", t.ID)
		}
	case models.KindSystemMetric:
		if t.Probe.Metric != models.MetricCPU && t.Probe.Metric != models.MetricZombies {
			return apperr.Configuration("target %q: unknown metric %q", t.ID, t.Probe.Metric)
		}
		switch t.Probe.Operator {
		case "", models.OperatorGT, models.OperatorLT, models.OperatorGTE, models.OperatorLTE, models.OperatorEQ:
		default:
			return apperr.Configuration("target %q: unknown operator %q", t.ID, t.Probe.Operator)
		}
	default:
		return apperr.Configuration("target %q: unknown kind %q", t.ID, t.Kind)
	}

	rem := t.Remediation
	if rem == nil {
		return nil
	}
	if !rem.Strategy.Valid() {
		return apperr.Configuration("target %q: unknown remediation strategy %q", t.ID, rem.Strategy)
	}
	if rem.MaxAttempts < 0 {
		return apperr.Configuration("target %q: negative max_attempts", t.ID)
	}
	if rem.PollInterval < 0 || rem.MaxWait < 0 || rem.SettleTime < 0 || rem.CallTimeout < 0 {
		return apperr.Configuration("target %q: negative remediation duration", t.ID)
	}
	switch rem.Strategy {
	case models.StrategyServiceRestart:
		if rem.Service == "" {
			return apperr.Configuration("target %q: service_restart requires service", t.ID)
		}
	default:
		if t.Kind != models.KindContainer {
			return apperr.Configuration("target %q: strategy %s only applies to container targets", t.ID, rem.Strategy)
		}
	}
	return nil
}

// List returns every target in configuration order.
func (r *Registry) List() []models.Target {
	out := make([]models.Target, len(r.targets))
	copy(out, r.targets)
	return out
}

// Get returns the target with the given id.
func (r *Registry) Get(id string) (models.Target, error) {
	idx, ok := r.byID[id]
	if !ok {
		return models.Target{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.targets[idx], nil
}

// Resolve looks up several ids, failing on the first unknown one. An empty
// list resolves to every target.
func (r *Registry) Resolve(ids []string) ([]models.Target, error) {
	if len(ids) == 0 {
		return r.List(), nil
	}
	out := make([]models.Target, 0, len(ids))
	for _, id := range ids {
		t, err := r.Get(id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// IDs returns the sorted target ids.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Record appends a sample to the target's history.
func (r *Registry) Record(s models.HealthSample) error {
	rg, ok := r.rings[s.TargetID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, s.TargetID)
	}
	rg.add(s)
	return nil
}

// Latest returns the most recent sample for id.
func (r *Registry) Latest(id string) (models.HealthSample, bool) {
	rg, ok := r.rings[id]
	if !ok {
		return models.HealthSample{}, false
	}
	return rg.latest()
}

// History returns the recorded samples for id, oldest first.
func (r *Registry) History(id string) []models.HealthSample {
	rg, ok := r.rings[id]
	if !ok {
		return nil
	}
	return rg.snapshot()
}

type ring struct {
	mu      sync.RWMutex
	samples []models.HealthSample
	maxSize int
}

func newRing(maxSize int) *ring {
	return &ring{maxSize: maxSize}
}

func (g *ring) add(s models.HealthSample) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.samples = append(g.samples, s)
	if len(g.samples) > g.maxSize {
		copy(g.samples[0:], g.samples[1:])
		g.samples = g.samples[:g.maxSize]
	}
}

func (g *ring) latest() (models.HealthSample, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.samples) == 0 {
		return models.HealthSample{}, false
	}
	return g.samples[len(g.samples)-1], true
}

func (g *ring) snapshot() []models.HealthSample {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]models.HealthSample(nil), g.samples...)
}
