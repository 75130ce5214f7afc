package probe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fleetwarden/internal/clock"
	"github.com/fleetwarden/internal/models"
)

const defaultSampleWindow = time.Second

// CPUTimes are cumulative CPU counters, in seconds.
type CPUTimes struct {
	Busy  float64
	Total float64
}

// MetricSource reads host metrics.
type MetricSource interface {
	CPUTimes(ctx context.Context) (CPUTimes, error)
	ZombieCount(ctx context.Context) (int, error)
}

// MetricChecker evaluates system_metric targets. CPU utilisation is the delta
// of cumulative counters since the previous probe of the same target.
type MetricChecker struct {
	Source MetricSource
	Clock  clock.Clock

	mu   sync.Mutex
	prev map[string]CPUTimes
}

func NewMetricChecker(src MetricSource, c clock.Clock) *MetricChecker {
	if c == nil {
		c = clock.System{}
	}
	return &MetricChecker{Source: src, Clock: c, prev: make(map[string]CPUTimes)}
}

func (m *MetricChecker) Check(ctx context.Context, t models.Target) models.HealthSample {
	var (
		value float64
		unit  string
		err   error
	)
	switch t.Probe.Metric {
	case models.MetricCPU:
		value, err = m.cpuPercent(ctx, t)
		unit = "%"
	case models.MetricZombies:
		var n int
		n, err = m.Source.ZombieCount(ctx)
		value = float64(n)
	default:
		return models.HealthSample{Status: models.StatusUnknown, Detail: fmt.Sprintf("unknown metric %q", t.Probe.Metric)}
	}
	if err != nil {
		return unreachableSample(ctx, err, 0)
	}

	op := t.Probe.Operator
	if op == "" {
		op = models.OperatorGT
	}
	sample := models.HealthSample{
		Value:  value,
		Detail: fmt.Sprintf("%s %.1f%s (threshold %s %.1f%s)", t.Probe.Metric, value, unit, op, t.Probe.Threshold, unit),
	}
	if op.Compare(value, t.Probe.Threshold) {
		sample.Status = models.StatusUnhealthy
	} else {
		sample.Status = models.StatusHealthy
	}
	return sample
}

func (m *MetricChecker) cpuPercent(ctx context.Context, t models.Target) (float64, error) {
	m.mu.Lock()
	prev, ok := m.prev[t.ID]
	m.mu.Unlock()

	if !ok {
		first, err := m.Source.CPUTimes(ctx)
		if err != nil {
			return 0, err
		}
		window := t.Probe.SampleWindow
		if window <= 0 {
			window = defaultSampleWindow
		}
		if err := clock.Sleep(ctx, m.Clock, window); err != nil {
			return 0, err
		}
		prev = first
	}

	cur, err := m.Source.CPUTimes(ctx)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	m.prev[t.ID] = cur
	m.mu.Unlock()

	return utilisation(prev, cur), nil
}

func utilisation(prev, cur CPUTimes) float64 {
	total := cur.Total - prev.Total
	busy := cur.Busy - prev.Busy
	if total <= 0 || busy < 0 {
		return 0
	}
	pct := busy / total * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}
