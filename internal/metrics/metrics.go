package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fleetwarden/internal/models"
)

const namespace = "fleetwarden"

var (
	probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Total number of probes, partitioned by target kind and resulting status.",
		},
		[]string{"kind", "status"},
	)

	probeLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_latency_seconds",
			Help:      "Probe latency in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"kind"},
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alert dispatch decisions, partitioned by result.",
		},
		[]string{"result"},
	)

	remediationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remediation_outcomes_total",
			Help:      "Per-target remediation outcomes, partitioned by strategy and result.",
		},
		[]string{"strategy", "result"},
	)

	cycleDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_seconds",
			Help:      "Reconciliation cycle duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
	)

	unhealthyTargets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unhealthy_targets",
			Help:      "Targets not healthy in the most recent cycle.",
		},
	)
)

// Register attaches fleetwarden collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		probesTotal,
		probeLatencySeconds,
		alertsTotal,
		remediationsTotal,
		cycleDurationSeconds,
		unhealthyTargets,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// Observer feeds the collectors. It satisfies the observer hooks of the
// probe engine, alert dispatcher, remediation orchestrator and loop.
type Observer struct{}

func (Observer) ObserveProbe(kind models.TargetKind, s models.HealthSample) {
	probesTotal.WithLabelValues(string(kind), string(s.Status)).Inc()
	probeLatencySeconds.WithLabelValues(string(kind)).Observe(float64(s.LatencyMs) / 1000)
}

func (Observer) ObserveAlert(result models.DispatchResult) {
	alertsTotal.WithLabelValues(string(result)).Inc()
}

func (Observer) ObserveRemediation(strategy models.Strategy, result models.OutcomeResult) {
	remediationsTotal.WithLabelValues(string(strategy), string(result)).Inc()
}

func (Observer) ObserveCycle(duration time.Duration, unhealthy int) {
	if duration < 0 {
		duration = 0
	}
	cycleDurationSeconds.Observe(duration.Seconds())
	unhealthyTargets.Set(float64(unhealthy))
}
