package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwarden/internal/models"
)

func TestRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))
}

func TestObserver(t *testing.T) {
	var o Observer

	before := testutil.ToFloat64(alertsTotal.WithLabelValues(string(models.DispatchSuppressed)))
	o.ObserveAlert(models.DispatchSuppressed)
	assert.Equal(t, before+1, testutil.ToFloat64(alertsTotal.WithLabelValues(string(models.DispatchSuppressed))))

	before = testutil.ToFloat64(probesTotal.WithLabelValues("http", "healthy"))
	o.ObserveProbe(models.KindHTTP, models.HealthSample{Status: models.StatusHealthy, LatencyMs: 12})
	assert.Equal(t, before+1, testutil.ToFloat64(probesTotal.WithLabelValues("http", "healthy")))

	o.ObserveRemediation(models.StrategyParallel, models.OutcomeFailed)
	assert.GreaterOrEqual(t, testutil.ToFloat64(remediationsTotal.WithLabelValues("parallel", "failed")), 1.0)

	o.ObserveCycle(2*time.Second, 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(unhealthyTargets))
}
