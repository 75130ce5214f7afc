package registry

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwarden/internal/apperr"
	"github.com/fleetwarden/internal/models"
)

func validTargets() []models.Target {
	return []models.Target{
		{ID: "web", Kind: models.KindContainer, Remediation: &models.RemediationSpec{Strategy: models.StrategySequential}},
		{ID: "api", Kind: models.KindHTTP, Probe: models.ProbeSpec{URL: "http://localhost:8080/health"}},
		{ID: "search", Kind: models.KindClusterService, Probe: models.ProbeSpec{URL: "http://localhost:9200/_cluster/health"},
			Remediation: &models.RemediationSpec{Strategy: models.StrategyServiceRestart, Service: "elasticsearch"}},
		{ID: "cpu", Kind: models.KindSystemMetric, Probe: models.ProbeSpec{Metric: models.MetricCPU, Threshold: 50}, Sustain: 5 * time.Minute},
	}
}

func TestNewAndLookup(t *testing.T) {
	reg, err := New(validTargets(), 0)
	require.NoError(t, err)

	assert.Len(t, reg.List(), 4)
	assert.Equal(t, []string{"api", "cpu", "search", "web"}, reg.IDs())

	target, err := reg.Get("search")
	require.NoError(t, err)
	assert.Equal(t, models.KindClusterService, target.Kind)

	_, err = reg.Get("nope")
	assert.True(t, errors.Is(err, ErrNotFound))

	resolved, err := reg.Resolve([]string{"web", "api"})
	require.NoError(t, err)
	assert.Equal(t, "web", resolved[0].ID)
	assert.Equal(t, "api", resolved[1].ID)

	all, err := reg.Resolve(nil)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestNewRejectsMalformedConfiguration(t *testing.T) {
	tests := []struct {
		name   string
		target models.Target
	}{
		{name: "empty id", target: models.Target{Kind: models.KindContainer}},
		{name: "unknown kind", target: models.Target{ID: "x", Kind: "vm"}},
		{name: "http without url", target: models.Target{ID: "x", Kind: models.KindHTTP}},
		{name: "cluster without source", target: models.Target{ID: "x", Kind: models.KindClusterService}},
		{name: "unknown metric", target: models.Target{ID: "x", Kind: models.KindSystemMetric, Probe: models.ProbeSpec{Metric: "disk"}}},
		{name: "bad operator", target: models.Target{ID: "x", Kind: models.KindSystemMetric, Probe: models.ProbeSpec{Metric: "cpu", Operator: "!="}}},
		{name: "unknown strategy", target: models.Target{ID: "x", Kind: models.KindContainer, Remediation: &models.RemediationSpec{Strategy: "reboot"}}},
		{name: "service restart without service", target: models.Target{ID: "x", Kind: models.KindContainer, Remediation: &models.RemediationSpec{Strategy: models.StrategyServiceRestart}}},
		{name: "container strategy on http", target: models.Target{ID: "x", Kind: models.KindHTTP, Probe: models.ProbeSpec{URL: "http://x"}, Remediation: &models.RemediationSpec{Strategy: models.StrategyParallel}}},
		{name: "negative timeout", target: models.Target{ID: "x", Kind: models.KindContainer, Probe: models.ProbeSpec{Timeout: -time.Second}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			targets := append(validTargets(), tt.target)
			reg, err := New(targets, 10)
			assert.Nil(t, reg)
			assert.True(t, errors.Is(err, apperr.ErrConfiguration), "got %v", err)
		})
	}
}

func TestNewRejectsDuplicates(t *testing.T) {
	targets := append(validTargets(), models.Target{ID: "web", Kind: models.KindContainer})
	_, err := New(targets, 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrConfiguration))
}

func TestHistoryIsBounded(t *testing.T) {
	reg, err := New(validTargets(), 3)
	require.NoError(t, err)

	_, ok := reg.Latest("web")
	assert.False(t, ok)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, reg.Record(models.HealthSample{
			TargetID:  "web",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Detail:    fmt.Sprintf("sample-%d", i),
		}))
	}

	history := reg.History("web")
	require.Len(t, history, 3)
	assert.Equal(t, "sample-2", history[0].Detail)
	assert.Equal(t, "sample-4", history[2].Detail)

	latest, ok := reg.Latest("web")
	require.True(t, ok)
	assert.Equal(t, "sample-4", latest.Detail)

	err = reg.Record(models.HealthSample{TargetID: "ghost"})
	assert.True(t, errors.Is(err, ErrNotFound))
}
