package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwarden/internal/models"
)

type staticHistory struct {
	targets []models.Target
	history map[string][]models.HealthSample
}

func (s staticHistory) List() []models.Target { return s.targets }

func (s staticHistory) History(id string) []models.HealthSample { return s.history[id] }

func fixture() staticHistory {
	return staticHistory{
		targets: []models.Target{
			{ID: "web", Kind: models.KindContainer},
			{ID: "es", Kind: models.KindClusterService},
			{ID: "api", Kind: models.KindHTTP},
		},
		history: map[string][]models.HealthSample{
			"web": {
				{Status: models.StatusUnhealthy},
				{Status: models.StatusHealthy, CPUPercent: 12.34, MemPercent: 40, Uptime: 26 * time.Hour, LatencyMs: 3, Detail: "healthy"},
			},
			"es": {
				{Status: models.StatusHealthy, Severity: models.SeverityYellow, Detail: "status yellow: unassigned_shards=4"},
			},
		},
	}
}

func TestBuild(t *testing.T) {
	r := Build(fixture(), time.Now())
	require.Len(t, r.Rows, 3)

	assert.Equal(t, "api", r.Rows[0].TargetID)
	assert.Equal(t, models.StatusUnknown, r.Rows[0].Status)

	web := r.Rows[2]
	assert.Equal(t, "web", web.TargetID)
	assert.InDelta(t, 0.5, web.HealthyRatio, 0.001)
	assert.Equal(t, 2, web.Samples)

	assert.Equal(t, 3, r.Summary.Total)
	assert.Equal(t, 2, r.Summary.Healthy)
	assert.Equal(t, 1, r.ExitCode)
}

func TestWriteText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, Build(fixture(), time.Now()), false))

	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.True(t, strings.HasPrefix(lines[0], "TARGET"))
	assert.Contains(t, out, "healthy (yellow)")
	assert.Contains(t, out, "12.3")
	assert.Contains(t, out, "1d2h0m0s")
	assert.Contains(t, out, "2/3 healthy")
	assert.NotContains(t, out, "\x1b[")
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, Build(fixture(), time.Now())))

	var decoded Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Len(t, decoded.Rows, 3)
	assert.Equal(t, 1, decoded.ExitCode)
}
