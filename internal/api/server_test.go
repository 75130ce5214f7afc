package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwarden/internal/alert"
	"github.com/fleetwarden/internal/auth"
	"github.com/fleetwarden/internal/clock"
	"github.com/fleetwarden/internal/cooldown"
	"github.com/fleetwarden/internal/database"
	"github.com/fleetwarden/internal/models"
	"github.com/fleetwarden/internal/monitor"
	"github.com/fleetwarden/internal/registry"
	"github.com/fleetwarden/internal/remediation"
	"github.com/fleetwarden/internal/report"
)

const testSecret = "api-test-secret"

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeMonitor struct{}

func (fakeMonitor) State() monitor.State { return monitor.StateIdle }

func (fakeMonitor) Stats() monitor.Stats { return monitor.Stats{Cycles: 3} }

func (fakeMonitor) LastReport() (monitor.CycleReport, bool) {
	return monitor.CycleReport{ID: "cycle-1"}, true
}

type fakeRemediator struct {
	got []remediation.Request
	err error
}

func (f *fakeRemediator) Execute(_ context.Context, req remediation.Request) (remediation.Action, error) {
	f.got = append(f.got, req)
	if f.err != nil {
		return remediation.Action{}, f.err
	}
	return remediation.Action{ID: "action-1", Strategy: req.Strategy}, nil
}

type fixture struct {
	server     *Server
	registry   *registry.Registry
	store      *database.Store
	dispatcher *alert.Dispatcher
	remediator *fakeRemediator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := registry.New([]models.Target{
		{ID: "web", Kind: models.KindContainer, Remediation: &models.RemediationSpec{Strategy: models.StrategySequential}},
		{ID: "api", Kind: models.KindHTTP, Probe: models.ProbeSpec{URL: "http://localhost/health"}},
	}, 0)
	require.NoError(t, err)

	store, err := database.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clk := clock.NewFake(epoch)
	dispatcher, err := alert.NewDispatcher(cooldown.NewMemoryStore(), nil, alert.WithClock(clk))
	require.NoError(t, err)

	rem := &fakeRemediator{}
	srv, err := NewServer(reg,
		WithMonitor(fakeMonitor{}),
		WithCooldowns(dispatcher),
		WithRemediator(rem),
		WithHistory(store),
		WithSecret(testSecret),
		WithClock(clk),
	)
	require.NoError(t, err)
	return &fixture{server: srv, registry: reg, store: store, dispatcher: dispatcher, remediator: rem}
}

func (f *fixture) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func adminToken(t *testing.T) string {
	t.Helper()
	token, err := auth.GenerateToken([]byte(testSecret), "ops", auth.RoleAdmin, time.Hour)
	require.NoError(t, err)
	return token
}

func TestHealthzAndMetrics(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = f.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Record(models.HealthSample{TargetID: "web", Status: models.StatusHealthy, Timestamp: epoch}))
	require.NoError(t, f.registry.Record(models.HealthSample{TargetID: "api", Status: models.StatusUnreachable, Timestamp: epoch}))

	rec := f.do(t, http.MethodGet, "/api/v1/status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Report    report.Report       `json:"report"`
		Stats     monitor.Stats       `json:"stats"`
		LastCycle monitor.CycleReport `json:"last_cycle"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Report.Summary.Total)
	assert.Equal(t, 1, body.Report.Summary.Healthy)
	assert.Equal(t, 1, body.Report.ExitCode)
	assert.Equal(t, uint64(3), body.Stats.Cycles)
	assert.Equal(t, "cycle-1", body.LastCycle.ID)
}

func TestTargetsAndSamples(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.RecordSample(ctx, models.HealthSample{TargetID: "web", Status: models.StatusHealthy, Timestamp: epoch}))
	require.NoError(t, f.store.RecordSample(ctx, models.HealthSample{TargetID: "web", Status: models.StatusUnhealthy, Timestamp: epoch.Add(time.Minute)}))

	rec := f.do(t, http.MethodGet, "/api/v1/targets", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var targets []models.Target
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &targets))
	assert.Len(t, targets, 2)

	rec = f.do(t, http.MethodGet, "/api/v1/targets/web/samples?limit=1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var samples []models.SampleRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &samples))
	require.Len(t, samples, 1)
	assert.Equal(t, models.StatusUnhealthy, samples[0].Status)

	rec = f.do(t, http.MethodGet, "/api/v1/targets/nope/samples", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/targets/web/trend?window=1h", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var trend database.Trend
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trend))
	assert.Equal(t, int64(2), trend.Samples)
	assert.Equal(t, int64(1), trend.Healthy)
}

func TestAlerts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.RecordAlert(ctx, models.Alert{AlertKey: "http:api:down", TargetID: "api", Result: models.DispatchSent, DecidedAt: epoch}))
	require.NoError(t, f.store.RecordAlert(ctx, models.Alert{AlertKey: "http:api:down", TargetID: "api", Result: models.DispatchSuppressed, DecidedAt: epoch.Add(time.Minute)}))

	rec := f.do(t, http.MethodGet, "/api/v1/alerts?result=SENT", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var alerts []models.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alerts))
	require.Len(t, alerts, 1)
	assert.Equal(t, models.DispatchSent, alerts[0].Result)

	rec = f.do(t, http.MethodGet, "/api/v1/alerts?since=yesterday", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCooldownsRequireAdminToReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.dispatcher.TrySend(ctx, "http:api:down", "api down", "connection refused")
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/v1/cooldowns", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []alert.Cooldown
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "http:api:down", list[0].AlertKey)
	assert.True(t, list[0].CoolingDown)

	rec = f.do(t, http.MethodDelete, "/api/v1/cooldowns/http:api:down", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	viewer, err := auth.GenerateToken([]byte(testSecret), "dash", auth.RoleViewer, time.Hour)
	require.NoError(t, err)
	rec = f.do(t, http.MethodDelete, "/api/v1/cooldowns/http:api:down", "", viewer)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/v1/cooldowns/http:api:down", "", adminToken(t))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/v1/cooldowns/http:api:down", "", adminToken(t))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateRemediation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/remediations", `{"targets":["web"]}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, f.remediator.got)

	rec = f.do(t, http.MethodPost, "/api/v1/remediations", `{"targets":["web"]}`, adminToken(t))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.remediator.got, 1)
	got := f.remediator.got[0]
	assert.Equal(t, models.StrategySequential, got.Strategy)
	require.Len(t, got.Targets, 1)
	assert.Equal(t, "web", got.Targets[0].ID)
	assert.Equal(t, "requested by ops", got.Reason)
	assert.False(t, got.Interactive)

	var action remediation.Action
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &action))
	assert.Equal(t, "action-1", action.ID)

	rec = f.do(t, http.MethodPost, "/api/v1/remediations", `{"strategy":"service_restart","targets":["web"],"service":"docker"}`, adminToken(t))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, f.remediator.got[1].Spec)
	assert.Equal(t, "docker", f.remediator.got[1].Spec.Service)

	rec = f.do(t, http.MethodPost, "/api/v1/remediations", `{"targets":["ghost"]}`, adminToken(t))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.remediator.err = remediation.ErrInFlight
	rec = f.do(t, http.MethodPost, "/api/v1/remediations", `{"targets":["web"]}`, adminToken(t))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServerWithoutHistory(t *testing.T) {
	reg, err := registry.New([]models.Target{{ID: "web", Kind: models.KindContainer}}, 0)
	require.NoError(t, err)
	require.NoError(t, reg.Record(models.HealthSample{TargetID: "web", Status: models.StatusHealthy, Timestamp: epoch}))

	srv, err := NewServer(reg)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/targets/web/samples", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var samples []models.HealthSample
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &samples))
	assert.Len(t, samples, 1)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/alerts", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	_, err = NewServer(nil)
	assert.Error(t, err)
}
