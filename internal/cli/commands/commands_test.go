package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwarden/internal/api"
	"github.com/fleetwarden/internal/auth"
	"github.com/fleetwarden/internal/cooldown"
	"github.com/fleetwarden/internal/models"
	"github.com/fleetwarden/internal/registry"
	"github.com/fleetwarden/internal/remediation"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// writeConfig writes a config whose state lives under a temp dir. healthURL
// backs the "api" http target.
func writeConfig(t *testing.T, healthURL string) (configPath, statePath string) {
	t.Helper()
	dir := t.TempDir()
	statePath = filepath.Join(dir, "cooldowns.json")
	body := fmt.Sprintf(`
server:
  enabled: false
database:
  path: %s
state:
  path: %s
docker:
  host: tcp://127.0.0.1:1
targets:
  - id: web
    kind: container
    remediation:
      strategy: sequential
  - id: api
    kind: http
    probe:
      url: %s
`, filepath.Join(dir, "history.db"), statePath, healthURL)
	configPath = filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(body), 0o644))
	return configPath, statePath
}

func exitCode(err error) int {
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	if err != nil {
		return -1
	}
	return 0
}

func TestInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	out, err := run(t, "", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote "+path)
	assert.FileExists(t, path)

	_, err = run(t, "", "init", path)
	assert.Error(t, err)
}

func TestCheckExitsNonZeroWhenUnhealthy(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	configPath, _ := writeConfig(t, down.URL)

	out, err := run(t, "", "check", "--config", configPath, "--no-color")
	assert.Equal(t, 1, exitCode(err))
	assert.Contains(t, out, "alert http:api:down: SENT")
}

func TestCooldownListAndReset(t *testing.T) {
	configPath, statePath := writeConfig(t, "http://127.0.0.1:1/health")
	store, err := cooldown.NewFileStore(statePath)
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), models.AlertCooldown{
		AlertKey:   "http:api:down",
		LastSentAt: time.Now().Add(-time.Minute),
	}))

	out, err := run(t, "", "cooldown", "list", "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "http:api:down")
	assert.Contains(t, out, "true")

	out, err = run(t, "", "cooldown", "reset", "http:api:down", "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Cooldown http:api:down reset")

	_, err = run(t, "", "cooldown", "reset", "http:api:down", "--config", configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no cooldown stored")
}

func TestRestartDeclinedMakesNoRuntimeCalls(t *testing.T) {
	configPath, _ := writeConfig(t, "http://127.0.0.1:1/health")

	out, err := run(t, "n\n", "restart", "web", "--config", configPath)
	assert.Equal(t, 1, exitCode(err))
	assert.Contains(t, out, "Strategy: sequential")
	assert.Contains(t, out, "Proceed? [y/N]")
	assert.Contains(t, out, "Cancelled.")
}

func TestRestartRejectsUnknownStrategy(t *testing.T) {
	_, err := run(t, "", "restart", "web", "--strategy", "kill_unhealthy")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--strategy")
}

type stubRemediator struct {
	got remediation.Request
}

func (s *stubRemediator) Execute(_ context.Context, req remediation.Request) (remediation.Action, error) {
	s.got = req
	outcomes := make([]remediation.Outcome, 0, len(req.Targets))
	for _, t := range req.Targets {
		outcomes = append(outcomes, remediation.Outcome{TargetID: t.ID, Result: models.OutcomeSuccess, Detail: "healthy"})
	}
	return remediation.Action{ID: "a-1", Strategy: req.Strategy, Outcomes: outcomes}, nil
}

func TestRemoteCommands(t *testing.T) {
	reg, err := registry.New([]models.Target{
		{ID: "web", Kind: models.KindContainer, Remediation: &models.RemediationSpec{Strategy: models.StrategySequential}},
		{ID: "reaper", Kind: models.KindContainer, Remediation: &models.RemediationSpec{Strategy: models.StrategyKillUnhealthy}},
	}, 0)
	require.NoError(t, err)
	require.NoError(t, reg.Record(models.HealthSample{TargetID: "web", Status: models.StatusHealthy, Timestamp: time.Now()}))
	require.NoError(t, reg.Record(models.HealthSample{TargetID: "reaper", Status: models.StatusHealthy, Timestamp: time.Now()}))

	rem := &stubRemediator{}
	srv, err := api.NewServer(reg, api.WithRemediator(rem), api.WithSecret("cli-secret"))
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	out, err := run(t, "", "status", "--server", ts.URL, "--no-color")
	require.NoError(t, err)
	assert.Contains(t, out, "TARGET")
	assert.Contains(t, out, "2/2 healthy")

	token, err := auth.GenerateToken([]byte("cli-secret"), "ops", auth.RoleAdmin, time.Hour)
	require.NoError(t, err)

	out, err = run(t, "", "restart", "web", "--strategy", "parallel", "--server", ts.URL, "--token", token)
	require.NoError(t, err)
	assert.Contains(t, out, "web")
	assert.Contains(t, out, "success")
	assert.Equal(t, models.StrategyParallel, rem.got.Strategy)

	// A target configured to be killed is still only restarted.
	_, err = run(t, "", "restart", "reaper", "--server", ts.URL, "--token", token)
	require.NoError(t, err)
	assert.Equal(t, models.StrategySequential, rem.got.Strategy)

	_, err = run(t, "", "restart", "web", "--server", ts.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authorization header required")
}
