package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwarden/internal/apperr"
	"github.com/fleetwarden/internal/models"
)

const sampleConfig = `
logging:
  level: debug
loop:
  interval: 30s
alert:
  window: 15m
  windows:
    "remediation:": 5m
  slack:
    webhook_url: https://hooks.slack.example/T000
targets:
  - id: web
    kind: container
    probe:
      container: web-1
    remediation:
      strategy: sequential
      max_wait: 90s
  - id: es
    kind: cluster_service
    probe:
      url: http://localhost:9200/_cluster/health
    remediation:
      strategy: service_restart
      service: elasticsearch
      max_attempts: 2
  - id: cpu
    kind: system_metric
    sustain: 5m
    probe:
      metric: cpu
      threshold: 90
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 30*time.Second, cfg.Loop.Interval)
	assert.Equal(t, 15*time.Minute, cfg.Alert.Window)
	assert.Equal(t, 5*time.Minute, cfg.Alert.Windows["remediation:"])
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, BackendFile, cfg.State.Backend)
	assert.True(t, cfg.Policy.RemediateUnhealthyContainers)
	assert.False(t, cfg.Policy.RemediateClusterDegraded)
	assert.Equal(t, []string{"systemctl", "restart"}, cfg.Remediation.ServiceCommand)

	require.Len(t, cfg.Targets, 3)
	web := cfg.Targets[0]
	assert.Equal(t, models.KindContainer, web.Kind)
	assert.Equal(t, "web-1", web.Probe.Container)
	require.NotNil(t, web.Remediation)
	assert.Equal(t, 90*time.Second, web.Remediation.MaxWait)
	assert.Equal(t, 5*time.Minute, cfg.Targets[2].Sustain)
	assert.Equal(t, 90.0, cfg.Targets[2].Probe.Threshold)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("FLEETWARDEN_SERVER_PORT", "9191")
	t.Setenv("FLEETWARDEN_POLICY_REMEDIATE_CLUSTER_DEGRADED", "true")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.True(t, cfg.Policy.RemediateClusterDegraded)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"duplicate target": `
targets:
  - {id: web, kind: container}
  - {id: web, kind: container}
`,
		"unknown kind": `
targets:
  - {id: web, kind: vm}
`,
		"unknown strategy": `
targets:
  - id: web
    kind: container
    remediation: {strategy: reboot}
`,
		"bad backend": `
state: {backend: redis}
`,
		"consul target without address": `
targets:
  - id: es
    kind: cluster_service
    probe: {consul_service: elasticsearch}
`,
		"email without receivers": `
alert:
  email: {smtp_host: smtp.example.com}
`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
			assert.ErrorIs(t, err, apperr.ErrConfiguration)
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, apperr.ErrConfiguration)
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, WriteDefault(path))
	assert.Error(t, WriteDefault(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, cfg.Alert.Window)
	assert.Empty(t, cfg.Targets)
}
