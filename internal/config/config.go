package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fleetwarden/internal/apperr"
	"github.com/fleetwarden/internal/models"
	"github.com/fleetwarden/internal/monitor"
	"github.com/fleetwarden/internal/registry"
)

const envPrefix = "FLEETWARDEN"

// State backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	State       StateConfig       `mapstructure:"state"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Loop        LoopConfig        `mapstructure:"loop"`
	Policy      monitor.Policy    `mapstructure:"policy"`
	Probe       ProbeConfig       `mapstructure:"probe"`
	Remediation RemediationConfig `mapstructure:"remediation"`
	Alert       AlertConfig       `mapstructure:"alert"`
	Docker      DockerConfig      `mapstructure:"docker"`
	Consul      ConsulConfig      `mapstructure:"consul"`
	Targets     []models.Target   `mapstructure:"targets"`
}

type ServerConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Port      int    `mapstructure:"port"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type DatabaseConfig struct {
	Path          string `mapstructure:"path"`
	RetentionDays int    `mapstructure:"retention_days"`
}

type StateConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

type LoopConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	HistorySize int           `mapstructure:"history_size"`
	Concurrency int           `mapstructure:"concurrency"`
}

type ProbeConfig struct {
	HTTPTimeout      time.Duration `mapstructure:"http_timeout"`
	ContainerTimeout time.Duration `mapstructure:"container_timeout"`
	ClusterTimeout   time.Duration `mapstructure:"cluster_timeout"`
	MetricTimeout    time.Duration `mapstructure:"metric_timeout"`
}

type RemediationConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	MaxWait        time.Duration `mapstructure:"max_wait"`
	SettleTime     time.Duration `mapstructure:"settle_time"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	ServiceCommand []string      `mapstructure:"service_command"`
}

type AlertConfig struct {
	Window      time.Duration            `mapstructure:"window"`
	Windows     map[string]time.Duration `mapstructure:"windows"`
	SendTimeout time.Duration            `mapstructure:"send_timeout"`
	Slack       SlackConfig              `mapstructure:"slack"`
	Email       EmailConfig              `mapstructure:"email"`
	Webhook     WebhookConfig            `mapstructure:"webhook"`
}

type SlackConfig struct {
	Token      string `mapstructure:"token"`
	Channel    string `mapstructure:"channel"`
	WebhookURL string `mapstructure:"webhook_url"`
	Username   string `mapstructure:"username"`
}

type EmailConfig struct {
	SMTPHost  string   `mapstructure:"smtp_host"`
	SMTPPort  int      `mapstructure:"smtp_port"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	From      string   `mapstructure:"from"`
	Receivers []string `mapstructure:"receivers"`
}

type WebhookConfig struct {
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

type DockerConfig struct {
	Host        string        `mapstructure:"host"`
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
	Stats       bool          `mapstructure:"stats"`
}

type ConsulConfig struct {
	Address string `mapstructure:"address"`
}

// setDefaults registers a default for every key so environment overrides
// apply and WriteDefault emits a complete file. Durations are strings.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.jwt_secret", "")

	v.SetDefault("database.path", "data/fleetwarden.db")
	v.SetDefault("database.retention_days", 14)

	v.SetDefault("state.backend", BackendFile)
	v.SetDefault("state.path", "data/cooldowns.json")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", false)

	v.SetDefault("loop.interval", monitor.DefaultInterval.String())
	v.SetDefault("loop.history_size", registry.DefaultHistorySize)
	v.SetDefault("loop.concurrency", 16)

	defaults := monitor.DefaultPolicy()
	v.SetDefault("policy.remediate_unhealthy_containers", defaults.RemediateUnhealthyContainers)
	v.SetDefault("policy.remediate_cluster_degraded", defaults.RemediateClusterDegraded)
	v.SetDefault("policy.remediate_unreachable", defaults.RemediateUnreachable)

	v.SetDefault("probe.http_timeout", "5s")
	v.SetDefault("probe.container_timeout", "10s")
	v.SetDefault("probe.cluster_timeout", "10s")
	v.SetDefault("probe.metric_timeout", "10s")

	v.SetDefault("remediation.poll_interval", "2s")
	v.SetDefault("remediation.max_wait", "1m")
	v.SetDefault("remediation.settle_time", "30s")
	v.SetDefault("remediation.call_timeout", "30s")
	v.SetDefault("remediation.service_command", []string{"systemctl", "restart"})

	v.SetDefault("alert.window", "30m")
	v.SetDefault("alert.send_timeout", "30s")
	v.SetDefault("alert.slack.token", "")
	v.SetDefault("alert.slack.channel", "")
	v.SetDefault("alert.slack.webhook_url", "")
	v.SetDefault("alert.slack.username", "fleetwarden")
	v.SetDefault("alert.email.smtp_host", "")
	v.SetDefault("alert.email.smtp_port", 587)
	v.SetDefault("alert.email.username", "")
	v.SetDefault("alert.email.password", "")
	v.SetDefault("alert.email.from", "")
	v.SetDefault("alert.webhook.url", "")

	v.SetDefault("docker.host", "")
	v.SetDefault("docker.stop_timeout", "10s")
	v.SetDefault("docker.stats", true)

	v.SetDefault("consul.address", "")
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/fleetwarden")
	}
	return v
}

// Load reads configuration from path, or from config.yaml in the working
// directory or /etc/fleetwarden when path is empty. A missing file in the
// search path yields the defaults. The result is validated.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, apperr.New(apperr.KindConfiguration, "config", "read config", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperr.New(apperr.KindConfiguration, "config", "decode config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WriteDefault writes a configuration file holding the defaults to path. It
// refuses to overwrite an existing file.
func WriteDefault(path string) error {
	v := viper.New()
	setDefaults(v)
	if err := v.SafeWriteConfigAs(path); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
}

// Validate checks every section and every target.
func (c *Config) Validate() error {
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return apperr.Configuration("server.port %d out of range", c.Server.Port)
	}
	switch c.State.Backend {
	case BackendFile:
		if c.State.Path == "" {
			return apperr.Configuration("state.path is required for the file backend")
		}
	case BackendSQLite:
		if c.Database.Path == "" {
			return apperr.Configuration("database.path is required for the sqlite backend")
		}
	default:
		return apperr.Configuration("unknown state.backend %q", c.State.Backend)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return apperr.Configuration("unknown logging.level %q", c.Logging.Level)
	}
	if c.Loop.Interval <= 0 {
		return apperr.Configuration("loop.interval must be positive")
	}
	if c.Alert.Window <= 0 {
		return apperr.Configuration("alert.window must be positive")
	}
	for prefix, w := range c.Alert.Windows {
		if w <= 0 {
			return apperr.Configuration("alert.windows[%s] must be positive", prefix)
		}
	}
	if c.Alert.Email.SMTPHost != "" && len(c.Alert.Email.Receivers) == 0 {
		return apperr.Configuration("alert.email.receivers is required when smtp_host is set")
	}
	if c.Alert.Slack.Token != "" && c.Alert.Slack.Channel == "" {
		return apperr.Configuration("alert.slack.channel is required when token is set")
	}
	if len(c.Remediation.ServiceCommand) == 0 {
		return apperr.Configuration("remediation.service_command must not be empty")
	}
	if _, err := registry.New(c.Targets, c.Loop.HistorySize); err != nil {
		return err
	}
	for _, t := range c.Targets {
		if t.Probe.ConsulService != "" && c.Consul.Address == "" {
			return apperr.Configuration("target %q uses consul_service but consul.address is empty", t.ID)
		}
	}
	return nil
}

// RemediationDefaults returns the orchestrator defaults.
func (c *Config) RemediationDefaults() models.RemediationSpec {
	return models.RemediationSpec{
		MaxAttempts:  1,
		PollInterval: c.Remediation.PollInterval,
		MaxWait:      c.Remediation.MaxWait,
		SettleTime:   c.Remediation.SettleTime,
		CallTimeout:  c.Remediation.CallTimeout,
	}
}
