package models

import "time"

// TargetKind identifies how a target is probed.
type TargetKind string

const (
	KindContainer      TargetKind = "container"
	KindHTTP           TargetKind = "http"
	KindClusterService TargetKind = "cluster_service"
	KindSystemMetric   TargetKind = "system_metric"
)

// Strategy names a remediation strategy.
type Strategy string

const (
	StrategySequential     Strategy = "sequential"
	StrategyParallel       Strategy = "parallel"
	StrategyKillUnhealthy  Strategy = "kill_unhealthy"
	StrategyServiceRestart Strategy = "service_restart"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategySequential, StrategyParallel, StrategyKillUnhealthy, StrategyServiceRestart:
		return true
	}
	return false
}

type Operator string

const (
	OperatorGT  Operator = ">"
	OperatorLT  Operator = "<"
	OperatorGTE Operator = ">="
	OperatorLTE Operator = "<="
	OperatorEQ  Operator = "=="
)

// Compare evaluates "current <op> threshold". An empty operator means ">".
func (o Operator) Compare(current, threshold float64) bool {
	switch o {
	case OperatorGT, "":
		return current > threshold
	case OperatorLT:
		return current < threshold
	case OperatorGTE:
		return current >= threshold
	case OperatorLTE:
		return current <= threshold
	case OperatorEQ:
		return current == threshold
	default:
		return false
	}
}

// Metric names understood by system_metric targets.
const (
	MetricCPU     = "cpu"
	MetricZombies = "zombies"
)

// ProbeSpec describes how to check a target. Which fields apply depends on
// the target kind.
type ProbeSpec struct {
	// http and cluster_service
	URL            string `mapstructure:"url" json:"url,omitempty"`
	ExpectedStatus int    `mapstructure:"expected_status" json:"expected_status,omitempty"`

	// container
	Container string `mapstructure:"container" json:"container,omitempty"`

	// cluster_service backed by consul instead of a status URL
	ConsulService string `mapstructure:"consul_service" json:"consul_service,omitempty"`

	// system_metric
	Metric       string        `mapstructure:"metric" json:"metric,omitempty"`
	Operator     Operator      `mapstructure:"operator" json:"operator,omitempty"`
	Threshold    float64       `mapstructure:"threshold" json:"threshold,omitempty"`
	SampleWindow time.Duration `mapstructure:"sample_window" json:"sample_window,omitempty"`

	Timeout time.Duration `mapstructure:"timeout" json:"timeout,omitempty"`
}

// RemediationSpec describes the corrective action for a target.
type RemediationSpec struct {
	Strategy     Strategy      `mapstructure:"strategy" json:"strategy"`
	MaxAttempts  int           `mapstructure:"max_attempts" json:"max_attempts,omitempty"`
	PollInterval time.Duration `mapstructure:"poll_interval" json:"poll_interval,omitempty"`
	MaxWait      time.Duration `mapstructure:"max_wait" json:"max_wait,omitempty"`
	SettleTime   time.Duration `mapstructure:"settle_time" json:"settle_time,omitempty"`
	CallTimeout  time.Duration `mapstructure:"call_timeout" json:"call_timeout,omitempty"`
	// Service is the dependent service restarted by service_restart.
	Service string `mapstructure:"service" json:"service,omitempty"`
}

// Target is a monitored entity. Loaded once from configuration.
type Target struct {
	ID          string           `mapstructure:"id" json:"id"`
	Kind        TargetKind       `mapstructure:"kind" json:"kind"`
	Description string           `mapstructure:"description" json:"description,omitempty"`
	Probe       ProbeSpec        `mapstructure:"probe" json:"probe"`
	Remediation *RemediationSpec `mapstructure:"remediation" json:"remediation,omitempty"`
	// Sustain is how long the target's failure condition must hold before it
	// is acted on. Zero means immediately.
	Sustain time.Duration `mapstructure:"sustain" json:"sustain,omitempty"`
	Level   AlertLevel    `mapstructure:"level" json:"level,omitempty"`
}

// ContainerName returns the runtime name of a container target, falling back
// to the target id.
func (t Target) ContainerName() string {
	if t.Probe.Container != "" {
		return t.Probe.Container
	}
	return t.ID
}
