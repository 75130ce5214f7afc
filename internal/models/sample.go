package models

import (
	"time"

	"gorm.io/gorm"
)

type HealthStatus string

const (
	StatusHealthy     HealthStatus = "healthy"
	StatusUnhealthy   HealthStatus = "unhealthy"
	StatusStarting    HealthStatus = "starting"
	StatusUnknown     HealthStatus = "unknown"
	StatusUnreachable HealthStatus = "unreachable"
)

// Severity is the tri-state classification reported by cluster services.
type Severity string

const (
	SeverityGreen  Severity = "green"
	SeverityYellow Severity = "yellow"
	SeverityRed    Severity = "red"
)

// FailureClass records why a probe did not come back healthy.
type FailureClass string

const (
	FailureNone        FailureClass = ""
	FailureTimeout     FailureClass = "timeout"
	FailureUnreachable FailureClass = "unreachable"
	FailureDegraded    FailureClass = "degraded"
	FailureMissing     FailureClass = "missing"
)

// HealthSample is the immutable result of one probe.
type HealthSample struct {
	TargetID  string       `json:"target_id"`
	Timestamp time.Time    `json:"timestamp"`
	Status    HealthStatus `json:"status"`
	Detail    string       `json:"detail,omitempty"`
	LatencyMs int64        `json:"latency_ms"`
	Severity  Severity     `json:"severity,omitempty"`
	Failure   FailureClass `json:"failure,omitempty"`
	Value     float64      `json:"value,omitempty"`

	// Container resource usage, zero for other kinds.
	CPUPercent   float64       `json:"cpu_percent,omitempty"`
	MemPercent   float64       `json:"mem_percent,omitempty"`
	Uptime       time.Duration `json:"uptime,omitempty"`
	RestartCount int           `json:"restart_count,omitempty"`
}

// Healthy reports whether the sample is a healthy one.
func (s HealthSample) Healthy() bool {
	return s.Status == StatusHealthy
}

// SampleRecord is the persisted form of a HealthSample.
type SampleRecord struct {
	gorm.Model
	TargetID   string       `gorm:"index" json:"target_id"`
	Timestamp  time.Time    `gorm:"index" json:"timestamp"`
	Status     HealthStatus `json:"status"`
	Severity   Severity     `json:"severity"`
	Failure    FailureClass `json:"failure"`
	Detail     string       `json:"detail"`
	LatencyMs  int64        `json:"latency_ms"`
	Value      float64      `json:"value"`
	CPUPercent float64      `json:"cpu_percent"`
	MemPercent float64      `json:"mem_percent"`
}

// NewSampleRecord converts a sample for storage.
func NewSampleRecord(s HealthSample) SampleRecord {
	return SampleRecord{
		TargetID:   s.TargetID,
		Timestamp:  s.Timestamp,
		Status:     s.Status,
		Severity:   s.Severity,
		Failure:    s.Failure,
		Detail:     s.Detail,
		LatencyMs:  s.LatencyMs,
		Value:      s.Value,
		CPUPercent: s.CPUPercent,
		MemPercent: s.MemPercent,
	}
}
