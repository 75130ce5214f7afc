package monitor

import (
	"fmt"
	"time"

	"github.com/fleetwarden/internal/models"
)

// DefaultCPUSustain applies to cpu targets that do not set a sustain.
const DefaultCPUSustain = 300 * time.Second

// Policy selects which sustained conditions may trigger remediation. Each
// knob is independent.
type Policy struct {
	RemediateUnhealthyContainers bool `mapstructure:"remediate_unhealthy_containers" json:"remediate_unhealthy_containers"`
	RemediateClusterDegraded     bool `mapstructure:"remediate_cluster_degraded" json:"remediate_cluster_degraded"`
	RemediateUnreachable         bool `mapstructure:"remediate_unreachable" json:"remediate_unreachable"`
}

// DefaultPolicy remediates unhealthy containers and unreachable services but
// leaves degraded (red) clusters to humans.
func DefaultPolicy() Policy {
	return Policy{
		RemediateUnhealthyContainers: true,
		RemediateClusterDegraded:     false,
		RemediateUnreachable:         true,
	}
}

// Condition is one boolean predicate evaluated for a target on a tick.
type Condition struct {
	Key        string
	TargetID   string
	Active     bool
	Required   time.Duration
	Remediable bool
	Level      models.AlertLevel
	Subject    string
}

// conditions derives the predicates for a target from its latest sample.
func conditions(t models.Target, s models.HealthSample, p Policy) []Condition {
	hasRemedy := t.Remediation != nil
	required := t.Sustain

	switch t.Kind {
	case models.KindContainer:
		return []Condition{{
			Key:        fmt.Sprintf("container:%s:unhealthy", t.ID),
			TargetID:   t.ID,
			Active:     s.Status == models.StatusUnhealthy || s.Status == models.StatusUnreachable,
			Required:   required,
			Remediable: hasRemedy && p.RemediateUnhealthyContainers && s.Status == models.StatusUnhealthy,
			Level:      level(t, models.AlertLevelCritical),
			Subject:    fmt.Sprintf("container %s is %s", t.ID, s.Status),
		}}

	case models.KindHTTP:
		return []Condition{{
			Key:        fmt.Sprintf("http:%s:down", t.ID),
			TargetID:   t.ID,
			Active:     s.Status == models.StatusUnhealthy || s.Status == models.StatusUnreachable,
			Required:   required,
			Remediable: hasRemedy && p.RemediateUnreachable,
			Level:      level(t, models.AlertLevelCritical),
			Subject:    fmt.Sprintf("%s is down", t.ID),
		}}

	case models.KindClusterService:
		unreachable := s.Status == models.StatusUnreachable
		return []Condition{
			{
				Key:        fmt.Sprintf("cluster:%s:unreachable", t.ID),
				TargetID:   t.ID,
				Active:     unreachable,
				Required:   required,
				Remediable: hasRemedy && p.RemediateUnreachable,
				Level:      level(t, models.AlertLevelCritical),
				Subject:    fmt.Sprintf("cluster service %s is unreachable", t.ID),
			},
			{
				Key:        fmt.Sprintf("cluster:%s:degraded", t.ID),
				TargetID:   t.ID,
				Active:     s.Failure == models.FailureDegraded,
				Required:   required,
				Remediable: hasRemedy && p.RemediateClusterDegraded,
				Level:      level(t, models.AlertLevelCritical),
				Subject:    fmt.Sprintf("cluster service %s is red", t.ID),
			},
		}

	case models.KindSystemMetric:
		if required == 0 && t.Probe.Metric == models.MetricCPU {
			required = DefaultCPUSustain
		}
		return []Condition{{
			Key:        fmt.Sprintf("%s:%s:high", t.Probe.Metric, t.ID),
			TargetID:   t.ID,
			Active:     s.Status == models.StatusUnhealthy,
			Required:   required,
			Remediable: hasRemedy,
			Level:      level(t, models.AlertLevelWarning),
			Subject:    fmt.Sprintf("%s on %s above threshold", t.Probe.Metric, t.ID),
		}}
	}
	return nil
}

func level(t models.Target, fallback models.AlertLevel) models.AlertLevel {
	if t.Level != "" {
		return t.Level
	}
	return fallback
}
