package models

import (
	"time"

	"gorm.io/gorm"
)

// OutcomeResult is the per-target result of a remediation.
type OutcomeResult string

const (
	OutcomeSuccess  OutcomeResult = "success"
	OutcomeTimedOut OutcomeResult = "timed_out"
	OutcomeFailed   OutcomeResult = "failed"
)

// RemediationRecord is the persisted history of one remediation outcome.
type RemediationRecord struct {
	gorm.Model
	ActionID    string        `gorm:"index" json:"action_id"`
	Strategy    Strategy      `json:"strategy"`
	TargetID    string        `gorm:"index" json:"target_id"`
	Result      OutcomeResult `json:"result"`
	ElapsedMs   int64         `json:"elapsed_ms"`
	Detail      string        `json:"detail"`
	StartedAt   time.Time     `json:"started_at"`
	Interactive bool          `json:"interactive"`
}
