package models

import (
	"time"

	"gorm.io/gorm"
)

type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "INFO"
	AlertLevelWarning  AlertLevel = "WARNING"
	AlertLevelCritical AlertLevel = "CRITICAL"
)

// DispatchResult is the outcome of a dispatch attempt.
type DispatchResult string

const (
	DispatchSent       DispatchResult = "SENT"
	DispatchSuppressed DispatchResult = "SUPPRESSED"
	DispatchFailed     DispatchResult = "FAILED"
)

// Alert is the history row written for every dispatch decision.
type Alert struct {
	gorm.Model
	AlertKey  string         `gorm:"index" json:"alert_key"`
	TargetID  string         `gorm:"index" json:"target_id"`
	Level     AlertLevel     `json:"level"`
	Subject   string         `json:"subject"`
	Body      string         `json:"body"`
	Result    DispatchResult `json:"result"`
	Error     string         `json:"error,omitempty"`
	DecidedAt time.Time      `json:"decided_at"`
}

// AlertCooldown tracks the last time a notification went out for a key.
type AlertCooldown struct {
	AlertKey      string    `gorm:"primaryKey" json:"alert_key"`
	LastSentAt    time.Time `json:"last_sent_at"`
	WindowSeconds int       `json:"window_seconds"`
	UpdatedAt     time.Time `json:"updated_at"`
}
