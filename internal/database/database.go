// Package database stores sample, alert and remediation history in sqlite.
package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/fleetwarden/internal/models"
)

const defaultLimit = 100

// Store wraps the history database.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the sqlite database at dbPath and
// migrates the schema.
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(
		&models.SampleRecord{},
		&models.Alert{},
		&models.AlertCooldown{},
		&models.RemediationRecord{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

// DB returns the underlying gorm handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying *sql.DB: %w", err)
	}
	return sqlDB.Close()
}

func (s *Store) RecordSample(ctx context.Context, sample models.HealthSample) error {
	rec := models.NewSampleRecord(sample)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to save sample: %w", err)
	}
	return nil
}

func (s *Store) RecordAlert(ctx context.Context, a models.Alert) error {
	if err := s.db.WithContext(ctx).Create(&a).Error; err != nil {
		return fmt.Errorf("failed to save alert: %w", err)
	}
	return nil
}

func (s *Store) RecordRemediation(ctx context.Context, r models.RemediationRecord) error {
	if err := s.db.WithContext(ctx).Create(&r).Error; err != nil {
		return fmt.Errorf("failed to save remediation: %w", err)
	}
	return nil
}

// Samples returns the newest samples for a target, newest first.
func (s *Store) Samples(ctx context.Context, targetID string, limit int) ([]models.SampleRecord, error) {
	var records []models.SampleRecord
	err := s.db.WithContext(ctx).
		Where("target_id = ?", targetID).
		Order("timestamp desc").
		Limit(clampLimit(limit)).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	return records, nil
}

// AlertQuery filters Alerts. Zero fields match everything.
type AlertQuery struct {
	TargetID string
	Key      string
	Result   models.DispatchResult
	Since    time.Time
	Limit    int
}

func (s *Store) Alerts(ctx context.Context, q AlertQuery) ([]models.Alert, error) {
	query := s.db.WithContext(ctx).Model(&models.Alert{})
	if q.TargetID != "" {
		query = query.Where("target_id = ?", q.TargetID)
	}
	if q.Key != "" {
		query = query.Where("alert_key = ?", q.Key)
	}
	if q.Result != "" {
		query = query.Where("result = ?", q.Result)
	}
	if !q.Since.IsZero() {
		query = query.Where("decided_at >= ?", q.Since)
	}

	var alerts []models.Alert
	if err := query.Order("decided_at desc").Limit(clampLimit(q.Limit)).Find(&alerts).Error; err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	return alerts, nil
}

func (s *Store) Remediations(ctx context.Context, targetID string, limit int) ([]models.RemediationRecord, error) {
	query := s.db.WithContext(ctx).Model(&models.RemediationRecord{})
	if targetID != "" {
		query = query.Where("target_id = ?", targetID)
	}
	var records []models.RemediationRecord
	if err := query.Order("started_at desc").Limit(clampLimit(limit)).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to query remediations: %w", err)
	}
	return records, nil
}

// Trend summarises a target's persisted samples since a point in time.
type Trend struct {
	TargetID      string  `json:"target_id"`
	Samples       int64   `json:"samples"`
	Healthy       int64   `json:"healthy"`
	HealthyRatio  float64 `json:"healthy_ratio"`
	MeanLatencyMs float64 `json:"mean_latency_ms"`
}

func (s *Store) Trend(ctx context.Context, targetID string, since time.Time) (Trend, error) {
	var row struct {
		Samples     int64
		Healthy     int64
		MeanLatency float64
	}
	err := s.db.WithContext(ctx).Model(&models.SampleRecord{}).
		Select("COUNT(*) AS samples, "+
			"COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS healthy, "+
			"COALESCE(AVG(latency_ms), 0) AS mean_latency", models.StatusHealthy).
		Where("target_id = ? AND timestamp >= ?", targetID, since).
		Scan(&row).Error
	if err != nil {
		return Trend{}, fmt.Errorf("failed to compute trend: %w", err)
	}

	t := Trend{TargetID: targetID, Samples: row.Samples, Healthy: row.Healthy, MeanLatencyMs: row.MeanLatency}
	if row.Samples > 0 {
		t.HealthyRatio = float64(row.Healthy) / float64(row.Samples)
	}
	return t, nil
}

// Prune deletes history older than before and returns the rows removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		steps := []struct {
			model  any
			column string
		}{
			{&models.SampleRecord{}, "timestamp"},
			{&models.Alert{}, "decided_at"},
			{&models.RemediationRecord{}, "started_at"},
		}
		for _, step := range steps {
			res := tx.Unscoped().Where(step.column+" < ?", before).Delete(step.model)
			if res.Error != nil {
				return res.Error
			}
			total += res.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	return total, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultLimit
	}
	return limit
}
