package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fleetwarden/internal/cooldown"
	"github.com/fleetwarden/internal/models"
)

var errNilStore = errors.New("database: nil store")

// CooldownStore keeps alert cooldowns in the alert_cooldowns table.
type CooldownStore struct {
	db *gorm.DB
}

// NewCooldownStore returns a cooldown.Store backed by s.
func NewCooldownStore(s *Store) (*CooldownStore, error) {
	if s == nil {
		return nil, errNilStore
	}
	return &CooldownStore{db: s.db}, nil
}

func (c *CooldownStore) Get(ctx context.Context, key string) (*models.AlertCooldown, error) {
	var rec models.AlertCooldown
	err := c.db.WithContext(ctx).First(&rec, "alert_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cooldown: %w", err)
	}
	return &rec, nil
}

func (c *CooldownStore) Set(ctx context.Context, rec models.AlertCooldown) error {
	err := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "alert_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_sent_at", "window_seconds", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to save cooldown: %w", err)
	}
	return nil
}

// Claim checks and upserts the record inside one transaction. SQLite
// serializes the writers, so concurrent claims for a key admit one sender.
func (c *CooldownStore) Claim(ctx context.Context, rec models.AlertCooldown, window time.Duration) (bool, error) {
	claimed := false
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.AlertCooldown
		err := tx.First(&existing, "alert_key = ?", rec.AlertKey).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return err
		case !cooldown.Permits(&existing, rec.LastSentAt, window):
			return nil
		}
		claimed = true
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "alert_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_sent_at", "window_seconds", "updated_at"}),
		}).Create(&rec).Error
	})
	if err != nil {
		return false, fmt.Errorf("failed to claim cooldown: %w", err)
	}
	return claimed, nil
}

func (c *CooldownStore) List(ctx context.Context) ([]models.AlertCooldown, error) {
	var recs []models.AlertCooldown
	if err := c.db.WithContext(ctx).Order("alert_key").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list cooldowns: %w", err)
	}
	return recs, nil
}

func (c *CooldownStore) Delete(ctx context.Context, key string) error {
	res := c.db.WithContext(ctx).Delete(&models.AlertCooldown{}, "alert_key = ?", key)
	if res.Error != nil {
		return fmt.Errorf("failed to delete cooldown: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return cooldown.ErrNotFound
	}
	return nil
}

var (
	_ cooldown.Store   = (*CooldownStore)(nil)
	_ cooldown.Claimer = (*CooldownStore)(nil)
)
