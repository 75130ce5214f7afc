// Package cooldown persists the last time a notification went out for each
// alert key.
package cooldown

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/fleetwarden/internal/models"
)

var ErrNotFound = errors.New("cooldown: no record for key")

// Store is implemented by the cooldown persistence backends.
type Store interface {
	// Get returns nil, nil if there's no record yet.
	Get(ctx context.Context, key string) (*models.AlertCooldown, error)
	// Set upserts the record for c.AlertKey.
	Set(ctx context.Context, c models.AlertCooldown) error
	List(ctx context.Context) ([]models.AlertCooldown, error)
	// Delete removes the record, returning ErrNotFound if there was none.
	Delete(ctx context.Context, key string) error
}

// Claimer is implemented by stores that check and record a send in one
// step. Claim stores c and reports true unless the existing record for
// c.AlertKey was sent less than window before c.LastSentAt.
type Claimer interface {
	Claim(ctx context.Context, c models.AlertCooldown, window time.Duration) (bool, error)
}

// Permits reports whether a send at now is allowed given the stored record.
func Permits(rec *models.AlertCooldown, now time.Time, window time.Duration) bool {
	return rec == nil || now.Sub(rec.LastSentAt) >= window
}

// MemoryStore keeps records in process memory only.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]models.AlertCooldown
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]models.AlertCooldown)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*models.AlertCooldown, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Set(_ context.Context, c models.AlertCooldown) error {
	m.mu.Lock()
	m.records[c.AlertKey] = c
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Claim(_ context.Context, c models.AlertCooldown, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[c.AlertKey]; ok && !Permits(&rec, c.LastSentAt, window) {
		return false, nil
	}
	m.records[c.AlertKey] = c
	return true, nil
}

func (m *MemoryStore) List(_ context.Context) ([]models.AlertCooldown, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sorted(m.records), nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[key]; !ok {
		return ErrNotFound
	}
	delete(m.records, key)
	return nil
}

func sorted(records map[string]models.AlertCooldown) []models.AlertCooldown {
	out := make([]models.AlertCooldown, 0, len(records))
	for _, rec := range records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AlertKey < out[j].AlertKey })
	return out
}
