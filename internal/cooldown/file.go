package cooldown

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/fleetwarden/internal/models"
)

const lockRetryDelay = 10 * time.Millisecond

// FileStore keeps cooldowns in a JSON file keyed by alert key. Every write
// re-reads the file, merges, and replaces it atomically. Writers hold an
// advisory lock on <path>.lock, so cron invocations sharing the file do not
// lose each other's records and Claim is exclusive across processes.
type FileStore struct {
	mu   sync.Mutex
	path string
	lock *flock.Flock
}

// NewFileStore opens (or lazily creates) the state file at path. A corrupt
// file is reported rather than silently discarded.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("cooldown: empty state file path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("cooldown: create state dir: %w", err)
	}
	s := &FileStore{path: path, lock: flock.New(path + ".lock")}
	if _, err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the state file location.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Get(_ context.Context, key string) (*models.AlertCooldown, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return nil, err
	}
	rec, ok := records[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *FileStore) Set(ctx context.Context, c models.AlertCooldown) error {
	return s.update(ctx, func(records map[string]models.AlertCooldown) (bool, error) {
		records[c.AlertKey] = c
		return true, nil
	})
}

// Claim records c unless the stored record for its key is still cooling
// down. The check and the write happen under the file lock.
func (s *FileStore) Claim(ctx context.Context, c models.AlertCooldown, window time.Duration) (bool, error) {
	claimed := false
	err := s.update(ctx, func(records map[string]models.AlertCooldown) (bool, error) {
		if rec, ok := records[c.AlertKey]; ok && !Permits(&rec, c.LastSentAt, window) {
			return false, nil
		}
		records[c.AlertKey] = c
		claimed = true
		return true, nil
	})
	return claimed, err
}

func (s *FileStore) List(_ context.Context) ([]models.AlertCooldown, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return nil, err
	}
	return sorted(records), nil
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	return s.update(ctx, func(records map[string]models.AlertCooldown) (bool, error) {
		if _, ok := records[key]; !ok {
			return false, ErrNotFound
		}
		delete(records, key)
		return true, nil
	})
}

// update runs fn over the current records while holding both the in-process
// mutex and the file lock, and saves the result when fn reports a change.
func (s *FileStore) update(ctx context.Context, fn func(map[string]models.AlertCooldown) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	locked, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("cooldown: lock %s: %w", s.lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("cooldown: lock %s: not acquired", s.lock.Path())
	}
	defer s.lock.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}
	changed, err := fn(records)
	if err != nil || !changed {
		return err
	}
	return s.save(records)
}

func (s *FileStore) load() (map[string]models.AlertCooldown, error) {
	records := make(map[string]models.AlertCooldown)
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return records, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cooldown: read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return records, nil
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("cooldown: parse %s: %w", s.path, err)
	}
	for key, rec := range records {
		rec.AlertKey = key
		records[key] = rec
	}
	return records, nil
}

func (s *FileStore) save(records map[string]models.AlertCooldown) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("cooldown: encode: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("cooldown: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("cooldown: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("cooldown: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cooldown: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("cooldown: replace %s: %w", s.path, err)
	}
	return nil
}
