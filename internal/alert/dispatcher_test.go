package alert

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwarden/internal/apperr"
	"github.com/fleetwarden/internal/clock"
	"github.com/fleetwarden/internal/cooldown"
	"github.com/fleetwarden/internal/models"
	"github.com/fleetwarden/internal/notify"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Message
	err  error
}

func (r *recordingNotifier) Send(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return r.err
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type memoryRecorder struct {
	mu     sync.Mutex
	alerts []models.Alert
}

func (m *memoryRecorder) RecordAlert(_ context.Context, a models.Alert) error {
	m.mu.Lock()
	m.alerts = append(m.alerts, a)
	m.mu.Unlock()
	return nil
}

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func TestSentSuppressedSent(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFake(t0)
	n := &recordingNotifier{}
	rec := &memoryRecorder{}
	d, err := NewDispatcher(cooldown.NewMemoryStore(), n, WithClock(fake), WithWindow(1800*time.Second), WithRecorder(rec))
	require.NoError(t, err)

	res, err := d.TrySend(ctx, "cpu:host:high", "cpu high", "cpu at 95%")
	require.NoError(t, err)
	assert.Equal(t, models.DispatchSent, res)

	fake.Advance(600 * time.Second)
	res, err = d.TrySend(ctx, "cpu:host:high", "cpu high", "cpu at 95%")
	require.NoError(t, err)
	assert.Equal(t, models.DispatchSuppressed, res)

	fake.Advance(1200 * time.Second)
	res, err = d.TrySend(ctx, "cpu:host:high", "cpu high", "cpu at 95%")
	require.NoError(t, err)
	assert.Equal(t, models.DispatchSent, res)

	assert.Equal(t, 2, n.count())
	require.Len(t, rec.alerts, 3)
	assert.Equal(t, models.DispatchSuppressed, rec.alerts[1].Result)
}

func TestKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	n := &recordingNotifier{}
	d, err := NewDispatcher(cooldown.NewMemoryStore(), n, WithClock(clock.NewFake(t0)))
	require.NoError(t, err)

	res, _ := d.TrySend(ctx, "container:web:unhealthy", "s", "b")
	assert.Equal(t, models.DispatchSent, res)
	res, _ = d.TrySend(ctx, "container:api:unhealthy", "s", "b")
	assert.Equal(t, models.DispatchSent, res)
	assert.Equal(t, 2, n.count())
}

func TestNotifierFailureKeepsCooldown(t *testing.T) {
	ctx := context.Background()
	n := &recordingNotifier{err: errors.New("slack down")}
	store := cooldown.NewMemoryStore()
	d, err := NewDispatcher(store, n, WithClock(clock.NewFake(t0)))
	require.NoError(t, err)

	res, err := d.TrySend(ctx, "k", "s", "b")
	assert.Equal(t, models.DispatchFailed, res)
	assert.ErrorIs(t, err, apperr.ErrNotifierFailed)

	stored, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, t0.Equal(stored.LastSentAt))

	res, err = d.TrySend(ctx, "k", "s", "b")
	require.NoError(t, err)
	assert.Equal(t, models.DispatchSuppressed, res)
}

func TestConcurrentSendsSameKeyDeliverOnce(t *testing.T) {
	ctx := context.Background()
	n := &recordingNotifier{}
	d, err := NewDispatcher(cooldown.NewMemoryStore(), n, WithClock(clock.NewFake(t0)))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = d.TrySend(ctx, "container:web:unhealthy", "s", "b")
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, n.count())
}

func TestDispatchersSharingStateFileDeliverOnce(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cooldowns.json")
	n := &recordingNotifier{}

	var dispatchers []*Dispatcher
	for i := 0; i < 3; i++ {
		store, err := cooldown.NewFileStore(path)
		require.NoError(t, err)
		d, err := NewDispatcher(store, n, WithClock(clock.NewFake(t0)))
		require.NoError(t, err)
		dispatchers = append(dispatchers, d)
	}

	var wg sync.WaitGroup
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func(d *Dispatcher) {
			defer wg.Done()
			_, _ = d.TrySend(ctx, "http:api:down", "s", "b")
		}(dispatchers[i%len(dispatchers)])
	}
	wg.Wait()
	assert.Equal(t, 1, n.count())
}

func TestCooldownSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cooldowns.json")
	fake := clock.NewFake(t0)

	store, err := cooldown.NewFileStore(path)
	require.NoError(t, err)
	first, err := NewDispatcher(store, &recordingNotifier{}, WithClock(fake))
	require.NoError(t, err)
	res, _ := first.TrySend(ctx, "k", "s", "b")
	require.Equal(t, models.DispatchSent, res)

	fake.Advance(time.Minute)
	reopened, err := cooldown.NewFileStore(path)
	require.NoError(t, err)
	n := &recordingNotifier{}
	second, err := NewDispatcher(reopened, n, WithClock(fake))
	require.NoError(t, err)
	res, _ = second.TrySend(ctx, "k", "s", "b")
	assert.Equal(t, models.DispatchSuppressed, res)
	assert.Zero(t, n.count())
}

func TestWindowForPrefix(t *testing.T) {
	d, err := NewDispatcher(cooldown.NewMemoryStore(), nil,
		WithWindow(time.Hour),
		WithKeyWindow("remediation:", 5*time.Minute),
		WithKeyWindow("remediation:db", time.Minute),
	)
	require.NoError(t, err)

	assert.Equal(t, time.Hour, d.WindowFor("cpu:host:high"))
	assert.Equal(t, 5*time.Minute, d.WindowFor("remediation:web"))
	assert.Equal(t, time.Minute, d.WindowFor("remediation:db-primary"))
}

func TestCooldownsAndReset(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFake(t0)
	d, err := NewDispatcher(cooldown.NewMemoryStore(), nil, WithClock(fake), WithWindow(time.Hour))
	require.NoError(t, err)

	_, err = d.TrySend(ctx, "k", "s", "b")
	require.NoError(t, err)

	list, err := d.Cooldowns(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].CoolingDown)
	assert.Equal(t, t0.Add(time.Hour), list[0].ExpiresAt)

	require.NoError(t, d.Reset(ctx, "k"))
	res, err := d.TrySend(ctx, "k", "s", "b")
	require.NoError(t, err)
	assert.Equal(t, models.DispatchSent, res)

	assert.ErrorIs(t, d.Reset(ctx, "unknown"), cooldown.ErrNotFound)
}

func TestNewDispatcherRequiresStore(t *testing.T) {
	_, err := NewDispatcher(nil, nil)
	assert.Error(t, err)
}
