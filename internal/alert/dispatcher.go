// Package alert rate-limits outbound notifications per alert key.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fleetwarden/internal/apperr"
	"github.com/fleetwarden/internal/clock"
	"github.com/fleetwarden/internal/cooldown"
	"github.com/fleetwarden/internal/logging"
	"github.com/fleetwarden/internal/models"
	"github.com/fleetwarden/internal/notify"
)

const (
	DefaultWindow      = 30 * time.Minute
	defaultSendTimeout = 30 * time.Second
)

// Request is one candidate notification.
type Request struct {
	Key      string
	TargetID string
	Level    models.AlertLevel
	Subject  string
	Body     string
}

// Recorder persists dispatch decisions.
type Recorder interface {
	RecordAlert(ctx context.Context, a models.Alert) error
}

// Observer is told the result of every dispatch.
type Observer interface {
	ObserveAlert(result models.DispatchResult)
}

type Dispatcher struct {
	store       cooldown.Store
	notifier    notify.Notifier
	clock       clock.Clock
	logger      *slog.Logger
	recorder    Recorder
	observer    Observer
	window      time.Duration
	prefixes    map[string]time.Duration
	sendTimeout time.Duration

	locks sync.Map // alert key -> *sync.Mutex
}

type Option func(*Dispatcher)

// WithWindow sets the default cooldown window.
func WithWindow(d time.Duration) Option {
	return func(ds *Dispatcher) {
		if d > 0 {
			ds.window = d
		}
	}
}

// WithKeyWindow overrides the window for keys starting with prefix. The
// longest matching prefix wins.
func WithKeyWindow(prefix string, d time.Duration) Option {
	return func(ds *Dispatcher) {
		if prefix != "" && d > 0 {
			ds.prefixes[prefix] = d
		}
	}
}

func WithSendTimeout(d time.Duration) Option {
	return func(ds *Dispatcher) {
		if d > 0 {
			ds.sendTimeout = d
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(ds *Dispatcher) {
		if c != nil {
			ds.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(ds *Dispatcher) {
		if l != nil {
			ds.logger = l
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(ds *Dispatcher) {
		ds.recorder = r
	}
}

func WithObserver(o Observer) Option {
	return func(ds *Dispatcher) {
		ds.observer = o
	}
}

// NewDispatcher builds a dispatcher. A nil notifier degrades to logging.
func NewDispatcher(store cooldown.Store, notifier notify.Notifier, opts ...Option) (*Dispatcher, error) {
	if store == nil {
		return nil, errors.New("alert: nil cooldown store")
	}
	d := &Dispatcher{
		store:       store,
		notifier:    notifier,
		clock:       clock.System{},
		logger:      logging.Discard(),
		window:      DefaultWindow,
		prefixes:    make(map[string]time.Duration),
		sendTimeout: defaultSendTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.notifier == nil {
		d.notifier = notify.NewLog(d.logger)
	}
	return d, nil
}

// WindowFor returns the cooldown window applied to key.
func (d *Dispatcher) WindowFor(key string) time.Duration {
	best, window := -1, d.window
	for prefix, w := range d.prefixes {
		if strings.HasPrefix(key, prefix) && len(prefix) > best {
			best, window = len(prefix), w
		}
	}
	return window
}

// TrySend sends subject/body under key unless the key is cooling down.
func (d *Dispatcher) TrySend(ctx context.Context, key, subject, body string) (models.DispatchResult, error) {
	return d.Dispatch(ctx, Request{Key: key, Subject: subject, Body: body, Level: models.AlertLevelWarning})
}

// Dispatch decides and, when permitted, delivers req. The cooldown is
// persisted before the notifier runs and is kept even if delivery fails, in
// which case a NotifierFailed error is returned alongside DispatchFailed.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (models.DispatchResult, error) {
	if req.Key == "" {
		return models.DispatchFailed, errors.New("alert: empty key")
	}
	if req.Level == "" {
		req.Level = models.AlertLevelWarning
	}

	now, permitted, err := d.claim(ctx, req.Key)
	if err != nil {
		d.finish(ctx, req, models.DispatchFailed, now, err)
		return models.DispatchFailed, err
	}
	if !permitted {
		d.logger.Debug("alert suppressed by cooldown", "key", req.Key)
		d.finish(ctx, req, models.DispatchSuppressed, now, nil)
		return models.DispatchSuppressed, nil
	}

	sctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	msg := notify.Message{
		Key:      req.Key,
		TargetID: req.TargetID,
		Level:    req.Level,
		Subject:  req.Subject,
		Body:     req.Body,
		SentAt:   now,
	}
	if err := d.notifier.Send(sctx, msg); err != nil {
		nerr := apperr.New(apperr.KindNotifierFailed, "alert.dispatch", req.Key, err)
		d.logger.Warn("notifier failed", "key", req.Key, "error", err)
		d.finish(ctx, req, models.DispatchFailed, now, nerr)
		return models.DispatchFailed, nerr
	}

	d.logger.Info("alert sent", "key", req.Key, "level", req.Level, "subject", req.Subject)
	d.finish(ctx, req, models.DispatchSent, now, nil)
	return models.DispatchSent, nil
}

// claim checks the cooldown for key and, if sending is permitted, stores
// the new lastSentAt. Stores implementing cooldown.Claimer do both in one
// step; otherwise the per-key mutex only covers this process.
func (d *Dispatcher) claim(ctx context.Context, key string) (time.Time, bool, error) {
	mu := d.lock(key)
	mu.Lock()
	defer mu.Unlock()

	now := d.clock.Now()
	window := d.WindowFor(key)
	next := models.AlertCooldown{
		AlertKey:      key,
		LastSentAt:    now,
		WindowSeconds: int(window / time.Second),
		UpdatedAt:     now,
	}
	if c, ok := d.store.(cooldown.Claimer); ok {
		claimed, err := c.Claim(ctx, next, window)
		if err != nil {
			return now, false, fmt.Errorf("alert: claim cooldown %s: %w", key, err)
		}
		return now, claimed, nil
	}

	rec, err := d.store.Get(ctx, key)
	if err != nil {
		return now, false, fmt.Errorf("alert: read cooldown %s: %w", key, err)
	}
	if !cooldown.Permits(rec, now, window) {
		return now, false, nil
	}
	if err := d.store.Set(ctx, next); err != nil {
		return now, false, fmt.Errorf("alert: persist cooldown %s: %w", key, err)
	}
	return now, true, nil
}

func (d *Dispatcher) lock(key string) *sync.Mutex {
	mu, _ := d.locks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (d *Dispatcher) finish(ctx context.Context, req Request, result models.DispatchResult, at time.Time, err error) {
	if d.observer != nil {
		d.observer.ObserveAlert(result)
	}
	if d.recorder == nil {
		return
	}
	rec := models.Alert{
		AlertKey:  req.Key,
		TargetID:  req.TargetID,
		Level:     req.Level,
		Subject:   req.Subject,
		Body:      req.Body,
		Result:    result,
		DecidedAt: at,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if rerr := d.recorder.RecordAlert(ctx, rec); rerr != nil {
		d.logger.Warn("failed to record alert", "key", req.Key, "error", rerr)
	}
}

// Cooldown is a stored cooldown with its computed expiry.
type Cooldown struct {
	models.AlertCooldown
	Window      time.Duration `json:"window"`
	ExpiresAt   time.Time     `json:"expires_at"`
	CoolingDown bool          `json:"cooling_down"`
}

// Cooldowns lists every stored cooldown.
func (d *Dispatcher) Cooldowns(ctx context.Context) ([]Cooldown, error) {
	records, err := d.store.List(ctx)
	if err != nil {
		return nil, err
	}
	now := d.clock.Now()
	out := make([]Cooldown, 0, len(records))
	for _, rec := range records {
		window := d.WindowFor(rec.AlertKey)
		expires := rec.LastSentAt.Add(window)
		out = append(out, Cooldown{
			AlertCooldown: rec,
			Window:        window,
			ExpiresAt:     expires,
			CoolingDown:   now.Before(expires),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AlertKey < out[j].AlertKey })
	return out, nil
}

// Reset clears the cooldown for key so the next alert goes out immediately.
func (d *Dispatcher) Reset(ctx context.Context, key string) error {
	mu := d.lock(key)
	mu.Lock()
	defer mu.Unlock()
	return d.store.Delete(ctx, key)
}
