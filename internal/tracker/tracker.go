// Package tracker turns instantaneous observations into "this condition has
// held for at least N" facts.
package tracker

import (
	"sort"
	"sync"
	"time"

	"github.com/fleetwarden/internal/clock"
)

// Timer is the running state of one condition streak.
type Timer struct {
	Key             string        `json:"key"`
	FirstObservedAt time.Time     `json:"first_observed_at"`
	Required        time.Duration `json:"required"`
	Fired           bool          `json:"fired"`
}

// Fact is the result of observing a condition once.
type Fact struct {
	Key             string
	FirstObservedAt time.Time
	Elapsed         time.Duration
	// Sustained is true on every observation where the condition has held for
	// the required duration.
	Sustained bool
	// Fired is true only on the first sustained observation of a streak.
	Fired bool
}

type Tracker struct {
	mu     sync.Mutex
	timers map[string]*Timer
	clock  clock.Clock
}

func New(c clock.Clock) *Tracker {
	if c == nil {
		c = clock.System{}
	}
	return &Tracker{
		timers: make(map[string]*Timer),
		clock:  c,
	}
}

// Observe records the current truth of the condition named key.
func (t *Tracker) Observe(key string, active bool, required time.Duration) Fact {
	return t.ObserveAt(key, active, required, t.clock.Now())
}

// ObserveAt is Observe with an explicit observation time.
func (t *Tracker) ObserveAt(key string, active bool, required time.Duration, now time.Time) Fact {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !active {
		delete(t.timers, key)
		return Fact{Key: key}
	}

	timer, ok := t.timers[key]
	if !ok {
		timer = &Timer{Key: key, FirstObservedAt: now, Required: required}
		t.timers[key] = timer
	}
	timer.Required = required

	fact := Fact{
		Key:             key,
		FirstObservedAt: timer.FirstObservedAt,
		Elapsed:         now.Sub(timer.FirstObservedAt),
	}
	if fact.Elapsed >= required {
		fact.Sustained = true
		if !timer.Fired {
			timer.Fired = true
			fact.Fired = true
		}
	}
	return fact
}

// Active returns a copy of the running timers sorted by key.
func (t *Tracker) Active() []Timer {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Timer, 0, len(t.timers))
	for _, timer := range t.timers {
		out = append(out, *timer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Reset drops the timer for key.
func (t *Tracker) Reset(key string) {
	t.mu.Lock()
	delete(t.timers, key)
	t.mu.Unlock()
}
