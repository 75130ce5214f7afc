package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwarden/internal/clock"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestObserveBelowRequiredNeverFires(t *testing.T) {
	fc := clock.NewFake(epoch)
	tr := New(fc)
	required := 300 * time.Second

	for elapsed := time.Duration(0); elapsed < required; elapsed += time.Second {
		fc.Set(epoch.Add(elapsed))
		fact := tr.Observe("cpu:high", true, required)
		require.False(t, fact.Sustained, "sustained at %v", elapsed)
		require.False(t, fact.Fired, "fired at %v", elapsed)
	}
}

func TestObserveFiresOncePerStreakAtThreshold(t *testing.T) {
	fc := clock.NewFake(epoch)
	tr := New(fc)
	required := 300 * time.Second

	tr.Observe("cpu:high", true, required)

	fc.Set(epoch.Add(required))
	fact := tr.Observe("cpu:high", true, required)
	assert.True(t, fact.Sustained)
	assert.True(t, fact.Fired)
	assert.Equal(t, required, fact.Elapsed)

	fired := 0
	for i := 1; i <= 10; i++ {
		fc.Set(epoch.Add(required + time.Duration(i)*time.Minute))
		fact := tr.Observe("cpu:high", true, required)
		assert.True(t, fact.Sustained)
		assert.Equal(t, epoch, fact.FirstObservedAt, "firing must not reset the streak start")
		if fact.Fired {
			fired++
		}
	}
	assert.Zero(t, fired)
}

func TestFalseObservationClearsTimer(t *testing.T) {
	fc := clock.NewFake(epoch)
	tr := New(fc)
	required := time.Minute

	tr.Observe("k", true, required)
	fc.Advance(time.Minute)
	require.True(t, tr.Observe("k", true, required).Fired)

	tr.Observe("k", false, required)
	assert.Empty(t, tr.Active())

	// A new streak starts from scratch and may fire again.
	fc.Advance(time.Second)
	fact := tr.Observe("k", true, required)
	assert.False(t, fact.Sustained)
	fc.Advance(time.Minute)
	fact = tr.Observe("k", true, required)
	assert.True(t, fact.Fired)
}

func TestZeroRequiredFiresImmediately(t *testing.T) {
	tr := New(clock.NewFake(epoch))
	fact := tr.Observe("container:web:unhealthy", true, 0)
	assert.True(t, fact.Sustained)
	assert.True(t, fact.Fired)
}

func TestActiveAndReset(t *testing.T) {
	tr := New(clock.NewFake(epoch))
	tr.Observe("b", true, time.Hour)
	tr.Observe("a", true, time.Hour)

	active := tr.Active()
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].Key)

	tr.Reset("a")
	active = tr.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "b", active[0].Key)
}
