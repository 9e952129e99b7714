package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrostat/go-panelwatch/internal/domain"
)

// fakeClock drives the governor's time source by hand.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func testGovernor(ttl time.Duration, burst int, window time.Duration) (*QueryGovernor, *fakeClock) {
	governor := NewQueryGovernor(ttl, burst, window)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	governor.nowFn = func() time.Time { return clock.now }
	return governor, clock
}

func TestGovernorCachesWithinTTL(t *testing.T) {
	governor, clock := testGovernor(500*time.Millisecond, 10, time.Second)

	fetches := 0
	fetch := func() (bool, bool) {
		fetches++
		return true, true
	}

	value, known := governor.Get(domain.IndicatorAlarm, fetch)
	assert.True(t, value)
	assert.True(t, known)
	assert.Equal(t, 1, fetches)

	clock.advance(100 * time.Millisecond)
	value, known = governor.Get(domain.IndicatorAlarm, fetch)
	assert.True(t, value)
	assert.True(t, known)
	assert.Equal(t, 1, fetches, "Within the TTL the cache answers")

	clock.advance(600 * time.Millisecond)
	_, _ = governor.Get(domain.IndicatorAlarm, fetch)
	assert.Equal(t, 2, fetches, "Past the TTL the flag is fetched again")
}

func TestGovernorFlagsAreCachedIndependently(t *testing.T) {
	governor, _ := testGovernor(500*time.Millisecond, 10, time.Second)

	alarmFetches, troubleFetches := 0, 0

	governor.Get(domain.IndicatorAlarm, func() (bool, bool) { alarmFetches++; return true, true })
	governor.Get(domain.IndicatorTrouble, func() (bool, bool) { troubleFetches++; return false, true })
	governor.Get(domain.IndicatorAlarm, func() (bool, bool) { alarmFetches++; return true, true })

	assert.Equal(t, 1, alarmFetches)
	assert.Equal(t, 1, troubleFetches, "One flag's cache never answers for another")
}

func TestGovernorServesCacheUnderBurst(t *testing.T) {
	governor, clock := testGovernor(500*time.Millisecond, 3, time.Second)

	fetches := 0
	fetch := func() (bool, bool) {
		fetches++
		return fetches == 1, true // first fetch true, later fetches false
	}

	governor.Get(domain.IndicatorAlarm, fetch) // fetch, cached true
	clock.advance(100 * time.Millisecond)
	governor.Get(domain.IndicatorAlarm, fetch) // cache hit
	clock.advance(50 * time.Millisecond)
	governor.Get(domain.IndicatorAlarm, fetch) // cache hit
	clock.advance(50 * time.Millisecond)
	governor.Get(domain.IndicatorAlarm, fetch) // cache hit, now past the burst limit
	require.Equal(t, 1, fetches)

	// TTL has expired, but the caller is still hammering inside the
	// window, so the stale cache answers instead of the fetch.
	clock.advance(400 * time.Millisecond)
	value, known := governor.Get(domain.IndicatorAlarm, fetch)
	assert.True(t, value, "Burst serves the stale cached value")
	assert.True(t, known)
	assert.Equal(t, 1, fetches, "Fetch must not run during a burst")

	_, _, burstServes := governor.Stats()
	assert.Equal(t, int64(1), burstServes)

	// Once the window drains the fetch runs again and sees fresh state.
	clock.advance(2 * time.Second)
	value, _ = governor.Get(domain.IndicatorAlarm, fetch)
	assert.False(t, value)
	assert.Equal(t, 2, fetches)
}

func TestGovernorBurstWithEmptyCacheStillFetches(t *testing.T) {
	governor, clock := testGovernor(500*time.Millisecond, 2, time.Second)

	fetches := 0
	for i := 0; i < 5; i++ {
		indicator := domain.Indicator(i)
		governor.Get(indicator, func() (bool, bool) { fetches++; return false, false })
		clock.advance(10 * time.Millisecond)
	}

	assert.Equal(t, 5, fetches, "A flag never seen before has nothing cached to serve")
}

func TestGovernorPropagatesUnknown(t *testing.T) {
	governor, _ := testGovernor(500*time.Millisecond, 10, time.Second)

	value, known := governor.Get(domain.IndicatorACPower, func() (bool, bool) { return false, false })
	assert.False(t, value)
	assert.False(t, known, "No master word decoded yet")

	value, known = governor.Get(domain.IndicatorACPower, func() (bool, bool) {
		t.Fatal("cache should answer")
		return false, false
	})
	assert.False(t, value)
	assert.False(t, known, "The cache remembers that the flag is unknown")
}

func TestGovernorStats(t *testing.T) {
	governor, _ := testGovernor(500*time.Millisecond, 10, time.Second)

	governor.Get(domain.IndicatorAlarm, func() (bool, bool) { return true, true })
	governor.Get(domain.IndicatorAlarm, func() (bool, bool) { return true, true })

	calls, cacheHits, burstServes := governor.Stats()
	assert.Equal(t, int64(2), calls)
	assert.Equal(t, int64(1), cacheHits)
	assert.Zero(t, burstServes)
}

func TestGovernorDefaults(t *testing.T) {
	governor := NewQueryGovernor(0, 0, 0)
	assert.Equal(t, DefaultQueryTTL, governor.ttl)
	assert.Equal(t, DefaultQueryBurst, governor.burst)
	assert.Equal(t, DefaultQueryWindow, governor.window)
}
