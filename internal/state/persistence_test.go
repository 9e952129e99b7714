package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOffDelayRisesImmediately(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	delay := NewOffDelay(7 * time.Second)

	assert.False(t, delay.Reported(base), "Fresh filter reports off")

	delay.Observe(true, base)
	assert.True(t, delay.Reported(base), "Rising flag reports immediately")
	assert.True(t, delay.Raw())
}

func TestOffDelayHoldsAfterDrop(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	delay := NewOffDelay(7 * time.Second)

	delay.Observe(true, base)
	delay.Observe(false, base.Add(time.Second))

	assert.True(t, delay.Reported(base.Add(time.Second)), "Drop starts the hold, still on")
	assert.True(t, delay.Reported(base.Add(7*time.Second)), "Just inside the hold")
	assert.False(t, delay.Reported(base.Add(8*time.Second+time.Millisecond)),
		"Hold expired, the drop is believed")
	assert.False(t, delay.Raw())
}

func TestOffDelayCancelsOnRise(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	delay := NewOffDelay(7 * time.Second)

	delay.Observe(true, base)
	delay.Observe(false, base.Add(time.Second))
	delay.Observe(true, base.Add(3*time.Second))

	// The flag rose again inside the hold; much later it is still on.
	assert.True(t, delay.Reported(base.Add(time.Hour)), "Re-risen flag stays on")

	_, pending := delay.Deadline()
	assert.False(t, pending, "Rise cancels the running hold")
}

func TestOffDelayFlickerAbsorbed(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	delay := NewOffDelay(7 * time.Second)

	delay.Observe(true, base)
	on := true
	// The flag toggles every two seconds for a while; the reported level
	// never drops because each gap is shorter than the hold.
	for i := 1; i <= 10; i++ {
		on = !on
		at := base.Add(time.Duration(i) * 2 * time.Second)
		delay.Observe(on, at)
		assert.True(t, delay.Reported(at), "Reported level must ride through flicker at step %d", i)
	}
}

func TestOffDelayDeadline(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	delay := NewOffDelay(7 * time.Second)

	_, pending := delay.Deadline()
	assert.False(t, pending, "No hold runs on a fresh filter")

	delay.Observe(true, base)
	_, pending = delay.Deadline()
	assert.False(t, pending, "No hold runs while the flag is up")

	dropAt := base.Add(time.Second)
	delay.Observe(false, dropAt)

	deadline, pending := delay.Deadline()
	require.True(t, pending, "Drop starts a hold")
	assert.Equal(t, dropAt.Add(7*time.Second), deadline)

	// Once evaluated past the deadline the hold resolves.
	assert.False(t, delay.Reported(deadline.Add(time.Second)))
	_, pending = delay.Deadline()
	assert.False(t, pending, "Resolved hold leaves no deadline")
}

func TestOffDelayRepeatedOffIsQuiet(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	delay := NewOffDelay(7 * time.Second)

	delay.Observe(true, base)
	delay.Observe(false, base.Add(time.Second))
	delay.Observe(false, base.Add(2*time.Second))

	deadline, pending := delay.Deadline()
	require.True(t, pending)
	assert.Equal(t, base.Add(8*time.Second), deadline,
		"Repeated off reports must not restart the hold")
}

func TestOffDelayReset(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	delay := NewOffDelay(7 * time.Second)

	delay.Observe(true, base)
	delay.Observe(false, base.Add(time.Second))
	delay.Reset()

	assert.False(t, delay.Reported(base.Add(2*time.Second)), "Reset reports off at once")
	_, pending := delay.Deadline()
	assert.False(t, pending)
}

func TestOffDelayDefaultHold(t *testing.T) {
	delay := NewOffDelay(0)
	assert.Equal(t, DefaultTroubleHold, delay.hold)
}
