package state

import "time"

// DefaultTroubleHold is how long a dropped trouble indicator keeps being
// reported before the drop is believed.
const DefaultTroubleHold = 7 * time.Second

// OffDelay smooths a flag that flickers between telegrams. A rising flag
// is reported immediately; a falling flag keeps being reported for the
// hold period and only goes off if it stayed down the whole time.
type OffDelay struct {
	hold     time.Duration
	raw      bool
	pending  bool
	offSince time.Time
}

// NewOffDelay creates an off-delay with the given hold period.
func NewOffDelay(hold time.Duration) *OffDelay {
	if hold <= 0 {
		hold = DefaultTroubleHold
	}
	return &OffDelay{hold: hold}
}

// Observe records the raw flag level from the latest telegram.
func (d *OffDelay) Observe(raw bool, now time.Time) {
	if raw {
		d.raw = true
		d.pending = false
		return
	}
	if d.raw {
		d.raw = false
		d.pending = true
		d.offSince = now
	}
}

// Reported returns the smoothed flag level at the given instant. The raw
// level is re-checked here, so a flag that rose again during the hold
// keeps reporting on without interruption.
func (d *OffDelay) Reported(now time.Time) bool {
	if d.raw {
		return true
	}
	if d.pending && now.Sub(d.offSince) < d.hold {
		return true
	}
	d.pending = false
	return false
}

// Deadline returns the instant the hold expires, if one is running.
// Callers schedule a re-evaluation for that instant.
func (d *OffDelay) Deadline() (time.Time, bool) {
	if !d.pending || d.raw {
		return time.Time{}, false
	}
	return d.offSince.Add(d.hold), true
}

// Raw returns the unsmoothed flag level.
func (d *OffDelay) Raw() bool { return d.raw }

// Reset drops all state, reporting off immediately.
func (d *OffDelay) Reset() {
	d.raw = false
	d.pending = false
	d.offSince = time.Time{}
}
