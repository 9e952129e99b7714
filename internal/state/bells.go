package state

import (
	"sort"
	"time"

	"github.com/ferrostat/go-panelwatch/internal/domain"
)

// Bell tracking defaults.
const (
	DefaultBellHistory = 100
	DefaultBellWindow  = 2 * time.Second
)

// BellLog tracks bell confirmations: a bounded history of the most recent
// confirmations for diagnostics, and the set of bells currently believed
// to be ringing. A bell only counts as ringing for a short window after
// its last activation; the panel re-confirms ringing bells continuously.
type BellLog struct {
	maxHistory int
	window     time.Duration

	history []domain.BellConfirmation
	lastOn  map[int]time.Time

	stale int64
}

// NewBellLog creates an empty bell log.
func NewBellLog(maxHistory int, window time.Duration) *BellLog {
	if maxHistory <= 0 {
		maxHistory = DefaultBellHistory
	}
	if window <= 0 {
		window = DefaultBellWindow
	}
	return &BellLog{
		maxHistory: maxHistory,
		window:     window,
		lastOn:     make(map[int]time.Time),
	}
}

// Observe records one bell confirmation. An activation arriving while the
// master alarm indicator is off is stale traffic from a closed episode and
// is discarded. Returns true when the confirmation was recorded.
func (l *BellLog) Observe(confirmation domain.BellConfirmation, ledOn bool, now time.Time) bool {
	if confirmation.Active && !ledOn {
		l.stale++
		return false
	}

	l.history = append(l.history, confirmation)
	if len(l.history) > l.maxHistory {
		l.history = l.history[len(l.history)-l.maxHistory:]
	}

	if confirmation.Active {
		l.lastOn[confirmation.Device] = now
	} else {
		delete(l.lastOn, confirmation.Device)
	}
	return true
}

// Active returns the devices whose bells are ringing at the given instant,
// ordered by address.
func (l *BellLog) Active(now time.Time) []int {
	var devices []int
	for device, at := range l.lastOn {
		if now.Sub(at) <= l.window {
			devices = append(devices, device)
		}
	}
	sort.Ints(devices)
	return devices
}

// ActiveCount returns how many bells are ringing at the given instant.
func (l *BellLog) ActiveCount(now time.Time) int {
	count := 0
	for _, at := range l.lastOn {
		if now.Sub(at) <= l.window {
			count++
		}
	}
	return count
}

// ClearActive forgets all ringing bells. Called on master alarm indicator
// edges; confirmations from the ended episode must not leak into the next.
func (l *BellLog) ClearActive() {
	l.lastOn = make(map[int]time.Time)
}

// History returns a copy of the retained confirmations, oldest first.
func (l *BellLog) History() []domain.BellConfirmation {
	history := make([]domain.BellConfirmation, len(l.history))
	copy(history, l.history)
	return history
}

// StaleDiscards returns how many stale activations were dropped.
func (l *BellLog) StaleDiscards() int64 { return l.stale }
