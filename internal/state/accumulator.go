package state

import (
	"time"

	"github.com/ferrostat/go-panelwatch/internal/domain"
)

// Accumulation bounds. Entries beyond the bound are counted as dropped
// rather than stored.
const (
	MaxAccumulatedZones = domain.MaxZones
	MaxAccumulatedBells = domain.MaxDevices
)

// episodeState tracks whether an alarm episode is running. An episode
// spans one continuous period of the master alarm indicator being lit;
// any edge of that indicator ends the episode and starts a fresh one.
type episodeState struct {
	ledOn          bool
	lastModeChange time.Time
}

// edge records a new indicator level. Returns true when the level changed.
func (s *episodeState) edge(on bool, now time.Time) bool {
	if on == s.ledOn {
		return false
	}
	s.ledOn = on
	s.lastModeChange = now
	return true
}

// IsActive reports whether an episode is currently running.
func (s *episodeState) IsActive() bool { return s.ledOn }

// TimeSinceLastModeChange returns how long the current episode state has
// been in effect.
func (s *episodeState) TimeSinceLastModeChange(now time.Time) time.Duration {
	return now.Sub(s.lastModeChange)
}

// LastModeChange returns when the episode state last changed.
func (s *episodeState) LastModeChange() time.Time {
	return s.lastModeChange
}

// ZoneAccumulator collects the distinct zones that reported alarm or
// trouble during the current alarm episode. Outside an episode nothing is
// collected, and every episode edge wipes the collection before anything
// else is processed.
type ZoneAccumulator struct {
	episodeState

	alarmZones   map[int]struct{}
	troubleZones map[int]struct{}
	dropped      int64
}

// NewZoneAccumulator creates an empty zone accumulator.
func NewZoneAccumulator(start time.Time) *ZoneAccumulator {
	za := &ZoneAccumulator{
		alarmZones:   make(map[int]struct{}),
		troubleZones: make(map[int]struct{}),
	}
	za.lastModeChange = start
	return za
}

// LEDEdge records a new master alarm indicator level. On any change the
// accumulated sets are reset. Returns true when an edge occurred.
func (za *ZoneAccumulator) LEDEdge(on bool, now time.Time) bool {
	if !za.edge(on, now) {
		return false
	}
	za.alarmZones = make(map[int]struct{})
	za.troubleZones = make(map[int]struct{})
	return true
}

// Observe feeds one zone status into the accumulator. Ignored outside an
// episode.
func (za *ZoneAccumulator) Observe(status domain.ZoneStatus) {
	if !za.ledOn {
		return
	}

	switch status.Condition {
	case domain.ZoneAlarm:
		za.add(za.alarmZones, status.Zone)
	case domain.ZoneTrouble:
		za.add(za.troubleZones, status.Zone)
	}
}

func (za *ZoneAccumulator) add(set map[int]struct{}, zone int) {
	if _, exists := set[zone]; exists {
		return
	}
	if len(set) >= MaxAccumulatedZones {
		za.dropped++
		return
	}
	set[zone] = struct{}{}
}

// Reset wipes the accumulated sets without ending the episode. Used when
// the feed source changes and the collected zones may not match what the
// new feed reports.
func (za *ZoneAccumulator) Reset(now time.Time) {
	za.alarmZones = make(map[int]struct{})
	za.troubleZones = make(map[int]struct{})
	za.lastModeChange = now
}

// IsAccumulated reports whether the zone raised an alarm during the
// current episode.
func (za *ZoneAccumulator) IsAccumulated(zone int) bool {
	_, exists := za.alarmZones[zone]
	return exists
}

// AlarmCount returns the number of distinct alarm zones this episode.
func (za *ZoneAccumulator) AlarmCount() int { return len(za.alarmZones) }

// TroubleCount returns the number of distinct trouble zones this episode.
func (za *ZoneAccumulator) TroubleCount() int { return len(za.troubleZones) }

// Dropped returns how many zones were discarded by the bound.
func (za *ZoneAccumulator) Dropped() int64 { return za.dropped }

// BellAccumulator collects the distinct devices whose bells rang during
// the current alarm episode. A bell that later reports off stays counted;
// the episode remembers that it rang.
type BellAccumulator struct {
	episodeState

	devices map[int]struct{}
	dropped int64
}

// NewBellAccumulator creates an empty bell accumulator.
func NewBellAccumulator(start time.Time) *BellAccumulator {
	ba := &BellAccumulator{devices: make(map[int]struct{})}
	ba.lastModeChange = start
	return ba
}

// LEDEdge records a new master alarm indicator level. On any change the
// accumulated set is reset. Returns true when an edge occurred.
func (ba *BellAccumulator) LEDEdge(on bool, now time.Time) bool {
	if !ba.edge(on, now) {
		return false
	}
	ba.devices = make(map[int]struct{})
	return true
}

// Observe feeds one bell confirmation into the accumulator. Ignored
// outside an episode; only activations are recorded.
func (ba *BellAccumulator) Observe(confirmation domain.BellConfirmation) {
	if !ba.ledOn || !confirmation.Active {
		return
	}
	if _, exists := ba.devices[confirmation.Device]; exists {
		return
	}
	if len(ba.devices) >= MaxAccumulatedBells {
		ba.dropped++
		return
	}
	ba.devices[confirmation.Device] = struct{}{}
}

// Reset wipes the accumulated set without ending the episode.
func (ba *BellAccumulator) Reset(now time.Time) {
	ba.devices = make(map[int]struct{})
	ba.lastModeChange = now
}

// Count returns the number of distinct devices that rang this episode.
func (ba *BellAccumulator) Count() int { return len(ba.devices) }

// Rang reports whether the device's bell rang during the current episode.
func (ba *BellAccumulator) Rang(device int) bool {
	_, exists := ba.devices[device]
	return exists
}

// Dropped returns how many devices were discarded by the bound.
func (ba *BellAccumulator) Dropped() int64 { return ba.dropped }
