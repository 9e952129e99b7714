package engine

import (
	"time"

	"github.com/ferrostat/go-panelwatch/internal/domain"
)

// Status derives the current aggregated system status.
func (e *Engine) Status() domain.AggregatedStatus {
	now := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.statusLocked(now)
}

// MasterFlag returns one master indicator through the query governor.
// known is false while no master word has been decoded.
func (e *Engine) MasterFlag(indicator domain.Indicator) (value, known bool) {
	return e.governor.Get(indicator, func() (bool, bool) {
		e.mu.RLock()
		defer e.mu.RUnlock()
		if e.master == nil {
			return false, false
		}
		return e.master.Flag(indicator), true
	})
}

// Master returns a copy of the last decoded master status.
func (e *Engine) Master() (domain.MasterStatus, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.master == nil {
		return domain.MasterStatus{}, false
	}
	return *e.master, true
}

// Zone returns the cached status of one absolute zone.
func (e *Engine) Zone(zone int) (domain.ZoneStatus, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cache.Get(zone)
}

// Zones returns every cached zone status ordered by zone number.
func (e *Engine) Zones() []domain.ZoneStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cache.All()
}

// ZonesByCondition returns the cached zones in one condition, ordered by
// zone number.
func (e *Engine) ZonesByCondition(condition domain.ZoneCondition) []domain.ZoneStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cache.ByCondition(condition)
}

// Accumulated summarizes the current accumulation episode.
func (e *Engine) Accumulated() domain.AccumulatedCounts {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return domain.AccumulatedCounts{
		AlarmCount:     e.zoneAccum.AlarmCount(),
		TroubleCount:   e.zoneAccum.TroubleCount(),
		BellCount:      e.bellAccum.Count(),
		Accumulating:   e.zoneAccum.IsActive(),
		LastModeChange: e.zoneAccum.LastModeChange(),
	}
}

// ActiveBells returns the devices whose bells are ringing right now,
// ordered by address.
func (e *Engine) ActiveBells() []int {
	now := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.bellLog.Active(now)
}

// BellHistory returns the retained bell confirmations, oldest first.
func (e *Engine) BellHistory() []domain.BellConfirmation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.bellLog.History()
}

// Devices returns every device seen on the loop, ordered by address.
func (e *Engine) Devices() []*domain.DeviceInfo {
	return e.registry.All()
}

// FeedMode returns the active feed source.
func (e *Engine) FeedMode() domain.FeedSource {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.feedSource
}

// DeviceCount returns the configured device count.
func (e *Engine) DeviceCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.deviceCount
}

// GetMetrics returns a snapshot of the engine's internal counters for
// the diagnostics endpoint.
func (e *Engine) GetMetrics() map[string]interface{} {
	// The governor keeps its own lock; query it before taking ours.
	calls, cacheHits, burstServes := e.governor.Stats()

	e.mu.RLock()
	defer e.mu.RUnlock()

	return map[string]interface{}{
		"telegrams_received":    e.counters.telegrams,
		"decode_failures":       e.counters.decodeFailures,
		"duplicate_telegrams":   e.counters.duplicates,
		"ignored_addresses":     e.counters.ignoredAddresses,
		"integrity_rejections":  e.counters.integrityRejections,
		"stale_bell_discards":   e.counters.staleBells,
		"dropped_inactive":      e.counters.droppedInactive,
		"status_changes":        e.counters.statusChanges,
		"alarm_episodes":        e.counters.alarmEpisodes,
		"feed_switches":         e.counters.feedSwitches,
		"updates_dropped":       e.counters.updatesDropped,
		"events_dropped":        e.counters.eventsDropped,
		"zones_cached":          e.cache.Len(),
		"cache_evictions":       e.cache.Evictions(),
		"cache_expiries":        e.cache.Expiries(),
		"accumulated_alarms":    e.zoneAccum.AlarmCount(),
		"accumulated_troubles":  e.zoneAccum.TroubleCount(),
		"accumulated_bells":     e.bellAccum.Count(),
		"accumulator_dropped":   e.zoneAccum.Dropped() + e.bellAccum.Dropped(),
		"governor_calls":        calls,
		"governor_cache_hits":   cacheHits,
		"governor_burst_serves": burstServes,
		"feed_source":           e.feedSource.String(),
		"device_count":          e.deviceCount,
	}
}
