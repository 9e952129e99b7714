// Package engine maintains the live panel picture built from decoded
// telegrams and derives the single aggregated system status from it. A
// single reducer goroutine owns every mutation; queries take a read lock
// and are safe from any goroutine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ferrostat/go-panelwatch/internal/config"
	"github.com/ferrostat/go-panelwatch/internal/domain"
	"github.com/ferrostat/go-panelwatch/internal/metrics"
	"github.com/ferrostat/go-panelwatch/internal/parser"
	"github.com/ferrostat/go-panelwatch/internal/state"
	"github.com/ferrostat/go-panelwatch/internal/validation"
)

// Engine timing defaults, used when the configuration leaves a knob unset.
const (
	DefaultLoadingGrace  = 5 * time.Second
	DefaultNoDataTimeout = 10 * time.Second
	DefaultResetFallback = 30 * time.Second
	DefaultMaxZoneAge    = time.Hour
)

type engineCounters struct {
	telegrams           int64
	decodeFailures      int64
	duplicates          int64
	ignoredAddresses    int64
	integrityRejections int64
	staleBells          int64
	droppedInactive     int64
	statusChanges       int64
	alarmEpisodes       int64
	feedSwitches        int64
	updatesDropped      int64
	eventsDropped       int64
}

// Engine is the telegram reducer. Feed producers hand it raw telegrams
// through Ingest; consumers read the derived state through the query
// methods and the Updates channel.
type Engine struct {
	parser    *parser.Parser
	validator *validation.BatchValidator
	registry  domain.Registry
	governor  *QueryGovernor
	logger    zerolog.Logger

	loadingGrace  time.Duration
	noDataTimeout time.Duration
	resetFallback time.Duration
	maxZoneAge    time.Duration

	events    chan event
	updates   chan domain.AggregatedStatus
	eventsOut chan domain.PanelEvent
	quit      chan struct{}
	done      chan struct{}
	stopOnce  sync.Once

	// evalTimer is owned by the reducer goroutine.
	evalTimer *time.Timer

	mu          sync.RWMutex
	started     bool
	stopped     bool
	startedAt   time.Time
	feedSource  domain.FeedSource
	deviceCount int

	master    *domain.MasterStatus
	cache     *state.ZoneCache
	zoneAccum *state.ZoneAccumulator
	bellAccum *state.BellAccumulator
	bellLog   *state.BellLog
	trouble   *state.OffDelay

	resetting  bool
	resetSince time.Time

	haveTelegram    bool
	lastTelegram    time.Time
	haveFingerprint bool
	lastFingerprint uint16

	haveLabel bool
	lastLabel domain.StatusLabel

	counters engineCounters
}

// New creates an engine wired to the given parser, validator, and device
// registry. Start must be called before telegrams are processed.
func New(cfg *config.Config, p *parser.Parser, validator *validation.BatchValidator, registry domain.Registry) (*Engine, error) {
	source, ok := domain.ParseFeedSource(cfg.Feed.Mode)
	if !ok {
		return nil, fmt.Errorf("unknown feed mode %q", cfg.Feed.Mode)
	}
	if cfg.Panel.DeviceCount < 1 || cfg.Panel.DeviceCount > domain.MaxDevices {
		return nil, fmt.Errorf("device count %d out of range 1..%d", cfg.Panel.DeviceCount, domain.MaxDevices)
	}

	// The protocol cannot address more zones than the loop carries, so
	// the cache never needs room beyond that.
	cacheSize := cfg.Engine.CacheSize
	if cacheSize <= 0 || cacheSize > domain.MaxZones {
		cacheSize = domain.MaxZones
	}

	loadingGrace := cfg.Engine.LoadingGrace
	if loadingGrace <= 0 {
		loadingGrace = DefaultLoadingGrace
	}
	noDataTimeout := cfg.Engine.NoDataTimeout
	if noDataTimeout <= 0 {
		noDataTimeout = DefaultNoDataTimeout
	}
	resetFallback := cfg.Engine.ResetFallback
	if resetFallback <= 0 {
		resetFallback = DefaultResetFallback
	}
	maxZoneAge := cfg.Engine.MaxZoneAge
	if maxZoneAge <= 0 {
		maxZoneAge = DefaultMaxZoneAge
	}

	now := time.Now()

	return &Engine{
		parser:    p,
		validator: validator,
		registry:  registry,
		governor:  NewQueryGovernor(cfg.Engine.QueryTTL, cfg.Engine.QueryBurst, cfg.Engine.QueryWindow),
		logger:    log.With().Str("component", "engine").Logger(),

		loadingGrace:  loadingGrace,
		noDataTimeout: noDataTimeout,
		resetFallback: resetFallback,
		maxZoneAge:    maxZoneAge,

		events:    make(chan event, 64),
		updates:   make(chan domain.AggregatedStatus, 16),
		eventsOut: make(chan domain.PanelEvent, 64),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),

		feedSource:  source,
		deviceCount: cfg.Panel.DeviceCount,

		cache:     state.NewZoneCache(cacheSize),
		zoneAccum: state.NewZoneAccumulator(now),
		bellAccum: state.NewBellAccumulator(now),
		bellLog:   state.NewBellLog(cfg.Engine.BellHistory, cfg.Engine.BellWindow),
		trouble:   state.NewOffDelay(cfg.Engine.TroubleHold),
	}, nil
}

// Start launches the reducer goroutine.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	e.started = true
	e.startedAt = time.Now()
	source := e.feedSource
	deviceCount := e.deviceCount
	e.mu.Unlock()

	go e.run()
	e.post(reevalEvent{})

	e.logger.Info().
		Str("feed_source", source.String()).
		Int("device_count", deviceCount).
		Dur("loading_grace", e.loadingGrace).
		Dur("no_data_timeout", e.noDataTimeout).
		Msg("Status engine started")

	return nil
}

// Stop shuts the reducer down and waits for it to drain, or for the
// context to expire. Queries keep working afterwards but report the
// error state.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	wasStarted := e.started
	e.stopped = true
	e.mu.Unlock()

	e.stopOnce.Do(func() { close(e.quit) })
	if !wasStarted {
		return nil
	}

	select {
	case <-e.done:
		e.logger.Info().Msg("Status engine stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ingest implements domain.TelegramSink. The telegram is queued for the
// reducer; producers only ever wait on queue backpressure, never on
// decode work.
func (e *Engine) Ingest(raw string, source domain.FeedSource) {
	e.post(telegramEvent{raw: raw, source: source})
}

// Sweep expires zones that have outlived the maximum age. Called by the
// maintenance scheduler.
func (e *Engine) Sweep() {
	e.post(sweepEvent{})
}

// SetFeedMode switches the active feed source. Returns true when a
// switch happened, false when the source was already active or the
// engine has stopped. The switch is atomic with respect to telegram
// processing.
func (e *Engine) SetFeedMode(source domain.FeedSource) bool {
	reply := make(chan bool, 1)
	if !e.post(modeChangeEvent{source: source, reply: reply}) {
		return false
	}
	select {
	case switched := <-reply:
		return switched
	case <-e.done:
		return false
	}
}

// SetDeviceCount reconfigures how many loop devices the panel polls.
// Shrinking the count drops cached zones and registered devices beyond
// the new bound.
func (e *Engine) SetDeviceCount(count int) error {
	reply := make(chan error, 1)
	if !e.post(deviceCountEvent{count: count, reply: reply}) {
		return errors.New("engine not running")
	}
	select {
	case err := <-reply:
		return err
	case <-e.done:
		return errors.New("engine not running")
	}
}

// RequestReset marks the panel as resetting until it reports again, or
// until the fallback elapses without confirmation.
func (e *Engine) RequestReset() {
	reply := make(chan struct{}, 1)
	if !e.post(resetEvent{reply: reply}) {
		return
	}
	select {
	case <-reply:
	case <-e.done:
	}
}

// Updates returns the stream of aggregated status changes. The channel
// closes when the engine stops; slow consumers lose the oldest pending
// update first.
func (e *Engine) Updates() <-chan domain.AggregatedStatus {
	return e.updates
}

// Events returns the stream of zone condition changes and bell
// confirmations, with the same close and overflow behavior as Updates.
func (e *Engine) Events() <-chan domain.PanelEvent {
	return e.eventsOut
}

// post queues an event for the reducer. Returns false once the engine is
// shutting down.
func (e *Engine) post(ev event) bool {
	select {
	case e.events <- ev:
		return true
	case <-e.quit:
		return false
	}
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		select {
		case <-e.quit:
			e.shutdown()
			return
		case ev := <-e.events:
			e.handle(ev)
		}
	}
}

func (e *Engine) shutdown() {
	if e.evalTimer != nil {
		e.evalTimer.Stop()
		e.evalTimer = nil
	}
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	close(e.updates)
	close(e.eventsOut)
}

func (e *Engine) handle(ev event) {
	switch ev := ev.(type) {
	case telegramEvent:
		e.handleTelegram(ev)
	case modeChangeEvent:
		e.handleModeChange(ev)
	case deviceCountEvent:
		e.handleDeviceCount(ev)
	case resetEvent:
		e.handleReset(ev)
	case sweepEvent:
		e.handleSweep()
	case reevalEvent:
		e.handleReeval()
	}
}

func (e *Engine) handleTelegram(ev telegramEvent) {
	now := time.Now()

	e.mu.Lock()

	if ev.source != e.feedSource {
		active := e.feedSource
		e.counters.droppedInactive++
		e.mu.Unlock()
		metrics.InactiveSourceDrops.Inc()
		e.logger.Debug().
			Str("source", ev.source.String()).
			Str("active", active.String()).
			Msg("Telegram from inactive source dropped")
		return
	}

	e.counters.telegrams++
	metrics.TelegramsTotal.WithLabelValues(ev.source.String()).Inc()

	result, err := e.parser.Decode(ev.raw, e.deviceCount)
	if err != nil {
		e.counters.decodeFailures++
		e.mu.Unlock()
		metrics.DecodeFailures.Inc()
		e.logger.Debug().Err(err).Int("length", len(ev.raw)).Msg("Telegram could not be decoded")
		return
	}

	if e.haveFingerprint && result.Fingerprint == e.lastFingerprint {
		e.counters.duplicates++
		metrics.DuplicateTelegrams.Inc()
		e.logf("Duplicate telegram fingerprint %04X", result.Fingerprint)
	}
	e.haveFingerprint = true
	e.lastFingerprint = result.Fingerprint

	if n := len(result.Ignored); n > 0 {
		e.counters.ignoredAddresses += int64(n)
		metrics.IgnoredAddresses.Add(float64(n))
	}

	if result.Master != nil {
		e.applyMasterLocked(result.Master, now)
	}

	if len(result.Zones) > 0 {
		e.applyZonesLocked(result)
	}

	// The bell gate uses the indicator level after this telegram's master
	// word, so an activation racing its own falling edge counts as stale.
	ledOn := e.master != nil && e.master.Alarm
	for _, bell := range result.Bells {
		if !e.bellLog.Observe(bell, ledOn, now) {
			e.counters.staleBells++
			metrics.StaleBellDiscards.Inc()
			e.logf("Stale bell activation from device %02d discarded", bell.Device)
			continue
		}
		e.bellAccum.Observe(bell)

		confirmation := bell
		e.pushEvent(domain.PanelEvent{
			Kind:      domain.EventBellConfirmed,
			Bell:      &confirmation,
			Timestamp: now,
		})
	}

	e.haveTelegram = true
	e.lastTelegram = now

	e.refreshStatusLocked(now)
	e.mu.Unlock()
	e.armTimer(now)
}

// applyMasterLocked replaces the master status wholesale. Indicator edges
// reset the episode accumulators before anything else in the telegram is
// applied.
func (e *Engine) applyMasterLocked(master *domain.MasterStatus, now time.Time) {
	closedAlarms := e.zoneAccum.AlarmCount()
	closedTroubles := e.zoneAccum.TroubleCount()
	closedBells := e.bellAccum.Count()

	if e.zoneAccum.LEDEdge(master.Alarm, now) {
		e.bellAccum.LEDEdge(master.Alarm, now)
		e.bellLog.ClearActive()

		if master.Alarm {
			e.counters.alarmEpisodes++
			metrics.AlarmEpisodes.Inc()
			e.logger.Warn().Str("word", master.RawWord).Msg("Alarm indicator lit, accumulation episode opened")
		} else {
			e.logger.Info().
				Int("alarm_zones", closedAlarms).
				Int("trouble_zones", closedTroubles).
				Int("bells", closedBells).
				Msg("Alarm indicator cleared, accumulation episode closed")
		}
	}

	e.trouble.Observe(master.Trouble, now)
	e.master = master

	if e.resetting {
		e.resetting = false
		e.logger.Info().Msg("Panel reporting again, reset complete")
	}
}

// applyZonesLocked validates the zone batch and applies it all or not at
// all. A rejected batch leaves the cache untouched.
func (e *Engine) applyZonesLocked(result *parser.Result) {
	vr := e.validator.ValidateBatch(result, e.deviceCount)
	if !vr.Valid {
		e.counters.integrityRejections++
		metrics.IntegrityRejections.Inc()
		e.logger.Warn().
			Int("zones", len(result.Zones)).
			Str("summary", vr.Summary()).
			Msg("Zone batch rejected, cache left untouched")
		return
	}

	evictionsBefore := e.cache.Evictions()
	for _, zone := range result.Zones {
		previous, known := e.cache.Get(zone.Zone)
		e.cache.Upsert(zone)
		e.zoneAccum.Observe(zone)

		// A zone's first normal report is steady state, not an event.
		if (known && previous.Condition != zone.Condition) ||
			(!known && zone.Condition != domain.ZoneNormal) {
			changed := zone
			e.pushEvent(domain.PanelEvent{
				Kind:      domain.EventZoneChanged,
				Zone:      &changed,
				Timestamp: zone.UpdatedAt,
			})
		}
	}
	for _, device := range result.Devices {
		e.registry.Touch(device.Address, device.Word, device.Offline)
	}

	if delta := e.cache.Evictions() - evictionsBefore; delta > 0 {
		metrics.CacheEvictions.Add(float64(delta))
	}
	metrics.ZonesCached.Set(float64(e.cache.Len()))
}

func (e *Engine) handleModeChange(ev modeChangeEvent) {
	now := time.Now()

	e.mu.Lock()
	if ev.source == e.feedSource {
		e.mu.Unlock()
		ev.reply <- false
		return
	}

	previous := e.feedSource
	e.feedSource = ev.source
	e.cache.Clear()
	e.zoneAccum.Reset(now)
	e.bellAccum.Reset(now)
	e.bellLog.ClearActive()
	e.haveFingerprint = false
	e.counters.feedSwitches++
	e.refreshStatusLocked(now)
	e.mu.Unlock()

	metrics.FeedSwitches.Inc()
	metrics.ZonesCached.Set(0)
	e.logger.Info().
		Str("from", previous.String()).
		Str("to", ev.source.String()).
		Msg("Feed source switched, zone cache cleared")

	ev.reply <- true
	e.armTimer(now)
}

func (e *Engine) handleDeviceCount(ev deviceCountEvent) {
	if ev.count < 1 || ev.count > domain.MaxDevices {
		ev.reply <- fmt.Errorf("device count %d out of range 1..%d", ev.count, domain.MaxDevices)
		return
	}

	now := time.Now()

	e.mu.Lock()
	previous := e.deviceCount
	e.deviceCount = ev.count

	dropped, pruned := 0, 0
	if ev.count < previous {
		dropped = e.cache.DropBeyond(ev.count * domain.ZonesPerDevice)
		pruned = e.registry.Prune(ev.count)
		metrics.ZonesCached.Set(float64(e.cache.Len()))
	}
	e.refreshStatusLocked(now)
	e.mu.Unlock()

	if previous != ev.count {
		e.logger.Info().
			Int("from", previous).
			Int("to", ev.count).
			Int("zones_dropped", dropped).
			Int("devices_pruned", pruned).
			Msg("Device count reconfigured")
	}

	ev.reply <- nil
	e.armTimer(now)
}

func (e *Engine) handleReset(ev resetEvent) {
	now := time.Now()

	e.mu.Lock()
	e.resetting = true
	e.resetSince = now
	e.refreshStatusLocked(now)
	e.mu.Unlock()

	e.logger.Info().
		Dur("fallback", e.resetFallback).
		Msg("Panel reset requested, awaiting confirmation")

	ev.reply <- struct{}{}
	e.armTimer(now)
}

func (e *Engine) handleSweep() {
	now := time.Now()

	e.mu.Lock()
	removed := e.cache.ExpireOlderThan(e.maxZoneAge, now)
	if removed > 0 {
		metrics.CacheExpiries.Add(float64(removed))
		metrics.ZonesCached.Set(float64(e.cache.Len()))
	}
	e.refreshStatusLocked(now)
	e.mu.Unlock()

	if removed > 0 {
		e.logger.Info().
			Int("zones", removed).
			Dur("max_age", e.maxZoneAge).
			Msg("Stale zones expired from cache")
	}
	e.armTimer(now)
}

func (e *Engine) handleReeval() {
	now := time.Now()

	e.mu.Lock()
	if e.resetting && now.Sub(e.resetSince) >= e.resetFallback {
		e.resetting = false
		e.logger.Warn().Msg("Reset confirmation never arrived, resuming aggregation")
	}
	e.refreshStatusLocked(now)
	e.mu.Unlock()
	e.armTimer(now)
}

// refreshStatusLocked re-derives the aggregated status and publishes it
// when the label changed. Reducer only; requires the write lock.
func (e *Engine) refreshStatusLocked(now time.Time) {
	e.trouble.Reported(now) // resolve an expired hold

	status := e.statusLocked(now)
	metrics.ActiveBells.Set(float64(status.ActiveBells))

	previous := "none"
	if e.haveLabel {
		if status.Label == e.lastLabel {
			return
		}
		previous = e.lastLabel.String()
	}
	e.haveLabel = true
	e.lastLabel = status.Label
	e.counters.statusChanges++

	metrics.StatusChanges.WithLabelValues(status.Label.String()).Inc()
	metrics.StatusSeverity.Set(float64(status.Severity))

	e.logger.Info().
		Str("status", status.Label.String()).
		Str("previous", previous).
		Str("severity", status.Severity.String()).
		Int("alarm_zones", status.AlarmZones).
		Int("trouble_zones", status.TroubleZones).
		Msg("System status changed")

	e.pushUpdate(status)
}

// statusLocked derives the aggregated status without mutating anything,
// so it is safe under the read lock.
func (e *Engine) statusLocked(now time.Time) domain.AggregatedStatus {
	label := aggregate(aggregateInput{
		stopped:     e.stopped || !e.started,
		resetting:   e.resetting,
		loading:     e.master == nil && now.Sub(e.startedAt) < e.loadingGrace,
		master:      e.master,
		troubleOn:   e.troubleOnLocked(now),
		dataStale:   !e.haveTelegram || now.Sub(e.lastTelegram) >= e.noDataTimeout,
		zoneCount:   e.cache.Len(),
		accumAlarms: e.zoneAccum.AlarmCount(),
	})

	status := domain.AggregatedStatus{
		Label:        label,
		Severity:     label.Severity(),
		Color:        label.Color(),
		ActiveBells:  e.bellLog.ActiveCount(now),
		Accumulating: e.zoneAccum.IsActive(),
		GeneratedAt:  now,
	}

	if status.Accumulating {
		status.AlarmZones = e.zoneAccum.AlarmCount()
		status.TroubleZones = e.zoneAccum.TroubleCount()
	} else {
		counts := e.cache.CountByCondition()
		status.AlarmZones = counts[domain.ZoneAlarm]
		status.TroubleZones = counts[domain.ZoneTrouble]
	}

	return status
}

// troubleOnLocked mirrors the off-delay's reported level without the
// lazy resolution, which would write under a read lock.
func (e *Engine) troubleOnLocked(now time.Time) bool {
	if e.trouble.Raw() {
		return true
	}
	deadline, pending := e.trouble.Deadline()
	return pending && now.Before(deadline)
}

// pushUpdate delivers a status change to the updates channel, dropping
// the oldest pending update when the consumer lags.
func (e *Engine) pushUpdate(status domain.AggregatedStatus) {
	select {
	case e.updates <- status:
		return
	default:
	}

	select {
	case <-e.updates:
		e.counters.updatesDropped++
	default:
	}
	select {
	case e.updates <- status:
	default:
	}
}

// pushEvent mirrors pushUpdate for the event stream.
func (e *Engine) pushEvent(ev domain.PanelEvent) {
	select {
	case e.eventsOut <- ev:
		return
	default:
	}

	select {
	case <-e.eventsOut:
		e.counters.eventsDropped++
	default:
	}
	select {
	case e.eventsOut <- ev:
	default:
	}
}

// armTimer schedules a reevaluation at the next instant a time-dependent
// label component can flip. Reducer goroutine only.
func (e *Engine) armTimer(now time.Time) {
	if e.evalTimer != nil {
		e.evalTimer.Stop()
		e.evalTimer = nil
	}

	next, ok := e.nextDeadline(now)
	if !ok {
		return
	}

	delay := next.Sub(now)
	if delay < 0 {
		delay = 0
	}
	e.evalTimer = time.AfterFunc(delay, func() { e.post(reevalEvent{}) })
}

func (e *Engine) nextDeadline(now time.Time) (time.Time, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.stopped {
		return time.Time{}, false
	}

	var next time.Time
	consider := func(t time.Time) {
		if !t.After(now) {
			return
		}
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}

	if e.master == nil {
		consider(e.startedAt.Add(e.loadingGrace))
	}
	if e.haveTelegram {
		consider(e.lastTelegram.Add(e.noDataTimeout))
	}
	if deadline, pending := e.trouble.Deadline(); pending {
		consider(deadline)
	}
	if e.resetting {
		consider(e.resetSince.Add(e.resetFallback))
	}

	return next, !next.IsZero()
}

func (e *Engine) logf(format string, args ...interface{}) {
	e.logger.Debug().Msgf(format, args...)
}
