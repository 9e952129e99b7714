package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrostat/go-panelwatch/internal/config"
	"github.com/ferrostat/go-panelwatch/internal/domain"
	"github.com/ferrostat/go-panelwatch/internal/layout"
	"github.com/ferrostat/go-panelwatch/internal/parser"
	"github.com/ferrostat/go-panelwatch/internal/validation"
)

// Master words with AC and DC power lit plus the named indicator. A clear
// bit means the indicator is on.
const (
	healthyMaster = "401F"
	alarmMaster   = "400F"
	troubleMaster = "4017"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Engine.LoadingGrace = 500 * time.Millisecond
	cfg.Engine.NoDataTimeout = 2 * time.Second
	cfg.Engine.TroubleHold = 400 * time.Millisecond
	cfg.Engine.BellWindow = 150 * time.Millisecond
	cfg.Engine.ResetFallback = 300 * time.Millisecond
	cfg.Engine.QueryTTL = 10 * time.Millisecond
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()

	lay, err := layout.Load("v1")
	require.NoError(t, err)

	nop := zerolog.Nop()
	eng, err := New(cfg, parser.NewParser(lay), validation.NewBatchValidator(validation.ValidationLevelStandard, nop), domain.NewDeviceRegistry())
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})

	return eng
}

func label(eng *Engine) domain.StatusLabel {
	return eng.Status().Label
}

func TestEngineRejectsBadConfig(t *testing.T) {
	lay, err := layout.Load("v1")
	require.NoError(t, err)
	nop := zerolog.Nop()
	p := parser.NewParser(lay)
	v := validation.NewBatchValidator(validation.ValidationLevelStandard, nop)

	cfg := testConfig()
	cfg.Feed.Mode = "carrier-pigeon"
	_, err = New(cfg, p, v, domain.NewDeviceRegistry())
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Panel.DeviceCount = 0
	_, err = New(cfg, p, v, domain.NewDeviceRegistry())
	assert.Error(t, err)
}

func TestEngineStartTwice(t *testing.T) {
	eng := newTestEngine(t, testConfig())
	assert.Error(t, eng.Start(context.Background()))
}

func TestEngineLoadingThenNoData(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.LoadingGrace = time.Second
	eng := newTestEngine(t, cfg)

	assert.Equal(t, domain.LabelLoading, label(eng), "No master word yet, inside the grace period")

	assert.Eventually(t, func() bool {
		return label(eng) == domain.LabelNoData
	}, 3*time.Second, tick, "Grace over with nothing decoded")
}

func TestEngineNormalFlow(t *testing.T) {
	eng := newTestEngine(t, testConfig())

	eng.Ingest(healthyMaster+"\x02010000\x03", domain.SourceSocket)

	require.Eventually(t, func() bool {
		return label(eng) == domain.LabelSystemNormal
	}, waitFor, tick)

	master, ok := eng.Master()
	require.True(t, ok)
	assert.True(t, master.ACPower)
	assert.True(t, master.DCPower)
	assert.False(t, master.Alarm)

	zones := eng.Zones()
	require.Len(t, zones, 5, "One device record carries five zones")
	zone, ok := eng.Zone(3)
	require.True(t, ok)
	assert.Equal(t, domain.ZoneNormal, zone.Condition)
	assert.Equal(t, 1, zone.Device)

	devices := eng.Devices()
	require.Len(t, devices, 1)
	assert.Equal(t, 1, devices[0].Address)
	assert.Equal(t, "0000", devices[0].LastWord)

	stats := eng.GetMetrics()
	assert.GreaterOrEqual(t, stats["telegrams_received"].(int64), int64(1))
}

func TestEngineMasterOnlyReportsNoData(t *testing.T) {
	eng := newTestEngine(t, testConfig())

	eng.Ingest(healthyMaster, domain.SourceSocket)

	assert.Eventually(t, func() bool {
		_, ok := eng.Master()
		return ok && label(eng) == domain.LabelNoData
	}, waitFor, tick, "A healthy master with an empty zone cache is not a working panel")
}

func TestEngineAlarmEpisode(t *testing.T) {
	eng := newTestEngine(t, testConfig())

	eng.Ingest(healthyMaster+"\x02010000\x03", domain.SourceSocket)
	require.Eventually(t, func() bool {
		return label(eng) == domain.LabelSystemNormal
	}, waitFor, tick)

	// Zones 1 and 2 go into alarm while the indicator lights up.
	eng.Ingest(alarmMaster+"\x02010003\x03", domain.SourceSocket)
	require.Eventually(t, func() bool {
		return label(eng) == domain.LabelAlarm
	}, waitFor, tick)

	accumulated := eng.Accumulated()
	assert.Equal(t, 2, accumulated.AlarmCount)
	assert.True(t, accumulated.Accumulating)

	status := eng.Status()
	assert.Equal(t, 2, status.AlarmZones)
	assert.Equal(t, domain.SeverityCritical, status.Severity)

	// The indicator clears; the episode closes and its counts are wiped
	// before the telegram's zones are applied.
	eng.Ingest(healthyMaster+"\x02010000\x03", domain.SourceSocket)
	require.Eventually(t, func() bool {
		return label(eng) == domain.LabelSystemNormal
	}, waitFor, tick)

	accumulated = eng.Accumulated()
	assert.Zero(t, accumulated.AlarmCount)
	assert.False(t, accumulated.Accumulating)

	stats := eng.GetMetrics()
	assert.Equal(t, int64(1), stats["alarm_episodes"].(int64))
}

func TestEngineTroubleHold(t *testing.T) {
	eng := newTestEngine(t, testConfig())

	eng.Ingest(troubleMaster+"\x02010000\x03", domain.SourceSocket)
	require.Eventually(t, func() bool {
		return label(eng) == domain.LabelSystemTrouble
	}, waitFor, tick, "Trouble reports immediately")

	eng.Ingest(healthyMaster+"\x02010000\x03", domain.SourceSocket)
	require.Eventually(t, func() bool {
		master, ok := eng.Master()
		return ok && !master.Trouble
	}, waitFor, tick)

	assert.Equal(t, domain.LabelSystemTrouble, label(eng),
		"A dropped trouble indicator is held before it is believed")

	assert.Eventually(t, func() bool {
		return label(eng) == domain.LabelSystemNormal
	}, waitFor, tick, "The hold expires and the panel reads normal")
}

func TestEngineBellTracking(t *testing.T) {
	eng := newTestEngine(t, testConfig())

	eng.Ingest(alarmMaster+"\x02010000\x03", domain.SourceSocket)
	require.Eventually(t, func() bool {
		return label(eng) == domain.LabelAlarm
	}, waitFor, tick)

	eng.Ingest("BLON07", domain.SourceSocket)
	require.Eventually(t, func() bool {
		bells := eng.ActiveBells()
		return len(bells) == 1 && bells[0] == 7
	}, waitFor, tick)

	assert.Equal(t, 1, eng.Accumulated().BellCount)

	history := eng.BellHistory()
	require.NotEmpty(t, history)
	assert.Equal(t, 7, history[0].Device)
	assert.Equal(t, "BLON07", history[0].RawToken)

	// Without re-confirmation the bell drops out of the active window.
	assert.Eventually(t, func() bool {
		return len(eng.ActiveBells()) == 0
	}, waitFor, tick)

	assert.Equal(t, 1, eng.Accumulated().BellCount, "The episode remembers that the bell rang")
}

func TestEngineStaleBellDiscarded(t *testing.T) {
	eng := newTestEngine(t, testConfig())

	// No alarm indicator has ever been lit; the activation is leftover
	// traffic from an episode this engine never saw.
	eng.Ingest("BLON07", domain.SourceSocket)

	require.Eventually(t, func() bool {
		return eng.GetMetrics()["stale_bell_discards"].(int64) == 1
	}, waitFor, tick)

	assert.Empty(t, eng.ActiveBells())
	assert.Empty(t, eng.BellHistory(), "Stale activations are not even logged")
	assert.Zero(t, eng.Accumulated().BellCount)
}

func TestEngineFeedSwitch(t *testing.T) {
	eng := newTestEngine(t, testConfig())

	eng.Ingest(healthyMaster+"\x02010000\x03", domain.SourceSocket)
	require.Eventually(t, func() bool {
		return len(eng.Zones()) == 5
	}, waitFor, tick)

	require.True(t, eng.SetFeedMode(domain.SourcePush))
	assert.False(t, eng.SetFeedMode(domain.SourcePush), "Switching to the active source is a no-op")
	assert.Equal(t, domain.SourcePush, eng.FeedMode())
	assert.Empty(t, eng.Zones(), "A feed switch clears the zone cache")

	// The old producer keeps talking; everything it says is dropped.
	eng.Ingest(healthyMaster+"\x02010000\x03", domain.SourceSocket)
	require.Eventually(t, func() bool {
		return eng.GetMetrics()["dropped_inactive"].(int64) >= 1
	}, waitFor, tick)
	assert.Empty(t, eng.Zones())

	eng.Ingest(healthyMaster+"\x02020000\x03", domain.SourcePush)
	require.Eventually(t, func() bool {
		return len(eng.Zones()) == 5
	}, waitFor, tick)
	zone, ok := eng.Zone(6)
	require.True(t, ok)
	assert.Equal(t, 2, zone.Device)
}

func TestEngineDeviceCountShrink(t *testing.T) {
	eng := newTestEngine(t, testConfig())

	eng.Ingest(healthyMaster+"\x02010000\x02030000\x03", domain.SourceSocket)
	require.Eventually(t, func() bool {
		return len(eng.Zones()) == 10
	}, waitFor, tick)

	require.NoError(t, eng.SetDeviceCount(2))
	assert.Equal(t, 2, eng.DeviceCount())

	zones := eng.Zones()
	assert.Len(t, zones, 5, "Zones beyond the shrunk loop are dropped")
	for _, zone := range zones {
		assert.LessOrEqual(t, zone.Zone, 10)
	}
	require.Len(t, eng.Devices(), 1)

	// Device 3 still reports, but it is outside the loop now.
	eng.Ingest(healthyMaster+"\x02030000\x03", domain.SourceSocket)
	require.Eventually(t, func() bool {
		return eng.GetMetrics()["ignored_addresses"].(int64) >= 1
	}, waitFor, tick)
	assert.Len(t, eng.Zones(), 5)

	assert.Error(t, eng.SetDeviceCount(0))
	assert.Error(t, eng.SetDeviceCount(domain.MaxDevices+1))
}

func TestEngineResetConfirmedByPanel(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.ResetFallback = 10 * time.Second
	eng := newTestEngine(t, cfg)

	eng.RequestReset()
	assert.Equal(t, domain.LabelSystemResetting, label(eng))

	// The panel comes back and reports; the reset is complete.
	eng.Ingest(healthyMaster+"\x02010000\x03", domain.SourceSocket)
	assert.Eventually(t, func() bool {
		return label(eng) == domain.LabelSystemNormal
	}, waitFor, tick)
}

func TestEngineResetFallback(t *testing.T) {
	eng := newTestEngine(t, testConfig())

	eng.RequestReset()
	require.Equal(t, domain.LabelSystemResetting, label(eng))

	// No confirmation ever arrives; the fallback clears the state.
	assert.Eventually(t, func() bool {
		return label(eng) != domain.LabelSystemResetting
	}, waitFor, tick)
}

func TestEngineIntegrityRejection(t *testing.T) {
	eng := newTestEngine(t, testConfig())

	// Device 1 reports twice with conflicting words; the batch is thrown
	// away wholesale while the master word still applies.
	eng.Ingest(healthyMaster+"\x02010001\x02010002\x03", domain.SourceSocket)

	require.Eventually(t, func() bool {
		return eng.GetMetrics()["integrity_rejections"].(int64) == 1
	}, waitFor, tick)

	assert.Empty(t, eng.Zones(), "A rejected batch must not touch the cache")
	_, ok := eng.Master()
	assert.True(t, ok, "The master word is independent of the zone batch")
}

func TestEngineDuplicateTelegrams(t *testing.T) {
	eng := newTestEngine(t, testConfig())

	telegram := healthyMaster + "\x02010000\x03"
	eng.Ingest(telegram, domain.SourceSocket)
	eng.Ingest(telegram, domain.SourceSocket)

	require.Eventually(t, func() bool {
		return eng.GetMetrics()["duplicate_telegrams"].(int64) == 1
	}, waitFor, tick)

	assert.Len(t, eng.Zones(), 5, "Duplicates are applied anyway; they are diagnostics, not errors")
}

func TestEngineDecodeFailure(t *testing.T) {
	eng := newTestEngine(t, testConfig())

	eng.Ingest("complete garbage", domain.SourceSocket)

	require.Eventually(t, func() bool {
		return eng.GetMetrics()["decode_failures"].(int64) == 1
	}, waitFor, tick)

	assert.NotEqual(t, domain.LabelSystemError, label(eng), "Bad telegrams never halt the engine")
}

func TestEngineMasterFlagQuery(t *testing.T) {
	eng := newTestEngine(t, testConfig())

	value, known := eng.MasterFlag(domain.IndicatorACPower)
	assert.False(t, known, "No master word decoded yet")
	assert.False(t, value)

	eng.Ingest(healthyMaster, domain.SourceSocket)
	assert.Eventually(t, func() bool {
		value, known := eng.MasterFlag(domain.IndicatorACPower)
		return known && value
	}, waitFor, tick)

	assert.Eventually(t, func() bool {
		value, known := eng.MasterFlag(domain.IndicatorAlarm)
		return known && !value
	}, waitFor, tick)
}

func TestEngineUpdatesStream(t *testing.T) {
	eng := newTestEngine(t, testConfig())

	eng.Ingest(alarmMaster+"\x02010003\x03", domain.SourceSocket)

	timeout := time.After(waitFor)
	for {
		select {
		case status, open := <-eng.Updates():
			require.True(t, open, "Updates closed before the alarm was published")
			if status.Label == domain.LabelAlarm {
				assert.Equal(t, 2, status.AlarmZones)
				return
			}
		case <-timeout:
			t.Fatal("No alarm update arrived")
		}
	}
}

func TestEngineEventStream(t *testing.T) {
	eng := newTestEngine(t, testConfig())

	eng.Ingest(alarmMaster+"\x02010003\x03", domain.SourceSocket)
	eng.Ingest("BLON07", domain.SourceSocket)

	var zones []int
	var bells []int
	timeout := time.After(waitFor)
	for len(zones) < 2 || len(bells) < 1 {
		select {
		case ev, open := <-eng.Events():
			require.True(t, open, "Events closed before all events arrived")
			switch ev.Kind {
			case domain.EventZoneChanged:
				require.NotNil(t, ev.Zone)
				assert.Equal(t, domain.ZoneAlarm, ev.Zone.Condition)
				zones = append(zones, ev.Zone.Zone)
			case domain.EventBellConfirmed:
				require.NotNil(t, ev.Bell)
				assert.True(t, ev.Bell.Active)
				bells = append(bells, ev.Bell.Device)
			}
		case <-timeout:
			t.Fatalf("Missing events, got zones %v bells %v", zones, bells)
		}
	}
	assert.ElementsMatch(t, []int{1, 2}, zones, "Both alarm zones should raise a change event")
	assert.Equal(t, []int{7}, bells)

	// The same words again change nothing, so no further zone events.
	eng.Ingest(alarmMaster+"\x02010003\x03", domain.SourceSocket)
	require.Eventually(t, func() bool {
		m := eng.GetMetrics()
		return m["telegrams_received"].(int64) >= 3
	}, waitFor, tick, "Third telegram never processed")
	select {
	case ev := <-eng.Events():
		t.Fatalf("Unexpected event %v for an unchanged zone batch", ev.Kind)
	default:
	}
}

func TestEngineStop(t *testing.T) {
	eng := newTestEngine(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, eng.Stop(ctx))

	assert.Equal(t, domain.LabelSystemError, label(eng), "A stopped engine cannot vouch for the panel")

	assert.False(t, eng.SetFeedMode(domain.SourcePush))
	assert.Error(t, eng.SetDeviceCount(10))
	assert.NotPanics(t, func() { eng.Ingest(healthyMaster, domain.SourceSocket) })

	closed := false
	timeout := time.After(time.Second)
	for !closed {
		select {
		case _, open := <-eng.Updates():
			closed = !open
		case <-timeout:
			t.Fatal("Updates channel never closed")
		}
	}
}
