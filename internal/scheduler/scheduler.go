// Package scheduler provides the periodic maintenance loops for the panel service.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ferrostat/go-panelwatch/internal/config"
	"github.com/ferrostat/go-panelwatch/internal/domain"
	"github.com/ferrostat/go-panelwatch/internal/pubsub"
	"github.com/rs/zerolog"
)

// PanelCore is the slice of the status engine the scheduler drives.
type PanelCore interface {
	Sweep()
	Status() domain.AggregatedStatus
	Master() (domain.MasterStatus, bool)
}

// MaintenanceScheduler runs the recurring background work: the zone cache
// sweep, the MQTT status heartbeat and the monitoring webhook upload.
// State mutation stays on the engine; the scheduler only triggers it.
type MaintenanceScheduler struct {
	core      PanelCore
	publisher domain.MessagePublisher
	monitor   domain.MonitoringService
	config    *config.Config
	logger    zerolog.Logger
	stopChan  chan struct{}
	wg        sync.WaitGroup
	isRunning bool
	mutex     sync.RWMutex

	sweepInterval     time.Duration
	heartbeatInterval time.Duration
	uploadInterval    time.Duration

	// Metrics
	sweepsRun      int64
	heartbeatsSent int64
	uploadsRun     int64
	publishErrors  int64
	uploadErrors   int64
}

// NewMaintenanceScheduler creates a scheduler wired to the engine, the
// message publisher and the monitoring service. Intervals come from the
// configuration; a nonpositive interval disables that loop.
func NewMaintenanceScheduler(
	cfg *config.Config,
	core PanelCore,
	publisher domain.MessagePublisher,
	monitor domain.MonitoringService,
	logger zerolog.Logger,
) *MaintenanceScheduler {
	return &MaintenanceScheduler{
		core:              core,
		publisher:         publisher,
		monitor:           monitor,
		config:            cfg,
		logger:            logger.With().Str("component", "scheduler").Logger(),
		stopChan:          make(chan struct{}),
		sweepInterval:     cfg.Engine.SweepInterval,
		heartbeatInterval: cfg.MQTT.HeartbeatInterval,
		uploadInterval:    cfg.Monitor.UpdateLimit,
	}
}

// Start begins the maintenance loops.
func (ms *MaintenanceScheduler) Start(ctx context.Context) error {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	if ms.isRunning {
		return fmt.Errorf("scheduler is already running")
	}

	ms.isRunning = true
	ms.wg.Add(1)
	go ms.run(ctx)

	ms.logger.Info().
		Dur("sweep_interval", ms.sweepInterval).
		Dur("heartbeat_interval", ms.heartbeatInterval).
		Dur("upload_interval", ms.uploadInterval).
		Msg("Maintenance scheduler started")

	return nil
}

// Stop shuts down the maintenance loops and waits for them to finish.
func (ms *MaintenanceScheduler) Stop() error {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	if !ms.isRunning {
		return fmt.Errorf("scheduler is not running")
	}

	close(ms.stopChan)
	ms.wg.Wait()
	ms.isRunning = false

	ms.logger.Info().Msg("Maintenance scheduler stopped")
	return nil
}

// GetMetrics returns current scheduler metrics.
func (ms *MaintenanceScheduler) GetMetrics() map[string]interface{} {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	return map[string]interface{}{
		"is_running":      ms.isRunning,
		"sweeps_run":      atomic.LoadInt64(&ms.sweepsRun),
		"heartbeats_sent": atomic.LoadInt64(&ms.heartbeatsSent),
		"uploads_run":     atomic.LoadInt64(&ms.uploadsRun),
		"publish_errors":  atomic.LoadInt64(&ms.publishErrors),
		"upload_errors":   atomic.LoadInt64(&ms.uploadErrors),
	}
}

// run multiplexes the maintenance tickers. A nil channel never fires, so
// disabled loops cost nothing.
func (ms *MaintenanceScheduler) run(ctx context.Context) {
	defer ms.wg.Done()

	var sweepC, heartbeatC, uploadC <-chan time.Time

	if ms.sweepInterval > 0 {
		ticker := time.NewTicker(ms.sweepInterval)
		defer ticker.Stop()
		sweepC = ticker.C
	}
	if ms.heartbeatInterval > 0 && ms.config.MQTT.Enabled {
		ticker := time.NewTicker(ms.heartbeatInterval)
		defer ticker.Stop()
		heartbeatC = ticker.C
	}
	if ms.uploadInterval > 0 && ms.config.Monitor.Enabled {
		ticker := time.NewTicker(ms.uploadInterval)
		defer ticker.Stop()
		uploadC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ms.stopChan:
			return
		case <-sweepC:
			ms.runSweep()
		case <-heartbeatC:
			ms.runHeartbeat(ctx)
		case <-uploadC:
			ms.runUpload(ctx)
		}
	}
}

// runSweep asks the engine to expire stale zone cache entries.
func (ms *MaintenanceScheduler) runSweep() {
	ms.core.Sweep()
	atomic.AddInt64(&ms.sweepsRun, 1)
	ms.logger.Debug().Msg("Cache sweep triggered")
}

// runHeartbeat republishes the current status so the retained MQTT state
// stays fresh even when the panel is quiet.
func (ms *MaintenanceScheduler) runHeartbeat(ctx context.Context) {
	status := ms.core.Status()
	if err := ms.publisher.Publish(ctx, pubsub.StatusTopic(ms.config), &status); err != nil {
		atomic.AddInt64(&ms.publishErrors, 1)
		ms.logger.Warn().Err(err).Msg("Heartbeat status publish failed")
		return
	}

	if master, ok := ms.core.Master(); ok {
		if err := ms.publisher.Publish(ctx, pubsub.MasterTopic(ms.config), &master); err != nil {
			atomic.AddInt64(&ms.publishErrors, 1)
			ms.logger.Warn().Err(err).Msg("Heartbeat master publish failed")
			return
		}
	}

	atomic.AddInt64(&ms.heartbeatsSent, 1)
}

// runUpload pushes the current status snapshot to the monitoring webhook.
// The monitor applies its own rate limit on top of the ticker.
func (ms *MaintenanceScheduler) runUpload(ctx context.Context) {
	status := ms.core.Status()
	if err := ms.monitor.Send(ctx, &status); err != nil {
		atomic.AddInt64(&ms.uploadErrors, 1)
		ms.logger.Warn().Err(err).Msg("Monitor upload failed")
		return
	}
	atomic.AddInt64(&ms.uploadsRun, 1)
}
