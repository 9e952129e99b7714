// Package metrics exposes the service's Prometheus instrumentation.
// Everything registers against the default registry and is served by the
// API server's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var TelegramsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "panelwatch",
	Subsystem: "feed",
	Name:      "telegrams_total",
	Help:      "Telegrams accepted for decoding, per feed source.",
}, []string{"source"})

var InactiveSourceDrops = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "panelwatch",
	Subsystem: "feed",
	Name:      "inactive_source_drops_total",
	Help:      "Telegrams dropped because their producer is not the active feed.",
})

var FeedSwitches = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "panelwatch",
	Subsystem: "feed",
	Name:      "switches_total",
	Help:      "Feed mode switches between socket and push.",
})

var DecodeFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "panelwatch",
	Subsystem: "engine",
	Name:      "decode_failures_total",
	Help:      "Telegrams in which nothing could be decoded.",
})

var IntegrityRejections = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "panelwatch",
	Subsystem: "engine",
	Name:      "integrity_rejections_total",
	Help:      "Zone batches rejected wholesale by validation.",
})

var DuplicateTelegrams = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "panelwatch",
	Subsystem: "engine",
	Name:      "duplicate_telegrams_total",
	Help:      "Consecutive telegrams sharing a fingerprint.",
})

var IgnoredAddresses = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "panelwatch",
	Subsystem: "engine",
	Name:      "ignored_addresses_total",
	Help:      "Device records addressed outside the configured range.",
})

var StaleBellDiscards = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "panelwatch",
	Subsystem: "engine",
	Name:      "stale_bell_discards_total",
	Help:      "Bell activations discarded because no alarm episode was running.",
})

var AlarmEpisodes = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "panelwatch",
	Subsystem: "engine",
	Name:      "alarm_episodes_total",
	Help:      "Rising edges of the master alarm indicator.",
})

var GovernorShortCircuits = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "panelwatch",
	Subsystem: "engine",
	Name:      "governor_short_circuits_total",
	Help:      "Indicator queries served from the governor cache under burst load.",
})

var CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "panelwatch",
	Subsystem: "cache",
	Name:      "evictions_total",
	Help:      "Zones pushed out of the cache by the size bound.",
})

var CacheExpiries = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "panelwatch",
	Subsystem: "cache",
	Name:      "expiries_total",
	Help:      "Zones aged out of the cache by the sweep.",
})

var ZonesCached = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "panelwatch",
	Subsystem: "cache",
	Name:      "zones",
	Help:      "Zones currently cached.",
})

var StatusChanges = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "panelwatch",
	Subsystem: "status",
	Name:      "changes_total",
	Help:      "Aggregated status transitions, per resulting label.",
}, []string{"label"})

var StatusSeverity = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "panelwatch",
	Subsystem: "status",
	Name:      "severity",
	Help:      "Current aggregated severity (0 normal .. 3 critical).",
})

var ActiveBells = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "panelwatch",
	Subsystem: "status",
	Name:      "active_bells",
	Help:      "Bells currently believed to be ringing.",
})

var SocketSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "panelwatch",
	Subsystem: "server",
	Name:      "sessions",
	Help:      "Open socket feed connections.",
})

var StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "panelwatch",
	Subsystem: "api",
	Name:      "stream_clients",
	Help:      "Connected websocket stream subscribers.",
})

var PublishErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "panelwatch",
	Subsystem: "mqtt",
	Name:      "publish_errors_total",
	Help:      "Failed MQTT publishes.",
})

var MonitorUploads = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "panelwatch",
	Subsystem: "monitor",
	Name:      "uploads_total",
	Help:      "Status uploads delivered to the webhook.",
})

var MonitorErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "panelwatch",
	Subsystem: "monitor",
	Name:      "upload_errors_total",
	Help:      "Status uploads the webhook rejected or that failed to send.",
})
