package engine

import (
	"sync"
	"time"

	"github.com/ferrostat/go-panelwatch/internal/domain"
	"github.com/ferrostat/go-panelwatch/internal/metrics"
)

// Query governor defaults.
const (
	DefaultQueryTTL    = 500 * time.Millisecond
	DefaultQueryBurst  = 10
	DefaultQueryWindow = time.Second
)

type cachedFlag struct {
	value bool
	known bool
	at    time.Time
}

// QueryGovernor throttles master indicator queries. Each flag is cached
// for a short TTL, and when callers exceed the burst limit inside the
// rolling window the governor serves the cache even past its TTL rather
// than letting a polling storm hammer the engine.
type QueryGovernor struct {
	ttl    time.Duration
	burst  int
	window time.Duration

	nowFn func() time.Time

	mu    sync.Mutex
	flags map[domain.Indicator]cachedFlag
	calls []time.Time

	totalCalls  int64
	cacheHits   int64
	burstServes int64
}

// NewQueryGovernor creates a governor with the given TTL, burst limit,
// and rolling window. Non-positive arguments fall back to the defaults.
func NewQueryGovernor(ttl time.Duration, burst int, window time.Duration) *QueryGovernor {
	if ttl <= 0 {
		ttl = DefaultQueryTTL
	}
	if burst <= 0 {
		burst = DefaultQueryBurst
	}
	if window <= 0 {
		window = DefaultQueryWindow
	}
	return &QueryGovernor{
		ttl:    ttl,
		burst:  burst,
		window: window,
		nowFn:  time.Now,
		flags:  make(map[domain.Indicator]cachedFlag),
	}
}

// Get returns the flag value, consulting the cache before falling back to
// fetch. The second return mirrors fetch's: false means the flag is not
// known because no master word has been decoded yet.
func (g *QueryGovernor) Get(indicator domain.Indicator, fetch func() (bool, bool)) (bool, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.nowFn()
	g.recordCall(now)

	if entry, cached := g.flags[indicator]; cached {
		if now.Sub(entry.at) <= g.ttl {
			g.cacheHits++
			return entry.value, entry.known
		}
		if len(g.calls) > g.burst {
			g.burstServes++
			metrics.GovernorShortCircuits.Inc()
			return entry.value, entry.known
		}
	}

	value, known := fetch()
	g.flags[indicator] = cachedFlag{value: value, known: known, at: now}
	return value, known
}

func (g *QueryGovernor) recordCall(now time.Time) {
	g.totalCalls++
	g.calls = append(g.calls, now)
	for len(g.calls) > 0 && now.Sub(g.calls[0]) > g.window {
		g.calls = g.calls[1:]
	}
}

// Stats returns lifetime call, cache hit, and burst serve counts.
func (g *QueryGovernor) Stats() (calls, cacheHits, burstServes int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.totalCalls, g.cacheHits, g.burstServes
}
