// Package observability provides best-effort Prometheus telemetry for the
// engine. All recording is optional: a nil Metrics is a no-op, and nothing
// here is touched from the audio hot path except atomic counter increments.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's collectors, registered on an injected registry.
type Metrics struct {
	blocksProcessed  prometheus.Counter
	deadlineMisses   prometheus.Counter
	garbageDisposed  prometheus.Counter
	compileCacheHits prometheus.Counter
	compileCacheMiss prometheus.Counter
	activeArtifacts  prometheus.Gauge
	graphRevision    prometheus.Gauge
}

// NewMetrics creates and registers the engine collectors.
func NewMetrics(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		blocksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "soundmesh_engine_blocks_processed_total",
			Help: "Number of audio blocks processed",
		}),
		deadlineMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "soundmesh_engine_deadline_misses_total",
			Help: "Number of audio blocks that missed their deadline",
		}),
		garbageDisposed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "soundmesh_engine_garbage_disposed_total",
			Help: "Number of resources destroyed by the garbage worker",
		}),
		compileCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "soundmesh_jit_cache_hits_total",
			Help: "Number of expression compilations served from the cache",
		}),
		compileCacheMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "soundmesh_jit_cache_misses_total",
			Help: "Number of expression compilations that missed the cache",
		}),
		activeArtifacts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "soundmesh_jit_active_artifacts",
			Help: "Number of live compiled expression artifacts",
		}),
		graphRevision: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "soundmesh_graph_revision",
			Help: "Revision of the committed sound graph",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.blocksProcessed, m.deadlineMisses, m.garbageDisposed,
		m.compileCacheHits, m.compileCacheMiss, m.activeArtifacts, m.graphRevision,
	} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RecordBlock counts one processed block, flagged when it missed its
// deadline.
func (m *Metrics) RecordBlock(missedDeadline bool) {
	if m == nil {
		return
	}
	m.blocksProcessed.Inc()
	if missedDeadline {
		m.deadlineMisses.Inc()
	}
}

// RecordGarbage counts disposed resources.
func (m *Metrics) RecordGarbage(n uint64) {
	if m == nil {
		return
	}
	m.garbageDisposed.Add(float64(n))
}

// RecordCache sets the active-artifact gauge to entries. The hit and miss
// totals are not recorded here; RecordCacheDelta adds to those counters.
func (m *Metrics) RecordCache(hits, misses uint64, entries int) {
	if m == nil {
		return
	}
	// Counters are monotonic, so totals cannot be stored in them; only the
	// entry count is recorded.
	m.activeArtifacts.Set(float64(entries))
	_ = hits
	_ = misses
}

// RecordCacheDelta adds increments to the cache counters.
func (m *Metrics) RecordCacheDelta(hits, misses uint64) {
	if m == nil {
		return
	}
	m.compileCacheHits.Add(float64(hits))
	m.compileCacheMiss.Add(float64(misses))
}

// RecordRevision publishes the committed graph revision.
func (m *Metrics) RecordRevision(rev uint64) {
	if m == nil {
		return
	}
	m.graphRevision.Set(float64(rev))
}
