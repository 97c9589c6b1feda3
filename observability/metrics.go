package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsState groups every prometheus collector live while metrics are
// enabled; nil while disabled so Recorder methods become no-ops instead
// of touching unregistered collectors.
type metricsState struct {
	registry      *prometheus.Registry
	tracks        prometheus.Gauge
	groupReceived *prometheus.CounterVec
	cacheHit      *prometheus.CounterVec
	cacheMiss     *prometheus.CounterVec
	catchup       *prometheus.CounterVec
	subscribers   *prometheus.GaugeVec
	broadcast     *prometheus.HistogramVec
	latency       *prometheus.HistogramVec
}

var (
	metricsMu sync.RWMutex
	metrics   *metricsState
)

func setupMetrics(enabled bool) {
	metricsMu.Lock()
	defer metricsMu.Unlock()

	if !enabled {
		metrics = nil
		return
	}

	reg := prometheus.NewRegistry()
	m := &metricsState{
		registry: reg,
		tracks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshrelay", Name: "active_tracks",
			Help: "Number of tracks with an active cache/distributor.",
		}),
		groupReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshrelay", Name: "groups_received_total",
			Help: "Groups received per track.",
		}, []string{"track"}),
		cacheHit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshrelay", Name: "cache_hits_total",
			Help: "Object cache hits per track.",
		}, []string{"track"}),
		cacheMiss: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshrelay", Name: "cache_misses_total",
			Help: "Object cache misses per track.",
		}, []string{"track"}),
		catchup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshrelay", Name: "subscriber_catchups_total",
			Help: "Number of objects skipped to catch a lagging subscriber up.",
		}, []string{"track"}),
		subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "meshrelay", Name: "subscribers",
			Help: "Active subscribers per track.",
		}, []string{"track"}),
		broadcast: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "meshrelay", Name: "broadcast_seconds",
			Help:    "Fan-out duration per published object.",
			Buckets: prometheus.DefBuckets,
		}, []string{"track"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "meshrelay", Name: "stage_latency_seconds",
			Help:    "Per-stage latency observations (e.g. receive, forward).",
			Buckets: prometheus.DefBuckets,
		}, []string{"track", "stage"}),
	}

	reg.MustRegister(m.tracks, m.groupReceived, m.cacheHit, m.cacheMiss,
		m.catchup, m.subscribers, m.broadcast, m.latency)

	metrics = m
}

func shutdownMetrics() {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	metrics = nil
}

// Registry returns the active prometheus registry for mounting a
// /metrics HTTP handler (promhttp.HandlerFor), or nil if metrics are
// disabled.
func Registry() *prometheus.Registry {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	if metrics == nil {
		return nil
	}
	return metrics.registry
}

func current() *metricsState {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return metrics
}

// IncTracks/DecTracks adjust the active-tracks gauge; safe to call with
// metrics disabled.
func IncTracks() {
	if m := current(); m != nil {
		m.tracks.Inc()
	}
}

func DecTracks() {
	if m := current(); m != nil {
		m.tracks.Dec()
	}
}

// Recorder records per-track metrics. Every method is a no-op when
// metrics are disabled.
type Recorder struct {
	track string
}

// NewRecorder creates a Recorder scoped to one track.
func NewRecorder(track string) *Recorder {
	return &Recorder{track: track}
}

func (r *Recorder) GroupReceived() {
	if m := current(); m != nil {
		m.groupReceived.WithLabelValues(r.track).Inc()
	}
}

func (r *Recorder) CacheHit() {
	if m := current(); m != nil {
		m.cacheHit.WithLabelValues(r.track).Inc()
	}
}

func (r *Recorder) CacheMiss() {
	if m := current(); m != nil {
		m.cacheMiss.WithLabelValues(r.track).Inc()
	}
}

// Catchup records that n objects were skipped to bring a lagging
// subscriber up to the latest available data.
func (r *Recorder) Catchup(n int) {
	if m := current(); m != nil {
		m.catchup.WithLabelValues(r.track).Add(float64(n))
	}
}

func (r *Recorder) IncSubscribers() {
	if m := current(); m != nil {
		m.subscribers.WithLabelValues(r.track).Inc()
	}
}

func (r *Recorder) DecSubscribers() {
	if m := current(); m != nil {
		m.subscribers.WithLabelValues(r.track).Dec()
	}
}

func (r *Recorder) SetSubscribers(n int) {
	if m := current(); m != nil {
		m.subscribers.WithLabelValues(r.track).Set(float64(n))
	}
}

// Broadcast records the duration of one fan-out pass. The sent and
// delivered counts are accepted but not recorded.
func (r *Recorder) Broadcast(d time.Duration, sent, delivered int) {
	if m := current(); m != nil {
		m.broadcast.WithLabelValues(r.track).Observe(d.Seconds())
	}
}

// LatencyObs returns an Observer for a named processing stage, or nil
// when metrics are disabled.
func (r *Recorder) LatencyObs(stage string) prometheus.Observer {
	m := current()
	if m == nil {
		return nil
	}
	return m.latency.WithLabelValues(r.track, stage)
}
