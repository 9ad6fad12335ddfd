package urlfetch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes Prometheus instrumentation for the fetch lifecycle.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	cacheRefreshes prometheus.Counter
	cacheSize      prometheus.Gauge

	attemptsTotal *prometheus.CounterVec
	failuresTotal *prometheus.CounterVec
	retriesTotal  *prometheus.CounterVec
	exhausted     prometheus.Counter

	lockWaits    prometheus.Counter
	poolInFlight prometheus.Gauge
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		cacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "urlfetch_cache_hits_total",
			Help: "Fetches answered from the cache",
		}),
		cacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "urlfetch_cache_misses_total",
			Help: "Cacheable fetches that had to reach the network",
		}),
		cacheRefreshes: f.NewCounter(prometheus.CounterOpts{
			Name: "urlfetch_cache_forced_refreshes_total",
			Help: "Fetches that evicted their cache entry on request",
		}),
		cacheSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "urlfetch_cache_entries",
			Help: "Entries held by the in-process cache",
		}),
		attemptsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "urlfetch_attempts_total",
			Help: "Transport attempts by strategy and outcome",
		}, []string{"transport", "outcome"}),
		failuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "urlfetch_failures_total",
			Help: "Failed transport attempts by failure kind",
		}, []string{"transport", "kind"}),
		retriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "urlfetch_retries_total",
			Help: "Retries scheduled inside self-retrying transports",
		}, []string{"transport"}),
		exhausted: f.NewCounter(prometheus.CounterOpts{
			Name: "urlfetch_exhausted_total",
			Help: "Fetches that returned no data after all attempts",
		}),
		lockWaits: f.NewCounter(prometheus.CounterOpts{
			Name: "urlfetch_lock_acquisitions_total",
			Help: "Per-fingerprint lock acquisitions",
		}),
		poolInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "urlfetch_pool_running_tasks",
			Help: "Worker pool tasks currently executing",
		}),
	}
}

func (m *Metrics) cacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) cacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

func (m *Metrics) cacheRefresh() {
	if m == nil {
		return
	}
	m.cacheRefreshes.Inc()
}

func (m *Metrics) setCacheSize(n int) {
	if m == nil {
		return
	}
	m.cacheSize.Set(float64(n))
}

func (m *Metrics) attempt(transport string, err error) {
	if m == nil {
		return
	}
	if err == nil {
		m.attemptsTotal.WithLabelValues(transport, "success").Inc()
		return
	}
	m.attemptsTotal.WithLabelValues(transport, "failure").Inc()
	m.failuresTotal.WithLabelValues(transport, Classify(err).String()).Inc()
}

func (m *Metrics) retry(transport string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(transport).Inc()
}

func (m *Metrics) exhaust() {
	if m == nil {
		return
	}
	m.exhausted.Inc()
}

func (m *Metrics) lockAcquired() {
	if m == nil {
		return
	}
	m.lockWaits.Inc()
}

func (m *Metrics) poolRunning(delta float64) {
	if m == nil {
		return
	}
	m.poolInFlight.Add(delta)
}
