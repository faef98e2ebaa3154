package metrics

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "monetizer"

var (
	// Resolutions counts URL resolutions by outcome (direct, resolved, cached, degraded, invalid)
	Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resolutions_total",
		Help:      "URL resolutions by outcome",
	}, []string{"outcome"})

	// RedirectHops observes the number of redirects followed per shortened URL
	RedirectHops = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "redirect_hops",
		Help:      "Redirects followed per shortened URL",
		Buckets:   []float64{0, 1, 2, 3, 5, 8, 10},
	})

	// ResolutionDuration observes wall time spent resolving shortened URLs
	ResolutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "resolution_duration_seconds",
		Help:      "Time spent following redirects",
		Buckets:   prometheus.DefBuckets,
	})

	// CacheLookups counts cache hits and misses per cache
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_lookups_total",
		Help:      "Cache lookups by cache and result",
	}, []string{"cache", "result"})

	// CategoryDetections counts detected categories by slug
	CategoryDetections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "category_detections_total",
		Help:      "Category detections by category slug",
	}, []string{"category"})

	// RateLookups counts commission rate lookups by answering source
	RateLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_lookups_total",
		Help:      "Commission rate lookups by source",
	}, []string{"source"})

	// TagSelections counts selected tags by network
	TagSelections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tag_selections_total",
		Help:      "Affiliate tags selected by network",
	}, []string{"network"})

	// TagUsage counts tracked tag uses by outcome
	TagUsage = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tag_usage_total",
		Help:      "Tracked affiliate tag uses by outcome",
	}, []string{"outcome"})

	// HTTPRequestDuration observes API latency
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "API request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// Hit records a cache hit or miss
func Hit(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheLookups.WithLabelValues(cache, result).Inc()
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// DatabaseMetrics exposes connection pool statistics
type DatabaseMetrics struct {
	openConnections *prometheus.GaugeVec
	inUse           *prometheus.GaugeVec
	idle            *prometheus.GaugeVec
	waitCount       *prometheus.GaugeVec
	waitDuration    *prometheus.GaugeVec
	service         string
}

// NewDatabaseMetrics registers pool gauges labelled with service.
// Calling it twice returns collectors bound to the already registered gauges.
func NewDatabaseMetrics(service string) *DatabaseMetrics {
	return &DatabaseMetrics{
		openConnections: registerGauge("db_open_connections", "Open database connections"),
		inUse:           registerGauge("db_in_use_connections", "Database connections in use"),
		idle:            registerGauge("db_idle_connections", "Idle database connections"),
		waitCount:       registerGauge("db_wait_count", "Connections waited for"),
		waitDuration:    registerGauge("db_wait_duration_seconds", "Total time blocked waiting for a connection"),
		service:         service,
	}
}

func registerGauge(name, help string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, []string{"service"})

	if err := prometheus.Register(g); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing
			}
		}
	}
	return g
}

// UpdateDBStats copies the pool statistics of db into the gauges
func (m *DatabaseMetrics) UpdateDBStats(db *sql.DB) {
	if db == nil {
		return
	}
	stats := db.Stats()
	m.openConnections.WithLabelValues(m.service).Set(float64(stats.OpenConnections))
	m.inUse.WithLabelValues(m.service).Set(float64(stats.InUse))
	m.idle.WithLabelValues(m.service).Set(float64(stats.Idle))
	m.waitCount.WithLabelValues(m.service).Set(float64(stats.WaitCount))
	m.waitDuration.WithLabelValues(m.service).Set(stats.WaitDuration.Seconds())
}
