package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsCollector handles Prometheus metrics collection for the image pipeline.
// A nil *MetricsCollector is valid and records nothing.
type MetricsCollector struct {
	logger   *zap.Logger
	gatherer prometheus.Gatherer

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Cache controller metrics
	cacheLookups       *prometheus.CounterVec
	cacheWrites        *prometheus.CounterVec
	networkFetches     *prometheus.CounterVec
	generationsDeleted prometheus.Counter
	primedImages       *prometheus.CounterVec

	// Client pipeline metrics
	hintsInserted       *prometheus.CounterVec
	stageTransitions    *prometheus.CounterVec
	capabilityFallbacks *prometheus.CounterVec
}

// NewMetricsCollector registers the pipeline collectors on reg
func NewMetricsCollector(reg *prometheus.Registry, logger *zap.Logger) *MetricsCollector {
	factory := promauto.With(reg)

	return &MetricsCollector{
		logger:   logger,
		gatherer: reg,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),

		cacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagepipe_cache_lookups_total",
				Help: "Cache lookups by partition purpose and result",
			},
			[]string{"purpose", "result"},
		),
		cacheWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagepipe_cache_writes_total",
				Help: "Cache writes by partition purpose and status",
			},
			[]string{"purpose", "status"},
		),
		networkFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagepipe_network_fetches_total",
				Help: "Network fetches issued by the cache controller",
			},
			[]string{"strategy", "outcome"},
		),
		generationsDeleted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "imagepipe_generations_deleted_total",
				Help: "Stale cache generations deleted on activation",
			},
		),
		primedImages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagepipe_primed_images_total",
				Help: "Images processed by cache priming",
			},
			[]string{"outcome"},
		),

		hintsInserted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagepipe_hints_inserted_total",
				Help: "Resource hints inserted by relation",
			},
			[]string{"rel"},
		),
		stageTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagepipe_stage_transitions_total",
				Help: "Progressive loader stage transitions",
			},
			[]string{"stage"},
		),
		capabilityFallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagepipe_capability_fallbacks_total",
				Help: "Capability probes that degraded to the conservative answer",
			},
			[]string{"probe"},
		),
	}
}

// HTTPMiddleware creates a Gin middleware for HTTP metrics collection
func (m *MetricsCollector) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		if m == nil {
			return
		}

		path := c.FullPath()
		if path == "" {
			path = "proxy"
		}
		statusCode := strconv.Itoa(c.Writer.Status())

		m.httpRequestsTotal.WithLabelValues(c.Request.Method, path, statusCode).Inc()
		m.httpRequestDuration.WithLabelValues(c.Request.Method, path, statusCode).
			Observe(time.Since(start).Seconds())
	}
}

// CacheLookup records a hit or miss in a partition
func (m *MetricsCollector) CacheLookup(purpose string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(purpose, result).Inc()
}

// CacheWrite records a cache write attempt
func (m *MetricsCollector) CacheWrite(purpose string, err error) {
	if m == nil {
		return
	}
	m.cacheWrites.WithLabelValues(purpose, status(err)).Inc()
}

// NetworkFetch records a network fetch by strategy
func (m *MetricsCollector) NetworkFetch(strategy string, err error) {
	if m == nil {
		return
	}
	m.networkFetches.WithLabelValues(strategy, status(err)).Inc()
}

// GenerationDeleted records a purged generation
func (m *MetricsCollector) GenerationDeleted() {
	if m == nil {
		return
	}
	m.generationsDeleted.Inc()
}

// ImagePrimed records a priming outcome: fetched, cached, or failed
func (m *MetricsCollector) ImagePrimed(outcome string) {
	if m == nil {
		return
	}
	m.primedImages.WithLabelValues(outcome).Inc()
}

// HintInserted records an inserted resource hint
func (m *MetricsCollector) HintInserted(rel string) {
	if m == nil {
		return
	}
	m.hintsInserted.WithLabelValues(rel).Inc()
}

// StageReached records a progressive stage transition
func (m *MetricsCollector) StageReached(stage string) {
	if m == nil {
		return
	}
	m.stageTransitions.WithLabelValues(stage).Inc()
}

// CapabilityFallback records a probe that degraded to its conservative default
func (m *MetricsCollector) CapabilityFallback(probe string) {
	if m == nil {
		return
	}
	m.capabilityFallbacks.WithLabelValues(probe).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *MetricsCollector) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
