package monitoring

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector owns a service's Prometheus metrics. Every metric name
// is prefixed with the sanitized service name.
type MetricsCollector struct {
	serviceName string
	registerer  prometheus.Registerer
	gatherer    prometheus.Gatherer

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	activeConnections   prometheus.Gauge
}

// NewMetricsCollector registers metrics on the default Prometheus registry.
func NewMetricsCollector(serviceName, version, commit string) *MetricsCollector {
	return NewMetricsCollectorWithRegistry(serviceName, version, commit, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewMetricsCollectorWithRegistry registers metrics on reg and serves them
// from gather. Tests pass a fresh prometheus.NewRegistry for both.
func NewMetricsCollectorWithRegistry(serviceName, version, commit string, reg prometheus.Registerer, gather prometheus.Gatherer) *MetricsCollector {
	mc := &MetricsCollector{
		serviceName: strings.ReplaceAll(serviceName, "-", "_"),
		registerer:  reg,
		gatherer:    gather,
	}

	mc.httpRequestsTotal = mc.NewCounter("http_requests_total", "Total number of HTTP requests", []string{"method", "endpoint", "status"})
	mc.httpRequestDuration = mc.NewHistogram("http_request_duration_seconds", "HTTP request duration in seconds", []string{"method", "endpoint"}, nil)
	mc.activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: mc.serviceName + "_active_connections",
		Help: "Number of in-flight HTTP requests",
	})
	reg.MustRegister(mc.activeConnections)

	info := mc.NewGauge("service_info", "Service information", []string{"version", "commit"})
	info.WithLabelValues(version, commit).Set(1)

	return mc
}

// MetricsMiddleware records request counts and latency per route.
func (mc *MetricsCollector) MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		mc.activeConnections.Inc()
		defer mc.activeConnections.Dec()

		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		method := c.Request.Method
		mc.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(c.Writer.Status())).Inc()
		mc.httpRequestDuration.WithLabelValues(method, endpoint).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the collector's registry in the Prometheus text format.
func (mc *MetricsCollector) Handler() gin.HandlerFunc {
	handler := promhttp.HandlerFor(mc.gatherer, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		handler.ServeHTTP(c.Writer, c.Request)
	}
}

func (mc *MetricsCollector) NewCounter(name, help string, labels []string) *prometheus.CounterVec {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: mc.serviceName + "_" + name,
		Help: help,
	}, labels)
	mc.registerer.MustRegister(counter)
	return counter
}

func (mc *MetricsCollector) NewGauge(name, help string, labels []string) *prometheus.GaugeVec {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: mc.serviceName + "_" + name,
		Help: help,
	}, labels)
	mc.registerer.MustRegister(gauge)
	return gauge
}

// NewHistogram uses prometheus.DefBuckets when buckets is nil.
func (mc *MetricsCollector) NewHistogram(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    mc.serviceName + "_" + name,
		Help:    help,
		Buckets: buckets,
	}, labels)
	mc.registerer.MustRegister(histogram)
	return histogram
}
