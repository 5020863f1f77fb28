// Package metrics provides Prometheus metrics for the file broker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the Prometheus registry for all file broker metrics.
var Registry = prometheus.NewRegistry()

// BrokerMetrics holds all Prometheus metrics for a broker instance.
type BrokerMetrics struct {
	// Request counters and latency (labeled by operation)
	RequestsTotal   *prometheus.CounterVec // labels: operation, status
	RequestDuration *prometheus.HistogramVec

	// Transfer volume
	BytesUploaded   prometheus.Counter
	BytesDownloaded prometheus.Counter

	// Object inventory
	ObjectsStored  prometheus.Counter
	ObjectsDeleted prometheus.Counter

	// Live websocket sessions
	LiveSessions prometheus.Gauge

	// Thumbnail pipeline
	ThumbnailsDerived prometheus.Counter
	ThumbnailsFailed  prometheus.Counter
}

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// InitMetrics initializes all metrics on the package registry.
func InitMetrics() *BrokerMetrics {
	m := &BrokerMetrics{
		RequestsTotal: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name: "filebroker_requests_total",
			Help: "Total API requests by operation and status",
		}, []string{"operation", "status"}),
		RequestDuration: promauto.With(Registry).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "filebroker_request_duration_seconds",
			Help:    "API request latency by operation",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),

		BytesUploaded: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "filebroker_bytes_uploaded_total",
			Help: "Total payload bytes accepted by uploads",
		}),
		BytesDownloaded: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "filebroker_bytes_downloaded_total",
			Help: "Total payload bytes served by downloads",
		}),

		ObjectsStored: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "filebroker_objects_stored_total",
			Help: "Total objects stored",
		}),
		ObjectsDeleted: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "filebroker_objects_deleted_total",
			Help: "Total objects deleted",
		}),

		LiveSessions: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name: "filebroker_live_sessions",
			Help: "Currently connected websocket sessions",
		}),

		ThumbnailsDerived: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "filebroker_thumbnails_derived_total",
			Help: "Thumbnails successfully derived",
		}),
		ThumbnailsFailed: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "filebroker_thumbnails_failed_total",
			Help: "Thumbnail derivations that failed or were dropped",
		}),
	}

	return m
}
