package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counter: Total HTTP requests against the origin server's listener
	// (/item/, /event/ and any other path it receives).
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "korva_http_requests_total",
			Help: "The total number of processed HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// Histogram: Response time
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "korva_http_request_duration_seconds",
			Help:    "The latency of the HTTP requests",
			Buckets: prometheus.DefBuckets, // .005s to 10s
		},
		[]string{"method", "path"},
	)

	// Gauge: devices currently known to the Device Lister (introspected
	// and live, i.e. |Proxies| >= 1).
	DevicesCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "korva_devices_current",
			Help: "The current number of known MediaRenderer devices",
		},
	)

	// Counter: Push Coordinator outcomes, labelled by the korvaerr.Kind of
	// the failure ("" for success).
	PushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "korva_pushes_total",
			Help: "The total number of Push calls, by outcome",
		},
		[]string{"result"},
	)
)
