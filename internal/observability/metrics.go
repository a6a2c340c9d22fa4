package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Frame dispositions recorded by RecordFrame.
const (
	DispositionHandled   = "handled"
	DispositionForwarded = "forwarded"
	DispositionDelivered = "delivered"
	DispositionDropped   = "dropped"
)

var (
	registerOnce sync.Once

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "realmgate",
			Subsystem: "gateway",
			Name:      "sessions_active",
			Help:      "Client sessions currently open.",
		},
	)
	sessionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "realmgate",
			Subsystem: "gateway",
			Name:      "session_duration_seconds",
			Help:      "Client session lifetime in seconds.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		},
	)
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realmgate",
			Subsystem: "gateway",
			Name:      "frames_total",
			Help:      "Frames processed by disposition.",
		},
		[]string{"disposition"},
	)
	sessionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realmgate",
			Subsystem: "gateway",
			Name:      "session_errors_total",
			Help:      "Connection-fatal session errors by reason.",
		},
		[]string{"reason"},
	)
	backendFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realmgate",
			Subsystem: "backend",
			Name:      "frames_total",
			Help:      "Frames exchanged with the backend by direction.",
		},
		[]string{"direction"},
	)
	backendConnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realmgate",
			Subsystem: "backend",
			Name:      "connects_total",
			Help:      "Backend dial attempts by outcome.",
		},
		[]string{"success"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realmgate",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "realmgate",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			sessionsActive,
			sessionDuration,
			framesTotal,
			sessionErrors,
			backendFrames,
			backendConnects,
			httpRequests,
			httpDuration,
		)
	})
}

func RecordSessionOpened() {
	RegisterMetrics()
	sessionsActive.Inc()
}

func RecordSessionClosed(lifetime time.Duration) {
	RegisterMetrics()
	sessionsActive.Dec()
	sessionDuration.Observe(lifetime.Seconds())
}

func RecordFrame(disposition string) {
	RegisterMetrics()
	framesTotal.WithLabelValues(disposition).Inc()
}

func RecordSessionError(reason string) {
	RegisterMetrics()
	sessionErrors.WithLabelValues(reason).Inc()
}

func RecordBackendFrame(direction string) {
	RegisterMetrics()
	backendFrames.WithLabelValues(direction).Inc()
}

func RecordBackendConnect(success bool) {
	RegisterMetrics()
	backendConnects.WithLabelValues(strconv.FormatBool(success)).Inc()
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}
