// Package observability wires the runtime's Prometheus metrics and
// OpenTelemetry tracing.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mxpgo_frames_total",
			Help: "Total number of frames received, by message type",
		},
		[]string{"type"},
	)

	framesDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mxpgo_frames_dropped_total",
			Help: "Total number of frames dropped, by reason",
		},
		[]string{"reason"},
	)

	lateResponsesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mxpgo_late_responses_total",
			Help: "Responses that arrived after their correlation id expired",
		},
	)

	overloadRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mxpgo_overload_rejections_total",
			Help: "Inbound calls rejected because the queue was full",
		},
	)

	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mxpgo_calls_total",
			Help: "Call executions, by outcome status",
		},
		[]string{"status"},
	)

	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mxpgo_call_duration_seconds",
			Help:    "Call execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	pendingEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mxpgo_pending_entries",
			Help: "Entries currently tracked in the pending-request table",
		},
	)

	heartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mxpgo_heartbeats_total",
			Help: "Heartbeat frames emitted",
		},
	)

	auditEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mxpgo_audit_events_total",
			Help: "Audit events delivered to the fan-out, by kind",
		},
		[]string{"kind"},
	)

	memoryRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mxpgo_memory_records_total",
			Help: "Memory bus writes, by channel and result",
		},
		[]string{"channel", "result"},
	)

	metricsOnce sync.Once
)

// InitMetrics registers the collectors with the default registry.
func InitMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(
			framesTotal,
			framesDroppedTotal,
			lateResponsesTotal,
			overloadRejectionsTotal,
			callsTotal,
			callDuration,
			pendingEntries,
			heartbeatsTotal,
			auditEventsTotal,
			memoryRecordsTotal,
		)
	})
}

// MetricsHandler returns an HTTP handler serving the metrics endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordFrame counts a received frame by type.
func RecordFrame(msgType string) {
	framesTotal.WithLabelValues(msgType).Inc()
}

// RecordDroppedFrame counts a dropped frame by reason.
func RecordDroppedFrame(reason string) {
	framesDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordLateResponse counts a response that arrived after expiry.
func RecordLateResponse() {
	lateResponsesTotal.Inc()
}

// RecordOverloadRejection counts a call rejected for backpressure.
func RecordOverloadRejection() {
	overloadRejectionsTotal.Inc()
}

// RecordCall records a call outcome and its duration.
func RecordCall(status, kind string, duration time.Duration) {
	callsTotal.WithLabelValues(status).Inc()
	callDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// SetPendingEntries updates the pending-table gauge.
func SetPendingEntries(n int) {
	pendingEntries.Set(float64(n))
}

// RecordHeartbeat counts an emitted heartbeat.
func RecordHeartbeat() {
	heartbeatsTotal.Inc()
}

// RecordAuditEvent counts an audit event by kind.
func RecordAuditEvent(kind string) {
	auditEventsTotal.WithLabelValues(kind).Inc()
}

// RecordMemoryWrite counts a memory bus write outcome.
func RecordMemoryWrite(channel, result string) {
	memoryRecordsTotal.WithLabelValues(channel, result).Inc()
}
