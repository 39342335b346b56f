// Package metrics holds the prometheus collectors shared by the sync packages.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace is the prefix of every rowsync metric
const Namespace = "rowsync"

// NewCounter creates a counter vector under the rowsync namespace
func NewCounter(name, subsystem, help string, labels []string) *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
}

// NewGauge creates a gauge vector under the rowsync namespace
func NewGauge(name, subsystem, help string, labels []string) *prometheus.GaugeVec {
	return promauto.NewGaugeVec(prometheus.GaugeOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
}

// NewHistogramWithBuckets creates a histogram vector with custom buckets
func NewHistogramWithBuckets(name, subsystem, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	return promauto.NewHistogramVec(prometheus.HistogramOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets}, labels)
}

var (
	sessions = NewCounter("sessions_total", "session", "Finished sync sessions", []string{"side", "result"})

	sessionDuration = NewHistogramWithBuckets(
		"duration_seconds",
		"session",
		"Wall time of a sync session",
		[]string{"side"},
		prometheus.ExponentialBuckets(0.01, 2, 16),
	)

	activeSessions = NewGauge("active", "session", "Server sessions currently open", nil)

	rowOutcomes = NewCounter("rows_total", "apply", "Rows processed by the apply engine", []string{"side", "outcome"})

	conflicts = NewCounter("conflicts_total", "apply", "Resolved conflicts", []string{"kind", "resolution"})

	partsWritten = NewCounter("parts_written_total", "batch", "Batch part files written", []string{"kind"})

	partBytes = NewHistogramWithBuckets(
		"part_bytes",
		"batch",
		"Compressed size of written batch parts",
		nil,
		prometheus.ExponentialBuckets(512, 4, 10),
	)

	httpRequests = NewCounter("requests_total", "http", "HTTP requests served", []string{"route", "code"})
)

// SessionFinished records the result and wall time of a session
func SessionFinished(side, result string, d time.Duration) {
	sessions.WithLabelValues(side, result).Inc()
	sessionDuration.WithLabelValues(side).Observe(d.Seconds())
}

// SessionOpened tracks a server session becoming active
func SessionOpened() { activeSessions.WithLabelValues().Inc() }

// SessionClosed tracks a server session leaving the store
func SessionClosed() { activeSessions.WithLabelValues().Dec() }

// RowsProcessed adds n rows with the given outcome
func RowsProcessed(side, outcome string, n int) {
	if n <= 0 {
		return
	}
	rowOutcomes.WithLabelValues(side, outcome).Add(float64(n))
}

// ConflictResolved counts one resolved conflict
func ConflictResolved(kind, resolution string) {
	conflicts.WithLabelValues(kind, resolution).Inc()
}

// PartWritten records one part file of the given kind ("data" or "error")
func PartWritten(kind string, size int) {
	partsWritten.WithLabelValues(kind).Inc()
	partBytes.WithLabelValues().Observe(float64(size))
}

// HTTPRequest counts one served request
func HTTPRequest(route string, code int) {
	httpRequests.WithLabelValues(route, statusClass(code)).Inc()
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
