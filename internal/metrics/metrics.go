// ABOUTME: Prometheus instrumentation for the write pipeline
// ABOUTME: All methods are nil-safe so callers can run without metrics

// Package metrics exposes Prometheus collectors for writes, sessions and
// background tasks.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/2389/docwrite/internal/apierr"
)

const namespace = "docwrite"

// Metrics holds the write pipeline collectors.
type Metrics struct {
	writes       *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	sessions     *prometheus.CounterVec
	taskFailures *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "Writes processed, by class, operation and result code.",
		}, []string{"class", "op", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "write_duration_seconds",
			Help:      "Time spent executing a write.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"class", "op"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_issued_total",
			Help:      "Session tokens minted, by creation action.",
		}, []string{"action"}),
		taskFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_task_failures_total",
			Help:      "Background tasks that returned an error.",
		}, []string{"task"}),
	}
	if reg != nil {
		reg.MustRegister(m.writes, m.duration, m.sessions, m.taskFailures)
	}
	return m
}

// ObserveWrite records one write. err is nil on success.
func (m *Metrics) ObserveWrite(class, op string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(class, op, resultCode(err)).Inc()
	m.duration.WithLabelValues(class, op).Observe(elapsed.Seconds())
}

// SessionIssued counts a minted session token.
func (m *Metrics) SessionIssued(action string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(action).Inc()
}

// TaskFailed counts a failed background task.
func (m *Metrics) TaskFailed(task string) {
	if m == nil {
		return
	}
	m.taskFailures.WithLabelValues(task).Inc()
}

func resultCode(err error) string {
	if err == nil {
		return "ok"
	}
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		return strconv.Itoa(int(apiErr.Code))
	}
	return "error"
}
