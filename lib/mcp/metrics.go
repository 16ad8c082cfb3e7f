// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Request outcome labels.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeToolError = "tool_error"
	OutcomeCancelled = "cancelled"
)

// Metrics holds the server's prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Requests       *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec
	InFlight       prometheus.Gauge
	Sessions       prometheus.Gauge
}

// NewMetrics creates unregistered collectors. Register them with
// PrometheusCollectors.
func NewMetrics() *Metrics {
	const (
		namespace = "tausestack"
		subsystem = "mcp"
	)
	return &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "Count of MCP requests by method and outcome",
		}, []string{"method", "outcome"}),

		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "request_duration_seconds",
			Help:      "Histogram of time spent handling MCP requests",
			Buckets:   prometheus.ExponentialBuckets(1e-3, 4, 8),
		}, []string{"method"}),

		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_in_flight",
			Help:      "Number of MCP requests currently being handled",
		}),

		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_active",
			Help:      "Number of open MCP sessions",
		}),
	}
}

// PrometheusCollectors returns every collector for registration.
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{m.Requests, m.RequestLatency, m.InFlight, m.Sessions}
}

// knownMethods bounds the method label's cardinality.
var knownMethods = map[string]bool{
	MethodInitialize: true, MethodPing: true, MethodShutdown: true,
	MethodToolsList: true, MethodToolsCall: true,
	MethodResourcesList: true, MethodResourcesRead: true, MethodResourceTemplatesList: true,
	MethodPromptsList: true, MethodPromptsGet: true, MethodSetLevel: true,
}

func methodLabel(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

func (m *Metrics) requestStarted() {
	if m == nil {
		return
	}
	m.InFlight.Inc()
}

func (m *Metrics) requestFinished(method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	label := methodLabel(method)
	m.InFlight.Dec()
	m.Requests.WithLabelValues(label, outcome).Inc()
	m.RequestLatency.WithLabelValues(label).Observe(elapsed.Seconds())
}

// requestRejected counts a request answered without running a handler.
func (m *Metrics) requestRejected(method string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(methodLabel(method), OutcomeError).Inc()
}

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.Sessions.Inc()
	}
}

func (m *Metrics) sessionClosed() {
	if m != nil {
		m.Sessions.Dec()
	}
}
