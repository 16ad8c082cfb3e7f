// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts federation traffic. A nil *Metrics records nothing.
type Metrics struct {
	Requests        *prometheus.CounterVec
	EntriesReceived *prometheus.CounterVec
	PeerCalls       *prometheus.CounterVec
}

// NewMetrics creates unregistered collectors.
func NewMetrics() *Metrics {
	const (
		namespace = "tausestack"
		subsystem = "federation"
	)
	return &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "Inbound federation requests by endpoint and status code",
		}, []string{"endpoint", "code"}),

		EntriesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "entries_received_total",
			Help:      "Memory entries received from peers, by result",
		}, []string{"result"}),

		PeerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "peer_calls_total",
			Help:      "Outbound calls to peers by operation and outcome",
		}, []string{"operation", "outcome"}),
	}
}

// PrometheusCollectors returns every collector for registration.
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{m.Requests, m.EntriesReceived, m.PeerCalls}
}

func (m *Metrics) request(endpoint string, code int) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(endpoint, statusLabel(code)).Inc()
}

func (m *Metrics) received(accepted, duplicates int) {
	if m == nil {
		return
	}
	m.EntriesReceived.WithLabelValues("accepted").Add(float64(accepted))
	m.EntriesReceived.WithLabelValues("duplicate").Add(float64(duplicates))
}

func (m *Metrics) peerCall(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.PeerCalls.WithLabelValues(operation, outcome).Inc()
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}
