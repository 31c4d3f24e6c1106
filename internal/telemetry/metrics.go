// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package telemetry holds the Prometheus collectors of an acpchat node.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "acpchat"

// Delayed send outcomes
const (
	OutcomeSent       = "sent"
	OutcomeSuppressed = "suppressed"
	OutcomeFailed     = "failed"
)

// Deletion outcomes
const (
	DeletionCommitted = "committed"
	DeletionVetoed    = "vetoed"
	DeletionConfirmed = "confirmed"
)

// Metrics groups the collectors of one engine. A nil *Metrics records nothing.
type Metrics struct {
	received    *prometheus.CounterVec
	sent        *prometheus.CounterVec
	invalid     prometheus.Counter
	sendErrors  *prometheus.CounterVec
	delayed     *prometheus.CounterVec
	deletions   *prometheus.CounterVec
	peers       prometheus.Gauge
	topics      prometheus.Gauge
	uptime      prometheus.GaugeFunc
	startedTime time.Time
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		received: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_received_total",
				Help:      "Coordination messages received, by kind.",
			},
			[]string{"kind"},
		),
		sent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_sent_total",
				Help:      "Coordination messages handed to the transport, by kind.",
			},
			[]string{"kind"},
		),
		invalid: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invalid_messages_total",
				Help:      "Inbound messages that failed to decode.",
			},
		),
		sendErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "send_errors_total",
				Help:      "Failed sends, by kind.",
			},
			[]string{"kind"},
		),
		delayed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "delayed_sends_total",
				Help:      "Delayed conditional sends, by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		deletions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deletions_total",
				Help:      "Local topic deletions, by outcome.",
			},
			[]string{"outcome"},
		),
		peers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "peers",
				Help:      "Known destinations.",
			},
		),
		topics: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "topics",
				Help:      "Topics in the local directory.",
			},
		),
		startedTime: time.Now(),
	}
	m.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the metrics were created.",
		},
		func() float64 { return time.Since(m.startedTime).Seconds() },
	)

	if reg != nil {
		reg.MustRegister(m.received, m.sent, m.invalid, m.sendErrors,
			m.delayed, m.deletions, m.peers, m.topics, m.uptime)
	}
	return m
}

func (m *Metrics) Received(kind string) {
	if m != nil {
		m.received.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Sent(kind string) {
	if m != nil {
		m.sent.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Invalid() {
	if m != nil {
		m.invalid.Inc()
	}
}

func (m *Metrics) SendError(kind string) {
	if m != nil {
		m.sendErrors.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Delayed(kind, outcome string) {
	if m != nil {
		m.delayed.WithLabelValues(kind, outcome).Inc()
	}
}

func (m *Metrics) Deletion(outcome string) {
	if m != nil {
		m.deletions.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) SetPeers(n int) {
	if m != nil {
		m.peers.Set(float64(n))
	}
}

func (m *Metrics) SetTopics(n int) {
	if m != nil {
		m.topics.Set(float64(n))
	}
}

// Handler exposes the collectors of g. Mount it with mux.Handle("/metrics", telemetry.Handler(reg)).
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
