// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the relay.
//
// # Description
//
// Metrics cover the streaming turn lifecycle (requests, retries, fallback
// substitutions, time to first token), the circuit breaker, and the
// persistence queue. Exposed via the /metrics endpoint; use with
// Prometheus + Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "aleutian"

const relaySubsystem = "relay"

// RelayMetrics holds all Prometheus metrics for streaming turn operations.
//
// Initialize once at startup via InitMetrics().
type RelayMetrics struct {
	// RequestsTotal counts turns by endpoint and terminal state.
	// Labels: endpoint (sse, ws), state (COMPLETED, FAILED, CANCELED)
	RequestsTotal *prometheus.CounterVec

	// RetriesTotal counts in-turn retries by recovery path.
	// Labels: endpoint, kind (auth_expired, rate_limited, model_unavailable)
	RetriesTotal *prometheus.CounterVec

	// FallbacksTotal counts fallback model substitutions.
	// Labels: model (the model that was replaced)
	FallbacksTotal *prometheus.CounterVec

	// TokensTotal counts tokens by direction and model.
	// Labels: direction (input, output), model
	TokensTotal *prometheus.CounterVec

	// TimeToFirstTokenSeconds measures latency to the first delivered delta.
	// Labels: endpoint
	TimeToFirstTokenSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures total turn duration.
	// Labels: endpoint, state
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently open client streams.
	// Labels: endpoint
	ActiveStreams *prometheus.GaugeVec

	// ErrorsTotal counts terminal errors by taxonomy kind.
	// Labels: endpoint, error_kind
	ErrorsTotal *prometheus.CounterVec

	// KeepAlivesTotal counts keepalive pings sent.
	// Labels: endpoint
	KeepAlivesTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts client-initiated disconnects mid-turn.
	// Labels: endpoint
	ClientDisconnectsTotal *prometheus.CounterVec

	// BreakerTransitionsTotal counts circuit breaker state changes.
	// Labels: model, to (CLOSED, OPEN, HALF_OPEN)
	BreakerTransitionsTotal *prometheus.CounterVec

	// PersistenceQueueDepth tracks pending writes awaiting flush.
	PersistenceQueueDepth prometheus.Gauge

	// PersistenceWritesTotal counts turns confirmed by the backend.
	PersistenceWritesTotal prometheus.Counter

	// PersistenceDegradedTotal counts writes dropped after retry exhaustion.
	PersistenceDegradedTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance, set by InitMetrics().
var DefaultMetrics *RelayMetrics

// InitMetrics creates and registers all relay metrics.
//
// Call once at startup; panics on duplicate registration.
func InitMetrics() *RelayMetrics {
	DefaultMetrics = &RelayMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "requests_total",
				Help:      "Total streaming turns by endpoint and terminal state",
			},
			[]string{"endpoint", "state"},
		),

		RetriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "retries_total",
				Help:      "Total in-turn retries by recovery path",
			},
			[]string{"endpoint", "kind"},
		),

		FallbacksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "fallbacks_total",
				Help:      "Total fallback model substitutions",
			},
			[]string{"model"},
		),

		TokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "tokens_total",
				Help:      "Total tokens processed by direction and model",
			},
			[]string{"direction", "model"},
		),

		TimeToFirstTokenSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from request to first delivered delta in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),

		StreamDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total turn duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "state"},
		),

		ActiveStreams: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "active_streams",
				Help:      "Number of currently open client streams",
			},
			[]string{"endpoint"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "errors_total",
				Help:      "Total terminal errors by taxonomy kind",
			},
			[]string{"endpoint", "error_kind"},
		),

		KeepAlivesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "keepalives_total",
				Help:      "Total keepalive pings sent",
			},
			[]string{"endpoint"},
		),

		ClientDisconnectsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections mid-turn",
			},
			[]string{"endpoint"},
		),

		BreakerTransitionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "breaker_transitions_total",
				Help:      "Total circuit breaker state transitions by model",
			},
			[]string{"model", "to"},
		),

		PersistenceQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "persistence_queue_depth",
				Help:      "Pending conversation writes awaiting flush",
			},
		),

		PersistenceWritesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "persistence_writes_total",
				Help:      "Conversation turns confirmed by the backend",
			},
		),

		PersistenceDegradedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "persistence_degraded_total",
				Help:      "Conversation writes dropped after retry exhaustion",
			},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Endpoint Names
// =============================================================================

// Endpoint labels the client-facing transport for metrics.
type Endpoint string

const (
	// EndpointSSE is the POST /v1/chat/stream endpoint.
	EndpointSSE Endpoint = "sse"

	// EndpointWS is the GET /v1/chat/ws endpoint.
	EndpointWS Endpoint = "ws"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordTurn records a completed turn with its terminal state and duration.
func (m *RelayMetrics) RecordTurn(endpoint Endpoint, state string, seconds float64) {
	m.RequestsTotal.WithLabelValues(string(endpoint), state).Inc()
	m.StreamDurationSeconds.WithLabelValues(string(endpoint), state).Observe(seconds)
}

// RecordRetry records one in-turn recovery attempt.
func (m *RelayMetrics) RecordRetry(endpoint Endpoint, kind string) {
	m.RetriesTotal.WithLabelValues(string(endpoint), kind).Inc()
}

// RecordFallback records a fallback substitution for the given model.
func (m *RelayMetrics) RecordFallback(model string) {
	m.FallbacksTotal.WithLabelValues(model).Inc()
}

// RecordError records a terminal error by taxonomy kind.
func (m *RelayMetrics) RecordError(endpoint Endpoint, errorKind string) {
	m.ErrorsTotal.WithLabelValues(string(endpoint), errorKind).Inc()
}

// RecordTokens records token usage for a completed turn.
func (m *RelayMetrics) RecordTokens(inputTokens, outputTokens int, model string) {
	m.TokensTotal.WithLabelValues("input", model).Add(float64(inputTokens))
	m.TokensTotal.WithLabelValues("output", model).Add(float64(outputTokens))
}

// StreamStarted increments the active streams gauge.
func (m *RelayMetrics) StreamStarted(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *RelayMetrics) StreamEnded(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordTimeToFirstToken records the first-delta latency.
func (m *RelayMetrics) RecordTimeToFirstToken(endpoint Endpoint, seconds float64) {
	m.TimeToFirstTokenSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordKeepAlive increments the keepalive counter.
func (m *RelayMetrics) RecordKeepAlive(endpoint Endpoint) {
	m.KeepAlivesTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordClientDisconnect increments the client disconnect counter.
func (m *RelayMetrics) RecordClientDisconnect(endpoint Endpoint) {
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordBreakerTransition records a circuit breaker state change.
// Wire to breaker.Config.OnStateChange at startup.
func (m *RelayMetrics) RecordBreakerTransition(model, to string) {
	m.BreakerTransitionsTotal.WithLabelValues(model, to).Inc()
}

// SetPersistenceQueueDepth updates the pending-write gauge.
func (m *RelayMetrics) SetPersistenceQueueDepth(depth int) {
	m.PersistenceQueueDepth.Set(float64(depth))
}

// RecordPersistenceWrite counts a turn confirmed by the backend.
func (m *RelayMetrics) RecordPersistenceWrite() {
	m.PersistenceWritesTotal.Inc()
}

// RecordPersistenceDegraded counts a write dropped after retry exhaustion.
func (m *RelayMetrics) RecordPersistenceDegraded() {
	m.PersistenceDegradedTotal.Inc()
}
