// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Router License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package router

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exporta os contadores e histogramas do router para Prometheus.
// Registrados em um registry próprio, servido em /metrics no listener de
// observabilidade.
type Metrics struct {
	registry *prometheus.Registry

	requestsStarted *prometheus.CounterVec
	requestsTotal   *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	bytesTotal      *prometheus.CounterVec
	activeSessions  prometheus.Gauge
	activeStreams   prometheus.Gauge
	chunksTotal     prometheus.Counter
}

// NewMetrics cria e registra os collectors em um registry novo.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requestsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nrouter_requests_started_total",
			Help: "Requests registered in the pending table, by pattern.",
		}, []string{"pattern"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nrouter_requests_total",
			Help: "Requests reaching a terminal state, by pattern and result.",
		}, []string{"pattern", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nrouter_request_duration_seconds",
			Help:    "Time from begin to terminal transition, by pattern.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"pattern"}),
		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nrouter_bytes_total",
			Help: "Dataset bytes moved through the router, by pattern.",
		}, []string{"pattern"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nrouter_active_sessions",
			Help: "Live connector push channels.",
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nrouter_active_streams",
			Help: "Pattern B streams currently open.",
		}),
		chunksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nrouter_stream_chunks_total",
			Help: "Pattern B chunks accepted from connectors.",
		}),
	}
	reg.MustRegister(
		m.requestsStarted,
		m.requestsTotal,
		m.duration,
		m.bytesTotal,
		m.activeSessions,
		m.activeStreams,
		m.chunksTotal,
	)
	return m
}

// Handler retorna o http.Handler do endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RequestStarted(pattern string) {
	m.requestsStarted.WithLabelValues(pattern).Inc()
}

func (m *Metrics) RequestFinished(pattern, result string, d time.Duration) {
	m.requestsTotal.WithLabelValues(pattern, result).Inc()
	m.duration.WithLabelValues(pattern).Observe(d.Seconds())
}

func (m *Metrics) AddBytes(pattern string, n int64) {
	m.bytesTotal.WithLabelValues(pattern).Add(float64(n))
}

func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) StreamOpened() {
	m.activeStreams.Inc()
}

func (m *Metrics) StreamClosed() {
	m.activeStreams.Dec()
}

func (m *Metrics) AddChunks(n int) {
	m.chunksTotal.Add(float64(n))
}
