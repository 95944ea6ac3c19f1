// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Router License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"
)

// startTime registra quando o processo iniciou (para cálculo de uptime).
var startTime = time.Now()

// Version é preenchida via ldflags no build (-X ...Version=x.y.z).
var Version = "dev"

// StatsProvider define a interface read-only que a API de observabilidade
// precisa do core do router. Isso desacopla o pacote observability do router
// sem expor registry e broker inteiros.
type StatsProvider interface {
	MetricsSnapshot() MetricsResponse
	ActiveRequests() []RequestSummary
	Connectors() []ConnectorSummary
}

// EventSource é a visão read-only do event store.
type EventSource interface {
	Recent(limit int) []EventEntry
}

// NewRouter cria o http.Handler da API de observabilidade.
// Aplica middleware ACL em todas as rotas, incluindo o endpoint Prometheus.
func NewRouter(stats StatsProvider, events EventSource, prom http.Handler, acl *ACL) http.Handler {
	mux := http.NewServeMux()

	// API v1
	mux.HandleFunc("GET /api/v1/health", handleHealth)
	mux.HandleFunc("GET /api/v1/metrics", makeMetricsHandler(stats))
	mux.HandleFunc("GET /api/v1/requests", makeRequestsHandler(stats))
	mux.HandleFunc("GET /api/v1/connectors", makeConnectorsHandler(stats))
	mux.HandleFunc("GET /api/v1/events", makeEventsHandler(events))

	// Séries temporais Prometheus
	if prom != nil {
		mux.Handle("GET /metrics", prom)
	}

	// SPA root (placeholder)
	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<!DOCTYPE html><html><head><title>NRouter Observability</title></head><body><h1>NRouter Server</h1><p>SPA em construção.</p></body></html>`))
	})

	return acl.Middleware(mux)
}

// handleHealth retorna status do processo, uptime e versão.
func handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Uptime:  time.Since(startTime).String(),
		Version: Version,
		Go:      runtime.Version(),
	}
	writeJSON(w, http.StatusOK, resp)
}

// makeMetricsHandler retorna um handler que coleta o snapshot de métricas.
func makeMetricsHandler(stats StatsProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, stats.MetricsSnapshot())
	}
}

// makeRequestsHandler lista as requests não-terminais da pending table.
func makeRequestsHandler(stats StatsProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqs := stats.ActiveRequests()
		if reqs == nil {
			reqs = []RequestSummary{}
		}
		writeJSON(w, http.StatusOK, reqs)
	}
}

// makeConnectorsHandler lista as sessões vivas com as últimas stats reportadas.
func makeConnectorsHandler(stats StatsProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conns := stats.Connectors()
		if conns == nil {
			conns = []ConnectorSummary{}
		}
		writeJSON(w, http.StatusOK, conns)
	}
}

// makeEventsHandler retorna os eventos recentes. Aceita ?limit=N (default 100).
func makeEventsHandler(events EventSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		entries := events.Recent(limit)
		if entries == nil {
			entries = []EventEntry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

// writeJSON serializa v como JSON e envia com status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
