// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Router License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

// HealthResponse é retornado por GET /api/v1/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	Version string `json:"version"`
	Go      string `json:"go"`
}

// MetricsResponse é retornado por GET /api/v1/metrics (snapshot JSON;
// séries temporais ficam no endpoint Prometheus /metrics).
type MetricsResponse struct {
	ActiveSessions  int   `json:"active_sessions"`
	PendingRequests int   `json:"pending_requests"`
	ActiveStreams   int   `json:"active_streams"`
	TotalFulfilled  int64 `json:"total_fulfilled"`
	TotalFailed     int64 `json:"total_failed"`
	TotalBytes      int64 `json:"total_bytes"`
}

// RequestSummary é um item de GET /api/v1/requests (requests não-terminais).
type RequestSummary struct {
	RequestID string `json:"request_id"`
	Mac       string `json:"mac"`
	Dataset   string `json:"dataset"`
	Pattern   string `json:"pattern"`
	State     string `json:"state"`
	CreatedAt string `json:"created_at"`
	Deadline  string `json:"deadline"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// ConnectorSummary é um item de GET /api/v1/connectors.
type ConnectorSummary struct {
	Mac         string  `json:"mac"`
	SessionID   string  `json:"session_id"`
	ConnectedAt string  `json:"connected_at"`
	LastPing    string  `json:"last_ping"`
	CPUPercent  float64 `json:"cpu_percent,omitempty"`
	MemPercent  float64 `json:"mem_percent,omitempty"`
	LoadAverage float64 `json:"load_average,omitempty"`
}

// EventEntry representa um evento operacional no ring buffer.
type EventEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"` // info | warn | error
	Type      string `json:"type"`  // connector_connected | session_evicted | request_dispatched | ...
	Mac       string `json:"mac,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Message   string `json:"message"`
}
