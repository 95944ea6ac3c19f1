// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Router License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import "fmt"

// DatasetRequest é o corpo dos endpoints application-facing
// (request-sync, request-stream, request-offload e o fluxo async legado).
// Aceita tanto os nomes curtos (mac, dataset) quanto os aliases legados
// (mac_address, dataset_name) usados pelos clients originais.
type DatasetRequest struct {
	Mac               string `json:"mac,omitempty"`
	MacAddress        string `json:"mac_address,omitempty"`
	Dataset           string `json:"dataset,omitempty"`
	DatasetName       string `json:"dataset_name,omitempty"`
	TimeoutS          int    `json:"timeout_s,omitempty"`
	ProcessingDelayMs int64  `json:"processing_delay_ms,omitempty"`
}

// Normalize resolve os aliases legados e valida os campos obrigatórios.
// Após a chamada, Mac e Dataset estão preenchidos.
func (r *DatasetRequest) Normalize() error {
	if r.Mac == "" {
		r.Mac = r.MacAddress
	}
	if r.Dataset == "" {
		r.Dataset = r.DatasetName
	}
	if r.Mac == "" {
		return fmt.Errorf("mac is required")
	}
	if r.Dataset == "" {
		return fmt.Errorf("dataset is required")
	}
	return nil
}

// Timings são os timestamps coletados pelo router para cada request.
// Valores em nanoseconds wall-clock (time.Now().UnixNano()); não monotônicos,
// pois atravessam fronteiras de processo e são comparados pelo client.
type Timings struct {
	T1RouterRecv int64 `json:"t1_router_recv,omitempty"`
	TDispatch    int64 `json:"t_dispatch,omitempty"`
	TResultRecv  int64 `json:"t_result_recv,omitempty"`
	TRespond     int64 `json:"t_respond,omitempty"`
}

// SyncResponse é a resposta do Pattern A (buffering).
// Data é base64 no JSON (marshaling padrão de []byte) e preserva os bytes
// do upload byte-a-byte.
type SyncResponse struct {
	Status    string  `json:"status"`
	RequestID string  `json:"request_id"`
	Data      []byte  `json:"data"`
	SizeBytes int64   `json:"size_bytes"`
	Timings   Timings `json:"timings"`
}

// OffloadResponse é a resposta do Pattern C (offloading).
type OffloadResponse struct {
	Status      string  `json:"status"`
	RequestID   string  `json:"request_id"`
	DownloadURL string  `json:"download_url"`
	SizeBytes   int64   `json:"size_bytes"`
	ExpiresAt   string  `json:"expires_at,omitempty"`
	Timings     Timings `json:"timings"`
}

// ErrorResponse é o corpo de qualquer resposta de erro da superfície HTTP.
type ErrorResponse struct {
	Status  string `json:"status"` // sempre "error"
	Error   string `json:"error"`  // kind da taxonomia
	Message string `json:"message,omitempty"`
}

// StatusResponse é a resposta de GET /datasets/status/{request_id}.
type StatusResponse struct {
	RequestID string  `json:"request_id"`
	State     string  `json:"state"`
	Pattern   string  `json:"pattern"`
	Timings   Timings `json:"timings"`
	Error     string  `json:"error,omitempty"`
	Message   string  `json:"message,omitempty"`
}

// AsyncAccepted é a resposta 202 de POST /datasets/request (fluxo legado).
type AsyncAccepted struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"` // "pending"
}

// LegacyStatus é a resposta de GET /datasets/{request_id}/status, no shape
// que os clients originais esperam: status ∈ {pending, dispatched, completed,
// error} e data como string base64.
type LegacyStatus struct {
	RequestID     string           `json:"request_id"`
	Status        string           `json:"status"`
	Data          []byte           `json:"data,omitempty"`
	DataSizeBytes int64            `json:"data_size_bytes,omitempty"`
	DownloadURL   string           `json:"download_url,omitempty"`
	ErrorMessage  string           `json:"error_message,omitempty"`
	Timestamps    map[string]int64 `json:"timestamps,omitempty"`
}

// ResultUpload é o corpo de POST /datasets/result (Connector → Router).
// Exatamente um de Data, DownloadURL ou Error deve estar presente:
// Data fulfilla Pattern A, DownloadURL fulfilla Pattern C, Error falha a request.
type ResultUpload struct {
	RequestID   string `json:"request_id"`
	Data        []byte `json:"data,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
	ExpiresAt   string `json:"expires_at,omitempty"`
	Error       string `json:"error,omitempty"`
}

// StreamInit é o corpo de POST /datasets/stream/init.
type StreamInit struct {
	RequestID string `json:"request_id"`
	TotalSize int64  `json:"total_size,omitempty"`
	ChunkSize int64  `json:"chunk_size,omitempty"`
}

// StreamChunk é o corpo de POST /datasets/stream/chunk.
type StreamChunk struct {
	RequestID string `json:"request_id"`
	Seq       int64  `json:"seq"`
	Data      []byte `json:"data"`
}

// StreamComplete é o corpo de POST /datasets/stream/complete.
type StreamComplete struct {
	RequestID   string `json:"request_id"`
	TotalChunks int64  `json:"total_chunks"`
}

// StreamErrorUpload é o corpo de POST /datasets/stream/error.
type StreamErrorUpload struct {
	RequestID string `json:"request_id"`
	Message   string `json:"message"`
}

// Ack é a resposta dos endpoints connector-facing.
type Ack struct {
	Ack bool `json:"ack"`
}

// ConnectorEntry é um item da resposta de GET /connectors.
type ConnectorEntry struct {
	Mac         string `json:"mac"`
	ConnectedAt string `json:"connected_at"`
}

// ActiveHost é um item da resposta de GET /hosts/active (shape legado).
type ActiveHost struct {
	MacAddress  string `json:"mac_address"`
	Status      string `json:"status"`
	ConnectedAt string `json:"connected_at"`
	LastPing    string `json:"last_ping"`
}

// ActiveHosts é a resposta de GET /hosts/active.
type ActiveHosts struct {
	Count      int          `json:"count"`
	Connectors []ActiveHost `json:"connectors"`
}
