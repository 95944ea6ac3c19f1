// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Router License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package protocol define os frames JSON do push channel (Router → Connector),
// os DTOs da superfície HTTP do router e a taxonomia de erros do rendezvous.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Comandos enviados pelo router no push channel.
const (
	CommandPing              = "ping"
	CommandGetDataset        = "get_dataset"
	CommandGetDatasetStream  = "get_dataset_stream"
	CommandGetDatasetOffload = "get_dataset_offload"
)

// CommandFrame é o frame Router → Connector no push channel.
// No transporte SSE cada frame vira uma única linha "data:"; no WebSocket,
// uma text message por frame. A ordem de entrega segue a ordem de enqueue.
type CommandFrame struct {
	Command           string `json:"command"`
	RequestID         string `json:"request_id,omitempty"`
	DatasetName       string `json:"dataset_name,omitempty"`
	ProcessingDelayMs int64  `json:"processing_delay_ms,omitempty"`
}

// PongFrame é o keep-alive Connector → Router. Em WebSocket é respondido
// no próprio socket; em SSE (server → client only) chega via POST /connect/pong,
// caso em que Mac identifica a sessão.
type PongFrame struct {
	Type  string       `json:"type"` // sempre "pong"
	Mac   string       `json:"mac,omitempty"`
	Stats *SystemStats `json:"stats,omitempty"`
}

// SystemStats são as métricas de sistema reportadas pelo connector a cada pong.
type SystemStats struct {
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryPercent    float64 `json:"memory_percent"`
	DiskUsagePercent float64 `json:"disk_usage_percent"`
	LoadAverage      float64 `json:"load_average"`
}

// Erros sentinela do core do router.
var (
	ErrUnknownRequest  = errors.New("protocol: unknown request")
	ErrAlreadyTerminal = errors.New("protocol: request already terminal")
	ErrNoSuchConnector = errors.New("protocol: no such connector")
	ErrSendFailed      = errors.New("protocol: command send failed")
	ErrStreamGone      = errors.New("protocol: stream reader gone")
	ErrBackpressure    = errors.New("protocol: stream queue full")
	ErrSequenceGap     = errors.New("protocol: chunk sequence gap")
	ErrPatternMismatch = errors.New("protocol: upload does not match request pattern")
	ErrPayloadTooLarge = errors.New("protocol: payload exceeds buffer cap")
)

// ssePrefix é o prefixo de campo de dados do Server-Sent Events.
var ssePrefix = []byte("data: ")

// EncodeSSE serializa v como um evento SSE de linha única ("data: {json}\n\n").
// O JSON nunca contém newlines literais, então um frame ocupa exatamente uma linha.
func EncodeSSE(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding sse frame: %w", err)
	}
	buf := make([]byte, 0, len(ssePrefix)+len(data)+2)
	buf = append(buf, ssePrefix...)
	buf = append(buf, data...)
	buf = append(buf, '\n', '\n')
	return buf, nil
}

// DecodeSSE extrai o payload JSON de uma linha SSE. Linhas que não são
// eventos de dados (comentários ":", linhas vazias) retornam ok=false.
func DecodeSSE(line []byte) ([]byte, bool) {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 || line[0] == ':' {
		return nil, false
	}
	if bytes.HasPrefix(line, ssePrefix) {
		return line[len(ssePrefix):], true
	}
	// "data:" sem espaço também é SSE válido
	if bytes.HasPrefix(line, []byte("data:")) {
		return line[5:], true
	}
	return nil, false
}
