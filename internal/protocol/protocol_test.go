// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Router License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"
)

func TestEncodeDecodeSSE_RoundTrip(t *testing.T) {
	frame := CommandFrame{
		Command:     CommandGetDatasetStream,
		RequestID:   "abc123",
		DatasetName: "dataset_1kb.json",
	}

	encoded, err := EncodeSSE(frame)
	if err != nil {
		t.Fatalf("EncodeSSE: %v", err)
	}

	if !bytes.HasPrefix(encoded, []byte("data: ")) {
		t.Fatalf("expected 'data: ' prefix, got %q", encoded)
	}
	if !bytes.HasSuffix(encoded, []byte("\n\n")) {
		t.Fatalf("expected double newline suffix, got %q", encoded)
	}

	// Um frame ocupa exatamente uma linha de dados
	lines := bytes.Split(bytes.TrimRight(encoded, "\n"), []byte("\n"))
	if len(lines) != 1 {
		t.Fatalf("expected single data line, got %d", len(lines))
	}

	payload, ok := DecodeSSE(lines[0])
	if !ok {
		t.Fatal("DecodeSSE: expected data line")
	}

	var decoded CommandFrame
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshaling decoded payload: %v", err)
	}
	if decoded != frame {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, frame)
	}
}

func TestDecodeSSE_IgnoresNonDataLines(t *testing.T) {
	cases := []string{
		"",
		": keep-alive comment",
		"event: ping",
		"id: 42",
	}
	for _, line := range cases {
		if _, ok := DecodeSSE([]byte(line)); ok {
			t.Errorf("DecodeSSE(%q): expected ok=false", line)
		}
	}
}

func TestDecodeSSE_AcceptsPrefixWithoutSpace(t *testing.T) {
	payload, ok := DecodeSSE([]byte(`data:{"command":"ping"}`))
	if !ok {
		t.Fatal("expected data line")
	}
	if string(payload) != `{"command":"ping"}` {
		t.Errorf("unexpected payload: %q", payload)
	}
}

func TestDatasetRequest_NormalizeAliases(t *testing.T) {
	// Aliases legados (mac_address, dataset_name) devem preencher Mac/Dataset
	r := DatasetRequest{MacAddress: "cc-28-aa-cd-5c-74", DatasetName: "dataset_1kb.json"}
	if err := r.Normalize(); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if r.Mac != "cc-28-aa-cd-5c-74" || r.Dataset != "dataset_1kb.json" {
		t.Errorf("aliases not resolved: %+v", r)
	}

	// Nomes curtos têm precedência
	r2 := DatasetRequest{Mac: "aa", MacAddress: "bb", Dataset: "x", DatasetName: "y"}
	if err := r2.Normalize(); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if r2.Mac != "aa" || r2.Dataset != "x" {
		t.Errorf("short names should win: %+v", r2)
	}
}

func TestDatasetRequest_NormalizeMissingFields(t *testing.T) {
	r := DatasetRequest{Dataset: "dataset_1kb.json"}
	if err := r.Normalize(); err == nil {
		t.Error("expected error for missing mac")
	}
	r2 := DatasetRequest{Mac: "cc-28-aa-cd-5c-74"}
	if err := r2.Normalize(); err == nil {
		t.Error("expected error for missing dataset")
	}
}

func TestHTTPStatus_Taxonomy(t *testing.T) {
	cases := map[string]int{
		KindNoSuchConnector:       http.StatusServiceUnavailable,
		KindConnectorDisconnected: http.StatusBadGateway,
		KindTimeout:               http.StatusGatewayTimeout,
		KindPayloadTooLarge:       http.StatusRequestEntityTooLarge,
		KindProtocolViolation:     http.StatusBadRequest,
		KindOffloadFailed:         http.StatusBadGateway,
		KindUnknownRequest:        http.StatusNotFound,
		KindBackpressure:          http.StatusServiceUnavailable,
		KindStreamGone:            http.StatusGone,
		KindShutdown:              http.StatusServiceUnavailable,
		KindInternalError:         http.StatusInternalServerError,
		"something_else":          http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := HTTPStatus(kind); got != want {
			t.Errorf("HTTPStatus(%q) = %d, want %d", kind, got, want)
		}
	}
}

func TestResultUpload_DataPreservesBytes(t *testing.T) {
	// []byte marshala como base64 — bytes arbitrários sobrevivem ao JSON
	raw := make([]byte, 256)
	for i := range raw {
		raw[i] = byte(i)
	}

	encoded, err := json.Marshal(ResultUpload{RequestID: "r1", Data: raw})
	if err != nil {
		t.Fatalf("marshaling: %v", err)
	}

	var decoded ResultUpload
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshaling: %v", err)
	}
	if !bytes.Equal(decoded.Data, raw) {
		t.Error("data bytes not preserved through JSON round trip")
	}
}
