// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Router License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nishisan-dev/n-router/internal/config"
	"github.com/nishisan-dev/n-router/internal/protocol"
)

func newTestClient(srvURL string) *APIClient {
	cfg := config.DefaultCLIConfig()
	cfg.Router.BaseURL = srvURL
	cfg.Polling.Interval = 10 * time.Millisecond
	cfg.Polling.MaxAttempts = 20
	return New(cfg)
}

func TestAPIClient_Health(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	if err := newTestClient(srv.URL).Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}
}

func TestAPIClient_RequestSync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/datasets/request-sync" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req protocol.DatasetRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Mac != "aa-bb" || req.Dataset != "sales.csv" || req.TimeoutS != 5 {
			t.Errorf("request body: %+v", req)
		}
		json.NewEncoder(w).Encode(protocol.SyncResponse{
			Status:    "ok",
			RequestID: "req-1",
			Data:      []byte("payload"),
			SizeBytes: 7,
			Timings:   protocol.Timings{T1RouterRecv: 100, TRespond: 400},
		})
	}))
	defer srv.Close()

	result, err := newTestClient(srv.URL).RequestSync(context.Background(), "aa-bb", "sales.csv", WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("RequestSync: %v", err)
	}
	if result.RequestID != "req-1" || string(result.Data) != "payload" || result.SizeBytes != 7 {
		t.Errorf("result: %+v", result)
	}
	if result.Timings.T1RouterRecv != 100 {
		t.Errorf("timings: %+v", result.Timings)
	}
	if result.TTFB() <= 0 {
		t.Error("expected positive TTFB")
	}
}

func TestAPIClient_RequestSyncErrorKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(protocol.ErrorResponse{
			Status: "error", Error: protocol.KindNoSuchConnector, Message: "no session",
		})
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).RequestSync(context.Background(), "aa-bb", "x")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.Kind != protocol.KindNoSuchConnector || apiErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("got %+v", apiErr)
	}
}

func TestAPIClient_RequestStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("X-Nrouter-Request-Id", "req-2")
		w.Header().Set("Trailer", "X-Nrouter-Timings, X-Nrouter-State")
		w.WriteHeader(http.StatusOK)

		flusher := w.(http.Flusher)
		w.Write([]byte("alpha-"))
		flusher.Flush()
		w.Write([]byte("beta"))
		flusher.Flush()

		timings, _ := json.Marshal(protocol.Timings{T1RouterRecv: 1, TRespond: 4})
		w.Header().Set("X-Nrouter-Timings", string(timings))
		w.Header().Set("X-Nrouter-State", "fulfilled")
	}))
	defer srv.Close()

	var buf bytes.Buffer
	result, err := newTestClient(srv.URL).RequestStream(context.Background(), "aa-bb", "big.bin", &buf)
	if err != nil {
		t.Fatalf("RequestStream: %v", err)
	}
	if buf.String() != "alpha-beta" {
		t.Errorf("body = %q", buf.String())
	}
	if result.RequestID != "req-2" || result.Status != StatusCompleted || result.SizeBytes != 10 {
		t.Errorf("result: %+v", result)
	}
	if result.Timings.TRespond != 4 {
		t.Errorf("timings trailer not parsed: %+v", result.Timings)
	}
}

func TestAPIClient_RequestStreamFailedTrailer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Trailer", "X-Nrouter-Timings, X-Nrouter-State")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("partial"))
		w.Header().Set("X-Nrouter-State", "failed")
	}))
	defer srv.Close()

	result, err := newTestClient(srv.URL).RequestStream(context.Background(), "aa-bb", "big.bin", bytes.NewBuffer(nil))
	if err != nil {
		t.Fatalf("RequestStream: %v", err)
	}
	if result.Status != StatusError {
		t.Errorf("status = %s, want error", result.Status)
	}
}

func TestAPIClient_RequestOffload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(protocol.OffloadResponse{
			Status:      "ok",
			RequestID:   "req-3",
			DownloadURL: "http://minio/presigned",
			SizeBytes:   1234,
			ExpiresAt:   "2026-01-01T00:00:00Z",
		})
	}))
	defer srv.Close()

	result, err := newTestClient(srv.URL).RequestOffload(context.Background(), "aa-bb", "huge.bin")
	if err != nil {
		t.Fatalf("RequestOffload: %v", err)
	}
	if result.DownloadURL != "http://minio/presigned" || result.SizeBytes != 1234 {
		t.Errorf("result: %+v", result)
	}
}

func TestAPIClient_RequestDatasetAsyncPolls(t *testing.T) {
	var polls int
	mux := http.NewServeMux()
	mux.HandleFunc("POST /datasets/request", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(protocol.AsyncAccepted{RequestID: "req-4", Status: "pending"})
	})
	mux.HandleFunc("GET /datasets/req-4/status", func(w http.ResponseWriter, r *http.Request) {
		polls++
		if polls < 3 {
			json.NewEncoder(w).Encode(protocol.LegacyStatus{RequestID: "req-4", Status: "dispatched"})
			return
		}
		json.NewEncoder(w).Encode(protocol.LegacyStatus{
			RequestID:     "req-4",
			Status:        "completed",
			Data:          []byte("async payload"),
			DataSizeBytes: 13,
			Timestamps:    map[string]int64{"t1_router_recv": 10, "t_respond": 40},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	result, err := newTestClient(srv.URL).RequestDataset(context.Background(), "aa-bb", "sales.csv", true)
	if err != nil {
		t.Fatalf("RequestDataset: %v", err)
	}
	if result.Status != StatusCompleted || string(result.Data) != "async payload" {
		t.Errorf("result: %+v", result)
	}
	if result.Timings.T1RouterRecv != 10 || result.Timings.TRespond != 40 {
		t.Errorf("timings: %+v", result.Timings)
	}
	if polls < 3 {
		t.Errorf("polls = %d, want >= 3", polls)
	}
}

func TestAPIClient_RequestDatasetNoWait(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(protocol.AsyncAccepted{RequestID: "req-5", Status: "pending"})
	}))
	defer srv.Close()

	result, err := newTestClient(srv.URL).RequestDataset(context.Background(), "aa-bb", "x", false)
	if err != nil {
		t.Fatalf("RequestDataset: %v", err)
	}
	if result.RequestID != "req-5" || result.Status != StatusPending {
		t.Errorf("result: %+v", result)
	}
}

func TestAPIClient_PollTimesOut(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /datasets/request", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(protocol.AsyncAccepted{RequestID: "req-6", Status: "pending"})
	})
	mux.HandleFunc("GET /datasets/req-6/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(protocol.LegacyStatus{RequestID: "req-6", Status: "pending"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	api := newTestClient(srv.URL)
	result, err := api.RequestDataset(context.Background(), "aa-bb", "x", true)
	if err != nil {
		t.Fatalf("RequestDataset: %v", err)
	}
	if result.Status != StatusTimeout {
		t.Errorf("status = %s, want timeout", result.Status)
	}
}

func TestAPIClient_ListActiveHosts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(protocol.ActiveHosts{
			Count: 1,
			Connectors: []protocol.ActiveHost{
				{MacAddress: "aa-bb", Status: "connected"},
			},
		})
	}))
	defer srv.Close()

	hosts, err := newTestClient(srv.URL).ListActiveHosts(context.Background())
	if err != nil {
		t.Fatalf("ListActiveHosts: %v", err)
	}
	if hosts.Count != 1 || hosts.Connectors[0].MacAddress != "aa-bb" {
		t.Errorf("hosts: %+v", hosts)
	}
}

func TestAPIClient_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/datasets/status/req-7" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(protocol.StatusResponse{
			RequestID: "req-7", State: "fulfilled", Pattern: "A",
		})
	}))
	defer srv.Close()

	status, err := newTestClient(srv.URL).Status(context.Background(), "req-7")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.State != "fulfilled" || status.Pattern != "A" {
		t.Errorf("status: %+v", status)
	}
}
