// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Router License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nishisan-dev/n-router/internal/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPercentile(t *testing.T) {
	series := make([]time.Duration, 100)
	for i := range series {
		series[i] = time.Duration(i+1) * time.Millisecond
	}

	cases := []struct {
		q    float64
		want time.Duration
	}{
		{0.50, 51 * time.Millisecond},
		{0.90, 91 * time.Millisecond},
		{0.95, 96 * time.Millisecond},
		{0.99, 100 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := percentile(series, tc.q); got != tc.want {
			t.Errorf("percentile(%.2f) = %v, want %v", tc.q, got, tc.want)
		}
	}

	if got := percentile(nil, 0.5); got != 0 {
		t.Errorf("percentile(empty) = %v, want 0", got)
	}
	if got := percentile([]time.Duration{7 * time.Millisecond}, 0.99); got != 7*time.Millisecond {
		t.Errorf("percentile(single, 0.99) = %v", got)
	}
}

func TestRunLoadTest_AggregatesOutcomes(t *testing.T) {
	var mu sync.Mutex
	var requests int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		n := requests
		mu.Unlock()

		// Uma request em cada dez falha
		if n%10 == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(protocol.ErrorResponse{Status: "error", Error: protocol.KindNoSuchConnector})
			return
		}
		json.NewEncoder(w).Encode(protocol.SyncResponse{
			Status: "ok", RequestID: "req", Data: []byte("0123456789"), SizeBytes: 10,
		})
	}))
	defer srv.Close()

	res := RunLoadTest(context.Background(), newTestClient(srv.URL), LoadTestConfig{
		Mac:         "aa-bb",
		Dataset:     "sales.csv",
		Pattern:     "A",
		Requests:    20,
		Concurrency: 4,
	}, discardLogger())

	if res.Total != 20 {
		t.Errorf("total = %d, want 20", res.Total)
	}
	if res.Failed != 2 || res.Successful != 18 {
		t.Errorf("successful/failed = %d/%d, want 18/2", res.Successful, res.Failed)
	}
	if res.TotalBytes != 180 {
		t.Errorf("total bytes = %d, want 180", res.TotalBytes)
	}
	if res.TTFBAvg <= 0 || res.TTFBP99 < res.TTFBP50 || res.TTFBMax < res.TTFBMin {
		t.Errorf("ttfb stats inconsistent: %+v", res)
	}
	if res.RequestsPerSecond <= 0 {
		t.Errorf("rps = %f", res.RequestsPerSecond)
	}
}

func TestRunLoadTest_RotatesPatterns(t *testing.T) {
	var mu sync.Mutex
	paths := map[string]int{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths[r.URL.Path]++
		mu.Unlock()

		switch r.URL.Path {
		case "/datasets/request-stream":
			w.Header().Set("Trailer", "X-Nrouter-Timings, X-Nrouter-State")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("chunk"))
			w.Header().Set("X-Nrouter-State", "fulfilled")
		case "/datasets/request-offload":
			json.NewEncoder(w).Encode(protocol.OffloadResponse{Status: "ok", RequestID: "r", DownloadURL: "http://x", SizeBytes: 5})
		default:
			json.NewEncoder(w).Encode(protocol.SyncResponse{Status: "ok", RequestID: "r", Data: []byte("abcde"), SizeBytes: 5})
		}
	}))
	defer srv.Close()

	res := RunLoadTest(context.Background(), newTestClient(srv.URL), LoadTestConfig{
		Mac:         "aa-bb",
		Dataset:     "sales.csv",
		Pattern:     "all",
		Requests:    9,
		Concurrency: 3,
	}, discardLogger())

	if res.Successful != 9 {
		t.Fatalf("successful = %d, want 9: %+v", res.Successful, res)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, path := range []string{"/datasets/request-sync", "/datasets/request-stream", "/datasets/request-offload"} {
		if paths[path] != 3 {
			t.Errorf("%s hit %d times, want 3", path, paths[path])
		}
	}
}
