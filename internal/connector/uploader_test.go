// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Router License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/nishisan-dev/n-router/internal/config"
	"github.com/nishisan-dev/n-router/internal/protocol"
)

func newTestConfig(routerURL string) *config.ConnectorConfig {
	return &config.ConnectorConfig{
		Connector: config.ConnectorInfo{Mac: "aa-bb-cc-dd-ee-ff"},
		Router:    config.RouterAddr{URL: routerURL, Transport: "ws"},
		Upload:    config.UploadInfo{Compression: "none", ChunkSizeRaw: 1024},
	}
}

func writeAck(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(protocol.Ack{Ack: true})
}

func writeKindError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{Status: "error", Error: kind, Message: message})
}

func TestUploader_UploadResult(t *testing.T) {
	var got protocol.ResultUpload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/datasets/result" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		writeAck(w)
	}))
	defer srv.Close()

	u := NewUploader(newTestConfig(srv.URL), testLogger())
	if err := u.UploadResult(context.Background(), "req-1", []byte("payload")); err != nil {
		t.Fatalf("UploadResult: %v", err)
	}

	if got.RequestID != "req-1" || string(got.Data) != "payload" {
		t.Errorf("server received %+v", got)
	}
}

func TestUploader_UploadErrorReportsMessage(t *testing.T) {
	var got protocol.ResultUpload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		writeAck(w)
	}))
	defer srv.Close()

	u := NewUploader(newTestConfig(srv.URL), testLogger())
	if err := u.UploadError(context.Background(), "req-2", "boom"); err != nil {
		t.Fatalf("UploadError: %v", err)
	}
	if got.RequestID != "req-2" || got.Error != "boom" {
		t.Errorf("server received %+v", got)
	}
}

func TestUploader_RouterErrorParsed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeKindError(w, http.StatusRequestEntityTooLarge, protocol.KindPayloadTooLarge, "too big")
	}))
	defer srv.Close()

	u := NewUploader(newTestConfig(srv.URL), testLogger())
	err := u.UploadResult(context.Background(), "req-3", []byte("x"))
	if err == nil {
		t.Fatal("expected error")
	}

	var upErr *UploadError
	if !errors.As(err, &upErr) {
		t.Fatalf("expected *UploadError, got %T: %v", err, err)
	}
	if upErr.StatusCode != http.StatusRequestEntityTooLarge || upErr.Kind != protocol.KindPayloadTooLarge {
		t.Errorf("got %+v", upErr)
	}
}

func TestUploader_StreamChunkRetriesOnBackpressure(t *testing.T) {
	var mu sync.Mutex
	var attempts int
	var seqs []int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var chunk protocol.StreamChunk
		json.NewDecoder(r.Body).Decode(&chunk)

		mu.Lock()
		attempts++
		seqs = append(seqs, chunk.Seq)
		first := attempts == 1
		mu.Unlock()

		if first {
			w.Header().Set("Retry-After", "1")
			writeKindError(w, http.StatusServiceUnavailable, protocol.KindBackpressure, "queue full")
			return
		}
		writeAck(w)
	}))
	defer srv.Close()

	u := NewUploader(newTestConfig(srv.URL), testLogger())
	if err := u.StreamChunk(context.Background(), "req-4", 7, []byte("chunk")); err != nil {
		t.Fatalf("StreamChunk: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	// O MESMO seq deve ser retentado
	for _, s := range seqs {
		if s != 7 {
			t.Errorf("retried with seq %d, want 7", s)
		}
	}
}

func TestUploader_StreamChunkGoneAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeKindError(w, http.StatusGone, protocol.KindStreamGone, "reader disconnected")
	}))
	defer srv.Close()

	u := NewUploader(newTestConfig(srv.URL), testLogger())
	err := u.StreamChunk(context.Background(), "req-5", 0, []byte("chunk"))
	if !errors.Is(err, ErrStreamAborted) {
		t.Fatalf("expected ErrStreamAborted, got %v", err)
	}
}

func TestUploader_GzipCompression(t *testing.T) {
	var got protocol.ResultUpload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if enc := r.Header.Get("Content-Encoding"); enc != "gzip" {
			t.Errorf("Content-Encoding = %q, want gzip", enc)
		}
		zr, err := pgzip.NewReader(r.Body)
		if err != nil {
			t.Errorf("gzip reader: %v", err)
			writeAck(w)
			return
		}
		defer zr.Close()
		if err := json.NewDecoder(zr).Decode(&got); err != nil {
			t.Errorf("decoding gzip body: %v", err)
		}
		writeAck(w)
	}))
	defer srv.Close()

	cfg := newTestConfig(srv.URL)
	cfg.Upload.Compression = "gzip"

	u := NewUploader(cfg, testLogger())
	if err := u.UploadResult(context.Background(), "req-6", []byte("compressed payload")); err != nil {
		t.Fatalf("UploadResult: %v", err)
	}
	if got.RequestID != "req-6" || string(got.Data) != "compressed payload" {
		t.Errorf("server received %+v", got)
	}
}

func TestUploader_ZstdCompression(t *testing.T) {
	var got protocol.ResultUpload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if enc := r.Header.Get("Content-Encoding"); enc != "zstd" {
			t.Errorf("Content-Encoding = %q, want zstd", enc)
		}
		zr, err := zstd.NewReader(r.Body)
		if err != nil {
			t.Errorf("zstd reader: %v", err)
			writeAck(w)
			return
		}
		defer zr.Close()
		if err := json.NewDecoder(io.Reader(zr)).Decode(&got); err != nil {
			t.Errorf("decoding zstd body: %v", err)
		}
		writeAck(w)
	}))
	defer srv.Close()

	cfg := newTestConfig(srv.URL)
	cfg.Upload.Compression = "zstd"

	u := NewUploader(cfg, testLogger())
	if err := u.UploadResult(context.Background(), "req-7", []byte("zstd payload")); err != nil {
		t.Fatalf("UploadResult: %v", err)
	}
	if got.RequestID != "req-7" || string(got.Data) != "zstd payload" {
		t.Errorf("server received %+v", got)
	}
}
