// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Router License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package connector

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nishisan-dev/n-router/internal/protocol"
)

// newTestChannel monta um Channel completo (manifest + uploader + executor)
// apontando para o servidor de teste.
func newTestChannel(t *testing.T, srvURL, transport string) *Channel {
	t.Helper()

	dir := t.TempDir()
	cfg := newTestConfig(srvURL)
	cfg.Router.Transport = transport
	cfg.Router.KeepaliveInterval = time.Second
	cfg.Router.ReconnectDelay = 50 * time.Millisecond
	cfg.Router.MaxReconnectDelay = 200 * time.Millisecond
	cfg.Datasets.BaseDir = dir

	manifest := NewManifest(dir, testLogger())
	writeDataset(t, dir, "sales.csv", "1,2,3")
	if err := manifest.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	uploader := NewUploader(cfg, testLogger())
	executor := NewExecutor(cfg, manifest, uploader, nil, testLogger())
	monitor := NewSystemMonitor(testLogger())

	return NewChannel(cfg, monitor, executor, testLogger())
}

func TestChannel_WebSocketPingAndCommand(t *testing.T) {
	upgrader := websocket.Upgrader{}
	pongCh := make(chan protocol.PongFrame, 1)
	resultCh := make(chan protocol.ResultUpload, 1)
	done := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/connect", func(w http.ResponseWriter, r *http.Request) {
		if mac := r.URL.Query().Get("mac"); mac != "aa-bb-cc-dd-ee-ff" {
			t.Errorf("mac query param = %q", mac)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		// Ping → espera pong no próprio socket
		if err := conn.WriteJSON(protocol.CommandFrame{Command: protocol.CommandPing}); err != nil {
			t.Errorf("writing ping: %v", err)
			return
		}
		var pong protocol.PongFrame
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if err := conn.ReadJSON(&pong); err != nil {
			t.Errorf("reading pong: %v", err)
			return
		}
		pongCh <- pong

		// Command frame → espera o resultado chegar via POST
		if err := conn.WriteJSON(protocol.CommandFrame{
			Command:     protocol.CommandGetDataset,
			RequestID:   "req-ws",
			DatasetName: "sales.csv",
		}); err != nil {
			t.Errorf("writing command: %v", err)
			return
		}
		<-done
	})
	mux.HandleFunc("/datasets/result", func(w http.ResponseWriter, r *http.Request) {
		var up protocol.ResultUpload
		json.NewDecoder(r.Body).Decode(&up)
		resultCh <- up
		writeAck(w)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()
	defer close(done)

	ch := newTestChannel(t, srv.URL, "ws")
	ch.Start()
	defer ch.Stop()

	select {
	case pong := <-pongCh:
		if pong.Type != "pong" || pong.Stats == nil {
			t.Errorf("pong frame: %+v", pong)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for pong")
	}

	select {
	case up := <-resultCh:
		if up.RequestID != "req-ws" || string(up.Data) != "1,2,3" {
			t.Errorf("result upload: %+v", up)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for result upload")
	}

	if !ch.IsConnected() {
		t.Errorf("channel state = %s, want connected", ch.State())
	}
}

func TestChannel_SSEPingAndCommand(t *testing.T) {
	pongCh := make(chan protocol.PongFrame, 1)
	resultCh := make(chan protocol.ResultUpload, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/connect", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Error("response writer does not support flushing")
			return
		}

		writeFrame := func(frame protocol.CommandFrame) {
			data, err := protocol.EncodeSSE(frame)
			if err != nil {
				t.Errorf("encoding frame: %v", err)
				return
			}
			w.Write(data)
			flusher.Flush()
		}

		writeFrame(protocol.CommandFrame{Command: protocol.CommandPing})
		writeFrame(protocol.CommandFrame{
			Command:     protocol.CommandGetDataset,
			RequestID:   "req-sse",
			DatasetName: "sales.csv",
		})
		<-r.Context().Done()
	})
	mux.HandleFunc("/connect/pong", func(w http.ResponseWriter, r *http.Request) {
		var pong protocol.PongFrame
		json.NewDecoder(r.Body).Decode(&pong)
		pongCh <- pong
		writeAck(w)
	})
	mux.HandleFunc("/datasets/result", func(w http.ResponseWriter, r *http.Request) {
		var up protocol.ResultUpload
		json.NewDecoder(r.Body).Decode(&up)
		resultCh <- up
		writeAck(w)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	ch := newTestChannel(t, srv.URL, "sse")
	ch.Start()
	defer ch.Stop()

	select {
	case pong := <-pongCh:
		// Pong fora de banda carrega o mac para identificar a sessão
		if pong.Type != "pong" || pong.Mac != "aa-bb-cc-dd-ee-ff" {
			t.Errorf("pong frame: %+v", pong)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for pong")
	}

	select {
	case up := <-resultCh:
		if up.RequestID != "req-sse" || string(up.Data) != "1,2,3" {
			t.Errorf("result upload: %+v", up)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for result upload")
	}
}

func TestChannel_BackoffResetsAfterReconnect(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var conns atomic.Int32

	// Toda conexão é aceita e derrubada na hora: cada reconexão conta como
	// connect bem-sucedido, então o delay deve voltar ao inicial em vez de
	// acumular até o teto
	mux := http.NewServeMux()
	mux.HandleFunc("/connect", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns.Add(1)
		conn.Close()
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	ch := newTestChannel(t, srv.URL, "ws")
	ch.cfg.Router.ReconnectDelay = 20 * time.Millisecond
	ch.cfg.Router.MaxReconnectDelay = 500 * time.Millisecond

	ch.Start()
	defer ch.Stop()

	// Sem o reset o backoff satura em 500ms e caberiam ~7 conexões na
	// janela; com o reset a cadência fica em ~20ms
	time.Sleep(1200 * time.Millisecond)
	if n := conns.Load(); n < 12 {
		t.Fatalf("got %d connections in the window, want at least 12 (backoff not resetting)", n)
	}
}

func TestChannel_ReconnectsAfterDrop(t *testing.T) {
	upgrader := websocket.Upgrader{}
	connCh := make(chan int, 4)
	done := make(chan struct{})
	var conns int

	mux := http.NewServeMux()
	mux.HandleFunc("/connect", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns++
		n := conns
		connCh <- n
		if n == 1 {
			// Primeira conexão cai imediatamente
			conn.Close()
			return
		}
		defer conn.Close()
		<-done
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()
	defer close(done)

	ch := newTestChannel(t, srv.URL, "ws")
	ch.Start()
	defer ch.Stop()

	for want := 1; want <= 2; want++ {
		select {
		case n := <-connCh:
			if n != want {
				t.Fatalf("connection %d, want %d", n, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for connection %d", want)
		}
	}
}
