// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Router License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package connector

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nishisan-dev/n-router/internal/config"
	"github.com/nishisan-dev/n-router/internal/protocol"
)

// Estados do push channel.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
)

// writeTimeout é o deadline de cada write no WebSocket.
const writeTimeout = 10 * time.Second

// maxFrameLine limita o tamanho de uma linha SSE (um frame JSON por linha).
const maxFrameLine = 64 * 1024

// Channel mantém o push channel com o router: conecta (WebSocket ou SSE),
// responde pings com pongs carregando system stats e despacha command frames
// para o executor. Reconecta com backoff exponencial quando a conexão cai.
type Channel struct {
	cfg      *config.ConnectorConfig
	monitor  *SystemMonitor
	executor *Executor
	logger   *slog.Logger

	// Conexão WebSocket gerenciada (nil no transporte SSE)
	conn   *websocket.Conn
	connMu sync.Mutex

	// Mutex de write: pongs e closes podem escrever simultaneamente
	writeMu sync.Mutex

	// Corpo do stream SSE em andamento (para desbloquear o reader no Stop)
	sseBody   io.Closer
	sseBodyMu sync.Mutex

	// State machine (atômico para reads lock-free)
	state atomic.Value // string

	// client faz o GET do stream SSE e os POSTs de pong
	client *http.Client

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChannel cria o push channel. executor recebe os command frames.
func NewChannel(cfg *config.ConnectorConfig, monitor *SystemMonitor, executor *Executor, logger *slog.Logger) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	ch := &Channel{
		cfg:      cfg,
		monitor:  monitor,
		executor: executor,
		logger:   logger.With("component", "push_channel", "transport", cfg.Router.Transport),
		client:   &http.Client{},
		ctx:      ctx,
		cancel:   cancel,
	}
	ch.state.Store(StateDisconnected)
	return ch
}

// Start inicia a goroutine de manutenção do push channel.
func (ch *Channel) Start() {
	ch.wg.Add(1)
	go ch.run()
	ch.logger.Info("push channel started", "router", ch.cfg.Router.URL)
}

// Stop encerra o push channel e aguarda a goroutine terminar.
// Fecha a conexão primeiro para desbloquear qualquer read pendente.
func (ch *Channel) Stop() {
	ch.stopOnce.Do(func() {
		ch.cancel()
	})

	ch.connMu.Lock()
	if ch.conn != nil {
		ch.conn.Close()
	}
	ch.connMu.Unlock()

	ch.sseBodyMu.Lock()
	if ch.sseBody != nil {
		ch.sseBody.Close()
	}
	ch.sseBodyMu.Unlock()

	ch.wg.Wait()
	ch.state.Store(StateDisconnected)
	ch.logger.Info("push channel stopped")
}

// State retorna o estado atual do push channel.
func (ch *Channel) State() string {
	return ch.state.Load().(string)
}

// IsConnected retorna true se o canal está no estado CONNECTED.
func (ch *Channel) IsConnected() bool {
	return ch.State() == StateConnected
}

// run mantém o push channel vivo: conecta, consome frames até a conexão cair
// e reconecta com backoff exponencial.
func (ch *Channel) run() {
	defer ch.wg.Done()

	delay := ch.cfg.Router.ReconnectDelay

	for {
		select {
		case <-ch.ctx.Done():
			return
		default:
		}

		ch.state.Store(StateConnecting)

		var connected bool
		var err error
		switch ch.cfg.Router.Transport {
		case "sse":
			connected, err = ch.runSSE()
		default:
			connected, err = ch.runWS()
		}

		ch.state.Store(StateDisconnected)

		// Reset backoff on successful connect
		if connected {
			delay = ch.cfg.Router.ReconnectDelay
		}

		select {
		case <-ch.ctx.Done():
			return
		default:
		}

		if err != nil {
			ch.logger.Warn("push channel disconnected", "error", err, "retry_in", delay)
		} else {
			ch.logger.Info("push channel closed by router", "retry_in", delay)
		}

		select {
		case <-ch.ctx.Done():
			return
		case <-time.After(delay):
		}

		// Exponential backoff
		delay = time.Duration(float64(delay) * 2)
		if delay > ch.cfg.Router.MaxReconnectDelay {
			delay = ch.cfg.Router.MaxReconnectDelay
		}
	}
}

// connectURL monta a URL do endpoint /connect com o mac como query param.
func (ch *Channel) connectURL(wsScheme bool) string {
	base := ch.cfg.Router.URL
	if wsScheme {
		if strings.HasPrefix(base, "https://") {
			base = "wss://" + strings.TrimPrefix(base, "https://")
		} else {
			base = "ws://" + strings.TrimPrefix(base, "http://")
		}
	}
	return base + "/connect?mac=" + url.QueryEscape(ch.cfg.Connector.Mac)
}

// runWS conecta via WebSocket e consome frames até erro ou stop. Retorna
// connected=true se a conexão chegou a estabelecer.
func (ch *Channel) runWS() (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ch.ctx, ch.connectURL(true), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return false, fmt.Errorf("dialing router (%s): %w", resp.Status, err)
		}
		return false, fmt.Errorf("dialing router: %w", err)
	}
	if resp != nil {
		resp.Body.Close()
	}

	ch.connMu.Lock()
	ch.conn = conn
	ch.connMu.Unlock()
	defer func() {
		ch.connMu.Lock()
		if ch.conn != nil {
			ch.conn.Close()
			ch.conn = nil
		}
		ch.connMu.Unlock()
	}()

	ch.state.Store(StateConnected)
	ch.logger.Info("push channel connected", "router", ch.cfg.Router.URL)

	readTimeout := 2*ch.cfg.Router.KeepaliveInterval + 5*time.Second
	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		var frame protocol.CommandFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return true, fmt.Errorf("reading frame: %w", err)
		}

		if frame.Command == protocol.CommandPing {
			if err := ch.sendPongWS(conn); err != nil {
				return true, fmt.Errorf("answering ping: %w", err)
			}
			continue
		}

		// Executa em goroutine para não bloquear o read loop: pings continuam
		// sendo respondidos enquanto um dataset é produzido.
		go ch.executor.Execute(ch.ctx, frame)
	}
}

// sendPongWS responde um ping no próprio socket, com as últimas system stats.
func (ch *Channel) sendPongWS(conn *websocket.Conn) error {
	pong := protocol.PongFrame{Type: "pong", Stats: ch.monitor.Stats()}

	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(pong)
}

// runSSE conecta via Server-Sent Events e consome frames até erro ou stop.
// SSE é server → client only: pongs voltam via POST /connect/pong. Retorna
// connected=true se a conexão chegou a estabelecer.
func (ch *Channel) runSSE() (bool, error) {
	req, err := http.NewRequestWithContext(ch.ctx, http.MethodGet, ch.connectURL(false), nil)
	if err != nil {
		return false, fmt.Errorf("building connect request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := ch.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("connecting to router: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return false, fmt.Errorf("router refused connect: %s", resp.Status)
	}

	ch.sseBodyMu.Lock()
	ch.sseBody = resp.Body
	ch.sseBodyMu.Unlock()
	defer func() {
		ch.sseBodyMu.Lock()
		ch.sseBody = nil
		ch.sseBodyMu.Unlock()
		resp.Body.Close()
	}()

	ch.state.Store(StateConnected)
	ch.logger.Info("push channel connected", "router", ch.cfg.Router.URL)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameLine)

	for scanner.Scan() {
		payload, ok := protocol.DecodeSSE(scanner.Bytes())
		if !ok {
			continue
		}

		var frame protocol.CommandFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			ch.logger.Warn("discarding malformed frame", "error", err)
			continue
		}

		if frame.Command == protocol.CommandPing {
			if err := ch.sendPongHTTP(); err != nil {
				ch.logger.Warn("failed to answer ping", "error", err)
			}
			continue
		}

		go ch.executor.Execute(ch.ctx, frame)
	}

	if err := scanner.Err(); err != nil {
		return true, fmt.Errorf("reading event stream: %w", err)
	}
	return true, nil
}

// sendPongHTTP envia o pong fora de banda (transporte SSE). Mac identifica a
// sessão, já que o POST não chega pelo stream.
func (ch *Channel) sendPongHTTP() error {
	pong := protocol.PongFrame{
		Type:  "pong",
		Mac:   ch.cfg.Connector.Mac,
		Stats: ch.monitor.Stats(),
	}
	body, err := json.Marshal(pong)
	if err != nil {
		return fmt.Errorf("encoding pong: %w", err)
	}

	ctx, cancel := context.WithTimeout(ch.ctx, writeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.cfg.Router.URL+"/connect/pong", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building pong request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ch.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting pong: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("router rejected pong: %s", resp.Status)
	}
	return nil
}
