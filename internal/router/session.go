// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Router License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package router

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nishisan-dev/n-router/internal/protocol"
)

// PushChannel abstrai o transporte do push channel (WebSocket ou SSE).
// A registry é indiferente ao transporte: ambos carregam frames discretos.
// SendFrame NÃO é thread-safe; a Session serializa via send mutex.
type PushChannel interface {
	SendFrame(frame protocol.CommandFrame) error
	Close() error
}

// Session representa um push channel vivo de um connector.
// Invariante: no máximo uma Session viva por mac a qualquer instante
// (garantido pela Registry via last-writer-wins).
type Session struct {
	Mac         string
	ID          string
	ConnectedAt time.Time

	channel PushChannel

	// sendMu garante a disciplina single-writer do canal: frames de uma
	// sessão são enviados em ordem FIFO, um por vez.
	sendMu sync.Mutex

	lastPong atomic.Int64 // UnixNano do último pong recebido
	stats    atomic.Value // *protocol.SystemStats

	logger    *slog.Logger
	logCloser io.Closer
	closeOnce sync.Once
}

func newSession(mac, id string, ch PushChannel, logger *slog.Logger, logCloser io.Closer) *Session {
	s := &Session{
		Mac:         mac,
		ID:          id,
		ConnectedAt: time.Now(),
		channel:     ch,
		logger:      logger,
		logCloser:   logCloser,
	}
	// Conta a conexão como primeiro sinal de vida
	s.lastPong.Store(time.Now().UnixNano())
	return s
}

// Send serializa o frame sobre o canal. Chamadas concorrentes para a mesma
// sessão são serializadas internamente (FIFO).
func (s *Session) Send(frame protocol.CommandFrame) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.channel.SendFrame(frame); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrSendFailed, err)
	}
	return nil
}

// TouchPong registra um keep-alive ack do connector.
func (s *Session) TouchPong(stats *protocol.SystemStats) {
	s.lastPong.Store(time.Now().UnixNano())
	if stats != nil {
		s.stats.Store(stats)
	}
}

// LastPong retorna o timestamp do último pong (ou da conexão, se nenhum).
func (s *Session) LastPong() time.Time {
	return time.Unix(0, s.lastPong.Load())
}

// Stats retorna as últimas métricas de sistema reportadas pelo connector.
// Nil se o connector nunca reportou stats.
func (s *Session) Stats() *protocol.SystemStats {
	if v := s.stats.Load(); v != nil {
		return v.(*protocol.SystemStats)
	}
	return nil
}

// Close fecha o canal da sessão. Idempotente.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if err := s.channel.Close(); err != nil {
			s.logger.Debug("closing push channel", "error", err)
		}
		if s.logCloser != nil {
			s.logCloser.Close()
		}
	})
}

// --- WebSocket transport ---

// wsChannel envia frames como uma text message por frame.
type wsChannel struct {
	conn *websocket.Conn
}

// NewWSChannel cria um PushChannel sobre uma conexão WebSocket já upgraded.
func NewWSChannel(conn *websocket.Conn) PushChannel {
	return &wsChannel{conn: conn}
}

func (c *wsChannel) SendFrame(frame protocol.CommandFrame) error {
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(frame)
}

func (c *wsChannel) Close() error {
	// Best-effort close frame antes de derrubar o TCP
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(2*time.Second))
	return c.conn.Close()
}

// --- SSE transport ---

// sseChannel envia frames como eventos "data:" de linha única.
// SSE é server → client only: pongs de sessões SSE chegam via POST /connect/pong.
// mu serializa writes com o Close: depois que Close retorna, nenhum write
// toca mais o ResponseWriter, então o handler pode retornar com segurança.
type sseChannel struct {
	w       io.Writer
	flusher http.Flusher

	mu        sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// NewSSEChannel cria um PushChannel sobre uma resposta HTTP mantida aberta.
// O handler dono da conexão deve bloquear em Done() até o canal fechar.
func NewSSEChannel(w io.Writer, flusher http.Flusher) *sseChannel {
	return &sseChannel{
		w:       w,
		flusher: flusher,
		done:    make(chan struct{}),
	}
}

func (c *sseChannel) SendFrame(frame protocol.CommandFrame) error {
	data, err := protocol.EncodeSSE(frame)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return fmt.Errorf("sse channel closed")
	default:
	}
	if _, err := c.w.Write(data); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

// Close aguarda qualquer write em andamento terminar antes de marcar o canal
// fechado.
func (c *sseChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// Done fecha quando o canal for encerrado pela registry (eviction ou shutdown).
func (c *sseChannel) Done() <-chan struct{} {
	return c.done
}
