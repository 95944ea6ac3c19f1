// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Router License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package router implementa o core do nrouter-server: a session registry dos
// connectors, o request broker com a pending table e os três transfer
// patterns (A buffering, B streaming, C offloading).
package router

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nishisan-dev/n-router/internal/logging"
	"github.com/nishisan-dev/n-router/internal/protocol"
)

// Registry mantém o mapeamento mac → sessão viva e o heartbeat loop.
// Uma write error no canal marca a sessão morta, evicta e falha as requests
// pendentes daquele connector (via onEvict). A registry nunca retenta sends.
type Registry struct {
	keepalive     time.Duration
	sessionLogDir string
	logger        *slog.Logger
	events        EventSink
	metrics       *Metrics

	mu       sync.RWMutex
	sessions map[string]*Session

	// onEvict é chamado fora do lock quando uma sessão morre ou é
	// substituída. O broker usa para falhar requests com connector_disconnected.
	onEvict func(mac, reason string)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRegistry cria a registry. Start() deve ser chamado para ativar o heartbeat.
func NewRegistry(keepalive time.Duration, sessionLogDir string, logger *slog.Logger, events EventSink, metrics *Metrics) *Registry {
	if events == nil {
		events = NopEvents{}
	}
	return &Registry{
		keepalive:     keepalive,
		sessionLogDir: sessionLogDir,
		logger:        logger.With("component", "registry"),
		events:        events,
		metrics:       metrics,
		sessions:      make(map[string]*Session),
		stopCh:        make(chan struct{}),
	}
}

// SetOnEvict define o hook de eviction. Deve ser chamado antes de Start().
func (r *Registry) SetOnEvict(fn func(mac, reason string)) {
	r.onEvict = fn
}

// Register instala a sessão para o mac. Se já existe uma sessão para o mesmo
// mac, ela é substituída atomicamente (last-writer-wins): o canal antigo é
// fechado e as requests em voo daquela sessão falham com connector_disconnected.
func (r *Registry) Register(mac string, ch PushChannel) *Session {
	sessionID := newSessionID()

	sessLogger, logCloser, logPath, err := logging.NewSessionLogger(r.logger, r.sessionLogDir, mac, sessionID)
	if err != nil {
		// Log de sessão é best-effort; segue com o logger global
		r.logger.Warn("creating session logger", "mac", mac, "error", err)
		sessLogger, logCloser = r.logger, nil
	}

	sess := newSession(mac, sessionID, ch, sessLogger.With("mac", mac, "session", sessionID), logCloser)

	r.mu.Lock()
	old := r.sessions[mac]
	r.sessions[mac] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	if old != nil {
		old.Close()
		if r.onEvict != nil {
			r.onEvict(mac, protocol.KindConnectorDisconnected)
		}
		r.logger.Info("session replaced", "mac", mac, "old_session", old.ID, "new_session", sessionID)
		r.events.PushEvent("warn", "session_replaced", mac, "", "previous push channel evicted (last-writer-wins)")
	} else {
		r.logger.Info("connector connected", "mac", mac, "session", sessionID)
		r.events.PushEvent("info", "connector_connected", mac, "", "push channel established")
	}
	if logPath != "" {
		sess.logger.Debug("session log file created", "path", logPath)
	}
	if r.metrics != nil {
		r.metrics.SetActiveSessions(count)
	}

	return sess
}

// Unregister remove a sessão, apenas se ela ainda for a entrada corrente.
// Idempotente; seguro chamar após uma substituição last-writer-wins.
func (r *Registry) Unregister(sess *Session) {
	r.mu.Lock()
	current, ok := r.sessions[sess.Mac]
	if !ok || current != sess {
		r.mu.Unlock()
		sess.Close()
		return
	}
	delete(r.sessions, sess.Mac)
	count := len(r.sessions)
	r.mu.Unlock()

	sess.Close()
	if r.onEvict != nil {
		r.onEvict(sess.Mac, protocol.KindConnectorDisconnected)
	}
	r.logger.Info("connector disconnected", "mac", sess.Mac, "session", sess.ID)
	r.events.PushEvent("info", "connector_disconnected", sess.Mac, "", "push channel closed")
	if r.metrics != nil {
		r.metrics.SetActiveSessions(count)
	}
}

// Send serializa o frame sobre o canal do connector. Write error evicta a
// sessão imediatamente; retry é responsabilidade do caller (broker).
func (r *Registry) Send(mac string, frame protocol.CommandFrame) error {
	r.mu.RLock()
	sess, ok := r.sessions[mac]
	r.mu.RUnlock()

	if !ok {
		return protocol.ErrNoSuchConnector
	}

	if err := sess.Send(frame); err != nil {
		r.evict(sess, "send error")
		return err
	}
	return nil
}

// Get retorna a sessão corrente do mac, ou nil.
func (r *Registry) Get(mac string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[mac]
}

// List retorna um snapshot das sessões vivas, ordenado por mac.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Mac < out[j].Mac })
	return out
}

// Pong registra um keep-alive ack vindo de POST /connect/pong (sessões SSE).
// Retorna false se não há sessão para o mac.
func (r *Registry) Pong(mac string, stats *protocol.SystemStats) bool {
	r.mu.RLock()
	sess, ok := r.sessions[mac]
	r.mu.RUnlock()

	if !ok {
		return false
	}
	sess.TouchPong(stats)
	return true
}

// Start ativa o heartbeat loop.
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.heartbeatLoop()
}

// Stop encerra o heartbeat e fecha todas as sessões.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()

	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	if r.metrics != nil {
		r.metrics.SetActiveSessions(0)
	}
	r.logger.Info("registry stopped", "closed_sessions", len(sessions))
}

// heartbeatLoop envia um ping por sessão a cada keepalive_interval e evicta
// sessões com dois acks consecutivos perdidos (lastPong > 2× interval).
// Pings continuam fluindo mesmo com uploads em andamento: o envio usa o
// send mutex por sessão, nunca um lock global.
func (r *Registry) heartbeatLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			for _, sess := range r.List() {
				if time.Since(sess.LastPong()) > 2*r.keepalive {
					r.evict(sess, "missed keepalive acks")
					continue
				}
				if err := sess.Send(protocol.CommandFrame{Command: protocol.CommandPing}); err != nil {
					r.evict(sess, "ping write error")
				}
			}
		}
	}
}

// evict remove a sessão (se ainda corrente), fecha o canal e notifica o broker.
func (r *Registry) evict(sess *Session, reason string) {
	r.mu.Lock()
	current, ok := r.sessions[sess.Mac]
	if !ok || current != sess {
		r.mu.Unlock()
		sess.Close()
		return
	}
	delete(r.sessions, sess.Mac)
	count := len(r.sessions)
	r.mu.Unlock()

	sess.Close()
	if r.onEvict != nil {
		r.onEvict(sess.Mac, protocol.KindConnectorDisconnected)
	}
	r.logger.Warn("session evicted", "mac", sess.Mac, "session", sess.ID, "reason", reason)
	r.events.PushEvent("warn", "session_evicted", sess.Mac, "", reason)
	if r.metrics != nil {
		r.metrics.SetActiveSessions(count)
	}
}

// newSessionID gera um identificador curto para logs e arquivos de sessão.
func newSessionID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("s-%d", time.Now().UnixNano())
	}
	return base64.RawURLEncoding.EncodeToString(b[:])
}
