// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Router License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package router

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/n-router/internal/protocol"
)

// Pattern identifica o transfer pattern de uma request.
type Pattern string

const (
	PatternA Pattern = "A" // buffering: corpo inteiro bufferizado no router
	PatternB Pattern = "B" // streaming: chunks em fila bounded
	PatternC Pattern = "C" // offloading: URL do object store, bytes nunca passam pelo router
)

// State é o estado de uma pending request. Os quatro últimos são terminais;
// uma request transiciona para estado terminal exatamente uma vez.
type State string

const (
	StatePending    State = "pending"
	StateDispatched State = "dispatched"
	StateFulfilled  State = "fulfilled"
	StateFailed     State = "failed"
	StateTimedOut   State = "timed-out"
	StateCancelled  State = "cancelled"
)

// Terminal reporta se o estado é terminal.
func (s State) Terminal() bool {
	switch s {
	case StateFulfilled, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// PendingRequest é o registro in-memory de uma request de application
// aguardando fulfillment. Toda mutação passa pela critical section da própria
// entry (mu); o índice da tabela usa o lock mais grosso do Broker apenas para
// insert/remove.
type PendingRequest struct {
	ID        string
	Mac       string
	Dataset   string
	Pattern   Pattern
	Async     bool // fluxo legado request+polling: resultado retido até completed_ttl
	DelayHint int64
	CreatedAt time.Time
	Deadline  time.Time

	mu          sync.Mutex
	state       State
	data        []byte
	downloadURL string
	sizeBytes   int64
	expiresAt   string
	errKind     string
	errMsg      string
	timings     protocol.Timings
	completedAt time.Time

	queue        *StreamQueue // apenas Pattern B
	streamActive bool

	// done é liberado exatamente uma vez, na transição para estado terminal.
	done  chan struct{}
	timer *time.Timer
}

// Done retorna o waitable da request: fecha na transição terminal.
func (p *PendingRequest) Done() <-chan struct{} { return p.done }

// Queue retorna a fila de chunks (nil fora do Pattern B).
func (p *PendingRequest) Queue() *StreamQueue { return p.queue }

// State retorna o estado corrente.
func (p *PendingRequest) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Result retorna o result slot após a transição terminal. Para requests não
// fulfilled, errKind/errMsg descrevem a falha.
func (p *PendingRequest) Result() (data []byte, url string, size int64, expiresAt string, errKind, errMsg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data, p.downloadURL, p.sizeBytes, p.expiresAt, p.errKind, p.errMsg
}

// Timings retorna uma cópia dos timestamps coletados.
func (p *PendingRequest) Timings() protocol.Timings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timings
}

// MarkDispatched registra o envio do command frame (t_dispatch).
func (p *PendingRequest) MarkDispatched() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StatePending {
		p.state = StateDispatched
	}
	p.timings.TDispatch = time.Now().UnixNano()
}

// MarkStreamActive registra o init do streaming (t_result_recv = primeiro
// sinal do connector).
func (p *PendingRequest) MarkStreamActive(totalSize, chunkSize int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streamActive = true
	if p.timings.TResultRecv == 0 {
		p.timings.TResultRecv = time.Now().UnixNano()
	}
}

// MarkResponded registra t_respond (momento em que o handler devolve ao application).
func (p *PendingRequest) MarkResponded() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timings.TRespond = time.Now().UnixNano()
}

// transition executa a transição única para estado terminal. fn roda dentro
// da critical section para preencher o result slot. Retorna ErrAlreadyTerminal
// se a request já terminou: first writer wins, o perdedor descarta o payload.
func (p *PendingRequest) transition(to State, fn func()) error {
	p.mu.Lock()
	if p.state.Terminal() {
		p.mu.Unlock()
		return protocol.ErrAlreadyTerminal
	}
	if fn != nil {
		fn()
	}
	p.state = to
	p.completedAt = time.Now()
	if p.timer != nil {
		p.timer.Stop()
	}
	queue := p.queue
	p.mu.Unlock()

	// Fecha a fila fora do lock: desbloqueia producer/consumer do Pattern B
	if queue != nil && to != StateFulfilled {
		queue.Close()
	}
	close(p.done)
	return nil
}

// BrokerConfig são os parâmetros do broker, vindos de config.BrokerInfo.
type BrokerConfig struct {
	RequestTimeout   time.Duration
	MaxBufferedBytes int64
	StreamQueueDepth int
	MaxChunkSize     int64
	CompletedTTL     time.Duration
}

// Broker aloca request identifiers, publica pending requests, faz o
// rendezvous entre uploads de connectors e applications em espera e aplica
// deadlines. Singleton de processo, criado no startup.
type Broker struct {
	cfg      BrokerConfig
	registry *Registry
	logger   *slog.Logger
	events   EventSink
	metrics  *Metrics

	mu     sync.Mutex
	table  map[string]*PendingRequest
	closed bool

	// Contadores cumulativos para o snapshot JSON da observability API
	totalFulfilled atomic.Int64
	totalFailed    atomic.Int64
	totalBytes     atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewBroker cria o broker. Start() ativa o sweeper de retenção.
func NewBroker(cfg BrokerConfig, registry *Registry, logger *slog.Logger, events EventSink, metrics *Metrics) *Broker {
	if events == nil {
		events = NopEvents{}
	}
	b := &Broker{
		cfg:      cfg,
		registry: registry,
		logger:   logger.With("component", "broker"),
		events:   events,
		metrics:  metrics,
		table:    make(map[string]*PendingRequest),
		stopCh:   make(chan struct{}),
	}
	// Sessão morta falha as requests em voo daquele mac
	registry.SetOnEvict(b.failForMac)
	return b
}

// Begin insere uma pending request e retorna o handle no qual o handler
// application-facing bloqueia. timeout <= 0 usa o request_timeout da config.
func (b *Broker) Begin(mac, dataset string, pattern Pattern, timeout time.Duration, delayHint int64, async bool) (*PendingRequest, error) {
	if timeout <= 0 {
		timeout = b.cfg.RequestTimeout
	}

	now := time.Now()
	req := &PendingRequest{
		ID:        newRequestID(),
		Mac:       mac,
		Dataset:   dataset,
		Pattern:   pattern,
		Async:     async,
		DelayHint: delayHint,
		CreatedAt: now,
		Deadline:  now.Add(timeout),
		state:     StatePending,
		done:      make(chan struct{}),
		timings:   protocol.Timings{T1RouterRecv: now.UnixNano()},
	}
	if pattern == PatternB {
		req.queue = NewStreamQueue(b.cfg.StreamQueueDepth)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("broker is shut down")
	}
	b.table[req.ID] = req
	b.mu.Unlock()

	// Deadline: expiry transiciona para timed-out e libera o waitable.
	// Timeouts não notificam o connector; uploads tardios são descartados.
	req.timer = time.AfterFunc(timeout, func() {
		if err := b.Cancel(req.ID, protocol.KindTimeout, fmt.Sprintf("deadline exceeded after %s", timeout)); err == nil {
			b.logger.Warn("request timed out", "request_id", req.ID, "mac", mac, "dataset", dataset, "pattern", pattern)
		}
	})

	if b.metrics != nil {
		b.metrics.RequestStarted(string(pattern))
	}
	b.logger.Debug("request registered", "request_id", req.ID, "mac", mac, "dataset", dataset, "pattern", pattern)
	return req, nil
}

// Dispatch envia o command frame para a sessão do mac da request. Sessão
// ausente transiciona a request para failed{no_such_connector} e libera o
// waitable; write error no canal falha com connector_disconnected.
func (b *Broker) Dispatch(req *PendingRequest) error {
	frame := protocol.CommandFrame{
		RequestID:         req.ID,
		DatasetName:       req.Dataset,
		ProcessingDelayMs: req.DelayHint,
	}
	switch req.Pattern {
	case PatternB:
		frame.Command = protocol.CommandGetDatasetStream
	case PatternC:
		frame.Command = protocol.CommandGetDatasetOffload
	default:
		frame.Command = protocol.CommandGetDataset
	}

	err := b.registry.Send(req.Mac, frame)
	if err == nil {
		req.MarkDispatched()
		b.events.PushEvent("info", "request_dispatched", req.Mac, req.ID, string(frame.Command))
		return nil
	}

	kind := protocol.KindConnectorDisconnected
	if err == protocol.ErrNoSuchConnector {
		kind = protocol.KindNoSuchConnector
	}
	b.fail(req, kind, fmt.Sprintf("dispatching %s: %v", frame.Command, err))
	return err
}

// DeliverData faz o rendezvous de um upload Pattern A com a request em espera.
// Retorna ErrUnknownRequest para request desconhecida, ErrAlreadyTerminal se
// a request já terminou (payload descartado) e ErrPayloadTooLarge acima do cap.
func (b *Broker) DeliverData(id string, data []byte) error {
	req := b.lookup(id)
	if req == nil {
		return protocol.ErrUnknownRequest
	}
	if req.Pattern != PatternA {
		return fmt.Errorf("%w: pattern %s request cannot accept buffered result", protocol.ErrPatternMismatch, req.Pattern)
	}
	if int64(len(data)) > b.cfg.MaxBufferedBytes {
		b.fail(req, protocol.KindPayloadTooLarge, fmt.Sprintf("upload of %d bytes exceeds max_buffered_bytes %d", len(data), b.cfg.MaxBufferedBytes))
		return protocol.ErrPayloadTooLarge
	}

	err := req.transition(StateFulfilled, func() {
		req.data = data
		req.sizeBytes = int64(len(data))
		req.timings.TResultRecv = time.Now().UnixNano()
	})
	if err != nil {
		return err
	}
	b.finishMetrics(req, "fulfilled", int64(len(data)))
	b.events.PushEvent("info", "request_fulfilled", req.Mac, id, fmt.Sprintf("%d bytes buffered", len(data)))
	return nil
}

// DeliverURL faz o rendezvous de um offload Pattern C: fulfilla a request
// com a URL do object store. O router nunca toca os bytes.
func (b *Broker) DeliverURL(id, url string, size int64, expiresAt string) error {
	req := b.lookup(id)
	if req == nil {
		return protocol.ErrUnknownRequest
	}
	if req.Pattern != PatternC {
		return fmt.Errorf("%w: download_url upload targets pattern %s request", protocol.ErrPatternMismatch, req.Pattern)
	}

	err := req.transition(StateFulfilled, func() {
		req.downloadURL = url
		req.sizeBytes = size
		req.expiresAt = expiresAt
		req.timings.TResultRecv = time.Now().UnixNano()
	})
	if err != nil {
		return err
	}
	b.finishMetrics(req, "fulfilled", 0)
	b.events.PushEvent("info", "request_fulfilled", req.Mac, id, "offload url delivered")
	return nil
}

// AddStreamedBytes acumula os bytes aceitos de chunks do Pattern B.
func (p *PendingRequest) AddStreamedBytes(n int) {
	p.mu.Lock()
	p.sizeBytes += int64(n)
	if p.timings.TResultRecv == 0 {
		p.timings.TResultRecv = time.Now().UnixNano()
	}
	p.mu.Unlock()
}

// CompleteStream valida total_chunks, enfileira o sentinela terminal e
// fulfilla a request. Retorna ErrBackpressure se a fila está cheia (o
// connector retenta o complete); mismatch de total_chunks é protocol violation.
func (b *Broker) CompleteStream(id string, totalChunks int64, wait time.Duration) error {
	req := b.lookup(id)
	if req == nil {
		return protocol.ErrUnknownRequest
	}
	if req.Pattern != PatternB {
		return fmt.Errorf("%w: stream complete targets pattern %s request", protocol.ErrPatternMismatch, req.Pattern)
	}

	queue := req.queue
	if queued := queue.ChunksQueued(); queued != totalChunks {
		b.Cancel(id, protocol.KindProtocolViolation,
			fmt.Sprintf("complete reports %d chunks but %d were accepted", totalChunks, queued))
		return protocol.ErrSequenceGap
	}

	if err := queue.Push(ChunkRecord{Seq: totalChunks, Terminal: true}, wait); err != nil {
		return err
	}

	err := req.transition(StateFulfilled, nil)
	if err != nil {
		return err
	}
	_, _, size, _, _, _ := req.Result()
	b.finishMetrics(req, "fulfilled", size)
	b.events.PushEvent("info", "request_fulfilled", req.Mac, id,
		fmt.Sprintf("stream completed with %d chunks", totalChunks))
	return nil
}

// FailStream enfileira o sentinela terminal de erro (best-effort) e falha a
// request com a mensagem reportada pelo connector.
func (b *Broker) FailStream(id, message string, wait time.Duration) error {
	req := b.lookup(id)
	if req == nil {
		return protocol.ErrUnknownRequest
	}
	if req.Pattern != PatternB {
		return fmt.Errorf("%w: stream error targets pattern %s request", protocol.ErrPatternMismatch, req.Pattern)
	}

	// O sentinela é best-effort: se a fila está cheia, o fail abaixo fecha a
	// fila e o consumer lê o estado terminal da própria request.
	req.queue.Push(ChunkRecord{Terminal: true, Err: message}, wait)
	return b.fail(req, protocol.KindInternalError, message)
}

// DeliverError falha a request com o erro reportado pelo connector
// (offload_failed no Pattern C, internal_error nos demais).
func (b *Broker) DeliverError(id, message string) error {
	req := b.lookup(id)
	if req == nil {
		return protocol.ErrUnknownRequest
	}
	kind := protocol.KindInternalError
	if req.Pattern == PatternC {
		kind = protocol.KindOffloadFailed
	}
	return b.fail(req, kind, message)
}

// Cancel transiciona uma request não-terminal para failed/timed-out/cancelled
// e libera o waitable. First writer wins contra deliver concorrente.
func (b *Broker) Cancel(id, kind, message string) error {
	req := b.lookup(id)
	if req == nil {
		return protocol.ErrUnknownRequest
	}

	to := StateFailed
	switch kind {
	case protocol.KindTimeout:
		to = StateTimedOut
	case protocol.KindShutdown, protocol.KindClientDisconnected:
		to = StateCancelled
	}

	err := req.transition(to, func() {
		req.errKind = kind
		req.errMsg = message
	})
	if err != nil {
		return err
	}
	b.finishMetrics(req, string(to), 0)
	b.events.PushEvent("warn", "request_"+string(to), req.Mac, id, message)
	return nil
}

// Get retorna a request (observação apenas), ou nil se desconhecida/expirada.
func (b *Broker) Get(id string) *PendingRequest {
	return b.lookup(id)
}

// Active retorna um snapshot das requests não-terminais (observability API).
func (b *Broker) Active() []*PendingRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*PendingRequest, 0, len(b.table))
	for _, req := range b.table {
		if !req.State().Terminal() {
			out = append(out, req)
		}
	}
	return out
}

// Start ativa o sweeper de retenção de entries terminais.
func (b *Broker) Start() {
	b.wg.Add(1)
	go b.sweepLoop()
}

// Shutdown drena o broker: cancela todas as pending com reason shutdown e
// para o sweeper. Begin passa a falhar.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	b.closed = true
	pending := make([]*PendingRequest, 0, len(b.table))
	for _, req := range b.table {
		pending = append(pending, req)
	}
	b.mu.Unlock()

	for _, req := range pending {
		b.Cancel(req.ID, protocol.KindShutdown, "router shutting down")
	}

	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
	b.logger.Info("broker stopped", "cancelled", len(pending))
}

// fail transiciona a request para failed{kind}. ErrAlreadyTerminal é
// silencioso: o primeiro writer já venceu.
func (b *Broker) fail(req *PendingRequest, kind, message string) error {
	err := req.transition(StateFailed, func() {
		req.errKind = kind
		req.errMsg = message
	})
	if err != nil {
		return err
	}
	b.finishMetrics(req, "failed", 0)
	b.logger.Warn("request failed", "request_id", req.ID, "mac", req.Mac, "kind", kind, "message", message)
	b.events.PushEvent("error", "request_failed", req.Mac, req.ID, kind+": "+message)
	return nil
}

// failForMac falha todas as requests em voo (pending/dispatched) do mac.
// Chamado pela registry quando a sessão morre ou é substituída.
func (b *Broker) failForMac(mac, kind string) {
	b.mu.Lock()
	var targets []*PendingRequest
	for _, req := range b.table {
		if req.Mac == mac {
			targets = append(targets, req)
		}
	}
	b.mu.Unlock()

	for _, req := range targets {
		b.fail(req, kind, "connector session lost")
	}
}

// lookup retorna a entry da tabela, ou nil.
func (b *Broker) lookup(id string) *PendingRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.table[id]
}

// finishMetrics registra a conclusão nos contadores/histogramas.
func (b *Broker) finishMetrics(req *PendingRequest, result string, bytes int64) {
	if result == "fulfilled" {
		b.totalFulfilled.Add(1)
	} else {
		b.totalFailed.Add(1)
	}
	if bytes > 0 {
		b.totalBytes.Add(bytes)
	}
	if b.metrics == nil {
		return
	}
	b.metrics.RequestFinished(string(req.Pattern), result, time.Since(req.CreatedAt))
	if bytes > 0 {
		b.metrics.AddBytes(string(req.Pattern), bytes)
	}
}

// Totals retorna os contadores cumulativos (fulfilled, failed, bytes) desde o
// startup. Usado pelo snapshot JSON da observability API.
func (b *Broker) Totals() (fulfilled, failed, bytes int64) {
	return b.totalFulfilled.Load(), b.totalFailed.Load(), b.totalBytes.Load()
}

// sweepLoop remove entries terminais após completed_ttl. A retenção permite
// que o fluxo async legado leia resultados completados; depois do TTL o
// status endpoint volta unknown_request.
func (b *Broker) sweepLoop() {
	defer b.wg.Done()

	interval := b.cfg.CompletedTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-b.cfg.CompletedTTL)
			b.mu.Lock()
			for id, req := range b.table {
				req.mu.Lock()
				expired := req.state.Terminal() && req.completedAt.Before(cutoff)
				req.mu.Unlock()
				if expired {
					delete(b.table, id)
				}
			}
			b.mu.Unlock()
		}
	}
}

// newRequestID gera um identifier de 128 bits random, URL-safe. Colisão é
// tratada como probabilidade zero; unguessability é incidental, sem claim de
// segurança.
func newRequestID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("r-%d", time.Now().UnixNano())
	}
	return base64.RawURLEncoding.EncodeToString(b[:])
}
