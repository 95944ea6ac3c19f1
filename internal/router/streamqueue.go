// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Router License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package router

import (
	"context"
	"sync"
	"time"

	"github.com/nishisan-dev/n-router/internal/protocol"
)

// ChunkRecord é um registro na fila de streaming do Pattern B.
// Sequence numbers são densos a partir de 0; a sequência termina com
// exatamente um registro Terminal.
type ChunkRecord struct {
	Seq      int64
	Data     []byte
	Terminal bool
	Err      string // preenchido no sentinela terminal de erro
}

// StreamQueue é a fila bounded single-producer/single-consumer do Pattern B.
// O producer (endpoints connector-facing) bloqueia quando a fila enche
// (backpressure propaga por TCP até o connector); o consumer (handler de
// streaming) bloqueia quando a fila esvazia. Reader-gone é detectado para
// evitar deadlock do producer.
type StreamQueue struct {
	ch chan ChunkRecord

	// pushMu serializa producers concorrentes e protege nextSeq:
	// chunks POSTs simultâneos para a mesma request são serializados aqui.
	pushMu         sync.Mutex
	nextSeq        int64
	terminalQueued bool

	readerGone chan struct{}
	readerOnce sync.Once

	closed    chan struct{}
	closeOnce sync.Once
}

// NewStreamQueue cria a fila com a profundidade configurada (stream_queue_depth).
func NewStreamQueue(depth int) *StreamQueue {
	if depth <= 0 {
		depth = 16
	}
	return &StreamQueue{
		ch:         make(chan ChunkRecord, depth),
		readerGone: make(chan struct{}),
		closed:     make(chan struct{}),
	}
}

// Push enfileira um registro, bloqueando até wait por capacidade.
//
// Erros:
//   - ErrSequenceGap: seq fora de ordem (gap é protocol violation; o registro
//     NÃO é enfileirado, então nada malformado chega ao application)
//   - ErrAlreadyTerminal: registro após o sentinela terminal
//   - ErrStreamGone: o reader desconectou ou a request foi cancelada
//   - ErrBackpressure: fila cheia além de wait (caller responde 503 + Retry-After;
//     o seq não avança, então o retry do mesmo seq é aceito)
func (q *StreamQueue) Push(rec ChunkRecord, wait time.Duration) error {
	q.pushMu.Lock()
	defer q.pushMu.Unlock()

	if q.terminalQueued {
		return protocol.ErrAlreadyTerminal
	}
	if !rec.Terminal && rec.Seq != q.nextSeq {
		return protocol.ErrSequenceGap
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case q.ch <- rec:
		if rec.Terminal {
			q.terminalQueued = true
		} else {
			q.nextSeq++
		}
		return nil
	case <-q.readerGone:
		return protocol.ErrStreamGone
	case <-q.closed:
		return protocol.ErrStreamGone
	case <-timer.C:
		return protocol.ErrBackpressure
	}
}

// Pop desenfileira o próximo registro, bloqueando até ctx cancelar ou a fila
// fechar. Cancelamento do ctx marca o reader como gone (producers recebem
// ErrStreamGone dali em diante).
func (q *StreamQueue) Pop(ctx context.Context) (ChunkRecord, error) {
	select {
	case rec := <-q.ch:
		return rec, nil
	case <-ctx.Done():
		q.MarkReaderGone()
		return ChunkRecord{}, ctx.Err()
	case <-q.closed:
		// Drena registros já enfileirados antes de reportar fechamento
		select {
		case rec := <-q.ch:
			return rec, nil
		default:
			return ChunkRecord{}, protocol.ErrStreamGone
		}
	}
}

// MarkReaderGone sinaliza que o application desconectou. Chunk POSTs
// subsequentes recebem 410 stream_gone. Idempotente.
func (q *StreamQueue) MarkReaderGone() {
	q.readerOnce.Do(func() { close(q.readerGone) })
}

// Close encerra a fila (timeout, cancel ou shutdown), desbloqueando producer
// e consumer. Idempotente.
func (q *StreamQueue) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
}

// ChunksQueued retorna quantos chunks de dados já foram aceitos (o próximo
// seq esperado). Usado para validar total_chunks no complete.
func (q *StreamQueue) ChunksQueued() int64 {
	q.pushMu.Lock()
	defer q.pushMu.Unlock()
	return q.nextSeq
}
