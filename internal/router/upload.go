// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Router License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package router

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/nishisan-dev/n-router/internal/config"
	"github.com/nishisan-dev/n-router/internal/protocol"
)

// upgrader aceita upgrades de WebSocket no /connect. Connectors autenticam
// por rede (deploy privado), não por origin.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// decodeBody resolve o Content-Encoding do upload. Connectors podem
// comprimir o corpo em trânsito (gzip via pgzip, zstd); a decodificação
// acontece antes do rendezvous, então o application sempre recebe os bytes
// originais do dataset.
func decodeBody(r *http.Request) (io.ReadCloser, error) {
	switch strings.ToLower(r.Header.Get("Content-Encoding")) {
	case "", "identity":
		return r.Body, nil
	case "gzip":
		zr, err := pgzip.NewReader(r.Body)
		if err != nil {
			return nil, fmt.Errorf("opening gzip body: %w", err)
		}
		return zr, nil
	case "zstd":
		zr, err := zstd.NewReader(r.Body)
		if err != nil {
			return nil, fmt.Errorf("opening zstd body: %w", err)
		}
		return zr.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unsupported content-encoding %q", r.Header.Get("Content-Encoding"))
	}
}

// decodeUploadJSON aplica o cap de tamanho e o Content-Encoding, e
// decodifica o corpo JSON do upload em v. O cap vale duas vezes: no corpo
// comprimido (MaxBytesReader) e na saída descomprimida (LimitReader), para
// que um corpo pequeno que expande além do limite falhe o decode em vez de
// materializar o payload inteiro.
func decodeUploadJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	body, err := decodeBody(r)
	if err != nil {
		return err
	}
	defer body.Close()
	return json.NewDecoder(io.LimitReader(body, limit)).Decode(v)
}

// handleResult recebe o upload de resultado do connector (Patterns A e C).
// Exatamente um campo decide o destino: data fulfilla A, download_url
// fulfilla C, error falha a request. Upload para request desconhecida ou já
// terminal não muta estado (404 unknown_request).
func (a *API) handleResult(w http.ResponseWriter, r *http.Request) {
	var up protocol.ResultUpload
	// O corpo JSON de um upload A carrega base64 (~4/3 do payload) mais a
	// folga do envelope
	limit := a.maxBufferedBytes + a.maxBufferedBytes/2 + 64*1024
	if err := decodeUploadJSON(w, r, limit, &up); err != nil {
		writeError(w, protocol.KindPayloadTooLarge, fmt.Sprintf("reading result body: %v", err))
		return
	}
	if up.RequestID == "" {
		writeError(w, protocol.KindProtocolViolation, "request_id is required")
		return
	}

	var err error
	switch {
	case up.Error != "":
		err = a.broker.DeliverError(up.RequestID, up.Error)
	case up.DownloadURL != "":
		size := up.SizeBytes
		err = a.broker.DeliverURL(up.RequestID, up.DownloadURL, size, up.ExpiresAt)
	case up.Data != nil:
		err = a.broker.DeliverData(up.RequestID, up.Data)
	default:
		writeError(w, protocol.KindProtocolViolation, "result must carry data, download_url or error")
		return
	}

	if err != nil {
		kind, msg := mapUploadError(err)
		writeError(w, kind, msg)
		return
	}
	writeJSON(w, http.StatusOK, protocol.Ack{Ack: true})
}

// handleStreamInit marca a request como streaming-active.
func (a *API) handleStreamInit(w http.ResponseWriter, r *http.Request) {
	var init protocol.StreamInit
	if err := decodeUploadJSON(w, r, 64*1024, &init); err != nil {
		writeError(w, protocol.KindProtocolViolation, fmt.Sprintf("reading init body: %v", err))
		return
	}

	req := a.broker.Get(init.RequestID)
	if req == nil || req.State().Terminal() {
		writeError(w, protocol.KindUnknownRequest, "request unknown or already terminal")
		return
	}
	if req.Pattern != PatternB {
		writeError(w, protocol.KindProtocolViolation, fmt.Sprintf("stream init targets pattern %s request", req.Pattern))
		return
	}

	req.MarkStreamActive(init.TotalSize, init.ChunkSize)
	writeJSON(w, http.StatusOK, protocol.Ack{Ack: true})
}

// handleStreamChunk enfileira um chunk, bloqueando para aplicar backpressure
// até backpressureWait. Gap de sequência é protocol violation e aborta a
// request antes que qualquer byte malformado chegue ao application.
func (a *API) handleStreamChunk(w http.ResponseWriter, r *http.Request) {
	var chunk protocol.StreamChunk
	limit := a.maxChunkSize + a.maxChunkSize/2 + 64*1024
	if err := decodeUploadJSON(w, r, limit, &chunk); err != nil {
		writeError(w, protocol.KindPayloadTooLarge, fmt.Sprintf("reading chunk body: %v", err))
		return
	}
	if int64(len(chunk.Data)) > a.maxChunkSize {
		writeError(w, protocol.KindPayloadTooLarge,
			fmt.Sprintf("chunk of %d bytes exceeds max_chunk_size %d", len(chunk.Data), a.maxChunkSize))
		return
	}

	req := a.broker.Get(chunk.RequestID)
	if req == nil || req.Pattern != PatternB {
		writeError(w, protocol.KindUnknownRequest, "request unknown or not a stream")
		return
	}

	err := req.Queue().Push(ChunkRecord{Seq: chunk.Seq, Data: chunk.Data}, a.backpressureWait)
	if err != nil {
		if err == protocol.ErrSequenceGap {
			a.broker.Cancel(chunk.RequestID, protocol.KindProtocolViolation,
				fmt.Sprintf("chunk seq %d arrived out of order", chunk.Seq))
		}
		kind, msg := mapUploadError(err)
		writeError(w, kind, msg)
		return
	}

	req.AddStreamedBytes(len(chunk.Data))
	if a.metrics != nil {
		a.metrics.AddChunks(1)
	}
	writeJSON(w, http.StatusOK, protocol.Ack{Ack: true})
}

// handleStreamComplete enfileira o sentinela terminal e fulfilla a request.
func (a *API) handleStreamComplete(w http.ResponseWriter, r *http.Request) {
	var done protocol.StreamComplete
	if err := decodeUploadJSON(w, r, 64*1024, &done); err != nil {
		writeError(w, protocol.KindProtocolViolation, fmt.Sprintf("reading complete body: %v", err))
		return
	}

	if err := a.broker.CompleteStream(done.RequestID, done.TotalChunks, a.backpressureWait); err != nil {
		kind, msg := mapUploadError(err)
		writeError(w, kind, msg)
		return
	}
	writeJSON(w, http.StatusOK, protocol.Ack{Ack: true})
}

// handleStreamError falha a request com o erro reportado pelo connector.
func (a *API) handleStreamError(w http.ResponseWriter, r *http.Request) {
	var streamErr protocol.StreamErrorUpload
	if err := decodeUploadJSON(w, r, 64*1024, &streamErr); err != nil {
		writeError(w, protocol.KindProtocolViolation, fmt.Sprintf("reading error body: %v", err))
		return
	}

	if err := a.broker.FailStream(streamErr.RequestID, streamErr.Message, time.Second); err != nil {
		kind, msg := mapUploadError(err)
		writeError(w, kind, msg)
		return
	}
	writeJSON(w, http.StatusOK, protocol.Ack{Ack: true})
}

// handleConnect aceita o push channel de um connector. Upgrade de WebSocket
// quando solicitado; caso contrário a conexão vira um stream SSE mantido
// aberto. A registry é indiferente ao transporte.
func (a *API) handleConnect(w http.ResponseWriter, r *http.Request) {
	mac := config.NormalizeMac(r.URL.Query().Get("mac"))
	if mac == "" {
		writeError(w, protocol.KindProtocolViolation, "mac query parameter is required")
		return
	}

	if websocket.IsWebSocketUpgrade(r) {
		a.acceptWebSocket(w, r, mac)
		return
	}
	a.acceptSSE(w, r, mac)
}

// acceptWebSocket instala a sessão WS e roda o read loop de pongs.
func (a *API) acceptWebSocket(w http.ResponseWriter, r *http.Request, mac string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "mac", mac, "error", err)
		return
	}

	sess := a.registry.Register(mac, NewWSChannel(conn))
	conn.SetReadLimit(64 * 1024)

	// Read loop: consome pongs até a conexão morrer. Dois acks perdidos
	// evictam via heartbeat; o read deadline cobre conexões half-open.
	for {
		conn.SetReadDeadline(time.Now().Add(3 * a.keepalive))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var pong protocol.PongFrame
		if err := json.Unmarshal(msg, &pong); err == nil && pong.Type == "pong" {
			sess.TouchPong(pong.Stats)
		}
	}

	a.registry.Unregister(sess)
}

// acceptSSE instala a sessão SSE e mantém a resposta aberta até o canal
// fechar. Pongs de sessões SSE chegam via POST /connect/pong.
func (a *API) acceptSSE(w http.ResponseWriter, r *http.Request, mac string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, protocol.KindInternalError, "response writer does not support streaming")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	channel := NewSSEChannel(w, flusher)
	sess := a.registry.Register(mac, channel)

	select {
	case <-r.Context().Done():
		a.registry.Unregister(sess)
	case <-channel.Done():
		// Evicted pela registry (substituição, keepalive ou shutdown)
	}
}

// handleConnectPong registra o keep-alive ack de uma sessão SSE.
func (a *API) handleConnectPong(w http.ResponseWriter, r *http.Request) {
	var pong protocol.PongFrame
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&pong); err != nil {
		writeError(w, protocol.KindProtocolViolation, fmt.Sprintf("decoding pong body: %v", err))
		return
	}

	mac := config.NormalizeMac(pong.Mac)
	if mac == "" {
		writeError(w, protocol.KindProtocolViolation, "mac is required")
		return
	}
	if !a.registry.Pong(mac, pong.Stats) {
		writeError(w, protocol.KindNoSuchConnector, "no session for mac")
		return
	}
	writeJSON(w, http.StatusOK, protocol.Ack{Ack: true})
}
