// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Router License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/nishisan-dev/n-router/internal/config"
	"github.com/nishisan-dev/n-router/internal/protocol"
)

// startTime registra quando o processo iniciou (para cálculo de uptime).
var startTime = time.Now()

// Version é preenchida via ldflags no build (-X ...Version=x.y.z).
var Version = "dev"

// API é a superfície HTTP do router: endpoints application-facing
// (request-sync/stream/offload, status, discovery) e connector-facing
// (result, stream/*, /connect). Singleton criado no startup.
type API struct {
	registry *Registry
	broker   *Broker
	metrics  *Metrics
	logger   *slog.Logger

	keepalive        time.Duration
	maxBufferedBytes int64
	maxChunkSize     int64

	// backpressureWait é quanto um chunk POST bloqueia esperando capacidade
	// antes de responder 503 + Retry-After.
	backpressureWait time.Duration
}

// NewAPI cria a superfície HTTP a partir da config do broker.
func NewAPI(registry *Registry, broker *Broker, metrics *Metrics, cfg *config.RouterConfig, logger *slog.Logger) *API {
	return &API{
		registry:         registry,
		broker:           broker,
		metrics:          metrics,
		logger:           logger.With("component", "api"),
		keepalive:        cfg.Broker.KeepaliveInterval,
		maxBufferedBytes: cfg.Broker.MaxBufferedRaw,
		maxChunkSize:     cfg.Broker.MaxChunkRaw,
		backpressureWait: 10 * time.Second,
	}
}

// Routes monta o mux com toda a superfície HTTP.
func (a *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Application-facing
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /connectors", a.handleConnectors)
	mux.HandleFunc("GET /hosts/active", a.handleHostsActive)
	mux.HandleFunc("POST /datasets/request-sync", a.handleRequestSync)
	mux.HandleFunc("POST /datasets/request-stream", a.handleRequestStream)
	mux.HandleFunc("POST /datasets/request-offload", a.handleRequestOffload)
	mux.HandleFunc("POST /datasets/request", a.handleRequestAsync)
	// GET /datasets/status/{id} (shape atual) e GET /datasets/{id}/status
	// (shape legado) colidem nos patterns do ServeMux; o dispatch é manual.
	mux.HandleFunc("GET /datasets/", a.handleDatasetGet)

	// Connector-facing
	mux.HandleFunc("POST /datasets/result", a.handleResult)
	mux.HandleFunc("POST /datasets/stream/init", a.handleStreamInit)
	mux.HandleFunc("POST /datasets/stream/chunk", a.handleStreamChunk)
	mux.HandleFunc("POST /datasets/stream/complete", a.handleStreamComplete)
	mux.HandleFunc("POST /datasets/stream/error", a.handleStreamError)
	mux.HandleFunc("GET /connect", a.handleConnect)
	mux.HandleFunc("POST /connect/pong", a.handleConnectPong)

	return mux
}

// handleHealth responde o probe simples usado pelos clients.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"uptime":  time.Since(startTime).String(),
		"version": Version,
		"go":      runtime.Version(),
	})
}

// handleConnectors retorna o snapshot da session registry.
func (a *API) handleConnectors(w http.ResponseWriter, r *http.Request) {
	sessions := a.registry.List()
	out := make([]protocol.ConnectorEntry, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, protocol.ConnectorEntry{
			Mac:         s.Mac,
			ConnectedAt: s.ConnectedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleHostsActive retorna o snapshot no shape legado de /hosts/active.
func (a *API) handleHostsActive(w http.ResponseWriter, r *http.Request) {
	sessions := a.registry.List()
	out := protocol.ActiveHosts{Count: len(sessions), Connectors: make([]protocol.ActiveHost, 0, len(sessions))}
	for _, s := range sessions {
		out.Connectors = append(out.Connectors, protocol.ActiveHost{
			MacAddress:  s.Mac,
			Status:      "connected",
			ConnectedAt: s.ConnectedAt.UTC().Format(time.RFC3339),
			LastPing:    s.LastPong().UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// parseDatasetRequest decodifica e normaliza o corpo dos endpoints
// application-facing. Timeout efetivo vem de timeout_s quando presente.
func (a *API) parseDatasetRequest(w http.ResponseWriter, r *http.Request) (*protocol.DatasetRequest, time.Duration, bool) {
	var req protocol.DatasetRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
		writeError(w, protocol.KindProtocolViolation, fmt.Sprintf("decoding request body: %v", err))
		return nil, 0, false
	}
	if err := req.Normalize(); err != nil {
		writeError(w, protocol.KindProtocolViolation, err.Error())
		return nil, 0, false
	}
	req.Mac = config.NormalizeMac(req.Mac)
	return &req, time.Duration(req.TimeoutS) * time.Second, true
}

// handleRequestSync implementa o Pattern A: begin, dispatch, bloqueia no
// waitable até fulfillment ou deadline, devolve o corpo inteiro em JSON.
func (a *API) handleRequestSync(w http.ResponseWriter, r *http.Request) {
	dsReq, timeout, ok := a.parseDatasetRequest(w, r)
	if !ok {
		return
	}

	req, err := a.broker.Begin(dsReq.Mac, dsReq.Dataset, PatternA, timeout, dsReq.ProcessingDelayMs, false)
	if err != nil {
		writeError(w, protocol.KindShutdown, err.Error())
		return
	}
	if err := a.broker.Dispatch(req); err != nil {
		a.writeRequestError(w, req)
		return
	}

	a.waitAndRespondBuffered(w, r, req)
}

// handleRequestOffload implementa o Pattern C: o router devolve a URL do
// object store sem nunca tocar os bytes.
func (a *API) handleRequestOffload(w http.ResponseWriter, r *http.Request) {
	dsReq, timeout, ok := a.parseDatasetRequest(w, r)
	if !ok {
		return
	}

	req, err := a.broker.Begin(dsReq.Mac, dsReq.Dataset, PatternC, timeout, dsReq.ProcessingDelayMs, false)
	if err != nil {
		writeError(w, protocol.KindShutdown, err.Error())
		return
	}
	if err := a.broker.Dispatch(req); err != nil {
		a.writeRequestError(w, req)
		return
	}

	a.waitAndRespondBuffered(w, r, req)
}

// waitAndRespondBuffered bloqueia no waitable e responde para os patterns
// A e C. Disconnect do application cancela a request.
func (a *API) waitAndRespondBuffered(w http.ResponseWriter, r *http.Request, req *PendingRequest) {
	select {
	case <-req.Done():
	case <-r.Context().Done():
		a.broker.Cancel(req.ID, protocol.KindClientDisconnected, "application closed the connection")
		return
	}

	req.MarkResponded()
	data, url, size, expiresAt, errKind, errMsg := req.Result()

	if req.State() != StateFulfilled {
		a.writeRequestErrorKind(w, errKind, errMsg)
		return
	}

	if req.Pattern == PatternC {
		writeJSON(w, http.StatusOK, protocol.OffloadResponse{
			Status:      "success",
			RequestID:   req.ID,
			DownloadURL: url,
			SizeBytes:   size,
			ExpiresAt:   expiresAt,
			Timings:     req.Timings(),
		})
		return
	}

	writeJSON(w, http.StatusOK, protocol.SyncResponse{
		Status:    "success",
		RequestID: req.ID,
		Data:      data,
		SizeBytes: size,
		Timings:   req.Timings(),
	})
}

// handleRequestStream implementa o Pattern B: mantém a resposta aberta e
// escreve cada chunk desenfileirado em ordem de sequence number. Headers são
// flushed no primeiro chunk; timings e estado final vão em trailers.
func (a *API) handleRequestStream(w http.ResponseWriter, r *http.Request) {
	dsReq, timeout, ok := a.parseDatasetRequest(w, r)
	if !ok {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeError(w, protocol.KindInternalError, "response writer does not support streaming")
		return
	}

	req, err := a.broker.Begin(dsReq.Mac, dsReq.Dataset, PatternB, timeout, dsReq.ProcessingDelayMs, false)
	if err != nil {
		writeError(w, protocol.KindShutdown, err.Error())
		return
	}
	if err := a.broker.Dispatch(req); err != nil {
		a.writeRequestError(w, req)
		return
	}

	if a.metrics != nil {
		a.metrics.StreamOpened()
		defer a.metrics.StreamClosed()
	}

	queue := req.Queue()
	// Reader-gone: chunk POSTs subsequentes recebem 410 stream_gone
	defer queue.MarkReaderGone()

	wrote := false
	for {
		rec, err := queue.Pop(r.Context())
		if err != nil {
			if r.Context().Err() != nil {
				a.broker.Cancel(req.ID, protocol.KindClientDisconnected, "application closed the connection")
				return
			}
			// Fila fechada por transição terminal (timeout/cancel/falha)
			a.finishStream(w, req, wrote)
			return
		}

		if rec.Terminal {
			if rec.Err != "" {
				req.MarkResponded()
				_, _, _, _, errKind, errMsg := req.Result()
				if errKind == "" {
					errKind, errMsg = protocol.KindInternalError, rec.Err
				}
				if !wrote {
					a.writeRequestErrorKind(w, errKind, errMsg)
				} else {
					a.writeStreamTrailers(w, req, wrote)
				}
				return
			}
			req.MarkResponded()
			a.writeStreamTrailers(w, req, wrote)
			return
		}

		if !wrote {
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Header().Set("X-Nrouter-Request-Id", req.ID)
			w.Header().Set("Trailer", "X-Nrouter-Timings, X-Nrouter-State")
			w.WriteHeader(http.StatusOK)
			wrote = true
		}
		if len(rec.Data) > 0 {
			if _, err := w.Write(rec.Data); err != nil {
				a.broker.Cancel(req.ID, protocol.KindClientDisconnected, "write to application failed")
				return
			}
		}
		flusher.Flush()
	}
}

// finishStream encerra a resposta de streaming após falha. Se nada foi
// escrito ainda, devolve o erro mapeado; caso contrário o corpo já tem bytes
// parciais (que não podem ser des-enviados) e o estado vai nos trailers.
func (a *API) finishStream(w http.ResponseWriter, req *PendingRequest, wrote bool) {
	req.MarkResponded()
	_, _, _, _, errKind, errMsg := req.Result()
	if !wrote {
		a.writeRequestErrorKind(w, errKind, errMsg)
		return
	}
	a.writeStreamTrailers(w, req, wrote)
}

// writeStreamTrailers grava os trailers de timings e estado final.
func (a *API) writeStreamTrailers(w http.ResponseWriter, req *PendingRequest, wrote bool) {
	if !wrote {
		// Dataset vazio sem nenhum chunk: ainda assim respondemos 200
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("X-Nrouter-Request-Id", req.ID)
		w.Header().Set("Trailer", "X-Nrouter-Timings, X-Nrouter-State")
		w.WriteHeader(http.StatusOK)
	}
	timings, _ := json.Marshal(req.Timings())
	w.Header().Set("X-Nrouter-Timings", string(timings))
	w.Header().Set("X-Nrouter-State", string(req.State()))
}

// handleRequestAsync implementa o fluxo legado: 202 + request_id, resultado
// via polling em GET /datasets/{id}/status. Pattern A com retenção pós-terminal.
func (a *API) handleRequestAsync(w http.ResponseWriter, r *http.Request) {
	dsReq, timeout, ok := a.parseDatasetRequest(w, r)
	if !ok {
		return
	}

	req, err := a.broker.Begin(dsReq.Mac, dsReq.Dataset, PatternA, timeout, dsReq.ProcessingDelayMs, true)
	if err != nil {
		writeError(w, protocol.KindShutdown, err.Error())
		return
	}
	if err := a.broker.Dispatch(req); err != nil {
		a.writeRequestError(w, req)
		return
	}

	writeJSON(w, http.StatusAccepted, protocol.AsyncAccepted{RequestID: req.ID, Status: "pending"})
}

// handleDatasetGet despacha manualmente os dois formatos de status:
// /datasets/status/{id} (shape atual) e /datasets/{id}/status (shape legado).
func (a *API) handleDatasetGet(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/datasets/"), "/")
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 2 && parts[0] == "status":
		a.writeStatus(w, parts[1])
	case len(parts) == 2 && parts[1] == "status":
		a.writeLegacyStatus(w, parts[0])
	default:
		http.NotFound(w, r)
	}
}

// writeStatus responde GET /datasets/status/{request_id}. Idempotente:
// estado consistente até a transição terminal, 404 após o sweep.
func (a *API) writeStatus(w http.ResponseWriter, id string) {
	req := a.broker.Get(id)
	if req == nil {
		writeError(w, protocol.KindUnknownRequest, "no such request")
		return
	}

	_, _, _, _, errKind, errMsg := req.Result()
	writeJSON(w, http.StatusOK, protocol.StatusResponse{
		RequestID: req.ID,
		State:     string(req.State()),
		Pattern:   string(req.Pattern),
		Timings:   req.Timings(),
		Error:     errKind,
		Message:   errMsg,
	})
}

// writeLegacyStatus responde GET /datasets/{request_id}/status no shape dos
// clients originais: status ∈ {pending, dispatched, completed, error}, data
// inline para resultados Pattern A completados.
func (a *API) writeLegacyStatus(w http.ResponseWriter, id string) {
	req := a.broker.Get(id)
	if req == nil {
		writeError(w, protocol.KindUnknownRequest, "no such request")
		return
	}

	data, url, size, _, errKind, errMsg := req.Result()
	t := req.Timings()

	out := protocol.LegacyStatus{RequestID: req.ID}
	switch req.State() {
	case StatePending:
		out.Status = "pending"
	case StateDispatched:
		out.Status = "dispatched"
	case StateFulfilled:
		out.Status = "completed"
		out.Data = data
		out.DataSizeBytes = size
		out.DownloadURL = url
	default:
		out.Status = "error"
		out.ErrorMessage = errKind
		if errMsg != "" {
			out.ErrorMessage = errKind + ": " + errMsg
		}
	}

	out.Timestamps = map[string]int64{}
	if t.T1RouterRecv != 0 {
		out.Timestamps["t1_router_recv"] = t.T1RouterRecv
	}
	if t.TDispatch != 0 {
		out.Timestamps["t_dispatch"] = t.TDispatch
	}
	if t.TResultRecv != 0 {
		out.Timestamps["t_result_recv"] = t.TResultRecv
	}
	if t.TRespond != 0 {
		out.Timestamps["t_respond"] = t.TRespond
	}

	writeJSON(w, http.StatusOK, out)
}

// writeRequestError responde com o erro terminal da request.
func (a *API) writeRequestError(w http.ResponseWriter, req *PendingRequest) {
	_, _, _, _, errKind, errMsg := req.Result()
	a.writeRequestErrorKind(w, errKind, errMsg)
}

func (a *API) writeRequestErrorKind(w http.ResponseWriter, kind, message string) {
	if kind == "" {
		kind = protocol.KindInternalError
	}
	writeError(w, kind, message)
}

// writeJSON serializa v como JSON e envia com o status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError envia o corpo de erro padrão com o status HTTP do kind.
func writeError(w http.ResponseWriter, kind, message string) {
	if kind == protocol.KindBackpressure {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, protocol.HTTPStatus(kind), protocol.ErrorResponse{
		Status:  "error",
		Error:   kind,
		Message: message,
	})
}

// mapUploadError traduz os sentinelas do broker/fila para kinds HTTP.
func mapUploadError(err error) (kind, message string) {
	switch {
	case errors.Is(err, protocol.ErrUnknownRequest), errors.Is(err, protocol.ErrAlreadyTerminal):
		// Upload tardio ou request desconhecida: não muta estado, 404
		return protocol.KindUnknownRequest, "request unknown or already terminal"
	case errors.Is(err, protocol.ErrPatternMismatch), errors.Is(err, protocol.ErrSequenceGap):
		return protocol.KindProtocolViolation, err.Error()
	case errors.Is(err, protocol.ErrPayloadTooLarge):
		return protocol.KindPayloadTooLarge, err.Error()
	case errors.Is(err, protocol.ErrStreamGone):
		return protocol.KindStreamGone, "stream reader is gone"
	case errors.Is(err, protocol.ErrBackpressure):
		return protocol.KindBackpressure, "stream queue is full, retry"
	default:
		return protocol.KindInternalError, err.Error()
	}
}
