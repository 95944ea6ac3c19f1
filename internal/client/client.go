// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Router License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package client implementa o lado Application do router: requests síncronas
// dos três transfer patterns, o fluxo assíncrono legado com polling e as
// consultas de status e inventário.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nishisan-dev/n-router/internal/config"
	"github.com/nishisan-dev/n-router/internal/protocol"
)

// Statuses locais do client (além dos estados reportados pelo router).
const (
	StatusCompleted = "completed"
	StatusError     = "error"
	StatusTimeout   = "timeout"
	StatusPending   = "pending"
)

// APIError é um erro estruturado vindo da superfície HTTP do router.
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("router replied %d (%s): %s", e.StatusCode, e.Kind, e.Message)
}

// Result é o resultado de uma request de dataset, com os timestamps locais
// (t0 envio, t4 recepção completa) para o cálculo de métricas.
type Result struct {
	RequestID    string
	Status       string
	Data         []byte
	SizeBytes    int64
	DownloadURL  string
	ExpiresAt    string
	ErrorMessage string
	Timings      protocol.Timings

	T0Sent     time.Time
	T4Received time.Time
}

// TTFB retorna o tempo total da request do ponto de vista da Application.
func (r *Result) TTFB() time.Duration {
	if r.T4Received.IsZero() || r.T0Sent.IsZero() {
		return 0
	}
	return r.T4Received.Sub(r.T0Sent)
}

// APIClient fala com a superfície application-facing do router.
type APIClient struct {
	baseURL         string
	client          *http.Client
	pollInterval    time.Duration
	maxPollAttempts int
}

// New cria um APIClient a partir da config do CLI.
func New(cfg *config.CLIConfig) *APIClient {
	return &APIClient{
		baseURL:         cfg.Router.BaseURL,
		client:          &http.Client{Timeout: cfg.Router.Timeout},
		pollInterval:    cfg.Polling.Interval,
		maxPollAttempts: cfg.Polling.MaxAttempts,
	}
}

// Health verifica se o router está de pé.
func (c *APIClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check: router replied %s", resp.Status)
	}
	return nil
}

// RequestSync executa o Pattern A: o router bufferiza o dataset inteiro e
// responde com os bytes em uma única resposta.
func (c *APIClient) RequestSync(ctx context.Context, mac, dataset string, opts ...RequestOption) (*Result, error) {
	t0 := time.Now()
	resp, err := c.postDatasetRequest(ctx, "/datasets/request-sync", mac, dataset, opts)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}

	var sync protocol.SyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&sync); err != nil {
		return nil, fmt.Errorf("decoding sync response: %w", err)
	}

	return &Result{
		RequestID:  sync.RequestID,
		Status:     StatusCompleted,
		Data:       sync.Data,
		SizeBytes:  sync.SizeBytes,
		Timings:    sync.Timings,
		T0Sent:     t0,
		T4Received: time.Now(),
	}, nil
}

// RequestStream executa o Pattern B: o corpo da resposta é o dataset em
// streaming, copiado para w. Timings e estado final chegam nos trailers.
func (c *APIClient) RequestStream(ctx context.Context, mac, dataset string, w io.Writer, opts ...RequestOption) (*Result, error) {
	t0 := time.Now()
	resp, err := c.postDatasetRequest(ctx, "/datasets/request-stream", mac, dataset, opts)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading stream body: %w", err)
	}

	// Trailers só existem após o EOF do corpo
	result := &Result{
		RequestID:  resp.Header.Get("X-Nrouter-Request-Id"),
		Status:     StatusCompleted,
		SizeBytes:  n,
		T0Sent:     t0,
		T4Received: time.Now(),
	}
	if raw := resp.Trailer.Get("X-Nrouter-Timings"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &result.Timings); err != nil {
			return nil, fmt.Errorf("decoding timings trailer: %w", err)
		}
	}
	if state := resp.Trailer.Get("X-Nrouter-State"); state != "" && state != "fulfilled" {
		result.Status = StatusError
		result.ErrorMessage = fmt.Sprintf("stream ended in state %q", state)
	}
	return result, nil
}

// RequestOffload executa o Pattern C: o router responde com a URL pré-assinada
// do object store; os bytes nunca passam pelo router.
func (c *APIClient) RequestOffload(ctx context.Context, mac, dataset string, opts ...RequestOption) (*Result, error) {
	t0 := time.Now()
	resp, err := c.postDatasetRequest(ctx, "/datasets/request-offload", mac, dataset, opts)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}

	var off protocol.OffloadResponse
	if err := json.NewDecoder(resp.Body).Decode(&off); err != nil {
		return nil, fmt.Errorf("decoding offload response: %w", err)
	}

	return &Result{
		RequestID:   off.RequestID,
		Status:      StatusCompleted,
		DownloadURL: off.DownloadURL,
		SizeBytes:   off.SizeBytes,
		ExpiresAt:   off.ExpiresAt,
		Timings:     off.Timings,
		T0Sent:      t0,
		T4Received:  time.Now(),
	}, nil
}

// RequestDataset executa o fluxo assíncrono legado: POST /datasets/request
// (202 + request_id) e, se wait for true, polling do status até terminal.
func (c *APIClient) RequestDataset(ctx context.Context, mac, dataset string, wait bool, opts ...RequestOption) (*Result, error) {
	t0 := time.Now()
	resp, err := c.postDatasetRequest(ctx, "/datasets/request", mac, dataset, opts)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, decodeAPIError(resp)
	}

	var accepted protocol.AsyncAccepted
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		return nil, fmt.Errorf("decoding accept response: %w", err)
	}

	if !wait {
		return &Result{RequestID: accepted.RequestID, Status: StatusPending, T0Sent: t0}, nil
	}
	return c.pollForResult(ctx, accepted.RequestID, t0)
}

// pollForResult consulta o status legado até a request ficar terminal ou o
// número máximo de tentativas esgotar.
func (c *APIClient) pollForResult(ctx context.Context, requestID string, t0 time.Time) (*Result, error) {
	url := c.baseURL + "/datasets/" + requestID + "/status"

	for attempt := 0; attempt < c.maxPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		status, err := c.fetchLegacyStatus(ctx, url)
		if err == nil && (status.Status == StatusCompleted || status.Status == StatusError) {
			result := &Result{
				RequestID:    requestID,
				Status:       status.Status,
				Data:         status.Data,
				SizeBytes:    status.DataSizeBytes,
				DownloadURL:  status.DownloadURL,
				ErrorMessage: status.ErrorMessage,
				T0Sent:       t0,
				T4Received:   time.Now(),
			}
			fillTimings(&result.Timings, status.Timestamps)
			return result, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}

	return &Result{
		RequestID:    requestID,
		Status:       StatusTimeout,
		ErrorMessage: fmt.Sprintf("no terminal status after %d poll attempts", c.maxPollAttempts),
		T0Sent:       t0,
		T4Received:   time.Now(),
	}, nil
}

func (c *APIClient) fetchLegacyStatus(ctx context.Context, url string) (*protocol.LegacyStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}

	var status protocol.LegacyStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}
	return &status, nil
}

// Status consulta o status de uma request no shape atual.
func (c *APIClient) Status(ctx context.Context, requestID string) (*protocol.StatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/datasets/status/"+requestID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}

	var status protocol.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}
	return &status, nil
}

// ListActiveHosts lista os connectors conectados no shape legado.
func (c *APIClient) ListActiveHosts(ctx context.Context) (*protocol.ActiveHosts, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/hosts/active", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing hosts: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}

	var hosts protocol.ActiveHosts
	if err := json.NewDecoder(resp.Body).Decode(&hosts); err != nil {
		return nil, fmt.Errorf("decoding hosts: %w", err)
	}
	return &hosts, nil
}

// ListConnectors lista os connectors conectados.
func (c *APIClient) ListConnectors(ctx context.Context) ([]protocol.ConnectorEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/connectors", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing connectors: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}

	var entries []protocol.ConnectorEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decoding connectors: %w", err)
	}
	return entries, nil
}

// RequestOption ajusta uma request de dataset.
type RequestOption func(*protocol.DatasetRequest)

// WithTimeout define o timeout do rendezvous no router (timeout_s).
func WithTimeout(d time.Duration) RequestOption {
	return func(r *protocol.DatasetRequest) {
		secs := int(d.Seconds())
		if secs < 1 {
			secs = 1
		}
		r.TimeoutS = secs
	}
}

// WithProcessingDelay define o delay hint repassado ao connector.
func WithProcessingDelay(d time.Duration) RequestOption {
	return func(r *protocol.DatasetRequest) { r.ProcessingDelayMs = d.Milliseconds() }
}

func (c *APIClient) postDatasetRequest(ctx context.Context, path, mac, dataset string, opts []RequestOption) (*http.Response, error) {
	body := protocol.DatasetRequest{Mac: mac, Dataset: dataset}
	for _, opt := range opts {
		opt(&body)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting %s: %w", path, err)
	}
	return resp, nil
}

// decodeAPIError transforma uma resposta de erro do router em *APIError.
func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body protocol.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body); err == nil {
		apiErr.Kind = body.Error
		apiErr.Message = body.Message
	}
	return apiErr
}

// fillTimings converte o mapa de timestamps legado para Timings.
func fillTimings(t *protocol.Timings, stamps map[string]int64) {
	if stamps == nil {
		return
	}
	t.T1RouterRecv = stamps["t1_router_recv"]
	t.TDispatch = stamps["t_dispatch"]
	t.TResultRecv = stamps["t_result_recv"]
	t.TRespond = stamps["t_respond"]
}
