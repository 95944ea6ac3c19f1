// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Router License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/nishisan-dev/n-router/internal/config"
	"github.com/nishisan-dev/n-router/internal/protocol"
)

// ErrStreamAborted sinaliza que o router descartou o stream (410 stream_gone):
// o application desconectou e não há por que continuar enviando chunks.
var ErrStreamAborted = errors.New("connector: stream aborted by router")

// UploadError é um erro estruturado vindo da superfície HTTP do router.
type UploadError struct {
	StatusCode int
	Kind       string
	Message    string
	RetryAfter time.Duration
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("router replied %d (%s): %s", e.StatusCode, e.Kind, e.Message)
}

// Uploader faz os POSTs connector-facing para o router: resultados (Pattern A
// e C) e o protocolo de streaming (Pattern B). Compressão e throttle de banda
// são aplicados por configuração.
type Uploader struct {
	cfg    *config.ConnectorConfig
	client *http.Client
	logger *slog.Logger
}

// NewUploader cria o uploader a partir da config do connector.
func NewUploader(cfg *config.ConnectorConfig, logger *slog.Logger) *Uploader {
	return &Uploader{
		cfg: cfg,
		// Sem timeout global: uploads grandes e chunk POSTs sob backpressure
		// são longos por natureza; cancelamento vem do context.
		client: &http.Client{},
		logger: logger.With("component", "uploader"),
	}
}

// UploadResult sobe o resultado bufferizado de um comando get_dataset (Pattern A).
func (u *Uploader) UploadResult(ctx context.Context, requestID string, data []byte) error {
	return u.post(ctx, "/datasets/result", protocol.ResultUpload{RequestID: requestID, Data: data})
}

// UploadDownloadURL sobe a URL pré-assinada de um offload (Pattern C).
func (u *Uploader) UploadDownloadURL(ctx context.Context, requestID, url string, size int64, expiresAt string) error {
	return u.post(ctx, "/datasets/result", protocol.ResultUpload{
		RequestID:   requestID,
		DownloadURL: url,
		SizeBytes:   size,
		ExpiresAt:   expiresAt,
	})
}

// UploadError reporta uma falha de execução ao router, falhando a request.
func (u *Uploader) UploadError(ctx context.Context, requestID, message string) error {
	return u.post(ctx, "/datasets/result", protocol.ResultUpload{RequestID: requestID, Error: message})
}

// StreamInit abre o protocolo de streaming de um get_dataset_stream.
func (u *Uploader) StreamInit(ctx context.Context, requestID string, totalSize, chunkSize int64) error {
	return u.post(ctx, "/datasets/stream/init", protocol.StreamInit{
		RequestID: requestID,
		TotalSize: totalSize,
		ChunkSize: chunkSize,
	})
}

// StreamChunk envia um chunk, retentando o MESMO seq sob backpressure (503 +
// Retry-After). 410 stream_gone aborta com ErrStreamAborted: o application
// desconectou e o stream inteiro é descartado.
func (u *Uploader) StreamChunk(ctx context.Context, requestID string, seq int64, data []byte) error {
	return u.postWithBackpressure(ctx, "/datasets/stream/chunk", protocol.StreamChunk{
		RequestID: requestID,
		Seq:       seq,
		Data:      data,
	})
}

// StreamComplete fecha o stream declarando o total de chunks enviados.
func (u *Uploader) StreamComplete(ctx context.Context, requestID string, totalChunks int64) error {
	return u.postWithBackpressure(ctx, "/datasets/stream/complete", protocol.StreamComplete{
		RequestID:   requestID,
		TotalChunks: totalChunks,
	})
}

// StreamError reporta uma falha no meio do stream.
func (u *Uploader) StreamError(ctx context.Context, requestID, message string) error {
	return u.post(ctx, "/datasets/stream/error", protocol.StreamErrorUpload{
		RequestID: requestID,
		Message:   message,
	})
}

// postWithBackpressure retenta o POST enquanto o router responder 503
// backpressure, respeitando Retry-After. Qualquer outro erro é propagado.
func (u *Uploader) postWithBackpressure(ctx context.Context, path string, v any) error {
	for {
		err := u.post(ctx, path, v)
		if err == nil {
			return nil
		}

		var upErr *UploadError
		if !errors.As(err, &upErr) || upErr.Kind != protocol.KindBackpressure {
			return err
		}

		wait := upErr.RetryAfter
		if wait <= 0 {
			wait = time.Second
		}
		u.logger.Debug("backpressure from router, retrying", "path", path, "wait", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// post serializa v como JSON, aplica compressão e throttle, e envia o POST.
func (u *Uploader) post(ctx context.Context, path string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s body: %w", path, err)
	}

	body, encoding, err := u.compress(payload)
	if err != nil {
		return err
	}

	var reader io.Reader = bytes.NewReader(body)
	reader = NewThrottledReader(ctx, reader, u.cfg.Upload.ThrottleBpsRaw)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.cfg.Router.URL+path, reader)
	if err != nil {
		return fmt.Errorf("building %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	upErr := &UploadError{StatusCode: resp.StatusCode}
	var errResp protocol.ErrorResponse
	if decErr := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&errResp); decErr == nil {
		upErr.Kind = errResp.Error
		upErr.Message = errResp.Message
	}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, convErr := strconv.Atoi(ra); convErr == nil {
			upErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	if resp.StatusCode == http.StatusGone {
		return fmt.Errorf("%w: %s", ErrStreamAborted, upErr.Message)
	}
	return upErr
}

// compress aplica o Content-Encoding configurado ao corpo do upload.
func (u *Uploader) compress(payload []byte) ([]byte, string, error) {
	switch u.cfg.Upload.Compression {
	case "gzip":
		var buf bytes.Buffer
		zw := pgzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return nil, "", fmt.Errorf("gzip compressing upload: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, "", fmt.Errorf("gzip compressing upload: %w", err)
		}
		return buf.Bytes(), "gzip", nil
	case "zstd":
		var buf bytes.Buffer
		zw, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, "", fmt.Errorf("zstd compressing upload: %w", err)
		}
		if _, err := zw.Write(payload); err != nil {
			return nil, "", fmt.Errorf("zstd compressing upload: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, "", fmt.Errorf("zstd compressing upload: %w", err)
		}
		return buf.Bytes(), "zstd", nil
	default:
		return payload, "", nil
	}
}
