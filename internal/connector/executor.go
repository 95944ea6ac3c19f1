// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Router License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/nishisan-dev/n-router/internal/config"
	"github.com/nishisan-dev/n-router/internal/protocol"
)

// Executor executa os comandos de dataset recebidos no push channel e
// responde ao router pelo transfer pattern que o comando pede.
type Executor struct {
	cfg       *config.ConnectorConfig
	manifest  *Manifest
	uploader  *Uploader
	offloader *Offloader // nil quando offload não está configurado
	logger    *slog.Logger
}

// NewExecutor cria o executor. offloader pode ser nil (Pattern C desabilitado).
func NewExecutor(cfg *config.ConnectorConfig, manifest *Manifest, uploader *Uploader, offloader *Offloader, logger *slog.Logger) *Executor {
	return &Executor{
		cfg:       cfg,
		manifest:  manifest,
		uploader:  uploader,
		offloader: offloader,
		logger:    logger.With("component", "executor"),
	}
}

// Execute despacha um command frame. Erros de execução são reportados ao
// router (falhando a request); nunca propagam para o caller, que é o read
// loop do push channel.
func (e *Executor) Execute(ctx context.Context, frame protocol.CommandFrame) {
	logger := e.logger.With("request_id", frame.RequestID, "dataset", frame.DatasetName, "command", frame.Command)
	start := time.Now()

	// Delay hint: simula processing time antes de produzir o dataset
	if frame.ProcessingDelayMs > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(frame.ProcessingDelayMs) * time.Millisecond):
		}
	}

	var err error
	switch frame.Command {
	case protocol.CommandGetDataset:
		err = e.runBuffered(ctx, frame)
	case protocol.CommandGetDatasetStream:
		err = e.runStream(ctx, frame)
	case protocol.CommandGetDatasetOffload:
		err = e.runOffload(ctx, frame)
	default:
		logger.Warn("unknown command ignored")
		return
	}

	if err != nil {
		logger.Error("command failed", "error", err, "took", time.Since(start))
		return
	}
	logger.Info("command completed", "took", time.Since(start))
}

// runBuffered lê o dataset inteiro e sobe como resultado único (Pattern A).
func (e *Executor) runBuffered(ctx context.Context, frame protocol.CommandFrame) error {
	f, _, err := e.manifest.Open(frame.DatasetName)
	if err != nil {
		return e.reportError(ctx, frame.RequestID, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return e.reportError(ctx, frame.RequestID, fmt.Errorf("reading dataset %q: %w", frame.DatasetName, err))
	}

	return e.uploader.UploadResult(ctx, frame.RequestID, data)
}

// runStream envia o dataset em chunks sequenciais (Pattern B). Backpressure é
// tratada dentro do uploader (retry do mesmo seq); stream_gone aborta sem
// reportar erro, pois a request já é terminal no router.
func (e *Executor) runStream(ctx context.Context, frame protocol.CommandFrame) error {
	f, size, err := e.manifest.Open(frame.DatasetName)
	if err != nil {
		return e.reportStreamError(ctx, frame.RequestID, err)
	}
	defer f.Close()

	chunkSize := e.cfg.Upload.ChunkSizeRaw
	if err := e.uploader.StreamInit(ctx, frame.RequestID, size, chunkSize); err != nil {
		return err
	}

	buf := make([]byte, chunkSize)
	var seq int64
	for {
		n, readErr := readFullChunk(f, buf)
		if n > 0 {
			if err := e.uploader.StreamChunk(ctx, frame.RequestID, seq, buf[:n]); err != nil {
				if errors.Is(err, ErrStreamAborted) {
					e.logger.Info("stream aborted by router, stopping upload", "request_id", frame.RequestID, "seq", seq)
					return nil
				}
				return err
			}
			seq++
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return e.reportStreamError(ctx, frame.RequestID, fmt.Errorf("reading dataset %q: %w", frame.DatasetName, readErr))
		}
	}

	// Dataset vazio: um chunk vazio antes do sentinela, para o stream sempre
	// carregar pelo menos um chunk
	if seq == 0 {
		if err := e.uploader.StreamChunk(ctx, frame.RequestID, 0, nil); err != nil {
			if errors.Is(err, ErrStreamAborted) {
				e.logger.Info("stream aborted by router, stopping upload", "request_id", frame.RequestID, "seq", 0)
				return nil
			}
			return err
		}
		seq = 1
	}

	return e.uploader.StreamComplete(ctx, frame.RequestID, seq)
}

// runOffload sobe o dataset para o object store e entrega a URL pré-assinada
// (Pattern C).
func (e *Executor) runOffload(ctx context.Context, frame protocol.CommandFrame) error {
	if e.offloader == nil {
		return e.reportError(ctx, frame.RequestID, fmt.Errorf("offload is not configured on this connector"))
	}

	f, size, err := e.manifest.Open(frame.DatasetName)
	if err != nil {
		return e.reportError(ctx, frame.RequestID, err)
	}
	defer f.Close()

	url, expiresAt, err := e.offloader.Offload(ctx, frame.RequestID, frame.DatasetName, f, size)
	if err != nil {
		return e.reportError(ctx, frame.RequestID, err)
	}

	return e.uploader.UploadDownloadURL(ctx, frame.RequestID, url, size, expiresAt)
}

// reportError falha a request no router com a mensagem do erro local.
func (e *Executor) reportError(ctx context.Context, requestID string, cause error) error {
	if err := e.uploader.UploadError(ctx, requestID, cause.Error()); err != nil {
		return fmt.Errorf("reporting %q: %w", cause.Error(), err)
	}
	return cause
}

// reportStreamError falha um stream em andamento.
func (e *Executor) reportStreamError(ctx context.Context, requestID string, cause error) error {
	if err := e.uploader.StreamError(ctx, requestID, cause.Error()); err != nil {
		return fmt.Errorf("reporting %q: %w", cause.Error(), err)
	}
	return cause
}

// readFullChunk lê até encher buf ou chegar ao EOF. Retorna io.EOF apenas
// quando o arquivo acabou (possivelmente com n > 0 no último chunk).
func readFullChunk(f *os.File, buf []byte) (int, error) {
	n, err := io.ReadFull(f, buf)
	if err == io.ErrUnexpectedEOF {
		return n, io.EOF
	}
	return n, err
}
