// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Router License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nishisan-dev/n-router/internal/config"
	"github.com/nishisan-dev/n-router/internal/router/observability"
)

// ErrStartup marca falhas antes do router começar a servir, para o main
// distinguir falha de startup (exit 1) de erro fatal em runtime (exit 2).
var ErrStartup = errors.New("router startup")

// Run monta e inicia o nrouter-server: registry, broker, superfície HTTP e
// (opcional) o listener de observabilidade. Bloqueia até o context ser
// cancelado e então drena gracefully.
func Run(ctx context.Context, cfg *config.RouterConfig, logger *slog.Logger) error {
	metrics := NewMetrics()

	// Event sink: persistido em JSONL quando a web UI está habilitada
	var events EventSink = NopEvents{}
	var store *observability.EventStore
	if cfg.WebUI.Enabled {
		var err error
		store, err = observability.NewEventStore(cfg.WebUI.EventsFile, 500, cfg.WebUI.EventsMaxLines)
		if err != nil {
			return fmt.Errorf("%w: opening event store: %v", ErrStartup, err)
		}
		defer store.Close()
		events = store
	}

	registry := NewRegistry(cfg.Broker.KeepaliveInterval, cfg.Logging.SessionLogDir, logger, events, metrics)
	broker := NewBroker(BrokerConfig{
		RequestTimeout:   cfg.Broker.RequestTimeout,
		MaxBufferedBytes: cfg.Broker.MaxBufferedRaw,
		StreamQueueDepth: cfg.Broker.StreamQueueDepth,
		MaxChunkSize:     cfg.Broker.MaxChunkRaw,
		CompletedTTL:     cfg.Broker.CompletedTTL,
	}, registry, logger, events, metrics)

	registry.Start()
	broker.Start()

	api := NewAPI(registry, broker, metrics, cfg, logger)

	srv := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      api.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("router listening", "address", cfg.Server.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("router listener: %w", err)
		}
	}()

	var obsSrv *http.Server
	if cfg.WebUI.Enabled {
		acl := observability.NewACL(cfg.WebUI.ParsedCIDRs)
		stats := &statsAdapter{registry: registry, broker: broker}
		obsSrv = &http.Server{
			Addr:         cfg.WebUI.Listen,
			Handler:      observability.NewRouter(stats, store, metrics.Handler(), acl),
			ReadTimeout:  cfg.WebUI.ReadTimeout,
			WriteTimeout: cfg.WebUI.WriteTimeout,
			IdleTimeout:  cfg.WebUI.IdleTimeout,
		}
		go func() {
			logger.Info("observability listening", "address", cfg.WebUI.Listen)
			if err := obsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("observability listener: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down router")

	// Drena a superfície HTTP antes de derrubar broker e registry: handlers
	// bloqueados em waitables são liberados pelo broker.Shutdown (cancelled).
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	broker.Shutdown()
	registry.Stop()

	if obsSrv != nil {
		obsSrv.Shutdown(shutdownCtx)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("draining router listener: %w", err)
	}

	logger.Info("router shutdown complete")
	return nil
}

// statsAdapter projeta registry e broker na interface read-only da
// observability API.
type statsAdapter struct {
	registry *Registry
	broker   *Broker
}

func (s *statsAdapter) MetricsSnapshot() observability.MetricsResponse {
	active := s.broker.Active()
	streams := 0
	for _, req := range active {
		if req.Pattern == PatternB {
			streams++
		}
	}
	fulfilled, failed, bytes := s.broker.Totals()
	return observability.MetricsResponse{
		ActiveSessions:  len(s.registry.List()),
		PendingRequests: len(active),
		ActiveStreams:   streams,
		TotalFulfilled:  fulfilled,
		TotalFailed:     failed,
		TotalBytes:      bytes,
	}
}

func (s *statsAdapter) ActiveRequests() []observability.RequestSummary {
	active := s.broker.Active()
	out := make([]observability.RequestSummary, 0, len(active))
	for _, req := range active {
		_, _, size, _, _, _ := req.Result()
		out = append(out, observability.RequestSummary{
			RequestID: req.ID,
			Mac:       req.Mac,
			Dataset:   req.Dataset,
			Pattern:   string(req.Pattern),
			State:     string(req.State()),
			CreatedAt: req.CreatedAt.UTC().Format(time.RFC3339),
			Deadline:  req.Deadline.UTC().Format(time.RFC3339),
			SizeBytes: size,
		})
	}
	return out
}

func (s *statsAdapter) Connectors() []observability.ConnectorSummary {
	sessions := s.registry.List()
	out := make([]observability.ConnectorSummary, 0, len(sessions))
	for _, sess := range sessions {
		entry := observability.ConnectorSummary{
			Mac:         sess.Mac,
			SessionID:   sess.ID,
			ConnectedAt: sess.ConnectedAt.UTC().Format(time.RFC3339),
			LastPing:    sess.LastPong().UTC().Format(time.RFC3339),
		}
		if stats := sess.Stats(); stats != nil {
			entry.CPUPercent = stats.CPUPercent
			entry.MemPercent = stats.MemoryPercent
			entry.LoadAverage = stats.LoadAverage
		}
		out = append(out, entry)
	}
	return out
}
