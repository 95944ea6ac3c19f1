// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Router License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package connector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nishisan-dev/n-router/internal/config"
)

// Run inicia o connector e bloqueia até o context ser cancelado.
// Monta o manifest de datasets, conecta o push channel ao router e mantém
// tudo vivo; o shutdown é graceful na ordem inversa da inicialização.
func Run(ctx context.Context, cfg *config.ConnectorConfig, logger *slog.Logger) error {
	logger.Info("starting connector",
		"mac", cfg.Connector.Mac,
		"router", cfg.Router.URL,
		"transport", cfg.Router.Transport,
		"datasets_dir", cfg.Datasets.BaseDir,
	)

	monitor := NewSystemMonitor(logger)
	monitor.Start()
	defer monitor.Stop()

	manifest := NewManifest(cfg.Datasets.BaseDir, logger)
	if err := manifest.Scan(); err != nil {
		return fmt.Errorf("scanning datasets dir: %w", err)
	}

	var scheduler *Scheduler
	if cfg.Datasets.RescanSchedule != "" {
		var err error
		scheduler, err = NewScheduler(cfg.Datasets.RescanSchedule, logger, manifest.Scan)
		if err != nil {
			return fmt.Errorf("creating rescan scheduler: %w", err)
		}
		scheduler.Start()
	}

	var offloader *Offloader
	if cfg.Offload.Endpoint != "" {
		var err error
		offloader, err = NewOffloader(ctx, cfg.Offload, logger)
		if err != nil {
			return fmt.Errorf("creating offloader: %w", err)
		}
		logger.Info("offload enabled", "endpoint", cfg.Offload.Endpoint, "bucket", cfg.Offload.Bucket)
	}

	uploader := NewUploader(cfg, logger)
	executor := NewExecutor(cfg, manifest, uploader, offloader, logger)

	channel := NewChannel(cfg, monitor, executor, logger)
	channel.Start()

	<-ctx.Done()
	logger.Info("shutting down connector")

	channel.Stop()
	if scheduler != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		scheduler.Stop(stopCtx)
		cancel()
	}

	return nil
}
