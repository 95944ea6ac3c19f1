// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Router License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nishisan-dev/n-router/internal/config"
	"github.com/nishisan-dev/n-router/internal/logging"
	"github.com/nishisan-dev/n-router/internal/router"
)

func main() {
	configPath := flag.String("config", "/etc/nrouter/router.yaml", "path to router config file")
	flag.Parse()

	cfg, err := config.LoadRouterConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	// Context com cancelamento via signal
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := router.Run(ctx, cfg, logger); err != nil {
		logger.Error("router error", "error", err)
		if errors.Is(err, router.ErrStartup) {
			os.Exit(1)
		}
		// Erro fatal em runtime (ex.: listener caiu depois do startup)
		os.Exit(2)
	}
}
