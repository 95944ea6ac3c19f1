// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Router License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package logging centraliza a criação de slog.Loggers do nrouter.
// Todos os binários (server, connector, cli) usam o mesmo formato.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger cria um slog.Logger com o nível, formato e destino especificados.
// Formatos: "json" (default) e "text". Níveis: "debug", "info" (default),
// "warn", "error". Se filePath não for vazio, os logs vão para stdout + file
// (MultiWriter). O io.Closer retornado deve ser fechado no shutdown; quando
// não há arquivo, é um no-op.
func NewLogger(level, format, filePath string) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{Level: levelFromString(level)}

	w, closer := newSink(filePath)

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler), closer
}

// newSink resolve o destino dos logs. Falha na abertura do arquivo não é
// fatal: loga warning em stderr e segue apenas com stdout.
func newSink(filePath string) (io.Writer, io.Closer) {
	if filePath == "" {
		return os.Stdout, io.NopCloser(strings.NewReader(""))
	}

	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: could not open log file %q: %v (logging to stdout only)\n", filePath, err)
		return os.Stdout, io.NopCloser(strings.NewReader(""))
	}

	return io.MultiWriter(os.Stdout, f), f
}

func levelFromString(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
