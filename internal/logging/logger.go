// Copyright (c) 2025 Pratik. All rights reserved.
// Use of this source code is governed by the Sajilo Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package logging centraliza a criação de loggers slog do sajilo-server.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger cria um slog.Logger com o nível, formato e destino configurados.
// Formatos suportados: "json" (default) e "text".
// Níveis suportados: "debug", "info" (default), "warn", "error".
// Quando filePath não é vazio, os logs vão para stdout + arquivo (MultiWriter).
// O io.Closer retornado fecha o arquivo no shutdown; é no-op quando não há arquivo.
func NewLogger(level, format, filePath string) (*slog.Logger, io.Closer) {
	w, closer := logDestination(filePath)
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler), closer
}

// logDestination resolve o destino dos logs. Falha ao abrir o arquivo não
// derruba o server: avisa no stderr e segue só com stdout.
func logDestination(filePath string) (io.Writer, io.Closer) {
	if filePath == "" {
		return os.Stdout, io.NopCloser(nil)
	}
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: could not open log file %q: %v (logging to stdout only)\n", filePath, err)
		return os.Stdout, io.NopCloser(nil)
	}
	return io.MultiWriter(os.Stdout, f), f
}

func parseLevel(level string) slog.Level {
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
