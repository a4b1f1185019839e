// Copyright (c) 2025 Pratik. All rights reserved.
// Use of this source code is governed by the Sajilo Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// fanOutHandler é um slog.Handler que despacha cada registro para dois handlers.
// Usado pelo ConnLogger para gravar simultaneamente no handler global e no
// arquivo de trace dedicado da conexão.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	// Cada handler decide individualmente via Enabled(). Assim registros DEBUG
	// não vazam para o handler global quando este aceita apenas INFO ou acima.
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// Falha de escrita no arquivo de trace não pode derrubar o log global.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewConnLogger cria um logger que grava tanto no logger global quanto em um
// arquivo de trace dedicado à conexão. O arquivo é criado em:
//
//	{connLogDir}/{username}/{connID}.log
//
// Retorna o logger combinado, um io.Closer para o arquivo de trace e o path
// criado. O Closer DEVE ser fechado (defer) quando a conexão terminar.
//
// Se connLogDir for vazio, o trace por conexão está desabilitado e o logger
// global é retornado sem modificações.
func NewConnLogger(baseLogger *slog.Logger, connLogDir, username, connID string) (*slog.Logger, io.Closer, string, error) {
	if connLogDir == "" {
		return baseLogger, io.NopCloser(nil), "", nil
	}

	dir := filepath.Join(connLogDir, username)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating connection log directory %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, connID+".log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening connection log file %s: %w", logPath, err)
	}

	// O trace da conexão captura tudo: JSON com nível DEBUG fixo.
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	combined := &fanOutHandler{
		primary:   baseLogger.Handler(),
		secondary: fileHandler,
	}

	return slog.New(combined), f, logPath, nil
}

// RemoveConnLog descarta o trace de uma conexão que terminou de forma limpa.
// Mantém em disco apenas traces de conexões com término anormal.
// No-op quando connLogDir é vazio ou o arquivo não existe.
func RemoveConnLog(connLogDir, username, connID string) {
	if connLogDir == "" {
		return
	}
	logPath := filepath.Join(connLogDir, username, connID+".log")
	os.Remove(logPath)
}
