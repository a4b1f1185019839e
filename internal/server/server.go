// Copyright (c) 2025 Pratik. All rights reserved.
// Use of this source code is governed by the Sajilo Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package server implementa o relay de chat (sajilo-server): conexões TCP
// autenticadas por token, mensagens em grupo e diretas, e transferência de
// arquivos ponto a ponto multiplexada no mesmo socket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/dev-pratik02/Sajilo-Chat/internal/auth"
	"github.com/dev-pratik02/Sajilo-Chat/internal/config"
	"github.com/dev-pratik02/Sajilo-Chat/internal/history"
	"github.com/dev-pratik02/Sajilo-Chat/internal/server/observability"
)

// Run inicia o relay e bloqueia até o context ser cancelado.
func Run(ctx context.Context, cfg *config.RelayConfig, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.Listen, err)
	}
	return RunWithListener(ctx, ln, cfg, logger)
}

// RunWithListener inicia o relay sobre um listener já aberto (testes usam
// listeners em porta efêmera).
func RunWithListener(ctx context.Context, ln net.Listener, cfg *config.RelayConfig, logger *slog.Logger) error {
	defer ln.Close()

	verifier, err := auth.NewVerifier(cfg.Auth.Secret)
	if err != nil {
		return fmt.Errorf("configuring auth verifier: %w", err)
	}

	hist := history.NewClient(cfg.History, logger)
	defer hist.Close()

	handler := NewHandler(cfg, logger, verifier, hist)

	// Observabilidade opcional: web UI HTTP, eventos e histórico de
	// transferências, com arquivamento comprimido agendado.
	if cfg.WebUI.Enabled {
		events, err := observability.NewEventStore(cfg.WebUI.EventsFile, 500, cfg.WebUI.EventsMaxLines)
		if err != nil {
			return fmt.Errorf("opening events store: %w", err)
		}
		defer events.Close()

		transferLog, err := observability.NewTransferHistoryStore(cfg.WebUI.TransferHistoryFile, 500, cfg.WebUI.TransferHistoryMaxLines)
		if err != nil {
			return fmt.Errorf("opening transfer history store: %w", err)
		}
		defer transferLog.Close()

		handler.SetObservability(events, transferLog)

		if err := observability.StartWebUI(ctx, cfg.WebUI, handler, events, transferLog, logger); err != nil {
			return fmt.Errorf("starting web UI: %w", err)
		}

		if cfg.WebUI.ArchiveEnabled {
			archiver, err := observability.NewArchiver(cfg.WebUI, logger)
			if err != nil {
				return fmt.Errorf("configuring events archiver: %w", err)
			}
			archiver.Start(ctx)
		}
	}

	go handler.StartTransferWatchdog(ctx)
	if cfg.Stats.IntervalRaw > 0 {
		go handler.StartStatsReporter(ctx)
	}

	logger.Info("relay listening", "address", ln.Addr().String())

	// Goroutine para fechar o listener quando o context for cancelado
	go func() {
		<-ctx.Done()
		logger.Info("shutting down relay")
		ln.Close()
	}()

	// Accept loop
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				logger.Info("relay shutdown complete")
				return nil
			default:
				logger.Error("accepting connection", "error", err)
				continue
			}
		}

		go handler.HandleConnection(ctx, conn)
	}
}
