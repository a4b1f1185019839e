// Copyright (c) 2025 Pratik. All rights reserved.
// Use of this source code is governed by the Sajilo Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/dev-pratik02/Sajilo-Chat/internal/config"
)

// StartWebUI sobe o servidor HTTP de observabilidade em goroutine própria e
// o derruba quando o context é cancelado. O bind acontece de forma síncrona
// para que erros de configuração apareçam no startup.
func StartWebUI(ctx context.Context, cfg config.WebUIConfig, provider StatusProvider, events *EventStore, transfers *TransferHistoryStore, logger *slog.Logger) error {
	acl := NewACL(cfg.ParsedCIDRs)
	router := NewRouter(provider, events, transfers, acl)

	srv := &http.Server{
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("web UI listen on %s: %w", cfg.Listen, err)
	}

	logger.Info("web UI listening", "address", ln.Addr().String())

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("web UI server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	return nil
}
