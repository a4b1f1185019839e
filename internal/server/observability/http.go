// Copyright (c) 2025 Pratik. All rights reserved.
// Use of this source code is governed by the Sajilo Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"
)

// startTime registra quando o processo iniciou (para cálculo de uptime).
var startTime = time.Now()

// Version é preenchida via ldflags no build (-X ...Version=x.y.z).
var Version = "dev"

// NewRouter cria o http.Handler para a API de observabilidade.
// Aplica middleware ACL em todas as rotas.
func NewRouter(provider StatusProvider, events *EventStore, transfers *TransferHistoryStore, acl *ACL) http.Handler {
	mux := http.NewServeMux()

	// API v1
	mux.HandleFunc("GET /api/v1/health", handleHealth)
	mux.HandleFunc("GET /api/v1/metrics", makeMetricsHandler(provider))
	mux.HandleFunc("GET /api/v1/sessions", makeSessionsHandler(provider))
	mux.HandleFunc("GET /api/v1/transfers", makeTransfersHandler(provider))
	mux.HandleFunc("GET /api/v1/transfers/history", makeTransferHistoryHandler(transfers))
	mux.HandleFunc("GET /api/v1/events", makeEventsHandler(events))

	// Root (painel mínimo; a API é o produto)
	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<!DOCTYPE html><html><head><title>Sajilo Chat Relay</title></head><body><h1>sajilo-server</h1><p>Veja /api/v1/health, /api/v1/metrics, /api/v1/sessions, /api/v1/transfers e /api/v1/events.</p></body></html>`))
	})

	return acl.Middleware(mux)
}

// handleHealth retorna status do processo, uptime e versão.
func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Uptime:  time.Since(startTime).String(),
		Version: Version,
		Go:      runtime.Version(),
	})
}

// makeMetricsHandler retorna um handler que coleta o snapshot de métricas.
func makeMetricsHandler(provider StatusProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, provider.MetricsSnapshot())
	}
}

// makeSessionsHandler lista as sessões vivas.
func makeSessionsHandler(provider StatusProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"sessions": provider.SessionSummaries(),
		})
	}
}

// makeTransfersHandler lista as transferências ativas.
func makeTransfersHandler(provider StatusProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"transfers": provider.ActiveTransfers(),
		})
	}
}

// makeTransferHistoryHandler lista as transferências finalizadas mais recentes.
func makeTransferHistoryHandler(store *TransferHistoryStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"transfers": store.Recent(parseLimit(r, 100)),
		})
	}
}

// makeEventsHandler lista os eventos operacionais mais recentes.
func makeEventsHandler(store *EventStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"events": store.Recent(parseLimit(r, 100)),
		})
	}
}

// parseLimit lê ?limit=N com fallback e teto de 1000.
func parseLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > 1000 {
		return 1000
	}
	return n
}

// writeJSON serializa v como JSON e envia com status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
