// Copyright (c) 2025 Pratik. All rights reserved.
// Use of this source code is governed by the Sajilo Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

// HealthResponse é retornado por GET /api/v1/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	Version string `json:"version"`
	Go      string `json:"go"`
}

// MetricsData é o snapshot de contadores retornado por GET /api/v1/metrics.
type MetricsData struct {
	UptimeSeconds      int64   `json:"uptime_seconds"`
	SessionsActive     int     `json:"sessions_active"`
	ConnectionsTotal   int64   `json:"connections_total"`
	HandshakeFailures  int64   `json:"handshake_failures"`
	FramesIn           int64   `json:"frames_in"`
	FramesRejected     int64   `json:"frames_rejected"`
	MessagesGroup      int64   `json:"messages_group"`
	MessagesDM         int64   `json:"messages_dm"`
	ErrorsSent         int64   `json:"errors_sent"`
	TransfersStarted   int64   `json:"transfers_started"`
	TransfersCompleted int64   `json:"transfers_completed"`
	TransfersFailed    int64   `json:"transfers_failed"`
	TransfersActive    int     `json:"transfers_active"`
	BytesRelayed       int64   `json:"bytes_relayed"`
	QueueDrops         int64   `json:"queue_drops"`
	CPUPercent         float64 `json:"cpu_percent"`
	MemoryPercent      float64 `json:"memory_percent"`
	Goroutines         int     `json:"goroutines"`
}

// SessionSummary é usado na lista de GET /api/v1/sessions.
type SessionSummary struct {
	Username    string `json:"username"`
	RemoteAddr  string `json:"remote_addr"`
	ConnectedAt string `json:"connected_at"`
	FramesIn    int64  `json:"frames_in"`
	FramesOut   int64  `json:"frames_out"`
	QueueDepth  int    `json:"queue_depth"`
	QueueDrops  int64  `json:"queue_drops"`
}

// TransferSummary descreve uma transferência ativa em GET /api/v1/transfers.
type TransferSummary struct {
	FileID    string `json:"file_id"`
	FileName  string `json:"file_name"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	SizeBytes int64  `json:"size_bytes"`
	Relayed   int64  `json:"relayed_bytes"`
	StartedAt string `json:"started_at"`
}

// TransferRecord é uma transferência finalizada, listada em
// GET /api/v1/transfers/history.
type TransferRecord struct {
	FileID    string `json:"file_id"`
	FileName  string `json:"file_name"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	SizeBytes int64  `json:"size_bytes"`
	Relayed   int64  `json:"relayed_bytes"`
	StartedAt string `json:"started_at"`
	EndedAt   string `json:"ended_at"`
	Status    string `json:"status"` // success | failed | timeout | disconnect
}

// EventEntry representa um evento operacional no ring buffer.
type EventEntry struct {
	Timestamp string `json:"timestamp"`
	Kind      string `json:"kind"` // join | leave | auth_failure | transfer_start | transfer_end
	User      string `json:"user,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Kinds de evento operacional.
const (
	EventJoin          = "join"
	EventLeave         = "leave"
	EventAuthFailure   = "auth_failure"
	EventTransferStart = "transfer_start"
	EventTransferEnd   = "transfer_end"
)

// StatusProvider define a interface read-only que o router precisa do
// server.Handler. Desacopla o pacote observability do server sem expor o
// Handler inteiro.
type StatusProvider interface {
	MetricsSnapshot() MetricsData
	SessionSummaries() []SessionSummary
	ActiveTransfers() []TransferSummary
}
