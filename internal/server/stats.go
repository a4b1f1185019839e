// Copyright (c) 2025 Pratik. All rights reserved.
// Use of this source code is governed by the Sajilo Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/dev-pratik02/Sajilo-Chat/internal/protocol"
	"github.com/dev-pratik02/Sajilo-Chat/internal/server/observability"
)

// StartStatsReporter imprime métricas do relay a cada intervalo configurado:
// sessões, transferências ativas, taxa de frames, throughput de relay e uso
// de CPU/memória do host.
func (h *Handler) StartStatsReporter(ctx context.Context) {
	interval := h.cfg.Stats.IntervalRaw
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastFrames, lastBytes int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frames := h.FramesIn.Load()
			relayed := h.BytesRelayed.Load()
			secs := interval.Seconds()
			frameRate := float64(frames-lastFrames) / secs
			relayMBps := float64(relayed-lastBytes) / secs / (1024 * 1024)
			lastFrames, lastBytes = frames, relayed

			cpuPct, memPct := sampleHostUsage()

			h.logger.Info("relay stats",
				"sessions", h.registry.Count(),
				"transfers", h.transfers.ActiveCount(),
				"frames_per_s", fmt.Sprintf("%.1f", frameRate),
				"relay_MBps", fmt.Sprintf("%.2f", relayMBps),
				"queue_drops", h.queueDrops(),
				"cpu_pct", fmt.Sprintf("%.1f", cpuPct),
				"mem_pct", fmt.Sprintf("%.1f", memPct),
				"goroutines", runtime.NumGoroutine(),
			)
		}
	}
}

// StartTransferWatchdog varre periodicamente as transferências expiradas,
// libera as reservas e avisa os dois lados.
func (h *Handler) StartTransferWatchdog(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.Transfer.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, tc := range h.transfers.SweepExpired(time.Now()) {
				h.recordTransfer(tc, "timeout")
				h.logger.Warn("file transfer timed out",
					"file_id", tc.FileID, "sender", tc.Sender, "receiver", tc.Receiver,
					"relayed", tc.RelayedBytes(), "size", tc.Expected)
				msg := fmt.Sprintf("File transfer %s timed out", tc.FileID)
				if s, ok := h.registry.Lookup(tc.Sender); ok {
					h.sendFrame(s, protocol.NewError(msg))
				}
				if r, ok := h.registry.Lookup(tc.Receiver); ok && tc.Receiver != tc.Sender {
					h.sendFrame(r, protocol.NewError(msg))
				}
			}
		}
	}
}

// queueDrops soma os frames descartados por fila cheia em todas as sessões.
func (h *Handler) queueDrops() int64 {
	var total int64
	for _, s := range h.registry.Snapshot() {
		_, _, drops := s.Counters()
		total += drops
	}
	return total
}

// sampleHostUsage coleta uso de CPU e memória do host via gopsutil.
// Em caso de erro de coleta os valores ficam em zero.
func sampleHostUsage() (cpuPct, memPct float64) {
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		memPct = vm.UsedPercent
	}
	return cpuPct, memPct
}

// MetricsSnapshot implementa observability.StatusProvider.
func (h *Handler) MetricsSnapshot() observability.MetricsData {
	cpuPct, memPct := sampleHostUsage()
	return observability.MetricsData{
		UptimeSeconds:      int64(time.Since(h.startedAt).Seconds()),
		SessionsActive:     h.registry.Count(),
		ConnectionsTotal:   h.ConnectionsTotal.Load(),
		HandshakeFailures:  h.HandshakeFailures.Load(),
		FramesIn:           h.FramesIn.Load(),
		FramesRejected:     h.FramesRejected.Load(),
		MessagesGroup:      h.MessagesGroup.Load(),
		MessagesDM:         h.MessagesDM.Load(),
		ErrorsSent:         h.ErrorsSent.Load(),
		TransfersStarted:   h.TransfersStarted.Load(),
		TransfersCompleted: h.TransfersCompleted.Load(),
		TransfersFailed:    h.TransfersFailed.Load(),
		TransfersActive:    h.transfers.ActiveCount(),
		BytesRelayed:       h.BytesRelayed.Load(),
		QueueDrops:         h.queueDrops(),
		CPUPercent:         cpuPct,
		MemoryPercent:      memPct,
		Goroutines:         runtime.NumGoroutine(),
	}
}

// SessionSummaries implementa observability.StatusProvider.
func (h *Handler) SessionSummaries() []observability.SessionSummary {
	sessions := h.registry.Snapshot()
	out := make([]observability.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		in, sent, drops := s.Counters()
		out = append(out, observability.SessionSummary{
			Username:    s.Username,
			RemoteAddr:  s.RemoteAddr,
			ConnectedAt: s.ConnectedAt.Format(time.RFC3339),
			FramesIn:    in,
			FramesOut:   sent,
			QueueDepth:  s.QueueDepth(),
			QueueDrops:  drops,
		})
	}
	return out
}

// ActiveTransfers implementa observability.StatusProvider.
func (h *Handler) ActiveTransfers() []observability.TransferSummary {
	active := h.transfers.Active()
	out := make([]observability.TransferSummary, 0, len(active))
	for _, tc := range active {
		out = append(out, observability.TransferSummary{
			FileID:    tc.FileID,
			FileName:  tc.FileName,
			Sender:    tc.Sender,
			Receiver:  tc.Receiver,
			SizeBytes: tc.Expected,
			Relayed:   tc.RelayedBytes(),
			StartedAt: tc.StartedAt.Format(time.RFC3339),
		})
	}
	return out
}
