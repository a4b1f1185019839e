// Copyright (c) 2025 Pratik. All rights reserved.
// Use of this source code is governed by the Sajilo Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/robfig/cron/v3"

	"github.com/dev-pratik02/Sajilo-Chat/internal/config"
)

// Archiver comprime os snapshots rotacionados do log de eventos em um
// agendamento cron. Cada snapshot vira {nome}.jsonl.gz (ou .zst) no diretório
// de arquivamento e o snapshot cru é removido.
type Archiver struct {
	pattern     string // glob dos snapshots: {base}-*.jsonl
	outDir      string
	compression string // gzip | zst
	schedule    string
	logger      *slog.Logger
	cron        *cron.Cron
}

// NewArchiver configura o archiver a partir da config da web UI.
func NewArchiver(cfg config.WebUIConfig, logger *slog.Logger) (*Archiver, error) {
	outDir := cfg.ArchiveDir
	if outDir == "" {
		outDir = filepath.Dir(cfg.EventsFile)
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("creating archive directory %s: %w", outDir, err)
	}

	a := &Archiver{
		pattern:     SnapshotPattern(cfg.EventsFile),
		outDir:      outDir,
		compression: cfg.ArchiveCompression,
		schedule:    cfg.ArchiveSchedule,
		logger:      logger,
	}

	c := cron.New()
	if _, err := c.AddFunc(cfg.ArchiveSchedule, a.run); err != nil {
		return nil, fmt.Errorf("parsing archive schedule %q: %w", cfg.ArchiveSchedule, err)
	}
	a.cron = c
	return a, nil
}

// Start dispara o agendador; ele para quando o context é cancelado.
func (a *Archiver) Start(ctx context.Context) {
	a.cron.Start()
	go func() {
		<-ctx.Done()
		a.cron.Stop()
	}()
	a.logger.Info("events archiver scheduled", "schedule", a.schedule, "compression", a.compression)
}

func (a *Archiver) run() {
	if err := a.RunOnce(); err != nil {
		a.logger.Error("events archive run failed", "error", err)
	}
}

// RunOnce comprime todos os snapshots pendentes uma única vez.
func (a *Archiver) RunOnce() error {
	matches, err := filepath.Glob(a.pattern)
	if err != nil {
		return fmt.Errorf("globbing event snapshots: %w", err)
	}
	for _, path := range matches {
		if err := a.compress(path); err != nil {
			a.logger.Warn("compressing event snapshot", "file", path, "error", err)
			continue
		}
		os.Remove(path)
		a.logger.Info("event snapshot archived", "file", path)
	}
	return nil
}

// compress grava {outDir}/{base(path)}.gz|.zst com o conteúdo do snapshot.
func (a *Archiver) compress(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening snapshot: %w", err)
	}
	defer in.Close()

	ext := "gz"
	if a.compression == "zst" {
		ext = "zst"
	}
	outPath := filepath.Join(a.outDir, filepath.Base(path)+"."+ext)
	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("creating archive file: %w", err)
	}

	var cw io.WriteCloser
	if a.compression == "zst" {
		enc, err := zstd.NewWriter(out)
		if err != nil {
			out.Close()
			return fmt.Errorf("creating zstd writer: %w", err)
		}
		cw = enc
	} else {
		cw = pgzip.NewWriter(out)
	}

	if _, err := io.Copy(cw, in); err != nil {
		cw.Close()
		out.Close()
		return fmt.Errorf("compressing snapshot: %w", err)
	}
	if err := cw.Close(); err != nil {
		out.Close()
		return fmt.Errorf("flushing archive: %w", err)
	}
	return out.Close()
}
