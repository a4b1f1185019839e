// Copyright (c) 2025 Pratik. All rights reserved.
// Use of this source code is governed by the Sajilo Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// EventStore combina um EventRing (in-memory) com persistência em arquivo
// JSONL. Cada Push faz append de uma linha JSON ao arquivo. No startup, as
// últimas entradas são carregadas para popular o ring buffer.
//
// Rotação: quando o arquivo excede maxLines, as linhas mais antigas são
// movidas para um snapshot ao lado do arquivo vivo ({base}-{timestamp}.jsonl)
// e o arquivo vivo fica com as últimas maxLines/2. O Archiver comprime e
// remove os snapshots no agendamento configurado.
type EventStore struct {
	ring      *EventRing
	file      *os.File
	mu        sync.Mutex // protege writes e rotação no arquivo
	maxLines  int
	lineCount int
	path      string
}

// NewEventStore abre (ou cria) o arquivo JSONL e carrega as últimas entradas
// para popular o ring buffer. ringCap define a capacidade do ring in-memory,
// maxLines define quando o arquivo será rotacionado.
func NewEventStore(path string, ringCap, maxLines int) (*EventStore, error) {
	if maxLines <= 0 {
		maxLines = 10000
	}

	ring := NewEventRing(ringCap)

	entries, lineCount, err := loadEventsJSONL(path)
	if err != nil {
		return nil, fmt.Errorf("loading events file: %w", err)
	}

	start := 0
	if len(entries) > ringCap {
		start = len(entries) - ringCap
	}
	for _, e := range entries[start:] {
		ring.Push(e)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening events file for append: %w", err)
	}

	return &EventStore{
		ring:      ring,
		file:      f,
		maxLines:  maxLines,
		lineCount: lineCount,
		path:      path,
	}, nil
}

// loadEventsJSONL lê o arquivo JSONL e retorna todos os EventEntry válidos.
// Linhas malformadas são ignoradas silenciosamente.
func loadEventsJSONL(path string) ([]EventEntry, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	defer f.Close()

	var entries []EventEntry
	lineCount := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		lineCount++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e EventEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue // ignora linhas corrompidas
		}
		entries = append(entries, e)
	}

	return entries, lineCount, scanner.Err()
}

// Push adiciona um evento ao ring buffer e persiste no arquivo JSONL.
func (s *EventStore) Push(e EventEntry) {
	s.ring.Push(e) // ring preenche timestamp se vazio

	// Re-lê do ring para pegar o timestamp preenchido
	recent := s.ring.Recent(1)
	if len(recent) == 0 {
		return
	}
	filled := recent[0]

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(filled)
	if err != nil {
		return
	}

	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return
	}

	s.lineCount++
	if s.lineCount > s.maxLines {
		s.rotate()
	}
}

// PushEvent é um helper para criar e inserir um evento com campos comuns.
func (s *EventStore) PushEvent(kind, user, detail string) {
	s.Push(EventEntry{
		Kind:   kind,
		User:   user,
		Detail: detail,
	})
}

// Recent retorna os últimos N eventos em ordem cronológica (mais antigo primeiro).
func (s *EventStore) Recent(limit int) []EventEntry {
	return s.ring.Recent(limit)
}

// Len retorna o número de eventos no ring buffer in-memory.
func (s *EventStore) Len() int {
	return s.ring.Len()
}

// Close fecha o file handle do arquivo JSONL.
func (s *EventStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// SnapshotPattern retorna o glob que casa com os snapshots rotacionados
// deste arquivo de eventos.
func SnapshotPattern(path string) string {
	base := strings.TrimSuffix(path, filepath.Ext(path))
	return base + "-*.jsonl"
}

// rotate move as linhas mais antigas para um snapshot e mantém as últimas
// maxLines/2 no arquivo vivo. Deve ser chamada com s.mu já travado.
func (s *EventStore) rotate() {
	keep := s.maxLines / 2

	entries, _, err := loadEventsJSONL(s.path)
	if err != nil || len(entries) <= keep {
		return
	}

	aged := entries[:len(entries)-keep]
	entries = entries[len(entries)-keep:]

	// Snapshot das entradas antigas, ao lado do arquivo vivo. O nome carrega
	// o instante da rotação para nunca colidir.
	base := strings.TrimSuffix(s.path, filepath.Ext(s.path))
	snapPath := fmt.Sprintf("%s-%s.jsonl", base, time.Now().Format("20060102T150405"))
	writeEventsJSONL(snapPath, aged)

	s.file.Close()

	f, err := os.Create(s.path)
	if err != nil {
		// Tenta reabrir em modo append para não perder o handle
		s.file, _ = os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		return
	}

	w := bufio.NewWriter(f)
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	w.Flush()
	f.Close()

	s.file, err = os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	s.lineCount = len(entries)
}

// writeEventsJSONL grava as entradas como JSONL no path dado. Falha de
// snapshot não pode impedir a rotação; o erro é apenas descartado.
func writeEventsJSONL(path string, entries []EventEntry) {
	f, err := os.Create(path)
	if err != nil {
		return
	}
	w := bufio.NewWriter(f)
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	w.Flush()
	f.Close()
}
