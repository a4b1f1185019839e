// Copyright (c) 2025 Pratik. All rights reserved.
// Use of this source code is governed by the Sajilo Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"sync"
	"time"
)

// EventRing retém os últimos N eventos operacionais em memória. Com a
// capacidade cheia, cada push descarta o evento mais antigo.
type EventRing struct {
	mu      sync.RWMutex
	entries []EventEntry
	max     int
}

// NewEventRing cria um ring com capacidade fixa.
func NewEventRing(capacity int) *EventRing {
	if capacity <= 0 {
		capacity = 100
	}
	return &EventRing{
		entries: make([]EventEntry, 0, capacity),
		max:     capacity,
	}
}

// Push acrescenta um evento, carimbando o timestamp quando o chamador não
// mandou nenhum.
func (r *EventRing) Push(e EventEntry) {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().Format(time.RFC3339)
	}
	r.mu.Lock()
	if len(r.entries) == r.max {
		copy(r.entries, r.entries[1:])
		r.entries = r.entries[:r.max-1]
	}
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

// Recent devolve os últimos limit eventos em ordem cronológica, o mais
// antigo primeiro. limit <= 0 devolve todos; o retorno nunca é nil.
func (r *EventRing) Recent(limit int) []EventEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]EventEntry, n)
	copy(out, r.entries[len(r.entries)-n:])
	return out
}

// Len informa quantos eventos estão retidos.
func (r *EventRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
