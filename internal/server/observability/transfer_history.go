// Copyright (c) 2025 Pratik. All rights reserved.
// Use of this source code is governed by the Sajilo Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import "sync"

// TransferHistoryRing é um ring buffer thread-safe para transferências finalizadas.
type TransferHistoryRing struct {
	mu  sync.RWMutex
	buf []TransferRecord
	pos int
	cap int
	len int
}

// NewTransferHistoryRing cria um ring buffer com capacidade fixa.
func NewTransferHistoryRing(capacity int) *TransferHistoryRing {
	if capacity <= 0 {
		capacity = 100
	}
	return &TransferHistoryRing{
		buf: make([]TransferRecord, capacity),
		cap: capacity,
	}
}

// Push adiciona uma entrada ao ring buffer.
func (r *TransferHistoryRing) Push(e TransferRecord) {
	r.mu.Lock()
	r.buf[r.pos] = e
	r.pos = (r.pos + 1) % r.cap
	if r.len < r.cap {
		r.len++
	}
	r.mu.Unlock()
}

// Recent retorna as últimas N entradas em ordem cronológica (mais antigo primeiro).
func (r *TransferHistoryRing) Recent(limit int) []TransferRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.len
	if limit > 0 && limit < n {
		n = limit
	}
	if n == 0 {
		return []TransferRecord{}
	}

	result := make([]TransferRecord, n)
	start := (r.pos - n + r.cap) % r.cap
	for i := 0; i < n; i++ {
		result[i] = r.buf[(start+i)%r.cap]
	}
	return result
}
