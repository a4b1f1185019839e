// Copyright (c) 2025 Pratik. All rights reserved.
// Use of this source code is governed by the Sajilo Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"errors"
	"sort"
	"sync"

	"github.com/dev-pratik02/Sajilo-Chat/internal/protocol"
)

// ErrUsernameTaken indica que já existe uma sessão viva com o mesmo username.
var ErrUsernameTaken = errors.New("server: username already taken")

// SessionRegistry mantém o conjunto de sessões vivas indexado por username.
// Invariante: nunca há duas sessões vivas com o mesmo nome. O registro é
// mutado apenas pelo handshake (inserção) e pelo handler dono da conexão
// (remoção na saída).
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionRegistry cria um registro vazio.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*Session)}
}

// Register insere a sessão. Falha com ErrUsernameTaken se o nome já estiver
// em uso por uma sessão viva.
func (r *SessionRegistry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.Username]; exists {
		return ErrUsernameTaken
	}
	r.sessions[s.Username] = s
	return nil
}

// Remove retira a sessão do registro e informa se a remoção aconteceu.
// Só remove se a sessão registrada for exatamente s: depois de uma queda o
// mesmo username pode já pertencer a uma conexão nova.
func (r *SessionRegistry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.Username]; ok && cur == s {
		delete(r.sessions, s.Username)
		return true
	}
	return false
}

// Lookup retorna a sessão viva do username, se houver.
func (r *SessionRegistry) Lookup(username string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[username]
	return s, ok
}

// Usernames retorna os nomes online em ordem alfabética.
func (r *SessionRegistry) Usernames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count retorna o número de sessões vivas.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot retorna uma cópia da lista de sessões vivas. Iterar sobre a cópia
// evita segurar o lock do registro durante envios.
func (r *SessionRegistry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Broadcast enfileira o frame para todas as sessões vivas, exceto exclude
// (vazio = ninguém excluído). O frame é serializado uma única vez e o envio
// é não bloqueante: sessões lentas descartam frames antigos em vez de
// atrasar as demais.
func (r *SessionRegistry) Broadcast(f *protocol.Frame, exclude string) error {
	data, err := protocol.EncodeFrame(f)
	if err != nil {
		return err
	}
	for _, s := range r.Snapshot() {
		if s.Username == exclude {
			continue
		}
		// Sessões mortas são ignoradas; o handler delas cuida da limpeza.
		_ = s.enqueue(data)
	}
	return nil
}
