// Copyright (c) 2025 Pratik. All rights reserved.
// Use of this source code is governed by the Sajilo Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Erros de reserva de transferência.
var (
	ErrSenderBusy   = errors.New("server: sender already has an active transfer")
	ErrReceiverBusy = errors.New("server: receiver already has an active transfer")
)

// TransferContext acompanha uma transferência de arquivo em andamento.
// Criado no file_transfer_start validado; liberado no file_transfer_end
// correspondente, por timeout do watchdog ou pela desconexão de qualquer
// um dos lados. Os campos imutáveis identificam a transferência; relayed é
// incrementado apenas pelo handler do remetente e lido pela observabilidade.
type TransferContext struct {
	FileID    string
	FileName  string
	Sender    string
	Receiver  string
	Expected  int64
	StartedAt time.Time

	relayed  atomic.Int64
	released atomic.Bool
}

// AddRelayed registra k bytes de payload encaminhados ao receptor.
func (t *TransferContext) AddRelayed(k int64) { t.relayed.Add(k) }

// RelayedBytes retorna quantos bytes de payload já foram encaminhados.
func (t *TransferContext) RelayedBytes() int64 { return t.relayed.Load() }

// Remaining retorna quantos bytes de payload ainda faltam encaminhar.
func (t *TransferContext) Remaining() int64 { return t.Expected - t.relayed.Load() }

// Released informa se o contexto já foi liberado por alguma das partes,
// pelo watchdog ou pela limpeza de desconexão.
func (t *TransferContext) Released() bool { return t.released.Load() }

// TransferCoordinator mantém as reservas de transferência por usuário: um
// usuário tem no máximo uma transferência de envio e uma de recebimento
// ativas. Reserva e criação de contexto são atômicas sob um único mutex.
type TransferCoordinator struct {
	mu        sync.Mutex
	sending   map[string]*TransferContext
	receiving map[string]*TransferContext
	timeout   time.Duration
}

// NewTransferCoordinator cria o coordenador com o timeout de transferência dado.
func NewTransferCoordinator(timeout time.Duration) *TransferCoordinator {
	return &TransferCoordinator{
		sending:   make(map[string]*TransferContext),
		receiving: make(map[string]*TransferContext),
		timeout:   timeout,
	}
}

// Begin reserva o par (sender envia, receiver recebe) e cria o contexto.
// Falha sem mutar estado se qualquer um dos lados já participa de uma
// transferência no mesmo papel.
func (c *TransferCoordinator) Begin(sender, receiver, fileID, fileName string, size int64) (*TransferContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.sending[sender]; busy {
		return nil, ErrSenderBusy
	}
	if _, busy := c.receiving[receiver]; busy {
		return nil, ErrReceiverBusy
	}
	tc := &TransferContext{
		FileID:    fileID,
		FileName:  fileName,
		Sender:    sender,
		Receiver:  receiver,
		Expected:  size,
		StartedAt: time.Now(),
	}
	c.sending[sender] = tc
	c.receiving[receiver] = tc
	return tc, nil
}

// ActiveFor retorna o contexto de envio ativo do usuário, se houver.
func (c *TransferCoordinator) ActiveFor(sender string) (*TransferContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tc, ok := c.sending[sender]
	return tc, ok
}

// Release libera o contexto e suas duas reservas. Idempotente: retorna true
// apenas para o chamador que efetivou a liberação. As entradas nos mapas só
// são removidas se ainda apontarem para este contexto, pois o mesmo usuário
// pode já ter iniciado uma transferência nova.
func (c *TransferCoordinator) Release(tc *TransferContext) bool {
	if tc == nil || !tc.released.CompareAndSwap(false, true) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur := c.sending[tc.Sender]; cur == tc {
		delete(c.sending, tc.Sender)
	}
	if cur := c.receiving[tc.Receiver]; cur == tc {
		delete(c.receiving, tc.Receiver)
	}
	return true
}

// ReleaseUser libera toda transferência que referencia o usuário, como
// remetente ou receptor, e retorna os contextos efetivamente liberados.
// Chamado na saída do handler: depois dele nenhum contexto aponta para o
// username.
func (c *TransferCoordinator) ReleaseUser(username string) []*TransferContext {
	c.mu.Lock()
	var found []*TransferContext
	if tc, ok := c.sending[username]; ok {
		found = append(found, tc)
	}
	if tc, ok := c.receiving[username]; ok && (len(found) == 0 || found[0] != tc) {
		found = append(found, tc)
	}
	c.mu.Unlock()

	released := found[:0]
	for _, tc := range found {
		if c.Release(tc) {
			released = append(released, tc)
		}
	}
	return released
}

// SweepExpired libera contextos mais velhos que o timeout e os retorna.
// O watchdog chama periodicamente; quem recebe a lista notifica os lados.
func (c *TransferCoordinator) SweepExpired(now time.Time) []*TransferContext {
	c.mu.Lock()
	var expired []*TransferContext
	for _, tc := range c.sending {
		if now.Sub(tc.StartedAt) > c.timeout {
			expired = append(expired, tc)
		}
	}
	c.mu.Unlock()

	released := expired[:0]
	for _, tc := range expired {
		if c.Release(tc) {
			released = append(released, tc)
		}
	}
	return released
}

// Active retorna um snapshot dos contextos ativos.
func (c *TransferCoordinator) Active() []*TransferContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*TransferContext, 0, len(c.sending))
	for _, tc := range c.sending {
		out = append(out, tc)
	}
	return out
}

// ActiveCount retorna o número de transferências ativas.
func (c *TransferCoordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sending)
}
