// Copyright (c) 2025 Pratik. All rights reserved.
// Use of this source code is governed by the Sajilo Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/dev-pratik02/Sajilo-Chat/internal/config"
	"github.com/dev-pratik02/Sajilo-Chat/internal/protocol"
)

// ErrSessionClosed indica tentativa de envio para uma sessão já encerrada.
var ErrSessionClosed = errors.New("server: session closed")

// Session representa uma conexão autenticada viva. Frames destinados ao
// usuário entram em uma fila limitada e são drenados por um writer loop
// dedicado; bytes de relay de arquivo são escritos diretamente no socket
// pelo handler do remetente, sob o mesmo lock de escrita. Assim toda escrita
// no socket é serializada e frames nunca se misturam a payloads.
type Session struct {
	Username    string
	RemoteAddr  string
	ConnectedAt time.Time

	conn         net.Conn
	logger       *slog.Logger
	writeTimeout time.Duration

	// writeMu serializa TODA escrita no socket. Durante o payload de uma
	// transferência o handler do REMETENTE segura o writeMu do receptor,
	// garantindo que os bytes do arquivo cheguem contíguos.
	writeMu sync.Mutex

	outbound  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	limiter *rate.Limiter // frames de entrada; nil = sem limite

	framesIn  atomic.Int64
	framesOut atomic.Int64
	dropped   atomic.Int64
	dead      atomic.Bool
}

// newSession cria a sessão e inicia seu writer loop.
func newSession(username string, conn net.Conn, cfg *config.RelayConfig, logger *slog.Logger) *Session {
	s := &Session{
		Username:     username,
		RemoteAddr:   conn.RemoteAddr().String(),
		ConnectedAt:  time.Now(),
		conn:         conn,
		logger:       logger,
		writeTimeout: cfg.Limits.WriteTimeout,
		outbound:     make(chan []byte, cfg.Limits.OutboundQueue),
		closed:       make(chan struct{}),
	}
	if cfg.RateLimit.Enabled {
		perSecond := rate.Limit(float64(cfg.RateLimit.PerMinute) / 60.0)
		s.limiter = rate.NewLimiter(perSecond, cfg.RateLimit.Burst)
	}
	s.wg.Add(1)
	go s.writerLoop()
	return s
}

// Send enfileira um frame para entrega. Nunca bloqueia: com a fila cheia o
// frame mais antigo é descartado para abrir espaço (drop-oldest). Uma sessão
// lenta perde frames antigos em vez de atrasar o remetente.
func (s *Session) Send(f *protocol.Frame) error {
	data, err := protocol.EncodeFrame(f)
	if err != nil {
		return fmt.Errorf("encoding frame for %s: %w", s.Username, err)
	}
	return s.enqueue(data)
}

func (s *Session) enqueue(data []byte) error {
	for {
		// Sessão encerrada falha sempre, antes de qualquer tentativa de
		// envio: num select com os dois casos prontos o runtime escolhe ao
		// acaso, e um frame aceito por uma fila morta seria perdido em
		// silêncio com o chamador achando que entregou.
		select {
		case <-s.closed:
			return ErrSessionClosed
		default:
		}
		select {
		case s.outbound <- data:
			return nil
		default:
		}
		select {
		case <-s.outbound:
			if n := s.dropped.Add(1); n == 1 || n%64 == 0 {
				s.logger.Warn("outbound queue full, dropping oldest frame",
					"user", s.Username, "dropped_total", n)
			}
		default:
		}
	}
}

// writerLoop drena a fila de saída. Falha de escrita marca o peer como morto
// e fecha o socket; o handler dono da conexão percebe no próximo Read.
func (s *Session) writerLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.closed:
			return
		case data := <-s.outbound:
			if err := s.writeRaw(data); err != nil {
				if !s.dead.Load() {
					s.logger.Warn("write to peer failed, dropping session",
						"user", s.Username, "error", err)
				}
				s.Close()
				return
			}
			s.framesOut.Add(1)
		}
	}
}

func (s *Session) writeRaw(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.dead.Load() {
		return ErrSessionClosed
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	_, err := s.conn.Write(data)
	s.conn.SetWriteDeadline(time.Time{})
	return err
}

// LockWriter adquire exclusividade de escrita no socket. O relay de arquivos
// prende o lock do receptor do frame de start até o último byte do payload.
func (s *Session) LockWriter() { s.writeMu.Lock() }

// UnlockWriter libera a exclusividade adquirida com LockWriter.
func (s *Session) UnlockWriter() { s.writeMu.Unlock() }

// WriteLocked escreve bytes crus no socket. O chamador DEVE deter o lock de
// escrita. Falha marca a sessão como morta e fecha o socket.
func (s *Session) WriteLocked(data []byte) error {
	if s.dead.Load() {
		return ErrSessionClosed
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	_, err := s.conn.Write(data)
	s.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		s.Close()
	}
	return err
}

// AllowFrame consulta o rate limiter de frames de entrada da sessão.
func (s *Session) AllowFrame() bool {
	if s.limiter == nil {
		return true
	}
	return s.limiter.Allow()
}

// Close encerra a sessão de forma idempotente: marca como morta, libera o
// writer loop e fecha o socket. Pode ser chamada de qualquer goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.dead.Store(true)
		close(s.closed)
		s.conn.Close()
	})
}

// Closed informa se a sessão já foi encerrada.
func (s *Session) Closed() bool { return s.dead.Load() }

// Wait bloqueia até o writer loop da sessão terminar.
func (s *Session) Wait() { s.wg.Wait() }

// Counters retorna os contadores da sessão: frames recebidos, frames
// entregues e frames descartados por fila cheia.
func (s *Session) Counters() (in, out, drops int64) {
	return s.framesIn.Load(), s.framesOut.Load(), s.dropped.Load()
}

// QueueDepth retorna quantos frames aguardam entrega na fila de saída.
func (s *Session) QueueDepth() int { return len(s.outbound) }
