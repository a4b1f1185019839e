// Copyright (c) 2025 Pratik. All rights reserved.
// Use of this source code is governed by the Sajilo Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/dev-pratik02/Sajilo-Chat/internal/auth"
	"github.com/dev-pratik02/Sajilo-Chat/internal/config"
	"github.com/dev-pratik02/Sajilo-Chat/internal/history"
	"github.com/dev-pratik02/Sajilo-Chat/internal/logging"
	"github.com/dev-pratik02/Sajilo-Chat/internal/protocol"
	"github.com/dev-pratik02/Sajilo-Chat/internal/server/observability"
)

// relayPollInterval limita quanto tempo uma leitura em RELAY mode bloqueia:
// o watchdog ou a queda do receptor podem liberar o contexto com o remetente
// parado, e o lock de escrita do receptor precisa ser solto mesmo sem bytes
// novos chegando.
const relayPollInterval = 500 * time.Millisecond

// Handler processa conexões individuais do relay: handshake autenticado,
// frames de controle e relay de arquivos.
type Handler struct {
	cfg      *config.RelayConfig
	logger   *slog.Logger
	verifier *auth.Verifier
	history  *history.Client

	registry  *SessionRegistry
	transfers *TransferCoordinator

	events      *observability.EventStore           // opcional (web UI)
	transferLog *observability.TransferHistoryStore // opcional (web UI)

	// Métricas observáveis pelo stats reporter e pela web UI
	ConnectionsTotal   atomic.Int64
	HandshakeFailures  atomic.Int64
	ActiveConns        atomic.Int32
	FramesIn           atomic.Int64
	FramesRejected     atomic.Int64
	MessagesGroup      atomic.Int64
	MessagesDM         atomic.Int64
	ErrorsSent         atomic.Int64
	TransfersStarted   atomic.Int64
	TransfersCompleted atomic.Int64
	TransfersFailed    atomic.Int64
	BytesRelayed       atomic.Int64

	startedAt time.Time
}

// NewHandler cria um novo Handler com registro e coordenador próprios.
func NewHandler(cfg *config.RelayConfig, logger *slog.Logger, verifier *auth.Verifier, hist *history.Client) *Handler {
	return &Handler{
		cfg:       cfg,
		logger:    logger,
		verifier:  verifier,
		history:   hist,
		registry:  NewSessionRegistry(),
		transfers: NewTransferCoordinator(cfg.Transfer.Timeout),
		startedAt: time.Now(),
	}
}

// Registry expõe o registro de sessões do handler.
func (h *Handler) Registry() *SessionRegistry { return h.registry }

// Transfers expõe o coordenador de transferências do handler.
func (h *Handler) Transfers() *TransferCoordinator { return h.transfers }

// SetObservability conecta os stores da web UI ao handler. Deve ser chamado
// antes de aceitar conexões.
func (h *Handler) SetObservability(events *observability.EventStore, transfers *observability.TransferHistoryStore) {
	h.events = events
	h.transferLog = transfers
}

// connState carrega o estado mutável da state machine de uma conexão.
// Apenas a goroutine dona da conexão toca nestes campos.
type connState struct {
	sess    *Session
	logger  *slog.Logger
	buf     []byte      // bytes recebidos ainda não consumidos
	relay   *relayState // non-nil = RELAY mode (payload em trânsito)
	discard int64       // bytes de payload abortado ainda por engolir
	clean   bool        // peer encerrou de forma limpa
}

// relayState acompanha o payload em trânsito de uma transferência. Enquanto
// relay != nil o handler detém o write lock do RECEPTOR: nenhum outro frame
// entra no socket dele até o último byte do arquivo.
type relayState struct {
	tc       *TransferContext
	receiver *Session
}

// HandleConnection executa o ciclo de vida completo de uma conexão:
// handshake, avisos de entrada, state machine e limpeza na saída.
func (h *Handler) HandleConnection(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	h.ConnectionsTotal.Add(1)
	h.ActiveConns.Add(1)
	defer h.ActiveConns.Add(-1)

	sess, leftover, err := h.handshake(conn)
	if err != nil {
		h.HandshakeFailures.Add(1)
		h.event(observability.EventAuthFailure, "", remote+": "+err.Error())
		h.logger.Warn("handshake failed", "remote", remote, "error", err)
		conn.Close()
		return
	}

	logger := h.logger.With("user", sess.Username, "remote", remote)

	// Trace opcional por conexão: tudo em DEBUG num arquivo dedicado.
	var connTrace io.Closer
	var connID string
	if h.cfg.Logging.ConnLogDir != "" {
		connID = newConnID()
		traced, closer, _, err := logging.NewConnLogger(h.logger, h.cfg.Logging.ConnLogDir, sess.Username, connID)
		if err != nil {
			logger.Warn("could not open connection trace", "error", err)
		} else {
			logger = traced.With("user", sess.Username, "remote", remote)
			connTrace = closer
		}
	}

	logger.Info("user connected")
	h.event(observability.EventJoin, sess.Username, remote)

	// Boas-vindas para o novo usuário, aviso aos demais e lista atualizada.
	h.sendFrame(sess, protocol.NewSystem(fmt.Sprintf("Welcome to the server, %s!", sess.Username)))
	h.registry.Broadcast(protocol.NewSystem(fmt.Sprintf("%s joined the chat", sess.Username)), sess.Username)
	h.broadcastUserList()

	clean := h.runSession(ctx, sess, leftover, logger)

	if connTrace != nil {
		connTrace.Close()
		// Traces só interessam para términos anormais.
		if clean {
			logging.RemoveConnLog(h.cfg.Logging.ConnLogDir, sess.Username, connID)
		}
	}
}

// handshake autentica a conexão: envia request_auth, lê a resposta com o
// token, valida assinatura e username e registra a sessão. Toda rejeição
// escreve um frame de erro antes de fechar. Retorna também os bytes que
// chegaram colados depois da linha de auth.
func (h *Handler) handshake(conn net.Conn) (*Session, []byte, error) {
	conn.SetDeadline(time.Now().Add(h.cfg.Limits.HandshakeTimeout))

	reject := func(msg string) error {
		_ = protocol.WriteFrame(conn, protocol.NewError(msg))
		return fmt.Errorf("handshake rejected: %s", msg)
	}

	if err := protocol.WriteFrame(conn, &protocol.Frame{Type: protocol.TypeRequestAuth}); err != nil {
		return nil, nil, fmt.Errorf("sending auth request: %w", err)
	}

	br := bufio.NewReaderSize(conn, protocol.MaxHandshakeLine)
	f, err := protocol.ReadFrame(br, protocol.MaxHandshakeLine)
	if err != nil {
		return nil, nil, fmt.Errorf("reading auth reply: %w", err)
	}

	if f.Token == "" {
		return nil, nil, reject("Missing token")
	}

	username, err := h.verifier.Verify(f.Token)
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			return nil, nil, reject("Token expired")
		}
		return nil, nil, reject("Invalid token")
	}

	if err := protocol.ValidateUsername(username); err != nil {
		return nil, nil, reject("Invalid username")
	}

	sess := newSession(username, conn, h.cfg, h.logger)
	if err := h.registry.Register(sess); err != nil {
		_ = protocol.WriteFrame(conn, protocol.NewError("Username already taken"))
		sess.Close()
		sess.Wait()
		return nil, nil, fmt.Errorf("handshake rejected: username %q already taken", username)
	}

	// Conexão admitida: leitura em steady state não tem timeout.
	conn.SetDeadline(time.Time{})

	// O cliente pode ter mandado frames no mesmo segmento da resposta de
	// auth; o que o bufio já consumiu do socket segue para a state machine.
	var leftover []byte
	if n := br.Buffered(); n > 0 {
		peeked, _ := br.Peek(n)
		leftover = append([]byte(nil), peeked...)
	}

	return sess, leftover, nil
}

// runSession roda a state machine da conexão até EOF ou erro de leitura.
// Retorna true quando o término foi limpo (EOF do peer ou shutdown).
func (h *Handler) runSession(ctx context.Context, sess *Session, leftover []byte, logger *slog.Logger) bool {
	st := &connState{
		sess:   sess,
		logger: logger,
		buf:    append(make([]byte, 0, h.cfg.Limits.BufferSizeRaw), leftover...),
	}

	// Libera a conexão quando o processo encerra.
	stopWatch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			sess.Close()
		case <-stopWatch:
		}
	}()

	defer func() {
		close(stopWatch)
		h.teardown(st)
	}()

	h.drain(st)

	chunk := make([]byte, h.cfg.Limits.BufferSizeRaw)
	polling := false
	for {
		if st.relay != nil {
			sess.conn.SetReadDeadline(time.Now().Add(relayPollInterval))
			polling = true
		} else if polling {
			sess.conn.SetReadDeadline(time.Time{})
			polling = false
		}

		n, err := sess.conn.Read(chunk)
		if n > 0 {
			st.buf = append(st.buf, chunk[:n]...)
			h.drain(st)
		}
		if err != nil {
			// Acordou do poll sem bytes novos: confere se o contexto da
			// transferência ainda está vivo e volta a ler.
			var ne net.Error
			if polling && errors.As(err, &ne) && ne.Timeout() {
				if st.relay != nil && st.relay.tc.Released() {
					h.abortPayload(st, "")
				}
				continue
			}
			switch {
			case errors.Is(err, io.EOF):
				st.clean = true
				logger.Info("connection closed by peer")
			case sess.Closed():
				st.clean = true
				logger.Debug("session closed", "reason", err)
			default:
				logger.Warn("read error, dropping connection", "error", err)
			}
			return st.clean
		}
	}
}

// drain consome o buffer acumulado, alternando entre FRAME e RELAY até não
// haver mais progresso sem novos bytes do socket.
func (h *Handler) drain(st *connState) {
	for {
		// Resto de um payload abortado: engolir até o fim da janela anunciada
		// mantém o stream do remetente alinhado com os frames seguintes.
		if st.discard > 0 {
			k := int64(len(st.buf))
			if k > st.discard {
				k = st.discard
			}
			st.buf = st.buf[k:]
			st.discard -= k
			if st.discard > 0 {
				return
			}
			continue
		}
		if st.relay != nil {
			if !h.relayChunk(st) {
				return
			}
			continue
		}

		idx := bytes.IndexByte(st.buf, '\n')
		if idx < 0 {
			// Sem linha completa. Uma entrada que cresce sem nunca fechar
			// frame é descartada por inteiro.
			if len(st.buf) > 2*h.cfg.Limits.MaxMessageSizeRaw {
				st.buf = st.buf[:0]
				st.logger.Warn("frame buffer overflow, discarding input")
				h.sendError(st.sess, "Message buffer overflow, input discarded")
			}
			return
		}
		line := st.buf[:idx]
		st.buf = st.buf[idx+1:]
		h.dispatch(st, line)
	}
}

// dispatch interpreta uma linha completa recebida em FRAME mode.
func (h *Handler) dispatch(st *connState, line []byte) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return // linhas em branco entre frames são toleradas
	}
	if len(line) > h.cfg.Limits.MaxMessageSizeRaw {
		h.FramesRejected.Add(1)
		h.sendError(st.sess, "Message too large")
		return
	}
	if !st.sess.AllowFrame() {
		h.FramesRejected.Add(1)
		h.sendError(st.sess, "Rate limit exceeded, message dropped")
		return
	}

	f, err := protocol.ParseFrame(trimmed)
	if err != nil {
		h.FramesRejected.Add(1)
		st.logger.Debug("malformed frame", "error", err)
		h.sendError(st.sess, "Invalid message format")
		return
	}

	st.sess.framesIn.Add(1)
	h.FramesIn.Add(1)

	switch f.Type {
	case protocol.TypeGroup:
		h.handleGroup(st, f)
	case protocol.TypeDM:
		h.handleDM(st, f)
	case protocol.TypeRequestUsers:
		h.broadcastUserList()
	case protocol.TypeRequestHistory:
		h.handleRequestHistory(st, f)
	case protocol.TypeRequestChats:
		h.handleRequestChats(st)
	case protocol.TypeTyping:
		h.handleTyping(st, f)
	case protocol.TypeFileTransferStart:
		h.handleTransferStart(st, f)
	case protocol.TypeFileTransferEnd:
		h.handleTransferEnd(st, f, line)
	default:
		h.sendError(st.sess, fmt.Sprintf("Unknown message type: %s", f.Type))
	}
}

// handleGroup repassa a mensagem a todos os outros usuários e persiste.
func (h *Handler) handleGroup(st *connState, f *protocol.Frame) {
	if f.Message == "" && len(f.EncryptedData) == 0 {
		h.sendError(st.sess, "Empty message")
		return
	}
	out := &protocol.Frame{
		Type:          protocol.TypeGroup,
		From:          st.sess.Username,
		Message:       f.Message,
		EncryptedData: f.EncryptedData,
		Timestamp:     stampOf(f),
	}
	h.MessagesGroup.Add(1)
	h.registry.Broadcast(out, st.sess.Username)
	h.persist(st, "group", "group", f)
}

// handleDM entrega a mensagem ao destinatário e confirma ao remetente.
// A persistência acontece mesmo com o destinatário offline: o histórico é
// a única chance de entrega nesse caso.
func (h *Handler) handleDM(st *connState, f *protocol.Frame) {
	if f.To == "" {
		h.sendError(st.sess, "Missing recipient")
		return
	}
	out := &protocol.Frame{
		Type:          protocol.TypeDM,
		From:          st.sess.Username,
		To:            f.To,
		Message:       f.Message,
		EncryptedData: f.EncryptedData,
		Timestamp:     stampOf(f),
	}
	h.MessagesDM.Add(1)
	h.persist(st, f.To, "dm", f)

	target, ok := h.registry.Lookup(f.To)
	if !ok {
		h.sendError(st.sess, fmt.Sprintf("User %s not found or offline", f.To))
		return
	}
	if err := target.Send(out); err != nil {
		h.sendError(st.sess, fmt.Sprintf("User %s not found or offline", f.To))
		return
	}
	conf := *out
	conf.Sent = true
	h.sendFrame(st.sess, &conf)
}

// handleRequestHistory busca as mensagens recentes da conversa no serviço
// de persistência e responde ao solicitante.
func (h *Handler) handleRequestHistory(st *connState, f *protocol.Frame) {
	if f.ChatWith == "" {
		h.sendError(st.sess, "Missing chat_with")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.History.Timeout)
	defer cancel()

	msgs, err := h.history.Recent(ctx, st.sess.Username, f.ChatWith, 100)
	if err != nil {
		st.logger.Warn("history fetch failed", "chat_with", f.ChatWith, "error", err)
		h.sendError(st.sess, "Could not fetch history")
		return
	}
	h.sendFrame(st.sess, &protocol.Frame{
		Type:     protocol.TypeHistory,
		ChatWith: f.ChatWith,
		Messages: msgs,
	})
}

// handleRequestChats lista as conversas conhecidas do usuário.
func (h *Handler) handleRequestChats(st *connState) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.History.Timeout)
	defer cancel()

	chats, err := h.history.ChatList(ctx, st.sess.Username)
	if err != nil {
		st.logger.Warn("chat list fetch failed", "error", err)
		h.sendError(st.sess, "Could not fetch chat list")
		return
	}
	h.sendFrame(st.sess, &protocol.Frame{
		Type:  protocol.TypeChatList,
		Chats: chats,
	})
}

// handleTyping repassa o indicador de digitação. Efêmero: destinatário
// offline é ignorado e nada é persistido.
func (h *Handler) handleTyping(st *connState, f *protocol.Frame) {
	out := &protocol.Frame{Type: protocol.TypeTyping, From: st.sess.Username, To: f.To}
	if f.To == "" || f.To == "group" {
		out.To = "group"
		h.registry.Broadcast(out, st.sess.Username)
		return
	}
	if target, ok := h.registry.Lookup(f.To); ok {
		_ = target.Send(out)
	}
}

// handleTransferStart valida o pedido, reserva o par no coordenador,
// encaminha o frame de start ao receptor e entra em RELAY mode.
func (h *Handler) handleTransferStart(st *connState, f *protocol.Frame) {
	if f.FileID == "" || f.Receiver == "" || f.FileSize < 0 {
		h.sendError(st.sess, "Invalid file transfer request")
		return
	}

	// O receptor atribui o arquivo pelo campo sender do frame encaminhado;
	// o servidor carimba o valor, nunca confia no que o cliente mandou.
	f.Sender = st.sess.Username

	// Nos registros do servidor o nome entra saneado; no wire segue verbatim.
	name := displayName(f.FileName)

	tc, err := h.transfers.Begin(st.sess.Username, f.Receiver, f.FileID, name, f.FileSize)
	if err != nil {
		st.logger.Debug("transfer rejected", "receiver", f.Receiver, "error", err)
		h.sendError(st.sess, "File transfer already in progress")
		return
	}

	receiver, ok := h.registry.Lookup(f.Receiver)
	if !ok {
		h.transfers.Release(tc)
		h.sendError(st.sess, fmt.Sprintf("%s is offline", f.Receiver))
		return
	}

	h.TransfersStarted.Add(1)
	h.event(observability.EventTransferStart, st.sess.Username,
		fmt.Sprintf("%s -> %s (%s, %d bytes)", st.sess.Username, f.Receiver, name, f.FileSize))

	fwd, err := protocol.EncodeFrame(f)
	if err != nil {
		if h.transfers.Release(tc) {
			h.recordTransfer(tc, "failed")
		}
		h.sendError(st.sess, "Invalid file transfer request")
		return
	}

	// O lock de escrita do receptor fica preso do frame de start até o
	// último byte do payload: nada se intromete no meio do arquivo.
	receiver.LockWriter()
	if err := receiver.WriteLocked(fwd); err != nil {
		receiver.UnlockWriter()
		if h.transfers.Release(tc) {
			h.recordTransfer(tc, "failed")
		}
		h.sendError(st.sess, fmt.Sprintf("File transfer failed: %s disconnected", f.Receiver))
		return
	}
	st.relay = &relayState{tc: tc, receiver: receiver}
	st.logger.Info("file transfer started",
		"file_id", f.FileID, "file_name", name, "receiver", f.Receiver, "size", f.FileSize)
}

// relayChunk encaminha payload em RELAY mode. Retorna false quando precisa
// de mais bytes do socket e true quando houve progresso (ou mudança de modo).
func (h *Handler) relayChunk(st *connState) bool {
	rs := st.relay
	remaining := rs.tc.Remaining()
	if remaining <= 0 {
		h.finishPayload(st)
		return true
	}
	if len(st.buf) == 0 {
		return false
	}
	if rs.tc.Released() {
		// Watchdog ou desconexão do receptor liberou o contexto no meio do
		// payload; os lados já foram avisados por quem liberou.
		h.abortPayload(st, "")
		return true
	}

	k := int64(len(st.buf))
	if k > remaining {
		k = remaining
	}
	if err := rs.receiver.WriteLocked(st.buf[:k]); err != nil {
		st.logger.Warn("relay write failed", "receiver", rs.receiver.Username, "error", err)
		h.abortPayload(st, fmt.Sprintf("File transfer failed: %s disconnected", rs.receiver.Username))
		return true
	}
	rs.tc.AddRelayed(k)
	h.BytesRelayed.Add(k)
	st.buf = st.buf[k:]

	if rs.tc.Remaining() == 0 {
		h.finishPayload(st)
	}
	return true
}

// finishPayload sai de RELAY mode depois do último byte do payload. O
// contexto segue reservado até o file_transfer_end correspondente.
func (h *Handler) finishPayload(st *connState) {
	rs := st.relay
	rs.receiver.UnlockWriter()
	st.relay = nil
	st.logger.Debug("file payload relayed",
		"file_id", rs.tc.FileID, "receiver", rs.receiver.Username, "bytes", rs.tc.RelayedBytes())
}

// abortPayload interrompe o relay: solta o lock do receptor, volta a FRAME
// mode e marca o restante da janela de payload para descarte — os bytes que
// o remetente ainda mandar dela são engolidos, não interpretados como frames.
// msg vazio indica que o contexto foi liberado por terceiros (watchdog ou
// desconexão) e o remetente já foi avisado.
func (h *Handler) abortPayload(st *connState, msg string) {
	rs := st.relay
	remaining := rs.tc.Remaining()
	drop := remaining
	if n := int64(len(st.buf)); n < drop {
		drop = n
	}
	if drop > 0 {
		st.buf = st.buf[drop:]
	}
	st.discard = remaining - drop
	rs.receiver.UnlockWriter()
	st.relay = nil

	if h.transfers.Release(rs.tc) {
		h.recordTransfer(rs.tc, "failed")
	}
	if msg != "" {
		h.sendError(st.sess, msg)
	}
}

// handleTransferEnd confirma o fim da transferência ativa do remetente,
// encaminha o frame verbatim ao receptor e libera as reservas.
func (h *Handler) handleTransferEnd(st *connState, f *protocol.Frame, line []byte) {
	tc, ok := h.transfers.ActiveFor(st.sess.Username)
	if !ok || tc.FileID != f.FileID {
		h.sendError(st.sess, "No matching file transfer")
		return
	}

	if receiver, online := h.registry.Lookup(tc.Receiver); online {
		fwd := make([]byte, 0, len(line)+1)
		fwd = append(fwd, line...)
		fwd = append(fwd, '\n')
		// O payload já terminou e o lock já foi solto; o end entra na fila
		// normal do receptor.
		_ = receiver.enqueue(fwd)
	}

	status := f.Status
	if status == "" {
		status = "success"
	}
	if h.transfers.Release(tc) {
		h.recordTransfer(tc, status)
	}
	st.logger.Info("file transfer finished",
		"file_id", tc.FileID, "receiver", tc.Receiver, "status", status, "bytes", tc.RelayedBytes())
}

// teardown limpa tudo que a conexão deixou para trás: locks de relay
// pendentes, transferências que referenciam o usuário, registro e avisos
// aos demais. O fechamento do socket é idempotente.
func (h *Handler) teardown(st *connState) {
	sess := st.sess

	if st.relay != nil {
		st.relay.receiver.UnlockWriter()
		st.relay = nil
	}

	for _, tc := range h.transfers.ReleaseUser(sess.Username) {
		h.recordTransfer(tc, "disconnect")
		other := tc.Receiver
		if other == sess.Username {
			other = tc.Sender
		}
		if peer, ok := h.registry.Lookup(other); ok && other != sess.Username {
			h.sendFrame(peer, protocol.NewError(
				fmt.Sprintf("File transfer interrupted: %s disconnected", sess.Username)))
		}
	}

	removed := h.registry.Remove(sess)
	sess.Close()

	if removed {
		h.registry.Broadcast(protocol.NewSystem(fmt.Sprintf("%s left the chat", sess.Username)), "")
		h.broadcastUserList()
		h.event(observability.EventLeave, sess.Username, sess.RemoteAddr)
		in, out, drops := sess.Counters()
		st.logger.Info("user disconnected",
			"frames_in", in, "frames_out", out, "queue_drops", drops,
			"duration", time.Since(sess.ConnectedAt).Round(time.Second).String())
	}
}

// broadcastUserList manda a lista corrente de usuários para todo mundo.
func (h *Handler) broadcastUserList() {
	h.registry.Broadcast(protocol.NewUserList(h.registry.Usernames()), "")
}

// persist envia a mensagem ao serviço de histórico (fire-and-forget).
// Mensagens E2EE chegam com encrypted_data {ciphertext, nonce, mac};
// mensagens em claro vão com o texto no campo ciphertext e nonce/mac vazios.
func (h *Handler) persist(st *connState, recipient, typ string, f *protocol.Frame) {
	rec := history.Record{
		Sender:    st.sess.Username,
		Recipient: recipient,
		Type:      typ,
	}
	if len(f.EncryptedData) > 0 {
		var blob struct {
			Ciphertext string `json:"ciphertext"`
			Nonce      string `json:"nonce"`
			Mac        string `json:"mac"`
		}
		if err := json.Unmarshal(f.EncryptedData, &blob); err != nil || blob.Ciphertext == "" {
			st.logger.Debug("unrecognized encrypted payload shape, persisting raw")
			rec.Ciphertext = string(f.EncryptedData)
		} else {
			rec.Ciphertext = blob.Ciphertext
			rec.Nonce = blob.Nonce
			rec.Mac = blob.Mac
		}
	} else {
		rec.Ciphertext = f.Message
	}
	h.history.SaveAsync(rec)
}

// sendFrame enfileira um frame para a sessão, ignorando sessões mortas.
func (h *Handler) sendFrame(s *Session, f *protocol.Frame) {
	if err := s.Send(f); err != nil && !errors.Is(err, ErrSessionClosed) {
		h.logger.Debug("dropping frame", "user", s.Username, "error", err)
	}
}

// sendError enfileira um frame de erro para a sessão.
func (h *Handler) sendError(s *Session, msg string) {
	h.ErrorsSent.Add(1)
	h.sendFrame(s, protocol.NewError(msg))
}

// event registra um evento operacional quando a web UI está ativa.
func (h *Handler) event(kind, user, detail string) {
	if h.events != nil {
		h.events.PushEvent(kind, user, detail)
	}
}

// recordTransfer contabiliza uma transferência finalizada e a registra no
// histórico da web UI.
func (h *Handler) recordTransfer(tc *TransferContext, status string) {
	if status == "success" {
		h.TransfersCompleted.Add(1)
	} else {
		h.TransfersFailed.Add(1)
	}
	h.event(observability.EventTransferEnd, tc.Sender, fmt.Sprintf("%s (%s)", tc.FileID, status))
	if h.transferLog != nil {
		h.transferLog.Push(observability.TransferRecord{
			FileID:    tc.FileID,
			FileName:  tc.FileName,
			Sender:    tc.Sender,
			Receiver:  tc.Receiver,
			SizeBytes: tc.Expected,
			Relayed:   tc.RelayedBytes(),
			StartedAt: tc.StartedAt.Format(time.RFC3339),
			EndedAt:   time.Now().Format(time.RFC3339),
			Status:    status,
		})
	}
}

// stampOf devolve o timestamp do frame ou o relógio do servidor quando o
// cliente não mandou nenhum.
func stampOf(f *protocol.Frame) string {
	if f.Timestamp != "" {
		return f.Timestamp
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// newConnID gera um identificador curto e único para o trace da conexão.
func newConnID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("conn-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
