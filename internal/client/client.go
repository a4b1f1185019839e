// Copyright (c) 2025 Pratik. All rights reserved.
// Use of this source code is governed by the Sajilo Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package client implementa um cliente do protocolo Sajilo Chat: handshake
// autenticado, envio e recepção de frames e transferência de arquivos com
// rate limiting opcional de upload. É a base do sajilo-smoketest e dos
// testes de integração; um cliente interativo completo fica fora daqui.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/dev-pratik02/Sajilo-Chat/internal/protocol"
)

// Erros do cliente.
var (
	ErrServerRejected = errors.New("client: server rejected request")
	ErrWaitTimeout    = errors.New("client: timed out waiting for frame")
)

const (
	defaultDialTimeout = 5 * time.Second
	defaultMaxLine     = 256 * 1024
	fileChunkSize      = 4096
)

// Options ajusta o comportamento do cliente. O zero value funciona.
type Options struct {
	// DialTimeout limita o connect TCP. Default 5s.
	DialTimeout time.Duration
	// MaxLine limita o tamanho de frame aceito do servidor. Frames de
	// histórico podem ser grandes; o default é 256KB.
	MaxLine int
	// UploadBytesPerSec limita o payload de SendFile. 0 desliga o throttle.
	UploadBytesPerSec int64
}

// Client é uma conexão com o relay. Escritas são serializadas internamente;
// leituras (Recv e variantes) assumem um único goroutine leitor.
type Client struct {
	conn    net.Conn
	br      *bufio.Reader
	opts    Options
	writeMu chMutex
}

// chMutex é um mutex sobre canal, para permitir lock com contexto no futuro
// sem trocar a assinatura dos métodos de escrita.
type chMutex chan struct{}

func (m chMutex) lock()   { m <- struct{}{} }
func (m chMutex) unlock() { <-m }

// Dial conecta ao relay no endereço dado. A conexão volta pronta para o
// handshake: chame Login antes de qualquer outra operação.
func Dial(addr string, opts Options) (*Client, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.MaxLine <= 0 {
		opts.MaxLine = defaultMaxLine
	}

	conn, err := net.DialTimeout("tcp", addr, opts.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dialing relay: %w", err)
	}

	return &Client{
		conn:    conn,
		br:      bufio.NewReader(conn),
		opts:    opts,
		writeMu: make(chMutex, 1),
	}, nil
}

// Login executa o handshake: espera o request_auth do servidor, envia o
// token e devolve o frame de boas-vindas. Rejeições viram erro com a
// mensagem do servidor.
func (c *Client) Login(token string) (*protocol.Frame, error) {
	req, err := c.recvDeadline(10 * time.Second)
	if err != nil {
		return nil, fmt.Errorf("waiting for auth request: %w", err)
	}
	if req.Type != protocol.TypeRequestAuth {
		return nil, fmt.Errorf("unexpected frame %q before auth request", req.Type)
	}

	if err := c.Send(&protocol.Frame{Token: token}); err != nil {
		return nil, err
	}

	reply, err := c.recvDeadline(10 * time.Second)
	if err != nil {
		return nil, fmt.Errorf("waiting for auth reply: %w", err)
	}
	if reply.Type == protocol.TypeError {
		return nil, fmt.Errorf("%w: %s", ErrServerRejected, reply.Message)
	}
	return reply, nil
}

// Recv bloqueia até o próximo frame do servidor.
func (c *Client) Recv() (*protocol.Frame, error) {
	return protocol.ReadFrame(c.br, c.opts.MaxLine)
}

// RecvTimeout lê o próximo frame com prazo. Expirado o prazo, retorna erro
// de deadline do socket.
func (c *Client) RecvTimeout(d time.Duration) (*protocol.Frame, error) {
	return c.recvDeadline(d)
}

func (c *Client) recvDeadline(d time.Duration) (*protocol.Frame, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return nil, fmt.Errorf("setting read deadline: %w", err)
	}
	defer c.conn.SetReadDeadline(time.Time{})
	return protocol.ReadFrame(c.br, c.opts.MaxLine)
}

// WaitFor consome frames até chegar um do tipo pedido, descartando os
// demais (avisos de entrada/saída, user_list etc). Útil em testes e no
// smoketest, onde o tráfego de sistema intercala com as respostas.
func (c *Client) WaitFor(frameType string, timeout time.Duration) (*protocol.Frame, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: %s", ErrWaitTimeout, frameType)
		}
		f, err := c.recvDeadline(remaining)
		if err != nil {
			return nil, err
		}
		if f.Type == frameType {
			return f, nil
		}
	}
}

// Send serializa e envia um frame.
func (c *Client) Send(f *protocol.Frame) error {
	c.writeMu.lock()
	defer c.writeMu.unlock()
	return protocol.WriteFrame(c.conn, f)
}

// SendGroup envia uma mensagem para o chat em grupo.
func (c *Client) SendGroup(message string) error {
	return c.Send(&protocol.Frame{Type: protocol.TypeGroup, Message: message})
}

// SendDM envia uma mensagem direta.
func (c *Client) SendDM(to, message string) error {
	return c.Send(&protocol.Frame{Type: protocol.TypeDM, To: to, Message: message})
}

// RequestUsers pede a lista de usuários online.
func (c *Client) RequestUsers() error {
	return c.Send(&protocol.Frame{Type: protocol.TypeRequestUsers})
}

// RequestHistory pede o histórico da conversa com o usuário dado.
func (c *Client) RequestHistory(chatWith string) error {
	return c.Send(&protocol.Frame{Type: protocol.TypeRequestHistory, ChatWith: chatWith})
}

// RequestChats pede a lista de conversas do usuário.
func (c *Client) RequestChats() error {
	return c.Send(&protocol.Frame{Type: protocol.TypeRequestChats})
}

// Typing avisa que o usuário está digitando. to vazio equivale a "group".
func (c *Client) Typing(to string) error {
	return c.Send(&protocol.Frame{Type: protocol.TypeTyping, To: to})
}

// SendFile transfere size bytes de r para receiver: frame de início, payload
// cru em chunks e frame de fim. A sequência inteira segura o lock de escrita;
// nenhum outro Send intercala com o payload. Um erro no meio do payload
// deixa a conexão inutilizável (o relay espera os bytes restantes).
func (c *Client) SendFile(ctx context.Context, receiver, fileID, fileName string, r io.Reader, size int64) error {
	if size < 0 {
		return fmt.Errorf("sending file %s: negative size %d", fileID, size)
	}

	c.writeMu.lock()
	defer c.writeMu.unlock()

	start := &protocol.Frame{
		Type:     protocol.TypeFileTransferStart,
		FileID:   fileID,
		FileName: fileName,
		FileSize: size,
		Receiver: receiver,
	}
	if err := protocol.WriteFrame(c.conn, start); err != nil {
		return err
	}

	if size > 0 {
		w := newThrottledWriter(ctx, c.conn, c.opts.UploadBytesPerSec)
		if _, err := io.CopyBuffer(w, io.LimitReader(r, size), make([]byte, fileChunkSize)); err != nil {
			return fmt.Errorf("sending file %s payload: %w", fileID, err)
		}
	}

	end := &protocol.Frame{
		Type:     protocol.TypeFileTransferEnd,
		FileID:   fileID,
		FileName: fileName,
		Receiver: receiver,
		Status:   "success",
	}
	if err := protocol.WriteFrame(c.conn, end); err != nil {
		return err
	}
	return nil
}

// ReceiveFile lê o payload anunciado por um frame file_transfer_start,
// copiando exatamente FileSize bytes para w. Deve ser chamado imediatamente
// após receber o start: os bytes seguintes no socket são o arquivo, não
// frames. O frame de fim chega depois, por Recv normal.
func (c *Client) ReceiveFile(start *protocol.Frame, w io.Writer) (int64, error) {
	if start.Type != protocol.TypeFileTransferStart {
		return 0, fmt.Errorf("receiving file: frame %q is not a transfer start", start.Type)
	}
	n, err := io.CopyN(w, c.br, start.FileSize)
	if err != nil {
		return n, fmt.Errorf("receiving file %s payload: %w", start.FileID, err)
	}
	return n, nil
}

// SetReadDeadline aplica um deadline absoluto às leituras seguintes,
// inclusive ao payload de ReceiveFile. Zero value remove o deadline.
func (c *Client) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Close encerra a conexão.
func (c *Client) Close() error {
	return c.conn.Close()
}
