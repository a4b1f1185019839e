// Copyright (c) 2025 Pratik. All rights reserved.
// Use of this source code is governed by the Sajilo Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package history fala com o serviço HTTP de persistência de mensagens.
// O relay nunca espera por ele no caminho de entrega: gravações são
// fire-and-forget via fila de workers, e falhas apenas geram log.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/dev-pratik02/Sajilo-Chat/internal/config"
)

const (
	// saveWorkers é o número de workers drenando a fila de gravação.
	saveWorkers = 4
	// saveQueueSize limita gravações pendentes; acima disso mensagens são
	// descartadas da persistência (a entrega em tempo real não é afetada).
	saveQueueSize = 1024
	// defaultHistoryLimit é usado quando o client pede um limite fora de 1..500.
	defaultHistoryLimit = 100
)

// Record é o corpo canônico de persistência de uma mensagem.
// Mensagens em claro viajam em Ciphertext com Nonce/Mac vazios; o serviço
// de histórico trata os três campos como opacos.
type Record struct {
	Sender     string `json:"sender"`
	Recipient  string `json:"recipient"`
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
	Mac        string `json:"mac"`
	Type       string `json:"type"` // group | dm
}

// Client acessa o serviço de histórico.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger

	queue     chan Record
	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewClient cria o client e inicia os workers de gravação assíncrona.
// Close deve ser chamado no shutdown.
func NewClient(cfg config.HistoryConfig, logger *slog.Logger) *Client {
	c := &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
		queue:   make(chan Record, saveQueueSize),
		stop:    make(chan struct{}),
	}
	for i := 0; i < saveWorkers; i++ {
		c.wg.Add(1)
		go c.saveLoop()
	}
	return c
}

// Close para os workers. Gravações ainda na fila são descartadas:
// persistência é best-effort por contrato.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}

// SaveAsync enfileira a gravação de uma mensagem sem bloquear o chamador.
// Com a fila cheia a mensagem é descartada da persistência, com log.
func (c *Client) SaveAsync(rec Record) {
	select {
	case c.queue <- rec:
	default:
		c.logger.Warn("history save queue full, dropping message",
			"sender", rec.Sender,
			"type", rec.Type,
		)
	}
}

func (c *Client) saveLoop() {
	defer c.wg.Done()
	for {
		select {
		case rec := <-c.queue:
			if err := c.Save(context.Background(), rec); err != nil {
				c.logger.Warn("history save failed",
					"sender", rec.Sender,
					"recipient", rec.Recipient,
					"type", rec.Type,
					"error", err,
				)
			}
		case <-c.stop:
			return
		}
	}
}

// Save grava uma mensagem de forma síncrona. POST {base}/messages/save → 201.
func (c *Client) Save(ctx context.Context, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding history record: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages/save", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building save request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("posting message to history service: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("history service returned status %d", resp.StatusCode)
	}
	return nil
}

// Recent busca as mensagens recentes entre username e chatWith.
// GET {base}/messages/history?username=U&chat_with=V&limit=N → {"messages":[...]}.
// O array retornado é opaco: o relay repassa ao client sem interpretar.
func (c *Client) Recent(ctx context.Context, username, chatWith string, limit int) (json.RawMessage, error) {
	if limit < 1 || limit > 500 {
		limit = defaultHistoryLimit
	}

	q := url.Values{}
	q.Set("username", username)
	q.Set("chat_with", chatWith)
	q.Set("limit", strconv.Itoa(limit))

	var out struct {
		Messages json.RawMessage `json:"messages"`
	}
	if err := c.getJSON(ctx, "/messages/history?"+q.Encode(), &out); err != nil {
		return nil, fmt.Errorf("requesting message history: %w", err)
	}
	if len(out.Messages) == 0 {
		return json.RawMessage("[]"), nil
	}
	return out.Messages, nil
}

// ChatList busca a lista de conversas do usuário.
// GET {base}/chats/list?username=U → {"chats":[...]}.
func (c *Client) ChatList(ctx context.Context, username string) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("username", username)

	var out struct {
		Chats json.RawMessage `json:"chats"`
	}
	if err := c.getJSON(ctx, "/chats/list?"+q.Encode(), &out); err != nil {
		return nil, fmt.Errorf("requesting chat list: %w", err)
	}
	if len(out.Chats) == 0 {
		return json.RawMessage("[]"), nil
	}
	return out.Chats, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling history service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("history service returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding history response: %w", err)
	}
	return nil
}
