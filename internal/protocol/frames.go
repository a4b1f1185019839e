// Copyright (c) 2025 Pratik. All rights reserved.
// Use of this source code is governed by the Sajilo Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package protocol implementa o protocolo de frames do Sajilo Chat:
// JSON UTF-8 em linha única terminada por '\n' sobre TCP. Payloads de
// arquivo NÃO passam por aqui — durante uma transferência os bytes crus
// são encaminhados fora do parser de frames.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// Tipos de frame do vocabulário de controle.
const (
	TypeRequestAuth       = "request_auth"
	TypeError             = "error"
	TypeSystem            = "system"
	TypeUserList          = "user_list"
	TypeGroup             = "group"
	TypeDM                = "dm"
	TypeRequestUsers      = "request_users"
	TypeRequestHistory    = "request_history"
	TypeHistory           = "history"
	TypeRequestChats      = "request_chats"
	TypeChatList          = "chat_list"
	TypeTyping            = "typing"
	TypeFileTransferStart = "file_transfer_start"
	TypeFileTransferEnd   = "file_transfer_end"
)

// MaxHandshakeLine é o tamanho máximo aceito para a resposta de auth
// durante o handshake. Independe do max_message_size configurado.
const MaxHandshakeLine = 1024

// MaxUsernameLength é o tamanho máximo de um username.
const MaxUsernameLength = 30

// Erros do protocolo.
var (
	ErrLineTooLong     = errors.New("protocol: line exceeds maximum length")
	ErrEmptyFrame      = errors.New("protocol: empty frame")
	ErrInvalidUsername = errors.New("protocol: invalid username")
)

// usernamePattern valida usernames: 1 a 30 chars alfanuméricos ou underscore.
var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Frame é uma mensagem de controle. Um único struct cobre todo o vocabulário;
// campos não usados pelo tipo corrente ficam zerados e são omitidos no JSON.
// Messages, Chats e EncryptedData são repassados opacos (json.RawMessage):
// o relay nunca interpreta conteúdo cifrado nem o corpo do histórico.
type Frame struct {
	Type          string          `json:"type,omitempty"`
	From          string          `json:"from,omitempty"`
	To            string          `json:"to,omitempty"`
	Message       string          `json:"message,omitempty"`
	Token         string          `json:"token,omitempty"`
	// omitzero, não omitempty: uma sala vazia ainda manda "users":[] no
	// user_list; nos demais frames o slice nil continua omitido.
	Users         []string        `json:"users,omitzero"`
	ChatWith      string          `json:"chat_with,omitempty"`
	Messages      json.RawMessage `json:"messages,omitempty"`
	Chats         json.RawMessage `json:"chats,omitempty"`
	EncryptedData json.RawMessage `json:"encrypted_data,omitempty"`
	Timestamp     string          `json:"timestamp,omitempty"`
	Sent          bool            `json:"sent,omitempty"`

	// Metadados de transferência de arquivo.
	FileID   string `json:"file_id,omitempty"`
	FileName string `json:"file_name,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
	Receiver string `json:"receiver,omitempty"`
	Sender   string `json:"sender,omitempty"`
	Status   string `json:"status,omitempty"`
}

// ParseFrame decodifica uma linha (sem o '\n') em um Frame.
func ParseFrame(line []byte) (*Frame, error) {
	if len(line) == 0 {
		return nil, ErrEmptyFrame
	}
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	return &f, nil
}

// ValidateUsername aplica as regras de username do handshake.
func ValidateUsername(name string) error {
	if name == "" || len(name) > MaxUsernameLength {
		return ErrInvalidUsername
	}
	if !usernamePattern.MatchString(name) {
		return ErrInvalidUsername
	}
	return nil
}

// NewError monta um frame de erro com a mensagem dada.
func NewError(msg string) *Frame {
	return &Frame{Type: TypeError, Message: msg}
}

// NewSystem monta um frame de aviso do servidor.
func NewSystem(msg string) *Frame {
	return &Frame{Type: TypeSystem, Message: msg}
}

// NewUserList monta um frame com a lista corrente de usuários online.
func NewUserList(users []string) *Frame {
	if users == nil {
		users = []string{}
	}
	return &Frame{Type: TypeUserList, Users: users}
}
