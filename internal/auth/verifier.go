// Copyright (c) 2025 Pratik. All rights reserved.
// Use of this source code is governed by the Sajilo Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package auth verifica os tokens JWT apresentados no handshake.
// Os tokens são emitidos pelo serviço de autenticação (fora deste repo)
// com HS256 e o username no claim "sub"; aqui só validamos e extraímos.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v4"
)

// Erros de verificação. O handler traduz cada um para a mensagem de erro
// exata esperada pelos clients.
var (
	ErrMissingToken = errors.New("auth: missing token")
	ErrTokenExpired = errors.New("auth: token expired")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrNoSubject    = errors.New("auth: token has no subject")
)

// Verifier valida tokens HS256 com um segredo compartilhado.
type Verifier struct {
	secret []byte
}

// NewVerifier cria um Verifier. Segredo vazio é recusado: o server nunca
// pode subir aceitando qualquer assinatura.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("auth: empty JWT secret")
	}
	return &Verifier{secret: []byte(secret)}, nil
}

// Verify valida assinatura e expiração do token e retorna o claim "sub".
// Só HS256 é aceito; qualquer outro alg (inclusive "none") é rejeitado.
func (v *Verifier) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrMissingToken
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", ErrNoSubject
	}

	return claims.Subject, nil
}
