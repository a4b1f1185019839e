// Copyright (c) 2025 Pratik. All rights reserved.
// Use of this source code is governed by the Sajilo Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package observability provê as APIs HTTP de estado do sajilo-server:
// sessões vivas, transferências, métricas e eventos operacionais.
package observability

import (
	"net"
	"net/http"
)

// ACL restringe o acesso HTTP por origem: só IPs contidos em pelo menos um
// dos CIDRs configurados passam (deny-by-default).
type ACL struct {
	allowed []*net.IPNet
}

// NewACL cria uma ACL a partir dos CIDRs já parseados pela configuração.
func NewACL(cidrs []*net.IPNet) *ACL {
	return &ACL{allowed: cidrs}
}

// Middleware envolve um handler com a checagem de origem. Requisições de
// fora da lista recebem 403 Forbidden.
func (a *ACL) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Allowed(r.RemoteAddr) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Allowed decide se o endereço remoto pode acessar. Aceita "host:port" ou
// um IP puro sem porta.
func (a *ACL) Allowed(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, cidr := range a.allowed {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}
