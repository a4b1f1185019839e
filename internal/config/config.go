// Copyright (c) 2025 Pratik. All rights reserved.
// Use of this source code is governed by the Sajilo Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config carrega e valida a configuração do sajilo-server.
// A configuração vem de um arquivo YAML opcional, com overrides por variáveis
// de ambiente (as mesmas do deploy original via Docker). O segredo JWT vem
// EXCLUSIVAMENTE de JWT_SECRET_KEY: sem ele o server não sobe (fail closed).
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RelayConfig representa a configuração completa do sajilo-server.
type RelayConfig struct {
	Server    ServerListen    `yaml:"server"`
	Limits    LimitsConfig    `yaml:"limits"`
	Transfer  TransferConfig  `yaml:"transfer"`
	History   HistoryConfig   `yaml:"history"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Stats     StatsConfig     `yaml:"stats"`
	Logging   LoggingInfo     `yaml:"logging"`
	WebUI     WebUIConfig     `yaml:"web_ui"`

	// Auth nunca vem do YAML; é preenchido a partir do ambiente em applyEnv.
	Auth AuthConfig `yaml:"-"`
}

// ServerListen contém o endereço de escuta do socket de chat.
type ServerListen struct {
	Listen string `yaml:"listen"` // default: "0.0.0.0:5050"
}

// AuthConfig contém o segredo HMAC usado na verificação dos tokens de handshake.
type AuthConfig struct {
	Secret string
}

// LimitsConfig contém os limites do protocolo de frames.
type LimitsConfig struct {
	BufferSize        string        `yaml:"buffer_size"`       // tamanho do chunk de leitura, ex: "4kb" (default: 4kb)
	BufferSizeRaw     int           `yaml:"-"`                 // valor parseado em bytes
	MaxMessageSize    string        `yaml:"max_message_size"`  // tamanho máximo de uma linha de controle (default: 10kb)
	MaxMessageSizeRaw int           `yaml:"-"`                 // valor parseado em bytes
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"` // deadline do handshake completo (default: 10s)
	WriteTimeout      time.Duration `yaml:"write_timeout"`     // deadline por escrita no socket (default: 10s)
	OutboundQueue     int           `yaml:"outbound_queue"`    // frames enfileirados por sessão (default: 256)
}

// TransferConfig contém os limites do relay de arquivos.
type TransferConfig struct {
	Timeout       time.Duration `yaml:"timeout"`        // idade máxima de uma transferência (default: 300s)
	SweepInterval time.Duration `yaml:"sweep_interval"` // intervalo do watchdog (default: 5s)
}

// HistoryConfig aponta para o serviço HTTP de persistência de mensagens.
type HistoryConfig struct {
	BaseURL string        `yaml:"base_url"` // default: "http://localhost:5001/api"
	Timeout time.Duration `yaml:"timeout"`  // default: 5s
}

// RateLimitConfig controla o limite de frames de entrada por sessão.
// Arquivos em RELAY mode não contam: o limite é sobre frames de controle.
type RateLimitConfig struct {
	Enabled   bool `yaml:"enabled"`    // default: false
	PerMinute int  `yaml:"per_minute"` // default: 60
	Burst     int  `yaml:"burst"`      // default: 10
}

// StatsConfig controla o reporter periódico de métricas no log.
// O intervalo é uma string de duração para distinguir "ausente" (default de
// 15s) de "0" explícito, que desliga o reporter.
type StatsConfig struct {
	Interval    string        `yaml:"interval"` // duração, ex: "15s" (default); "0" desliga
	IntervalRaw time.Duration `yaml:"-"`        // valor parseado
}

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level      string `yaml:"level"`        // debug|info|warn|error (default: info)
	Format     string `yaml:"format"`       // json|text (default: json)
	File       string `yaml:"file"`         // arquivo adicional de log (default: vazio = só stdout)
	ConnLogDir string `yaml:"conn_log_dir"` // diretório de traces por conexão (default: vazio = off)
}

// WebUIConfig configura o listener HTTP de observabilidade.
type WebUIConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Listen       string        `yaml:"listen"`        // default: "127.0.0.1:9860"
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // default: 5s
	WriteTimeout time.Duration `yaml:"write_timeout"` // default: 15s
	IdleTimeout  time.Duration `yaml:"idle_timeout"`  // default: 60s
	AllowOrigins []string      `yaml:"allow_origins"` // IP ou CIDR (deny-by-default)

	// Persistência de eventos operacionais
	EventsFile     string `yaml:"events_file"`      // default: "events.jsonl"
	EventsMaxLines int    `yaml:"events_max_lines"` // default: 10000

	// Persistência de transferências finalizadas
	TransferHistoryFile     string `yaml:"transfer_history_file"`      // default: "transfer-history.jsonl"
	TransferHistoryMaxLines int    `yaml:"transfer_history_max_lines"` // default: 5000

	// Arquivamento comprimido do log de eventos
	ArchiveEnabled     bool   `yaml:"archive_enabled"`     // default: false
	ArchiveSchedule    string `yaml:"archive_schedule"`    // cron spec (default: "0 3 * * *")
	ArchiveCompression string `yaml:"archive_compression"` // gzip|zst (default: gzip)
	ArchiveDir         string `yaml:"archive_dir"`         // default: diretório do events_file

	// Parsed é preenchido em validate(); não vem do YAML.
	ParsedCIDRs []*net.IPNet `yaml:"-"`
}

// LoadRelayConfig monta a configuração efetiva: defaults → YAML (quando path
// não é vazio) → variáveis de ambiente → validação.
func LoadRelayConfig(path string) (*RelayConfig, error) {
	var cfg RelayConfig

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading relay config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing relay config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating relay config: %w", err)
	}

	return &cfg, nil
}

// applyEnv aplica as variáveis de ambiente do deploy por cima do YAML.
// Nomes preservados do deploy original: CHAT_HOST, CHAT_PORT, BUFFER_SIZE,
// MAX_MESSAGE_SIZE, FILE_TRANSFER_TIMEOUT, DB_API_URL, DB_API_TIMEOUT,
// RATE_LIMIT_ENABLED, RATE_LIMIT_PER_MINUTE, LOG_LEVEL, LOG_FILE e
// JWT_SECRET_KEY.
func (c *RelayConfig) applyEnv() error {
	host, port := "", ""
	if c.Server.Listen != "" {
		h, p, err := net.SplitHostPort(c.Server.Listen)
		if err != nil {
			return fmt.Errorf("server.listen %q is not host:port: %w", c.Server.Listen, err)
		}
		host, port = h, p
	}

	if v := os.Getenv("CHAT_HOST"); v != "" {
		host = v
	}
	if v := os.Getenv("CHAT_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 65535 {
			return fmt.Errorf("CHAT_PORT must be a port number, got %q", v)
		}
		port = v
	}
	if host != "" || port != "" {
		if host == "" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "5050"
		}
		c.Server.Listen = net.JoinHostPort(host, port)
	}

	if v := os.Getenv("BUFFER_SIZE"); v != "" {
		c.Limits.BufferSize = v
	}
	if v := os.Getenv("MAX_MESSAGE_SIZE"); v != "" {
		c.Limits.MaxMessageSize = v
	}
	if v := os.Getenv("FILE_TRANSFER_TIMEOUT"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return fmt.Errorf("FILE_TRANSFER_TIMEOUT must be a positive number of seconds, got %q", v)
		}
		c.Transfer.Timeout = time.Duration(secs) * time.Second
	}
	if v := os.Getenv("DB_API_URL"); v != "" {
		c.History.BaseURL = v
	}
	if v := os.Getenv("DB_API_TIMEOUT"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return fmt.Errorf("DB_API_TIMEOUT must be a positive number of seconds, got %q", v)
		}
		c.History.Timeout = time.Duration(secs) * time.Second
	}
	if v := os.Getenv("RATE_LIMIT_ENABLED"); v != "" {
		c.RateLimit.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("RATE_LIMIT_PER_MINUTE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be a positive number, got %q", v)
		}
		c.RateLimit.PerMinute = n
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		c.Logging.File = v
	}

	c.Auth.Secret = os.Getenv("JWT_SECRET_KEY")
	return nil
}

func (c *RelayConfig) validate() error {
	if c.Auth.Secret == "" {
		return fmt.Errorf("JWT_SECRET_KEY environment variable is required")
	}

	if c.Server.Listen == "" {
		c.Server.Listen = "0.0.0.0:5050"
	}
	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		return fmt.Errorf("server.listen %q is not host:port: %w", c.Server.Listen, err)
	}

	// Limites do protocolo de frames
	if c.Limits.BufferSize == "" {
		c.Limits.BufferSize = "4kb"
	}
	bufParsed, err := ParseByteSize(c.Limits.BufferSize)
	if err != nil {
		return fmt.Errorf("limits.buffer_size: %w", err)
	}
	if bufParsed < 512 {
		return fmt.Errorf("limits.buffer_size must be at least 512b, got %s", c.Limits.BufferSize)
	}
	c.Limits.BufferSizeRaw = int(bufParsed)

	if c.Limits.MaxMessageSize == "" {
		c.Limits.MaxMessageSize = "10kb"
	}
	msgParsed, err := ParseByteSize(c.Limits.MaxMessageSize)
	if err != nil {
		return fmt.Errorf("limits.max_message_size: %w", err)
	}
	if msgParsed < 1024 {
		return fmt.Errorf("limits.max_message_size must be at least 1kb, got %s", c.Limits.MaxMessageSize)
	}
	c.Limits.MaxMessageSizeRaw = int(msgParsed)

	if c.Limits.HandshakeTimeout <= 0 {
		c.Limits.HandshakeTimeout = 10 * time.Second
	}
	if c.Limits.WriteTimeout <= 0 {
		c.Limits.WriteTimeout = 10 * time.Second
	}
	if c.Limits.OutboundQueue <= 0 {
		c.Limits.OutboundQueue = 256
	}

	// Relay de arquivos
	if c.Transfer.Timeout <= 0 {
		c.Transfer.Timeout = 300 * time.Second
	}
	if c.Transfer.SweepInterval <= 0 {
		c.Transfer.SweepInterval = 5 * time.Second
	}

	// Serviço de histórico
	if c.History.BaseURL == "" {
		c.History.BaseURL = "http://localhost:5001/api"
	}
	c.History.BaseURL = strings.TrimRight(c.History.BaseURL, "/")
	if c.History.Timeout <= 0 {
		c.History.Timeout = 5 * time.Second
	}

	// Rate limit de frames de entrada
	if c.RateLimit.Enabled {
		if c.RateLimit.PerMinute <= 0 {
			c.RateLimit.PerMinute = 60
		}
		if c.RateLimit.Burst <= 0 {
			c.RateLimit.Burst = 10
		}
	}

	if c.Stats.Interval == "" {
		c.Stats.Interval = "15s"
	}
	statsInterval, err := time.ParseDuration(c.Stats.Interval)
	if err != nil {
		return fmt.Errorf("stats.interval: %w", err)
	}
	if statsInterval < 0 {
		return fmt.Errorf("stats.interval must be >= 0, got %s", c.Stats.Interval)
	}
	c.Stats.IntervalRaw = statsInterval

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	// Web UI defaults e validação
	if c.WebUI.Enabled {
		if c.WebUI.Listen == "" {
			c.WebUI.Listen = "127.0.0.1:9860"
		}
		if c.WebUI.ReadTimeout <= 0 {
			c.WebUI.ReadTimeout = 5 * time.Second
		}
		if c.WebUI.WriteTimeout <= 0 {
			c.WebUI.WriteTimeout = 15 * time.Second
		}
		if c.WebUI.IdleTimeout <= 0 {
			c.WebUI.IdleTimeout = 60 * time.Second
		}
		if c.WebUI.EventsFile == "" {
			c.WebUI.EventsFile = "events.jsonl"
		}
		if c.WebUI.EventsMaxLines <= 0 {
			c.WebUI.EventsMaxLines = 10000
		}
		if c.WebUI.TransferHistoryFile == "" {
			c.WebUI.TransferHistoryFile = "transfer-history.jsonl"
		}
		if c.WebUI.TransferHistoryMaxLines <= 0 {
			c.WebUI.TransferHistoryMaxLines = 5000
		}
		if c.WebUI.ArchiveEnabled {
			if c.WebUI.ArchiveSchedule == "" {
				c.WebUI.ArchiveSchedule = "0 3 * * *"
			}
			if c.WebUI.ArchiveCompression == "" {
				c.WebUI.ArchiveCompression = "gzip"
			}
			c.WebUI.ArchiveCompression = strings.ToLower(strings.TrimSpace(c.WebUI.ArchiveCompression))
			if c.WebUI.ArchiveCompression != "gzip" && c.WebUI.ArchiveCompression != "zst" {
				return fmt.Errorf("web_ui.archive_compression must be gzip or zst, got %q", c.WebUI.ArchiveCompression)
			}
		}
		if len(c.WebUI.AllowOrigins) == 0 {
			return fmt.Errorf("web_ui.allow_origins is required when web_ui is enabled (deny-by-default)")
		}
		for _, origin := range c.WebUI.AllowOrigins {
			_, cidr, err := net.ParseCIDR(origin)
			if err != nil {
				// Tenta como IP único → converte para /32 ou /128
				ip := net.ParseIP(strings.TrimSpace(origin))
				if ip == nil {
					return fmt.Errorf("web_ui.allow_origins: %q is not a valid IP or CIDR", origin)
				}
				if ip.To4() != nil {
					_, cidr, _ = net.ParseCIDR(ip.String() + "/32")
				} else {
					_, cidr, _ = net.ParseCIDR(ip.String() + "/128")
				}
			}
			c.WebUI.ParsedCIDRs = append(c.WebUI.ParsedCIDRs, cidr)
		}
	}

	return nil
}

// ParseByteSize converte strings human-readable como "4kb", "10kb", "1mb"
// (ou números puros em bytes) para bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Ordenado do sufixo mais longo para o mais curto
	// para evitar que "mb" matche como "b"
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	// Tenta interpretar como número puro (bytes)
	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
