// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Router License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config carrega e valida os arquivos YAML de configuração do
// nrouter-server, nrouter-connector e nrouter-cli.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RouterConfig representa a configuração completa do nrouter-server.
type RouterConfig struct {
	Server         ServerListen `yaml:"server"`
	Broker         BrokerInfo   `yaml:"broker"`
	ObjectStoreURL string       `yaml:"object_store_url"` // informativo; o Router trata URLs como opacas
	Logging        LoggingInfo  `yaml:"logging"`
	WebUI          WebUIConfig  `yaml:"web_ui"`
}

// ServerListen contém o endereço de escuta HTTP do router.
type ServerListen struct {
	Listen       string        `yaml:"listen"`        // default: ":8000"
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // default: 0 (sem limite; uploads de stream são longos)
	WriteTimeout time.Duration `yaml:"write_timeout"` // default: 0 (respostas B ficam abertas)
	IdleTimeout  time.Duration `yaml:"idle_timeout"`  // default: 120s
}

// BrokerInfo contém os parâmetros do request broker e da session registry.
type BrokerInfo struct {
	RequestTimeout    time.Duration `yaml:"request_timeout"`    // default: 60s
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"` // default: 15s
	MaxBufferedBytes  string        `yaml:"max_buffered_bytes"` // ex: "256mb" (default)
	MaxBufferedRaw    int64         `yaml:"-"`
	StreamQueueDepth  int           `yaml:"stream_queue_depth"` // default: 16
	MaxChunkSize      string        `yaml:"max_chunk_size"`     // ex: "4mb" (default)
	MaxChunkRaw       int64         `yaml:"-"`
	CompletedTTL      time.Duration `yaml:"completed_ttl"` // retenção de requests terminais (default: 60s)
}

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
	// SessionLogDir habilita um arquivo de log por sessão de connector
	// ({dir}/{mac}/{session}.log). Vazio = desabilitado.
	SessionLogDir string `yaml:"session_log_dir"`
}

// WebUIConfig configura o listener HTTP de observabilidade.
type WebUIConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Listen       string        `yaml:"listen"`        // default: "127.0.0.1:9848"
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // default: 5s
	WriteTimeout time.Duration `yaml:"write_timeout"` // default: 15s
	IdleTimeout  time.Duration `yaml:"idle_timeout"`  // default: 60s
	AllowOrigins []string      `yaml:"allow_origins"` // IP ou CIDR (deny-by-default)

	// Persistência de eventos operacionais
	EventsFile     string `yaml:"events_file"`      // default: "events.jsonl"
	EventsMaxLines int    `yaml:"events_max_lines"` // default: 10000

	// Parsed é preenchido em validate(); não vem do YAML.
	ParsedCIDRs []*net.IPNet `yaml:"-"`
}

// LoadRouterConfig lê e valida o arquivo YAML de configuração do router.
func LoadRouterConfig(path string) (*RouterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading router config: %w", err)
	}

	var cfg RouterConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing router config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating router config: %w", err)
	}

	return &cfg, nil
}

func (c *RouterConfig) validate() error {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8000"
	}
	if c.Server.IdleTimeout <= 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}

	// Broker defaults
	if c.Broker.RequestTimeout <= 0 {
		c.Broker.RequestTimeout = 60 * time.Second
	}
	if c.Broker.KeepaliveInterval <= 0 {
		c.Broker.KeepaliveInterval = 15 * time.Second
	}
	if c.Broker.KeepaliveInterval < time.Second {
		return fmt.Errorf("broker.keepalive_interval must be at least 1s, got %s", c.Broker.KeepaliveInterval)
	}
	if c.Broker.MaxBufferedBytes == "" {
		c.Broker.MaxBufferedBytes = "256mb"
	}
	parsed, err := ParseByteSize(c.Broker.MaxBufferedBytes)
	if err != nil {
		return fmt.Errorf("broker.max_buffered_bytes: %w", err)
	}
	if parsed <= 0 {
		return fmt.Errorf("broker.max_buffered_bytes must be > 0, got %s", c.Broker.MaxBufferedBytes)
	}
	c.Broker.MaxBufferedRaw = parsed

	if c.Broker.StreamQueueDepth <= 0 {
		c.Broker.StreamQueueDepth = 16
	}

	if c.Broker.MaxChunkSize == "" {
		c.Broker.MaxChunkSize = "4mb"
	}
	chunkParsed, err := ParseByteSize(c.Broker.MaxChunkSize)
	if err != nil {
		return fmt.Errorf("broker.max_chunk_size: %w", err)
	}
	if chunkParsed < 1024 {
		return fmt.Errorf("broker.max_chunk_size must be at least 1kb, got %s", c.Broker.MaxChunkSize)
	}
	c.Broker.MaxChunkRaw = chunkParsed

	if c.Broker.CompletedTTL <= 0 {
		c.Broker.CompletedTTL = 60 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}

	// Web UI defaults e validação
	if c.WebUI.Enabled {
		if c.WebUI.Listen == "" {
			c.WebUI.Listen = "127.0.0.1:9848"
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
