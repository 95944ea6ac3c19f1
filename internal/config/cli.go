// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Router License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CLIConfig representa a configuração do nrouter-cli.
type CLIConfig struct {
	Router  CLIRouter   `yaml:"router"`
	Polling PollingInfo `yaml:"polling"`
	Metrics MetricsInfo `yaml:"metrics"`
	Logging LoggingInfo `yaml:"logging"`
}

// CLIRouter contém o endereço do router e o timeout do client HTTP.
type CLIRouter struct {
	BaseURL string        `yaml:"base_url"` // default: "http://localhost:8000"
	Timeout time.Duration `yaml:"timeout"`  // default: 90s (> request_timeout do router)
}

// PollingInfo contém os parâmetros do polling de status (fluxo assíncrono).
type PollingInfo struct {
	Interval    time.Duration `yaml:"interval"`     // default: 500ms
	MaxAttempts int           `yaml:"max_attempts"` // default: 240
}

// MetricsInfo contém o destino do coletor CSV de métricas do client.
type MetricsInfo struct {
	OutputFile string `yaml:"output_file"` // default: "nrouter-metrics.csv"
}

// DefaultCLIConfig retorna a configuração default do CLI, usada quando
// nenhum arquivo é informado.
func DefaultCLIConfig() *CLIConfig {
	cfg := &CLIConfig{}
	cfg.applyDefaults()
	return cfg
}

// LoadCLIConfig lê o arquivo YAML de configuração do CLI. Path vazio
// retorna os defaults sem tocar o filesystem.
func LoadCLIConfig(path string) (*CLIConfig, error) {
	if path == "" {
		return DefaultCLIConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading cli config: %w", err)
	}

	var cfg CLIConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing cli config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *CLIConfig) applyDefaults() {
	if c.Router.BaseURL == "" {
		c.Router.BaseURL = "http://localhost:8000"
	}
	if c.Router.Timeout <= 0 {
		c.Router.Timeout = 90 * time.Second
	}
	if c.Polling.Interval <= 0 {
		c.Polling.Interval = 500 * time.Millisecond
	}
	if c.Polling.MaxAttempts <= 0 {
		c.Polling.MaxAttempts = 240
	}
	if c.Metrics.OutputFile == "" {
		c.Metrics.OutputFile = "nrouter-metrics.csv"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}
