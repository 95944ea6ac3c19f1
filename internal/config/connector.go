// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Router License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConnectorConfig representa a configuração completa do nrouter-connector.
type ConnectorConfig struct {
	Connector ConnectorInfo `yaml:"connector"`
	Router    RouterAddr    `yaml:"router"`
	Datasets  DatasetsInfo  `yaml:"datasets"`
	Upload    UploadInfo    `yaml:"upload"`
	Offload   OffloadInfo   `yaml:"offload"`
	Logging   LoggingInfo   `yaml:"logging"`
}

// ConnectorInfo identifica o connector perante o router.
type ConnectorInfo struct {
	// Mac é o node identifier: string opaca, por convenção um MAC address.
	// Normalizado em validate() para lowercase com hífens.
	Mac string `yaml:"mac"`
}

// RouterAddr contém o endereço do router e os parâmetros do push channel.
type RouterAddr struct {
	URL               string        `yaml:"url"`                // ex: "http://router:8000"
	Transport         string        `yaml:"transport"`          // ws|sse (default: ws)
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"` // default: 15s (deve casar com o router)
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`    // default: 1s
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"` // default: 60s
}

// DatasetsInfo contém o diretório local de datasets e o agendamento do rescan.
type DatasetsInfo struct {
	BaseDir string `yaml:"base_dir"`
	// RescanSchedule é uma cron expression para o rescan periódico do
	// manifest. Vazio = rescan desabilitado (apenas scan no startup).
	RescanSchedule string `yaml:"rescan_schedule"`
}

// UploadInfo contém os parâmetros de upload para o router.
type UploadInfo struct {
	// ThrottleBps limita a banda de upload em bytes/segundo ("0" = sem limite).
	ThrottleBps    string `yaml:"throttle_bps"`
	ThrottleBpsRaw int64  `yaml:"-"`
	// Compression aplica Content-Encoding no corpo dos uploads: none|gzip|zstd.
	// É transparente fim-a-fim: o router decodifica antes do rendezvous.
	Compression string `yaml:"compression"`
	// ChunkSize é o tamanho de cada chunk no Pattern B.
	ChunkSize    string `yaml:"chunk_size"` // default: "1mb"
	ChunkSizeRaw int64  `yaml:"-"`
}

// OffloadInfo contém as credenciais do object store usado no Pattern C.
type OffloadInfo struct {
	Endpoint   string        `yaml:"endpoint"` // ex: "http://minio:9000"
	Region     string        `yaml:"region"`   // default: "us-east-1"
	Bucket     string        `yaml:"bucket"`
	AccessKey  string        `yaml:"access_key"`
	SecretKey  string        `yaml:"secret_key"`
	PresignTTL time.Duration `yaml:"presign_ttl"` // default: 1h
}

// LoadConnectorConfig lê e valida o arquivo YAML de configuração do connector.
func LoadConnectorConfig(path string) (*ConnectorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading connector config: %w", err)
	}

	var cfg ConnectorConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing connector config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating connector config: %w", err)
	}

	return &cfg, nil
}

func (c *ConnectorConfig) validate() error {
	if c.Connector.Mac == "" {
		return fmt.Errorf("connector.mac is required")
	}
	c.Connector.Mac = NormalizeMac(c.Connector.Mac)

	if c.Router.URL == "" {
		return fmt.Errorf("router.url is required")
	}
	c.Router.URL = strings.TrimRight(c.Router.URL, "/")

	if c.Router.Transport == "" {
		c.Router.Transport = "ws"
	}
	c.Router.Transport = strings.ToLower(strings.TrimSpace(c.Router.Transport))
	if c.Router.Transport != "ws" && c.Router.Transport != "sse" {
		return fmt.Errorf("router.transport must be ws or sse, got %q", c.Router.Transport)
	}
	if c.Router.KeepaliveInterval <= 0 {
		c.Router.KeepaliveInterval = 15 * time.Second
	}
	if c.Router.KeepaliveInterval < time.Second {
		return fmt.Errorf("router.keepalive_interval must be at least 1s, got %s", c.Router.KeepaliveInterval)
	}
	if c.Router.ReconnectDelay <= 0 {
		c.Router.ReconnectDelay = 1 * time.Second
	}
	if c.Router.MaxReconnectDelay <= 0 {
		c.Router.MaxReconnectDelay = 60 * time.Second
	}

	if c.Datasets.BaseDir == "" {
		return fmt.Errorf("datasets.base_dir is required")
	}

	// Upload defaults
	if c.Upload.ThrottleBps == "" {
		c.Upload.ThrottleBps = "0"
	}
	parsed, err := ParseByteSize(c.Upload.ThrottleBps)
	if err != nil {
		return fmt.Errorf("upload.throttle_bps: %w", err)
	}
	c.Upload.ThrottleBpsRaw = parsed

	if c.Upload.Compression == "" {
		c.Upload.Compression = "none"
	}
	c.Upload.Compression = strings.ToLower(strings.TrimSpace(c.Upload.Compression))
	if c.Upload.Compression != "none" && c.Upload.Compression != "gzip" && c.Upload.Compression != "zstd" {
		return fmt.Errorf("upload.compression must be none, gzip or zstd, got %q", c.Upload.Compression)
	}

	if c.Upload.ChunkSize == "" {
		c.Upload.ChunkSize = "1mb"
	}
	chunkParsed, err := ParseByteSize(c.Upload.ChunkSize)
	if err != nil {
		return fmt.Errorf("upload.chunk_size: %w", err)
	}
	if chunkParsed < 1024 {
		return fmt.Errorf("upload.chunk_size must be at least 1kb, got %s", c.Upload.ChunkSize)
	}
	c.Upload.ChunkSizeRaw = chunkParsed

	// Offload é opcional; quando configurado, todos os campos são exigidos.
	if c.Offload.Endpoint != "" {
		if c.Offload.Bucket == "" {
			return fmt.Errorf("offload.bucket is required when offload.endpoint is set")
		}
		if c.Offload.AccessKey == "" || c.Offload.SecretKey == "" {
			return fmt.Errorf("offload.access_key and offload.secret_key are required when offload.endpoint is set")
		}
		if c.Offload.Region == "" {
			c.Offload.Region = "us-east-1"
		}
		if c.Offload.PresignTTL <= 0 {
			c.Offload.PresignTTL = time.Hour
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

// NormalizeMac normaliza um node identifier para a convenção do router:
// lowercase, separadores ':' viram '-'. Strings que não parecem MAC são
// apenas lowercased (o identificador é opaco).
func NormalizeMac(mac string) string {
	mac = strings.ToLower(strings.TrimSpace(mac))
	return strings.ReplaceAll(mac, ":", "-")
}
