// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Router License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadRouterConfig_ExampleFile(t *testing.T) {
	cfgPath := filepath.Join("..", "..", "configs", "router.example.yaml")
	cfg, err := LoadRouterConfig(cfgPath)
	if err != nil {
		t.Fatalf("failed to load router example config: %v", err)
	}

	if cfg.Server.Listen != "0.0.0.0:8000" {
		t.Errorf("expected listen '0.0.0.0:8000', got %q", cfg.Server.Listen)
	}
	if cfg.Broker.RequestTimeout != 60*time.Second {
		t.Errorf("expected request_timeout 60s, got %s", cfg.Broker.RequestTimeout)
	}
	if cfg.Broker.KeepaliveInterval != 15*time.Second {
		t.Errorf("expected keepalive_interval 15s, got %s", cfg.Broker.KeepaliveInterval)
	}
	if cfg.Broker.MaxBufferedRaw != 256*1024*1024 {
		t.Errorf("expected max_buffered_bytes 256mb, got %d", cfg.Broker.MaxBufferedRaw)
	}
	if cfg.Broker.StreamQueueDepth != 16 {
		t.Errorf("expected stream_queue_depth 16, got %d", cfg.Broker.StreamQueueDepth)
	}
	if cfg.Broker.MaxChunkRaw != 4*1024*1024 {
		t.Errorf("expected max_chunk_size 4mb, got %d", cfg.Broker.MaxChunkRaw)
	}
	if cfg.ObjectStoreURL != "http://minio:9000" {
		t.Errorf("expected object_store_url 'http://minio:9000', got %q", cfg.ObjectStoreURL)
	}
	if !cfg.WebUI.Enabled {
		t.Error("expected web_ui enabled in example config")
	}
	if len(cfg.WebUI.ParsedCIDRs) != 2 {
		t.Errorf("expected 2 parsed CIDRs, got %d", len(cfg.WebUI.ParsedCIDRs))
	}
}

func TestLoadConnectorConfig_ExampleFile(t *testing.T) {
	cfgPath := filepath.Join("..", "..", "configs", "connector.example.yaml")
	cfg, err := LoadConnectorConfig(cfgPath)
	if err != nil {
		t.Fatalf("failed to load connector example config: %v", err)
	}

	// MAC deve ser normalizado de "cc:28:aa:cd:5c:74" para hífens
	if cfg.Connector.Mac != "cc-28-aa-cd-5c-74" {
		t.Errorf("expected normalized mac 'cc-28-aa-cd-5c-74', got %q", cfg.Connector.Mac)
	}
	if cfg.Router.Transport != "ws" {
		t.Errorf("expected transport 'ws', got %q", cfg.Router.Transport)
	}
	if cfg.Datasets.BaseDir != "/var/lib/nrouter/datasets" {
		t.Errorf("expected base_dir '/var/lib/nrouter/datasets', got %q", cfg.Datasets.BaseDir)
	}
	if cfg.Upload.ChunkSizeRaw != 1024*1024 {
		t.Errorf("expected chunk_size 1mb, got %d", cfg.Upload.ChunkSizeRaw)
	}
	if cfg.Offload.Bucket != "datasets" {
		t.Errorf("expected offload bucket 'datasets', got %q", cfg.Offload.Bucket)
	}
	if cfg.Offload.PresignTTL != time.Hour {
		t.Errorf("expected presign_ttl 1h, got %s", cfg.Offload.PresignTTL)
	}
}

func TestLoadCLIConfig_ExampleFile(t *testing.T) {
	cfgPath := filepath.Join("..", "..", "configs", "cli.example.yaml")
	cfg, err := LoadCLIConfig(cfgPath)
	if err != nil {
		t.Fatalf("failed to load cli example config: %v", err)
	}

	if cfg.Router.BaseURL != "http://localhost:8000" {
		t.Errorf("expected base_url 'http://localhost:8000', got %q", cfg.Router.BaseURL)
	}
	if cfg.Polling.Interval != 500*time.Millisecond {
		t.Errorf("expected polling interval 500ms, got %s", cfg.Polling.Interval)
	}
	if cfg.Polling.MaxAttempts != 240 {
		t.Errorf("expected max_attempts 240, got %d", cfg.Polling.MaxAttempts)
	}
}

func TestLoadRouterConfig_Defaults(t *testing.T) {
	// Config mínima: tudo defaultável
	cfgPath := writeTempConfig(t, `
server:
  listen: ""
`)
	cfg, err := LoadRouterConfig(cfgPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Listen != ":8000" {
		t.Errorf("expected default listen ':8000', got %q", cfg.Server.Listen)
	}
	if cfg.Broker.RequestTimeout != 60*time.Second {
		t.Errorf("expected default request_timeout 60s, got %s", cfg.Broker.RequestTimeout)
	}
	if cfg.Broker.KeepaliveInterval != 15*time.Second {
		t.Errorf("expected default keepalive_interval 15s, got %s", cfg.Broker.KeepaliveInterval)
	}
	if cfg.Broker.MaxBufferedRaw != 256*1024*1024 {
		t.Errorf("expected default max_buffered 256mb, got %d", cfg.Broker.MaxBufferedRaw)
	}
	if cfg.Broker.StreamQueueDepth != 16 {
		t.Errorf("expected default stream_queue_depth 16, got %d", cfg.Broker.StreamQueueDepth)
	}
	if cfg.Broker.MaxChunkRaw != 4*1024*1024 {
		t.Errorf("expected default max_chunk 4mb, got %d", cfg.Broker.MaxChunkRaw)
	}
	if cfg.Broker.CompletedTTL != 60*time.Second {
		t.Errorf("expected default completed_ttl 60s, got %s", cfg.Broker.CompletedTTL)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("expected default logging info/json, got %s/%s", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestLoadRouterConfig_KeepaliveTooLow(t *testing.T) {
	cfgPath := writeTempConfig(t, `
broker:
  keepalive_interval: 500ms
`)
	_, err := LoadRouterConfig(cfgPath)
	if err == nil {
		t.Fatal("expected error for keepalive_interval < 1s")
	}
}

func TestLoadRouterConfig_BadMaxBuffered(t *testing.T) {
	cfgPath := writeTempConfig(t, `
broker:
  max_buffered_bytes: "muitos"
`)
	_, err := LoadRouterConfig(cfgPath)
	if err == nil {
		t.Fatal("expected error for invalid max_buffered_bytes")
	}
}

func TestLoadRouterConfig_WebUIWithoutOrigins(t *testing.T) {
	cfgPath := writeTempConfig(t, `
web_ui:
  enabled: true
`)
	_, err := LoadRouterConfig(cfgPath)
	if err == nil {
		t.Fatal("expected error for web_ui without allow_origins (deny-by-default)")
	}
}

func TestLoadRouterConfig_BadLogFormat(t *testing.T) {
	cfgPath := writeTempConfig(t, `
logging:
  format: "xml"
`)
	_, err := LoadRouterConfig(cfgPath)
	if err == nil {
		t.Fatal("expected error for logging.format xml")
	}
}

func TestLoadConnectorConfig_MissingMac(t *testing.T) {
	cfgPath := writeTempConfig(t, `
router:
  url: "http://localhost:8000"
datasets:
  base_dir: /tmp
`)
	_, err := LoadConnectorConfig(cfgPath)
	if err == nil {
		t.Fatal("expected error for missing connector.mac")
	}
}

func TestLoadConnectorConfig_MissingBaseDir(t *testing.T) {
	cfgPath := writeTempConfig(t, `
connector:
  mac: "aa:bb:cc:dd:ee:ff"
router:
  url: "http://localhost:8000"
`)
	_, err := LoadConnectorConfig(cfgPath)
	if err == nil {
		t.Fatal("expected error for missing datasets.base_dir")
	}
}

func TestLoadConnectorConfig_BadTransport(t *testing.T) {
	cfgPath := writeTempConfig(t, `
connector:
  mac: "aa:bb:cc:dd:ee:ff"
router:
  url: "http://localhost:8000"
  transport: "carrier-pigeon"
datasets:
  base_dir: /tmp
`)
	_, err := LoadConnectorConfig(cfgPath)
	if err == nil {
		t.Fatal("expected error for unknown transport")
	}
}

func TestLoadConnectorConfig_OffloadRequiresBucket(t *testing.T) {
	cfgPath := writeTempConfig(t, `
connector:
  mac: "aa:bb:cc:dd:ee:ff"
router:
  url: "http://localhost:8000"
datasets:
  base_dir: /tmp
offload:
  endpoint: "http://minio:9000"
`)
	_, err := LoadConnectorConfig(cfgPath)
	if err == nil {
		t.Fatal("expected error for offload.endpoint without bucket")
	}
}

func TestLoadConnectorConfig_TrimsRouterURL(t *testing.T) {
	cfgPath := writeTempConfig(t, `
connector:
  mac: "AA:BB:CC:DD:EE:FF"
router:
  url: "http://localhost:8000/"
datasets:
  base_dir: /tmp
`)
	cfg, err := LoadConnectorConfig(cfgPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Router.URL != "http://localhost:8000" {
		t.Errorf("expected trailing slash trimmed, got %q", cfg.Router.URL)
	}
	if cfg.Connector.Mac != "aa-bb-cc-dd-ee-ff" {
		t.Errorf("expected normalized mac, got %q", cfg.Connector.Mac)
	}
}

func TestLoadCLIConfig_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := LoadCLIConfig("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Router.BaseURL != "http://localhost:8000" {
		t.Errorf("expected default base_url, got %q", cfg.Router.BaseURL)
	}
	if cfg.Router.Timeout != 90*time.Second {
		t.Errorf("expected default timeout 90s, got %s", cfg.Router.Timeout)
	}
}

func TestLoadRouterConfig_FileNotFound(t *testing.T) {
	_, err := LoadRouterConfig("/nonexistent/path/router.yaml")
	if err == nil {
		t.Fatal("expected error for non-existent file")
	}
}

func TestLoadRouterConfig_InvalidYAML(t *testing.T) {
	cfgPath := writeTempConfig(t, "{{invalid yaml}}")
	_, err := LoadRouterConfig(cfgPath)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestNormalizeMac(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"CC:28:AA:CD:5C:74", "cc-28-aa-cd-5c-74"},
		{"cc-28-aa-cd-5c-74", "cc-28-aa-cd-5c-74"},
		{"  AA:bb:CC:dd:EE:ff ", "aa-bb-cc-dd-ee-ff"},
		{"node-opaque-01", "node-opaque-01"},
	}
	for _, c := range cases {
		if got := NormalizeMac(c.in); got != c.want {
			t.Errorf("NormalizeMac(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParseByteSize(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"256mb", 256 * 1024 * 1024, false},
		{"1gb", 1024 * 1024 * 1024, false},
		{"64kb", 64 * 1024, false},
		{"512b", 512, false},
		{"1024", 1024, false},
		{"4MB", 4 * 1024 * 1024, false},
		{" 8mb ", 8 * 1024 * 1024, false},
		{"", 0, true},
		{"abc", 0, true},
		{"12tb", 0, true},
	}
	for _, c := range cases {
		got, err := ParseByteSize(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseByteSize(%q): expected error, got %d", c.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseByteSize(%q): unexpected error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestFormatByteSize(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{512, "512b"},
		{2048, "2.00kb"},
		{5 * 1024 * 1024, "5.00mb"},
		{3 * 1024 * 1024 * 1024, "3.00gb"},
	}
	for _, c := range cases {
		if got := FormatByteSize(c.in); got != c.want {
			t.Errorf("FormatByteSize(%d) = %q, want %q", c.in, got, c.want)
		}
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}
