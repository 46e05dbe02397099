// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, and duration parsing

package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// testMasterKey is 32 bytes of 0xAA, base64-encoded.
var testMasterKey = base64.StdEncoding.EncodeToString([]byte(strings.Repeat("\xaa", 32)))

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "127.0.0.1:8480"

store:
  path: "./credentials.db"
  master_key: "`+testMasterKey+`"

companion:
  url: "http://127.0.0.1:8481/request"
  callback_secret: "0123456789abcdef0123456789abcdef"

signing:
  timeout: "15s"
  max_concurrent: 2

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:8480" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:8480")
	}

	if cfg.Store.Path != "./credentials.db" {
		t.Errorf("Store.Path = %q, want %q", cfg.Store.Path, "./credentials.db")
	}
	if len(cfg.Store.MasterKey) != 32 {
		t.Errorf("Store.MasterKey len = %d, want 32", len(cfg.Store.MasterKey))
	}

	if cfg.Companion.URL != "http://127.0.0.1:8481/request" {
		t.Errorf("Companion.URL = %q, want %q", cfg.Companion.URL, "http://127.0.0.1:8481/request")
	}

	if cfg.Signing.Timeout != 15*time.Second {
		t.Errorf("Signing.Timeout = %v, want %v", cfg.Signing.Timeout, 15*time.Second)
	}
	if cfg.Signing.MaxConcurrent != 2 {
		t.Errorf("Signing.MaxConcurrent = %d, want 2", cfg.Signing.MaxConcurrent)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_SIGNET_MASTER_KEY", testMasterKey)
	t.Setenv("TEST_SIGNET_CALLBACK_SECRET", "0123456789abcdef0123456789abcdef")

	configPath := writeConfig(t, `
server:
  http_addr: "127.0.0.1:8480"

store:
  path: "./credentials.db"
  master_key: "${TEST_SIGNET_MASTER_KEY}"

companion:
  url: "http://127.0.0.1:8481/request"
  callback_secret: "${TEST_SIGNET_CALLBACK_SECRET}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(cfg.Store.MasterKey) != 32 {
		t.Errorf("Store.MasterKey len = %d, want 32 after env expansion", len(cfg.Store.MasterKey))
	}
	if cfg.Companion.CallbackSecret != "0123456789abcdef0123456789abcdef" {
		t.Errorf("Companion.CallbackSecret = %q, want value from env", cfg.Companion.CallbackSecret)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr "missing colon"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "127.0.0.1:8480"
store:
  path: "./credentials.db"
  master_key: "`+testMasterKey+`"
signing:
  timeout: "invalid-duration"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid duration, got nil")
	}
}

func TestLoad_InvalidMasterKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{name: "not base64", key: "!!!not-base64!!!"},
		{name: "wrong length", key: base64.StdEncoding.EncodeToString([]byte("short"))},
		{name: "empty", key: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, `
server:
  http_addr: "127.0.0.1:8480"
store:
  path: "./credentials.db"
  master_key: "`+tt.key+`"
`)

			if _, err := Load(configPath); err == nil {
				t.Error("Load() expected error for invalid master key, got nil")
			}
		})
	}
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	tests := []struct {
		name          string
		configContent string
		wantErrSubstr string
	}{
		{
			name: "missing http_addr",
			configContent: `
server:
  http_addr: ""
store:
  path: "./credentials.db"
  master_key: "` + testMasterKey + `"
`,
			wantErrSubstr: "server.http_addr is required",
		},
		{
			name: "missing store path",
			configContent: `
server:
  http_addr: "127.0.0.1:8480"
store:
  path: ""
  master_key: "` + testMasterKey + `"
`,
			wantErrSubstr: "store.path is required",
		},
		{
			name: "companion without callback secret",
			configContent: `
server:
  http_addr: "127.0.0.1:8480"
store:
  path: "./credentials.db"
  master_key: "` + testMasterKey + `"
companion:
  url: "http://127.0.0.1:8481/request"
  callback_secret: ""
`,
			wantErrSubstr: "companion.callback_secret",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, tt.configContent)

			_, err := Load(configPath)
			if err == nil {
				t.Errorf("Load() expected error containing %q, got nil", tt.wantErrSubstr)
				return
			}

			if !strings.Contains(err.Error(), tt.wantErrSubstr) {
				t.Errorf("Load() error = %q, want error containing %q", err.Error(), tt.wantErrSubstr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FOO", "bar")
	t.Setenv("BAZ", "qux")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "single env var",
			input:    "${FOO}",
			expected: "bar",
		},
		{
			name:     "env var with surrounding text",
			input:    "prefix-${FOO}-suffix",
			expected: "prefix-bar-suffix",
		},
		{
			name:     "multiple env vars",
			input:    "${FOO}/${BAZ}",
			expected: "bar/qux",
		},
		{
			name:     "no env vars",
			input:    "no-vars-here",
			expected: "no-vars-here",
		},
		{
			name:     "unset env var",
			input:    "${UNSET_VAR}",
			expected: "",
		},
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := expandEnvVars(tt.input)
			if result != tt.expected {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}
