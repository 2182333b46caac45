package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func clearEnv(t *testing.T) {
	for _, k := range []string{
		"NEONSPARK_GEMINI_API_KEY", "GEMINI_API_KEY",
		"NEONSPARK_GEMINI_API_KEY_FILE", "GEMINI_API_KEY_FILE",
		"NEONSPARK_REDIS_PASSWORD", "NEONSPARK_REDIS_PASSWORD_FILE",
		"NEONSPARK_HTTP_PORT",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPPort != 8000 || cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.RateLimit.MaxRequests != 100 || cfg.RateLimit.Window != time.Hour || cfg.RateLimit.Backend != "memory" {
		t.Errorf("ratelimit = %+v", cfg.RateLimit)
	}
	if cfg.WebSocket.BroadcastInterval != 30*time.Second || cfg.WebSocket.BroadcastBackoff != 5*time.Second || cfg.WebSocket.WriteTimeout != 10*time.Second {
		t.Errorf("websocket = %+v", cfg.WebSocket)
	}
	if cfg.Legacy.PollTimeout != 30*time.Second || cfg.Legacy.PollInterval != 500*time.Millisecond {
		t.Errorf("legacy = %+v", cfg.Legacy)
	}
	if cfg.Gemini.Temperature != 0.7 || cfg.Gemini.MaxOutputTokens != 2048 {
		t.Errorf("gemini = %+v", cfg.Gemini)
	}
	if cfg.GeminiAPIKeyConfigured() {
		t.Error("api key should not be configured")
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
server:
  http_port: 9000
  allowed_origins: ["https://app.example.com"]
gemini:
  model: gemini-1.5-pro
  api_key: from-file
ratelimit:
  max_requests: 5
  window: 10m
  backend: redis
websocket:
  broadcast_interval: 15s
`)
	t.Setenv("GEMINI_API_KEY", "from-env")
	t.Setenv("NEONSPARK_HTTP_PORT", "9100")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPPort != 9100 {
		t.Errorf("http_port = %d, env should win", cfg.Server.HTTPPort)
	}
	if cfg.Gemini.APIKey != "from-env" || cfg.Gemini.Model != "gemini-1.5-pro" {
		t.Errorf("gemini = %+v", cfg.Gemini)
	}
	if cfg.RateLimit.MaxRequests != 5 || cfg.RateLimit.Window != 10*time.Minute || cfg.RateLimit.Backend != "redis" {
		t.Errorf("ratelimit = %+v", cfg.RateLimit)
	}
	if cfg.WebSocket.BroadcastInterval != 15*time.Second {
		t.Errorf("broadcast_interval = %s", cfg.WebSocket.BroadcastInterval)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "https://app.example.com" {
		t.Errorf("allowed_origins = %v", cfg.Server.AllowedOrigins)
	}
}

func TestLoad_SecretFileWins(t *testing.T) {
	clearEnv(t)
	secret := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(secret, []byte("  file-secret\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("NEONSPARK_GEMINI_API_KEY", "plain")
	t.Setenv("NEONSPARK_GEMINI_API_KEY_FILE", secret)
	t.Setenv("NEONSPARK_REDIS_PASSWORD", "redis-pw")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gemini.APIKey != "file-secret" {
		t.Errorf("api key = %q", cfg.Gemini.APIKey)
	}
	if cfg.RateLimit.Redis.Password != "redis-pw" {
		t.Errorf("redis password = %q", cfg.RateLimit.Redis.Password)
	}
}

func TestLoad_Invalid(t *testing.T) {
	clearEnv(t)
	if _, err := Load(writeConfig(t, "ratelimit:\n  backend: etcd\n")); err == nil {
		t.Error("unknown backend should fail")
	}
	if _, err := Load(writeConfig(t, "server: [not a map")); err == nil {
		t.Error("malformed yaml should fail")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}
}
