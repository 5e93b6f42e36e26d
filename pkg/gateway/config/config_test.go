package config

import (
	"strings"
	"testing"
	"time"
)

var relayEnvKeys = []string{
	"RELAY_ADDR",
	"RELAY_AUTH_MODE",
	"RELAY_API_KEYS",
	"RELAY_IP_ALLOWLIST",
	"RELAY_TRUST_PROXY_HEADERS",
	"RELAY_CORS_ORIGINS",
	"RELAY_GEMINI_API_KEY",
	"GEMINI_API_KEY",
	"RELAY_GEMINI_MODEL",
	"RELAY_GREETING_DELAY",
	"RELAY_CONNECT_TIMEOUT",
	"RELAY_WS_PING_INTERVAL",
	"RELAY_WS_WRITE_TIMEOUT",
	"RELAY_WS_READ_TIMEOUT",
	"RELAY_WS_MAX_MESSAGE_BYTES",
	"RELAY_OUTBOUND_QUEUE_SIZE",
	"RELAY_WS_MAX_SESSIONS_PER_PRINCIPAL",
	"RELAY_RATE_LIMIT_RPS",
	"RELAY_RATE_LIMIT_BURST",
	"RELAY_MAX_CONCURRENT_REQUESTS",
	"RELAY_CONNECT_RPS",
	"RELAY_CONNECT_BURST",
	"RELAY_PROMPTS_FILE",
	"RELAY_DATABASE_URL",
	"RELAY_SETTINGS_CACHE_TTL",
	"RELAY_REDIS_URL",
	"RELAY_PRESENCE_INTERVAL",
	"RELAY_PRESENCE_TTL",
	"RELAY_INSTANCE_NAME",
	"RELAY_METRICS_ENABLED",
	"RELAY_LOG_FORMAT",
	"RELAY_LOG_LEVEL",
	"RELAY_READ_HEADER_TIMEOUT",
	"RELAY_SHUTDOWN_GRACE_PERIOD",
}

func clearRelayEnv(t *testing.T) {
	t.Helper()
	for _, key := range relayEnvKeys {
		t.Setenv(key, "")
	}
}

func setMinimalEnv(t *testing.T) {
	t.Helper()
	clearRelayEnv(t)
	t.Setenv("RELAY_API_KEYS", "relay_test")
	t.Setenv("RELAY_GEMINI_API_KEY", "gemini_test")
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	setMinimalEnv(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Addr != ":3000" {
		t.Fatalf("Addr = %q, want :3000", cfg.Addr)
	}
	if cfg.AuthMode != AuthModeRequired {
		t.Fatalf("AuthMode = %q, want %q", cfg.AuthMode, AuthModeRequired)
	}
	if cfg.GeminiModel != DefaultGeminiModel {
		t.Fatalf("GeminiModel = %q", cfg.GeminiModel)
	}
	if cfg.GreetingDelay != 500*time.Millisecond {
		t.Fatalf("GreetingDelay = %v, want 500ms", cfg.GreetingDelay)
	}
	if cfg.ConnectTimeout != 15*time.Second {
		t.Fatalf("ConnectTimeout = %v, want 15s", cfg.ConnectTimeout)
	}
	if cfg.WSPingInterval != 30*time.Second {
		t.Fatalf("WSPingInterval = %v, want 30s", cfg.WSPingInterval)
	}
	if cfg.WSWriteTimeout != 5*time.Second {
		t.Fatalf("WSWriteTimeout = %v, want 5s", cfg.WSWriteTimeout)
	}
	if cfg.WSMaxMessageBytes != 10<<20 {
		t.Fatalf("WSMaxMessageBytes = %d, want %d", cfg.WSMaxMessageBytes, int64(10<<20))
	}
	if cfg.OutboundQueueSize != 256 {
		t.Fatalf("OutboundQueueSize = %d, want 256", cfg.OutboundQueueSize)
	}
	if cfg.TrustProxyHeaders {
		t.Fatalf("TrustProxyHeaders = true, want false")
	}
	if !cfg.MetricsEnabled {
		t.Fatalf("MetricsEnabled = false, want true")
	}
	if cfg.LogFormat != "json" || cfg.LogLevel != "info" {
		t.Fatalf("log = %s/%s", cfg.LogFormat, cfg.LogLevel)
	}
	if cfg.ShutdownGracePeriod != 30*time.Second {
		t.Fatalf("ShutdownGracePeriod = %v, want 30s", cfg.ShutdownGracePeriod)
	}
	if len(cfg.CORSAllowedOrigins) != 0 {
		t.Fatalf("CORSAllowedOrigins = %v, want empty", cfg.CORSAllowedOrigins)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("RELAY_ADDR", ":9090")
	t.Setenv("RELAY_API_KEYS", "k1, k2,,")
	t.Setenv("RELAY_IP_ALLOWLIST", "127.0.0.1,10.0.")
	t.Setenv("RELAY_CORS_ORIGINS", "https://app.example.com")
	t.Setenv("RELAY_GREETING_DELAY", "1s")
	t.Setenv("RELAY_TRUST_PROXY_HEADERS", "yes")
	t.Setenv("RELAY_LOG_FORMAT", "TEXT")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Addr != ":9090" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if strings.Join(cfg.APIKeys, "|") != "k1|k2" {
		t.Fatalf("APIKeys = %v", cfg.APIKeys)
	}
	if strings.Join(cfg.IPAllowlist, "|") != "127.0.0.1|10.0." {
		t.Fatalf("IPAllowlist = %v", cfg.IPAllowlist)
	}
	if _, ok := cfg.CORSAllowedOrigins["https://app.example.com"]; !ok {
		t.Fatalf("CORSAllowedOrigins = %v", cfg.CORSAllowedOrigins)
	}
	if cfg.GreetingDelay != time.Second || !cfg.TrustProxyHeaders || cfg.LogFormat != "text" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadFromEnv_GeminiKeyFallback(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("RELAY_GEMINI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "legacy")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.GeminiAPIKey != "legacy" {
		t.Fatalf("GeminiAPIKey = %q, want legacy", cfg.GeminiAPIKey)
	}
}

func TestLoadFromEnv_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{name: "bad auth mode", env: map[string]string{"RELAY_AUTH_MODE": "optional"}, want: "RELAY_AUTH_MODE"},
		{name: "required without keys", env: map[string]string{"RELAY_API_KEYS": ""}, want: "RELAY_API_KEYS"},
		{name: "no upstream key", env: map[string]string{"RELAY_GEMINI_API_KEY": ""}, want: "RELAY_GEMINI_API_KEY"},
		{name: "bad log format", env: map[string]string{"RELAY_LOG_FORMAT": "xml"}, want: "RELAY_LOG_FORMAT"},
		{name: "zero connect timeout", env: map[string]string{"RELAY_CONNECT_TIMEOUT": "0s"}, want: "RELAY_CONNECT_TIMEOUT"},
		{name: "zero queue", env: map[string]string{"RELAY_OUTBOUND_QUEUE_SIZE": "0"}, want: "RELAY_OUTBOUND_QUEUE_SIZE"},
		{name: "presence ttl too short", env: map[string]string{"RELAY_PRESENCE_TTL": "10s"}, want: "RELAY_PRESENCE_TTL"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			setMinimalEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := LoadFromEnv()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %s", err, tc.want)
			}
		})
	}
}

func TestLoadFromEnv_DatabaseCanSupplyKey(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("RELAY_GEMINI_API_KEY", "")
	t.Setenv("RELAY_DATABASE_URL", "postgres://localhost/relay")
	t.Setenv("RELAY_AUTH_MODE", "disabled")
	t.Setenv("RELAY_API_KEYS", "")

	if _, err := LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
}
