package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeDisabled AuthMode = "disabled"
)

const DefaultGeminiModel = "gemini-2.5-flash-native-audio-preview-12-2025"

type Config struct {
	Addr string

	AuthMode    AuthMode
	APIKeys     []string
	IPAllowlist []string

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	// This should only be enabled when the relay is deployed behind a trusted proxy/LB.
	TrustProxyHeaders bool

	// CORS and websocket Origin allowlist. Empty allows any origin.
	CORSAllowedOrigins map[string]struct{}

	// Upstream
	GeminiAPIKey string
	GeminiModel  string

	// Session behavior (/v1/live).
	GreetingDelay             time.Duration
	ConnectTimeout            time.Duration
	WSPingInterval            time.Duration
	WSWriteTimeout            time.Duration
	WSReadTimeout             time.Duration
	WSMaxMessageBytes         int64
	OutboundQueueSize         int
	WSMaxSessionsPerPrincipal int

	// In-memory limits (per principal).
	LimitRPS                   float64
	LimitBurst                 int
	LimitMaxConcurrentRequests int
	ConnectRPS                 float64
	ConnectBurst               int

	// Optional backing services.
	PromptsFile      string
	DatabaseURL      string
	SettingsCacheTTL time.Duration
	RedisURL         string
	PresenceInterval time.Duration
	PresenceTTL      time.Duration
	InstanceName     string

	MetricsEnabled bool
	LogFormat      string
	LogLevel       string

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                       envOr("RELAY_ADDR", ":3000"),
		AuthMode:                   AuthMode(envOr("RELAY_AUTH_MODE", string(AuthModeRequired))),
		APIKeys:                    splitCSV(os.Getenv("RELAY_API_KEYS")),
		IPAllowlist:                splitCSV(os.Getenv("RELAY_IP_ALLOWLIST")),
		TrustProxyHeaders:          envBoolOr("RELAY_TRUST_PROXY_HEADERS", false),
		CORSAllowedOrigins:         make(map[string]struct{}),
		GeminiAPIKey:               envOr("RELAY_GEMINI_API_KEY", strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))),
		GeminiModel:                envOr("RELAY_GEMINI_MODEL", DefaultGeminiModel),
		GreetingDelay:              envDurationOr("RELAY_GREETING_DELAY", 500*time.Millisecond),
		ConnectTimeout:             envDurationOr("RELAY_CONNECT_TIMEOUT", 15*time.Second),
		WSPingInterval:             envDurationOr("RELAY_WS_PING_INTERVAL", 30*time.Second),
		WSWriteTimeout:             envDurationOr("RELAY_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadTimeout:              envDurationOr("RELAY_WS_READ_TIMEOUT", 0),
		WSMaxMessageBytes:          envInt64Or("RELAY_WS_MAX_MESSAGE_BYTES", 10<<20), // 10 MiB
		OutboundQueueSize:          envIntOr("RELAY_OUTBOUND_QUEUE_SIZE", 256),
		WSMaxSessionsPerPrincipal:  envIntOr("RELAY_WS_MAX_SESSIONS_PER_PRINCIPAL", 4),
		LimitRPS:                   envFloat64Or("RELAY_RATE_LIMIT_RPS", 5.0),
		LimitBurst:                 envIntOr("RELAY_RATE_LIMIT_BURST", 10),
		LimitMaxConcurrentRequests: envIntOr("RELAY_MAX_CONCURRENT_REQUESTS", 20),
		ConnectRPS:                 envFloat64Or("RELAY_CONNECT_RPS", 1.0),
		ConnectBurst:               envIntOr("RELAY_CONNECT_BURST", 5),
		PromptsFile:                envOr("RELAY_PROMPTS_FILE", ""),
		DatabaseURL:                envOr("RELAY_DATABASE_URL", ""),
		SettingsCacheTTL:           envDurationOr("RELAY_SETTINGS_CACHE_TTL", time.Minute),
		RedisURL:                   envOr("RELAY_REDIS_URL", ""),
		PresenceInterval:           envDurationOr("RELAY_PRESENCE_INTERVAL", 30*time.Second),
		PresenceTTL:                envDurationOr("RELAY_PRESENCE_TTL", 90*time.Second),
		InstanceName:               envOr("RELAY_INSTANCE_NAME", hostname()),
		MetricsEnabled:             envBoolOr("RELAY_METRICS_ENABLED", true),
		LogFormat:                  strings.ToLower(envOr("RELAY_LOG_FORMAT", "json")),
		LogLevel:                   strings.ToLower(envOr("RELAY_LOG_LEVEL", "info")),
		ReadHeaderTimeout:          envDurationOr("RELAY_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:        envDurationOr("RELAY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("RELAY_AUTH_MODE must be one of required|disabled")
	}

	for _, origin := range splitCSV(os.Getenv("RELAY_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	switch cfg.LogFormat {
	case "json", "text":
	default:
		return Config{}, fmt.Errorf("RELAY_LOG_FORMAT must be one of json|text")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("RELAY_LOG_LEVEL must be one of debug|info|warn|error")
	}

	if cfg.GreetingDelay < 0 {
		return Config{}, fmt.Errorf("RELAY_GREETING_DELAY must be >= 0")
	}
	if cfg.ConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("RELAY_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadTimeout < 0 {
		return Config{}, fmt.Errorf("RELAY_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.WSMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("RELAY_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.OutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("RELAY_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.WSMaxSessionsPerPrincipal < 0 {
		return Config{}, fmt.Errorf("RELAY_WS_MAX_SESSIONS_PER_PRINCIPAL must be >= 0")
	}
	if cfg.LimitRPS < 0 {
		return Config{}, fmt.Errorf("RELAY_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.LimitBurst < 0 {
		return Config{}, fmt.Errorf("RELAY_RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.LimitMaxConcurrentRequests < 0 {
		return Config{}, fmt.Errorf("RELAY_MAX_CONCURRENT_REQUESTS must be >= 0")
	}
	if cfg.ConnectRPS < 0 {
		return Config{}, fmt.Errorf("RELAY_CONNECT_RPS must be >= 0")
	}
	if cfg.ConnectBurst < 0 {
		return Config{}, fmt.Errorf("RELAY_CONNECT_BURST must be >= 0")
	}
	if cfg.SettingsCacheTTL <= 0 {
		return Config{}, fmt.Errorf("RELAY_SETTINGS_CACHE_TTL must be > 0")
	}
	if cfg.PresenceInterval <= 0 {
		return Config{}, fmt.Errorf("RELAY_PRESENCE_INTERVAL must be > 0")
	}
	if cfg.PresenceTTL <= cfg.PresenceInterval {
		return Config{}, fmt.Errorf("RELAY_PRESENCE_TTL must be > RELAY_PRESENCE_INTERVAL")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("RELAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("RELAY_API_KEYS must be set when RELAY_AUTH_MODE=required")
	}
	// The settings database may supply the upstream key instead.
	if cfg.GeminiAPIKey == "" && cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("RELAY_GEMINI_API_KEY (or GEMINI_API_KEY) must be set unless RELAY_DATABASE_URL is configured")
	}

	return cfg, nil
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "relay"
	}
	return name
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
