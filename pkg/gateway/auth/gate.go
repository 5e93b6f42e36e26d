package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	ReasonIPNotAllowed   = "Forbidden: IP not whitelisted"
	ReasonInvalidAPIKey  = "Unauthorized: Invalid API key"
	ReasonSettingsFailed = "Service Unavailable: settings unavailable"
)

var ErrNoCredential = errors.New("no upstream API key configured")

type Mode string

const (
	ModeRequired Mode = "required"
	ModeDisabled Mode = "disabled"
)

type Request struct {
	APIKey   string
	ClientIP string
}

type Decision struct {
	Allowed bool
	Status  int
	Reason  string
}

type Authorizer interface {
	Authorize(ctx context.Context, req Request) Decision
}

type CredentialProvider interface {
	GeminiAPIKey(ctx context.Context) (string, error)
}

// Settings are the runtime values a SettingsStore contributes.
type Settings struct {
	AllowedIPs   []string
	GeminiAPIKey string
}

type SettingsStore interface {
	LoadSettings(ctx context.Context) (Settings, error)
}

type GateConfig struct {
	Mode         Mode
	APIKeys      []string
	IPAllowlist  []string
	GeminiAPIKey string

	// Store is optional. Its allowlist is merged with IPAllowlist and its
	// Gemini key wins over GeminiAPIKey.
	Store    SettingsStore
	CacheTTL time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// Gate is the Authorizer and CredentialProvider used by the live endpoint.
type Gate struct {
	mode        Mode
	apiKeys     map[string]struct{}
	allowlist   []string
	staticKey   string
	store       SettingsStore
	ttl         time.Duration
	logger      *slog.Logger
	now         func() time.Time
	group       singleflight.Group
	mu          sync.Mutex
	cached      Settings
	cachedAt    time.Time
	cacheFilled bool
}

func NewGate(cfg GateConfig) *Gate {
	g := &Gate{
		mode:      cfg.Mode,
		apiKeys:   make(map[string]struct{}, len(cfg.APIKeys)),
		staticKey: strings.TrimSpace(cfg.GeminiAPIKey),
		store:     cfg.Store,
		ttl:       cfg.CacheTTL,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if g.mode == "" {
		g.mode = ModeRequired
	}
	for _, k := range cfg.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			g.apiKeys[k] = struct{}{}
		}
	}
	for _, ip := range cfg.IPAllowlist {
		if ip = strings.TrimSpace(ip); ip != "" {
			g.allowlist = append(g.allowlist, ip)
		}
	}
	if g.ttl <= 0 {
		g.ttl = time.Minute
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g
}

// Authorize checks the IP allowlist first, then the API key.
// An empty allowlist admits every address.
func (g *Gate) Authorize(ctx context.Context, req Request) Decision {
	if g == nil || g.mode == ModeDisabled {
		return Decision{Allowed: true, Status: http.StatusOK}
	}

	allowlist := g.allowlist
	if g.store != nil {
		settings, err := g.settings(ctx)
		if err != nil {
			g.logger.Error("settings lookup failed", "error", err)
			return Decision{Status: http.StatusServiceUnavailable, Reason: ReasonSettingsFailed}
		}
		if len(settings.AllowedIPs) > 0 {
			allowlist = append(append([]string(nil), allowlist...), settings.AllowedIPs...)
		}
	}

	if len(allowlist) > 0 && !IPAllowed(req.ClientIP, allowlist) {
		return Decision{Status: http.StatusForbidden, Reason: ReasonIPNotAllowed}
	}
	if _, ok := g.apiKeys[strings.TrimSpace(req.APIKey)]; !ok || req.APIKey == "" {
		return Decision{Status: http.StatusUnauthorized, Reason: ReasonInvalidAPIKey}
	}
	return Decision{Allowed: true, Status: http.StatusOK}
}

func (g *Gate) GeminiAPIKey(ctx context.Context) (string, error) {
	if g == nil {
		return "", ErrNoCredential
	}
	if g.store != nil {
		settings, err := g.settings(ctx)
		if err != nil {
			if g.staticKey != "" {
				g.logger.Warn("settings lookup failed, using configured key", "error", err)
				return g.staticKey, nil
			}
			return "", fmt.Errorf("load settings: %w", err)
		}
		if key := strings.TrimSpace(settings.GeminiAPIKey); key != "" {
			return key, nil
		}
	}
	if g.staticKey == "" {
		return "", ErrNoCredential
	}
	return g.staticKey, nil
}

// settings returns the cached store values, refreshing them once per TTL.
// A failed refresh keeps serving the last good values.
func (g *Gate) settings(ctx context.Context) (Settings, error) {
	now := g.now()
	g.mu.Lock()
	if g.cacheFilled && now.Sub(g.cachedAt) < g.ttl {
		s := g.cached
		g.mu.Unlock()
		return s, nil
	}
	g.mu.Unlock()

	v, err, _ := g.group.Do("settings", func() (any, error) {
		return g.store.LoadSettings(ctx)
	})
	if err != nil {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.cacheFilled {
			g.logger.Warn("settings refresh failed, serving cached values", "error", err)
			return g.cached, nil
		}
		return Settings{}, err
	}

	s := v.(Settings)
	g.mu.Lock()
	g.cached = s
	g.cachedAt = now
	g.cacheFilled = true
	g.mu.Unlock()
	return s, nil
}
