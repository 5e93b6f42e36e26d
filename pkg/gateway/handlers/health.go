package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/config"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyCheck probes one backing dependency.
type ReadyCheck func(ctx context.Context) error

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Checks    map[string]ReadyCheck
	Timeout   time.Duration
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK               bool       `json:"ok"`
		Draining         bool       `json:"draining"`
		DrainingSince    *time.Time `json:"draining_since,omitempty"`
		AuthMode         string     `json:"auth_mode"`
		AllowlistEnabled bool       `json:"allowlist_enabled"`
		LimitsEnabled    bool       `json:"limits_enabled"`
		Issues           []string   `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}
	if h.Config.GeminiAPIKey == "" && h.Config.DatabaseURL == "" {
		issues = append(issues, "no upstream credential source configured")
	}
	if h.Config.ConnectTimeout <= 0 || h.Config.WSWriteTimeout <= 0 || h.Config.WSPingInterval <= 0 {
		issues = append(issues, "live timeouts must be > 0")
	}
	if h.Config.OutboundQueueSize <= 0 {
		issues = append(issues, "outbound queue size must be > 0")
	}

	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	names := make([]string, 0, len(h.Checks))
	for name := range h.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		err := h.Checks[name](ctx)
		cancel()
		if err != nil {
			issues = append(issues, name+": "+err.Error())
		}
	}

	draining := h.Lifecycle.IsDraining()
	var drainingSince *time.Time
	if since, ok := h.Lifecycle.DrainingSince(); ok {
		drainingSince = &since
	}
	limitsEnabled := (h.Config.LimitRPS > 0 && h.Config.LimitBurst > 0) ||
		h.Config.LimitMaxConcurrentRequests > 0 ||
		h.Config.WSMaxSessionsPerPrincipal > 0

	ok := len(issues) == 0 && !draining
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:               ok,
		Draining:         draining,
		DrainingSince:    drainingSince,
		AuthMode:         string(h.Config.AuthMode),
		AllowlistEnabled: len(h.Config.IPAllowlist) > 0,
		LimitsEnabled:    limitsEnabled,
		Issues:           issues,
	})
}
