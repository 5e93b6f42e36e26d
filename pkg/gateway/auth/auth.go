// Package auth decides whether a client may open a relay session and
// supplies the upstream credential the session connects with.
package auth

import (
	"context"
	"net/http"
	"strings"
)

type Principal struct {
	APIKey   string
	ClientIP string
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}

func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// APIKeyFromRequest reads the client key from the X-API-Key header, then the
// apiKey query parameter (browsers cannot set websocket headers), then a
// bearer token.
func APIKeyFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	if r.URL != nil {
		if key := strings.TrimSpace(r.URL.Query().Get("apiKey")); key != "" {
			return key
		}
	}
	if key, ok := ParseBearer(r); ok {
		return key
	}
	return ""
}

// NormalizeIP maps the loopback spellings to 127.0.0.1.
func NormalizeIP(ip string) string {
	ip = strings.TrimSpace(ip)
	switch ip {
	case "::1", "::ffff:127.0.0.1":
		return "127.0.0.1"
	}
	return ip
}

// IPAllowed reports whether ip equals or starts with any allowlist entry.
func IPAllowed(ip string, allowlist []string) bool {
	ip = NormalizeIP(ip)
	if ip == "" {
		return false
	}
	for _, entry := range allowlist {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if ip == entry || strings.HasPrefix(ip, entry) {
			return true
		}
	}
	return false
}
