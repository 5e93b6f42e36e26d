package principal

import (
	"net"
	"net/http"
	"strings"

	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/auth"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/config"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/ratelimit"
)

type Kind string

const (
	KindAPIKey Kind = "api_key"
	KindIP     Kind = "ip"
	KindAnon   Kind = "anonymous"
)

type Resolved struct {
	Kind Kind
	// Raw is the raw resolved identifier (API key or IP). It must not be logged.
	Raw string
	// Key is a hashed/bucketed identifier suitable for in-memory maps.
	Key string
	// ClientIP is always filled when an address is known, even for API key principals.
	ClientIP string
}

func Resolve(r *http.Request, cfg config.Config) Resolved {
	if r == nil {
		return Resolved{Kind: KindAnon, Key: "anonymous"}
	}

	ip := ClientIP(r, cfg.TrustProxyHeaders)

	apiKey := ""
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		apiKey = strings.TrimSpace(p.APIKey)
	}
	if apiKey == "" {
		apiKey = auth.APIKeyFromRequest(r)
	}
	if apiKey != "" {
		return Resolved{
			Kind:     KindAPIKey,
			Raw:      apiKey,
			Key:      ratelimit.PrincipalKeyFromAPIKey(apiKey),
			ClientIP: ip,
		}
	}

	if ip == "" {
		return Resolved{Kind: KindAnon, Key: "anonymous"}
	}
	return Resolved{
		Kind:     KindIP,
		Raw:      ip,
		Key:      ratelimit.PrincipalKeyFromIP(ip),
		ClientIP: ip,
	}
}

// ClientIP returns the caller address. Proxy headers are consulted only when
// trusted: X-Forwarded-For (left-most), X-Real-IP, then CF-Connecting-IP.
func ClientIP(r *http.Request, trustProxyHeaders bool) string {
	if r == nil {
		return ""
	}

	if trustProxyHeaders {
		if raw := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); raw != "" {
			// XFF can be "client, proxy1, proxy2". Take the left-most.
			first := strings.TrimSpace(strings.Split(raw, ",")[0])
			if ip := parseIP(first); ip != "" {
				return ip
			}
		}
		if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
		if ip := parseIP(r.Header.Get("CF-Connecting-IP")); ip != "" {
			return ip
		}
	}

	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return parseIP(host)
}

func parseIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// Some proxies include a port; accept "ip:port" as well.
	if h, _, err := net.SplitHostPort(s); err == nil {
		s = h
	}

	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return ""
	}
	return auth.NormalizeIP(ip.String())
}
