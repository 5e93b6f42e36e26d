package principal

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/auth"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/config"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		trust   bool
		want    string
	}{
		{name: "remote addr", remote: "10.0.0.1:5555", want: "10.0.0.1"},
		{name: "ipv6 loopback", remote: "[::1]:5555", want: "127.0.0.1"},
		{name: "headers ignored when untrusted", remote: "10.0.0.1:1", headers: map[string]string{"X-Forwarded-For": "1.2.3.4"}, want: "10.0.0.1"},
		{name: "xff left-most", remote: "10.0.0.1:1", headers: map[string]string{"X-Forwarded-For": "1.2.3.4, 5.6.7.8"}, trust: true, want: "1.2.3.4"},
		{name: "xff beats real ip", remote: "10.0.0.1:1", headers: map[string]string{"X-Forwarded-For": "1.2.3.4", "X-Real-IP": "9.9.9.9"}, trust: true, want: "1.2.3.4"},
		{name: "real ip", remote: "10.0.0.1:1", headers: map[string]string{"X-Real-IP": "9.9.9.9"}, trust: true, want: "9.9.9.9"},
		{name: "garbage xff falls back", remote: "10.0.0.1:1", headers: map[string]string{"X-Forwarded-For": "nope"}, trust: true, want: "10.0.0.1"},
		{name: "mapped loopback", remote: "10.0.0.1:1", headers: map[string]string{"X-Real-IP": "::ffff:127.0.0.1"}, trust: true, want: "127.0.0.1"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/v1/live", nil)
			r.RemoteAddr = tc.remote
			for k, v := range tc.headers {
				r.Header.Set(k, v)
			}
			if got := ClientIP(r, tc.trust); got != tc.want {
				t.Fatalf("ClientIP()=%q, want %q", got, tc.want)
			}
		})
	}
}

func TestResolve_PrefersAPIKey(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/live?apiKey=secret", nil)
	r.RemoteAddr = "10.0.0.1:1"
	got := Resolve(r, config.Config{})
	if got.Kind != KindAPIKey || got.ClientIP != "10.0.0.1" {
		t.Fatalf("resolved=%+v", got)
	}
	if strings.Contains(got.Key, "secret") {
		t.Fatalf("key leaks raw api key: %q", got.Key)
	}

	r = httptest.NewRequest("GET", "/v1/live", nil)
	r = r.WithContext(auth.WithPrincipal(context.Background(), &auth.Principal{APIKey: "ctx-key"}))
	if got := Resolve(r, config.Config{}); got.Raw != "ctx-key" {
		t.Fatalf("context principal ignored: %+v", got)
	}
}

func TestResolve_FallsBackToIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/live", nil)
	r.RemoteAddr = "10.0.0.2:1"
	got := Resolve(r, config.Config{})
	if got.Kind != KindIP || got.Key != "ip_10.0.0.2" {
		t.Fatalf("resolved=%+v", got)
	}

	r.RemoteAddr = ""
	if got := Resolve(r, config.Config{}); got.Kind != KindAnon {
		t.Fatalf("resolved=%+v", got)
	}
}
