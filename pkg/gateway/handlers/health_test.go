package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/config"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/lifecycle"
)

func readyConfig() config.Config {
	return config.Config{
		AuthMode:          config.AuthModeRequired,
		APIKeys:           []string{"relay-key"},
		GeminiAPIKey:      "gemini-key",
		ConnectTimeout:    time.Second,
		WSWriteTimeout:    time.Second,
		WSPingInterval:    time.Second,
		OutboundQueueSize: 8,
		LimitRPS:          1,
		LimitBurst:        1,
	}
}

func serveReady(t *testing.T, h ReadyHandler) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v body=%q", err, rr.Body.String())
	}
	return rr.Code, resp
}

func TestHealthHandler_OK(t *testing.T) {
	rr := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok\n" {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestReadyHandler_Ready(t *testing.T) {
	code, resp := serveReady(t, ReadyHandler{Config: readyConfig()})
	if code != http.StatusOK {
		t.Fatalf("status=%d resp=%v", code, resp)
	}
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("expected ok=true, resp=%v", resp)
	}
	if resp["auth_mode"] != "required" || resp["limits_enabled"] != true {
		t.Fatalf("resp=%v", resp)
	}
}

func TestReadyHandler_RequiredAuthEmptyKeys_NotReady(t *testing.T) {
	cfg := readyConfig()
	cfg.APIKeys = nil
	code, resp := serveReady(t, ReadyHandler{Config: cfg})
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", code)
	}
	if ok, _ := resp["ok"].(bool); ok {
		t.Fatalf("expected ok=false")
	}
}

func TestReadyHandler_NoCredentialSource_NotReady(t *testing.T) {
	cfg := readyConfig()
	cfg.GeminiAPIKey = ""
	code, _ := serveReady(t, ReadyHandler{Config: cfg})
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", code)
	}

	cfg.DatabaseURL = "postgres://relay@localhost/relay"
	code, _ = serveReady(t, ReadyHandler{Config: cfg})
	if code != http.StatusOK {
		t.Fatalf("database-backed credential: status=%d", code)
	}
}

func TestReadyHandler_Draining(t *testing.T) {
	lc := &lifecycle.Lifecycle{}
	lc.SetDraining(true)
	code, resp := serveReady(t, ReadyHandler{Config: readyConfig(), Lifecycle: lc})
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", code)
	}
	if resp["draining"] != true {
		t.Fatalf("resp=%v", resp)
	}
	if _, ok := resp["draining_since"].(string); !ok {
		t.Fatalf("draining_since missing: %v", resp)
	}
}

func TestReadyHandler_FailingCheckReported(t *testing.T) {
	h := ReadyHandler{
		Config: readyConfig(),
		Checks: map[string]ReadyCheck{
			"postgres": func(context.Context) error { return nil },
			"redis":    func(context.Context) error { return errors.New("connection refused") },
		},
	}
	code, resp := serveReady(t, h)
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", code)
	}
	issues, _ := resp["issues"].([]any)
	if len(issues) != 1 || issues[0] != "redis: connection refused" {
		t.Fatalf("issues=%v", issues)
	}
}
