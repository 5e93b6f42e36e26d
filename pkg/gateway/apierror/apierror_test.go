package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFromError_ContextCanceled_Is408Cancelled(t *testing.T) {
	ae, status := FromError(context.Canceled, "req_test")
	if status != 408 {
		t.Fatalf("status=%d", status)
	}
	if ae.Type != TypeAPI {
		t.Fatalf("type=%q", ae.Type)
	}
	if ae.Code != "cancelled" {
		t.Fatalf("code=%q", ae.Code)
	}
	if ae.RequestID != "req_test" {
		t.Fatalf("request_id=%q", ae.RequestID)
	}
}

func TestFromError_WrappedCanonical(t *testing.T) {
	err := fmt.Errorf("admit: %w", New(TypePermission, "Forbidden: IP not whitelisted"))
	ae, status := FromError(err, "req_1")
	if status != http.StatusForbidden {
		t.Fatalf("status=%d", status)
	}
	if ae.Message != "Forbidden: IP not whitelisted" || ae.RequestID != "req_1" {
		t.Fatalf("err=%+v", ae)
	}
}

func TestFromError_UnknownIsInternal(t *testing.T) {
	ae, status := FromError(errors.New("db password leaked"), "")
	if status != http.StatusInternalServerError {
		t.Fatalf("status=%d", status)
	}
	if ae.Message != "internal error" {
		t.Fatalf("message=%q", ae.Message)
	}
}

func TestWriteError_SetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	retry := 3
	WriteError(rec, http.StatusTooManyRequests, &Error{Type: TypeRateLimit, Message: "slow down", RetryAfter: &retry})

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status=%d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "3" {
		t.Fatalf("Retry-After=%q", got)
	}
	var env Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Error == nil || env.Error.Type != TypeRateLimit {
		t.Fatalf("envelope=%+v", env)
	}
}

func TestWriteError_NilUsesStatusText(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusUnauthorized, nil)
	var env Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Error.Type != TypeAuthentication || env.Error.Message != "Unauthorized" {
		t.Fatalf("envelope=%+v", env.Error)
	}
}
