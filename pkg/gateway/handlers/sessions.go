package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/apierror"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/live/sessions"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/mw"
)

// SessionLister lists sessions across every relay instance.
type SessionLister interface {
	List(ctx context.Context) ([]sessions.Info, error)
}

// SessionsHandler serves GET /v1/sessions and GET /v1/sessions/{id}.
// With ?scope=fleet and a Fleet lister it reports every instance.
type SessionsHandler struct {
	Sessions *sessions.Registry
	Fleet    SessionLister
	Instance string
	Logger   *slog.Logger
}

type sessionsResponse struct {
	Instance string          `json:"instance,omitempty"`
	Scope    string          `json:"scope"`
	Count    int             `json:"count"`
	Sessions []sessions.Info `json:"sessions"`
}

func (h SessionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		writeAPIError(w, reqID, http.StatusMethodNotAllowed, &apierror.Error{Type: apierror.TypeInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"})
		return
	}

	if id := strings.TrimSpace(r.PathValue("id")); id != "" {
		info, ok := h.Sessions.Get(id)
		if !ok {
			writeAPIError(w, reqID, http.StatusNotFound, &apierror.Error{Type: apierror.TypeNotFound, Message: "session not found", Param: "id"})
			return
		}
		writeJSON(w, http.StatusOK, info)
		return
	}

	scope := strings.TrimSpace(r.URL.Query().Get("scope"))
	switch scope {
	case "", "local":
		list := h.Sessions.Snapshot()
		if list == nil {
			list = []sessions.Info{}
		}
		writeJSON(w, http.StatusOK, sessionsResponse{Instance: h.Instance, Scope: "local", Count: len(list), Sessions: list})
	case "fleet":
		if h.Fleet == nil {
			writeAPIError(w, reqID, http.StatusBadRequest, &apierror.Error{Type: apierror.TypeInvalidRequest, Message: "fleet scope requires a presence store", Param: "scope"})
			return
		}
		list, err := h.Fleet.List(r.Context())
		if err != nil {
			if h.Logger != nil {
				h.Logger.Error("fleet session list failed", "request_id", reqID, "error", err)
			}
			apierror.Write(w, reqID, err)
			return
		}
		if list == nil {
			list = []sessions.Info{}
		}
		writeJSON(w, http.StatusOK, sessionsResponse{Scope: "fleet", Count: len(list), Sessions: list})
	default:
		writeAPIError(w, reqID, http.StatusBadRequest, &apierror.Error{Type: apierror.TypeInvalidRequest, Message: "scope must be local or fleet", Param: "scope"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
