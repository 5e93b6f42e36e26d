package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/apierror"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/auth"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/config"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/lifecycle"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/live/session"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/live/sessions"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/metrics"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/mw"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/principal"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/prompts"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/ratelimit"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/upstream"
)

// LiveHandler handles /v1/live websocket sessions.
type LiveHandler struct {
	Config      config.Config
	Upstreams   upstream.AdapterFactory
	Authorizer  auth.Authorizer
	Credentials auth.CredentialProvider
	Prompts     *prompts.Catalog
	Logger      *slog.Logger
	Limiter     *ratelimit.Limiter
	Lifecycle   *lifecycle.Lifecycle
	Sessions    *sessions.Registry
	Metrics     *metrics.Collectors

	// NewSessionID overrides the id generator used when the client sends none.
	NewSessionID func() string
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if r.Method != http.MethodGet {
		writeAPIError(w, reqID, http.StatusMethodNotAllowed, &apierror.Error{Type: apierror.TypeInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"})
		return
	}
	if h.Lifecycle.IsDraining() {
		h.Metrics.Admission(metrics.AdmissionDraining)
		writeAPIError(w, reqID, http.StatusServiceUnavailable, &apierror.Error{Type: apierror.TypeOverloaded, Message: "relay is draining", Code: "draining"})
		return
	}
	if !h.originAllowed(r) {
		h.Metrics.Admission(metrics.AdmissionForbidden)
		writeAPIError(w, reqID, http.StatusForbidden, &apierror.Error{Type: apierror.TypePermission, Message: "origin is not allowed", Param: "Origin"})
		return
	}

	p := principal.Resolve(r, h.Config)
	if h.Authorizer != nil {
		dec := h.Authorizer.Authorize(r.Context(), auth.Request{APIKey: auth.APIKeyFromRequest(r), ClientIP: p.ClientIP})
		if !dec.Allowed {
			logger.Warn("live connection refused", "request_id", reqID, "client_ip", p.ClientIP, "status", dec.Status, "reason", dec.Reason)
			h.Metrics.Admission(admissionResult(dec.Status))
			writeAPIError(w, reqID, dec.Status, &apierror.Error{Type: apierror.TypeFromStatus(dec.Status), Message: dec.Reason})
			return
		}
	}

	dec := h.Limiter.AcquireWSSession(p.Key, time.Now())
	if !dec.Allowed {
		h.Metrics.Admission(metrics.AdmissionRateLimited)
		retryAfter := dec.RetryAfter
		writeAPIError(w, reqID, http.StatusTooManyRequests, &apierror.Error{Type: apierror.TypeRateLimit, Message: "too many live sessions", RetryAfter: &retryAfter})
		return
	}
	defer dec.Permit.Release()

	apiKey := strings.TrimSpace(h.Config.GeminiAPIKey)
	if h.Credentials != nil {
		key, err := h.Credentials.GeminiAPIKey(r.Context())
		if err != nil {
			logger.Error("upstream credential unavailable", "request_id", reqID, "error", err)
			h.Metrics.Admission(metrics.AdmissionUnavailable)
			writeAPIError(w, reqID, http.StatusServiceUnavailable, &apierror.Error{Type: apierror.TypeOverloaded, Message: "upstream credential unavailable"})
			return
		}
		apiKey = key
	}

	query := r.URL.Query()
	sessionID := strings.TrimSpace(query.Get("sessionId"))
	if sessionID == "" {
		sessionID = h.newSessionID()
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  16 << 10,
		WriteBufferSize: 16 << 10,
		// Origin was checked above.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "request_id", reqID, "error", err)
		return
	}
	defer conn.Close()

	var observer session.Observer
	if h.Metrics != nil {
		observer = h.Metrics
	}
	startAt := time.Now()
	s, err := session.New(session.Dependencies{
		Conn:      conn,
		Logger:    logger.With("request_id", reqID),
		Factory:   h.Upstreams,
		Provider:  upstream.ProviderGemini,
		APIKey:    apiKey,
		Prompts:   h.Prompts,
		Model:     h.Config.GeminiModel,
		Observer:  observer,
		SessionID: sessionID,
		UserID:    strings.TrimSpace(query.Get("userId")),
		ExamID:    strings.TrimSpace(query.Get("examId")),
		ClientIP:  p.ClientIP,
		StartTime: startAt,
		Config: session.Config{
			GreetingDelay:     h.Config.GreetingDelay,
			ConnectTimeout:    h.Config.ConnectTimeout,
			PingInterval:      h.Config.WSPingInterval,
			WriteTimeout:      h.Config.WSWriteTimeout,
			ReadTimeout:       h.Config.WSReadTimeout,
			MaxMessageBytes:   h.Config.WSMaxMessageBytes,
			OutboundQueueSize: h.Config.OutboundQueueSize,
		},
	})
	if err != nil {
		logger.Error("failed to initialize live session", "request_id", reqID, "error", err)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session init failed"), time.Now().Add(2*time.Second))
		return
	}

	unregister := h.Sessions.Register(sessionID, sessions.Handle{
		Cancel: s.Cancel,
		Warn:   s.SendWarning,
		Info:   func() sessions.Info { return sessionInfo(s.Snapshot(), time.Now()) },
	})
	h.Metrics.Admission(metrics.AdmissionAccepted)
	h.Metrics.SessionStarted()
	logger.Info("live session registered", "session_id", sessionID, "request_id", reqID, "active_sessions", h.Sessions.Count())

	runErr := s.Run()
	unregister()
	h.Metrics.SessionEnded(time.Since(startAt))
	if runErr != nil {
		logger.Warn("live session ended with error", "session_id", sessionID, "request_id", reqID, "error", runErr)
	}
	logger.Info("live session unregistered", "session_id", sessionID, "active_sessions", h.Sessions.Count())
}

func (h LiveHandler) newSessionID() string {
	if h.NewSessionID != nil {
		return h.NewSessionID()
	}
	return uuid.NewString()
}

func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	return origin == "" || mw.OriginAllowed(h.Config.CORSAllowedOrigins, origin)
}

func admissionResult(status int) string {
	switch status {
	case http.StatusForbidden:
		return metrics.AdmissionForbidden
	case http.StatusUnauthorized:
		return metrics.AdmissionUnauthorized
	default:
		return metrics.AdmissionUnavailable
	}
}

func sessionInfo(in session.Info, now time.Time) sessions.Info {
	return sessions.Info{
		SessionID:    in.SessionID,
		UserID:       in.UserID,
		ExamID:       in.ExamID,
		ClientIP:     in.ClientIP,
		State:        in.State.String(),
		PromptType:   in.PromptType,
		VoiceName:    in.VoiceName,
		Level:        in.Level,
		StartTime:    in.StartTime,
		DurationMS:   now.Sub(in.StartTime).Milliseconds(),
		LastActivity: in.LastActivity,
		Stats:        in.Stats,
	}
}

func writeAPIError(w http.ResponseWriter, reqID string, status int, apiErr *apierror.Error) {
	if apiErr != nil && apiErr.RequestID == "" {
		apiErr.RequestID = reqID
	}
	apierror.WriteError(w, status, apiErr)
}
