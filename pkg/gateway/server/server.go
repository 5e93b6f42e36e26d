package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/auth"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/config"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/handlers"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/lifecycle"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/live/sessions"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/metrics"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/mw"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/prompts"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/ratelimit"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/upstream"
)

// Deps are the optional collaborators a Server is built with. Zero values
// fall back to in-process defaults.
type Deps struct {
	Upstreams upstream.AdapterFactory
	Settings  auth.SettingsStore
	Prompts   *prompts.Catalog
	Fleet     handlers.SessionLister
	Checks    map[string]handlers.ReadyCheck
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	upstreams upstream.AdapterFactory
	gate      *auth.Gate
	limiter   *ratelimit.Limiter
	prompts   *prompts.Catalog
	lifecycle *lifecycle.Lifecycle
	sessions  *sessions.Registry
	metrics   *metrics.Collectors
	fleet     handlers.SessionLister
	checks    map[string]handlers.ReadyCheck
}

func New(cfg config.Config, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	upstreams := deps.Upstreams
	if upstreams == nil {
		httpClient := &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		}
		upstreams = upstream.Factory{HTTPClient: httpClient, Logger: logger}
	}

	catalog := deps.Prompts
	if catalog == nil {
		catalog = prompts.Default()
	}

	gateMode := auth.ModeRequired
	if cfg.AuthMode == config.AuthModeDisabled {
		gateMode = auth.ModeDisabled
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		upstreams: upstreams,
		gate: auth.NewGate(auth.GateConfig{
			Mode:         gateMode,
			APIKeys:      cfg.APIKeys,
			IPAllowlist:  cfg.IPAllowlist,
			GeminiAPIKey: cfg.GeminiAPIKey,
			Store:        deps.Settings,
			CacheTTL:     cfg.SettingsCacheTTL,
			Logger:       logger,
		}),
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                     cfg.LimitRPS,
			Burst:                   cfg.LimitBurst,
			ConnectRPS:              cfg.ConnectRPS,
			ConnectBurst:            cfg.ConnectBurst,
			MaxConcurrentRequests:   cfg.LimitMaxConcurrentRequests,
			MaxConcurrentWSSessions: cfg.WSMaxSessionsPerPrincipal,
		}),
		prompts:   catalog,
		lifecycle: &lifecycle.Lifecycle{},
		sessions:  sessions.NewRegistry(),
		fleet:     deps.Fleet,
		checks:    deps.Checks,
	}
	if cfg.MetricsEnabled {
		s.metrics = metrics.New(s.sessions.Count)
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.lifecycle,
		Checks:    s.checks,
	})

	// Live sessions outlive any request latency bucket, so /v1/live is
	// measured by the session collectors instead of Instrument.
	s.mux.Handle("/v1/live", handlers.LiveHandler{
		Config:      s.cfg,
		Upstreams:   s.upstreams,
		Authorizer:  s.gate,
		Credentials: s.gate,
		Prompts:     s.prompts,
		Logger:      s.logger,
		Limiter:     s.limiter,
		Lifecycle:   s.lifecycle,
		Sessions:    s.sessions,
		Metrics:     s.metrics,
	})

	sessionsHandler := handlers.SessionsHandler{
		Sessions: s.sessions,
		Fleet:    s.fleet,
		Instance: s.cfg.InstanceName,
		Logger:   s.logger,
	}
	s.mux.Handle("/v1/sessions", s.metrics.Instrument("/v1/sessions", sessionsHandler))
	s.mux.Handle("/v1/sessions/{id}", s.metrics.Instrument("/v1/sessions/{id}", sessionsHandler))

	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.cfg, s.limiter, h)
	h = mw.Auth(s.cfg, s.gate, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Sessions exposes the live registry, e.g. for presence publishing.
func (s *Server) Sessions() *sessions.Registry {
	return s.sessions
}

func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

func (s *Server) WarnLiveSessionsDraining() int {
	return s.sessions.WarnAll("draining", "relay is shutting down; reconnect to continue")
}

func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.sessions.Wait(ctx)
}

func (s *Server) CancelLiveSessions() int {
	return s.sessions.CancelAll()
}
