package mw

import (
	"net/http"
	"strings"

	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/apierror"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/config"
)

const (
	corsAllowedMethods = "GET, OPTIONS"
	corsMaxAge         = "600"
)

var corsAllowedHeaders = strings.Join([]string{
	"Content-Type",
	"X-Request-ID",
	"X-API-Key",
}, ", ")

var corsExposedHeaders = strings.Join([]string{
	"X-Request-ID",
	"Retry-After",
}, ", ")

// OriginAllowed reports whether a browser origin may call the relay. An
// empty allowlist admits every origin.
func OriginAllowed(allowed map[string]struct{}, origin string) bool {
	if len(allowed) == 0 {
		return true
	}
	_, ok := allowed[origin]
	return ok
}

// CORS answers preflights and decorates responses for browser callers of the
// introspection API. The websocket endpoint does its own Origin check.
func CORS(cfg config.Config, next http.Handler) http.Handler {
	allowed := cfg.CORSAllowedOrigins
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			if !OriginAllowed(allowed, origin) {
				apierror.WriteError(w, http.StatusForbidden, &apierror.Error{
					Type:    apierror.TypePermission,
					Message: "origin is not allowed",
					Param:   "Origin",
				})
				return
			}
			setAllowOrigin(w, allowed, origin)
			w.Header().Set("Access-Control-Allow-Methods", corsAllowedMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsAllowedHeaders)
			w.Header().Set("Access-Control-Max-Age", corsMaxAge)
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if OriginAllowed(allowed, origin) {
			setAllowOrigin(w, allowed, origin)
			w.Header().Set("Access-Control-Expose-Headers", corsExposedHeaders)
		}
		next.ServeHTTP(w, r)
	})
}

func setAllowOrigin(w http.ResponseWriter, allowed map[string]struct{}, origin string) {
	if len(allowed) == 0 {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")
}
