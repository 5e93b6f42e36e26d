package mw

import (
	"net/http"
	"time"

	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/apierror"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/config"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/principal"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/ratelimit"
)

// RateLimit applies the per-principal request budget to HTTP API calls.
// Websocket upgrades are budgeted by the live handler per session.
func RateLimit(cfg config.Config, limiter *ratelimit.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health endpoints must remain cheap and reliable.
		if isPublicPath(r.URL.Path) || isWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		key := principal.Resolve(r, cfg).Key
		dec := limiter.AcquireRequest(key, time.Now())
		if !dec.Allowed {
			reqID, _ := RequestIDFrom(r.Context())
			var retryAfter *int
			if dec.RetryAfter > 0 {
				v := dec.RetryAfter
				retryAfter = &v
			}
			apierror.WriteError(w, http.StatusTooManyRequests, &apierror.Error{
				Type:       apierror.TypeRateLimit,
				Message:    "rate limit exceeded",
				RequestID:  reqID,
				RetryAfter: retryAfter,
			})
			return
		}
		defer dec.Permit.Release()

		next.ServeHTTP(w, r)
	})
}
