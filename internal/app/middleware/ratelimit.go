package middleware

import (
	"net"
	"net/http"

	"github.com/oxidizr/xagent/internal/adapter/security"
	"github.com/oxidizr/xagent/internal/core/ports"
	"github.com/oxidizr/xagent/internal/util"
)

// RateLimitMiddleware applies the per-caller token bucket. The limiter fails
// open internally, so the only rejection path is a genuinely empty bucket.
func RateLimitMiddleware(limiter ports.RateLimiter, trustProxyHeaders bool, trustedCIDRs []*net.IPNet, rejected func(http.ResponseWriter, *http.Request, ports.RateDecision)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			group := security.ResolveGroup(r.URL.Path)
			fingerprint := security.TokenFingerprint(BearerCredential(r))
			ip := util.GetClientIP(r, trustProxyHeaders, trustedCIDRs)

			decision := limiter.Allow(r.Context(), group, fingerprint, ip)
			if !decision.Allowed {
				rejected(w, r, decision)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
