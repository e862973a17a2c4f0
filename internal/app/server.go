package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/oxidizr/xagent/internal/app/middleware"
	"github.com/oxidizr/xagent/internal/config"
	"github.com/oxidizr/xagent/internal/core/constants"
	"github.com/oxidizr/xagent/internal/core/domain"
	"github.com/oxidizr/xagent/internal/core/ports"
	"github.com/oxidizr/xagent/internal/logger"
	"github.com/oxidizr/xagent/internal/router"
)

// Server is the HTTP surface: routing, auth, rate limiting, request logging.
type Server struct {
	cfg    *config.Config
	srv    *http.Server
	logger *logger.StyledLogger
}

func NewServer(cfg *config.Config, handlers *Handlers, limiter ports.RateLimiter, trustedCIDRs []*net.IPNet, styled *logger.StyledLogger) *Server {
	registry := router.NewRouteRegistry(styled)

	registry.Register("/health/full", handlers.HealthFull, "Liveness and proxy reachability")
	registry.Register("/health/logfile", handlers.HealthLogfile, "Access log source liveness")
	registry.Register("/xray/status", handlers.XrayStatus, "Raw proxy runtime status")
	registry.Register("/xray/status/clients", handlers.StatusClients, "Parsed access log snapshot")
	registry.Register("/inbounds/{tag}/users/count", handlers.UsersCount, "Inbound user count")
	registry.Register("/inbounds/{tag}/emails", handlers.Emails, "Inbound email list")
	registry.RegisterWithMethod("/clients/issue", handlers.IssueClient, "Enqueue client issue", http.MethodPost)
	registry.RegisterWithMethod("/clients/{email}", handlers.RemoveClient, "Remove client", http.MethodDelete)
	registry.RegisterWithMethod("/xray/restore", handlers.Restore, "Bulk restore users", http.MethodPost)
	registry.RegisterWithMethod("/xray/add_user", handlers.AddUser, "Add a single user", http.MethodPost)
	registry.Register("/jobs/{job_id}", handlers.JobStatus, "Poll job status")

	mux := http.NewServeMux()
	registry.WireUp(mux)

	var handler http.Handler = mux
	handler = middleware.AuthMiddleware(cfg.Server.APIToken,
		func(w http.ResponseWriter, r *http.Request) {
			writeError(w, r, http.StatusUnauthorized, domain.CodeUnauthenticated,
				"missing bearer credential", nil)
		},
		func(w http.ResponseWriter, r *http.Request) {
			writeError(w, r, http.StatusForbidden, domain.CodeForbidden,
				"invalid bearer credential", nil)
		},
	)(handler)
	handler = middleware.RateLimitMiddleware(limiter, cfg.Server.TrustProxyHeaders, trustedCIDRs,
		func(w http.ResponseWriter, r *http.Request, d ports.RateDecision) {
			w.Header().Set(constants.HeaderRetryAfter,
				strconv.Itoa((d.RetryAfterMs+999)/1000))
			writeError(w, r, http.StatusTooManyRequests, domain.CodeRateLimited,
				"rate limit exceeded", map[string]any{
					"group":          d.Group,
					"retry_after_ms": d.RetryAfterMs,
				})
		},
	)(handler)
	handler = middleware.AccessLoggingMiddleware(styled)(handler)
	handler = middleware.RequestLoggingMiddleware(styled)(handler)

	return &Server{
		cfg: cfg,
		srv: &http.Server{
			Addr:         cfg.Server.GetAddress(),
			Handler:      handler,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		logger: styled,
	}
}

// Start serves until the listener closes. It returns nil on graceful
// shutdown.
func (s *Server) Start() error {
	s.logger.InfoWithContext("HTTP server listening on", s.srv.Addr, logger.LogContext{
		DetailedArgs: []any{
			"read_timeout", s.cfg.Server.ReadTimeout,
			"write_timeout", s.cfg.Server.WriteTimeout,
			"allow_sync", s.cfg.Server.AllowSync,
		},
	})
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.Server.ShutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}
