// Package app wires configuration, adapters and subsystems into one process.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oxidizr/xagent/internal/adapter/jobs"
	"github.com/oxidizr/xagent/internal/adapter/logtail"
	"github.com/oxidizr/xagent/internal/adapter/security"
	"github.com/oxidizr/xagent/internal/adapter/store"
	"github.com/oxidizr/xagent/internal/adapter/xray"
	"github.com/oxidizr/xagent/internal/config"
	"github.com/oxidizr/xagent/internal/guard"
	"github.com/oxidizr/xagent/internal/links"
	"github.com/oxidizr/xagent/internal/logger"
	"github.com/oxidizr/xagent/internal/notify"
	"github.com/oxidizr/xagent/internal/restore"
	"github.com/oxidizr/xagent/internal/util"
	"github.com/oxidizr/xagent/internal/worker"
)

// Application hosts up to three subsystems behind config toggles: the HTTP
// server, the job worker and the guard loop. Any subset may be enabled per
// process; cross-process safety comes from the store's atomics.
type Application struct {
	cfg    *config.Config
	logger *logger.StyledLogger

	redis  *redis.Client
	xray   *xray.Client
	server *Server
	worker *worker.Worker
	guard  *guard.Guard

	startTime time.Time
	wg        sync.WaitGroup
}

func New(ctx context.Context, startTime time.Time, cfg *config.Config, styled *logger.StyledLogger) (*Application, error) {
	if cfg.Server.Enabled && cfg.Server.APIToken == "" {
		return nil, fmt.Errorf("server.api_token must be set when the server is enabled")
	}

	rdb, err := store.NewClient(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("state store: %w", err)
	}

	styled.InfoWithEndpoint("Using proxy control endpoint", cfg.Xray.APIAddr)
	xrayClient := xray.NewClient(cfg.Xray.APIAddr, cfg.Xray.RPCTimeout, cfg.Xray.ReadyTimeout, styled)

	jobStore := jobs.NewStore(rdb)
	capLimiter := security.NewCapacityLimiter(rdb, cfg.Capacity.Limit, cfg.Capacity.TTLSec, styled)
	rateLimiter := security.NewRateLimiter(rdb, security.DefaultRateRules(), styled,
		func() int64 { return time.Now().UnixMilli() })

	snaps := logtail.NewProvider(cfg.AccessLog, cfg.Xray.InboundTag, styled)
	notifier := notify.NewClient(cfg.Notify, styled)
	linkBuilder := links.NewBuilder(cfg.Link)
	engine := restore.NewEngine(xrayClient, styled)

	wrk := worker.New(jobStore, xrayClient, capLimiter, notifier, linkBuilder, engine,
		cfg.Xray.InboundTag, cfg.Xray.DefaultFlow, cfg.Debug, styled)

	app := &Application{
		cfg:       cfg,
		logger:    styled,
		redis:     rdb,
		xray:      xrayClient,
		worker:    wrk,
		startTime: startTime,
	}

	if cfg.Server.Enabled {
		if !util.IsPortAvailable(cfg.Server.Host, cfg.Server.Port) {
			return nil, fmt.Errorf("port %d is not available on %s", cfg.Server.Port, cfg.Server.Host)
		}
		trustedCIDRs, err := util.ParseTrustedCIDRs(cfg.Server.TrustedProxyCIDRs)
		if err != nil {
			return nil, fmt.Errorf("server.trusted_proxy_cidrs: %w", err)
		}
		handlers := NewHandlers(cfg, xrayClient, snaps, jobStore, capLimiter, engine, wrk, styled)
		app.server = NewServer(cfg, handlers, rateLimiter, trustedCIDRs, styled)
	}

	if cfg.Guard.Enabled {
		app.guard = guard.New(cfg.Guard, cfg.Xray.InboundTag, snaps, wrk, notifier, rdb, styled)
	}

	return app, nil
}

// Start launches the enabled subsystems. The returned error only covers
// startup; runtime failures are logged by the subsystems themselves.
func (a *Application) Start(ctx context.Context) error {
	if a.server != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.server.Start(); err != nil {
				a.logger.ErrorWithEndpoint("HTTP server exited", a.cfg.Server.GetAddress(), "error", err)
			}
		}()
	}

	if a.cfg.Worker.Enabled {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.worker.Run(ctx)
		}()
	}

	if a.guard != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.guard.Run(ctx)
		}()
	}

	a.logger.Info("Application started",
		"server", a.server != nil,
		"worker", a.cfg.Worker.Enabled,
		"guard", a.guard != nil,
	)
	return nil
}

// Stop drains the HTTP server, waits for subsystem goroutines and closes the
// shared connections.
func (a *Application) Stop(ctx context.Context) error {
	var firstErr error

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			firstErr = err
			a.logger.Error("HTTP shutdown failed", "error", err)
		}
	}

	a.wg.Wait()

	if err := a.xray.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.redis.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	a.logger.Info("Application stopped", "uptime", time.Since(a.startTime).Round(time.Second))
	return firstErr
}
