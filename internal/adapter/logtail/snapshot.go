package logtail

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/oxidizr/xagent/internal/config"
	"github.com/oxidizr/xagent/internal/core/domain"
	"github.com/oxidizr/xagent/internal/logger"
)

// Provider serves aggregated snapshots of the access log with a short-lived
// cache so rapid polls do not hammer the proxy's disk.
type Provider struct {
	cfg    config.AccessLogConfig
	tag    string
	logger *logger.StyledLogger
	now    func() time.Time

	mu       sync.Mutex
	cached   *domain.Snapshot
	cachedAt time.Time
}

func NewProvider(cfg config.AccessLogConfig, inboundTag string, log *logger.StyledLogger) *Provider {
	return &Provider{
		cfg:    cfg,
		tag:    inboundTag,
		logger: log,
		now:    time.Now,
	}
}

// Snapshot returns a cached view when fresh, otherwise re-parses the log
// tail. Double-checked lock: a concurrent refresh is done at most once per
// cache window.
func (p *Provider) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	p.mu.Lock()
	if p.cached != nil && p.now().Sub(p.cachedAt) < p.cfg.CacheTTL {
		snap := *p.cached
		p.mu.Unlock()
		return snap, nil
	}
	p.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != nil && p.now().Sub(p.cachedAt) < p.cfg.CacheTTL {
		return *p.cached, nil
	}

	snap, err := p.build()
	if err != nil {
		return domain.Snapshot{}, err
	}

	p.cached = &snap
	p.cachedAt = p.now()
	return snap, nil
}

func (p *Provider) build() (domain.Snapshot, error) {
	lines, err := tailLines(p.cfg.Path, p.cfg.TailMaxLines)
	if err != nil {
		return domain.Snapshot{}, err
	}

	now := float64(p.now().Unix())
	events := parseLines(lines, p.tag, now, p.cfg.WindowSec)
	clients := aggregate(events, now, p.cfg.OnlineWindowSec, p.cfg.IPActiveTTLSec, p.cfg.DevicesLimit)

	online := 0
	suspicious := 0
	for _, c := range clients {
		if c.Online {
			online++
		}
		if c.Suspicious {
			suspicious++
		}
	}

	return domain.Snapshot{
		TsEpoch:           now,
		WindowSec:         p.cfg.WindowSec,
		OnlineWindowSec:   p.cfg.OnlineWindowSec,
		DevicesLimit:      p.cfg.DevicesLimit,
		InboundTag:        p.tag,
		WindowEvents:      len(events),
		ClientsTotalSeen:  len(clients),
		ClientsOnline:     online,
		SuspiciousClients: suspicious,
		Clients:           clients,
	}, nil
}

// Healthy checks that the access log exists and is readable.
func (p *Provider) Healthy(ctx context.Context) error {
	info, err := os.Stat(p.cfg.Path)
	if err != nil {
		return fmt.Errorf("access log unavailable: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("access log path %s is a directory", p.cfg.Path)
	}

	f, err := os.Open(p.cfg.Path)
	if err != nil {
		return fmt.Errorf("access log unreadable: %w", err)
	}
	_ = f.Close()
	return nil
}
