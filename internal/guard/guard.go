// Package guard polices device sharing: it watches the access-log snapshot
// and walks each offending client through WARN, BAN and THANKS.
package guard

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oxidizr/xagent/internal/config"
	"github.com/oxidizr/xagent/internal/core/constants"
	"github.com/oxidizr/xagent/internal/core/domain"
	"github.com/oxidizr/xagent/internal/core/ports"
	"github.com/oxidizr/xagent/internal/logger"
)

const thanksCooldown = 1800 * time.Second

// Remover applies the full removal path (proxy remove, capacity release,
// dedupe invalidation). The worker provides it so bans and API removals stay
// byte-for-byte identical in effect.
type Remover interface {
	HandleRemove(ctx context.Context, p domain.RemovePayload) (*domain.RemoveResult, error)
}

// Guard runs the periodic policy loop. All cross-process coordination goes
// through short-TTL Redis keys, so several guard processes coexist safely.
type Guard struct {
	cfg      config.GuardConfig
	tag      string
	snaps    ports.SnapshotProvider
	remover  Remover
	notifier ports.Notifier
	redis    *redis.Client
	logger   *logger.StyledLogger
	now      func() time.Time
}

func New(
	cfg config.GuardConfig,
	inboundTag string,
	snaps ports.SnapshotProvider,
	remover Remover,
	notifier ports.Notifier,
	rdb *redis.Client,
	log *logger.StyledLogger,
) *Guard {
	return &Guard{
		cfg:      cfg,
		tag:      inboundTag,
		snaps:    snaps,
		remover:  remover,
		notifier: notifier,
		redis:    rdb,
		logger:   log,
		now:      time.Now,
	}
}

func (g *Guard) warnedKey(email string) string {
	return fmt.Sprintf("%s%s:%s:warned_at", constants.GuardKeyPrefix, g.tag, email)
}

func (g *Guard) onceKey(email, kind string) string {
	return fmt.Sprintf("%s%s:%s:once:%s", constants.GuardKeyPrefix, g.tag, email, kind)
}

// Run ticks every interval until ctx is cancelled. A failed tick is logged
// and skipped; the next one starts clean.
func (g *Guard) Run(ctx context.Context) {
	interval := time.Duration(g.cfg.IntervalSec) * time.Second
	if interval <= 0 {
		interval = 20 * time.Second
	}

	g.logger.Info("Guard started", "interval", interval, "tag", g.tag,
		"ban_grace_sec", g.cfg.BanGraceSec)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("Guard stopped")
			return
		case <-ticker.C:
			if err := g.Tick(ctx); err != nil {
				g.logger.Warn("Guard tick failed", "error", err)
			}
		}
	}
}

// Tick runs one full policy pass.
func (g *Guard) Tick(ctx context.Context) error {
	snap, err := g.snaps.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}

	now := g.now().Unix()

	violators := make(map[string]domain.ClientStatus)
	for _, c := range snap.Clients {
		if c.DevicesEstimate > snap.DevicesLimit &&
			c.LastSeenAgoSec <= float64(g.cfg.ActiveSeenSec) {
			violators[c.Email] = c
		}
	}

	for email, c := range violators {
		if err := g.handleViolator(ctx, email, c.DevicesEstimate, snap.DevicesLimit, now); err != nil {
			g.logger.Warn("Guard violator handling failed",
				"email", domain.MaskEmail(email), "error", err)
		}
	}

	// Clients back within limits get their warning cleared.
	for _, c := range snap.Clients {
		if _, bad := violators[c.Email]; bad {
			continue
		}
		if err := g.handleRecovered(ctx, c.Email); err != nil {
			g.logger.Warn("Guard recovery handling failed",
				"email", domain.MaskEmail(c.Email), "error", err)
		}
	}

	return g.sweepStale(ctx, now)
}

func (g *Guard) handleViolator(ctx context.Context, email string, devices, limit int, now int64) error {
	raw, err := g.redis.Get(ctx, g.warnedKey(email)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("read warned_at: %w", err)
	}

	if errors.Is(err, redis.Nil) {
		return g.warn(ctx, email, devices, limit, now)
	}

	warnedAt, perr := strconv.ParseInt(raw, 10, 64)
	if perr != nil {
		// Corrupt marker: reset the state machine.
		g.redis.Del(ctx, g.warnedKey(email))
		return g.warn(ctx, email, devices, limit, now)
	}

	if now-warnedAt > int64(g.cfg.BanGraceSec+g.cfg.ActiveSeenSec+60) {
		// The marker outlived the whole cycle; restart with a fresh warning
		// instead of banning off stale state.
		g.redis.Del(ctx, g.warnedKey(email))
		return g.warn(ctx, email, devices, limit, now)
	}

	if now-warnedAt >= int64(g.cfg.BanGraceSec) {
		return g.ban(ctx, email)
	}

	// Inside the grace window: stay silent.
	return nil
}

// warn stamps warned_at and sends the WARN message at most once per cooldown.
func (g *Guard) warn(ctx context.Context, email string, devices, limit int, now int64) error {
	ttlSec := g.cfg.WarnCooldownSec
	if floor := g.cfg.BanGraceSec + g.cfg.ActiveSeenSec + 30; floor > ttlSec {
		ttlSec = floor
	}

	if err := g.redis.Set(ctx, g.warnedKey(email), strconv.FormatInt(now, 10),
		time.Duration(ttlSec)*time.Second).Err(); err != nil {
		return fmt.Errorf("set warned_at: %w", err)
	}

	first, err := g.redis.SetNX(ctx, g.onceKey(email, "warn"), "1",
		time.Duration(g.cfg.WarnCooldownSec)*time.Second).Result()
	if err != nil {
		return fmt.Errorf("warn once-lock: %w", err)
	}
	if !first {
		return nil
	}

	g.logger.WarnWithClient("Device limit exceeded, warning client", domain.MaskEmail(email),
		"devices", devices, "limit", limit)
	text := fmt.Sprintf(
		"Too many devices on your key: %d seen, limit %d. Disconnect extra devices within %d minutes or the key will be disabled.",
		devices, limit, g.cfg.BanGraceSec/60)
	if nerr := g.notifier.NotifyGuard(ctx, email, "warn", text); nerr != nil {
		g.logger.Warn("WARN notify failed", "email", domain.MaskEmail(email), "error", nerr)
	}
	return nil
}

// ban removes the user after the grace window. The once:ban lock keeps
// concurrent guard processes from double-removing and double-messaging.
func (g *Guard) ban(ctx context.Context, email string) error {
	first, err := g.redis.SetNX(ctx, g.onceKey(email, "ban"), "1",
		time.Duration(g.cfg.DisableCooldownSec)*time.Second).Result()
	if err != nil {
		return fmt.Errorf("ban once-lock: %w", err)
	}
	if !first {
		return nil
	}

	g.logger.WarnWithClient("Grace expired, disabling client", domain.MaskEmail(email))

	res, err := g.remover.HandleRemove(ctx, domain.RemovePayload{Email: email, InboundTag: g.tag})
	if err != nil {
		// Drop the lock so the next tick retries the removal.
		g.redis.Del(ctx, g.onceKey(email, "ban"))
		return fmt.Errorf("remove user: %w", err)
	}

	g.redis.Del(ctx, g.warnedKey(email))

	if res.Skipped {
		g.logger.Info("Client already absent at ban time", "email", domain.MaskEmail(email))
	}

	if nerr := g.notifier.NotifyGuard(ctx, email, "ban",
		"Your key was disabled for exceeding the device limit. Contact support to restore access."); nerr != nil {
		g.logger.Warn("BAN notify failed", "email", domain.MaskEmail(email), "error", nerr)
	}
	return nil
}

// handleRecovered clears the warning for a client no longer in violation and
// thanks them, at most once per cooldown.
func (g *Guard) handleRecovered(ctx context.Context, email string) error {
	removed, err := g.redis.Del(ctx, g.warnedKey(email)).Result()
	if err != nil {
		return fmt.Errorf("clear warned_at: %w", err)
	}
	if removed == 0 {
		return nil
	}

	first, err := g.redis.SetNX(ctx, g.onceKey(email, "thanks"), "1", thanksCooldown).Result()
	if err != nil || !first {
		return err
	}

	g.logger.InfoWithClient("Client back within device limit", domain.MaskEmail(email))
	if nerr := g.notifier.NotifyGuard(ctx, email, "thanks",
		"Extra devices disconnected. Thanks, your key stays active."); nerr != nil {
		g.logger.Warn("THANKS notify failed", "email", domain.MaskEmail(email), "error", nerr)
	}
	return nil
}

// sweepStale drops warned_at markers older than grace+active_seen+60 whose
// owners vanished from the snapshot entirely.
func (g *Guard) sweepStale(ctx context.Context, now int64) error {
	pattern := constants.GuardKeyPrefix + g.tag + ":*:warned_at"
	staleAfter := int64(g.cfg.BanGraceSec + g.cfg.ActiveSeenSec + 60)

	iter := g.redis.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := g.redis.Get(ctx, key).Result()
		if err != nil {
			continue
		}
		warnedAt, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || now-warnedAt > staleAfter {
			g.redis.Del(ctx, key)
		}
	}
	return iter.Err()
}
