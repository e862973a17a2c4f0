// Package restore implements the bounded fan-out bulk user restore.
package restore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oxidizr/xagent/internal/core/domain"
	"github.com/oxidizr/xagent/internal/core/ports"
	"github.com/oxidizr/xagent/internal/logger"
)

const (
	defaultConcurrency = 20
	minConcurrency     = 1
	maxConcurrency     = 100
	maxErrorSamples    = 20
)

// PrecheckError marks a failed pre-restore user listing; the restore never
// started. Callers map it to a bad-gateway response.
type PrecheckError struct {
	Err error
}

func (e *PrecheckError) Error() string {
	return fmt.Sprintf("restore precheck failed: %v", e.Err)
}

func (e *PrecheckError) Unwrap() error { return e.Err }

// Engine replays a user list against an inbound with bounded concurrency.
type Engine struct {
	xray   ports.XrayClient
	logger *logger.StyledLogger
}

func NewEngine(xray ports.XrayClient, log *logger.StyledLogger) *Engine {
	return &Engine{xray: xray, logger: log}
}

// Run executes one restore request. Items are deduplicated by
// (casefolded email, uuid); duplicates and per-item AlreadyExists outcomes
// both count as skipped, while only precheck hits count as exists.
// Before/after counts are best-effort and stay nil when the proxy count read
// fails. A context deadline surfaces as ctx.Err with partial counts dropped.
func (e *Engine) Run(ctx context.Context, req domain.RestoreRequest) (domain.RestoreResult, error) {
	start := time.Now()

	concurrency := req.Concurrency
	if concurrency == 0 {
		concurrency = defaultConcurrency
	}
	if concurrency < minConcurrency {
		concurrency = minConcurrency
	}
	if concurrency > maxConcurrency {
		concurrency = maxConcurrency
	}

	if req.TimeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSec*float64(time.Second)))
		defer cancel()
	}

	items, skippedDupes := dedupeItems(req.Items)

	result := domain.RestoreResult{
		InboundTag: req.InboundTag,
		Total:      len(items),
		Skipped:    skippedDupes,
	}

	existing := make(map[string]struct{})
	if req.Precheck == nil || *req.Precheck {
		users, err := e.xray.ListUsers(ctx, req.InboundTag)
		if err != nil {
			return result, &PrecheckError{Err: err}
		}
		for _, u := range users {
			existing[normEmail(u.Email)] = struct{}{}
		}
	}

	if before, err := e.xray.CountUsers(ctx, req.InboundTag); err == nil {
		result.BeforeCount = &before
	}

	var (
		mu      sync.Mutex
		exists  int
		added   int
		skipped int
		errored int
		samples []string
	)

	bufSize := 4 * concurrency
	if bufSize < 8 {
		bufSize = 8
	}
	work := make(chan domain.RestoreItem, bufSize)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(work)
		for _, item := range items {
			select {
			case work <- item:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for item := range work {
				if err := gctx.Err(); err != nil {
					return err
				}

				if _, ok := existing[normEmail(item.Email)]; ok {
					mu.Lock()
					exists++
					mu.Unlock()
					continue
				}

				err := e.xray.AddUser(gctx, item.UUID, item.Email, req.InboundTag, item.Level, item.Flow)
				mu.Lock()
				switch {
				case err == nil:
					added++
				case errors.Is(err, domain.ErrAlreadyExists):
					skipped++
				default:
					errored++
					if len(samples) < maxErrorSamples {
						samples = append(samples,
							fmt.Sprintf("%s: %v", domain.MaskEmail(item.Email), err))
					}
				}
				mu.Unlock()

				if req.DelayMs > 0 {
					select {
					case <-time.After(time.Duration(req.DelayMs) * time.Millisecond):
					case <-gctx.Done():
						return gctx.Err()
					}
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return result, err
	}

	result.Exists = exists
	result.Added = added
	result.Skipped += skipped
	result.Errors = errored
	result.ErrorSamples = samples

	if after, err := e.xray.CountUsers(ctx, req.InboundTag); err == nil {
		result.AfterCount = &after
	}

	result.DurationMs = float64(time.Since(start).Microseconds()) / 1000.0

	e.logger.InfoWithCount("Restore finished", result.Added,
		"tag", req.InboundTag, "exists", result.Exists,
		"errors", result.Errors, "duration_ms", result.DurationMs)

	return result, nil
}

func normEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// dedupeItems drops exact (email, uuid) repeats, keeping first occurrence
// order. Items with an empty email or uuid are skipped outright.
func dedupeItems(items []domain.RestoreItem) ([]domain.RestoreItem, int) {
	seen := make(map[string]struct{}, len(items))
	out := make([]domain.RestoreItem, 0, len(items))
	skipped := 0

	for _, item := range items {
		email := normEmail(item.Email)
		if email == "" || strings.TrimSpace(item.UUID) == "" {
			skipped++
			continue
		}
		key := email + "|" + item.UUID
		if _, dup := seen[key]; dup {
			skipped++
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out, skipped
}
