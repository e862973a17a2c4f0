// Package worker runs the background job pipeline: blocking dequeue,
// per-job state transitions and dispatch by kind.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oxidizr/xagent/internal/core/domain"
	"github.com/oxidizr/xagent/internal/core/ports"
	"github.com/oxidizr/xagent/internal/links"
	"github.com/oxidizr/xagent/internal/logger"
	"github.com/oxidizr/xagent/internal/restore"
	"github.com/oxidizr/xagent/internal/util"
)

const (
	dequeueWaitSec  = 3
	jobTimeout      = 120 * time.Second
	flapBackoffBase = 250 * time.Millisecond
	flapBackoffMax  = 5 * time.Second
	stateWriteTries = 3
)

// Worker consumes the shared job queue. Multiple workers may run across
// processes; the store's atomics keep them from stepping on each other.
type Worker struct {
	store    ports.JobStore
	xray     ports.XrayClient
	capacity ports.CapacityLimiter
	notifier ports.Notifier
	links    *links.Builder
	engine   *restore.Engine
	logger   *logger.StyledLogger

	defaultTag  string
	defaultFlow string
	debug       bool
}

func New(
	store ports.JobStore,
	xray ports.XrayClient,
	capacity ports.CapacityLimiter,
	notifier ports.Notifier,
	linkBuilder *links.Builder,
	engine *restore.Engine,
	defaultTag, defaultFlow string,
	debug bool,
	log *logger.StyledLogger,
) *Worker {
	return &Worker{
		store:       store,
		xray:        xray,
		capacity:    capacity,
		notifier:    notifier,
		links:       linkBuilder,
		engine:      engine,
		logger:      log,
		defaultTag:  defaultTag,
		defaultFlow: defaultFlow,
		debug:       debug,
	}
}

// Run blocks until ctx is cancelled. A job picked up before cancellation is
// finished; only the dequeue loop observes the shutdown.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("Worker started", "queue_wait_sec", dequeueWaitSec)

	flaps := 0
	for {
		if ctx.Err() != nil {
			w.logger.Info("Worker stopped")
			return
		}

		job, err := w.store.Dequeue(ctx, dequeueWaitSec)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("Worker stopped")
				return
			}
			flaps++
			delay := util.CalculateExponentialBackoff(flaps, flapBackoffBase, flapBackoffMax, 0.2)
			w.logger.Warn("Dequeue failed, backing off", "attempt", flaps, "delay", delay, "error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
			continue
		}
		flaps = 0

		if job == nil {
			continue
		}

		w.process(job)
	}
}

// process runs one job to a terminal state. The job context is detached from
// the loop context so shutdown never abandons a half-applied mutation.
func (w *Worker) process(job *domain.Job) {
	jobCtx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	log := w.logger.With("job_id", job.ID, "kind", string(job.Kind))
	log.Info("Job started")

	if err := w.store.SetState(jobCtx, job.ID, domain.JobRunning, nil, nil); err != nil {
		log.Warn("Failed to mark job running", "error", err)
	}

	result, err := w.dispatch(jobCtx, job)
	if err != nil {
		log.Error("Job failed", "error", err)
		if serr := w.setStateRetry(jobCtx, job.ID, domain.JobError, nil, w.errorInfo(err)); serr != nil {
			log.Error("Failed to persist job error", "error", serr)
		}
		return
	}

	if serr := w.setStateRetry(jobCtx, job.ID, domain.JobDone, result, nil); serr != nil {
		log.Error("Failed to persist job result", "error", serr)
		return
	}
	log.Info("Job done")
}

// setStateRetry retries a terminal status write through store flaps. Losing a
// terminal document would strand the caller polling a running job forever.
func (w *Worker) setStateRetry(ctx context.Context, id string, state domain.JobState, result any, info *domain.JobErrorInfo) error {
	var err error
	for attempt := 1; attempt <= stateWriteTries; attempt++ {
		if err = w.store.SetState(ctx, id, state, result, info); err == nil {
			return nil
		}
		if attempt < stateWriteTries {
			select {
			case <-time.After(util.CalculateExponentialBackoff(attempt, flapBackoffBase, flapBackoffMax, 0.2)):
			case <-ctx.Done():
				return err
			}
		}
	}
	return err
}

func (w *Worker) dispatch(ctx context.Context, job *domain.Job) (any, error) {
	switch job.Kind {
	case domain.JobIssueClient:
		var p domain.IssuePayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode issue payload: %w", err)
		}
		return w.handleIssue(ctx, p)
	case domain.JobAddClient:
		var p domain.AddPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode add payload: %w", err)
		}
		return w.handleAdd(ctx, p)
	case domain.JobRemoveClient:
		var p domain.RemovePayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode remove payload: %w", err)
		}
		return w.HandleRemove(ctx, p)
	case domain.JobBulkRestore:
		var p domain.RestoreRequest
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode restore payload: %w", err)
		}
		if p.InboundTag == "" {
			p.InboundTag = w.defaultTag
		}
		return w.engine.Run(ctx, p)
	default:
		return nil, fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

// handleIssue creates a fresh user: reserve a capacity slot, add the user
// under a new UUID, build the link, then fire the best-effort notify.
func (w *Worker) handleIssue(ctx context.Context, p domain.IssuePayload) (*domain.IssueResult, error) {
	tag := p.InboundTag
	if tag == "" {
		tag = w.defaultTag
	}
	flow := p.Flow
	if flow == "" {
		flow = w.defaultFlow
	}

	ok, current, err := w.capacity.Reserve(ctx, tag)
	if err != nil || !ok {
		return nil, &domain.UpstreamError{
			Op:     "issue",
			Tag:    tag,
			Code:   domain.CodeCapacityExceeded,
			Detail: fmt.Sprintf("capacity slot denied (current=%d)", current),
		}
	}

	id := uuid.NewString()
	if err := w.xray.AddUser(ctx, id, p.TelegramID, tag, p.Level, flow); err != nil {
		if !errors.Is(err, domain.ErrAlreadyExists) {
			w.capacity.Release(ctx, tag)
			return nil, err
		}
		// Existing user: the slot stays reserved, creation already happened.
	}

	issued := domain.IssuedClient{
		UUID:       id,
		Email:      p.TelegramID,
		InboundTag: tag,
		Link:       w.links.Build(id, p.TelegramID, flow),
	}

	return &domain.IssueResult{
		Issued: issued,
		Notify: w.notifier.NotifyIssued(ctx, issued),
	}, nil
}

// handleAdd adds a user with a caller-supplied UUID. AlreadyExists is the
// idempotent success.
func (w *Worker) handleAdd(ctx context.Context, p domain.AddPayload) (map[string]any, error) {
	tag := p.InboundTag
	if tag == "" {
		tag = w.defaultTag
	}
	flow := p.Flow
	if flow == "" {
		flow = w.defaultFlow
	}

	err := w.xray.AddUser(ctx, p.UUID, p.Email, tag, p.Level, flow)
	if err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
		return nil, err
	}

	return map[string]any{
		"ok":     true,
		"email":  p.Email,
		"exists": errors.Is(err, domain.ErrAlreadyExists),
	}, nil
}

// HandleRemove removes a user, releases their capacity slot and drops the
// issue idempotency window so an immediate re-issue is accepted. Exported so
// the synchronous HTTP path shares the exact same semantics.
func (w *Worker) HandleRemove(ctx context.Context, p domain.RemovePayload) (*domain.RemoveResult, error) {
	tag := p.InboundTag
	if tag == "" {
		tag = w.defaultTag
	}

	err := w.xray.RemoveUser(ctx, p.Email, tag)
	switch {
	case errors.Is(err, domain.ErrUserNotFound):
		return &domain.RemoveResult{Removed: false, Skipped: true, Reason: "user not found"}, nil
	case err != nil:
		return nil, err
	}

	w.capacity.Release(ctx, tag)
	if derr := w.store.InvalidateIssueDedupe(ctx, p.Email, tag); derr != nil {
		w.logger.Warn("Failed to invalidate issue dedupe",
			"email", domain.MaskEmail(p.Email), "tag", tag, "error", derr)
	}

	return &domain.RemoveResult{Removed: true}, nil
}

// errorInfo reduces a job failure to the surface-safe document: error type
// and clipped message, with the raw chain only in debug mode.
func (w *Worker) errorInfo(err error) *domain.JobErrorInfo {
	info := &domain.JobErrorInfo{
		Type:    fmt.Sprintf("%T", err),
		Message: domain.Truncate(err.Error(), 500),
	}

	var ue *domain.UpstreamError
	if errors.As(err, &ue) {
		info.Type = ue.Code
	}

	if w.debug {
		info.Trace = fmt.Sprintf("%+v", err)
	}
	return info
}
