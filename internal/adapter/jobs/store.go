// Package jobs implements the Redis-backed job queue and status store.
package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/oxidizr/xagent/internal/core/constants"
	"github.com/oxidizr/xagent/internal/core/domain"
)

// Store persists job envelopes on a Redis list and status documents under
// per-job keys. Other processes may push to the same queue, so the envelope
// shape is part of the wire contract.
type Store struct {
	client    *redis.Client
	statusTTL time.Duration
	idemTTL   time.Duration
}

func NewStore(client *redis.Client) *Store {
	return &Store{
		client:    client,
		statusTTL: constants.JobStatusTTLSeconds * time.Second,
		idemTTL:   constants.IssueIdemTTLSeconds * time.Second,
	}
}

func statusKey(id string) string {
	return constants.JobStatusPrefix + id
}

const (
	idemReadTries = 5
	idemReadDelay = 50 * time.Millisecond
)

func idemKey(telegramID, tag string) string {
	sum := sha256.Sum256([]byte(telegramID + "|" + tag))
	return constants.IssueIdemPrefix + hex.EncodeToString(sum[:])
}

// Enqueue writes the queued status document and pushes the envelope in one
// transaction, so a consumer can never pop a job whose status is missing.
func (s *Store) Enqueue(ctx context.Context, kind domain.JobKind, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	job := domain.Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   raw,
		CreatedAt: time.Now().Unix(),
	}

	envelope, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}

	status, err := json.Marshal(domain.JobStatus{
		ID:        job.ID,
		State:     domain.JobQueued,
		UpdatedAt: job.CreatedAt,
	})
	if err != nil {
		return "", fmt.Errorf("marshal status: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, statusKey(job.ID), status, s.statusTTL)
	pipe.LPush(ctx, constants.JobQueueKey, envelope)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", kind, err)
	}

	return job.ID, nil
}

// EnqueueIssue enqueues an issue job unless an identical request landed within
// the idempotency window, in which case the prior job id is returned.
func (s *Store) EnqueueIssue(ctx context.Context, p domain.IssuePayload) (string, bool, error) {
	key := idemKey(p.TelegramID, p.InboundTag)

	// Claim the window first with a placeholder, then backfill the job id.
	// SetNX keeps concurrent duplicates down to a single enqueue.
	claimed, err := s.client.SetNX(ctx, key, "pending", s.idemTTL).Result()
	if err != nil {
		return "", false, fmt.Errorf("idempotency claim: %w", err)
	}

	if !claimed {
		// The winner backfills the job id right after enqueueing; poll
		// briefly before reporting a duplicate without a usable id.
		for attempt := 0; attempt < idemReadTries; attempt++ {
			prior, err := s.client.Get(ctx, key).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					// The window expired between claim and read.
					return "", true, nil
				}
				return "", false, fmt.Errorf("idempotency read: %w", err)
			}
			if prior != "" && prior != "pending" {
				return prior, true, nil
			}
			select {
			case <-time.After(idemReadDelay):
			case <-ctx.Done():
				return "", false, ctx.Err()
			}
		}
		return "", true, nil
	}

	jobID, err := s.Enqueue(ctx, domain.JobIssueClient, p)
	if err != nil {
		// Release the window so the caller can retry.
		s.client.Del(ctx, key)
		return "", false, err
	}

	if err := s.client.Set(ctx, key, jobID, redis.KeepTTL).Err(); err != nil {
		// Job is queued either way; the window just loses its id.
		return jobID, false, nil
	}

	return jobID, false, nil
}

// Dequeue blocks up to wait seconds for the next envelope. A nil job with nil
// error means the wait elapsed empty.
func (s *Store) Dequeue(ctx context.Context, wait int) (*domain.Job, error) {
	res, err := s.client.BRPop(ctx, time.Duration(wait)*time.Second, constants.JobQueueKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("brpop: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("brpop: unexpected reply of %d elements", len(res))
	}

	var job domain.Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &job, nil
}

// SetState overwrites the status document for a job. Terminal documents carry
// either a result or an error, never both.
func (s *Store) SetState(ctx context.Context, id string, state domain.JobState, result any, jobErr *domain.JobErrorInfo) error {
	doc := domain.JobStatus{
		ID:        id,
		State:     state,
		UpdatedAt: time.Now().Unix(),
		Error:     jobErr,
	}

	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		doc.Result = raw
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}

	if err := s.client.Set(ctx, statusKey(id), payload, s.statusTTL).Err(); err != nil {
		return fmt.Errorf("set status %s: %w", id, err)
	}
	return nil
}

// GetState fetches a status document. An expired or unknown id comes back as
// state not_found rather than an error.
func (s *Store) GetState(ctx context.Context, id string) (domain.JobStatus, error) {
	raw, err := s.client.Get(ctx, statusKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.JobStatus{ID: id, State: domain.JobNotFound}, nil
		}
		return domain.JobStatus{}, fmt.Errorf("get status %s: %w", id, err)
	}

	var doc domain.JobStatus
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return domain.JobStatus{}, fmt.Errorf("decode status %s: %w", id, err)
	}
	return doc, nil
}

// InvalidateIssueDedupe drops the idempotency window for a (telegram id, tag)
// pair so a fresh issue is accepted immediately after a removal.
func (s *Store) InvalidateIssueDedupe(ctx context.Context, telegramID, tag string) error {
	return s.client.Del(ctx, idemKey(telegramID, tag)).Err()
}
