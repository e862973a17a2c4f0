package ports

import (
	"context"

	"github.com/oxidizr/xagent/internal/core/domain"
)

// XrayClient is the control-plane adapter to the proxy. AddUser returns
// domain.ErrAlreadyExists and RemoveUser returns domain.ErrUserNotFound for
// the two semantic non-fault outcomes; everything else is a
// *domain.UpstreamError.
type XrayClient interface {
	SysStats(ctx context.Context) (map[string]any, error)
	RuntimeStatus(ctx context.Context) domain.RuntimeStatus
	AddUser(ctx context.Context, uuid, email, tag string, level int, flow string) error
	RemoveUser(ctx context.Context, email, tag string) error
	ListUsers(ctx context.Context, tag string) ([]domain.User, error)
	Emails(ctx context.Context, tag string) ([]string, error)
	CountUsers(ctx context.Context, tag string) (int, error)
	Close() error
}

// JobStore persists job envelopes, status documents and issue idempotency
// keys in the shared state store.
type JobStore interface {
	Enqueue(ctx context.Context, kind domain.JobKind, payload any) (jobID string, err error)
	EnqueueIssue(ctx context.Context, p domain.IssuePayload) (jobID string, deduped bool, err error)
	Dequeue(ctx context.Context, wait int) (*domain.Job, error)
	SetState(ctx context.Context, id string, state domain.JobState, result any, jobErr *domain.JobErrorInfo) error
	GetState(ctx context.Context, id string) (domain.JobStatus, error)
	InvalidateIssueDedupe(ctx context.Context, telegramID, tag string) error
}

// SnapshotProvider serves the parsed-and-aggregated access log view.
type SnapshotProvider interface {
	Snapshot(ctx context.Context) (domain.Snapshot, error)
	Healthy(ctx context.Context) error
}

// Notifier delivers best-effort outbound notifications. Implementations must
// bound every send with their configured timeout and never block callers
// beyond it.
type Notifier interface {
	NotifyIssued(ctx context.Context, issued domain.IssuedClient) domain.NotifyInfo
	NotifyGuard(ctx context.Context, email, kind, text string) error
}

// CapacityLimiter reserves and releases per-inbound user slots. Reserve fails
// closed: a store error is reported as denied.
type CapacityLimiter interface {
	Reserve(ctx context.Context, tag string) (ok bool, current int, err error)
	Release(ctx context.Context, tag string)
}

// RateDecision is the outcome of one token-bucket check.
type RateDecision struct {
	Allowed      bool
	RetryAfterMs int
	Remaining    float64
	Group        string
}

// RateLimiter is the per-caller token bucket. It fails open: a store error
// yields an allow.
type RateLimiter interface {
	Allow(ctx context.Context, group, fingerprint, ip string) RateDecision
}
