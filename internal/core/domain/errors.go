package domain

import (
	"errors"
	"fmt"
)

// Error codes surfaced to API callers in the error envelope.
const (
	CodeUnauthenticated  = "UNAUTHENTICATED"
	CodeForbidden        = "FORBIDDEN"
	CodeRateLimited      = "RATE_LIMITED"
	CodeCapacityExceeded = "CAPACITY_EXCEEDED"
	CodeUpstreamError    = "UPSTREAM_ERROR"
	CodeXrayUnavailable  = "XRAY_UNAVAILABLE"
	CodeRedisError       = "REDIS_ERROR"
	CodeJobNotFound      = "JOB_NOT_FOUND"
	CodeSyncDisabled     = "SYNC_DISABLED"
	CodeInternalError    = "INTERNAL_ERROR"
)

// Semantic outcomes from the Xray adapter. These are not faults: callers
// treat them as idempotent successes.
var (
	ErrAlreadyExists = errors.New("user already exists")
	ErrUserNotFound  = errors.New("user not found")
)

// ErrCapacityExceeded is returned when a capacity slot cannot be reserved.
var ErrCapacityExceeded = errors.New("capacity exceeded")

const maxUpstreamDetail = 500

// UpstreamError carries a classified RPC failure: remote status code,
// truncated detail and the calling context (operation, tag, masked email).
type UpstreamError struct {
	Op     string
	Tag    string
	Email  string
	Code   string
	Detail string
}

func (e *UpstreamError) Error() string {
	if e.Email != "" {
		return fmt.Sprintf("%s failed (tag=%s email=%s): code=%s detail=%s", e.Op, e.Tag, e.Email, e.Code, e.Detail)
	}
	return fmt.Sprintf("%s failed (tag=%s): code=%s detail=%s", e.Op, e.Tag, e.Code, e.Detail)
}

// NewUpstreamError builds an UpstreamError with the detail clipped to the
// surface limit and the email masked.
func NewUpstreamError(op, tag, email, code, detail string) *UpstreamError {
	return &UpstreamError{
		Op:     op,
		Tag:    tag,
		Email:  MaskEmail(email),
		Code:   code,
		Detail: Truncate(detail, maxUpstreamDetail),
	}
}

// Truncate clips s to at most n bytes.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// MaskEmail hides the middle of an identifier so logs and error details never
// carry the full value.
func MaskEmail(email string) string {
	if email == "" {
		return ""
	}
	if len(email) <= 4 {
		return email[:1] + "***"
	}
	return email[:2] + "***" + email[len(email)-2:]
}
