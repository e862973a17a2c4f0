package xray

import (
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/oxidizr/xagent/internal/core/domain"
)

// classifyAddError maps an AlterInbound add failure onto the semantic
// sentinel or an upstream error. The status code is authoritative; the
// substring match covers proxies that wrap the condition in Unknown.
func classifyAddError(err error, tag, email string) error {
	st, ok := status.FromError(err)
	if ok && st.Code() == codes.AlreadyExists {
		return domain.ErrAlreadyExists
	}

	detail := err.Error()
	lower := strings.ToLower(detail)
	if strings.Contains(lower, "already exists") || strings.Contains(lower, "duplicate") {
		return domain.ErrAlreadyExists
	}

	return domain.NewUpstreamError("add_user", tag, email, upstreamCode(st, ok), detail)
}

// classifyRemoveError maps a remove failure. "user ... not found" is a
// semantic outcome, surfaced as the not-found sentinel.
func classifyRemoveError(err error, tag, email string) error {
	st, ok := status.FromError(err)
	if ok && st.Code() == codes.NotFound {
		return domain.ErrUserNotFound
	}

	detail := err.Error()
	lower := strings.ToLower(detail)
	if strings.Contains(lower, "not found") && strings.Contains(lower, "user") {
		return domain.ErrUserNotFound
	}

	return domain.NewUpstreamError("remove_user", tag, email, upstreamCode(st, ok), detail)
}

func upstreamCode(st *status.Status, ok bool) string {
	if ok && st.Code() == codes.Unavailable {
		return domain.CodeXrayUnavailable
	}
	return domain.CodeUpstreamError
}
