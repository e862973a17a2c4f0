package xray

import (
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/oxidizr/xagent/internal/core/domain"
)

func TestClassifyAddErrorByCode(t *testing.T) {
	err := classifyAddError(status.Error(codes.AlreadyExists, "duplicate entry"), "t", "e")
	if !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("got %v", err)
	}
}

func TestClassifyAddErrorBySubstring(t *testing.T) {
	for _, msg := range []string{
		"failed to add user: User e already exists.",
		"rpc error: duplicate email detected",
	} {
		err := classifyAddError(status.Error(codes.Unknown, msg), "t", "e")
		if !errors.Is(err, domain.ErrAlreadyExists) {
			t.Errorf("%q: got %v", msg, err)
		}
	}
}

func TestClassifyAddErrorGeneric(t *testing.T) {
	err := classifyAddError(status.Error(codes.Internal, "inbound crashed"), "vless-in", "someone@host")

	var ue *domain.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("got %T", err)
	}
	if ue.Code != domain.CodeUpstreamError || ue.Op != "add_user" || ue.Tag != "vless-in" {
		t.Errorf("error = %+v", ue)
	}
	if ue.Email == "someone@host" {
		t.Error("email must be masked")
	}
}

func TestClassifyAddErrorUnavailable(t *testing.T) {
	err := classifyAddError(status.Error(codes.Unavailable, "connection refused"), "t", "e")

	var ue *domain.UpstreamError
	if !errors.As(err, &ue) || ue.Code != domain.CodeXrayUnavailable {
		t.Fatalf("got %v", err)
	}
}

func TestClassifyRemoveErrorByCode(t *testing.T) {
	err := classifyRemoveError(status.Error(codes.NotFound, "gone"), "t", "e")
	if !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("got %v", err)
	}
}

func TestClassifyRemoveErrorBySubstring(t *testing.T) {
	err := classifyRemoveError(status.Error(codes.Unknown, "User e not found."), "t", "e")
	if !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("got %v", err)
	}

	// "not found" alone without a user mention is not the semantic outcome.
	err = classifyRemoveError(status.Error(codes.Unknown, "handler not found"), "t", "e")
	if errors.Is(err, domain.ErrUserNotFound) {
		t.Fatal("handler-level not-found must stay an upstream error")
	}
}
