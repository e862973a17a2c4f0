package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/oxidizr/xagent/internal/core/constants"
	"github.com/oxidizr/xagent/internal/core/domain"
)

func testStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, NewStore(client)
}

func TestEnqueueDequeue(t *testing.T) {
	_, store := testStore(t)
	ctx := context.Background()

	payload := domain.RemovePayload{Email: "u1", InboundTag: "vless-in"}
	jobID, err := store.Enqueue(ctx, domain.JobRemoveClient, payload)
	if err != nil {
		t.Fatal(err)
	}
	if jobID == "" {
		t.Fatal("empty job id")
	}

	// Status document exists before any consumer touches the queue.
	status, err := store.GetState(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if status.State != domain.JobQueued {
		t.Fatalf("state = %s, want queued", status.State)
	}

	job, err := store.Dequeue(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.ID != jobID || job.Kind != domain.JobRemoveClient {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestDequeueEmpty(t *testing.T) {
	_, store := testStore(t)

	job, err := store.Dequeue(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if job != nil {
		t.Fatalf("expected nil job on empty queue, got %+v", job)
	}
}

func TestStateTransitions(t *testing.T) {
	_, store := testStore(t)
	ctx := context.Background()

	jobID, err := store.Enqueue(ctx, domain.JobIssueClient, domain.IssuePayload{TelegramID: "1"})
	if err != nil {
		t.Fatal(err)
	}

	if err := store.SetState(ctx, jobID, domain.JobRunning, nil, nil); err != nil {
		t.Fatal(err)
	}
	status, _ := store.GetState(ctx, jobID)
	if status.State != domain.JobRunning {
		t.Fatalf("state = %s, want running", status.State)
	}

	result := map[string]any{"ok": true}
	if err := store.SetState(ctx, jobID, domain.JobDone, result, nil); err != nil {
		t.Fatal(err)
	}
	status, _ = store.GetState(ctx, jobID)
	if status.State != domain.JobDone {
		t.Fatalf("state = %s, want done", status.State)
	}
	if len(status.Result) == 0 {
		t.Error("done status should carry the result document")
	}
	if status.Error != nil {
		t.Error("done status should not carry an error")
	}
}

func TestErrorState(t *testing.T) {
	_, store := testStore(t)
	ctx := context.Background()

	jobID, _ := store.Enqueue(ctx, domain.JobIssueClient, domain.IssuePayload{TelegramID: "1"})
	info := &domain.JobErrorInfo{Type: "UPSTREAM_ERROR", Message: "boom"}
	if err := store.SetState(ctx, jobID, domain.JobError, nil, info); err != nil {
		t.Fatal(err)
	}

	status, _ := store.GetState(ctx, jobID)
	if status.State != domain.JobError {
		t.Fatalf("state = %s, want error", status.State)
	}
	if status.Error == nil || status.Error.Type != "UPSTREAM_ERROR" {
		t.Fatalf("error info = %+v", status.Error)
	}
}

func TestGetStateUnknown(t *testing.T) {
	_, store := testStore(t)

	status, err := store.GetState(context.Background(), "no-such-job")
	if err != nil {
		t.Fatal(err)
	}
	if status.State != domain.JobNotFound {
		t.Fatalf("state = %s, want not_found", status.State)
	}
}

func TestIssueDedupeWindow(t *testing.T) {
	_, store := testStore(t)
	ctx := context.Background()
	p := domain.IssuePayload{TelegramID: "123456", InboundTag: "vless-in"}

	id1, deduped, err := store.EnqueueIssue(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if deduped {
		t.Fatal("first issue must not dedupe")
	}

	id2, deduped, err := store.EnqueueIssue(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if !deduped {
		t.Fatal("second issue inside the window must dedupe")
	}
	if id2 != id1 {
		t.Fatalf("deduped issue returned %s, want %s", id2, id1)
	}

	// Only one envelope ever hit the queue.
	job, _ := store.Dequeue(ctx, 1)
	if job == nil {
		t.Fatal("expected one queued job")
	}
	if extra, _ := store.Dequeue(ctx, 1); extra != nil {
		t.Fatalf("duplicate envelope queued: %+v", extra)
	}
}

func TestIssueDedupeWaitsForBackfill(t *testing.T) {
	mr, store := testStore(t)
	ctx := context.Background()
	p := domain.IssuePayload{TelegramID: "777", InboundTag: "vless-in"}

	// Another process holds the window but hasn't written its job id yet.
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	key := idemKey(p.TelegramID, p.InboundTag)
	if err := client.Set(ctx, key, "pending", time.Minute).Err(); err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(80 * time.Millisecond)
		client.Set(ctx, key, "job-abc", redis.KeepTTL)
	}()

	id, deduped, err := store.EnqueueIssue(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if !deduped {
		t.Fatal("claimed window must dedupe")
	}
	if id != "job-abc" {
		t.Errorf("job id = %q, want the backfilled id", id)
	}
}

func TestIssueDedupeDistinctPairs(t *testing.T) {
	_, store := testStore(t)
	ctx := context.Background()

	id1, _, _ := store.EnqueueIssue(ctx, domain.IssuePayload{TelegramID: "a", InboundTag: "t"})
	id2, deduped, _ := store.EnqueueIssue(ctx, domain.IssuePayload{TelegramID: "b", InboundTag: "t"})
	if deduped || id1 == id2 {
		t.Fatal("different telegram ids must not share a window")
	}

	_, deduped, _ = store.EnqueueIssue(ctx, domain.IssuePayload{TelegramID: "a", InboundTag: "other"})
	if deduped {
		t.Fatal("different tags must not share a window")
	}
}

func TestInvalidateIssueDedupe(t *testing.T) {
	mr, store := testStore(t)
	ctx := context.Background()
	p := domain.IssuePayload{TelegramID: "123456", InboundTag: "vless-in"}

	id1, _, _ := store.EnqueueIssue(ctx, p)

	if err := store.InvalidateIssueDedupe(ctx, p.TelegramID, p.InboundTag); err != nil {
		t.Fatal(err)
	}

	id2, deduped, err := store.EnqueueIssue(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if deduped {
		t.Fatal("re-issue after invalidation must not dedupe")
	}
	if id2 == id1 {
		t.Fatal("re-issue must create a fresh job")
	}
	_ = mr
}

func TestIssueDedupeExpiry(t *testing.T) {
	mr, store := testStore(t)
	ctx := context.Background()
	p := domain.IssuePayload{TelegramID: "123456", InboundTag: "vless-in"}

	if _, _, err := store.EnqueueIssue(ctx, p); err != nil {
		t.Fatal(err)
	}

	mr.FastForward((constants.IssueIdemTTLSeconds + 1) * time.Second)

	_, deduped, err := store.EnqueueIssue(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if deduped {
		t.Fatal("issue after window expiry must not dedupe")
	}
}
