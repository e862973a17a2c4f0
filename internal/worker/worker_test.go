package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/oxidizr/xagent/internal/adapter/jobs"
	"github.com/oxidizr/xagent/internal/config"
	"github.com/oxidizr/xagent/internal/core/domain"
	"github.com/oxidizr/xagent/internal/links"
	"github.com/oxidizr/xagent/internal/logger"
	"github.com/oxidizr/xagent/internal/restore"
	"github.com/oxidizr/xagent/theme"
)

func testLogger() *logger.StyledLogger {
	base, _, _ := logger.New(&logger.Config{Level: "error"})
	return logger.NewStyledLogger(base, theme.Default())
}

type fakeXray struct {
	mu      sync.Mutex
	users   map[string]string
	addErr  error
	rmErr   error
	added   []string
	removed []string
}

func newFakeXray() *fakeXray { return &fakeXray{users: make(map[string]string)} }

func (f *fakeXray) AddUser(ctx context.Context, uuid, email, tag string, level int, flow string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	if _, ok := f.users[email]; ok {
		return domain.ErrAlreadyExists
	}
	f.users[email] = uuid
	f.added = append(f.added, email)
	return nil
}

func (f *fakeXray) RemoveUser(ctx context.Context, email, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rmErr != nil {
		return f.rmErr
	}
	if _, ok := f.users[email]; !ok {
		return domain.ErrUserNotFound
	}
	delete(f.users, email)
	f.removed = append(f.removed, email)
	return nil
}

func (f *fakeXray) ListUsers(ctx context.Context, tag string) ([]domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.User, 0, len(f.users))
	for email, uuid := range f.users {
		out = append(out, domain.User{Email: email, UUID: uuid})
	}
	return out, nil
}

func (f *fakeXray) Emails(ctx context.Context, tag string) ([]string, error) {
	users, _ := f.ListUsers(ctx, tag)
	emails := make([]string, 0, len(users))
	for _, u := range users {
		emails = append(emails, u.Email)
	}
	return emails, nil
}

func (f *fakeXray) CountUsers(ctx context.Context, tag string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users), nil
}

func (f *fakeXray) SysStats(ctx context.Context) (map[string]any, error) { return nil, nil }
func (f *fakeXray) RuntimeStatus(ctx context.Context) domain.RuntimeStatus {
	return domain.RuntimeStatus{OK: true}
}
func (f *fakeXray) Close() error { return nil }

type fakeCapacity struct {
	mu       sync.Mutex
	deny     bool
	reserved int
	released int
}

func (f *fakeCapacity) Reserve(ctx context.Context, tag string) (bool, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deny {
		return false, 50, nil
	}
	f.reserved++
	return true, f.reserved, nil
}

func (f *fakeCapacity) Release(ctx context.Context, tag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
}

type fakeNotifier struct {
	mu     sync.Mutex
	issued []domain.IssuedClient
	guards []string
	info   domain.NotifyInfo
}

func (f *fakeNotifier) NotifyIssued(ctx context.Context, issued domain.IssuedClient) domain.NotifyInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issued = append(f.issued, issued)
	return f.info
}

func (f *fakeNotifier) NotifyGuard(ctx context.Context, email, kind, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.guards = append(f.guards, kind+":"+email)
	return nil
}

type fixture struct {
	worker   *Worker
	store    *jobs.Store
	xray     *fakeXray
	capacity *fakeCapacity
	notifier *fakeNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := jobs.NewStore(client)

	fx := newFakeXray()
	fc := &fakeCapacity{}
	fn := &fakeNotifier{}

	linkBuilder := links.NewBuilder(config.LinkConfig{
		PublicHost: "vpn.example.com",
		RealityPBK: "pbk",
	})
	engine := restore.NewEngine(fx, testLogger())

	w := New(store, fx, fc, fn, linkBuilder, engine, "vless-in", "", false, testLogger())
	return &fixture{worker: w, store: store, xray: fx, capacity: fc, notifier: fn}
}

func TestIssueJobEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	jobID, _, err := f.store.EnqueueIssue(ctx, domain.IssuePayload{TelegramID: "123456"})
	if err != nil {
		t.Fatal(err)
	}

	job, err := f.store.Dequeue(ctx, 1)
	if err != nil || job == nil {
		t.Fatalf("dequeue: job=%v err=%v", job, err)
	}
	f.worker.process(job)

	status, err := f.store.GetState(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if status.State != domain.JobDone {
		t.Fatalf("state = %s, error = %+v", status.State, status.Error)
	}

	if len(f.xray.added) != 1 || f.xray.added[0] != "123456" {
		t.Errorf("added users = %v", f.xray.added)
	}
	if f.capacity.reserved != 1 {
		t.Errorf("capacity reserved = %d", f.capacity.reserved)
	}
	if len(f.notifier.issued) != 1 {
		t.Fatalf("notify calls = %d", len(f.notifier.issued))
	}
	if !strings.HasPrefix(f.notifier.issued[0].Link, "vless://") {
		t.Errorf("link = %q", f.notifier.issued[0].Link)
	}
}

func TestIssueCapacityDenied(t *testing.T) {
	f := newFixture(t)
	f.capacity.deny = true

	_, err := f.worker.handleIssue(context.Background(), domain.IssuePayload{TelegramID: "1"})
	var ue *domain.UpstreamError
	if !errors.As(err, &ue) || ue.Code != domain.CodeCapacityExceeded {
		t.Fatalf("expected capacity error, got %v", err)
	}
	if len(f.xray.added) != 0 {
		t.Error("denied issue must not touch the proxy")
	}
}

func TestIssueAddFailureReleasesSlot(t *testing.T) {
	f := newFixture(t)
	f.xray.addErr = domain.NewUpstreamError("add_user", "t", "e", domain.CodeUpstreamError, "boom")

	_, err := f.worker.handleIssue(context.Background(), domain.IssuePayload{TelegramID: "1"})
	if err == nil {
		t.Fatal("expected failure")
	}
	if f.capacity.released != 1 {
		t.Errorf("capacity released = %d, want 1", f.capacity.released)
	}
}

func TestIssueAlreadyExistsIsSuccess(t *testing.T) {
	f := newFixture(t)
	f.xray.users["123456"] = "old-uuid"

	result, err := f.worker.handleIssue(context.Background(), domain.IssuePayload{TelegramID: "123456"})
	if err != nil {
		t.Fatalf("already-exists must be an idempotent success: %v", err)
	}
	if result.Issued.Email != "123456" {
		t.Errorf("issued = %+v", result.Issued)
	}
}

func TestRemoveInvalidatesDedupe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Issue, then remove, then re-issue: the dedupe window must not block.
	// Tags are normalised before enqueue, matching the HTTP surface.
	id1, _, err := f.store.EnqueueIssue(ctx, domain.IssuePayload{TelegramID: "42", InboundTag: "vless-in"})
	if err != nil {
		t.Fatal(err)
	}
	job, _ := f.store.Dequeue(ctx, 1)
	f.worker.process(job)

	res, err := f.worker.HandleRemove(ctx, domain.RemovePayload{Email: "42"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Removed {
		t.Fatalf("remove result = %+v", res)
	}
	if f.capacity.released != 1 {
		t.Errorf("capacity released = %d", f.capacity.released)
	}

	id2, deduped, err := f.store.EnqueueIssue(ctx, domain.IssuePayload{TelegramID: "42", InboundTag: "vless-in"})
	if err != nil {
		t.Fatal(err)
	}
	if deduped || id2 == id1 {
		t.Fatal("re-issue after removal must start a fresh job")
	}
}

func TestRemoveMissingUserSkips(t *testing.T) {
	f := newFixture(t)

	res, err := f.worker.HandleRemove(context.Background(), domain.RemovePayload{Email: "ghost"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Removed || !res.Skipped || res.Reason != "user not found" {
		t.Fatalf("result = %+v", res)
	}
}

func TestDispatchUnknownKind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	jobID, err := f.store.Enqueue(ctx, domain.JobKind("mystery"), map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	job, _ := f.store.Dequeue(ctx, 1)
	f.worker.process(job)

	status, _ := f.store.GetState(ctx, jobID)
	if status.State != domain.JobError {
		t.Fatalf("state = %s, want error", status.State)
	}
}

func TestBulkRestoreJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	jobID, err := f.store.Enqueue(ctx, domain.JobBulkRestore, domain.RestoreRequest{
		Items: []domain.RestoreItem{
			{Email: "a", UUID: "u-a"},
			{Email: "b", UUID: "u-b"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	job, _ := f.store.Dequeue(ctx, 1)
	f.worker.process(job)

	status, _ := f.store.GetState(ctx, jobID)
	if status.State != domain.JobDone {
		t.Fatalf("state = %s, error = %+v", status.State, status.Error)
	}
	if len(f.xray.added) != 2 {
		t.Errorf("restored users = %v", f.xray.added)
	}
}

func TestErrorInfoUsesUpstreamCode(t *testing.T) {
	f := newFixture(t)

	info := f.worker.errorInfo(domain.NewUpstreamError("add_user", "t", "user@x", domain.CodeUpstreamError, "detail"))
	if info.Type != domain.CodeUpstreamError {
		t.Errorf("type = %s", info.Type)
	}
	if info.Trace != "" {
		t.Error("trace must be empty outside debug mode")
	}
	if strings.Contains(info.Message, "user@x") {
		t.Error("message must not leak the raw email")
	}
}
