package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oxidizr/xagent/internal/config"
	"github.com/oxidizr/xagent/internal/core/domain"
	"github.com/oxidizr/xagent/internal/logger"
	"github.com/oxidizr/xagent/theme"
)

func testLogger() *logger.StyledLogger {
	base, _, _ := logger.New(&logger.Config{Level: "error"})
	return logger.NewStyledLogger(base, theme.Default())
}

func testConfig(url string) config.NotifyConfig {
	return config.NotifyConfig{
		URL:          url,
		APIKey:       "secret-key",
		Timeout:      2 * time.Second,
		TotalTimeout: 5 * time.Second,
		Retries:      3,
	}
}

func TestNotifyIssuedSkippedWithoutURL(t *testing.T) {
	c := NewClient(config.NotifyConfig{}, testLogger())

	info := c.NotifyIssued(context.Background(), domain.IssuedClient{Email: "a"})
	if !info.Skipped || info.Reason == "" {
		t.Fatalf("info = %+v", info)
	}
}

func TestNotifyIssuedDelivers(t *testing.T) {
	var gotKey atomic.Value
	var gotEmail atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey.Store(r.Header.Get("X-API-Key"))
		var issued domain.IssuedClient
		_ = json.NewDecoder(r.Body).Decode(&issued)
		gotEmail.Store(issued.Email)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), testLogger())
	info := c.NotifyIssued(context.Background(), domain.IssuedClient{
		UUID: "u-1", Email: "123456", InboundTag: "vless-in", Link: "vless://u-1@h:443",
	})

	if info.Skipped || info.StatusCode != http.StatusOK || info.Reason != "" {
		t.Fatalf("info = %+v", info)
	}
	if gotKey.Load() != "secret-key" {
		t.Errorf("X-API-Key = %v", gotKey.Load())
	}
	if gotEmail.Load() != "123456" {
		t.Errorf("payload email = %v", gotEmail.Load())
	}
}

func TestNotifyRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), testLogger())
	info := c.NotifyIssued(context.Background(), domain.IssuedClient{Email: "a"})

	if info.StatusCode != http.StatusOK {
		t.Fatalf("info = %+v", info)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestNotifyDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), testLogger())
	info := c.NotifyIssued(context.Background(), domain.IssuedClient{Email: "a"})

	if info.StatusCode != http.StatusUnprocessableEntity || info.Reason == "" {
		t.Fatalf("info = %+v", info)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want no retries on 4xx", calls.Load())
	}
}

func TestNotifyGuardNoURLIsNoop(t *testing.T) {
	c := NewClient(config.NotifyConfig{}, testLogger())
	if err := c.NotifyGuard(context.Background(), "a", "warn", "text"); err != nil {
		t.Fatal(err)
	}
}

func TestNotifyGuardDelivers(t *testing.T) {
	var gotKind atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p map[string]string
		_ = json.NewDecoder(r.Body).Decode(&p)
		gotKind.Store(p["kind"])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), testLogger())
	if err := c.NotifyGuard(context.Background(), "a", "ban", "disabled"); err != nil {
		t.Fatal(err)
	}
	if gotKind.Load() != "ban" {
		t.Errorf("kind = %v", gotKind.Load())
	}
}

func TestNotifyFailureReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Retries = 1
	c := NewClient(cfg, testLogger())

	info := c.NotifyIssued(context.Background(), domain.IssuedClient{Email: "a"})
	if info.StatusCode != http.StatusInternalServerError || info.Reason == "" {
		t.Fatalf("info = %+v", info)
	}
}
