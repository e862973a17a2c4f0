package logtail

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oxidizr/xagent/internal/config"
	"github.com/oxidizr/xagent/internal/logger"
	"github.com/oxidizr/xagent/theme"
)

func testLogger() *logger.StyledLogger {
	base, _, _ := logger.New(&logger.Config{Level: "error"})
	return logger.NewStyledLogger(base, theme.Default())
}

func writeAccessLog(t *testing.T, lines []string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "access.log")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTailLines(t *testing.T) {
	var lines []string
	for i := 0; i < 100; i++ {
		lines = append(lines, fmt.Sprintf("line-%03d", i))
	}
	path := writeAccessLog(t, lines)

	got, err := tailLines(path, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 10 {
		t.Fatalf("expected 10 lines, got %d", len(got))
	}
	if got[0] != "line-090" || got[9] != "line-099" {
		t.Errorf("wrong tail window: first=%s last=%s", got[0], got[9])
	}
}

func TestTailLinesMissingFile(t *testing.T) {
	if _, err := tailLines(filepath.Join(t.TempDir(), "nope.log"), 10); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestSnapshotCache(t *testing.T) {
	now := time.Now()
	line := now.Format("2006/01/02 15:04:05") +
		" from 1.2.3.4:1000 accepted tcp:site.com:443 [vless-in -> direct] email: u1"
	path := writeAccessLog(t, []string{line})

	p := NewProvider(config.AccessLogConfig{
		Path:            path,
		TailMaxLines:    1000,
		WindowSec:       600,
		OnlineWindowSec: 240,
		IPActiveTTLSec:  120,
		DevicesLimit:    2,
		CacheTTL:        2 * time.Second,
	}, "vless-in", testLogger())

	snap1, err := p.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap1.ClientsTotalSeen != 1 || snap1.WindowEvents != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap1)
	}

	// Second read within the cache window must not re-parse even if the
	// file vanishes.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	snap2, err := p.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap2.TsEpoch != snap1.TsEpoch {
		t.Error("expected cached snapshot")
	}

	// Expired cache hits the filesystem again.
	p.now = func() time.Time { return now.Add(10 * time.Second) }
	if _, err := p.Snapshot(context.Background()); err == nil {
		t.Error("expected re-parse failure after cache expiry")
	}
}

func TestHealthy(t *testing.T) {
	path := writeAccessLog(t, []string{"x"})
	p := NewProvider(config.AccessLogConfig{Path: path}, "vless-in", testLogger())

	if err := p.Healthy(context.Background()); err != nil {
		t.Fatalf("healthy log reported unhealthy: %v", err)
	}

	p2 := NewProvider(config.AccessLogConfig{Path: path + ".missing"}, "vless-in", testLogger())
	if err := p2.Healthy(context.Background()); err == nil {
		t.Fatal("missing log should be unhealthy")
	}
}
