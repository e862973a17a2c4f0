package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != DefaultPort {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if !cfg.Server.Enabled || !cfg.Worker.Enabled || !cfg.Guard.Enabled {
		t.Error("server, worker and guard default to enabled")
	}
	if cfg.Server.APIToken != "" {
		t.Error("no default api token")
	}
	if cfg.Xray.InboundTag != "vless-in" {
		t.Errorf("inbound tag = %q", cfg.Xray.InboundTag)
	}
	if cfg.AccessLog.DevicesLimit != 2 {
		t.Errorf("devices limit = %d", cfg.AccessLog.DevicesLimit)
	}
	if cfg.Guard.BanGraceSec <= 0 || cfg.Guard.IntervalSec <= 0 {
		t.Error("guard windows must default to positive values")
	}
	if cfg.Capacity.Limit <= 0 {
		t.Error("capacity limit must default to a positive value")
	}
	if cfg.Notify.Timeout <= 0 || cfg.Notify.TotalTimeout < cfg.Notify.Timeout {
		t.Errorf("notify timeouts = %v / %v", cfg.Notify.Timeout, cfg.Notify.TotalTimeout)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("API_TOKEN", "env-token")
	t.Setenv("PORT", "19000")
	t.Setenv("REDIS_URL", "redis://10.0.0.1:6379/2")
	t.Setenv("XRAY_INBOUND_TAG", "custom-in")
	t.Setenv("DEVICES_LIMIT", "5")
	t.Setenv("XRAY_GUARD_BAN_GRACE_SEC", "120")
	t.Setenv("PUBLIC_HOST", "vpn.example.com")
	t.Setenv("NOTIFY_TIMEOUT_SEC", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.APIToken != "env-token" {
		t.Errorf("api token = %q", cfg.Server.APIToken)
	}
	if cfg.Server.Port != 19000 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Redis.URL != "redis://10.0.0.1:6379/2" {
		t.Errorf("redis url = %q", cfg.Redis.URL)
	}
	if cfg.Xray.InboundTag != "custom-in" {
		t.Errorf("inbound tag = %q", cfg.Xray.InboundTag)
	}
	if cfg.AccessLog.DevicesLimit != 5 {
		t.Errorf("devices limit = %d", cfg.AccessLog.DevicesLimit)
	}
	if cfg.Guard.BanGraceSec != 120 {
		t.Errorf("ban grace = %d", cfg.Guard.BanGraceSec)
	}
	if cfg.Link.PublicHost != "vpn.example.com" {
		t.Errorf("public host = %q", cfg.Link.PublicHost)
	}
	if cfg.Notify.Timeout != 7*time.Second {
		t.Errorf("notify timeout = %v", cfg.Notify.Timeout)
	}
}

func TestLoadKeepsDefaultsWithoutOverrides(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	want := DefaultConfig()
	if cfg.Server.Port != want.Server.Port {
		t.Errorf("port = %d, want default %d", cfg.Server.Port, want.Server.Port)
	}
	if cfg.Xray.APIAddr != want.Xray.APIAddr {
		t.Errorf("api addr = %q", cfg.Xray.APIAddr)
	}
	if cfg.AccessLog.Path != want.AccessLog.Path {
		t.Errorf("access log path = %q", cfg.AccessLog.Path)
	}
}

func TestLoadConfigFileFromEnvPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	body := []byte("server:\n  port: 20100\nxray:\n  inbound_tag: file-in\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("XAGENT_CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 20100 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Xray.InboundTag != "file-in" {
		t.Errorf("inbound tag = %q", cfg.Xray.InboundTag)
	}
	// Untouched keys keep their defaults.
	if cfg.Capacity.Limit != DefaultConfig().Capacity.Limit {
		t.Errorf("capacity limit = %d", cfg.Capacity.Limit)
	}
}

func TestLoadEnvPathWinsOverLocalFile(t *testing.T) {
	dir := t.TempDir()
	local := []byte("server:\n  port: 21000\n")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), local, 0o644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	named := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(named, []byte("server:\n  port: 21001\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("XAGENT_CONFIG_FILE", named)

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 21001 {
		t.Errorf("port = %d, want the explicitly named file to win", cfg.Server.Port)
	}
}

func TestGetAddress(t *testing.T) {
	s := ServerConfig{Host: "127.0.0.1", Port: 18000}
	if got := s.GetAddress(); got != "127.0.0.1:18000" {
		t.Errorf("address = %q", got)
	}
}
