package config

import (
	"fmt"
	"time"
)

// Config holds all configuration for the agent.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Xray      XrayConfig      `yaml:"xray"`
	AccessLog AccessLogConfig `yaml:"access_log"`
	Guard     GuardConfig     `yaml:"guard"`
	Capacity  CapacityConfig  `yaml:"capacity"`
	Worker    WorkerConfig    `yaml:"worker"`
	Link      LinkConfig      `yaml:"link"`
	Notify    NotifyConfig    `yaml:"notify"`
	Logging   LoggingConfig   `yaml:"logging"`
	Debug     bool            `yaml:"debug"`
}

// ServerConfig holds the HTTP surface configuration. Forwarding headers are
// only honoured when the direct peer falls inside a trusted CIDR.
type ServerConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	APIToken          string        `yaml:"api_token"`
	AllowSync         bool          `yaml:"allow_sync"`
	TrustProxyHeaders bool          `yaml:"trust_proxy_headers"`
	TrustedProxyCIDRs []string      `yaml:"trusted_proxy_cidrs"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// GetAddress returns the server address in host:port format.
func (s *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RedisConfig points at the shared state store.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// XrayConfig covers the proxy control endpoint and defaults for user calls.
type XrayConfig struct {
	APIAddr      string        `yaml:"api_addr"`
	InboundTag   string        `yaml:"inbound_tag"`
	DefaultFlow  string        `yaml:"default_flow"`
	RPCTimeout   time.Duration `yaml:"rpc_timeout"`
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
}

// AccessLogConfig drives the log parser and snapshot aggregation windows.
type AccessLogConfig struct {
	Path            string        `yaml:"path"`
	TailMaxLines    int           `yaml:"tail_max_lines"`
	WindowSec       int           `yaml:"window_sec"`
	OnlineWindowSec int           `yaml:"online_window_sec"`
	IPActiveTTLSec  int           `yaml:"ip_active_ttl_sec"`
	DevicesLimit    int           `yaml:"devices_limit"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
}

// GuardConfig drives the anti-sharing policy loop.
type GuardConfig struct {
	Enabled            bool `yaml:"enabled"`
	IntervalSec        int  `yaml:"interval_sec"`
	BanGraceSec        int  `yaml:"ban_grace_sec"`
	WarnCooldownSec    int  `yaml:"warn_cooldown_sec"`
	DisableCooldownSec int  `yaml:"disable_cooldown_sec"`
	ActiveSeenSec      int  `yaml:"active_seen_sec"`
}

// CapacityConfig bounds per-inbound user creation.
type CapacityConfig struct {
	Limit  int `yaml:"limit"`
	TTLSec int `yaml:"ttl_sec"`
}

// WorkerConfig drives the background job runtime.
type WorkerConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LinkConfig carries the vless:// link-building parameters. Opaque to the
// core; consumed only by the link builder.
type LinkConfig struct {
	PublicHost string `yaml:"public_host"`
	PublicPort int    `yaml:"public_port"`
	RealitySNI string `yaml:"reality_sni"`
	RealityFP  string `yaml:"reality_fp"`
	RealityPBK string `yaml:"reality_pbk"`
	RealitySID string `yaml:"reality_sid"`
}

// NotifyConfig points at the optional external notify service.
type NotifyConfig struct {
	URL          string        `yaml:"url"`
	APIKey       string        `yaml:"api_key"`
	Timeout      time.Duration `yaml:"timeout"`
	TotalTimeout time.Duration `yaml:"total_timeout"`
	Retries      int           `yaml:"retries"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	LogDir     string `yaml:"log_dir"`
	FileOutput bool   `yaml:"file_output"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Theme      string `yaml:"theme"`
}
