package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	DefaultPort = 18000
	DefaultHost = "0.0.0.0"
)

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Enabled:         true,
			Host:            DefaultHost,
			Port:            DefaultPort,
			AllowSync:       true,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			URL: "redis://127.0.0.1:6379/0",
		},
		Xray: XrayConfig{
			APIAddr:      "127.0.0.1:10085",
			InboundTag:   "vless-in",
			DefaultFlow:  "",
			RPCTimeout:   10 * time.Second,
			ReadyTimeout: 2 * time.Second,
		},
		AccessLog: AccessLogConfig{
			Path:            "/var/log/xray/access.log",
			TailMaxLines:    30000,
			WindowSec:       600,
			OnlineWindowSec: 240,
			IPActiveTTLSec:  120,
			DevicesLimit:    2,
			CacheTTL:        2 * time.Second,
		},
		Guard: GuardConfig{
			Enabled:            true,
			IntervalSec:        20,
			BanGraceSec:        900,
			WarnCooldownSec:    300,
			DisableCooldownSec: 1800,
			ActiveSeenSec:      600,
		},
		Capacity: CapacityConfig{
			Limit:  50,
			TTLSec: 120,
		},
		Worker: WorkerConfig{
			Enabled: true,
		},
		Link: LinkConfig{
			PublicPort: 443,
			RealityFP:  "chrome",
		},
		Notify: NotifyConfig{
			Timeout:      10 * time.Second,
			TotalTimeout: 30 * time.Second,
			Retries:      3,
		},
		Logging: LoggingConfig{
			Level:      "info",
			LogDir:     "./logs",
			FileOutput: false,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Theme:      "default",
		},
	}
}

// envAliases maps config keys onto the flat environment variable names the
// deployment uses. BindEnv keeps the yaml layout and the .env surface apart.
var envAliases = map[string]string{
	"server.api_token":             "API_TOKEN",
	"server.port":                  "PORT",
	"redis.url":                    "REDIS_URL",
	"xray.api_addr":                "XRAY_API_ADDR",
	"xray.inbound_tag":             "XRAY_INBOUND_TAG",
	"xray.default_flow":            "DEFAULT_FLOW",
	"access_log.path":              "XRAY_ACCESS_LOG",
	"access_log.tail_max_lines":    "TAIL_MAX_LINES",
	"access_log.window_sec":        "WINDOW_SEC",
	"access_log.online_window_sec": "ONLINE_WINDOW_SEC",
	"access_log.ip_active_ttl_sec": "IP_ACTIVE_TTL_SEC",
	"access_log.devices_limit":     "DEVICES_LIMIT",
	"guard.interval_sec":           "XRAY_GUARD_INTERVAL_SEC",
	"guard.ban_grace_sec":          "XRAY_GUARD_BAN_GRACE_SEC",
	"guard.warn_cooldown_sec":      "XRAY_GUARD_WARN_COOLDOWN_SEC",
	"guard.disable_cooldown_sec":   "XRAY_GUARD_DISABLE_COOLDOWN_SEC",
	"guard.active_seen_sec":        "XRAY_GUARD_ACTIVE_SEEN_SEC",
	"capacity.limit":               "CAPACITY_LIMIT",
	"capacity.ttl_sec":             "CAPACITY_TTL_SEC",
	"link.public_host":             "PUBLIC_HOST",
	"link.public_port":             "PUBLIC_PORT",
	"link.reality_sni":             "REALITY_SNI",
	"link.reality_fp":              "REALITY_FP",
	"link.reality_pbk":             "REALITY_PBK",
	"link.reality_sid":             "REALITY_SID",
	"notify.url":                   "NOTIFY_URL",
	"notify.api_key":               "NOTIFY_API_KEY",
	"notify.timeout":               "NOTIFY_TIMEOUT_SEC",
	"notify.retries":               "NOTIFY_RETRIES",
}

// Load loads configuration from file and environment variables.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("XAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, env := range envAliases {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	// Seconds-valued env vars arrive as bare integers.
	if s := os.Getenv("NOTIFY_TIMEOUT_SEC"); s != "" {
		v.Set("notify.timeout", s+"s")
	}
	if s := os.Getenv("NOTIFY_TOTAL_TIMEOUT_SEC"); s != "" {
		v.Set("notify.total_timeout", s+"s")
	}

	// An explicitly named file wins over any config.yaml found on the search
	// path.
	if configFile := os.Getenv("XAGENT_CONFIG_FILE"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
	} else if err := v.ReadInConfig(); err != nil {
		// It's okay if the config file doesn't exist
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) { dc.TagName = "yaml" }); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	return cfg, nil
}
