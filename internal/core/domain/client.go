package domain

// User is a proxy-side user record as decoded from a list response. The UUID
// extraction is best-effort; a corrupted account payload leaves it empty.
type User struct {
	Email string `json:"email"`
	UUID  string `json:"uuid,omitempty"`
	Level int    `json:"level,omitempty"`
}

// LogEvent is one accepted access-log line, reduced to the fields the
// aggregator needs.
type LogEvent struct {
	Time  float64
	Email string
	SrcIP string
	Proto string
	Dst   string
	Host  string
}

// HostHits is a (host, hit count) pair in a client's top-hosts list.
type HostHits struct {
	Host string `json:"host"`
	Hits int    `json:"hits"`
}

// ClientStatus is the per-email aggregate derived from the access log window.
type ClientStatus struct {
	Email           string     `json:"email"`
	Online          bool       `json:"online"`
	LastSeenEpoch   float64    `json:"last_seen_epoch"`
	LastSeenAgoSec  float64    `json:"last_seen_ago_sec"`
	UniqueIPs       []string   `json:"unique_ips"`
	ActiveIPs       []string   `json:"active_ips"`
	DevicesEstimate int        `json:"devices_estimate"`
	Events          int        `json:"events"`
	TopHosts        []HostHits `json:"top_hosts"`
	Suspicious      bool       `json:"suspicious"`
}

// Snapshot is the parsed-and-aggregated view of recent access-log events.
type Snapshot struct {
	TsEpoch           float64        `json:"ts_epoch"`
	WindowSec         int            `json:"window_sec"`
	OnlineWindowSec   int            `json:"online_window_sec"`
	DevicesLimit      int            `json:"devices_limit"`
	InboundTag        string         `json:"inbound_tag"`
	WindowEvents      int            `json:"window_events"`
	ClientsTotalSeen  int            `json:"clients_total_seen"`
	ClientsOnline     int            `json:"clients_online"`
	SuspiciousClients int            `json:"suspicious_clients"`
	Clients           []ClientStatus `json:"clients"`
}

// RuntimeStatus reports reachability of the proxy control endpoint.
type RuntimeStatus struct {
	APIAddr     string         `json:"xray_api_addr"`
	PortOpen    bool           `json:"xray_api_port_open"`
	Time        int64          `json:"time"`
	OK          bool           `json:"ok"`
	SysStats    map[string]any `json:"xray_api_sys_stats,omitempty"`
	SysStatsErr string         `json:"xray_api_sys_stats_error,omitempty"`
	Error       string         `json:"error,omitempty"`
}
