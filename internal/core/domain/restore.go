package domain

// RestoreItem is one user to re-add during a bulk restore.
type RestoreItem struct {
	Email string `json:"email"`
	UUID  string `json:"uuid"`
	Level int    `json:"level"`
	Flow  string `json:"flow"`
}

// RestoreRequest drives the bulk restore engine. A nil Precheck means true;
// a zero Concurrency means 20, clamped to [1,100]; a zero TimeoutSec means no
// overall deadline.
type RestoreRequest struct {
	InboundTag  string        `json:"inbound_tag"`
	Items       []RestoreItem `json:"items"`
	Precheck    *bool         `json:"precheck"`
	Concurrency int           `json:"concurrency"`
	DelayMs     int           `json:"delay_ms"`
	TimeoutSec  float64       `json:"timeout_sec"`
}

// RestoreResult carries the outcome counts of one restore run. Before/after
// counts are best-effort and nil when the proxy count read failed.
type RestoreResult struct {
	InboundTag   string   `json:"inbound_tag"`
	Total        int      `json:"total"`
	BeforeCount  *int     `json:"before_count"`
	AfterCount   *int     `json:"after_count"`
	Exists       int      `json:"exists"`
	Added        int      `json:"added"`
	Skipped      int      `json:"skipped"`
	Errors       int      `json:"errors"`
	DurationMs   float64  `json:"duration_ms"`
	ErrorSamples []string `json:"error_samples"`
}
