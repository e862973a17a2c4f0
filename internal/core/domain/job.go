package domain

import "encoding/json"

// JobKind identifies the unit of background work carried by a queue envelope.
type JobKind string

const (
	JobIssueClient  JobKind = "issue_client"
	JobAddClient    JobKind = "add_client"
	JobRemoveClient JobKind = "remove_client"
	JobBulkRestore  JobKind = "bulk_restore"
)

// JobState is the lifecycle state of a job status document. States only
// advance queued -> running -> done|error and never regress.
type JobState string

const (
	JobQueued   JobState = "queued"
	JobRunning  JobState = "running"
	JobDone     JobState = "done"
	JobError    JobState = "error"
	JobNotFound JobState = "not_found"
)

// Job is the queue envelope. The payload is kind-specific and decoded by the
// worker handler for that kind.
type Job struct {
	ID        string          `json:"id"`
	Kind      JobKind         `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"ts"`
}

// JobErrorInfo is the error half of a status document. Trace is only
// populated when debug mode is enabled.
type JobErrorInfo struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Trace   string `json:"trace,omitempty"`
}

// JobStatus is the status document stored under the job key. It is
// overwritten whole on every state transition.
type JobStatus struct {
	ID        string          `json:"id"`
	State     JobState        `json:"state"`
	UpdatedAt int64           `json:"ts"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *JobErrorInfo   `json:"error,omitempty"`
}

// IssuePayload is the payload for issue_client jobs. The worker generates the
// UUID; the telegram id doubles as the Xray user email.
type IssuePayload struct {
	TelegramID string `json:"telegram_id"`
	InboundTag string `json:"inbound_tag"`
	Level      int    `json:"level"`
	Flow       string `json:"flow,omitempty"`
}

// AddPayload is the payload for add_client jobs (caller supplies the UUID).
type AddPayload struct {
	UUID       string `json:"uuid"`
	Email      string `json:"email"`
	InboundTag string `json:"inbound_tag"`
	Level      int    `json:"level"`
	Flow       string `json:"flow,omitempty"`
}

// RemovePayload is the payload for remove_client jobs.
type RemovePayload struct {
	Email      string `json:"email"`
	InboundTag string `json:"inbound_tag"`
}

// IssueResult is the result document of a completed issue_client job.
type IssueResult struct {
	Issued IssuedClient `json:"issued"`
	Notify NotifyInfo   `json:"notify"`
}

// IssuedClient describes the client created by an issue job. The same payload
// is posted to the external notify service.
type IssuedClient struct {
	UUID       string `json:"uuid"`
	Email      string `json:"email"`
	InboundTag string `json:"inbound_tag"`
	Link       string `json:"link"`
}

// NotifyInfo records the best-effort notify outcome. A notify failure never
// fails the job; the user has already been created.
type NotifyInfo struct {
	Skipped    bool   `json:"skipped"`
	StatusCode int    `json:"status_code,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// RemoveResult is the result document of a remove_client job. Skipped is set
// when the user was already absent.
type RemoveResult struct {
	Removed bool   `json:"removed"`
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
}
