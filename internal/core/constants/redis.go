package constants

// Redis key layout. The queue and status keys are shared with any other
// process that enqueues work, so these names are part of the wire contract.
const (
	JobQueueKey     = "xray_jobs_queue"
	JobStatusPrefix = "xray_job:"
	IssueIdemPrefix = "xray_idem:"

	GuardKeyPrefix    = "xray_guard:"
	CapacityKeyPrefix = "cap:"
	RateLimitPrefix   = "rl:"
)

const (
	JobStatusTTLSeconds = 3600
	IssueIdemTTLSeconds = 90
)
