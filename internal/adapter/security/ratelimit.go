// Package security implements request governance: the per-caller token
// bucket and the per-inbound capacity counter, both as atomic Redis scripts.
package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/oxidizr/xagent/internal/core/constants"
	"github.com/oxidizr/xagent/internal/core/ports"
	"github.com/oxidizr/xagent/internal/logger"
)

// tokenBucketScript refills by elapsed time, takes one token on allow and
// expires idle buckets after twice their drain time. Returns
// {allowed, remaining*1000, retry_after_ms}.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])

local bucket = redis.call('HMGET', key, 'tokens', 'ts_ms')
local tokens = tonumber(bucket[1])
local ts_ms = tonumber(bucket[2])
if tokens == nil then
  tokens = burst
  ts_ms = now_ms
end

local elapsed_ms = now_ms - ts_ms
if elapsed_ms < 0 then elapsed_ms = 0 end
tokens = math.min(burst, tokens + elapsed_ms * rate / 1000.0)

local allowed = 0
local retry_ms = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  retry_ms = math.ceil((1 - tokens) * 1000.0 / rate)
end

redis.call('HSET', key, 'tokens', tokens, 'ts_ms', now_ms)
redis.call('PEXPIRE', key, math.ceil(2 * burst * 1000.0 / rate))

return {allowed, math.floor(tokens * 1000), retry_ms}
`)

// RateRule is one group's bucket parameters.
type RateRule struct {
	Rate  float64 // tokens per second
	Burst float64
}

// DefaultRateRules covers the recognised groups.
func DefaultRateRules() map[string]RateRule {
	return map[string]RateRule{
		"health": {Rate: 2, Burst: 5},
		"status": {Rate: 10, Burst: 30},
		"count":  {Rate: 5, Burst: 15},
		"emails": {Rate: 1, Burst: 3},
		"mutate": {Rate: 1, Burst: 3},
	}
}

// RateLimiter is the Redis-backed token bucket. Store failures are allows:
// a broken store must not take down the read API.
type RateLimiter struct {
	client *redis.Client
	rules  map[string]RateRule
	logger *logger.StyledLogger
	nowMs  func() int64
}

func NewRateLimiter(client *redis.Client, rules map[string]RateRule, log *logger.StyledLogger, nowMs func() int64) *RateLimiter {
	if rules == nil {
		rules = DefaultRateRules()
	}
	return &RateLimiter{
		client: client,
		rules:  rules,
		logger: log,
		nowMs:  nowMs,
	}
}

// Allow runs the bucket script for (group, fingerprint, ip) and fails open.
func (rl *RateLimiter) Allow(ctx context.Context, group, fingerprint, ip string) ports.RateDecision {
	rule, ok := rl.rules[group]
	if !ok {
		rule = rl.rules["status"]
	}

	key := constants.RateLimitPrefix + group + ":" + fingerprint + ":" + ip

	res, err := tokenBucketScript.Run(ctx, rl.client, []string{key},
		rule.Rate, rule.Burst, rl.nowMs()).Int64Slice()
	if err != nil || len(res) != 3 {
		if err != nil {
			rl.logger.Warn("Rate limiter store error, failing open", "group", group, "error", err)
		}
		return ports.RateDecision{Allowed: true, Group: group}
	}

	return ports.RateDecision{
		Allowed:      res[0] == 1,
		Remaining:    float64(res[1]) / 1000.0,
		RetryAfterMs: int(res[2]),
		Group:        group,
	}
}

// TokenFingerprint hashes the bearer credential so bucket keys never carry
// the secret itself.
func TokenFingerprint(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])[:16]
}

// ResolveGroup maps a URL path onto a rate group.
func ResolveGroup(path string) string {
	switch {
	case strings.HasPrefix(path, "/health"):
		return "health"
	case strings.HasSuffix(path, "/users/count"):
		return "count"
	case strings.HasSuffix(path, "/emails"):
		return "emails"
	case strings.HasPrefix(path, "/clients/issue"),
		strings.HasPrefix(path, "/clients/"),
		strings.HasPrefix(path, "/xray/add_user"),
		strings.HasPrefix(path, "/xray/remove_user"),
		strings.HasPrefix(path, "/xray/restore"):
		return "mutate"
	default:
		return "status"
	}
}
