package security

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/oxidizr/xagent/internal/core/constants"
	"github.com/oxidizr/xagent/internal/logger"
)

// reserveScript increments the counter only below the limit and refreshes the
// safety TTL on every successful reserve. Returns {granted, current}.
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = tonumber(redis.call('GET', key) or '0')
if current >= limit then
  return {0, current}
end

current = redis.call('INCR', key)
redis.call('EXPIRE', key, ttl)
return {1, current}
`)

// releaseScript decrements and drops the key at zero so a stale counter
// cannot pin capacity forever.
var releaseScript = redis.NewScript(`
local key = KEYS[1]
local current = tonumber(redis.call('GET', key) or '0')
if current <= 0 then
  redis.call('DEL', key)
  return 0
end
current = redis.call('DECR', key)
if current <= 0 then
  redis.call('DEL', key)
end
return current
`)

// CapacityLimiter bounds in-flight user creation per inbound. Reserve fails
// closed: a store error is a denial, which is the safer side under a flood of
// issue requests.
type CapacityLimiter struct {
	client *redis.Client
	limit  int
	ttlSec int
	logger *logger.StyledLogger
}

func NewCapacityLimiter(client *redis.Client, limit, ttlSec int, log *logger.StyledLogger) *CapacityLimiter {
	return &CapacityLimiter{
		client: client,
		limit:  limit,
		ttlSec: ttlSec,
		logger: log,
	}
}

func capacityKey(tag string) string {
	return constants.CapacityKeyPrefix + tag
}

func (cl *CapacityLimiter) Reserve(ctx context.Context, tag string) (bool, int, error) {
	res, err := reserveScript.Run(ctx, cl.client, []string{capacityKey(tag)},
		cl.limit, cl.ttlSec).Int64Slice()
	if err != nil || len(res) != 2 {
		if err != nil {
			cl.logger.Warn("Capacity reserve store error, denying", "tag", tag, "error", err)
		}
		return false, 0, err
	}
	return res[0] == 1, int(res[1]), nil
}

func (cl *CapacityLimiter) Release(ctx context.Context, tag string) {
	if err := releaseScript.Run(ctx, cl.client, []string{capacityKey(tag)}).Err(); err != nil {
		cl.logger.Warn("Capacity release failed", "tag", tag, "error", err)
	}
}
