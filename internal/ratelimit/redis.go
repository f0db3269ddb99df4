package ratelimit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// takeScript prunes the window, checks capacity, and records the admission
// in one atomic step. KEYS[1] is the budget key; ARGV are now (unix ms),
// window (ms), capacity, and a unique member id. Returns {1} when admitted
// or {0, retry_after_ms} when denied.
var takeScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local cutoff = now - window

redis.call('ZREMRANGEBYSCORE', key, 0, cutoff)
local count = redis.call('ZCARD', key)
if count >= capacity then
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	return {0, tonumber(oldest[2]) - cutoff}
end

redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1}
`)

// RedisStore keeps admission windows in Redis sorted sets keyed by budget
// name, so budgets hold across processes.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Take(ctx context.Context, b Budget, now time.Time) (Decision, error) {
	res, err := takeScript.Run(ctx, s.rdb,
		[]string{"ratelimit:" + b.Name},
		now.UnixMilli(), b.Window.Milliseconds(), b.Capacity, uuid.New().String(),
	).Int64Slice()
	if err != nil {
		return Decision{}, eris.Wrapf(err, "ratelimit: redis take %s", b.Name)
	}

	if len(res) > 0 && res[0] == 1 {
		return Decision{Allowed: true}, nil
	}
	d := Decision{}
	if len(res) > 1 {
		d.RetryAfter = time.Duration(res[1]) * time.Millisecond
	}
	return d, nil
}
