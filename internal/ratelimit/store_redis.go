package ratelimit

import (
	"context"
	"fmt"
	"time"

	"cloudbudgetguard/internal/models"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "rl:"

// hitScript keeps each window in a hash {count, resetAt, createdAt} with
// times in unix milliseconds. It returns {} when there was no window and
// {count, resetAt, createdAt} of the previous window otherwise. PEXPIREAT at
// resetAt lets Redis collect stale windows.
var hitScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local resetAt = tonumber(ARGV[3])

local prev = redis.call('HMGET', KEYS[1], 'count', 'resetAt', 'createdAt')
local count = tonumber(prev[1])
local prevReset = tonumber(prev[2])
local created = tonumber(prev[3]) or now

if count == nil or prevReset == nil or prevReset <= now then
  redis.call('HSET', KEYS[1], 'count', 1, 'resetAt', resetAt, 'createdAt', created)
  redis.call('PEXPIREAT', KEYS[1], resetAt)
  if count == nil or prevReset == nil then
    return {}
  end
  return {count, prevReset, created}
end

if count < limit then
  redis.call('HINCRBY', KEYS[1], 'count', 1)
end
return {count, prevReset, created}
`)

// RedisStore keeps windows in Redis hashes under the "rl:" prefix.
type RedisStore struct {
	rdb redis.UniversalClient
}

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Hit(ctx context.Context, key string, limit int, resetAt, now time.Time) (*models.RateLimitWindow, error) {
	vals, err := hitScript.Run(ctx, s.rdb, []string{redisKeyPrefix + key}, limit, now.UnixMilli(), resetAt.UnixMilli()).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("hit %s: %w", key, err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	if len(vals) != 3 {
		return nil, fmt.Errorf("hit %s: unexpected reply %v", key, vals)
	}
	return &models.RateLimitWindow{
		Key:       key,
		Count:     vals[0],
		ResetAt:   time.UnixMilli(vals[1]).UTC(),
		CreatedAt: time.UnixMilli(vals[2]).UTC(),
	}, nil
}
