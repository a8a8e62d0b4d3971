package rediscache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type Decision struct {
	Allowed   bool
	Remaining int64
	ResetAtMs int64
}

type RateLimiter struct {
	c   *redis.Client
	now func() time.Time
}

func NewRateLimiter(addr string) *RateLimiter {
	return &RateLimiter{
		c:   redis.NewClient(&redis.Options{Addr: addr}),
		now: time.Now,
	}
}

// Скользящее окно на ZSET: каждый запрос — отдельный маркер со своим
// таймстемпом. Trim + count + add делаются одним скриптом, иначе два
// конкурентных вызова могли бы оба пролезть под лимит.
// Фиксированное окно (INCR+EXPIRE) не подходит: на границе окна оно
// пропускает двойной лимит.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now, member)
  redis.call('PEXPIRE', key, window)
  return {1, limit - count - 1, now + window}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local reset = now + window
if oldest[2] then
  reset = tonumber(oldest[2]) + window
end
return {0, 0, reset}
`)

func (rl *RateLimiter) Allow(ctx context.Context, identifier string, limit int64, window time.Duration) (Decision, error) {
	now := rl.now().UTC().UnixMilli()
	member := fmt.Sprintf("%d-%s", now, uuid.NewString())

	res, err := slidingWindowScript.Run(ctx, rl.c,
		[]string{"rl:" + identifier},
		now, window.Milliseconds(), limit, member,
	).Int64Slice()
	if err != nil {
		return Decision{}, errors.Wrap(err, "redis ratelimit")
	}
	if len(res) != 3 {
		return Decision{}, errors.Errorf("redis ratelimit: unexpected reply %v", res)
	}

	return Decision{
		Allowed:   res[0] == 1,
		Remaining: res[1],
		ResetAtMs: res[2],
	}, nil
}

func (rl *RateLimiter) Close() error {
	return rl.c.Close()
}
