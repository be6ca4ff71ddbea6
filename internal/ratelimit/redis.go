package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Keys expire one minute after the window they back so idle identities
// vanish on their own.
const ttlGrace = time.Minute

// allowScript prunes, counts, and admits in one atomic step so two
// concurrent probes for the same identity can never both take the last free
// slot. Counts are read before the admit, matching the verdict contract
// that they exclude the request being decided.
//
// KEYS[1] minute set, KEYS[2] hour set.
// ARGV: now_ms, minute_window_ms, hour_window_ms, per_minute, per_hour,
// member, minute_ttl_s, hour_ttl_s.
// Reply: {allowed, minute_count, hour_count, minute_oldest_ms, hour_oldest_ms}.
var allowScript = redis.NewScript(`
local now = tonumber(ARGV[1])

redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, now - tonumber(ARGV[2]))
redis.call('ZREMRANGEBYSCORE', KEYS[2], 0, now - tonumber(ARGV[3]))

local minuteCount = redis.call('ZCARD', KEYS[1])
local hourCount = redis.call('ZCARD', KEYS[2])

local allowed = 0
if minuteCount < tonumber(ARGV[4]) and hourCount < tonumber(ARGV[5]) then
  allowed = 1
  redis.call('ZADD', KEYS[1], now, ARGV[6])
  redis.call('ZADD', KEYS[2], now, ARGV[6])
  redis.call('EXPIRE', KEYS[1], tonumber(ARGV[7]))
  redis.call('EXPIRE', KEYS[2], tonumber(ARGV[8]))
end

local minuteOldest = 0
local first = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if first[2] then minuteOldest = tonumber(first[2]) end

local hourOldest = 0
first = redis.call('ZRANGE', KEYS[2], 0, 0, 'WITHSCORES')
if first[2] then hourOldest = tonumber(first[2]) end

return {allowed, minuteCount, hourCount, minuteOldest, hourOldest}
`)

// Redis is the shared store: one sorted set per identity and window, scored
// by request time in milliseconds.
type Redis struct {
	client *redis.Client
	limits Limits
}

func NewRedis(redisURL string, limits Limits) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &Redis{client: client, limits: limits}, nil
}

func (r *Redis) Allow(ctx context.Context, identity string) (Decision, error) {
	now := time.Now()
	keys := []string{
		"ratelimit:" + identity + ":minute",
		"ratelimit:" + identity + ":hour",
	}
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()[:8])

	reply, err := allowScript.Run(ctx, r.client, keys,
		now.UnixMilli(),
		minuteWindow.Milliseconds(),
		hourWindow.Milliseconds(),
		r.limits.PerMinute,
		r.limits.PerHour,
		member,
		int((minuteWindow + ttlGrace).Seconds()),
		int((hourWindow + ttlGrace).Seconds()),
	).Int64Slice()
	if err != nil {
		return Decision{}, err
	}
	return decisionFromReply(r.limits, now, reply)
}

// decisionFromReply folds the script's reply into a Decision. The script's
// admit bit is authoritative; the verdict derives the headers from the same
// counts the script saw.
func decisionFromReply(limits Limits, now time.Time, reply []int64) (Decision, error) {
	if len(reply) != 5 {
		return Decision{}, fmt.Errorf("rate limit script returned %d values, want 5", len(reply))
	}
	d := limits.verdict(now, int(reply[1]), int(reply[2]), msTime(reply[3]), msTime(reply[4]))
	d.Allowed = reply[0] == 1
	return d, nil
}

func msTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (r *Redis) Close() error {
	return r.client.Close()
}
