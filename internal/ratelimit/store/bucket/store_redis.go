package bucket

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"chenu/internal/ratelimit/models"
)

// allowScript trims the window, then admits cost members only if they fit.
// Scores are unix milliseconds. Returns {allowed, count, reset_at_ms}.
var allowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local member = ARGV[5]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

if count + cost > limit then
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	local reset = now + window
	if oldest[2] then
		reset = tonumber(oldest[2]) + window
	end
	return {0, count, reset}
end

for i = 1, cost do
	redis.call('ZADD', key, now, member .. ':' .. i)
end
redis.call('PEXPIRE', key, window)
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
return {1, count + cost, tonumber(oldest[2]) + window}
`)

// RedisBucketStore keeps one sorted set per key so every replica shares the
// same window.
type RedisBucketStore struct {
	client *redis.Client
	clock  func() time.Time
}

func NewRedis(client *redis.Client) *RedisBucketStore {
	return &RedisBucketStore{client: client, clock: time.Now}
}

func (s *RedisBucketStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (*models.RateLimitResult, error) {
	return s.AllowN(ctx, key, 1, limit, window)
}

func (s *RedisBucketStore) AllowN(ctx context.Context, key string, cost int, limit int, window time.Duration) (*models.RateLimitResult, error) {
	now := s.clock()
	res, err := allowScript.Run(ctx, s.client, []string{key},
		now.UnixMilli(), window.Milliseconds(), limit, cost, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}

	resetAt := time.UnixMilli(res[2])
	if res[0] == 0 {
		return &models.RateLimitResult{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: models.RetryAfterSeconds(now, resetAt),
		}, nil
	}
	return &models.RateLimitResult{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - int(res[1]),
		ResetAt:   resetAt,
	}, nil
}

func (s *RedisBucketStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("reset rate limit bucket: %w", err)
	}
	return nil
}

// GetCurrentCount can include members older than the window until the next
// AllowN trims them.
func (s *RedisBucketStore) GetCurrentCount(ctx context.Context, key string) (int, error) {
	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("count rate limit bucket: %w", err)
	}
	return int(n), nil
}
