//go:build integration

package containers

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"chenu/internal/platform/config"
	platformredis "chenu/internal/platform/redis"
)

// RedisContainer wraps a testcontainers Redis instance dialed through the
// same client constructor the server uses.
type RedisContainer struct {
	Container testcontainers.Container
	URL       string
	Platform  *platformredis.Client
	Client    *redis.Client
}

// NewRedisContainer starts a new Redis container. The shared Manager owns
// its lifetime, so no t.Cleanup is registered here.
func NewRedisContainer(t *testing.T) *RedisContainer {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}

	url, err := container.ConnectionString(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get redis connection string: %v", err)
	}

	client, err := platformredis.New(ctx, config.RedisConfig{URL: url, PoolSize: 20})
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to connect to redis: %v", err)
	}

	return &RedisContainer{
		Container: container,
		URL:       url,
		Platform:  client,
		Client:    client.Client,
	}
}

// FlushAll removes every key. Call it between tests.
func (r *RedisContainer) FlushAll(ctx context.Context) error {
	return r.Client.FlushAll(ctx).Err()
}
