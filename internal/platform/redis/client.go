// Package redis connects the shared Redis client used by the budget store
// and the rate limiter.
package redis

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"chenu/internal/platform/config"
)

// Client wraps the go-redis client with health checking and pool metrics.
type Client struct {
	*redis.Client
}

// New dials Redis and verifies the connection. It returns nil when no URL
// is configured.
func New(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	opts.MinIdleConns = cfg.MinIdleConns
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Client{Client: client}, nil
}

// Health pings Redis.
func (c *Client) Health(ctx context.Context) error {
	return c.Ping(ctx).Err()
}

// RegisterPoolMetrics exports connection pool statistics as gauges.
func (c *Client) RegisterPoolMetrics(reg prometheus.Registerer) error {
	gauges := map[string]func(*redis.PoolStats) uint32{
		"chenu_redis_pool_total_conns": func(s *redis.PoolStats) uint32 { return s.TotalConns },
		"chenu_redis_pool_idle_conns":  func(s *redis.PoolStats) uint32 { return s.IdleConns },
		"chenu_redis_pool_hits":        func(s *redis.PoolStats) uint32 { return s.Hits },
		"chenu_redis_pool_misses":      func(s *redis.PoolStats) uint32 { return s.Misses },
		"chenu_redis_pool_timeouts":    func(s *redis.PoolStats) uint32 { return s.Timeouts },
	}
	for name, read := range gauges {
		gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: name,
			Help: "Redis connection pool statistic " + name + ".",
		}, func() float64 { return float64(read(c.PoolStats())) })
		if err := reg.Register(gauge); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.Client.Close()
}
