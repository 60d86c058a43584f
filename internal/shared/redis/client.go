package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrNotFound is returned by Get when a key is absent or expired.
var ErrNotFound = errors.New("key not found")

type Client struct {
	client *redis.Client
}

// New creates a new Redis client
func New(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("Redis ping failed: %w", err)
	}

	return &Client{client: client}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

// Get retrieves a value by key
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// Set stores a value with TTL
func (c *Client) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Allow checks an n-unit increment against a sliding window counter. The
// counter expires `window` after its first increment. When the increment
// would push the counter past limit, nothing is recorded and ok is false
// with the window's remaining TTL as the retry hint.
func (c *Client) Allow(ctx context.Context, key string, n, limit int64, window time.Duration) (ok bool, retryAfter time.Duration, err error) {
	count, err := c.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		count = 0
	} else if err != nil {
		return false, 0, err
	}

	if count+n > limit {
		ttl, err := c.client.TTL(ctx, key).Result()
		if err != nil || ttl < 0 {
			ttl = window
		}
		return false, ttl, nil
	}

	newCount, err := c.client.IncrBy(ctx, key, n).Result()
	if err != nil {
		return false, 0, err
	}
	// First increment in this window starts the clock
	if newCount == n {
		c.client.Expire(ctx, key, window)
	}

	return true, 0, nil
}
