package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mrmushfiq/llmgate/internal/gateway/providers"
)

// KV is the key-value backend, typically Redis.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

type Cache struct {
	kv  KV
	ttl time.Duration
}

// New creates a response cache with the given default TTL.
func New(kv KV, ttl time.Duration) *Cache {
	return &Cache{kv: kv, ttl: ttl}
}

// key hashes the model group plus the normalized payload so identical
// requests hit the same entry regardless of caller.
func (c *Cache) key(model string, p providers.Payload) string {
	data, _ := json.Marshal(p)
	hash := sha256.Sum256(append([]byte(model+":"), data...))
	return "cache:exact:" + hex.EncodeToString(hash[:])
}

// Get retrieves a cached response; ok is false on any miss or backend
// error.
func (c *Cache) Get(ctx context.Context, model string, p providers.Payload) (*providers.Response, bool) {
	val, err := c.kv.Get(ctx, c.key(model, p))
	if err != nil {
		return nil, false
	}

	var resp providers.Response
	if err := json.Unmarshal([]byte(val), &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

// Set stores a response for identical future requests.
func (c *Cache) Set(ctx context.Context, model string, p providers.Payload, resp *providers.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to serialize response: %w", err)
	}
	return c.kv.Set(ctx, c.key(model, p), string(data), c.ttl)
}
