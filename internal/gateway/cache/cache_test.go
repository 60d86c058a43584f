package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/llmgate/internal/gateway/providers"
	"github.com/mrmushfiq/llmgate/internal/shared/models"
)

type memKV struct {
	mu   sync.Mutex
	data map[string]string
	err  error
}

func (m *memKV) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.data[key]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func (m *memKV) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data[key] = value
	return nil
}

func chatPayload(content string) providers.Payload {
	return providers.Payload{
		Kind:     providers.KindChat,
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: content}},
	}
}

func TestCacheRoundTrip(t *testing.T) {
	c := New(&memKV{data: map[string]string{}}, time.Minute)
	ctx := context.Background()

	p := chatPayload("hello")
	resp := &providers.Response{ID: "resp-1", Usage: models.TokenUsage{TotalTokens: 10}}
	require.NoError(t, c.Set(ctx, "gpt-4", p, resp))

	got, ok := c.Get(ctx, "gpt-4", p)
	require.True(t, ok)
	assert.Equal(t, "resp-1", got.ID)
	assert.Equal(t, 10, got.Usage.TotalTokens)
}

func TestCacheKeyIsPayloadSensitive(t *testing.T) {
	c := New(&memKV{data: map[string]string{}}, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "gpt-4", chatPayload("hello"), &providers.Response{ID: "resp-1"}))

	_, ok := c.Get(ctx, "gpt-4", chatPayload("goodbye"))
	assert.False(t, ok)

	// Same payload against a different model group misses too.
	_, ok = c.Get(ctx, "claude", chatPayload("hello"))
	assert.False(t, ok)
}

func TestCacheBackendErrorIsAMiss(t *testing.T) {
	c := New(&memKV{data: map[string]string{}, err: errors.New("redis down")}, time.Minute)

	_, ok := c.Get(context.Background(), "gpt-4", chatPayload("hello"))
	assert.False(t, ok)
}
