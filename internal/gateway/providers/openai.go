package providers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/mrmushfiq/llmgate/internal/gateway/gateerr"
	"github.com/mrmushfiq/llmgate/internal/shared/models"
)

// openAIClient serves OpenAI itself and every OpenAI-compatible endpoint
// (Azure, Mistral, vLLM, OpenRouter) via a per-deployment base URL.
type openAIClient struct {
	mu      sync.Mutex
	clients map[clientKey]*openai.Client
}

type clientKey struct {
	apiKey  string
	baseURL string
}

func newOpenAIClient() *openAIClient {
	return &openAIClient{clients: make(map[clientKey]*openai.Client)}
}

func (c *openAIClient) Name() string { return "openai" }

func (c *openAIClient) clientFor(dep models.Deployment) *openai.Client {
	key := clientKey{apiKey: credential(dep), baseURL: dep.BaseURL}

	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[key]; ok {
		return client
	}

	cfg := openai.DefaultConfig(key.apiKey)
	if key.baseURL != "" {
		cfg.BaseURL = key.baseURL
	}
	client := openai.NewClientWithConfig(cfg)
	c.clients[key] = client
	return client
}

// Invoke makes a chat completion or embedding request against the
// deployment's upstream.
func (c *openAIClient) Invoke(ctx context.Context, dep models.Deployment, p Payload) (*Response, error) {
	switch p.Kind {
	case KindEmbedding:
		return c.embed(ctx, dep, p)
	default:
		return c.chat(ctx, dep, p)
	}
}

func (c *openAIClient) chat(ctx context.Context, dep models.Deployment, p Payload) (*Response, error) {
	startTime := time.Now()

	req := openai.ChatCompletionRequest{
		Model:    dep.UpstreamModel,
		Messages: p.Messages,
	}
	if p.Temperature != nil {
		req.Temperature = *p.Temperature
	}
	if p.MaxTokens != nil {
		req.MaxTokens = *p.MaxTokens
	}
	if p.TopP != nil {
		req.TopP = *p.TopP
	}

	resp, err := c.clientFor(dep).CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, wrapOpenAIError(dep, err)
	}

	return &Response{
		ID:      resp.ID,
		Object:  resp.Object,
		Created: resp.Created,
		Model:   resp.Model,
		Choices: resp.Choices,
		Usage: models.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		LatencyMs: int(time.Since(startTime).Milliseconds()),
	}, nil
}

func (c *openAIClient) embed(ctx context.Context, dep models.Deployment, p Payload) (*Response, error) {
	startTime := time.Now()

	resp, err := c.clientFor(dep).CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Model: openai.EmbeddingModel(dep.UpstreamModel),
		Input: p.Input,
	})
	if err != nil {
		return nil, wrapOpenAIError(dep, err)
	}

	return &Response{
		Object:     "list",
		Created:    time.Now().Unix(),
		Model:      dep.UpstreamModel,
		Embeddings: resp.Data,
		Usage: models.TokenUsage{
			PromptTokens: resp.Usage.PromptTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
		LatencyMs: int(time.Since(startTime).Milliseconds()),
	}, nil
}

// wrapOpenAIError preserves the upstream HTTP status so the router can
// classify retryability.
func wrapOpenAIError(dep models.Deployment, err error) error {
	status := 0
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		status = apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		status = reqErr.HTTPStatusCode
	}
	return &gateerr.ProviderCallError{
		Provider:     dep.Provider,
		DeploymentID: dep.ID,
		StatusCode:   status,
		Err:          err,
	}
}
