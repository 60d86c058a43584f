package providers

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"github.com/mrmushfiq/llmgate/internal/gateway/gateerr"
	"github.com/mrmushfiq/llmgate/internal/shared/models"
)

// PayloadKind distinguishes the operation an upstream call performs.
type PayloadKind string

const (
	KindChat      PayloadKind = "chat"
	KindEmbedding PayloadKind = "embedding"
)

// Payload is the provider-neutral request body. The caller's model name is
// not carried here; the chosen deployment decides the upstream model.
type Payload struct {
	Kind        PayloadKind                    `json:"kind"`
	Messages    []openai.ChatCompletionMessage `json:"messages,omitempty"`
	Input       []string                       `json:"input,omitempty"`
	Temperature *float32                       `json:"temperature,omitempty"`
	MaxTokens   *int                           `json:"max_tokens,omitempty"`
	TopP        *float32                       `json:"top_p,omitempty"`
}

// Response is the provider-neutral result of one upstream call.
type Response struct {
	ID         string                        `json:"id"`
	Object     string                        `json:"object"`
	Created    int64                         `json:"created"`
	Model      string                        `json:"model"`
	Choices    []openai.ChatCompletionChoice `json:"choices,omitempty"`
	Embeddings []openai.Embedding            `json:"data,omitempty"`
	Usage      models.TokenUsage             `json:"usage"`
	LatencyMs  int                           `json:"latency_ms,omitempty"`
}

// Client is the interface every provider adapter implements.
type Client interface {
	Invoke(ctx context.Context, dep models.Deployment, p Payload) (*Response, error)
	Name() string
}

// Invoker dispatches a deployment to its provider client. OpenAI-compatible
// providers (Azure, Mistral, vLLM, OpenRouter) share one client and differ
// only in base URL and credential.
type Invoker struct {
	clients map[string]Client
	log     zerolog.Logger
}

// NewInvoker creates an Invoker with the built-in provider clients.
func NewInvoker(log zerolog.Logger) *Invoker {
	compatible := newOpenAIClient()
	return &Invoker{
		log: log.With().Str("component", "providers").Logger(),
		clients: map[string]Client{
			"openai":     compatible,
			"azure":      compatible,
			"mistral":    compatible,
			"vllm":       compatible,
			"openrouter": compatible,
			"anthropic":  newAnthropicClient(),
			"google":     newGeminiClient(),
		},
	}
}

// Invoke calls the deployment's provider with the given payload.
func (i *Invoker) Invoke(ctx context.Context, dep models.Deployment, p Payload) (*Response, error) {
	client, ok := i.clients[dep.Provider]
	if !ok {
		return nil, &gateerr.ProviderCallError{
			Provider:     dep.Provider,
			DeploymentID: dep.ID,
			StatusCode:   400,
			Err:          fmt.Errorf("unknown provider %q", dep.Provider),
		}
	}
	return client.Invoke(ctx, dep, p)
}

// credential resolves a deployment's credential reference against the
// environment. An empty ref means the provider needs no key (e.g. vLLM).
func credential(dep models.Deployment) string {
	if dep.CredentialRef == "" {
		return ""
	}
	return os.Getenv(dep.CredentialRef)
}
