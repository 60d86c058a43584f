package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/mrmushfiq/llmgate/internal/gateway/gateerr"
	"github.com/mrmushfiq/llmgate/internal/shared/models"
)

const anthropicDefaultBaseURL = "https://api.anthropic.com"

// anthropicClient speaks Anthropic's Messages API directly.
type anthropicClient struct {
	httpClient *http.Client
}

// anthropicRequest represents a request to Anthropic's Messages API
type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float32           `json:"temperature,omitempty"`
	System      string             `json:"system,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID      string                  `json:"id"`
	Type    string                  `json:"type"`
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
	Model   string                  `json:"model"`
	Usage   anthropicUsage          `json:"usage"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func newAnthropicClient() *anthropicClient {
	return &anthropicClient{
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (c *anthropicClient) Name() string { return "anthropic" }

// Invoke makes a chat completion request against Anthropic's Messages API.
func (c *anthropicClient) Invoke(ctx context.Context, dep models.Deployment, p Payload) (*Response, error) {
	if p.Kind == KindEmbedding {
		return nil, &gateerr.ProviderCallError{
			Provider:     dep.Provider,
			DeploymentID: dep.ID,
			StatusCode:   400,
			Err:          fmt.Errorf("anthropic does not serve embeddings"),
		}
	}

	startTime := time.Now()
	body, system := convertAnthropicRequest(dep.UpstreamModel, p)
	if system != "" {
		body.System = system
	}

	baseURL := dep.BaseURL
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}

	reqBody, _ := json.Marshal(body)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/messages", bytes.NewReader(reqBody))
	if err != nil {
		return nil, &gateerr.ProviderCallError{Provider: dep.Provider, DeploymentID: dep.ID, StatusCode: 400, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", credential(dep))
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &gateerr.ProviderCallError{Provider: dep.Provider, DeploymentID: dep.ID, Err: err}
	}
	defer httpResp.Body.Close()

	respBody, _ := io.ReadAll(httpResp.Body)

	if httpResp.StatusCode != http.StatusOK {
		return nil, &gateerr.ProviderCallError{
			Provider:     dep.Provider,
			DeploymentID: dep.ID,
			StatusCode:   httpResp.StatusCode,
			Err:          fmt.Errorf("anthropic API error: %s", string(respBody)),
		}
	}

	var resp anthropicResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, &gateerr.ProviderCallError{Provider: dep.Provider, DeploymentID: dep.ID, Err: fmt.Errorf("failed to parse response: %w", err)}
	}

	return convertAnthropicResponse(resp, int(time.Since(startTime).Milliseconds())), nil
}

// convertAnthropicRequest converts the neutral payload to Anthropic format.
// System messages move to the dedicated system field.
func convertAnthropicRequest(model string, p Payload) (anthropicRequest, string) {
	req := anthropicRequest{
		Model:       model,
		Messages:    []anthropicMessage{},
		MaxTokens:   4096,
		Temperature: p.Temperature,
	}

	if p.MaxTokens != nil && *p.MaxTokens > 0 {
		req.MaxTokens = *p.MaxTokens
	}

	var systemPrompt string
	for _, msg := range p.Messages {
		if msg.Role == "system" {
			systemPrompt = msg.Content
		} else {
			req.Messages = append(req.Messages, anthropicMessage{
				Role:    msg.Role,
				Content: msg.Content,
			})
		}
	}

	return req, systemPrompt
}

func convertAnthropicResponse(resp anthropicResponse, latencyMs int) *Response {
	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return &Response{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []openai.ChatCompletionChoice{
			{
				Index: 0,
				Message: openai.ChatCompletionMessage{
					Role:    "assistant",
					Content: content,
				},
				FinishReason: "stop",
			},
		},
		Usage: models.TokenUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		LatencyMs: latencyMs,
	}
}
