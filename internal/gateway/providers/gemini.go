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

const geminiDefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// geminiClient speaks Google's generateContent API directly.
type geminiClient struct {
	httpClient *http.Client
}

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	TopP            *float32 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata geminiUsage       `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
	Index        int           `json:"index"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

func newGeminiClient() *geminiClient {
	return &geminiClient{
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (c *geminiClient) Name() string { return "google" }

// Invoke makes a chat completion request against Gemini's generateContent
// endpoint.
func (c *geminiClient) Invoke(ctx context.Context, dep models.Deployment, p Payload) (*Response, error) {
	if p.Kind == KindEmbedding {
		return nil, &gateerr.ProviderCallError{
			Provider:     dep.Provider,
			DeploymentID: dep.ID,
			StatusCode:   400,
			Err:          fmt.Errorf("gemini embeddings are not wired up"),
		}
	}

	startTime := time.Now()

	baseURL := dep.BaseURL
	if baseURL == "" {
		baseURL = geminiDefaultBaseURL
	}
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", baseURL, dep.UpstreamModel, credential(dep))

	reqBody, _ := json.Marshal(convertGeminiRequest(p))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, &gateerr.ProviderCallError{Provider: dep.Provider, DeploymentID: dep.ID, StatusCode: 400, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &gateerr.ProviderCallError{Provider: dep.Provider, DeploymentID: dep.ID, Err: err}
	}
	defer httpResp.Body.Close()

	body, _ := io.ReadAll(httpResp.Body)

	if httpResp.StatusCode != http.StatusOK {
		return nil, &gateerr.ProviderCallError{
			Provider:     dep.Provider,
			DeploymentID: dep.ID,
			StatusCode:   httpResp.StatusCode,
			Err:          fmt.Errorf("gemini API error: %s", string(body)),
		}
	}

	var resp geminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &gateerr.ProviderCallError{Provider: dep.Provider, DeploymentID: dep.ID, Err: fmt.Errorf("failed to parse response: %w", err)}
	}

	return convertGeminiResponse(resp, dep.UpstreamModel, int(time.Since(startTime).Milliseconds())), nil
}

// convertGeminiRequest converts the neutral payload to Gemini format.
// Gemini has no system role; system messages are folded into user turns.
func convertGeminiRequest(p Payload) geminiRequest {
	req := geminiRequest{
		Contents: make([]geminiContent, 0, len(p.Messages)),
	}

	for _, msg := range p.Messages {
		role := msg.Role
		if role == "assistant" {
			role = "model"
		}
		if role == "system" {
			role = "user"
		}
		req.Contents = append(req.Contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: msg.Content}},
		})
	}

	if p.Temperature != nil || p.MaxTokens != nil || p.TopP != nil {
		req.GenerationConfig = &geminiGenerationConfig{
			Temperature:     p.Temperature,
			TopP:            p.TopP,
			MaxOutputTokens: p.MaxTokens,
		}
	}

	return req
}

func convertGeminiResponse(resp geminiResponse, model string, latencyMs int) *Response {
	var content string
	if len(resp.Candidates) > 0 {
		for _, part := range resp.Candidates[0].Content.Parts {
			content += part.Text
		}
	}

	return &Response{
		ID:      fmt.Sprintf("gemini-%d", time.Now().Unix()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
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
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		},
		LatencyMs: latencyMs,
	}
}
