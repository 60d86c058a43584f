package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"github.com/mrmushfiq/llmgate/internal/gateway/admission"
	"github.com/mrmushfiq/llmgate/internal/gateway/gateerr"
	"github.com/mrmushfiq/llmgate/internal/gateway/providers"
	"github.com/mrmushfiq/llmgate/internal/shared/database"
	"github.com/mrmushfiq/llmgate/internal/shared/models"
)

// defaultCompletionTokens pads the token estimate when the caller does not
// cap max_tokens.
const defaultCompletionTokens = 1024

type ChatHandler struct {
	admission *admission.Controller
	db        *database.DB
	log       zerolog.Logger
}

func NewChatHandler(ctrl *admission.Controller, db *database.DB, log zerolog.Logger) *ChatHandler {
	return &ChatHandler{
		admission: ctrl,
		db:        db,
		log:       log.With().Str("component", "http").Logger(),
	}
}

type chatCompletionRequest struct {
	Model       string                         `json:"model"`
	Messages    []openai.ChatCompletionMessage `json:"messages"`
	Temperature *float32                       `json:"temperature,omitempty"`
	MaxTokens   *int                           `json:"max_tokens,omitempty"`
	TopP        *float32                       `json:"top_p,omitempty"`
	Stream      bool                           `json:"stream,omitempty"`
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// HandleChatCompletion handles POST /v1/chat/completions
func (h *ChatHandler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	principal, ok := PrincipalFrom(ctx)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &gateerr.MalformedRequestError{Reason: "invalid request body"})
		return
	}

	payload := providers.Payload{
		Kind:        providers.KindChat,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
	}

	result, err := h.admission.Handle(ctx, admission.Request{
		PrincipalID:     principal.ID,
		Model:           req.Model,
		Payload:         payload,
		EstimatedTokens: estimateChatTokens(req),
	})
	if err != nil {
		h.logRequest(principal, "/v1/chat/completions", req.Model, result, time.Since(startTime), err)
		writeError(w, err)
		return
	}

	h.setGatewayHeaders(w, result, time.Since(startTime))
	h.logRequest(principal, "/v1/chat/completions", req.Model, result, time.Since(startTime), nil)

	if req.Stream {
		h.writeStreamed(w, result.Response)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result.Response)
}

// HandleEmbeddings handles POST /v1/embeddings
func (h *ChatHandler) HandleEmbeddings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	principal, ok := PrincipalFrom(ctx)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req embeddingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &gateerr.MalformedRequestError{Reason: "invalid request body"})
		return
	}

	var chars int64
	for _, in := range req.Input {
		chars += int64(len(in))
	}

	result, err := h.admission.Handle(ctx, admission.Request{
		PrincipalID:     principal.ID,
		Model:           req.Model,
		Payload:         providers.Payload{Kind: providers.KindEmbedding, Input: req.Input},
		EstimatedTokens: chars / 4,
	})
	if err != nil {
		h.logRequest(principal, "/v1/embeddings", req.Model, result, time.Since(startTime), err)
		writeError(w, err)
		return
	}

	h.setGatewayHeaders(w, result, time.Since(startTime))
	h.logRequest(principal, "/v1/embeddings", req.Model, result, time.Since(startTime), nil)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result.Response)
}

// estimateChatTokens approximates prompt size at four characters per token
// plus the completion cap. The ledger only needs a pre-call ballpark; the
// settlement uses real usage.
func estimateChatTokens(req chatCompletionRequest) int64 {
	var chars int64
	for _, msg := range req.Messages {
		chars += int64(len(msg.Content))
	}
	completion := int64(defaultCompletionTokens)
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		completion = int64(*req.MaxTokens)
	}
	return chars/4 + completion
}

func (h *ChatHandler) setGatewayHeaders(w http.ResponseWriter, result *admission.Result, latency time.Duration) {
	w.Header().Set("X-Request-Id", result.RequestID)
	w.Header().Set("X-Cost-USD", fmt.Sprintf("%.6f", result.CostUSD))
	w.Header().Set("X-Deployment", result.DeploymentID)
	w.Header().Set("X-Cache-Hit", fmt.Sprintf("%v", result.CacheHit))
	w.Header().Set("X-Latency-Ms", fmt.Sprintf("%d", latency.Milliseconds()))
}

// writeStreamed replays a settled response in SSE framing for callers that
// asked for stream=true. The upstream call itself is not streamed; billing
// happens on the complete response either way.
func (h *ChatHandler) writeStreamed(w http.ResponseWriter, resp *providers.Response) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	for _, choice := range resp.Choices {
		chunk := openai.ChatCompletionStreamResponse{
			ID:      resp.ID,
			Object:  "chat.completion.chunk",
			Created: resp.Created,
			Model:   resp.Model,
			Choices: []openai.ChatCompletionStreamChoice{
				{
					Index: choice.Index,
					Delta: openai.ChatCompletionStreamChoiceDelta{
						Role:    choice.Message.Role,
						Content: choice.Message.Content,
					},
					FinishReason: choice.FinishReason,
				},
			},
		}
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", string(data))
		flusher.Flush()
	}

	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// logRequest writes the gateway log row asynchronously so it never blocks
// the response path.
func (h *ChatHandler) logRequest(principal *models.Principal, endpoint, model string, result *admission.Result, duration time.Duration, err error) {
	entry := &models.GatewayLog{
		ID:          uuid.NewString(),
		PrincipalID: &principal.ID,
		Endpoint:    endpoint,
		Model:       model,
		LatencyMs:   int(duration.Milliseconds()),
		StatusCode:  http.StatusOK,
	}

	if result != nil {
		entry.RequestID = result.RequestID
		entry.DeploymentID = result.DeploymentID
		entry.CostUSD = result.CostUSD
		entry.CacheHit = result.CacheHit
		entry.Attempts = result.Attempts
		if result.Response != nil {
			entry.PromptTokens = result.Response.Usage.PromptTokens
			entry.CompletionTokens = result.Response.Usage.CompletionTokens
			entry.TotalTokens = result.Response.Usage.TotalTokens
		}
	}

	if err != nil {
		entry.StatusCode = http.StatusInternalServerError
		errMsg := err.Error()
		entry.ErrorMessage = &errMsg
	}

	go h.db.LogRequest(context.Background(), entry)        //nolint:errcheck
	go h.db.UpdatePrincipalLastUsed(context.Background(), principal.ID) //nolint:errcheck
}
