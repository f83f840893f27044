// Package llm provides an OpenAI-compatible chat client used by the
// generation executors, plus token-usage to cost conversion.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/caseforge/agent-engine/pkg/config"
)

// --- Public types ---

// Client defines the interface for communicating with an LLM.
type Client interface {
	// Chat sends a chat completion request. If req.Model is empty the global
	// default is used.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Message represents a single message in the conversation.
type Message struct {
	Role    string `json:"role"` // "system" | "user" | "assistant"
	Content string `json:"content"`
}

// ChatRequest is the input for a chat completion call.
type ChatRequest struct {
	Model       string  // per-call override; empty → global default
	Temperature float64 // 0 → provider default
	MaxTokens   int     // 0 → provider default
	Messages    []Message
}

// ChatResponse is the output of a chat completion call.
type ChatResponse struct {
	Content string     `json:"content"`
	Usage   TokenUsage `json:"usage"`
}

// TokenUsage tracks token consumption for a single request.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// APIError is returned for non-200 responses so callers can distinguish
// transient provider failures (429, 5xx) from request errors.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm: api returned status %d: %s", e.Status, truncate(e.Body, 200))
}

// Transient reports whether the failure is worth retrying.
func (e *APIError) Transient() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// --- OpenAI-compatible HTTP client ---

// OpenAIClient implements Client using the OpenAI Chat Completions API.
// It is compatible with any provider that exposes the same endpoint shape.
type OpenAIClient struct {
	apiURL     string
	apiKey     string
	httpClient *http.Client
	defaults   config.LLMConfig
}

// NewOpenAIClient creates a new OpenAI-compatible LLM client.
func NewOpenAIClient(cfg config.LLMConfig) *OpenAIClient {
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = "https://api.openai.com/v1"
	}
	return &OpenAIClient{
		apiURL: apiURL,
		apiKey: cfg.APIKey,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		defaults: cfg,
	}
}

// Chat sends a chat completion request to the OpenAI-compatible API.
func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = c.defaults.Model
	}

	apiReq := openAIRequest{
		Model:       model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Messages:    req.Messages,
	}

	start := time.Now()
	slog.Debug("llm: chat request",
		slog.String("model", model),
		slog.Int("messages", len(req.Messages)),
	)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.apiURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("llm: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		slog.Error("llm: api error",
			slog.Int("status", resp.StatusCode),
			slog.String("body", truncate(string(respBody), 500)),
		)
		return nil, &APIError{Status: resp.StatusCode, Body: string(respBody)}
	}

	var apiResp openAIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("llm: unmarshal response: %w", err)
	}

	result := fromAPIResponse(apiResp)

	elapsed := time.Since(start)
	slog.Info("llm: chat response",
		slog.String("model", model),
		slog.Int("duration_ms", int(elapsed.Milliseconds())),
		slog.Int("prompt_tokens", result.Usage.PromptTokens),
		slog.Int("completion_tokens", result.Usage.CompletionTokens),
	)

	return result, nil
}

// CostCents converts token usage into integer cents using the configured
// per-1K-token price, rounding up so cost accounting never undercounts.
func CostCents(usage TokenUsage, pricePer1KCents int64) int64 {
	if pricePer1KCents <= 0 || usage.TotalTokens <= 0 {
		return 0
	}
	tokens := int64(usage.TotalTokens)
	return (tokens*pricePer1KCents + 999) / 1000
}

// --- OpenAI API wire types ---

type openAIRequest struct {
	Model       string    `json:"model"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Messages    []Message `json:"messages"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func fromAPIResponse(resp openAIResponse) *ChatResponse {
	out := &ChatResponse{
		Usage: TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
	}
	return out
}

// truncate shortens s for log output.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
