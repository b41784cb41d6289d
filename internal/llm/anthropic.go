package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/copp1723/lane-google-sub001/internal/config"
	"github.com/copp1723/lane-google-sub001/internal/httpkit"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com"
	anthropicAPIVersion = "2023-06-01"
	anthropicPingModel  = "claude-3-5-haiku-latest"
)

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey string, logger *slog.Logger, opts ...Option) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	o := applyOptions(anthropicAPIURL, opts)
	if o.httpClient == nil {
		// Long prompts can take a while before headers arrive. Rely on
		// ctx deadlines for overall timeout control.
		t := httpkit.NewTransport()
		t.ResponseHeaderTimeout = 120 * time.Second
		o.httpClient = httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithTransport(t))
	}
	return &AnthropicClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(o.baseURL, "/"),
		httpClient: o.httpClient,
		logger:     logger.With("provider", "anthropic"),
	}
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Complete implements Client.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (*Response, error) {
	msgs, system := convertToAnthropic(req.Messages)

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	temp := req.Temperature

	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(msgs),
		"system_len", len(system),
	)

	resp, err := c.post(ctx, anthropicRequest{
		Model:       req.Model,
		Messages:    msgs,
		System:      system,
		MaxTokens:   maxTokens,
		Temperature: &temp,
	})
	if err != nil {
		return nil, err
	}

	result := convertFromAnthropic(resp)
	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.Usage.PromptTokens,
		"output_tokens", result.Usage.CompletionTokens,
		"stop_reason", result.FinishReason,
	)
	c.logger.Log(ctx, config.LevelTrace, "response content", "content", result.Content)
	return result, nil
}

// Ping sends a one-token request to verify the API key works. Anthropic
// has no dedicated health endpoint.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	_, err := c.post(ctx, anthropicRequest{
		Model:     anthropicPingModel,
		Messages:  []anthropicMessage{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	return err
}

func (c *AnthropicClient) post(ctx context.Context, req anthropicRequest) (*anthropicResponse, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Warn("API error", "status", resp.StatusCode, "body", errBody)
		return nil, parseErrorBody("anthropic", resp.StatusCode, errBody)
	}

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

// convertToAnthropic converts messages to Anthropic format. System
// messages are joined into the separate system prompt; function results
// have no Anthropic equivalent outside tool use and are sent as user text.
// Consecutive messages with the same role are merged, since the API
// requires alternation.
func convertToAnthropic(messages []Message) ([]anthropicMessage, string) {
	var systemParts []string
	var result []anthropicMessage

	push := func(role, content string) {
		if n := len(result); n > 0 && result[n-1].Role == role {
			result[n-1].Content += "\n\n" + content
			return
		}
		result = append(result, anthropicMessage{Role: role, Content: content})
	}

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			systemParts = append(systemParts, msg.Content)
		case "assistant":
			push("assistant", msg.Content)
		case "function":
			push("user", fmt.Sprintf("[result of %s]\n%s", msg.Name, msg.Content))
		default:
			push("user", msg.Content)
		}
	}

	return result, strings.Join(systemParts, "\n\n")
}

func convertFromAnthropic(resp *anthropicResponse) *Response {
	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	return &Response{
		Model:        resp.Model,
		Content:      content.String(),
		FinishReason: resp.StopReason,
		Provider:     "anthropic",
		Usage: Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}
