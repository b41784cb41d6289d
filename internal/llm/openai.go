package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/copp1723/lane-google-sub001/internal/httpkit"
)

const openAIDefaultURL = "https://api.openai.com/v1"

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint
// through the official SDK. SDK-level retries are disabled.
type OpenAIClient struct {
	client  openai.Client
	baseURL string
	logger  *slog.Logger
}

// NewOpenAIClient creates a client for the public OpenAI API unless
// WithBaseURL points it elsewhere.
func NewOpenAIClient(apiKey string, logger *slog.Logger, opts ...Option) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	o := applyOptions(openAIDefaultURL, opts)
	if o.httpClient == nil {
		o.httpClient = httpkit.NewClient(httpkit.WithTimeout(0))
	}

	return &OpenAIClient{
		client: openai.NewClient(
			option.WithBaseURL(o.baseURL),
			option.WithAPIKey(apiKey),
			option.WithHTTPClient(o.httpClient),
			option.WithMaxRetries(0),
		),
		baseURL: o.baseURL,
		logger:  logger.With("provider", "openai"),
	}
}

// Complete implements Client.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(req.Model),
		Messages:    convertToOpenAI(req.Messages),
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	c.logger.Debug("preparing request", "model", req.Model, "messages", len(req.Messages))

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, c.convertError(err)
	}
	if len(completion.Choices) == 0 {
		return nil, &APIError{Provider: "openai", Status: 200, Message: "response contained no choices"}
	}

	choice := completion.Choices[0]
	out := &Response{
		Model:        completion.Model,
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Provider:     "openai",
		Usage: Usage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		},
	}
	c.logger.Debug("response received",
		"model", out.Model,
		"input_tokens", out.Usage.PromptTokens,
		"output_tokens", out.Usage.CompletionTokens,
		"finish_reason", out.FinishReason,
	)
	return out, nil
}

// Ping lists models to verify reachability and credentials.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx); err != nil {
		return c.convertError(err)
	}
	return nil
}

// convertError maps SDK errors to *APIError. Transport errors (dial
// failures, timeouts, cancellation) pass through wrapped.
func (c *OpenAIClient) convertError(err error) error {
	var sdkErr *openai.Error
	if !errors.As(err, &sdkErr) {
		return fmt.Errorf("openai request failed: %w", err)
	}
	apiErr := &APIError{
		Provider: "openai",
		Status:   sdkErr.StatusCode,
		Code:     sdkErr.Code,
		Type:     sdkErr.Type,
		Message:  sdkErr.Message,
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(sdkErr.Error())
	}
	c.logger.Warn("API error", "status", apiErr.Status, "code", apiErr.ErrorCode())
	return apiErr
}

// convertToOpenAI converts messages to SDK params. Function results are
// sent as user text naming the function, which every OpenAI-compatible
// server accepts without a matching tool call id.
func convertToOpenAI(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		case "function":
			out = append(out, openai.UserMessage(fmt.Sprintf("[result of %s]\n%s", m.Name, m.Content)))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
