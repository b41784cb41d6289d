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

	"github.com/copp1723/lane-google-sub001/internal/httpkit"
)

const ollamaDefaultURL = "http://localhost:11434"

// OllamaClient is a client for a local Ollama server's /api/chat.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client. An empty baseURL uses the
// default local address.
func NewOllamaClient(baseURL string, logger *slog.Logger, opts ...Option) *OllamaClient {
	if baseURL == "" {
		baseURL = ollamaDefaultURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := applyOptions(baseURL, opts)
	if o.httpClient == nil {
		// Large local models can be slow to load.
		o.httpClient = httpkit.NewClient(httpkit.WithTimeout(5 * time.Minute))
	}
	return &OllamaClient{
		baseURL:    strings.TrimRight(o.baseURL, "/"),
		httpClient: o.httpClient,
		logger:     logger.With("provider", "ollama"),
	}
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// ollamaWireResponse is the /api/chat response body. Durations are
// nanoseconds on the wire.
type ollamaWireResponse struct {
	Model           string        `json:"model"`
	CreatedAt       string        `json:"created_at"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason,omitempty"`
	TotalDuration   int64         `json:"total_duration,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
}

func (w *ollamaWireResponse) toResponse() *Response {
	reason := w.DoneReason
	if reason == "" && w.Done {
		reason = "stop"
	}
	return &Response{
		Model:        w.Model,
		Content:      w.Message.Content,
		FinishReason: reason,
		Provider:     "ollama",
		Usage: Usage{
			PromptTokens:     w.PromptEvalCount,
			CompletionTokens: w.EvalCount,
			TotalTokens:      w.PromptEvalCount + w.EvalCount,
		},
	}
}

// Complete implements Client.
func (c *OllamaClient) Complete(ctx context.Context, req Request) (*Response, error) {
	msgs := make([]ollamaMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := m.Role
		if role == "function" {
			role = "tool"
		}
		msgs = append(msgs, ollamaMessage{Role: role, Content: m.Content})
	}

	body, err := json.Marshal(ollamaRequest{
		Model:    req.Model,
		Messages: msgs,
		Options:  &ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		return nil, parseErrorBody("ollama", resp.StatusCode, errBody)
	}

	var wire ollamaWireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := wire.toResponse()
	c.logger.Debug("response received",
		"model", out.Model,
		"input_tokens", out.Usage.PromptTokens,
		"output_tokens", out.Usage.CompletionTokens,
		"duration", time.Duration(wire.TotalDuration),
	)
	return out, nil
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

// ListModels returns the models installed on the server.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorBody("ollama", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}
