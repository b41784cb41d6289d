package llm

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/copp1723/lane-google-sub001/internal/invoke"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConvertToAnthropic(t *testing.T) {
	messages := []Message{
		{Role: "system", Content: "You manage ad campaigns."},
		{Role: "user", Content: "Pause the spring campaign."},
		{Role: "function", Name: "pause_campaign", Content: "paused"},
		{Role: "assistant", Content: "Done."},
		{Role: "system", Content: "Be brief."},
		{Role: "user", Content: "Thanks."},
	}

	result, system := convertToAnthropic(messages)

	if system != "You manage ad campaigns.\n\nBe brief." {
		t.Errorf("system = %q", system)
	}
	// user + function merge into one user turn.
	if len(result) != 3 {
		t.Fatalf("expected 3 messages, got %d: %+v", len(result), result)
	}
	if result[0].Role != "user" || result[0].Content != "Pause the spring campaign.\n\n[result of pause_campaign]\npaused" {
		t.Errorf("first message = %+v", result[0])
	}
	if result[1].Role != "assistant" || result[2].Role != "user" {
		t.Errorf("roles = %s, %s; want assistant, user", result[1].Role, result[2].Role)
	}
}

func TestConvertFromAnthropic(t *testing.T) {
	resp := &anthropicResponse{
		Model: "claude-sonnet-4-20250514",
		Role:  "assistant",
		Content: []anthropicContent{
			{Type: "text", Text: "Budget is "},
			{Type: "text", Text: "$1,200."},
		},
		StopReason: "end_turn",
		Usage:      anthropicUsage{InputTokens: 30, OutputTokens: 6},
	}

	result := convertFromAnthropic(resp)

	if result.Content != "Budget is $1,200." {
		t.Errorf("content = %q", result.Content)
	}
	if result.FinishReason != "end_turn" || result.Provider != "anthropic" {
		t.Errorf("result = %+v", result)
	}
	if result.Usage.TotalTokens != 36 {
		t.Errorf("TotalTokens = %d, want 36", result.Usage.TotalTokens)
	}
}

func TestAnthropicClient_Complete(t *testing.T) {
	var got anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "sk-test" || r.Header.Get("anthropic-version") != anthropicAPIVersion {
			t.Errorf("missing auth headers: %v", r.Header)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "msg_1", "type": "message", "role": "assistant",
			"model": "claude-sonnet-4-20250514",
			"content": [{"type": "text", "text": "Paused."}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 12, "output_tokens": 2}
		}`)
	}))
	defer srv.Close()

	c := NewAnthropicClient("sk-test", quietLogger(), WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	resp, err := c.Complete(t.Context(), Request{
		Model: "claude-sonnet-4-20250514",
		Messages: []Message{
			{Role: "system", Content: "sys"},
			{Role: "user", Content: "pause it"},
		},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Paused." || resp.Usage.PromptTokens != 12 {
		t.Errorf("resp = %+v", resp)
	}
	if got.System != "sys" || len(got.Messages) != 1 || got.MaxTokens != DefaultMaxTokens {
		t.Errorf("request = %+v", got)
	}
	if got.Temperature == nil || *got.Temperature != 0 {
		t.Errorf("temperature = %v, want explicit 0", got.Temperature)
	}
}

func TestAnthropicClient_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		code   string
		class  invoke.Class
	}{
		{"overloaded", 529, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`, "overloaded_error", invoke.ClassTransient},
		{"rate limit", 429, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`, "rate_limit_error", invoke.ClassRateLimited},
		{"auth", 401, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`, "authentication_error", invoke.ClassAuthentication},
		{"bad request", 400, `{"type":"error","error":{"type":"invalid_request_error","message":"max_tokens too large"}}`, "invalid_request_error", invoke.ClassFatal},
		{"non-json", 502, `<html>bad gateway</html>`, "", invoke.ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			c := NewAnthropicClient("k", quietLogger(), WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
			_, err := c.Complete(t.Context(), Request{Model: "m", Messages: []Message{{Role: "user", Content: "hi"}}})

			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("error = %v, want *APIError", err)
			}
			if apiErr.Status != tt.status || apiErr.ErrorCode() != tt.code {
				t.Errorf("APIError = %+v", apiErr)
			}
			if got := invoke.DefaultClassifier(err); got != tt.class {
				t.Errorf("class = %v, want %v", got, tt.class)
			}
		})
	}
}

func TestClientsImplementInterface(t *testing.T) {
	var _ Client = (*AnthropicClient)(nil)
	var _ Client = (*OllamaClient)(nil)
	var _ Client = (*OpenAIClient)(nil)
	var _ Client = (*MultiClient)(nil)
	var _ Client = (*CachingClient)(nil)
}
