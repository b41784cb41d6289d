// Package assistant wires the conversation manager, rate limiter, retry
// policy and chat client into a single reply operation.
package assistant

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/copp1723/lane-google-sub001/internal/config"
	"github.com/copp1723/lane-google-sub001/internal/conversation"
	"github.com/copp1723/lane-google-sub001/internal/httpkit"
	"github.com/copp1723/lane-google-sub001/internal/invoke"
	"github.com/copp1723/lane-google-sub001/internal/llm"
	"github.com/copp1723/lane-google-sub001/internal/usage"
)

// ErrConversationRateLimited is wrapped in the *invoke.RateLimitedError
// returned when a conversation exceeds its request window.
var ErrConversationRateLimited = errors.New("conversation request limit reached")

// Limiter admits or denies one call for a key. [ratelimit.Limiter]
// satisfies it.
type Limiter interface {
	IsAllowed(ctx context.Context, key string, limit int, window time.Duration) bool
}

// UsageRecorder persists usage records. [usage.Store] satisfies it.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Config holds request defaults and limits for a Service.
type Config struct {
	Model        string
	MaxTokens    int
	Temperature  float64
	SystemPrompt string // seeded into new conversations when set

	// RateLimit and RateWindow bound requests per conversation. A zero
	// RateLimit disables the check.
	RateLimit  int
	RateWindow time.Duration

	Retry   invoke.Policy
	Pricing map[string]config.PricingEntry
}

// Deps are the collaborators of a Service. Limiter and Usage are optional.
type Deps struct {
	Conversations *conversation.Manager
	Client        llm.Client
	Limiter       Limiter
	Usage         UsageRecorder
	Logger        *slog.Logger
}

// Service answers user messages within a conversation.
type Service struct {
	cfg     Config
	conv    *conversation.Manager
	client  llm.Client
	limiter Limiter
	usage   UsageRecorder
	logger  *slog.Logger
}

// New creates a Service.
func New(cfg Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retry.Name == "" {
		cfg.Retry.Name = "chat"
	}
	if cfg.Retry.Logger == nil {
		cfg.Retry.Logger = logger
	}
	return &Service{
		cfg:     cfg,
		conv:    deps.Conversations,
		client:  deps.Client,
		limiter: deps.Limiter,
		usage:   deps.Usage,
		logger:  logger.With("component", "assistant"),
	}
}

// Reply appends text as a user message to the conversation, asks the
// chat client for a completion over the retained context, appends the
// reply and returns it.
//
// A conversation over its request window gets an *invoke.RateLimitedError
// without any call being made. Failures from the chat client are returned
// as produced by invoke.Do; pass them to invoke.UserMessage for display.
// The user message stays in the conversation even when the call fails.
func (s *Service) Reply(ctx context.Context, conversationID, text string) (string, error) {
	if s.limiter != nil && s.cfg.RateLimit > 0 {
		if !s.limiter.IsAllowed(ctx, "conversation:"+conversationID, s.cfg.RateLimit, s.cfg.RateWindow) {
			return "", &invoke.RateLimitedError{RetryAfter: s.cfg.RateWindow, Err: ErrConversationRateLimited}
		}
	}

	if s.cfg.SystemPrompt != "" {
		if _, ok := s.conv.Snapshot(ctx, conversationID); !ok {
			s.conv.AddMessage(ctx, conversationID, conversation.Message{
				Role:    conversation.RoleSystem,
				Content: s.cfg.SystemPrompt,
			})
		}
	}
	s.conv.AddMessage(ctx, conversationID, conversation.Message{
		Role:    conversation.RoleUser,
		Content: text,
	})

	history := s.conv.GetContext(ctx, conversationID)
	req := llm.Request{
		Model:       s.cfg.Model,
		Messages:    make([]llm.Message, 0, len(history)),
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
	}
	for _, m := range history {
		req.Messages = append(req.Messages, llm.Message{Role: string(m.Role), Content: m.Content, Name: m.Name})
	}

	requestID := newRequestID()
	ctx = httpkit.WithRequestID(ctx, requestID)

	s.logger.Debug("requesting completion",
		"conversation", conversationID,
		"request_id", requestID,
		"model", req.Model,
		"messages", len(req.Messages),
	)

	attempts := 0
	start := time.Now()
	resp, err := invoke.Do(ctx, s.cfg.Retry, func(ctx context.Context) (*llm.Response, error) {
		attempts++
		return s.client.Complete(ctx, req)
	})

	s.recordUsage(ctx, conversationID, requestID, req.Model, attempts, resp, err)

	if err != nil {
		s.logger.Warn("completion failed",
			"conversation", conversationID,
			"request_id", requestID,
			"attempts", attempts,
			"error", err,
		)
		return "", err
	}

	s.conv.AddMessage(ctx, conversationID, conversation.Message{
		Role:     conversation.RoleAssistant,
		Content:  resp.Content,
		Metadata: map[string]string{"model": resp.Model, "request_id": requestID},
	})

	s.logger.Info("completion done",
		"conversation", conversationID,
		"request_id", requestID,
		"model", resp.Model,
		"provider", resp.Provider,
		"attempts", attempts,
		"cached", resp.Cached,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return resp.Content, nil
}

// recordUsage stores a usage record for the call. Failures are logged,
// never returned.
func (s *Service) recordUsage(ctx context.Context, conversationID, requestID, model string, attempts int, resp *llm.Response, callErr error) {
	if s.usage == nil {
		return
	}

	rec := usage.Record{
		RequestID:      requestID,
		ConversationID: conversationID,
		Model:          model,
		Attempts:       attempts,
		Outcome:        usage.OutcomeOf(callErr),
	}
	if resp != nil {
		if resp.Model != "" {
			rec.Model = resp.Model
		}
		rec.Provider = resp.Provider
		rec.Cached = resp.Cached
		if !resp.Cached {
			rec.InputTokens = resp.Usage.PromptTokens
			rec.OutputTokens = resp.Usage.CompletionTokens
			rec.CostUSD = usage.ComputeCost(rec.Model, rec.InputTokens, rec.OutputTokens, s.cfg.Pricing)
		}
	}

	// The caller's ctx may be the reason the call ended.
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.usage.Record(recCtx, rec); err != nil {
		s.logger.Warn("failed to record usage", "request_id", requestID, "error", err)
	}
}

func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
