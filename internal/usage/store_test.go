package usage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/copp1723/lane-google-sub001/internal/config"
	"github.com/copp1723/lane-google-sub001/internal/invoke"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "usage_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testPricing returns a pricing table for tests.
func testPricing() map[string]config.PricingEntry {
	return map[string]config.PricingEntry{
		"gpt-4o":                   {InputPerMillion: 2.5, OutputPerMillion: 10.0},
		"claude-sonnet-4-20250514": {InputPerMillion: 3.0, OutputPerMillion: 15.0},
	}
}

func record(t *testing.T, s *Store, recs ...Record) {
	t.Helper()
	for _, rec := range recs {
		if err := s.Record(context.Background(), rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
}

func TestRecord_And_Summary(t *testing.T) {
	s := testStore(t)

	now := time.Now().UTC()
	record(t, s,
		Record{
			Timestamp:      now,
			RequestID:      "r_001",
			ConversationID: "conv-1",
			Model:          "gpt-4o",
			Provider:       "openai",
			InputTokens:    1000,
			OutputTokens:   500,
			CostUSD:        0.0075, // 1000/1M*2.5 + 500/1M*10
			Attempts:       1,
		},
		Record{
			Timestamp:      now,
			RequestID:      "r_002",
			ConversationID: "conv-1",
			Model:          "claude-sonnet-4-20250514",
			Provider:       "anthropic",
			InputTokens:    2000,
			OutputTokens:   1000,
			CostUSD:        0.021, // 2000/1M*3 + 1000/1M*15
			Attempts:       3,
		},
	)

	sum, err := s.Summary(now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}

	if sum.TotalRecords != 2 {
		t.Errorf("TotalRecords = %d, want 2", sum.TotalRecords)
	}
	if sum.TotalInputTokens != 3000 {
		t.Errorf("TotalInputTokens = %d, want 3000", sum.TotalInputTokens)
	}
	if sum.TotalOutputTokens != 1500 {
		t.Errorf("TotalOutputTokens = %d, want 1500", sum.TotalOutputTokens)
	}
	if sum.TotalAttempts != 4 {
		t.Errorf("TotalAttempts = %d, want 4", sum.TotalAttempts)
	}
	if diff := sum.TotalCostUSD - 0.0285; diff > 0.0001 || diff < -0.0001 {
		t.Errorf("TotalCostUSD = %f, want ~0.0285", sum.TotalCostUSD)
	}
}

func TestSummaryByModel(t *testing.T) {
	s := testStore(t)

	now := time.Now().UTC()
	record(t, s,
		Record{Timestamp: now, RequestID: "r1", Model: "gpt-4o", Provider: "openai", InputTokens: 100, OutputTokens: 50, CostUSD: 1.0, Attempts: 1},
		Record{Timestamp: now, RequestID: "r2", Model: "gpt-4o", Provider: "openai", InputTokens: 200, OutputTokens: 100, CostUSD: 2.0, Attempts: 1},
		Record{Timestamp: now, RequestID: "r3", Model: "qwen3:4b", Provider: "ollama", InputTokens: 50, OutputTokens: 25, Attempts: 1},
	)

	result, err := s.SummaryByModel(now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("SummaryByModel: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("got %d groups, want 2", len(result))
	}

	gpt := result["gpt-4o"]
	if gpt == nil {
		t.Fatal("missing 'gpt-4o' group")
	}
	if gpt.TotalRecords != 2 || gpt.TotalInputTokens != 300 || gpt.TotalCostUSD != 3.0 {
		t.Errorf("gpt-4o = %+v", gpt)
	}
	if result["qwen3:4b"] == nil || result["qwen3:4b"].TotalRecords != 1 {
		t.Errorf("qwen3:4b = %+v", result["qwen3:4b"])
	}
}

func TestSummaryByOutcome(t *testing.T) {
	s := testStore(t)

	now := time.Now().UTC()
	record(t, s,
		Record{Timestamp: now, RequestID: "r1", Model: "m", Provider: "p", Attempts: 1},
		Record{Timestamp: now, RequestID: "r2", Model: "m", Provider: "p", Attempts: 3, Outcome: OutcomeMaxRetries},
		Record{Timestamp: now, RequestID: "r3", Model: "m", Provider: "p", Attempts: 1, Outcome: OutcomeAuth},
		Record{Timestamp: now, RequestID: "r4", Model: "m", Provider: "p", Attempts: 2, Outcome: OutcomeMaxRetries},
	)

	result, err := s.SummaryByOutcome(now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("SummaryByOutcome: %v", err)
	}
	if len(result) != 3 {
		t.Fatalf("got %d groups, want 3", len(result))
	}
	// An empty outcome is stored as ok.
	if result["ok"] == nil || result["ok"].TotalRecords != 1 {
		t.Errorf("ok group = %+v", result["ok"])
	}
	mr := result["max_retries"]
	if mr == nil || mr.TotalRecords != 2 || mr.TotalAttempts != 5 {
		t.Errorf("max_retries group = %+v", mr)
	}
}

func TestSummaryByConversation(t *testing.T) {
	s := testStore(t)

	now := time.Now().UTC()
	record(t, s,
		Record{Timestamp: now, RequestID: "r1", ConversationID: "c1", Model: "m", Provider: "p", CostUSD: 1.0},
		Record{Timestamp: now, RequestID: "r2", ConversationID: "c1", Model: "m", Provider: "p", CostUSD: 2.0},
		Record{Timestamp: now, RequestID: "r3", Model: "m", Provider: "p", CostUSD: 0.5},
	)

	result, err := s.SummaryByConversation(now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("SummaryByConversation: %v", err)
	}
	if result["c1"] == nil || result["c1"].TotalCostUSD != 3.0 {
		t.Errorf("c1 = %+v", result["c1"])
	}
	// Records with no conversation are grouped under "".
	if result[""] == nil || result[""].TotalRecords != 1 {
		t.Errorf("empty conversation group = %+v", result[""])
	}
}

func TestQueryByPeriod_Filters(t *testing.T) {
	s := testStore(t)

	base := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	record(t, s,
		Record{Timestamp: base.Add(-2 * time.Hour), RequestID: "old", Model: "m", Provider: "p", CostUSD: 1.0},
		Record{Timestamp: base, RequestID: "in-range", Model: "m", Provider: "p", CostUSD: 2.0},
		Record{Timestamp: base.Add(2 * time.Hour), RequestID: "future", Model: "m", Provider: "p", CostUSD: 3.0},
	)

	// Only "in-range" should match.
	sum, err := s.Summary(base.Add(-time.Minute), base.Add(time.Minute))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 1 {
		t.Errorf("TotalRecords = %d, want 1 (only in-range)", sum.TotalRecords)
	}
	if sum.TotalCostUSD != 2.0 {
		t.Errorf("TotalCostUSD = %f, want 2.0", sum.TotalCostUSD)
	}
}

func TestSummary_EmptyDB(t *testing.T) {
	s := testStore(t)

	sum, err := s.Summary(time.Now().Add(-24*time.Hour), time.Now().Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum == nil {
		t.Fatal("Summary returned nil, want non-nil zero-value Summary")
	}
	if sum.TotalRecords != 0 || sum.TotalCostUSD != 0 {
		t.Errorf("Summary = %+v, want zero", sum)
	}

	byModel, err := s.SummaryByModel(time.Now().Add(-24*time.Hour), time.Now().Add(24*time.Hour))
	if err != nil {
		t.Fatalf("SummaryByModel: %v", err)
	}
	if byModel == nil || len(byModel) != 0 {
		t.Errorf("SummaryByModel = %v, want empty map", byModel)
	}
}

func TestComputeCost(t *testing.T) {
	pricing := testPricing()

	tests := []struct {
		name   string
		model  string
		input  int
		output int
		want   float64
	}{
		{"gpt4o_normal", "gpt-4o", 1_000_000, 100_000, 3.5},                    // 2.5 + 1
		{"sonnet_normal", "claude-sonnet-4-20250514", 1_000_000, 100_000, 4.5}, // 3 + 1.5
		{"unknown_model", "qwen3:4b", 1_000_000, 1_000_000, 0},                 // not in pricing
		{"zero_tokens", "gpt-4o", 0, 0, 0},
		{"small_usage", "gpt-4o", 1000, 500, 0.0075}, // 0.0025 + 0.005
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeCost(tt.model, tt.input, tt.output, pricing)
			if diff := got - tt.want; diff > 0.0001 || diff < -0.0001 {
				t.Errorf("ComputeCost(%q, %d, %d) = %f, want %f", tt.model, tt.input, tt.output, got, tt.want)
			}
		})
	}
}

func TestComputeCost_NilPricing(t *testing.T) {
	if got := ComputeCost("gpt-4o", 1000, 500, nil); got != 0 {
		t.Errorf("ComputeCost with nil pricing = %f, want 0", got)
	}
}

func TestRecord_Defaults(t *testing.T) {
	s := testStore(t)

	if err := s.Record(context.Background(), Record{RequestID: "r_test", Model: "m", Provider: "p"}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	// A zero timestamp is stamped with now, so the record lands in range.
	sum, err := s.Summary(time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 1 {
		t.Errorf("TotalRecords = %d, want 1", sum.TotalRecords)
	}
}

func TestNewStore_InvalidPath(t *testing.T) {
	if _, err := NewStore("/nonexistent/path/usage.db"); err == nil {
		t.Error("NewStore() should fail for invalid path")
	}
}

func TestOutcomeOf(t *testing.T) {
	base := errors.New("upstream")
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, OutcomeOK},
		{"auth", &invoke.AuthenticationError{Err: base}, OutcomeAuth},
		{"max retries", &invoke.MaxRetriesExceededError{Attempts: 3, Last: base}, OutcomeMaxRetries},
		{"cancelled", &invoke.CancelledError{Err: context.Canceled, Last: base}, OutcomeCancelled},
		{"wrapped fatal", fmt.Errorf("chat: %w", &invoke.ValidationError{Field: "model"}), OutcomeFatal},
		{"plain", base, OutcomeFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OutcomeOf(tt.err); got != tt.want {
				t.Errorf("OutcomeOf(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}
