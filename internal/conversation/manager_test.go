package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func newTestManager(t *testing.T, budget int, factor float64) *Manager {
	t.Helper()
	return NewManager(ManagerConfig{
		TokenBudget:   budget,
		TokensPerWord: factor,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestManager_UnknownConversation(t *testing.T) {
	m := newTestManager(t, 100, 1)

	got := m.GetContext(t.Context(), "nope")
	if got == nil || len(got) != 0 {
		t.Errorf("GetContext(unknown) = %#v, want empty non-nil slice", got)
	}
	if _, ok := m.Snapshot(t.Context(), "nope"); ok {
		t.Error("Snapshot(unknown) should report false")
	}
	if n := m.TokenCount("nope"); n != 0 {
		t.Errorf("TokenCount(unknown) = %v, want 0", n)
	}
}

func TestManager_CreatesOnFirstMessage(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	m := NewManager(ManagerConfig{
		TokenBudget:   50,
		TokensPerWord: 1,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:           func() time.Time { return now },
	})

	m.AddMessage(t.Context(), "c1", Message{Role: RoleUser, Content: "hello there"})

	snap, ok := m.Snapshot(t.Context(), "c1")
	if !ok {
		t.Fatal("conversation not created")
	}
	if snap.ID != "c1" || snap.TokenBudget != 50 {
		t.Errorf("snapshot = %+v", snap)
	}
	if !snap.CreatedAt.Equal(now) || !snap.LastActivity.Equal(now) {
		t.Errorf("timestamps = %v / %v, want %v", snap.CreatedAt, snap.LastActivity, now)
	}
	if len(snap.Messages) != 1 || !snap.Messages[0].Timestamp.Equal(now) {
		t.Errorf("message timestamp not stamped: %+v", snap.Messages)
	}
	if n := m.TokenCount("c1"); n != 2 {
		t.Errorf("TokenCount = %v, want 2", n)
	}
}

func TestManager_RejectsUnknownRole(t *testing.T) {
	m := newTestManager(t, 100, 1)
	m.AddMessage(t.Context(), "c", Message{Role: "tool", Content: "x"})

	if got := m.GetContext(t.Context(), "c"); len(got) != 0 {
		t.Errorf("unknown role was stored: %+v", got)
	}
}

func TestManager_BudgetInvariant(t *testing.T) {
	m := newTestManager(t, 30, 1.3)

	for i := range 50 {
		m.AddMessage(t.Context(), "c", Message{Role: RoleUser, Content: words(1 + i%7)})
		if n := m.TokenCount("c"); n > 30 {
			t.Fatalf("after message %d: %v tokens retained, budget 30", i, n)
		}
	}
}

func TestManager_SystemPreservation(t *testing.T) {
	m := newTestManager(t, 20, 1)

	m.AddMessage(t.Context(), "c", Message{Role: RoleSystem, Content: "you are a campaign assistant"})
	for range 20 {
		m.AddMessage(t.Context(), "c", Message{Role: RoleUser, Content: words(4)})
	}

	got := m.GetContext(t.Context(), "c")
	if got[0].Role != RoleSystem || got[0].Content != "you are a campaign assistant" {
		t.Errorf("system message lost: %+v", got[0])
	}
}

func TestManager_RecencyBias(t *testing.T) {
	m := newTestManager(t, 10, 1)

	for i := range 10 {
		m.AddMessage(t.Context(), "c", Message{Role: RoleUser, Content: fmt.Sprintf("msg%d x", i)})
	}

	got := firstWords(m.GetContext(t.Context(), "c"))
	want := []string{"msg5", "msg6", "msg7", "msg8", "msg9"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("retained = %v, want %v", got, want)
	}
}

func TestManager_OversizedMessageIsAppendedThenTrimmed(t *testing.T) {
	m := newTestManager(t, 5, 1)

	m.AddMessage(t.Context(), "c", Message{Role: RoleSystem, Content: "be brief"})
	m.AddMessage(t.Context(), "c", Message{Role: RoleUser, Content: "short"})
	m.AddMessage(t.Context(), "c", Message{Role: RoleUser, Content: words(40)})

	got := m.GetContext(t.Context(), "c")
	if len(got) != 1 || got[0].Role != RoleSystem {
		t.Errorf("retained = %+v, want only the system message", got)
	}
}

func TestManager_ReturnsCopies(t *testing.T) {
	m := newTestManager(t, 100, 1)
	meta := map[string]string{"campaign": "spring"}
	m.AddMessage(t.Context(), "c", Message{Role: RoleUser, Content: "hi", Metadata: meta})

	meta["campaign"] = "mutated"
	got := m.GetContext(t.Context(), "c")
	got[0].Content = "changed"
	got[0].Metadata["campaign"] = "changed"

	again := m.GetContext(t.Context(), "c")
	if again[0].Content != "hi" || again[0].Metadata["campaign"] != "spring" {
		t.Errorf("stored message was mutated: %+v", again[0])
	}
}

func TestManager_ConcurrentConversations(t *testing.T) {
	m := newTestManager(t, 40, 1)

	var wg sync.WaitGroup
	for c := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("conv-%d", c)
			for range 100 {
				m.AddMessage(context.Background(), id, Message{Role: RoleUser, Content: words(3)})
				_ = m.GetContext(context.Background(), id)
			}
		}()
	}
	wg.Wait()

	stats := m.Stats()
	if stats["conversations"] != 8 {
		t.Errorf("conversations = %v, want 8", stats["conversations"])
	}
	for c := range 8 {
		if n := m.TokenCount(fmt.Sprintf("conv-%d", c)); n > 40 {
			t.Errorf("conv-%d holds %v tokens, budget 40", c, n)
		}
	}
}

// memArchive is an in-memory Archive that can be made to fail.
type memArchive struct {
	mu    sync.Mutex
	saved map[string]Context
	fail  error
	saves int
}

func (a *memArchive) Load(_ context.Context, id string) (*Context, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail != nil {
		return nil, a.fail
	}
	c, ok := a.saved[id]
	if !ok {
		return nil, nil
	}
	out := c.clone()
	return &out, nil
}

func (a *memArchive) Save(_ context.Context, c *Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saves++
	if a.fail != nil {
		return a.fail
	}
	if a.saved == nil {
		a.saved = make(map[string]Context)
	}
	a.saved[c.ID] = c.clone()
	return nil
}

func TestManager_ArchiveRoundTrip(t *testing.T) {
	arch := &memArchive{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	first := NewManager(ManagerConfig{TokenBudget: 10, TokensPerWord: 1, Archive: arch, Logger: logger})
	for i := range 4 {
		first.AddMessage(t.Context(), "c", Message{Role: RoleUser, Content: fmt.Sprintf("m%d a b", i)})
	}
	if arch.saves != 4 {
		t.Errorf("saves = %d, want 4", arch.saves)
	}

	// A fresh manager restores the post-trim history on first touch.
	second := NewManager(ManagerConfig{TokenBudget: 10, TokensPerWord: 1, Archive: arch, Logger: logger})
	got := firstWords(second.GetContext(t.Context(), "c"))
	if fmt.Sprint(got) != fmt.Sprint([]string{"m1", "m2", "m3"}) {
		t.Errorf("restored = %v, want [m1 m2 m3]", got)
	}

	second.AddMessage(t.Context(), "c", Message{Role: RoleUser, Content: "m4 a b"})
	got = firstWords(second.GetContext(t.Context(), "c"))
	if fmt.Sprint(got) != fmt.Sprint([]string{"m2", "m3", "m4"}) {
		t.Errorf("after append = %v, want [m2 m3 m4]", got)
	}
}

func TestManager_ArchiveErrorsAreNotFatal(t *testing.T) {
	arch := &memArchive{fail: errors.New("disk full")}
	m := NewManager(ManagerConfig{
		TokenBudget: 10, TokensPerWord: 1, Archive: arch,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	m.AddMessage(t.Context(), "c", Message{Role: RoleUser, Content: "still works"})

	if got := m.GetContext(t.Context(), "c"); len(got) != 1 {
		t.Errorf("GetContext = %+v, want the message despite archive failure", got)
	}
}
