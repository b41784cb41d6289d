package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultTokenBudget is the per-conversation budget when none is set.
const DefaultTokenBudget = 4000

// Archive persists conversation snapshots across restarts.
type Archive interface {
	// Load returns the stored conversation, or nil with no error if the
	// id is unknown.
	Load(ctx context.Context, id string) (*Context, error)

	// Save stores the conversation, replacing any previous snapshot.
	Save(ctx context.Context, c *Context) error
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	TokenBudget   int     // per new conversation; <= 0 uses DefaultTokenBudget
	TokensPerWord float64 // <= 0 uses DefaultTokensPerWord
	Archive       Archive // optional
	Logger        *slog.Logger
	Now           func() time.Time // optional clock
}

// entry guards one conversation. The manager's map lock is only held to
// find or create an entry; all work on a conversation happens under the
// entry's own lock.
type entry struct {
	mu     sync.Mutex
	conv   *Context // nil until the first message or archive load
	loaded bool
}

// Manager owns all live conversations.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry

	budget  int
	est     Estimator
	archive Archive
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager creates a context manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = DefaultTokenBudget
	}
	if cfg.TokensPerWord <= 0 {
		cfg.TokensPerWord = DefaultTokensPerWord
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		entries: make(map[string]*entry),
		budget:  cfg.TokenBudget,
		est:     Estimator{TokensPerWord: cfg.TokensPerWord},
		archive: cfg.Archive,
		logger:  cfg.Logger.With("component", "conversation"),
		now:     cfg.Now,
	}
}

// lookup returns the entry for id, creating it when create is set or an
// archive may hold the conversation.
func (m *Manager) lookup(id string, create bool) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok && (create || m.archive != nil) {
		e = &entry{}
		m.entries[id] = e
	}
	return e
}

// load fills e from the archive on first touch. Caller holds e.mu.
func (m *Manager) load(ctx context.Context, id string, e *entry) {
	if e.loaded {
		return
	}
	e.loaded = true
	if m.archive == nil || e.conv != nil {
		return
	}

	conv, err := m.archive.Load(ctx, id)
	if err != nil {
		m.logger.Warn("failed to load archived conversation",
			"conversation_id", id, "error", err)
		return
	}
	if conv != nil {
		if conv.TokenBudget <= 0 {
			conv.TokenBudget = m.budget
		}
		e.conv = conv
		m.logger.Debug("restored conversation from archive",
			"conversation_id", id, "messages", len(conv.Messages))
	}
}

// AddMessage appends msg to the conversation, creating it if needed, then
// trims the history back within the token budget. Messages with an
// unknown role are dropped with a warning.
func (m *Manager) AddMessage(ctx context.Context, id string, msg Message) {
	if !msg.Role.Valid() {
		m.logger.Warn("dropping message with unknown role",
			"conversation_id", id, "role", string(msg.Role))
		return
	}

	e := m.lookup(id, true)
	e.mu.Lock()
	defer e.mu.Unlock()

	m.load(ctx, id, e)

	now := m.now()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	if e.conv == nil {
		e.conv = &Context{
			ID:          id,
			Messages:    []Message{},
			CreatedAt:   now,
			TokenBudget: m.budget,
		}
	}

	c := e.conv
	c.Messages = append(c.Messages, msg.clone())
	c.LastActivity = now

	budget := float64(c.TokenBudget)
	if total := m.est.Total(c.Messages); total > budget {
		before := len(c.Messages)
		c.Messages = trim(c.Messages, budget, m.est)
		m.logger.Debug("trimmed conversation to budget",
			"conversation_id", id,
			"tokens_before", total,
			"budget", c.TokenBudget,
			"dropped", before-len(c.Messages),
		)
	}

	if m.archive != nil {
		snap := c.clone()
		if err := m.archive.Save(ctx, &snap); err != nil {
			m.logger.Warn("failed to archive conversation",
				"conversation_id", id, "error", err)
		}
	}
}

// GetContext returns a copy of the retained messages, oldest first. An
// unknown conversation yields an empty slice.
func (m *Manager) GetContext(ctx context.Context, id string) []Message {
	snap, ok := m.Snapshot(ctx, id)
	if !ok {
		return []Message{}
	}
	return snap.Messages
}

// Snapshot returns a copy of the whole conversation and whether it exists.
func (m *Manager) Snapshot(ctx context.Context, id string) (Context, bool) {
	e := m.lookup(id, false)
	if e == nil {
		return Context{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	m.load(ctx, id, e)
	if e.conv == nil {
		return Context{}, false
	}
	return e.conv.clone(), true
}

// TokenCount returns the estimated tokens currently retained for id.
func (m *Manager) TokenCount(id string) float64 {
	e := m.lookup(id, false)
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conv == nil {
		return 0
	}
	return m.est.Total(e.conv.Messages)
}

// Stats returns manager-wide counters for diagnostics.
func (m *Manager) Stats() map[string]any {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	conversations, messages := 0, 0
	for _, e := range entries {
		e.mu.Lock()
		if e.conv != nil {
			conversations++
			messages += len(e.conv.Messages)
		}
		e.mu.Unlock()
	}

	return map[string]any{
		"conversations":   conversations,
		"messages":        messages,
		"token_budget":    m.budget,
		"tokens_per_word": m.est.TokensPerWord,
		"archived":        m.archive != nil,
	}
}
