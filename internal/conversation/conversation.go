// Package conversation keeps per-conversation message history within an
// approximate token budget.
//
// Messages are appended first and the budget is enforced afterwards, so an
// oversized message is always accepted and then trimmed against. Trimming
// keeps every system message and the longest run of the most recent other
// messages that fits.
package conversation

import (
	"maps"
	"slices"
	"time"
)

// Role identifies the author of a message.
type Role string

// Known roles. The set is closed; see [Role.Valid].
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleFunction  Role = "function"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleFunction:
		return true
	default:
		return false
	}
}

// Message is one entry in a conversation. Messages are immutable once
// added; the manager stores and returns copies.
type Message struct {
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Name      string            `json:"name,omitempty"` // function name for RoleFunction
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (m Message) clone() Message {
	m.Metadata = maps.Clone(m.Metadata)
	return m
}

// Context is the retained history of one conversation.
type Context struct {
	ID           string    `json:"id"`
	Messages     []Message `json:"messages"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	TokenBudget  int       `json:"token_budget"`
}

func (c *Context) clone() Context {
	out := *c
	out.Messages = cloneMessages(c.Messages)
	return out
}

func cloneMessages(msgs []Message) []Message {
	out := slices.Clone(msgs)
	if out == nil {
		return []Message{}
	}
	for i := range out {
		out[i] = out[i].clone()
	}
	return out
}
