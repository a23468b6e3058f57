package memory

import (
	"context"
	"strings"
)

// Role tags who produced a message.
type Role string

const (
	RoleHuman     Role = "human"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleHuman, RoleAssistant:
		return true
	default:
		return false
	}
}

// ParseRole maps loose spellings ("user", "ai", ...) onto a Role.
func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "human", "user":
		return RoleHuman, true
	case "assistant", "ai":
		return RoleAssistant, true
	default:
		return "", false
	}
}

// Message is a single conversational utterance.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

func HumanMessage(content string) Message {
	return Message{Role: RoleHuman, Content: content}
}

func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// Pair returns the two messages of one exchange in write order.
func Pair(human, assistant string) []Message {
	return []Message{HumanMessage(human), AssistantMessage(assistant)}
}

// Category is the coarse topic assigned to a long-term record.
type Category string

const (
	CategoryPersonalInfo Category = "personal_info"
	CategoryPreferences  Category = "preferences"
	CategoryFamily       Category = "family"
	CategoryHealth       Category = "health"
	CategoryEvents       Category = "events"
	CategoryGeneral      Category = "general"
)

// Categories lists every category in classification order.
func Categories() []Category {
	return []Category{
		CategoryPersonalInfo,
		CategoryPreferences,
		CategoryFamily,
		CategoryHealth,
		CategoryEvents,
		CategoryGeneral,
	}
}

// Priority ranks how important a record is to recall (1..3).
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityMedium Priority = 2
	PriorityHigh   Priority = 3
)

func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityHigh
}

// Record is a persisted long-term memory entry. Records are never
// mutated after creation.
type Record struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"-"`
	Timestamp int64     `json:"timestamp"`
	Category  Category  `json:"category"`
	Priority  Priority  `json:"priority"`
}

// Message strips the record down to what goes into a prompt.
func (r Record) Message() Message {
	return Message{Role: r.Role, Content: r.Content}
}

// Filter is a metadata equality predicate for long-term queries.
// Zero-valued fields do not constrain the query.
type Filter struct {
	SessionID string   `json:"session_id,omitempty"`
	Role      Role     `json:"role,omitempty"`
	Category  Category `json:"category,omitempty"`
}

func (f Filter) IsZero() bool {
	return f.SessionID == "" && f.Role == "" && f.Category == ""
}

// QueryOptions tunes a single long-term query.
type QueryOptions struct {
	Filter      Filter
	MinPriority Priority
}

// ShortTermStore keeps the recent window of each session.
type ShortTermStore interface {
	Append(ctx context.Context, sessionID, human, assistant string) error
	Recent(ctx context.Context, sessionID string) ([]Message, error)
	Clear(ctx context.Context, sessionID string) error
}

// LongTermStore is the semantic recall tier.
type LongTermStore interface {
	Save(ctx context.Context, sessionID, human, assistant string) error
	Query(ctx context.Context, sessionID, queryText string, opts QueryOptions) ([]Message, error)
}
