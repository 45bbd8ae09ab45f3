package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTopic     Role = "system-topic"
)

// Conversation is one user+persona chat thread. Conversations are never
// hard-deleted; the Deleted flag soft-deletes them.
type Conversation struct {
	ID        uuid.UUID
	UserRef   string
	PersonaID uuid.UUID // persona knowledge unit bound to this conversation

	// MergeWindow is the quiet period after which buffered user messages
	// become eligible for processing as one merged turn.
	MergeWindow time.Duration

	LastActivityAt time.Time
	Deleted        bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Turn is a single message in a conversation. Immutable once created except
// for the Processed flag and Metadata.
type Turn struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	Role           Role
	Content        string
	Processed      bool

	// MergeGroup is shared by all assistant turns produced from one
	// completion call; Ordinal is the turn's 1-based position in that group,
	// whose size is carried in Metadata under "unit_total".
	MergeGroup *uuid.UUID
	Ordinal    int

	// Metadata carries free-form diagnostics (model name, token usage,
	// retrieval similarities).
	Metadata map[string]any

	CreatedAt time.Time
}
