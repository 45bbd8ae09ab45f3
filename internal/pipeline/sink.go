package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/conversation"
)

// TurnAppender is the single store method the sink needs.
type TurnAppender interface {
	AppendTurn(ctx context.Context, turn *conversation.Turn) error
}

// StoreSink persists delivered response units as assistant turns. It is the
// production delivery.Sink.
type StoreSink struct {
	store TurnAppender
}

// NewStoreSink wraps a conversation store as a delivery sink.
func NewStoreSink(store TurnAppender) *StoreSink {
	return &StoreSink{store: store}
}

// Deliver appends one assistant turn carrying its merge group, ordinal, and
// diagnostics metadata. Assistant turns are born processed; they never
// re-enter the buffer.
func (s *StoreSink) Deliver(ctx context.Context, conversationID uuid.UUID, content string, mergeGroup uuid.UUID, ordinal int, metadata map[string]any) error {
	turn := &conversation.Turn{
		ConversationID: conversationID,
		Role:           conversation.RoleAssistant,
		Content:        content,
		Processed:      true,
		MergeGroup:     &mergeGroup,
		Ordinal:        ordinal,
		Metadata:       metadata,
	}
	if err := s.store.AppendTurn(ctx, turn); err != nil {
		return fmt.Errorf("persist response unit %d: %w", ordinal, err)
	}
	return nil
}
