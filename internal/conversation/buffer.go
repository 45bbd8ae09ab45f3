package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BufferStore is the persistence surface the Buffer needs. *Store satisfies
// it; tests use a mock.
type BufferStore interface {
	AppendTurn(ctx context.Context, turn *Turn) error
	UnprocessedTurns(ctx context.Context, conversationID uuid.UUID) ([]*Turn, error)
	MarkProcessed(ctx context.Context, turnIDs []uuid.UUID) error
}

// Buffer holds unprocessed inbound user turns per conversation and decides
// when a burst of messages is ready to be processed as one merged query.
//
// Draining has no side effect: turns stay unprocessed until the caller
// explicitly calls MarkProcessed after a successful completion, so a failed
// pipeline run reprocesses the same burst.
type Buffer struct {
	store  BufferStore
	logger *slog.Logger
}

// NewBuffer creates a Buffer. A nil logger falls back to slog.Default().
func NewBuffer(store BufferStore, logger *slog.Logger) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{store: store, logger: logger}
}

// Enqueue appends an unprocessed user turn. The store bumps the
// conversation's last-activity timestamp, restarting the merge window.
func (b *Buffer) Enqueue(ctx context.Context, conversationID uuid.UUID, text string) (*Turn, error) {
	turn := &Turn{
		ConversationID: conversationID,
		Role:           RoleUser,
		Content:        text,
	}
	if err := b.store.AppendTurn(ctx, turn); err != nil {
		return nil, fmt.Errorf("enqueue turn: %w", err)
	}
	return turn, nil
}

// Drain returns all unprocessed user turns in creation order.
func (b *Buffer) Drain(ctx context.Context, conversationID uuid.UUID) ([]*Turn, error) {
	turns, err := b.store.UnprocessedTurns(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("drain buffer: %w", err)
	}
	return turns, nil
}

// MarkProcessed flags drained turns processed after a successful completion.
func (b *Buffer) MarkProcessed(ctx context.Context, turns []*Turn) error {
	ids := make([]uuid.UUID, len(turns))
	for i, t := range turns {
		ids[i] = t.ID
	}
	return b.store.MarkProcessed(ctx, ids)
}

// ShouldProcessNow reports whether the buffered burst is eligible for
// processing: either force is set, or the quiet period since the
// conversation's last activity has reached its merge window. When not
// eligible, the remaining wait is returned so the caller can report
// backpressure instead of silently dropping the request.
//
// lastActivity must be the conversation state observed before the current
// message was enqueued, otherwise every enqueue would restart its own
// clock.
func ShouldProcessNow(lastActivity time.Time, mergeWindow time.Duration, force bool, now time.Time) (bool, time.Duration) {
	if force {
		return true, 0
	}
	elapsed := now.Sub(lastActivity)
	if elapsed >= mergeWindow {
		return true, 0
	}
	return false, mergeWindow - elapsed
}

// MergeQuery concatenates a burst of turns into one logical query,
// double-newline separated.
func MergeQuery(turns []*Turn) string {
	parts := make([]string, 0, len(turns))
	for _, t := range turns {
		if content := strings.TrimSpace(t.Content); content != "" {
			parts = append(parts, content)
		}
	}
	return strings.Join(parts, "\n\n")
}
