package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrConversationNotFound indicates the conversation does not exist or is
// soft-deleted.
var ErrConversationNotFound = errors.New("conversation not found")

// DB is the subset of pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store manages conversation and turn persistence with a PostgreSQL
// backend.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	db     DB
	logger *slog.Logger
}

// NewStore creates a new Store instance. A nil logger falls back to
// slog.Default().
func NewStore(db DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// Create creates a conversation bound to a user and persona.
func (s *Store) Create(ctx context.Context, userRef string, personaID uuid.UUID, mergeWindow time.Duration) (*Conversation, error) {
	id := uuid.New()
	row := s.db.QueryRow(ctx, `
		INSERT INTO conversations (id, user_ref, persona_id, merge_window_seconds)
		VALUES ($1, $2, $3, $4)
		RETURNING id, user_ref, persona_id, merge_window_seconds, last_activity_at, deleted, created_at, updated_at`,
		id, userRef, personaID, int(mergeWindow.Seconds()))

	conv, err := scanConversation(row)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "user_ref", userRef)
	return conv, nil
}

// Get retrieves a live conversation by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, user_ref, persona_id, merge_window_seconds, last_activity_at, deleted, created_at, updated_at
		FROM conversations
		WHERE id = $1 AND NOT deleted`, id)

	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
		}
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return conv, nil
}

// SoftDelete marks a conversation deleted. Turns are kept.
func (s *Store) SoftDelete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE conversations SET deleted = TRUE, updated_at = now() WHERE id = $1 AND NOT deleted`, id)
	if err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return nil
}

// AppendTurn persists a turn. User turns bump the conversation's
// last-activity timestamp, which restarts the merge window.
func (s *Store) AppendTurn(ctx context.Context, turn *Turn) error {
	if turn.ID == uuid.Nil {
		turn.ID = uuid.New()
	}
	if turn.Metadata == nil {
		turn.Metadata = map[string]any{}
	}

	metadataJSON, err := json.Marshal(turn.Metadata)
	if err != nil {
		return fmt.Errorf("marshal turn metadata: %w", err)
	}

	var ordinal *int
	if turn.MergeGroup != nil {
		ordinal = &turn.Ordinal
	}

	row := s.db.QueryRow(ctx, `
		INSERT INTO turns (id, conversation_id, role, content, processed, merge_group, ordinal, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		turn.ID, turn.ConversationID, turn.Role, turn.Content, turn.Processed,
		turn.MergeGroup, ordinal, metadataJSON)
	if err := row.Scan(&turn.CreatedAt); err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}

	if turn.Role == RoleUser {
		_, err = s.db.Exec(ctx,
			`UPDATE conversations SET last_activity_at = now(), updated_at = now() WHERE id = $1`,
			turn.ConversationID)
		if err != nil {
			return fmt.Errorf("touch conversation %s: %w", turn.ConversationID, err)
		}
	}

	s.logger.Debug("appended turn",
		"conversation_id", turn.ConversationID, "turn_id", turn.ID, "role", turn.Role)
	return nil
}

// UnprocessedTurns returns all unprocessed user turns of a conversation in
// creation order.
func (s *Store) UnprocessedTurns(ctx context.Context, conversationID uuid.UUID) ([]*Turn, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, conversation_id, role, content, processed, merge_group, ordinal, metadata, created_at
		FROM turns
		WHERE conversation_id = $1 AND role = 'user' AND NOT processed
		ORDER BY created_at, id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("unprocessed turns for %s: %w", conversationID, err)
	}
	defer rows.Close()

	return scanTurns(rows, s.logger)
}

// MarkProcessed flags the given turns processed. Called only after a
// successful completion so a failed pipeline run leaves the buffer intact.
func (s *Store) MarkProcessed(ctx context.Context, turnIDs []uuid.UUID) error {
	if len(turnIDs) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx,
		`UPDATE turns SET processed = TRUE WHERE id = ANY($1)`, turnIDs)
	if err != nil {
		return fmt.Errorf("mark turns processed: %w", err)
	}
	return nil
}

// History returns the most recent processed turns of a conversation,
// oldest-first, capped at limit. This is the completion model's context
// window.
func (s *Store) History(ctx context.Context, conversationID uuid.UUID, limit int32) ([]*Turn, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, conversation_id, role, content, processed, merge_group, ordinal, metadata, created_at
		FROM (
			SELECT id, conversation_id, role, content, processed, merge_group, ordinal, metadata, created_at
			FROM turns
			WHERE conversation_id = $1 AND processed AND role IN ('user', 'assistant')
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY created_at, id`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("history for %s: %w", conversationID, err)
	}
	defer rows.Close()

	return scanTurns(rows, s.logger)
}

// Turns returns all turns of a conversation in creation order (for the API
// listing surface).
func (s *Store) Turns(ctx context.Context, conversationID uuid.UUID, limit int32) ([]*Turn, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, conversation_id, role, content, processed, merge_group, ordinal, metadata, created_at
		FROM turns
		WHERE conversation_id = $1
		ORDER BY created_at, id
		LIMIT $2`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("turns for %s: %w", conversationID, err)
	}
	defer rows.Close()

	return scanTurns(rows, s.logger)
}

func scanConversation(row pgx.Row) (*Conversation, error) {
	var conv Conversation
	var personaID *uuid.UUID
	var mergeSeconds int
	err := row.Scan(&conv.ID, &conv.UserRef, &personaID, &mergeSeconds,
		&conv.LastActivityAt, &conv.Deleted, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if personaID != nil {
		conv.PersonaID = *personaID
	}
	conv.MergeWindow = time.Duration(mergeSeconds) * time.Second
	return &conv, nil
}

func scanTurns(rows pgx.Rows, logger *slog.Logger) ([]*Turn, error) {
	var turns []*Turn
	for rows.Next() {
		var t Turn
		var ordinal *int
		var metadataJSON []byte
		err := rows.Scan(&t.ID, &t.ConversationID, &t.Role, &t.Content, &t.Processed,
			&t.MergeGroup, &ordinal, &metadataJSON, &t.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if ordinal != nil {
			t.Ordinal = *ordinal
		}
		if err := json.Unmarshal(metadataJSON, &t.Metadata); err != nil {
			logger.Warn("failed to parse turn metadata", "turn_id", t.ID, "error", err)
			t.Metadata = map[string]any{}
		}
		turns = append(turns, &t)
	}
	return turns, rows.Err()
}
