package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
)

// ErrUnitNotFound indicates the requested knowledge unit does not exist or
// is soft-deleted.
var ErrUnitNotFound = errors.New("knowledge unit not found")

// DB is the subset of pgxpool.Pool the store needs. Defined by the consumer
// so tests can substitute a fake and the store does not depend on the pool
// type directly.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store manages knowledge units and their derived vector records in
// PostgreSQL + pgvector.
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

// SaveUnit inserts or updates a knowledge unit and synchronously replaces
// its vector record set with the output of Materialize. The old records are
// soft-deleted rather than removed so an in-flight retrieval scan never sees
// text that no longer matches the unit.
//
// Embeddings for the new records are filled in later by the reconciler (or
// an on-write embedding path); until then the records are skipped by
// retrieval.
func (s *Store) SaveUnit(ctx context.Context, u *Unit) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save unit: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.logger.Debug("rollback after save unit", "error", err)
		}
	}()

	_, err = tx.Exec(ctx, `
		INSERT INTO knowledge_units
			(id, kind, name, profile, surface, full_form, description, scenario, question, answer, deleted, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, now())
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind,
			name = EXCLUDED.name,
			profile = EXCLUDED.profile,
			surface = EXCLUDED.surface,
			full_form = EXCLUDED.full_form,
			description = EXCLUDED.description,
			scenario = EXCLUDED.scenario,
			question = EXCLUDED.question,
			answer = EXCLUDED.answer,
			deleted = FALSE,
			updated_at = now()`,
		u.ID, u.Kind, u.Name, u.Profile, u.Surface, u.FullForm, u.Description,
		u.Scenario, u.Question, u.Answer)
	if err != nil {
		return fmt.Errorf("upsert unit %s: %w", u.ID, err)
	}

	// Replace, never retain: stale records would keep serving the unit's
	// previous field values.
	_, err = tx.Exec(ctx,
		`UPDATE vector_records SET deleted = TRUE, updated_at = now() WHERE unit_id = $1 AND NOT deleted`,
		u.ID)
	if err != nil {
		return fmt.Errorf("invalidate vector records for unit %s: %w", u.ID, err)
	}

	for _, rec := range Materialize(u) {
		_, err = tx.Exec(ctx, `
			INSERT INTO vector_records (id, unit_id, unit_kind, vector_kind, content)
			VALUES ($1, $2, $3, $4, $5)`,
			uuid.New(), rec.UnitID, rec.UnitKind, rec.VectorKind, rec.Content)
		if err != nil {
			return fmt.Errorf("insert vector record for unit %s: %w", u.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save unit: %w", err)
	}

	s.logger.Debug("saved knowledge unit", "id", u.ID, "kind", u.Kind)
	return nil
}

// GetUnit retrieves a live knowledge unit by ID.
func (s *Store) GetUnit(ctx context.Context, id uuid.UUID) (*Unit, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, kind, name, profile, surface, full_form, description, scenario, question, answer,
		       deleted, created_at, updated_at
		FROM knowledge_units
		WHERE id = $1 AND NOT deleted`, id)

	u, err := scanUnit(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrUnitNotFound, id)
		}
		return nil, fmt.Errorf("get unit %s: %w", id, err)
	}
	return u, nil
}

// ListUnits lists live units of one kind, newest first.
func (s *Store) ListUnits(ctx context.Context, kind Kind, limit int32) ([]*Unit, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, kind, name, profile, surface, full_form, description, scenario, question, answer,
		       deleted, created_at, updated_at
		FROM knowledge_units
		WHERE kind = $1 AND NOT deleted
		ORDER BY created_at DESC
		LIMIT $2`, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	defer rows.Close()

	var units []*Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

// SoftDeleteUnit marks a unit and all of its vector records deleted. Records
// are cascaded here so retrieval never needs a join-time filter against the
// unit table.
func (s *Store) SoftDeleteUnit(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete unit: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.logger.Debug("rollback after delete unit", "error", err)
		}
	}()

	tag, err := tx.Exec(ctx,
		`UPDATE knowledge_units SET deleted = TRUE, updated_at = now() WHERE id = $1 AND NOT deleted`, id)
	if err != nil {
		return fmt.Errorf("delete unit %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrUnitNotFound, id)
	}

	_, err = tx.Exec(ctx,
		`UPDATE vector_records SET deleted = TRUE, updated_at = now() WHERE unit_id = $1 AND NOT deleted`, id)
	if err != nil {
		return fmt.Errorf("delete vector records for unit %s: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete unit: %w", err)
	}

	s.logger.Debug("soft-deleted knowledge unit", "id", id)
	return nil
}

// MissingEmbeddings returns up to limit live records with no embedding,
// oldest first. The reconciler drains this set.
func (s *Store) MissingEmbeddings(ctx context.Context, limit int32) ([]VectorRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, unit_id, unit_kind, vector_kind, content, embedding, deleted, created_at, updated_at
		FROM vector_records
		WHERE embedding IS NULL AND NOT deleted
		ORDER BY created_at, id
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("records missing embeddings: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// SetEmbedding writes an embedding to a record that does not have one yet.
// Returns false when the record already had an embedding (or is gone), which
// makes retries and concurrent reconcilers harmless no-ops.
func (s *Store) SetEmbedding(ctx context.Context, recordID uuid.UUID, embedding []float32) (bool, error) {
	vec := pgvector.NewVector(embedding)
	tag, err := s.db.Exec(ctx, `
		UPDATE vector_records SET embedding = $2, updated_at = now()
		WHERE id = $1 AND embedding IS NULL AND NOT deleted`,
		recordID, vec)
	if err != nil {
		return false, fmt.Errorf("set embedding for record %s: %w", recordID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// InsertRecord inserts a single vector record. Used by the reconciler's
// healing path for assistant turns that never acquired a record.
func (s *Store) InsertRecord(ctx context.Context, rec VectorRecord) error {
	id := rec.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO vector_records (id, unit_id, unit_kind, vector_kind, content)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		id, rec.UnitID, rec.UnitKind, rec.VectorKind, rec.Content)
	if err != nil {
		return fmt.Errorf("insert vector record: %w", err)
	}
	return nil
}

// TurnRef is a minimal reference to an assistant turn lacking a vector
// record.
type TurnRef struct {
	ID      uuid.UUID
	Content string
}

// TurnsMissingRecords finds assistant turns persisted by the delivery
// scheduler that have not yet acquired a vector record (structural hook
// lag).
func (s *Store) TurnsMissingRecords(ctx context.Context, limit int32) ([]TurnRef, error) {
	rows, err := s.db.Query(ctx, `
		SELECT t.id, t.content
		FROM turns t
		WHERE t.role = 'assistant'
		  AND NOT EXISTS (SELECT 1 FROM vector_records vr WHERE vr.unit_id = t.id)
		ORDER BY t.created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("turns missing records: %w", err)
	}
	defer rows.Close()

	var refs []TurnRef
	for rows.Next() {
		var ref TurnRef
		if err := rows.Scan(&ref.ID, &ref.Content); err != nil {
			return nil, fmt.Errorf("scan turn ref: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func scanUnit(row pgx.Row) (*Unit, error) {
	var u Unit
	err := row.Scan(&u.ID, &u.Kind, &u.Name, &u.Profile, &u.Surface, &u.FullForm,
		&u.Description, &u.Scenario, &u.Question, &u.Answer,
		&u.Deleted, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func scanRecords(rows pgx.Rows) ([]VectorRecord, error) {
	var records []VectorRecord
	for rows.Next() {
		var rec VectorRecord
		var emb *pgvector.Vector
		err := rows.Scan(&rec.ID, &rec.UnitID, &rec.UnitKind, &rec.VectorKind,
			&rec.Content, &emb, &rec.Deleted, &rec.CreatedAt, &rec.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan vector record: %w", err)
		}
		if emb != nil {
			rec.Embedding = emb.Slice()
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
