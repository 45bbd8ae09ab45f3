package knowledge

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// Candidate is a vector record joined with the display fields of its owning
// unit. Retrieval results carry these structured fields so downstream
// consumers never parse them back out of assembled prompt text.
type Candidate struct {
	VectorRecord

	Surface  string
	FullForm string
	Scenario string
	Question string
	Answer   string
}

// Candidates returns all live vector records of one unit kind joined with
// their owning unit's display fields, in stable creation order.
func (s *Store) Candidates(ctx context.Context, kind Kind) ([]Candidate, error) {
	rows, err := s.db.Query(ctx, `
		SELECT vr.id, vr.unit_id, vr.unit_kind, vr.vector_kind, vr.content, vr.embedding,
		       vr.created_at, u.surface, u.full_form, u.scenario, u.question, u.answer
		FROM vector_records vr
		JOIN knowledge_units u ON u.id = vr.unit_id
		WHERE vr.unit_kind = $1 AND NOT vr.deleted
		ORDER BY vr.created_at, vr.id`, kind)
	if err != nil {
		return nil, fmt.Errorf("candidates for kind %s: %w", kind, err)
	}
	defer rows.Close()

	return scanCandidates(rows)
}

// CandidatesByUnit returns the live candidates of a single unit. Used by
// the persona search, which only ever scans the conversation's persona.
func (s *Store) CandidatesByUnit(ctx context.Context, unitID uuid.UUID) ([]Candidate, error) {
	rows, err := s.db.Query(ctx, `
		SELECT vr.id, vr.unit_id, vr.unit_kind, vr.vector_kind, vr.content, vr.embedding,
		       vr.created_at, u.surface, u.full_form, u.scenario, u.question, u.answer
		FROM vector_records vr
		JOIN knowledge_units u ON u.id = vr.unit_id
		WHERE vr.unit_id = $1 AND NOT vr.deleted
		ORDER BY vr.created_at, vr.id`, unitID)
	if err != nil {
		return nil, fmt.Errorf("candidates for unit %s: %w", unitID, err)
	}
	defer rows.Close()

	return scanCandidates(rows)
}

func scanCandidates(rows pgx.Rows) ([]Candidate, error) {
	var candidates []Candidate
	for rows.Next() {
		var c Candidate
		var emb *pgvector.Vector
		err := rows.Scan(&c.ID, &c.UnitID, &c.UnitKind, &c.VectorKind, &c.Content, &emb,
			&c.CreatedAt, &c.Surface, &c.FullForm, &c.Scenario, &c.Question, &c.Answer)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		if emb != nil {
			c.Embedding = emb.Slice()
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}
