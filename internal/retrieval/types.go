package retrieval

import (
	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/knowledge"
)

// Result is an ephemeral retrieval hit. It carries the structured fields of
// the source unit alongside the matched record text so consumers (prompt
// assembler, post-processor, diagnostics) never re-parse formatted strings.
// Results are never persisted.
type Result struct {
	UnitID     uuid.UUID
	RecordID   uuid.UUID
	VectorKind knowledge.VectorKind
	Score      float64

	// Content is the record text the similarity was computed against.
	Content string

	// Abbreviation fields
	Surface  string
	FullForm string

	// Script fields
	Scenario string
	Question string
	Answer   string
}

// Bundle joins the outputs of the three retrieval branches for one query.
type Bundle struct {
	// Persona is the single best persona fact above the persona threshold,
	// or nil.
	Persona *Result

	// Abbreviations holds the top abbreviation groups by score, one result
	// per surface form.
	Abbreviations []Result

	// Scripts holds all script hits at or above the base threshold, sorted
	// descending by score.
	Scripts []Result

	// Forced is the subset of Scripts at or above the force threshold, in
	// the same order.
	Forced []Result

	// Degraded reports that the query embedding could not be produced and
	// the branches ran on the substring fallback (or returned nothing).
	Degraded bool
}

// TopForced returns the highest-scoring forced script hit, or nil.
func (b *Bundle) TopForced() *Result {
	if len(b.Forced) == 0 {
		return nil
	}
	return &b.Forced[0]
}

// Similarities summarizes the bundle's scores for turn diagnostics.
func (b *Bundle) Similarities() map[string]any {
	diag := map[string]any{
		"degraded": b.Degraded,
	}
	if b.Persona != nil {
		diag["persona"] = b.Persona.Score
	}
	if len(b.Abbreviations) > 0 {
		scores := make(map[string]float64, len(b.Abbreviations))
		for _, r := range b.Abbreviations {
			scores[r.Surface] = r.Score
		}
		diag["abbreviations"] = scores
	}
	if len(b.Scripts) > 0 {
		diag["script_top"] = b.Scripts[0].Score
		diag["script_forced"] = len(b.Forced) > 0
	}
	return diag
}
