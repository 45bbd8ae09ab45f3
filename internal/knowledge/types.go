package knowledge

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies the variant of a knowledge unit.
type Kind string

// Knowledge unit kinds. Turn is not a human-edited unit but shares the
// vector record table: assistant turns are vectorized for conversational
// memory by the reconciler.
const (
	KindPersona      Kind = "persona"
	KindAbbreviation Kind = "abbreviation"
	KindScript       Kind = "script"
	KindTurn         Kind = "turn"
)

// VectorKind tags which unit fields a vector record's text was derived from.
type VectorKind string

const (
	// VectorBasicInfo covers descriptive fields (persona profile,
	// abbreviation definition, script scenario).
	VectorBasicInfo VectorKind = "basic_info"

	// VectorQA covers question-shaped text matched against user queries.
	VectorQA VectorKind = "qa"
)

// Unit is a persisted, human-edited knowledge entry. Exactly one of the
// field groups is populated, selected by Kind.
type Unit struct {
	ID   uuid.UUID
	Kind Kind

	// Persona fields
	Name    string
	Profile string

	// Abbreviation fields
	Surface     string
	FullForm    string
	Description string

	// Script fields
	Scenario string
	Question string
	Answer   string

	Deleted   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// VectorRecord is the embeddable-text + embedding pair derived from a unit
// (or an assistant turn). Embedding is nil until the reconciler fills it;
// the content is always regenerable from the owning unit's current fields.
type VectorRecord struct {
	ID         uuid.UUID
	UnitID     uuid.UUID
	UnitKind   Kind
	VectorKind VectorKind
	Content    string
	Embedding  []float32
	Deleted    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
