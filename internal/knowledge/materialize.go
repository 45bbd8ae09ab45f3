package knowledge

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Materialize derives the vector record set for a unit from its current
// field values. It is a pure function: the store calls it synchronously
// after every unit mutation, replacing (never retaining) the previous
// records, so record text can never drift from the unit it belongs to.
//
// The returned records have no ID, embedding, or timestamps; the store
// assigns those on insert.
func Materialize(u *Unit) []VectorRecord {
	var records []VectorRecord

	add := func(vk VectorKind, content string) {
		content = strings.TrimSpace(content)
		if content == "" {
			return
		}
		records = append(records, VectorRecord{
			UnitID:     u.ID,
			UnitKind:   u.Kind,
			VectorKind: vk,
			Content:    content,
		})
	}

	switch u.Kind {
	case KindPersona:
		add(VectorBasicInfo, personaText(u))

	case KindAbbreviation:
		add(VectorBasicInfo, abbreviationText(u))

	case KindScript:
		add(VectorBasicInfo, u.Scenario)
		add(VectorQA, scriptQuestionText(u))

	case KindTurn:
		// Turn records are created from turn content directly; nothing to
		// derive from unit fields.
	}

	return records
}

// MaterializeTurn builds the single vector record for an assistant turn.
// Delivery only persists the turn itself; the reconciler's healing path
// calls this to give the turn a record afterwards.
func MaterializeTurn(turnID uuid.UUID, content string) VectorRecord {
	return VectorRecord{
		UnitID:     turnID,
		UnitKind:   KindTurn,
		VectorKind: VectorBasicInfo,
		Content:    strings.TrimSpace(content),
	}
}

func personaText(u *Unit) string {
	if u.Name == "" {
		return u.Profile
	}
	if u.Profile == "" {
		return u.Name
	}
	return fmt.Sprintf("%s\n%s", u.Name, u.Profile)
}

func abbreviationText(u *Unit) string {
	var b strings.Builder
	b.WriteString(u.Surface)
	if u.FullForm != "" {
		b.WriteString(" ")
		b.WriteString(u.FullForm)
	}
	if u.Description != "" {
		b.WriteString("\n")
		b.WriteString(u.Description)
	}
	return b.String()
}

func scriptQuestionText(u *Unit) string {
	if u.Scenario == "" {
		return u.Question
	}
	return fmt.Sprintf("%s\n%s", u.Scenario, u.Question)
}
