package prompt

import (
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/retrieval"
)

const basePrompt = "You are Maya, a support agent."

func personaResult(score float64) *retrieval.Result {
	return &retrieval.Result{
		UnitID:  uuid.New(),
		Score:   score,
		Content: "Maya, customer success lead, friendly and concise.",
	}
}

func abbreviationResult(surface, fullForm string, score float64) retrieval.Result {
	return retrieval.Result{
		UnitID:   uuid.New(),
		Score:    score,
		Surface:  surface,
		FullForm: fullForm,
	}
}

func scriptResult(question, answer string, score float64) retrieval.Result {
	return retrieval.Result{
		UnitID:   uuid.New(),
		Score:    score,
		Question: question,
		Answer:   answer,
	}
}

func TestAssemble_BaseOnly(t *testing.T) {
	a := NewAssembler(3)
	got := a.Assemble(basePrompt, &retrieval.Bundle{})

	if got != basePrompt {
		t.Errorf("Assemble with empty bundle = %q, want base prompt only", got)
	}
}

func TestAssemble_ForcedScriptDominates(t *testing.T) {
	// Persona at 0.82, abbreviation at 0.9, script at 0.97 with force
	// threshold 0.95: all three blocks present, and the knowledge block is
	// the forced-verbatim instruction, never the generic reference block.
	forced := scriptResult("How do refunds work?", "Refunds are processed within 5 business days.", 0.97)
	bundle := &retrieval.Bundle{
		Persona:       personaResult(0.82),
		Abbreviations: []retrieval.Result{abbreviationResult("Q1", "first quarter", 0.9)},
		Scripts:       []retrieval.Result{forced},
		Forced:        []retrieval.Result{forced},
	}

	a := NewAssembler(3)
	got := a.Assemble(basePrompt, bundle)

	if !strings.HasPrefix(got, basePrompt) {
		t.Error("prompt must start with the base prompt")
	}
	if !strings.Contains(got, "## Persona context") || !strings.Contains(got, "customer success lead") {
		t.Error("persona block missing")
	}
	if !strings.Contains(got, "## Glossary") || !strings.Contains(got, "Q1: first quarter") {
		t.Error("abbreviation block missing")
	}
	if !strings.Contains(got, `"Refunds are processed within 5 business days."`) {
		t.Error("forced block must quote the scripted answer verbatim")
	}
	if !strings.Contains(got, "word for word") {
		t.Error("forced block must instruct verbatim delivery")
	}
	if strings.Contains(got, "Similar question") || strings.Contains(got, "## Reference material") {
		t.Error("forced tier must suppress the generic reference block")
	}
}

func TestAssemble_ForcedQuotesTopScoredAnswer(t *testing.T) {
	top := scriptResult("q1", "top answer", 0.99)
	second := scriptResult("q2", "second answer", 0.96)
	bundle := &retrieval.Bundle{
		Scripts: []retrieval.Result{top, second},
		Forced:  []retrieval.Result{top, second},
	}

	got := NewAssembler(3).Assemble(basePrompt, bundle)

	if !strings.Contains(got, `"top answer"`) {
		t.Error("forced block must quote the highest-scoring forced answer")
	}
	if strings.Contains(got, "second answer") {
		t.Error("forced block must quote only the single top-scored answer")
	}
}

func TestAssemble_SoftReferenceTier(t *testing.T) {
	// Script best score below the force threshold: persona and
	// abbreviation blocks plus a soft reference block, no forced phrasing.
	bundle := &retrieval.Bundle{
		Persona:       personaResult(0.82),
		Abbreviations: []retrieval.Result{abbreviationResult("Q1", "first quarter", 0.9)},
		Scripts:       []retrieval.Result{scriptResult("pricing?", "See the pricing page.", 0.6)},
	}

	got := NewAssembler(3).Assemble(basePrompt, bundle)

	if !strings.Contains(got, "## Persona context") {
		t.Error("persona block missing")
	}
	if !strings.Contains(got, "## Glossary") {
		t.Error("abbreviation block missing")
	}
	if !strings.Contains(got, "Similar question: pricing?") {
		t.Error("reference block missing")
	}
	if !strings.Contains(got, "Suggested answer: See the pricing page.") {
		t.Error("reference answer missing")
	}
	if strings.Contains(got, "word for word") {
		t.Error("soft tier must not contain the forced-verbatim phrasing")
	}
}

func TestAssemble_ReferenceBlockCappedAtThree(t *testing.T) {
	bundle := &retrieval.Bundle{
		Scripts: []retrieval.Result{
			scriptResult("q1", "a1", 0.9),
			scriptResult("q2", "a2", 0.8),
			scriptResult("q3", "a3", 0.7),
			scriptResult("q4", "a4", 0.6),
		},
	}

	got := NewAssembler(3).Assemble(basePrompt, bundle)

	if n := strings.Count(got, "Similar question:"); n != 3 {
		t.Errorf("reference snippets = %d, want 3", n)
	}
	if strings.Contains(got, "q4") {
		t.Error("snippet beyond the cap leaked into the prompt")
	}
}

func TestAssemble_NoKnowledgeBlockWithoutScriptHits(t *testing.T) {
	bundle := &retrieval.Bundle{Persona: personaResult(0.5)}

	got := NewAssembler(3).Assemble(basePrompt, bundle)

	if strings.Contains(got, "## Reference material") || strings.Contains(got, "## Scripted answer") {
		t.Error("knowledge block must be omitted entirely without script hits")
	}
}

func TestLibrary_LanguageSelection(t *testing.T) {
	lib := NewLibrary(map[string]string{"fr": "Tu es un assistant."}, "en")

	if got := lib.Base("fr"); got != "Tu es un assistant." {
		t.Errorf("Base(fr) = %q", got)
	}
	if got := lib.Base("xx"); got != lib.Base("en") {
		t.Errorf("unknown language should fall back to en, got %q", got)
	}
	if lib.Base("en") == "" {
		t.Error("built-in en prompt must not be empty")
	}
}
