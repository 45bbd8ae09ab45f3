package retrieval

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/knowledge"
	"github.com/parleyhq/parley/internal/log"
)

// mockSource implements CandidateSource in memory.
type mockSource struct {
	byKind map[knowledge.Kind][]knowledge.Candidate
	byUnit map[uuid.UUID][]knowledge.Candidate
	err    error
}

func (m *mockSource) Candidates(_ context.Context, kind knowledge.Kind) ([]knowledge.Candidate, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.byKind[kind], nil
}

func (m *mockSource) CandidatesByUnit(_ context.Context, unitID uuid.UUID) ([]knowledge.Candidate, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.byUnit[unitID], nil
}

func testRetrievalConfig() config.RetrievalConfig {
	return config.RetrievalConfig{
		PersonaThreshold:      0.3,
		AbbreviationThreshold: 0.6,
		AbbreviationLimit:     5,
		ScriptThreshold:       0.5,
		ScriptForceThreshold:  0.95,
		ScriptLimit:           10,
		SnippetCap:            3,
		FallbackScore:         0.1,
	}
}

// queryVec is the unit vector every test query embeds to.
var queryVec = []float32{1, 0, 0}

// vecWithScore builds a unit vector whose cosine similarity against
// queryVec is exactly score.
func vecWithScore(score float64) []float32 {
	return []float32{float32(score), float32(math.Sqrt(1 - score*score)), 0}
}

func fixedEmbed(vec []float32) knowledge.EmbedFunc {
	return func(context.Context, string) ([]float32, error) {
		return vec, nil
	}
}

func abbreviationCandidate(surface, fullForm string, score float64) knowledge.Candidate {
	return knowledge.Candidate{
		VectorRecord: knowledge.VectorRecord{
			ID:         uuid.New(),
			UnitID:     uuid.New(),
			UnitKind:   knowledge.KindAbbreviation,
			VectorKind: knowledge.VectorBasicInfo,
			Content:    surface + " " + fullForm,
			Embedding:  vecWithScore(score),
		},
		Surface:  surface,
		FullForm: fullForm,
	}
}

func scriptCandidate(question, answer string, score float64) knowledge.Candidate {
	return knowledge.Candidate{
		VectorRecord: knowledge.VectorRecord{
			ID:         uuid.New(),
			UnitID:     uuid.New(),
			UnitKind:   knowledge.KindScript,
			VectorKind: knowledge.VectorQA,
			Content:    question,
			Embedding:  vecWithScore(score),
		},
		Question: question,
		Answer:   answer,
	}
}

func TestSearch_AllThreeBranches(t *testing.T) {
	personaID := uuid.New()
	source := &mockSource{
		byKind: map[knowledge.Kind][]knowledge.Candidate{
			knowledge.KindAbbreviation: {
				abbreviationCandidate("Q1", "first quarter", 0.9),
			},
			knowledge.KindScript: {
				scriptCandidate("How do refunds work?", "Refunds take 5 days.", 0.97),
			},
		},
		byUnit: map[uuid.UUID][]knowledge.Candidate{
			personaID: {{
				VectorRecord: knowledge.VectorRecord{
					ID:         uuid.New(),
					UnitID:     personaID,
					UnitKind:   knowledge.KindPersona,
					VectorKind: knowledge.VectorBasicInfo,
					Content:    "Maya, customer success lead",
					Embedding:  vecWithScore(0.82),
				},
			}},
		},
	}

	r := NewRetriever(source, fixedEmbed(queryVec), testRetrievalConfig(), log.NewNop())
	bundle, err := r.Search(context.Background(), personaID, "when do I get my refund for Q1")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	if bundle.Degraded {
		t.Error("bundle marked degraded with working embedder")
	}
	if bundle.Persona == nil {
		t.Fatal("expected persona hit")
	}
	if math.Abs(bundle.Persona.Score-0.82) > 1e-6 {
		t.Errorf("persona score = %v, want 0.82", bundle.Persona.Score)
	}
	if len(bundle.Abbreviations) != 1 || bundle.Abbreviations[0].Surface != "Q1" {
		t.Errorf("abbreviations = %+v", bundle.Abbreviations)
	}
	if len(bundle.Forced) != 1 {
		t.Fatalf("forced hits = %d, want 1", len(bundle.Forced))
	}
	if bundle.TopForced().Answer != "Refunds take 5 days." {
		t.Errorf("top forced answer = %q", bundle.TopForced().Answer)
	}
}

func TestSearch_AbbreviationGroupingKeepsBestPerSurface(t *testing.T) {
	// Two records for the same surface form must collapse to one result
	// carrying the higher score.
	source := &mockSource{
		byKind: map[knowledge.Kind][]knowledge.Candidate{
			knowledge.KindAbbreviation: {
				abbreviationCandidate("ETA", "estimated time of arrival", 0.7),
				abbreviationCandidate("ETA", "estimated time of arrival", 0.9),
				abbreviationCandidate("SLA", "service level agreement", 0.8),
			},
		},
	}

	r := NewRetriever(source, fixedEmbed(queryVec), testRetrievalConfig(), log.NewNop())
	bundle, err := r.Search(context.Background(), uuid.Nil, "what's the ETA on that SLA")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	seen := map[string]int{}
	for _, res := range bundle.Abbreviations {
		seen[res.Surface]++
	}
	for surface, n := range seen {
		if n > 1 {
			t.Errorf("surface %q appears %d times, want 1", surface, n)
		}
	}

	if len(bundle.Abbreviations) != 2 {
		t.Fatalf("groups = %d, want 2", len(bundle.Abbreviations))
	}
	if bundle.Abbreviations[0].Surface != "ETA" || math.Abs(bundle.Abbreviations[0].Score-0.9) > 1e-6 {
		t.Errorf("best group = %+v, want ETA at 0.9", bundle.Abbreviations[0])
	}
}

func TestSearch_AbbreviationLimit(t *testing.T) {
	cfg := testRetrievalConfig()
	cfg.AbbreviationLimit = 2

	source := &mockSource{
		byKind: map[knowledge.Kind][]knowledge.Candidate{
			knowledge.KindAbbreviation: {
				abbreviationCandidate("A1", "alpha", 0.7),
				abbreviationCandidate("B2", "beta", 0.9),
				abbreviationCandidate("C3", "gamma", 0.8),
			},
		},
	}

	r := NewRetriever(source, fixedEmbed(queryVec), cfg, log.NewNop())
	bundle, err := r.Search(context.Background(), uuid.Nil, "query")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	if len(bundle.Abbreviations) != 2 {
		t.Fatalf("groups = %d, want 2", len(bundle.Abbreviations))
	}
	if bundle.Abbreviations[0].Surface != "B2" || bundle.Abbreviations[1].Surface != "C3" {
		t.Errorf("top groups = %s, %s; want B2, C3",
			bundle.Abbreviations[0].Surface, bundle.Abbreviations[1].Surface)
	}
}

func TestSearch_ScriptBelowForceThresholdIsNotForced(t *testing.T) {
	source := &mockSource{
		byKind: map[knowledge.Kind][]knowledge.Candidate{
			knowledge.KindScript: {
				scriptCandidate("pricing?", "See the pricing page.", 0.6),
			},
		},
	}

	r := NewRetriever(source, fixedEmbed(queryVec), testRetrievalConfig(), log.NewNop())
	bundle, err := r.Search(context.Background(), uuid.Nil, "pricing")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	if len(bundle.Scripts) != 1 {
		t.Fatalf("scripts = %d, want 1", len(bundle.Scripts))
	}
	if len(bundle.Forced) != 0 {
		t.Errorf("forced = %d, want 0", len(bundle.Forced))
	}
	if bundle.TopForced() != nil {
		t.Error("TopForced() should be nil without forced hits")
	}
}

func TestSearch_BelowThresholdFiltered(t *testing.T) {
	source := &mockSource{
		byKind: map[knowledge.Kind][]knowledge.Candidate{
			knowledge.KindScript: {
				scriptCandidate("weather?", "sunny", 0.4), // below 0.5 base
			},
		},
	}

	r := NewRetriever(source, fixedEmbed(queryVec), testRetrievalConfig(), log.NewNop())
	bundle, err := r.Search(context.Background(), uuid.Nil, "weather")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(bundle.Scripts) != 0 {
		t.Errorf("scripts = %d, want 0", len(bundle.Scripts))
	}
}

func TestSearch_EmptyQueryEmbeddingDegradesWithoutError(t *testing.T) {
	personaID := uuid.New()
	source := &mockSource{
		byKind: map[knowledge.Kind][]knowledge.Candidate{
			knowledge.KindAbbreviation: {abbreviationCandidate("Q1", "first quarter", 0.9)},
			knowledge.KindScript:       {scriptCandidate("refund?", "5 days", 0.97)},
		},
		byUnit: map[uuid.UUID][]knowledge.Candidate{personaID: nil},
	}

	emptyEmbed := func(context.Context, string) ([]float32, error) {
		return []float32{}, nil
	}

	r := NewRetriever(source, emptyEmbed, testRetrievalConfig(), log.NewNop())
	bundle, err := r.Search(context.Background(), personaID, "something unrelated")
	if err != nil {
		t.Fatalf("Search must not fail on empty embedding: %v", err)
	}

	if !bundle.Degraded {
		t.Error("bundle should be marked degraded")
	}
	if bundle.Persona != nil || len(bundle.Abbreviations) != 0 || len(bundle.Scripts) != 0 {
		t.Errorf("expected empty results, got %+v", bundle)
	}
}

func TestSearch_EmbedderErrorFallsBackToSubstring(t *testing.T) {
	source := &mockSource{
		byKind: map[knowledge.Kind][]knowledge.Candidate{
			knowledge.KindAbbreviation: {
				abbreviationCandidate("ETA", "estimated time of arrival", 0.9),
			},
		},
	}
	// Content match is on the record text; no embedding involved.
	source.byKind[knowledge.KindAbbreviation][0].Content = "ETA estimated time of arrival"

	failEmbed := func(context.Context, string) ([]float32, error) {
		return nil, errors.New("embedding service unavailable")
	}

	cfg := testRetrievalConfig()
	r := NewRetriever(source, failEmbed, cfg, log.NewNop())
	bundle, err := r.Search(context.Background(), uuid.Nil, "eta")
	if err != nil {
		t.Fatalf("Search must not fail when embedder is down: %v", err)
	}

	if !bundle.Degraded {
		t.Error("bundle should be marked degraded")
	}
	if len(bundle.Abbreviations) != 1 {
		t.Fatalf("fallback groups = %d, want 1", len(bundle.Abbreviations))
	}
	if got := bundle.Abbreviations[0].Score; got != cfg.FallbackScore {
		t.Errorf("fallback score = %v, want %v", got, cfg.FallbackScore)
	}
}

func TestSearch_SkipsUnembeddedAndMismatchedCandidates(t *testing.T) {
	noEmbedding := scriptCandidate("no embedding yet", "answer", 0.99)
	noEmbedding.Embedding = nil

	wrongDim := scriptCandidate("wrong dimension", "answer", 0.99)
	wrongDim.Embedding = []float32{1, 0}

	good := scriptCandidate("good", "answer", 0.8)

	source := &mockSource{
		byKind: map[knowledge.Kind][]knowledge.Candidate{
			knowledge.KindScript: {noEmbedding, wrongDim, good},
		},
	}

	r := NewRetriever(source, fixedEmbed(queryVec), testRetrievalConfig(), log.NewNop())
	bundle, err := r.Search(context.Background(), uuid.Nil, "query")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	if len(bundle.Scripts) != 1 || bundle.Scripts[0].Question != "good" {
		t.Errorf("scripts = %+v, want only the well-formed candidate", bundle.Scripts)
	}
}

func TestSearch_DistinctScoresOrderedDescending(t *testing.T) {
	source := &mockSource{
		byKind: map[knowledge.Kind][]knowledge.Candidate{
			knowledge.KindScript: {
				scriptCandidate("low", "a", 0.6),
				scriptCandidate("high", "b", 0.9),
				scriptCandidate("mid", "c", 0.75),
			},
		},
	}

	r := NewRetriever(source, fixedEmbed(queryVec), testRetrievalConfig(), log.NewNop())
	bundle, err := r.Search(context.Background(), uuid.Nil, "query")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	want := []string{"high", "mid", "low"}
	if len(bundle.Scripts) != len(want) {
		t.Fatalf("scripts = %d, want %d", len(bundle.Scripts), len(want))
	}
	for i, q := range want {
		if bundle.Scripts[i].Question != q {
			t.Errorf("scripts[%d] = %q, want %q", i, bundle.Scripts[i].Question, q)
		}
	}
}

func TestSearch_TiedScoresBreakOnRecordID(t *testing.T) {
	a := scriptCandidate("first", "a", 0.8)
	b := scriptCandidate("second", "b", 0.8)

	source := &mockSource{
		byKind: map[knowledge.Kind][]knowledge.Candidate{
			knowledge.KindScript: {a, b},
		},
	}
	reversed := &mockSource{
		byKind: map[knowledge.Kind][]knowledge.Candidate{
			knowledge.KindScript: {b, a},
		},
	}

	r1 := NewRetriever(source, fixedEmbed(queryVec), testRetrievalConfig(), log.NewNop())
	r2 := NewRetriever(reversed, fixedEmbed(queryVec), testRetrievalConfig(), log.NewNop())

	b1, err := r1.Search(context.Background(), uuid.Nil, "query")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	b2, err := r2.Search(context.Background(), uuid.Nil, "query")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	if b1.Scripts[0].RecordID != b2.Scripts[0].RecordID {
		t.Error("tied-score ordering depends on scan order; want record-ID tie-break")
	}
}

func TestSearch_NoPersonaBound(t *testing.T) {
	source := &mockSource{byKind: map[knowledge.Kind][]knowledge.Candidate{}}

	r := NewRetriever(source, fixedEmbed(queryVec), testRetrievalConfig(), log.NewNop())
	bundle, err := r.Search(context.Background(), uuid.Nil, "query")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if bundle.Persona != nil {
		t.Error("persona hit without a bound persona unit")
	}
}
