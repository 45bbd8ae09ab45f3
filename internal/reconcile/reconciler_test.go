package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/knowledge"
	"github.com/parleyhq/parley/internal/log"
)

type mockStore struct {
	turns      []knowledge.TurnRef
	missing    []knowledge.VectorRecord
	inserted   []knowledge.VectorRecord
	embeddings map[uuid.UUID][]float32
	listErr    error
	insertErr  error
}

func newMockStore() *mockStore {
	return &mockStore{embeddings: make(map[uuid.UUID][]float32)}
}

func (m *mockStore) TurnsMissingRecords(_ context.Context, _ int32) ([]knowledge.TurnRef, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	turns := m.turns
	m.turns = nil // records now exist, next pass sees nothing
	return turns, nil
}

func (m *mockStore) InsertRecord(_ context.Context, rec knowledge.VectorRecord) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	m.inserted = append(m.inserted, rec)
	return nil
}

func (m *mockStore) MissingEmbeddings(_ context.Context, _ int32) ([]knowledge.VectorRecord, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []knowledge.VectorRecord
	for _, rec := range m.missing {
		if _, ok := m.embeddings[rec.ID]; !ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *mockStore) SetEmbedding(_ context.Context, recordID uuid.UUID, embedding []float32) (bool, error) {
	if _, ok := m.embeddings[recordID]; ok {
		return false, nil
	}
	m.embeddings[recordID] = embedding
	return true, nil
}

func constEmbed(vec []float32) knowledge.EmbedFunc {
	return func(context.Context, string) ([]float32, error) {
		return vec, nil
	}
}

func TestRunCreatesTurnRecordsAndFillsEmbeddings(t *testing.T) {
	store := newMockStore()
	turnID := uuid.New()
	store.turns = []knowledge.TurnRef{{ID: turnID, Content: "an assistant reply"}}
	store.missing = []knowledge.VectorRecord{
		{ID: uuid.New(), Content: "persona text"},
		{ID: uuid.New(), Content: "script text"},
	}

	r := New(store, constEmbed([]float32{0.1, 0.2}), 1000, 50, log.NewNop())
	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if report.TurnRecordsCreated != 1 {
		t.Errorf("TurnRecordsCreated = %d, want 1", report.TurnRecordsCreated)
	}
	if report.EmbeddingsFilled != 2 {
		t.Errorf("EmbeddingsFilled = %d, want 2", report.EmbeddingsFilled)
	}
	if len(store.inserted) != 1 || store.inserted[0].UnitID != turnID {
		t.Errorf("inserted records = %+v", store.inserted)
	}
}

func TestRunSecondPassIsNoOp(t *testing.T) {
	store := newMockStore()
	store.turns = []knowledge.TurnRef{{ID: uuid.New(), Content: "reply"}}
	store.missing = []knowledge.VectorRecord{{ID: uuid.New(), Content: "text"}}

	r := New(store, constEmbed([]float32{0.5}), 1000, 50, log.NewNop())
	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if report.TurnRecordsCreated != 0 || report.EmbeddingsFilled != 0 {
		t.Errorf("second pass report = %+v, want all zero", report)
	}
}

func TestRunCountsEmbedFailuresWithoutAborting(t *testing.T) {
	store := newMockStore()
	store.missing = []knowledge.VectorRecord{
		{ID: uuid.New(), Content: "fails"},
		{ID: uuid.New(), Content: "succeeds"},
	}

	embed := func(_ context.Context, text string) ([]float32, error) {
		if text == "fails" {
			return nil, errors.New("provider down")
		}
		return []float32{1}, nil
	}

	r := New(store, embed, 1000, 50, log.NewNop())
	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.EmbedFailures != 1 {
		t.Errorf("EmbedFailures = %d, want 1", report.EmbedFailures)
	}
	if report.EmbeddingsFilled != 1 {
		t.Errorf("EmbeddingsFilled = %d, want 1", report.EmbeddingsFilled)
	}
}

func TestRunSkipsWhenEmbeddingDisabled(t *testing.T) {
	store := newMockStore()
	store.missing = []knowledge.VectorRecord{{ID: uuid.New(), Content: "text"}}

	r := New(store, knowledge.DisabledEmbedFunc, 1000, 50, log.NewNop())
	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.EmbeddingsFilled != 0 || report.EmbedFailures != 0 {
		t.Errorf("report = %+v, want nothing filled or failed", report)
	}
}

func TestRunPropagatesListError(t *testing.T) {
	store := newMockStore()
	store.listErr = errors.New("connection refused")

	r := New(store, constEmbed([]float32{1}), 1000, 50, log.NewNop())
	if _, err := r.Run(context.Background()); err == nil {
		t.Fatal("Run() error = nil, want error")
	}
}
