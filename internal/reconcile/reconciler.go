// Package reconcile heals the two gaps eventual consistency leaves behind:
// assistant turns that never got a vector record, and vector records whose
// embedding column is still null. Each pass is idempotent, so running it on
// a schedule converges the store without double work.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/parleyhq/parley/internal/knowledge"
)

// Store is the knowledge-store surface the reconciler needs.
type Store interface {
	TurnsMissingRecords(ctx context.Context, limit int32) ([]knowledge.TurnRef, error)
	InsertRecord(ctx context.Context, rec knowledge.VectorRecord) error
	MissingEmbeddings(ctx context.Context, limit int32) ([]knowledge.VectorRecord, error)
	SetEmbedding(ctx context.Context, recordID uuid.UUID, embedding []float32) (bool, error)
}

// Report summarizes one reconciliation pass.
type Report struct {
	TurnRecordsCreated int
	EmbeddingsFilled   int
	AlreadyFilled      int
	EmbedFailures      int
}

// Reconciler drives the pass. Embedding calls go through a rate limiter so
// a large backlog cannot saturate the embedding provider's quota.
type Reconciler struct {
	store     Store
	embed     knowledge.EmbedFunc
	limiter   *rate.Limiter
	batchSize int32
	logger    *slog.Logger
}

// New creates a Reconciler. embedPerSecond caps outbound embedding calls;
// batchSize bounds how many rows each pass picks up per stage.
func New(store Store, embed knowledge.EmbedFunc, embedPerSecond float64, batchSize int32, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:     store,
		embed:     embed,
		limiter:   rate.NewLimiter(rate.Limit(embedPerSecond), 1),
		batchSize: batchSize,
		logger:    logger,
	}
}

// Run executes one pass: first materialize records for assistant turns
// that lack them, then fill embeddings for records that lack those. Row
// failures are counted and logged but do not abort the pass; only a
// listing query failure does.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	var report Report

	if err := r.healTurnRecords(ctx, &report); err != nil {
		return report, err
	}
	if err := r.fillEmbeddings(ctx, &report); err != nil {
		return report, err
	}

	r.logger.Info("reconciliation pass complete",
		"turn_records_created", report.TurnRecordsCreated,
		"embeddings_filled", report.EmbeddingsFilled,
		"already_filled", report.AlreadyFilled,
		"embed_failures", report.EmbedFailures)
	return report, nil
}

func (r *Reconciler) healTurnRecords(ctx context.Context, report *Report) error {
	turns, err := r.store.TurnsMissingRecords(ctx, r.batchSize)
	if err != nil {
		return fmt.Errorf("list turns missing records: %w", err)
	}
	for _, turn := range turns {
		rec := knowledge.MaterializeTurn(turn.ID, turn.Content)
		if err := r.store.InsertRecord(ctx, rec); err != nil {
			r.logger.Error("insert turn record", "turn_id", turn.ID, "error", err)
			continue
		}
		report.TurnRecordsCreated++
	}
	return nil
}

func (r *Reconciler) fillEmbeddings(ctx context.Context, report *Report) error {
	records, err := r.store.MissingEmbeddings(ctx, r.batchSize)
	if err != nil {
		return fmt.Errorf("list records missing embeddings: %w", err)
	}
	for _, rec := range records {
		if err := r.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
		vec, err := r.embed(ctx, rec.Content)
		if err != nil {
			report.EmbedFailures++
			r.logger.Error("embed record", "record_id", rec.ID, "error", err)
			continue
		}
		if len(vec) == 0 {
			// Embedding disabled: nothing to backfill.
			continue
		}
		filled, err := r.store.SetEmbedding(ctx, rec.ID, vec)
		if err != nil {
			report.EmbedFailures++
			r.logger.Error("store embedding", "record_id", rec.ID, "error", err)
			continue
		}
		if filled {
			report.EmbeddingsFilled++
		} else {
			// Another pass won the race; the record is already healed.
			report.AlreadyFilled++
		}
	}
	return nil
}
