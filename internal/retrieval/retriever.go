// Package retrieval implements the multi-source semantic search feeding the
// prompt assembler: persona, abbreviation, and script corpora are scanned
// independently, each under its own similarity policy.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/knowledge"
)

// CandidateSource is the knowledge-store surface the retriever needs.
// *knowledge.Store satisfies it; tests use an in-memory source.
type CandidateSource interface {
	Candidates(ctx context.Context, kind knowledge.Kind) ([]knowledge.Candidate, error)
	CandidatesByUnit(ctx context.Context, unitID uuid.UUID) ([]knowledge.Candidate, error)
}

// Retriever runs the three sub-searches for one merged query. The branches
// are independent and run concurrently; none mutates shared state, results
// are joined after all have finished.
//
// Retriever is safe for concurrent use by multiple goroutines.
type Retriever struct {
	source CandidateSource
	embed  knowledge.EmbedFunc
	cfg    config.RetrievalConfig
	logger *slog.Logger
}

// NewRetriever creates a Retriever. A nil logger falls back to
// slog.Default().
func NewRetriever(source CandidateSource, embed knowledge.EmbedFunc, cfg config.RetrievalConfig, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{source: source, embed: embed, cfg: cfg, logger: logger}
}

// Search embeds the merged query once and runs the persona, abbreviation,
// and script branches concurrently.
//
// When the query embedding cannot be produced (service unavailable, empty
// query, embedding feature-flagged off) the search degrades to a
// case-insensitive substring scan with a fixed low-confidence score and the
// bundle is marked Degraded; this path never fails the request. Datastore
// errors, by contrast, are real errors.
func (r *Retriever) Search(ctx context.Context, personaID uuid.UUID, query string) (*Bundle, error) {
	bundle := &Bundle{}

	queryVec := r.embedQuery(ctx, query)
	if queryVec == nil {
		bundle.Degraded = true
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		persona, err := r.searchPersona(gctx, personaID, queryVec, query)
		if err != nil {
			return err
		}
		bundle.Persona = persona
		return nil
	})

	g.Go(func() error {
		groups, err := r.searchAbbreviations(gctx, queryVec, query)
		if err != nil {
			return err
		}
		bundle.Abbreviations = groups
		return nil
	})

	g.Go(func() error {
		scripts, forced, err := r.searchScripts(gctx, queryVec, query)
		if err != nil {
			return err
		}
		bundle.Scripts = scripts
		bundle.Forced = forced
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}

	r.logger.Debug("retrieval complete",
		"degraded", bundle.Degraded,
		"persona_hit", bundle.Persona != nil,
		"abbreviation_groups", len(bundle.Abbreviations),
		"script_hits", len(bundle.Scripts),
		"forced_hits", len(bundle.Forced))

	return bundle, nil
}

// embedQuery produces the query embedding, or nil when retrieval should
// degrade to the fallback scan. Embedding failures are logged, never
// propagated.
func (r *Retriever) embedQuery(ctx context.Context, query string) []float32 {
	if strings.TrimSpace(query) == "" {
		return nil
	}
	vec, err := r.embed(ctx, query)
	if err != nil {
		r.logger.Warn("query embedding failed, degrading to substring fallback", "error", err)
		return nil
	}
	if len(vec) == 0 {
		return nil
	}
	return vec
}

// searchPersona returns the single best persona fact above the persona
// threshold, restricted to the conversation's persona unit.
func (r *Retriever) searchPersona(ctx context.Context, personaID uuid.UUID, queryVec []float32, query string) (*Result, error) {
	if personaID == uuid.Nil {
		return nil, nil
	}

	candidates, err := r.source.CandidatesByUnit(ctx, personaID)
	if err != nil {
		return nil, fmt.Errorf("persona search: %w", err)
	}

	results := r.score(candidates, queryVec, query, r.cfg.PersonaThreshold)
	if len(results) == 0 {
		return nil, nil
	}
	return &results[0], nil
}

// searchAbbreviations scans all abbreviation records, groups hits by
// surface form keeping only the highest-scoring record per abbreviation,
// and returns the top groups by score.
func (r *Retriever) searchAbbreviations(ctx context.Context, queryVec []float32, query string) ([]Result, error) {
	candidates, err := r.source.Candidates(ctx, knowledge.KindAbbreviation)
	if err != nil {
		return nil, fmt.Errorf("abbreviation search: %w", err)
	}

	results := r.score(candidates, queryVec, query, r.cfg.AbbreviationThreshold)

	// One result per surface form: results are already sorted descending,
	// so the first occurrence of a surface is its best record.
	seen := make(map[string]bool, len(results))
	groups := make([]Result, 0, r.cfg.AbbreviationLimit)
	for _, res := range results {
		if seen[res.Surface] {
			continue
		}
		seen[res.Surface] = true
		groups = append(groups, res)
		if len(groups) >= r.cfg.AbbreviationLimit {
			break
		}
	}
	return groups, nil
}

// searchScripts returns script hits at or above the base threshold and
// separately flags the subset at or above the force threshold.
func (r *Retriever) searchScripts(ctx context.Context, queryVec []float32, query string) (scripts, forced []Result, err error) {
	candidates, err := r.source.Candidates(ctx, knowledge.KindScript)
	if err != nil {
		return nil, nil, fmt.Errorf("script search: %w", err)
	}

	scripts = r.score(candidates, queryVec, query, r.cfg.ScriptThreshold)
	if len(scripts) > r.cfg.ScriptLimit {
		scripts = scripts[:r.cfg.ScriptLimit]
	}

	for _, res := range scripts {
		if res.Score >= r.cfg.ScriptForceThreshold {
			forced = append(forced, res)
		}
	}
	return scripts, forced, nil
}

// score computes similarities for all candidates and returns results at or
// above the threshold, sorted descending. With no query embedding it runs
// the substring fallback instead.
//
// Candidates without an embedding are skipped (reconciler lag), as are
// candidates whose embedding has a different dimensionality than the query
// (stale embedding version). A corpus-wide scan is never aborted by one bad
// row.
func (r *Retriever) score(candidates []knowledge.Candidate, queryVec []float32, query string, threshold float64) []Result {
	if queryVec == nil {
		return r.fallbackScan(candidates, query)
	}

	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		if len(c.Embedding) == 0 {
			continue
		}
		score, err := Cosine(queryVec, c.Embedding)
		if err != nil {
			if errors.Is(err, ErrDimensionMismatch) {
				r.logger.Warn("skipping candidate with mismatched embedding dimension",
					"record_id", c.ID, "got", len(c.Embedding), "want", len(queryVec))
				continue
			}
			continue
		}
		if score < threshold {
			continue
		}
		results = append(results, toResult(c, score))
	}

	sortResults(results)
	return results
}

// fallbackScan is the low-confidence degradation path: case-insensitive
// substring match over the record content, fixed score, original scan
// order.
func (r *Retriever) fallbackScan(candidates []knowledge.Candidate, query string) []Result {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}

	var results []Result
	for _, c := range candidates {
		if strings.Contains(strings.ToLower(c.Content), q) {
			results = append(results, toResult(c, r.cfg.FallbackScore))
		}
	}
	return results
}

// sortResults orders by score descending. Equal scores tie-break on record
// ID ascending so result order is deterministic regardless of scan order.
func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].RecordID.String() < results[j].RecordID.String()
	})
}

func toResult(c knowledge.Candidate, score float64) Result {
	return Result{
		UnitID:     c.UnitID,
		RecordID:   c.ID,
		VectorKind: c.VectorKind,
		Score:      score,
		Content:    c.Content,
		Surface:    c.Surface,
		FullForm:   c.FullForm,
		Scenario:   c.Scenario,
		Question:   c.Question,
		Answer:     c.Answer,
	}
}
