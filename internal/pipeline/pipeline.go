// Package pipeline orchestrates one inbound message end to end: buffer it,
// decide whether the merge window has elapsed, retrieve knowledge, assemble
// the prompt, complete, post-process, and hand the result to paced delivery.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/completion"
	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/postprocess"
	"github.com/parleyhq/parley/internal/prompt"
	"github.com/parleyhq/parley/internal/retrieval"
)

// ErrEmptyMessage rejects blank inbound messages before they reach the
// buffer.
var ErrEmptyMessage = errors.New("empty message")

// ErrNoPersonaBound rejects processing for conversations without a persona
// unit. Configuration problems are surfaced synchronously, before any
// retrieval work begins.
var ErrNoPersonaBound = errors.New("conversation has no persona bound")

// ErrNoBasePrompt means no base prompt exists for the configured language.
var ErrNoBasePrompt = errors.New("no base prompt for language")

// Status reports how a Handle call ended.
type Status string

const (
	// StatusDelivered means a completion ran and the first response unit
	// was persisted.
	StatusDelivered Status = "delivered"
	// StatusDeferred means the message was buffered; the merge window has
	// not elapsed yet.
	StatusDeferred Status = "deferred"
)

// Outcome is Handle's result.
type Outcome struct {
	Status     Status
	RetryAfter time.Duration
	MergeGroup uuid.UUID
	Units      []string
	Forced     bool
	Degraded   bool
}

// ConversationStore is the conversation persistence surface the pipeline
// reads from directly (the buffer owns the writes).
type ConversationStore interface {
	Get(ctx context.Context, id uuid.UUID) (*conversation.Conversation, error)
	History(ctx context.Context, conversationID uuid.UUID, limit int32) ([]*conversation.Turn, error)
}

// Retriever runs the three-branch knowledge search.
type Retriever interface {
	Search(ctx context.Context, personaID uuid.UUID, query string) (*retrieval.Bundle, error)
}

// Completer invokes the completion service.
type Completer interface {
	Complete(ctx context.Context, system string, history []*conversation.Turn, query string) (*completion.Result, error)
}

// Deliverer paces response units out.
type Deliverer interface {
	Dispatch(ctx context.Context, conversationID uuid.UUID, units []string, metadata map[string]any) (uuid.UUID, error)
}

// Pipeline wires the stages together.
type Pipeline struct {
	conversations ConversationStore
	buffer        *conversation.Buffer
	retriever     Retriever
	assembler     *prompt.Assembler
	library       *prompt.Library
	completer     Completer
	deliverer     Deliverer
	metrics       *observability.Metrics
	historyLimit  int32
	lang          string
	logger        *slog.Logger
	now           func() time.Time
}

// Options collects the pipeline's collaborators.
type Options struct {
	Conversations ConversationStore
	Buffer        *conversation.Buffer
	Retriever     Retriever
	Assembler     *prompt.Assembler
	Library       *prompt.Library
	Completer     Completer
	Deliverer     Deliverer
	Metrics       *observability.Metrics
	HistoryLimit  int32
	Lang          string
	Logger        *slog.Logger
}

// New creates a Pipeline. A nil logger falls back to slog.Default().
func New(opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		conversations: opts.Conversations,
		buffer:        opts.Buffer,
		retriever:     opts.Retriever,
		assembler:     opts.Assembler,
		library:       opts.Library,
		completer:     opts.Completer,
		deliverer:     opts.Deliverer,
		metrics:       opts.Metrics,
		historyLimit:  opts.HistoryLimit,
		lang:          opts.Lang,
		logger:        logger,
		now:           time.Now,
	}
}

// Handle processes one inbound user message. The message is always buffered
// first; whether a completion runs now depends on the conversation's merge
// window, observed before this message restarted it. force skips the window
// check.
//
// A deferred outcome is not an error: the turn is stored and a later
// message (or a forced call) will pick it up as part of the merged burst.
func (p *Pipeline) Handle(ctx context.Context, conversationID uuid.UUID, message string, force bool) (*Outcome, error) {
	start := p.now()

	if strings.TrimSpace(message) == "" {
		return nil, ErrEmptyMessage
	}

	// Conversation state must be read before the enqueue below bumps
	// last_activity_at, or the window would restart on every message and
	// never elapse.
	conv, err := p.conversations.Get(ctx, conversationID)
	if err != nil {
		p.countOutcome("error")
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if conv.PersonaID == uuid.Nil {
		p.countOutcome("error")
		return nil, fmt.Errorf("%w: %s", ErrNoPersonaBound, conv.ID)
	}
	if p.library.Base(p.lang) == "" {
		p.countOutcome("error")
		return nil, fmt.Errorf("%w: %s", ErrNoBasePrompt, p.lang)
	}

	if _, err := p.buffer.Enqueue(ctx, conversationID, message); err != nil {
		p.countOutcome("error")
		return nil, err
	}

	ready, wait := conversation.ShouldProcessNow(conv.LastActivityAt, conv.MergeWindow, force, p.now())
	if !ready {
		p.countOutcome("deferred")
		if p.metrics != nil {
			p.metrics.MessagesDeferred.Inc()
		}
		p.logger.Debug("message deferred",
			"conversation_id", conversationID, "retry_after", wait)
		return &Outcome{Status: StatusDeferred, RetryAfter: wait}, nil
	}

	outcome, err := p.process(ctx, conv)
	if err != nil {
		p.countOutcome("error")
		return nil, err
	}

	p.countOutcome("ok")
	if p.metrics != nil {
		p.metrics.PipelineDuration.Observe(p.now().Sub(start).Seconds())
	}
	return outcome, nil
}

// process runs the post-buffer stages over the drained burst. Turns stay
// unprocessed until delivery of the first unit succeeds, so any failure
// here leaves the burst intact for a retry.
func (p *Pipeline) process(ctx context.Context, conv *conversation.Conversation) (*Outcome, error) {
	turns, err := p.buffer.Drain(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	if len(turns) == 0 {
		return nil, errors.New("no buffered turns to process")
	}
	query := conversation.MergeQuery(turns)

	bundle := p.search(ctx, conv.PersonaID, query)
	system := p.assembler.Assemble(p.library.Base(p.lang), bundle)

	history, err := p.conversations.History(ctx, conv.ID, p.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	result, err := p.completer.Complete(ctx, system, history, query)
	if err != nil {
		return nil, err
	}

	text := postprocess.Restitute(result.Content, replacements(bundle))
	units := postprocess.Segment(text)

	forced := bundle.TopForced() != nil
	if forced && p.metrics != nil {
		p.metrics.ScriptsForced.Inc()
	}

	metadata := map[string]any{
		"model":        result.Model,
		"input_tokens": result.Usage.InputTokens,
		"output_total": result.Usage.OutputTokens,
		"merged_turns": len(turns),
		"similarities": bundle.Similarities(),
	}

	mergeGroup, err := p.deliverer.Dispatch(ctx, conv.ID, units, metadata)
	if err != nil {
		return nil, fmt.Errorf("dispatch response: %w", err)
	}
	if p.metrics != nil {
		p.metrics.UnitsDelivered.Add(float64(len(units)))
	}

	if err := p.buffer.MarkProcessed(ctx, turns); err != nil {
		// The response went out; reprocessing the burst next time is the
		// lesser failure. Log and keep going.
		p.logger.Error("mark turns processed",
			"conversation_id", conv.ID, "error", err)
	}

	return &Outcome{
		Status:     StatusDelivered,
		MergeGroup: mergeGroup,
		Units:      units,
		Forced:     forced,
		Degraded:   bundle.Degraded,
	}, nil
}

// search never fails the request: a broken retrieval degrades to an empty
// bundle and the completion proceeds on the base prompt alone.
func (p *Pipeline) search(ctx context.Context, personaID uuid.UUID, query string) *retrieval.Bundle {
	bundle, err := p.retriever.Search(ctx, personaID, query)
	if err != nil {
		p.logger.Warn("retrieval failed, continuing without knowledge", "error", err)
		bundle = &retrieval.Bundle{Degraded: true}
	}
	p.observeBundle(bundle)
	return bundle
}

func (p *Pipeline) observeBundle(bundle *retrieval.Bundle) {
	if p.metrics == nil {
		return
	}
	if bundle.Degraded {
		p.metrics.RetrievalDegraded.Inc()
	}
	if bundle.Persona != nil {
		p.metrics.RetrievalHits.WithLabelValues("persona").Inc()
	}
	if len(bundle.Abbreviations) > 0 {
		p.metrics.RetrievalHits.WithLabelValues("abbreviation").Add(float64(len(bundle.Abbreviations)))
	}
	if len(bundle.Scripts) > 0 {
		p.metrics.RetrievalHits.WithLabelValues("script").Add(float64(len(bundle.Scripts)))
	}
}

func (p *Pipeline) countOutcome(outcome string) {
	if p.metrics != nil {
		p.metrics.PipelineRequests.WithLabelValues(outcome).Inc()
	}
}

func replacements(bundle *retrieval.Bundle) []postprocess.Replacement {
	out := make([]postprocess.Replacement, 0, len(bundle.Abbreviations))
	for _, hit := range bundle.Abbreviations {
		out = append(out, postprocess.Replacement{Surface: hit.Surface, FullForm: hit.FullForm})
	}
	return out
}
