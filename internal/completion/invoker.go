// Package completion wraps the external completion service behind a narrow
// request/response contract: full message history in, generated text plus
// model identifier and token usage out. Failures are typed, never silent.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/parleyhq/parley/internal/conversation"
)

// ErrCompletionFailed indicates the completion service call failed
// (timeout, malformed response, quota). The pipeline treats it as fatal for
// the current request: no partial delivery happens.
var ErrCompletionFailed = errors.New("completion failed")

// Message is one role/content entry of a completion request.
type Message struct {
	Role    conversation.Role
	Content string
}

// Usage carries the completion service's token counters.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Result is a successful completion.
type Result struct {
	Content string
	Model   string
	Usage   Usage
}

// Generator is the model backend surface the Invoker needs. The production
// implementation is GenkitGenerator; tests use a mock.
type Generator interface {
	Generate(ctx context.Context, system string, messages []Message) (*Result, error)
}

// Invoker builds completion requests from conversation state and invokes
// the Generator.
type Invoker struct {
	gen          Generator
	historyLimit int
	logger       *slog.Logger
}

// NewInvoker creates an Invoker. historyLimit caps the number of prior
// turns included in the request. A nil logger falls back to slog.Default().
func NewInvoker(gen Generator, historyLimit int, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{gen: gen, historyLimit: historyLimit, logger: logger}
}

// Complete invokes the completion service with the system prompt, the
// conversation's prior processed turns (oldest-first, capped at the history
// limit), and the freshly merged query as the final user message.
func (inv *Invoker) Complete(ctx context.Context, system string, history []*conversation.Turn, query string) (*Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: empty query", ErrCompletionFailed)
	}

	if len(history) > inv.historyLimit {
		history = history[len(history)-inv.historyLimit:]
	}

	messages := make([]Message, 0, len(history)+1)
	for _, turn := range history {
		if turn.Role != conversation.RoleUser && turn.Role != conversation.RoleAssistant {
			continue
		}
		messages = append(messages, Message{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, Message{Role: conversation.RoleUser, Content: query})

	result, err := inv.gen.Generate(ctx, system, messages)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompletionFailed, err)
	}
	if result == nil || strings.TrimSpace(result.Content) == "" {
		return nil, fmt.Errorf("%w: empty response", ErrCompletionFailed)
	}

	inv.logger.Debug("completion succeeded",
		"model", result.Model,
		"history_messages", len(messages)-1,
		"output_tokens", result.Usage.OutputTokens)

	return result, nil
}
