package completion

import (
	"context"
	"fmt"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/parleyhq/parley/internal/conversation"
)

// GenkitGenerator is the production Generator backed by a Genkit model.
type GenkitGenerator struct {
	g         *genkit.Genkit
	modelName string
}

// NewGenkitGenerator wires a Genkit instance and a fully-qualified model
// name (for example "googleai/gemini-2.5-flash") into a Generator.
func NewGenkitGenerator(g *genkit.Genkit, modelName string) *GenkitGenerator {
	return &GenkitGenerator{g: g, modelName: modelName}
}

// Generate calls the model and maps the response into a Result.
func (gg *GenkitGenerator) Generate(ctx context.Context, system string, messages []Message) (*Result, error) {
	aiMessages := make([]*ai.Message, 0, len(messages))
	for _, msg := range messages {
		role := ai.RoleUser
		if msg.Role == conversation.RoleAssistant {
			role = ai.RoleModel
		}
		aiMessages = append(aiMessages, &ai.Message{
			Role:    role,
			Content: []*ai.Part{ai.NewTextPart(msg.Content)},
		})
	}

	resp, err := genkit.Generate(ctx, gg.g,
		ai.WithModelName(gg.modelName),
		ai.WithSystem(system),
		ai.WithMessages(aiMessages...),
	)
	if err != nil {
		return nil, fmt.Errorf("generate with %s: %w", gg.modelName, err)
	}

	result := &Result{
		Content: resp.Text(),
		Model:   gg.modelName,
	}
	if resp.Usage != nil {
		result.Usage = Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}
	}
	return result, nil
}
