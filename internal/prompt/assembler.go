// Package prompt assembles the system prompt for one completion call from
// the base persona-stage prompt and the retrieval bundle.
//
// The central policy is tiered injection: a script hit at or above the
// force threshold OVERRIDES generation (the model is told to reply with the
// scripted answer verbatim), while hits below it only BIAS generation
// (reference snippets with soft guidance). Precision-first above the line,
// recall-first below it.
package prompt

import (
	"fmt"
	"strings"

	"github.com/parleyhq/parley/internal/retrieval"
)

// Assembler fuses retrieval outputs into one system prompt.
type Assembler struct {
	// snippetCap bounds the soft reference block.
	snippetCap int
}

// NewAssembler creates an Assembler with the configured snippet cap.
func NewAssembler(snippetCap int) *Assembler {
	if snippetCap <= 0 {
		snippetCap = 3
	}
	return &Assembler{snippetCap: snippetCap}
}

// Assemble produces the system prompt by concatenating, in fixed order: the
// base prompt, a persona context block, an abbreviation glossary block, and
// a knowledge block whose shape depends on the script search outcome.
// Blocks for empty retrieval tiers are omitted entirely.
func (a *Assembler) Assemble(base string, bundle *retrieval.Bundle) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(base))

	if bundle == nil {
		return b.String()
	}

	if bundle.Persona != nil {
		b.WriteString("\n\n## Persona context\n")
		b.WriteString(bundle.Persona.Content)
	}

	if len(bundle.Abbreviations) > 0 {
		b.WriteString("\n\n## Glossary\n")
		b.WriteString("Prefer these in-house abbreviations where they apply:\n")
		for _, res := range bundle.Abbreviations {
			b.WriteString(fmt.Sprintf("- %s: %s\n", res.Surface, res.FullForm))
		}
	}

	if forced := bundle.TopForced(); forced != nil {
		a.writeForcedBlock(&b, forced)
	} else if len(bundle.Scripts) > 0 {
		a.writeReferenceBlock(&b, bundle.Scripts)
	}

	return b.String()
}

// writeForcedBlock emits the verbatim-override instruction for the single
// highest-scoring forced script.
func (a *Assembler) writeForcedBlock(b *strings.Builder, forced *retrieval.Result) {
	b.WriteString("\n\n## Scripted answer\n")
	b.WriteString("Reply with exactly the following scripted answer, word for word:\n")
	b.WriteString(fmt.Sprintf("%q\n", forced.Answer))
	b.WriteString("Do not add explanations, caveats, or any other content.")
}

// writeReferenceBlock emits up to snippetCap script hits as soft guidance.
// Persona and abbreviation hits are excluded here; they already have their
// own blocks.
func (a *Assembler) writeReferenceBlock(b *strings.Builder, scripts []retrieval.Result) {
	b.WriteString("\n\n## Reference material\n")
	n := len(scripts)
	if n > a.snippetCap {
		n = a.snippetCap
	}
	for i := 0; i < n; i++ {
		b.WriteString(fmt.Sprintf("%d. Similar question: %s\n", i+1, scripts[i].Question))
		b.WriteString(fmt.Sprintf("   Suggested answer: %s\n", scripts[i].Answer))
	}
	b.WriteString("Use the reference material as guidance for style and content only; answer in your own words.")
}
