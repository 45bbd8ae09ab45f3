package prompt

// Library resolves the language-selected base persona-stage prompt. The
// prompt text itself is collaborator-managed content; the defaults here
// only keep a fresh install functional.
type Library struct {
	prompts  map[string]string
	fallback string
}

// defaultPrompts are the built-in base prompts per language tag.
var defaultPrompts = map[string]string{
	"en": "You are a helpful assistant speaking on behalf of the configured persona. " +
		"Stay in character, keep replies short and conversational, and answer only from what you know.",
	"zh": "你是以所配置人设身份对话的助手。保持角色一致，回复简短自然，只根据已知信息回答。",
}

// NewLibrary creates a Library. overrides (may be nil) replace or extend
// the built-in prompts per language; fallbackLang selects the prompt used
// for unknown languages.
func NewLibrary(overrides map[string]string, fallbackLang string) *Library {
	prompts := make(map[string]string, len(defaultPrompts)+len(overrides))
	for lang, text := range defaultPrompts {
		prompts[lang] = text
	}
	for lang, text := range overrides {
		prompts[lang] = text
	}
	if _, ok := prompts[fallbackLang]; !ok {
		fallbackLang = "en"
	}
	return &Library{prompts: prompts, fallback: fallbackLang}
}

// Base returns the base prompt for a language, falling back to the
// configured default language.
func (l *Library) Base(lang string) string {
	if text, ok := l.prompts[lang]; ok {
		return text
	}
	return l.prompts[l.fallback]
}
