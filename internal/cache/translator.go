package cache

import "context"

// PseudoTranslator is the built-in Translator: it tags each source string
// with the target language instead of calling an external service. The
// output is deterministic, which keeps warmup useful for cache plumbing and
// tests without network access or API keys.
type PseudoTranslator struct{}

func (PseudoTranslator) TranslateBatch(_ context.Context, texts map[string]string, lang string) (map[string]string, error) {
	out := make(map[string]string, len(texts))
	for key, src := range texts {
		out[key] = "[" + lang + "] " + src
	}
	return out, nil
}
