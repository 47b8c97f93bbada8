package proxy

// Static cross-provider model remap table, used by the Provider Chain
// Executor (failover.go) when falling back to a non-primary provider:
// the model the caller asked for on the primary provider is translated
// to the closest equivalent on the fallback provider. Unmapped models
// fall back to a provider-specific default rather than failing the
// remap outright.
var crossProviderModelMap = map[string]map[string]string{
	"gemini": {
		"claude-opus-4-5-20250514":   "gemini-2.5-pro-preview-06-05",
		"claude-sonnet-4-5-20250514": "gemini-2.5-flash-preview-05-20",
		"claude-haiku-4-5-20250514":  "gemini-2.0-flash",
	},
	"anthropic": {
		"gemini-2.5-pro-preview-06-05":   "claude-opus-4-5-20250514",
		"gemini-2.5-flash-preview-05-20": "claude-sonnet-4-5-20250514",
		"gemini-2.0-flash":               "claude-haiku-4-5-20250514",
	},
}

var defaultModelForProvider = map[string]string{
	"gemini":    "gemini-2.5-flash-preview-05-20",
	"anthropic": "claude-sonnet-4-5-20250514",
}

// remapModel translates model from its original provider context to an
// equivalent for targetProvider. Providers with no known remap table
// (e.g. openai, azure) pass the model through unchanged.
func remapModel(model, targetProvider string) string {
	table, ok := crossProviderModelMap[targetProvider]
	if !ok {
		return model
	}
	if mapped, ok := table[model]; ok {
		return mapped
	}
	if def, ok := defaultModelForProvider[targetProvider]; ok {
		return def
	}
	return model
}
