// Package tier classifies a free-text prompt into a complexity tier and
// selects a concrete model identifier for the chosen provider when the
// caller didn't name one explicitly.
package tier

import "regexp"

// Tier is a discrete complexity label. Higher tiers use more capable,
// more expensive models.
type Tier int

const (
	Tier1 Tier = iota + 1 // simple queries, lookups, formatting
	Tier2                 // standard coding, explanations
	Tier3                 // complex reasoning, multi-step tasks
	Tier4                 // architecture, deep analysis
)

func (t Tier) String() string {
	switch t {
	case Tier1:
		return "tier_1"
	case Tier2:
		return "tier_2"
	case Tier3:
		return "tier_3"
	case Tier4:
		return "tier_4"
	default:
		return "unknown"
	}
}

// ModelMapping names the model to use for a tier, per provider.
type ModelMapping struct {
	Anthropic string
	Gemini    string
}

// Models is the static per-tier model table. Values mirror the model
// identifiers the gateway's provider adapters already accept.
var Models = map[Tier]ModelMapping{
	Tier1: {Anthropic: "claude-haiku-4-5-20250514", Gemini: "gemini-2.0-flash"},
	Tier2: {Anthropic: "claude-sonnet-4-5-20250514", Gemini: "gemini-2.5-flash-preview-05-20"},
	Tier3: {Anthropic: "claude-sonnet-4-5-20250514", Gemini: "gemini-2.5-pro-preview-06-05"},
	Tier4: {Anthropic: "claude-opus-4-5-20250514", Gemini: "gemini-2.5-pro-preview-06-05"},
}

// patterns, in decreasing tier order. The classifier walks this slice
// top to bottom so the first (highest) match wins.
var patterns = []struct {
	tier Tier
	res  []*regexp.Regexp
}{
	{Tier4, compileAll(
		`\barchitect\w*\b`,
		`\bdesign\s+pattern\b`,
		`\bsystem\s+design\b`,
		`\bscalability\b`,
		`\broot\s+cause\b`,
		`\bdeep\s+analysis\b`,
		`\bmulti-step\b`,
		`\bcomplex\s+(algorithm|reasoning)\b`,
	)},
	{Tier3, compileAll(
		`\brefactor\w*\b`,
		`\boptimiz\w*\b`,
		`\bintegrat\w*\b`,
		`\bdebug\w*\b`,
		`\bfix\s+bug\b`,
		`\bexplain\s+(why|how)\b`,
		`\bimplement\w*\b`,
	)},
	{Tier2, compileAll(
		`\bwrite\s+(an?\s+)?(code|function|test)\b`,
		`\bcreate\s+\w+\b`,
		`\bgenerate\b`,
		`\bconvert\b`,
		`\bupdate\b`,
		`\badd\s+\w+\b`,
	)},
}

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(`(?i)` + e)
	}
	return out
}

// Classify maps prompt text (optionally with extra context) to a tier.
// Only the last user message should be passed as prompt when called
// from the request path, per the classifier's contract.
func Classify(prompt, context string) Tier {
	text := prompt + " " + context

	for _, group := range patterns {
		for _, re := range group.res {
			if re.MatchString(text) {
				return group.tier
			}
		}
	}

	switch {
	case len(text) > 2000:
		return Tier3
	case len(text) > 500:
		return Tier2
	default:
		return Tier1
	}
}

// ModelFor returns the model identifier for a tier and provider. Unknown
// providers fall back to the Anthropic column.
func ModelFor(t Tier, provider string) string {
	m, ok := Models[t]
	if !ok {
		m = Models[Tier2]
	}
	if provider == "gemini" {
		return m.Gemini
	}
	return m.Anthropic
}

// ClassifyAndSelect classifies prompt/context and selects a model for
// provider, unless explicitModel is set, in which case the tier is
// still reported but the explicit model is returned untouched.
func ClassifyAndSelect(prompt, context, provider, explicitModel string) (Tier, string) {
	t := Classify(prompt, context)
	if explicitModel != "" {
		return t, explicitModel
	}
	return t, ModelFor(t, provider)
}
