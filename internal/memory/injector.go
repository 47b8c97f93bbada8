package memory

import (
	"context"
	"hash/fnv"
	"time"
)

// Settings is the process-wide (but not global-mutable; held by the
// composition root and passed by reference) memory injection
// configuration. It mirrors the admin-editable MemorySettings entity.
type Settings struct {
	Enabled       bool
	BudgetEnabled bool
	TotalBudget   int
	TierFractions TierFractions
}

// DefaultSettings matches the reference defaults.
func DefaultSettings() Settings {
	return Settings{
		Enabled:       true,
		BudgetEnabled: true,
		TotalBudget:   3500,
		TierFractions: DefaultTierFractions,
	}
}

// Store is the narrow query contract the vector-graph memory service
// exposes. Its internals are out of scope; the injector only needs
// these three lazy fetches, each returning priority-ordered content.
type Store interface {
	Mandates(ctx context.Context, req Request) ([]Item, error)
	Guardrails(ctx context.Context, req Request) ([]Item, error)
	Reference(ctx context.Context, req Request) ([]Item, error)
}

// Request carries the fingerprint the memory service uses to retrieve
// relevant content: the last user message plus session/project tags.
type Request struct {
	LastUserMessage string
	SessionID       string
	ProjectID       string
	ExternalID      string
}

// Metric is the observable side effect of an injection: per-tier
// counts, total tokens, latency, and the assigned experiment variant.
type Metric struct {
	MandatesCount   int
	GuardrailsCount int
	ReferenceCount  int
	TotalTokens     int
	Latency         time.Duration
	Variant         int
}

// Result is the text to splice into the prompt as additional
// system-role material, plus the observable metric.
type Result struct {
	SystemMaterial string
	Metric         Metric
}

// Injector fetches and budget-fills memory content for a request.
type Injector struct {
	store    Store
	settings func() Settings
	variants int
}

// New creates an Injector. settingsFn is called per request so live
// settings updates (via the admin surface) take effect immediately.
func New(store Store, settingsFn func() Settings, variants int) *Injector {
	if variants <= 0 {
		variants = 1
	}
	return &Injector{store: store, settings: settingsFn, variants: variants}
}

// Inject fetches mandate/guardrail/reference content and returns the
// system-role material to prepend, bounded by the configured token
// budget. Errors from the underlying store are never surfaced as a
// failed request: the caller should log them and proceed with
// whatever (possibly empty) Result is returned.
func (inj *Injector) Inject(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	settings := inj.settings()
	variant := AssignVariant(req.ExternalID, req.ProjectID, inj.variants)

	if !settings.Enabled {
		return Result{Metric: Metric{Latency: time.Since(start), Variant: variant}}, nil
	}

	mandates, err := inj.store.Mandates(ctx, req)
	if err != nil {
		return Result{Metric: Metric{Latency: time.Since(start), Variant: variant}}, err
	}
	guardrails, err := inj.store.Guardrails(ctx, req)
	if err != nil {
		return Result{Metric: Metric{Latency: time.Since(start), Variant: variant}}, err
	}
	reference, err := inj.store.Reference(ctx, req)
	if err != nil {
		return Result{Metric: Metric{Latency: time.Since(start), Variant: variant}}, err
	}

	var selMandates, selGuardrails, selReference []string
	var tokensUsed int

	if !settings.BudgetEnabled {
		selMandates = contents(mandates)
		selGuardrails = contents(guardrails)
		selReference = contents(reference)
		tokensUsed = sumTokens(mandates) + sumTokens(guardrails) + sumTokens(reference)
	} else {
		alloc := Allocate(settings.TierFractions, settings.TotalBudget)

		rm := SelectWithinBudget(mandates, alloc.Mandates)
		rg := SelectWithinBudget(guardrails, alloc.Guardrails)
		rr := SelectWithinBudget(reference, alloc.Reference)

		selMandates, selGuardrails, selReference = rm.Selected, rg.Selected, rr.Selected
		tokensUsed = rm.TokensUsed + rg.TokensUsed + rr.TokensUsed
	}

	material := render(selMandates, selGuardrails, selReference)

	return Result{
		SystemMaterial: material,
		Metric: Metric{
			MandatesCount:   len(selMandates),
			GuardrailsCount: len(selGuardrails),
			ReferenceCount:  len(selReference),
			TotalTokens:     tokensUsed,
			Latency:         time.Since(start),
			Variant:         variant,
		},
	}, nil
}

func contents(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Content
	}
	return out
}

func sumTokens(items []Item) int {
	var total int
	for _, it := range items {
		total += it.Tokens
	}
	return total
}

func render(mandates, guardrails, reference []string) string {
	var out string
	for _, m := range mandates {
		out += m + "\n"
	}
	for _, g := range guardrails {
		out += g + "\n"
	}
	for _, r := range reference {
		out += r + "\n"
	}
	return out
}

// AssignVariant deterministically assigns an A/B experiment arm from
// (externalID, projectID). Identical inputs always yield the same
// variant, and the assignment requires no shared mutable state.
func AssignVariant(externalID, projectID string, numVariants int) int {
	if numVariants <= 0 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(externalID))
	h.Write([]byte("|"))
	h.Write([]byte(projectID))
	return int(h.Sum32() % uint32(numVariants))
}
