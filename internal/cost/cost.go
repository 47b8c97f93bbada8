// Package cost estimates per-request spend from token usage and records it
// for analytics, the way the teacher's request logger records request
// metadata: a static rate table plus integer arithmetic, no floating point
// accumulation across requests.
package cost

import (
	"sync"
	"time"
)

// Rate holds per-million-token pricing in USD, expressed as integer
// micro-dollars (1e-6 USD) to keep accumulation exact. Micro-dollars avoid
// the float64 rounding drift that would otherwise compound across millions
// of logged requests.
type Rate struct {
	InputMicroUSDPerM  int64 // micro-dollars per 1,000,000 input tokens
	OutputMicroUSDPerM int64 // micro-dollars per 1,000,000 output tokens
}

// rates is the static per-model pricing table. Values are illustrative
// list prices for the models the tier classifier and provider adapters
// already know about; unknown models fall back to fallbackRate.
var rates = map[string]Rate{
	"claude-opus-4-5-20250514":   {InputMicroUSDPerM: 15_000_000, OutputMicroUSDPerM: 75_000_000},
	"claude-sonnet-4-5-20250514": {InputMicroUSDPerM: 3_000_000, OutputMicroUSDPerM: 15_000_000},
	"claude-haiku-4-5-20250514":  {InputMicroUSDPerM: 800_000, OutputMicroUSDPerM: 4_000_000},

	"gemini-2.5-pro-preview-06-05":   {InputMicroUSDPerM: 1_250_000, OutputMicroUSDPerM: 10_000_000},
	"gemini-2.5-flash-preview-05-20": {InputMicroUSDPerM: 150_000, OutputMicroUSDPerM: 600_000},
	"gemini-2.0-flash":               {InputMicroUSDPerM: 100_000, OutputMicroUSDPerM: 400_000},

	"gpt-4o":      {InputMicroUSDPerM: 2_500_000, OutputMicroUSDPerM: 10_000_000},
	"gpt-4o-mini": {InputMicroUSDPerM: 150_000, OutputMicroUSDPerM: 600_000},
}

// fallbackRate is used for models with no entry in rates, so an unrecognized
// model still produces a (conservative, flagged) cost estimate instead of
// silently recording zero spend.
var fallbackRate = Rate{InputMicroUSDPerM: 3_000_000, OutputMicroUSDPerM: 15_000_000}

// Record is one priced request, ready to be persisted or exported.
type Record struct {
	Model        string
	InputTokens  int
	OutputTokens int
	MicroUSD     int64 // total cost in micro-dollars
	UnknownModel bool  // true if the model fell back to fallbackRate
	RecordedAt   time.Time
}

// USD returns the record's cost as a float64 dollar amount, for display and
// JSON export only — never for further arithmetic.
func (r Record) USD() float64 {
	return float64(r.MicroUSD) / 1_000_000
}

// Estimate computes the micro-dollar cost of a request's token usage.
func Estimate(model string, inputTokens, outputTokens int) Record {
	rate, known := rates[model]
	if !known {
		rate = fallbackRate
	}

	inputCost := int64(inputTokens) * rate.InputMicroUSDPerM / 1_000_000
	outputCost := int64(outputTokens) * rate.OutputMicroUSDPerM / 1_000_000

	return Record{
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		MicroUSD:     inputCost + outputCost,
		UnknownModel: !known,
		RecordedAt:   time.Now(),
	}
}

// MetricsRecorder is the subset of the Prometheus metrics registry the
// Tracker needs, kept as an interface so tests can supply a fake.
type MetricsRecorder interface {
	RecordCost(provider, model string, usdCost float64, unknownModel bool)
}

// Sink persists a priced Record, e.g. to the ClickHouse usage recorder.
type Sink interface {
	RecordCost(rec Record, provider string)
}

// Tracker estimates and records the cost of every completed request. It is
// a thin wrapper around Estimate: the arithmetic has no state of its own,
// but the Tracker gives the gateway a single call site to both emit metrics
// and forward the record to a persistence sink.
type Tracker struct {
	mu      sync.Mutex
	metrics MetricsRecorder
	sink    Sink // may be nil — recording then only updates metrics
}

// New creates a Tracker. sink may be nil if there is no persistence layer
// configured (metrics are still recorded).
func New(metrics MetricsRecorder, sink Sink) *Tracker {
	return &Tracker{metrics: metrics, sink: sink}
}

// Track estimates the cost of a request and records it to metrics and, if
// configured, to the persistence sink. Safe for concurrent use.
func (t *Tracker) Track(provider, model string, inputTokens, outputTokens int) Record {
	rec := Estimate(model, inputTokens, outputTokens)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.RecordCost(provider, model, rec.USD(), rec.UnknownModel)
	}
	if t.sink != nil {
		t.sink.RecordCost(rec, provider)
	}
	return rec
}
