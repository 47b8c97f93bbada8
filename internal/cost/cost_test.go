package cost

import "testing"

func TestEstimate_KnownModel(t *testing.T) {
	rec := Estimate("claude-haiku-4-5-20250514", 1_000_000, 1_000_000)
	if rec.UnknownModel {
		t.Fatal("expected known model")
	}
	want := rates["claude-haiku-4-5-20250514"].InputMicroUSDPerM + rates["claude-haiku-4-5-20250514"].OutputMicroUSDPerM
	if rec.MicroUSD != want {
		t.Errorf("MicroUSD = %d, want %d", rec.MicroUSD, want)
	}
}

func TestEstimate_UnknownModelUsesFallback(t *testing.T) {
	rec := Estimate("some-new-model-nobody-has-priced-yet", 1_000_000, 1_000_000)
	if !rec.UnknownModel {
		t.Fatal("expected unknown model flag")
	}
	want := fallbackRate.InputMicroUSDPerM + fallbackRate.OutputMicroUSDPerM
	if rec.MicroUSD != want {
		t.Errorf("MicroUSD = %d, want %d", rec.MicroUSD, want)
	}
}

func TestEstimate_ZeroTokensIsZeroCost(t *testing.T) {
	rec := Estimate("gpt-4o", 0, 0)
	if rec.MicroUSD != 0 {
		t.Errorf("expected zero cost, got %d", rec.MicroUSD)
	}
}

func TestEstimate_SmallTokenCountsDontUnderflowToZero(t *testing.T) {
	// 1000 input tokens at gpt-4o-mini rates should still register nonzero
	// micro-dollars even though it's a tiny fraction of the per-million rate.
	rec := Estimate("gpt-4o-mini", 1000, 0)
	if rec.MicroUSD == 0 {
		t.Error("expected nonzero cost for 1000 tokens")
	}
}

func TestRecord_USDConversion(t *testing.T) {
	rec := Record{MicroUSD: 2_500_000}
	if got := rec.USD(); got != 2.5 {
		t.Errorf("USD() = %v, want 2.5", got)
	}
}

type fakeMetrics struct {
	calls []struct {
		provider, model string
		usd             float64
		unknown         bool
	}
}

func (f *fakeMetrics) RecordCost(provider, model string, usdCost float64, unknownModel bool) {
	f.calls = append(f.calls, struct {
		provider, model string
		usd             float64
		unknown         bool
	}{provider, model, usdCost, unknownModel})
}

type fakeSink struct {
	recorded []Record
}

func (f *fakeSink) RecordCost(rec Record, provider string) {
	f.recorded = append(f.recorded, rec)
}

func TestTracker_TrackRecordsMetricsAndSink(t *testing.T) {
	m := &fakeMetrics{}
	s := &fakeSink{}
	tr := New(m, s)

	rec := tr.Track("anthropic", "claude-haiku-4-5-20250514", 100, 200)

	if len(m.calls) != 1 {
		t.Fatalf("expected 1 metrics call, got %d", len(m.calls))
	}
	if m.calls[0].provider != "anthropic" || m.calls[0].model != "claude-haiku-4-5-20250514" {
		t.Errorf("unexpected metrics call: %+v", m.calls[0])
	}
	if len(s.recorded) != 1 {
		t.Fatalf("expected 1 sink record, got %d", len(s.recorded))
	}
	if s.recorded[0].MicroUSD != rec.MicroUSD {
		t.Errorf("sink record cost mismatch: %d != %d", s.recorded[0].MicroUSD, rec.MicroUSD)
	}
}

func TestTracker_NilSinkIsSafe(t *testing.T) {
	tr := New(&fakeMetrics{}, nil)
	tr.Track("gemini", "gemini-2.0-flash", 10, 10)
}
