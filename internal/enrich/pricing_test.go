package enrich

import "testing"

func TestLookupPricing_PrefixSpecificity(t *testing.T) {
	// Dated model ids must hit their own generation, not a shorter prefix.
	opus46, ok := LookupPricing("claude-opus-4-6-20260115")
	if !ok {
		t.Fatal("claude-opus-4-6 not found")
	}
	opus4, ok := LookupPricing("claude-opus-4-20250514")
	if !ok {
		t.Fatal("claude-opus-4 not found")
	}
	if opus46.InputPerMTok == opus4.InputPerMTok {
		t.Errorf("opus 4.6 and opus 4 share rates: %v vs %v", opus46, opus4)
	}
	if opus46.InputPerMTok != 5 || opus4.InputPerMTok != 15 {
		t.Errorf("rates = %v / %v", opus46.InputPerMTok, opus4.InputPerMTok)
	}
}

func TestLookupPricing_Unknown(t *testing.T) {
	if _, ok := LookupPricing("gpt-4o"); ok {
		t.Error("unknown model reported as priced")
	}
	if _, ok := LookupPricing(""); ok {
		t.Error("empty model reported as priced")
	}
}

func TestComputeCost(t *testing.T) {
	// 1M of each bucket at sonnet rates sums the four per-MTok prices.
	got := ComputeCost(1_000_000, 1_000_000, 1_000_000, 1_000_000, "claude-sonnet-4-20250514")
	want := 3.0 + 15.0 + 3.75 + 0.30
	if got != want {
		t.Errorf("cost = %v, want %v", got, want)
	}
}

func TestComputeCost_UnknownModelIsZero(t *testing.T) {
	if got := ComputeCost(1_000_000, 1_000_000, 0, 0, "<synthetic>"); got != 0 {
		t.Errorf("cost = %v, want 0", got)
	}
}
