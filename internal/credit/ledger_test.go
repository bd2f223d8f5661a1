package credit

import (
	"testing"
	"time"
)

func int64Ptr(v int64) *int64 { return &v }

func TestCreditsForTokens(t *testing.T) {
	cases := []struct {
		tokens int64
		want   int64
	}{
		{-5, 0},
		{0, 0},
		{1, 1},
		{1999, 1},
		{2000, 1},
		{2001, 2},
		{3000, 2},
		{4000, 2},
		{4001, 3},
		{150000, 75},
	}
	for _, tc := range cases {
		if got := CreditsForTokens(tc.tokens); got != tc.want {
			t.Fatalf("CreditsForTokens(%d) = %d, want %d", tc.tokens, got, tc.want)
		}
	}
}

func TestCreditsForTokensMonotonic(t *testing.T) {
	prev := CreditsForTokens(0)
	for tokens := int64(1); tokens <= 20000; tokens += 7 {
		got := CreditsForTokens(tokens)
		if got < prev {
			t.Fatalf("charge decreased at %d tokens: %d < %d", tokens, got, prev)
		}
		if got < 1 {
			t.Fatalf("positive usage must cost at least one credit, got %d at %d", got, tokens)
		}
		prev = got
	}
}

func TestApplyChargeClampsAtZero(t *testing.T) {
	cases := []struct {
		remaining, charge, want int64
	}{
		{10, 2, 8},
		{10, 10, 0},
		{1, 2, 0},
		{0, 1, 0},
		{5, 0, 5},
	}
	for _, tc := range cases {
		if got := ApplyCharge(tc.remaining, tc.charge); got != tc.want {
			t.Fatalf("ApplyCharge(%d, %d) = %d, want %d", tc.remaining, tc.charge, got, tc.want)
		}
	}
}

func TestEvaluateDefaultRule(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	cases := []struct {
		name  string
		state KeyState
		want  Outcome
	}{
		{"unmetered", KeyState{}, OutcomeOK},
		{"expired", KeyState{ExpireDate: &past, RemainingCredits: int64Ptr(10)}, OutcomePlanExpired},
		{"expiry wins over balance", KeyState{ExpireDate: &past, RemainingCredits: int64Ptr(0)}, OutcomePlanExpired},
		{"empty balance", KeyState{ExpireDate: &future, RemainingCredits: int64Ptr(0)}, OutcomeCreditsExhausted},
		{"healthy", KeyState{ExpireDate: &future, RemainingCredits: int64Ptr(1)}, OutcomeOK},
	}
	for _, tc := range cases {
		if got := Evaluate(tc.state, ClassUnknown, false, now); got != tc.want {
			t.Fatalf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestEvaluateByClass(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.AddDate(0, 0, -3)

	cases := []struct {
		name  string
		class Class
		state KeyState
		want  Outcome
	}{
		{"standard healthy", ClassStandard, KeyState{RemainingCredits: int64Ptr(500)}, OutcomeOK},
		{"standard expired", ClassStandard, KeyState{ExpireDate: &past, RemainingCredits: int64Ptr(500)}, OutcomePlanExpired},
		{"max series exhausted", ClassMaxSeries, KeyState{RemainingCredits: int64Ptr(0)}, OutcomeCreditsExhausted},
		{"experience ignores expiry", ClassExperience, KeyState{ExpireDate: &past, RemainingCredits: int64Ptr(50)}, OutcomeOK},
		{"experience nil balance", ClassExperience, KeyState{}, OutcomeCreditsExhausted},
		{"temporary exhausted", ClassTemporary, KeyState{RemainingCredits: int64Ptr(0)}, OutcomeCreditsExhausted},
		{"fuel pack never validates", ClassFuelPack, KeyState{RemainingCredits: int64Ptr(1000)}, OutcomeInvalidKey},
		{"unknown fails closed", ClassUnknown, KeyState{RemainingCredits: int64Ptr(1000)}, OutcomeInvalidKey},
	}
	for _, tc := range cases {
		if got := Evaluate(tc.state, tc.class, true, now); got != tc.want {
			t.Fatalf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestClassifyPackageType(t *testing.T) {
	cases := map[string]Class{
		"01":   ClassStandard,
		"02":   ClassMaxSeries,
		"20":   ClassExperience,
		" 21 ": ClassTemporary,
		"91":   ClassFuelPack,
		"99":   ClassUnknown,
		"":     ClassUnknown,
	}
	for code, want := range cases {
		if got := ClassifyPackageType(code); got != want {
			t.Fatalf("ClassifyPackageType(%q) = %s, want %s", code, got, want)
		}
	}
	if ClassExperience.HasExpiry() || !ClassStandard.HasExpiry() {
		t.Fatalf("unexpected expiry flags")
	}
	if ClassFuelPack.Validatable() || ClassUnknown.Validatable() {
		t.Fatalf("fuel pack and unknown classes must not validate")
	}
}

func TestResetBalance(t *testing.T) {
	remaining, total := ResetBalance(ResetToQuantum, 10000, int64Ptr(30000))
	if remaining != 10000 || total == nil || *total != 30000 {
		t.Fatalf("quantum reset: got %d/%v", remaining, total)
	}

	remaining, total = ResetBalance(ResetToQuantum, 10000, int64Ptr(5000))
	if remaining != 10000 || *total != 10000 {
		t.Fatalf("quantum reset must raise total: got %d/%d", remaining, *total)
	}

	remaining, total = ResetBalance(ResetToQuantum, 10000, nil)
	if remaining != 10000 || total == nil || *total != 10000 {
		t.Fatalf("quantum reset with unset total: got %d/%v", remaining, total)
	}

	remaining, total = ResetBalance(ResetToTotal, 10000, int64Ptr(30000))
	if remaining != 30000 || *total != 30000 {
		t.Fatalf("total reset: got %d/%d", remaining, *total)
	}

	remaining, _ = ResetBalance(ResetToTotal, 10000, nil)
	if remaining != 10000 {
		t.Fatalf("total reset without total falls back to quantum, got %d", remaining)
	}
}

func TestDayStartAndResetDue(t *testing.T) {
	shanghai, errLoc := time.LoadLocation("Asia/Shanghai")
	if errLoc != nil {
		t.Skipf("tzdata unavailable: %v", errLoc)
	}
	// 2026-03-01 17:30 UTC is 2026-03-02 01:30 in Shanghai.
	now := time.Date(2026, 3, 1, 17, 30, 0, 0, time.UTC)
	start := DayStart(now, shanghai)
	want := time.Date(2026, 3, 2, 0, 0, 0, 0, shanghai)
	if !start.Equal(want) {
		t.Fatalf("DayStart = %s, want %s", start, want)
	}

	before := want.Add(-time.Minute)
	after := want.Add(time.Minute)
	if !ResetDue(nil, start) || !ResetDue(&before, start) {
		t.Fatalf("expected reset to be due")
	}
	if ResetDue(&after, start) || ResetDue(&want, start) {
		t.Fatalf("expected reset not to be due")
	}
}
