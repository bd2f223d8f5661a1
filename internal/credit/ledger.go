package credit

import "time"

// TokensPerCredit is the charging quantum. Any non-empty request costs at least one credit.
const TokensPerCredit int64 = 2000

// CreditsForTokens converts a token count into credits: ceil(max(t, quantum) / quantum),
// and 0 for non-positive counts.
func CreditsForTokens(totalTokens int64) int64 {
	if totalTokens <= 0 {
		return 0
	}
	effective := totalTokens
	if effective < TokensPerCredit {
		effective = TokensPerCredit
	}
	return (effective + TokensPerCredit - 1) / TokensPerCredit
}

// ApplyCharge deducts charge from remaining, clamping the result at zero.
func ApplyCharge(remaining, charge int64) int64 {
	if charge <= 0 {
		return remaining
	}
	if remaining <= charge {
		return 0
	}
	return remaining - charge
}

// Outcome is the result of evaluating a key against its class rules.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomePlanExpired
	OutcomeCreditsExhausted
	OutcomeInvalidKey
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomePlanExpired:
		return "plan_expired"
	case OutcomeCreditsExhausted:
		return "credits_exhausted"
	default:
		return "invalid_key"
	}
}

// KeyState is the part of a key the class rules look at.
type KeyState struct {
	ExpireDate       *time.Time
	RemainingCredits *int64
}

// Evaluate applies the class rules to an active key. linked is false when the key has no
// package, in which case the default rule (expiry, then balance) applies.
func Evaluate(state KeyState, class Class, linked bool, now time.Time) Outcome {
	if !linked {
		if expired(state.ExpireDate, now) {
			return OutcomePlanExpired
		}
		if state.RemainingCredits != nil && *state.RemainingCredits <= 0 {
			return OutcomeCreditsExhausted
		}
		return OutcomeOK
	}

	switch class {
	case ClassStandard, ClassMaxSeries:
		if expired(state.ExpireDate, now) {
			return OutcomePlanExpired
		}
		if state.RemainingCredits != nil && *state.RemainingCredits <= 0 {
			return OutcomeCreditsExhausted
		}
		return OutcomeOK
	case ClassExperience, ClassTemporary:
		// expiry is never enforced for these classes; an unset balance counts as empty
		if state.RemainingCredits == nil || *state.RemainingCredits <= 0 {
			return OutcomeCreditsExhausted
		}
		return OutcomeOK
	default:
		return OutcomeInvalidKey
	}
}

func expired(expireDate *time.Time, now time.Time) bool {
	return expireDate != nil && expireDate.Before(now)
}
