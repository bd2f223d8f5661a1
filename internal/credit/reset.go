package credit

import "time"

// ResetTarget selects what a reset restores the balance to.
type ResetTarget string

const (
	// ResetToQuantum writes the package's daily quantum.
	ResetToQuantum ResetTarget = "quantum"
	// ResetToTotal restores the key's total allocation.
	ResetToTotal ResetTarget = "total"
)

// ResetBalance computes the post-reset balance and total. The returned total is never below
// the returned balance.
func ResetBalance(target ResetTarget, quantum int64, total *int64) (int64, *int64) {
	remaining := quantum
	if target == ResetToTotal && total != nil && *total > 0 {
		remaining = *total
	}
	if remaining < 0 {
		remaining = 0
	}
	if total != nil && *total >= remaining {
		kept := *total
		return remaining, &kept
	}
	raised := remaining
	return remaining, &raised
}

// DayStart returns midnight of now's calendar day in loc.
func DayStart(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// ResetDue reports whether a key last reset at lastReset is due for today's reset.
func ResetDue(lastReset *time.Time, dayStart time.Time) bool {
	return lastReset == nil || lastReset.Before(dayStart)
}
