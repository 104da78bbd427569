package model

import (
	"time"

	"pragati/pkg/errs"
)

// Centre/state funding split applied when a project is created without
// explicit shares (centre 60%, state 40%).
const (
	centreSharePercent = 60
	stateSharePercent  = 40
)

// SplitBudget derives the centre and state shares from a total budget.
// The centre share takes any rounding remainder so the two always sum to
// total.
func SplitBudget(total int64) (centre, state int64) {
	state = total * stateSharePercent / 100
	centre = total - state
	return centre, state
}

// ValidateBudgetShares checks that explicit shares sum to the total budget.
func ValidateBudgetShares(total, centre, state int64) error {
	if total <= 0 {
		return errs.Validation("total budget must be positive, got %d", total)
	}
	if centre < 0 || state < 0 {
		return errs.Validation("budget shares must be non-negative")
	}
	if centre+state != total {
		return errs.Validation("centre share %d + state share %d does not equal total budget %d", centre, state, total)
	}
	return nil
}

// DurationMonths derives the project duration from its date range, rounding
// to whole months with a minimum of one.
func DurationMonths(start, end time.Time) int {
	if !end.After(start) {
		return 1
	}
	days := int(end.Sub(start).Hours() / 24)
	months := (days + 15) / 30
	if months < 1 {
		months = 1
	}
	return months
}

// ValidateMilestoneAllocations checks that milestone budget allocations do
// not exceed the project budget and that numbering is sequential from 1.
func ValidateMilestoneAllocations(totalBudget int64, milestones []Milestone) error {
	var sum int64
	for i, m := range milestones {
		if m.Number != i+1 {
			return errs.Validation("milestone %q has number %d, want %d", m.Name, m.Number, i+1)
		}
		if m.BudgetAllocation < 0 {
			return errs.Validation("milestone %q has negative budget allocation", m.Name)
		}
		sum += m.BudgetAllocation
	}
	if sum > totalBudget {
		return errs.Validation("milestone allocations %d exceed total budget %d", sum, totalBudget)
	}
	return nil
}

// ValidatePercent checks a progress percentage is within [0,100].
func ValidatePercent(percent int) error {
	if percent < 0 || percent > 100 {
		return errs.Validation("progress percent %d out of range [0,100]", percent)
	}
	return nil
}
