package healthcheck

import "context"

type multi []Checker

// Combine runs checkers in order and concatenates their results. Nil
// checkers are skipped.
func Combine(checkers ...Checker) Checker {
	out := make(multi, 0, len(checkers))
	for _, c := range checkers {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

func (m multi) ListChecks(ctx context.Context, instance string) []CheckResult {
	items := make([]CheckResult, 0, len(m))
	for _, c := range m {
		items = append(items, c.ListChecks(ctx, instance)...)
	}
	return items
}

// Overall folds results into the worst status. No results is unknown.
func Overall(items []CheckResult) string {
	if len(items) == 0 {
		return StatusUnknown
	}
	worst := StatusOK
	for _, item := range items {
		if rank(item.Status) > rank(worst) {
			worst = item.Status
		}
	}
	return worst
}

func rank(status string) int {
	switch status {
	case StatusOK:
		return 0
	case StatusWarn:
		return 1
	case StatusUnknown:
		return 2
	default:
		return 3
	}
}
