package store

import "sort"

// runBefore orders runs by CreatedAt, then ID.
func runBefore(a, b *Run) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// sortNewestFirst sorts runs in place, latest run first.
func sortNewestFirst(runs []*Run) {
	sort.SliceStable(runs, func(i, j int) bool {
		return runBefore(runs[j], runs[i])
	})
}

// latestWithStatus picks the latest run whose status is in statuses.
func latestWithStatus(runs []*Run, statuses []Status) *Run {
	var latest *Run
	for _, r := range runs {
		if !hasStatus(r.Status, statuses) {
			continue
		}
		if latest == nil || runBefore(latest, r) {
			latest = r
		}
	}
	return latest
}

// openStartsOf returns started runs with no success or failed run created
// strictly after them, oldest first.
func openStartsOf(runs []*Run) []*Run {
	var lastTerminal *Run
	for _, r := range runs {
		if r.Status.Terminal() && (lastTerminal == nil || r.CreatedAt.After(lastTerminal.CreatedAt)) {
			lastTerminal = r
		}
	}

	var open []*Run
	for _, r := range runs {
		if r.Status != StatusStarted {
			continue
		}
		if lastTerminal != nil && lastTerminal.CreatedAt.After(r.CreatedAt) {
			continue
		}
		open = append(open, r)
	}
	sort.SliceStable(open, func(i, j int) bool {
		return runBefore(open[i], open[j])
	})
	return open
}

func hasStatus(s Status, statuses []Status) bool {
	for _, want := range statuses {
		if s == want {
			return true
		}
	}
	return false
}
