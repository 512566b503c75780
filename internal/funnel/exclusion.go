package funnel

import "funnelscope/pkg/models"

// isExcluded reports whether a disqualifying event falls strictly between the
// winning attempt's from and to steps. Exclusions whose steps lack a
// timestamp are skipped. Unordered attempts ignore events before their anchor.
func isExcluded(a Attempt, events []models.Event, exclusions []Exclusion, unordered bool) bool {
	for _, ex := range exclusions {
		lo, ok := a.StepMs(ex.FromStep)
		if !ok {
			continue
		}
		hi, ok := a.StepMs(ex.ToStep)
		if !ok || hi <= lo {
			continue
		}
		for i := range events {
			if events[i].Name != ex.Event {
				continue
			}
			t := events[i].Millis()
			if t >= hi {
				break
			}
			if t <= lo {
				continue
			}
			if unordered && t < a.FirstMs {
				continue
			}
			return true
		}
	}
	return false
}
