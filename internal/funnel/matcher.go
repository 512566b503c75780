package funnel

import (
	"math/bits"

	"funnelscope/pkg/models"
)

// stepMatcher resolves which steps an event satisfies as a bitmask.
type stepMatcher struct {
	steps  []Step
	byName map[string]uint64
}

func newStepMatcher(steps []Step) *stepMatcher {
	byName := make(map[string]uint64, len(steps)*2)
	for i, step := range steps {
		for _, name := range step.Events {
			byName[name] |= 1 << uint(i)
		}
	}
	return &stepMatcher{steps: steps, byName: byName}
}

// mask returns bit i set when the event matches step i.
func (m *stepMatcher) mask(ev *models.Event) uint64 {
	candidates := m.byName[ev.Name]
	var out uint64
	for candidates != 0 {
		i := bits.TrailingZeros64(candidates)
		candidates &= candidates - 1
		pred := m.steps[i].Predicate
		if pred == nil || pred.Match(ev.Properties) {
			out |= 1 << uint(i)
		}
	}
	return out
}

func (m *stepMatcher) masks(events []models.Event) []uint64 {
	out := make([]uint64, len(events))
	for i := range events {
		out[i] = m.mask(&events[i])
	}
	return out
}

func hasStep(mask uint64, step int) bool {
	return mask&(1<<uint(step)) != 0
}
