package funnel

import "math"

// unreached marks a step with no timestamp in StepTimestamps.
const unreached int64 = math.MinInt64

// Attempt is the winning path of one entity through a funnel.
type Attempt struct {
	// MaxStep is the number of steps reached, 0 when the entity never entered.
	MaxStep int
	// StepTimestamps is indexed by step. Ordered and Strict attempts fill the
	// first MaxStep entries. Unordered attempts hold one entry per step, with
	// unreached for steps outside the window and for step 0 when the anchor
	// came from a later step.
	StepTimestamps []int64
	FirstMs        int64
	LastMs         int64
	// AnchorStep is the step whose occurrence opened the window.
	AnchorStep int
	// AnchorIndex points at the anchor event in the entity's timeline, -1 when none.
	AnchorIndex int
}

func noAttempt() Attempt {
	return Attempt{AnchorIndex: -1}
}

// Entered reports whether the entity reached the first step.
func (a Attempt) Entered() bool {
	return a.MaxStep > 0
}

// StepMs returns the timestamp credited to step, if any.
func (a Attempt) StepMs(step int) (int64, bool) {
	if step < 0 || step >= len(a.StepTimestamps) {
		return 0, false
	}
	ts := a.StepTimestamps[step]
	return ts, ts != unreached
}

// Duration returns the seconds from fromStep to toStep. Both steps must have
// a timestamp. Unordered attempts can yield negative durations.
func (a Attempt) Duration(fromStep, toStep int) (float64, bool) {
	if fromStep > toStep {
		return 0, false
	}
	from, ok := a.StepMs(fromStep)
	if !ok {
		return 0, false
	}
	to, ok := a.StepMs(toStep)
	if !ok {
		return 0, false
	}
	return float64(to-from) / 1000, true
}
