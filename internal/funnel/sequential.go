package funnel

import "funnelscope/pkg/models"

// partialPath is a live attempt that has matched len(ts) steps.
type partialPath struct {
	anchorIdx int
	ts        []int64
}

func (p *partialPath) extend(t int64) *partialPath {
	ts := make([]int64, 0, len(p.ts)+1)
	ts = append(ts, p.ts...)
	return &partialPath{anchorIdx: p.anchorIdx, ts: append(ts, t)}
}

// pathReduction keeps the best attempt seen so far: most steps first,
// then the most recent anchor.
type pathReduction struct {
	best *partialPath
}

func (r *pathReduction) offer(p *partialPath) {
	if r.best == nil || len(p.ts) > len(r.best.ts) ||
		(len(p.ts) == len(r.best.ts) && p.anchorIdx >= r.best.anchorIdx) {
		r.best = p
	}
}

func (r *pathReduction) attempt() Attempt {
	if r.best == nil {
		return noAttempt()
	}
	ts := r.best.ts
	return Attempt{
		MaxStep:        len(ts),
		StepTimestamps: ts,
		FirstMs:        ts[0],
		LastMs:         ts[len(ts)-1],
		AnchorStep:     0,
		AnchorIndex:    r.best.anchorIdx,
	}
}

// resolveSequential scans events once for ordered and strict funnels.
// levels[k] holds the live attempt with k+1 matched steps and the latest
// anchor; a later anchor satisfies every window check an earlier one does.
func resolveSequential(events []models.Event, masks []uint64, n int, windowMs int64, strict bool) Attempt {
	var red pathReduction
	levels := make([]*partialPath, n)

	for i := range events {
		m := masks[i]
		if m == 0 && !strict {
			continue
		}
		t := events[i].Millis()

		if strict {
			for k := 0; k < n-1; k++ {
				if levels[k] == nil {
					continue
				}
				if !hasStep(m, k) && !hasStep(m, k+1) {
					levels[k] = nil
				}
			}
		}

		// Highest level first so a single event advances an attempt at most once.
		for k := n - 2; k >= 0; k-- {
			cur := levels[k]
			if cur == nil || !hasStep(m, k+1) {
				continue
			}
			if t-cur.ts[0] > windowMs {
				continue
			}
			next := cur.extend(t)
			red.offer(next)
			if k+1 < n-1 {
				if held := levels[k+1]; held == nil || next.anchorIdx > held.anchorIdx {
					levels[k+1] = next
				}
			}
		}

		if hasStep(m, 0) {
			start := &partialPath{anchorIdx: i, ts: []int64{t}}
			red.offer(start)
			if n > 1 {
				levels[0] = start
			}
		}
	}

	return red.attempt()
}
