package funnel

import (
	"math/bits"
	"sort"

	"funnelscope/pkg/models"
)

type occurrence struct {
	ts  int64
	idx int
}

// firstAtOrAfter returns the index of the first occurrence with ts >= t.
func firstAtOrAfter(occ []occurrence, t int64) int {
	return sort.Search(len(occ), func(i int) bool { return occ[i].ts >= t })
}

// resolveUnordered treats every occurrence of every step as a candidate
// anchor and keeps the one covering the most steps within [anchor, anchor+window].
// Ties prefer lower steps, then the latest occurrence.
func resolveUnordered(events []models.Event, masks []uint64, n int, windowMs int64) Attempt {
	occ := make([][]occurrence, n)
	for i, m := range masks {
		for m != 0 {
			s := bits.TrailingZeros64(m)
			m &= m - 1
			occ[s] = append(occ[s], occurrence{ts: events[i].Millis(), idx: i})
		}
	}
	if len(occ[0]) == 0 {
		return noAttempt()
	}

	coverage := func(anchor int64) int {
		c := 0
		for s := range occ {
			j := firstAtOrAfter(occ[s], anchor)
			if j < len(occ[s]) && occ[s][j].ts-anchor <= windowMs {
				c++
			}
		}
		return c
	}

	covered := make([][]int, n)
	maxCoverage := 0
	for s := range occ {
		covered[s] = make([]int, len(occ[s]))
		for j, o := range occ[s] {
			c := coverage(o.ts)
			covered[s][j] = c
			if c > maxCoverage {
				maxCoverage = c
			}
		}
	}

	anchorStep, anchorPos := -1, -1
	for s := 0; s < n && anchorStep < 0; s++ {
		for j := len(occ[s]) - 1; j >= 0; j-- {
			if covered[s][j] == maxCoverage {
				anchorStep, anchorPos = s, j
				break
			}
		}
	}

	anchor := occ[anchorStep][anchorPos]
	end := anchor.ts + windowMs
	ts := make([]int64, n)
	last := anchor.ts
	for s := range occ {
		ts[s] = unreached
		j := firstAtOrAfter(occ[s], anchor.ts)
		if j >= len(occ[s]) || occ[s][j].ts > end {
			continue
		}
		if s != 0 || anchorStep == 0 {
			ts[s] = occ[s][j].ts
		}
		k := firstAtOrAfter(occ[s], end+1) - 1
		if occ[s][k].ts > last {
			last = occ[s][k].ts
		}
	}

	return Attempt{
		MaxStep:        maxCoverage,
		StepTimestamps: ts,
		FirstMs:        anchor.ts,
		LastMs:         last,
		AnchorStep:     anchorStep,
		AnchorIndex:    anchor.idx,
	}
}
