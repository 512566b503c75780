package funnel

import (
	"context"
	"math"

	"golang.org/x/sync/errgroup"

	"funnelscope/pkg/models"
)

// tally counts entities by the number of steps they reached.
type tally struct {
	reached []int64 // reached[m] = entities whose winning attempt reached exactly m steps
	convSum float64
	convN   int64
}

func newTally(n int) *tally {
	return &tally{reached: make([]int64, n+1)}
}

func (t *tally) add(a Attempt) {
	if !a.Entered() {
		return
	}
	n := len(t.reached) - 1
	t.reached[a.MaxStep]++
	if a.MaxStep >= n && a.LastMs > a.FirstMs {
		t.convSum += float64(a.LastMs-a.FirstMs) / 1000
		t.convN++
	}
}

func (t *tally) merge(o *tally) {
	for i := range t.reached {
		t.reached[i] += o.reached[i]
	}
	t.convSum += o.convSum
	t.convN += o.convN
}

// entered returns entered[s] for s in 1..n; entered[0] is unused.
func (t *tally) entered() []int64 {
	n := len(t.reached) - 1
	out := make([]int64, n+2)
	for s := n; s >= 1; s-- {
		out[s] = out[s+1] + t.reached[s]
	}
	return out
}

func (t *tally) enteredFirst() int64 {
	var total int64
	for _, c := range t.reached[1:] {
		total += c
	}
	return total
}

func (t *tally) avgConversionSeconds() *float64 {
	if t.convN == 0 {
		return nil
	}
	avg := t.convSum / float64(t.convN)
	if math.IsNaN(avg) || math.IsInf(avg, 0) {
		return nil
	}
	return &avg
}

// percent returns num/den as a percentage with one decimal, 0 when den is 0.
func percent(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return math.Round(float64(num)/float64(den)*1000) / 10
}

// buildSteps renders the step rows of one tally. Average time to convert is
// only reported for unsegmented results.
func buildSteps(spec *Spec, t *tally, withAvg bool, breakdownValue *string) []models.StepResult {
	n := len(spec.Steps)
	entered := t.entered()
	var avg *float64
	if withAvg {
		avg = t.avgConversionSeconds()
	}

	rows := make([]models.StepResult, 0, n)
	for s := 1; s <= n; s++ {
		row := models.StepResult{
			Step:           s,
			Label:          spec.StepLabel(s - 1),
			EventName:      spec.StepEventName(s - 1),
			Count:          entered[s],
			ConversionRate: percent(entered[s], entered[1]),
			BreakdownValue: breakdownValue,
		}
		if s < n {
			row.DropOff = entered[s] - entered[s+1]
			row.DropOffRate = percent(row.DropOff, entered[s])
			if avg != nil {
				v := *avg
				row.AvgTimeToConvertSeconds = &v
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// entityResult is the resolved outcome of one timeline.
type entityResult struct {
	attempt  Attempt
	key      string
	included bool
}

// reduceResults tallies resolved entities in parallel chunks. When keyed is
// set, it also tallies per breakdown key.
func reduceResults(ctx context.Context, results []entityResult, n, workers int, keyed bool) (*tally, map[string]*tally, error) {
	type partial struct {
		total *tally
		keyed map[string]*tally
	}

	chunks := chunkBounds(len(results), workers)
	partials := make([]partial, len(chunks))

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for ci, bounds := range chunks {
		g.Go(func() error {
			p := partial{total: newTally(n)}
			if keyed {
				p.keyed = make(map[string]*tally)
			}
			for _, r := range results[bounds[0]:bounds[1]] {
				if !r.included {
					continue
				}
				p.total.add(r.attempt)
				if keyed && r.attempt.Entered() {
					kt, ok := p.keyed[r.key]
					if !ok {
						kt = newTally(n)
						p.keyed[r.key] = kt
					}
					kt.add(r.attempt)
				}
			}
			partials[ci] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	total := newTally(n)
	var byKey map[string]*tally
	if keyed {
		byKey = make(map[string]*tally)
	}
	for _, p := range partials {
		total.merge(p.total)
		for k, kt := range p.keyed {
			if acc, ok := byKey[k]; ok {
				acc.merge(kt)
			} else {
				byKey[k] = kt
			}
		}
	}
	return total, byKey, nil
}

// chunkBounds splits size items into roughly 4*workers half-open ranges.
func chunkBounds(size, workers int) [][2]int {
	if size == 0 {
		return nil
	}
	if workers <= 0 {
		workers = 1
	}
	chunk := (size + workers*4 - 1) / (workers * 4)
	if chunk < 1 {
		chunk = 1
	}
	out := make([][2]int, 0, (size+chunk-1)/chunk)
	for start := 0; start < size; start += chunk {
		end := start + chunk
		if end > size {
			end = size
		}
		out = append(out, [2]int{start, end})
	}
	return out
}
