package funnel

import (
	"math"
	"sort"

	"funnelscope/pkg/models"
)

// maxBins caps the histogram size.
const maxBins = 60

// Distribution summarizes conversion durations in seconds. Durations are
// expected to be finite and non-negative.
func Distribution(durations []float64) models.TimeToConvertResult {
	res := models.TimeToConvertResult{
		SampleSize: len(durations),
		Bins:       []models.Bin{},
	}
	if len(durations) == 0 {
		return res
	}

	sorted := make([]float64, len(durations))
	copy(sorted, durations)
	sort.Float64s(sorted)

	var sum float64
	for _, d := range sorted {
		sum += d
	}
	avg := int64(math.Round(sum / float64(len(sorted))))
	res.AverageSeconds = &avg

	mid := len(sorted) / 2
	median := sorted[mid]
	if len(sorted)%2 == 0 {
		median = (sorted[mid-1] + sorted[mid]) / 2
	}
	med := int64(math.Round(median))
	res.MedianSeconds = &med

	res.Bins = histogram(sorted)
	return res
}

// histogram buckets sorted durations into cbrt(n) bins of whole-second width.
func histogram(sorted []float64) []models.Bin {
	minD, maxD := sorted[0], sorted[len(sorted)-1]
	if maxD-minD == 0 {
		lo := math.Round(minD)
		return []models.Bin{{From: lo, To: lo + 1, Count: int64(len(sorted))}}
	}

	binCount := int(math.Ceil(math.Cbrt(float64(len(sorted)))))
	if binCount < 1 {
		binCount = 1
	}
	if binCount > maxBins {
		binCount = maxBins
	}
	width := math.Ceil((maxD - minD) / float64(binCount))
	if width < 1 {
		width = 1
	}

	bins := make([]models.Bin, binCount)
	for i := range bins {
		bins[i].From = minD + float64(i)*width
		bins[i].To = minD + float64(i+1)*width
	}
	bins[binCount-1].To = math.Round(maxD)

	for _, d := range sorted {
		idx := int(math.Floor((d - minD) / width))
		if idx < 0 {
			idx = 0
		}
		if idx > binCount-1 {
			idx = binCount - 1
		}
		bins[idx].Count++
	}
	return bins
}

// conversionDurations collects the from->to durations of entities whose
// winning attempt reached toStep, limited to [0, window].
func conversionDurations(results []entityResult, fromStep, toStep int, windowSeconds float64) []float64 {
	out := make([]float64, 0, len(results))
	for _, r := range results {
		if !r.included {
			continue
		}
		d, ok := r.attempt.Duration(fromStep, toStep)
		if !ok || math.IsNaN(d) || math.IsInf(d, 0) {
			continue
		}
		if d < 0 || d > windowSeconds {
			continue
		}
		out = append(out, d)
	}
	return out
}
