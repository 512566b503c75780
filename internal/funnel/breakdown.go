package funnel

import (
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"funnelscope/pkg/models"
)

// NoneValue is the breakdown group for entities with an empty or missing value.
const NoneValue = "(none)"

// breakdownKey derives the breakdown value from the winning attempt's anchor
// event. Anchors not drawn from the first step carry no key.
func breakdownKey(a Attempt, events []models.Event, property string) string {
	if !a.Entered() || a.AnchorStep != 0 || a.AnchorIndex < 0 || a.AnchorIndex >= len(events) {
		return ""
	}
	return normalizeValue(events[a.AnchorIndex].Property(property))
}

func normalizeValue(v string) string {
	return norm.NFC.String(strings.TrimSpace(v))
}

// displayValue labels a breakdown key. A property whose value is literally
// NoneValue is quoted so it never shares a label with the missing-value group.
func displayValue(key string) string {
	switch key {
	case "":
		return NoneValue
	case NoneValue:
		return strconv.Quote(key)
	}
	return key
}

// selectTopValues ranks non-empty values by first-step count, descending,
// ties by value. It reports whether values beyond the limit were dropped.
func selectTopValues(keyed map[string]*tally, limit int) ([]string, bool) {
	values := make([]string, 0, len(keyed))
	for k, t := range keyed {
		if k == "" || t.enteredFirst() == 0 {
			continue
		}
		values = append(values, k)
	}
	sort.Slice(values, func(i, j int) bool {
		ci, cj := keyed[values[i]].enteredFirst(), keyed[values[j]].enteredFirst()
		if ci != cj {
			return ci > cj
		}
		return values[i] < values[j]
	})
	truncated := len(values) > limit
	if truncated {
		values = values[:limit]
	}
	return values, truncated
}
