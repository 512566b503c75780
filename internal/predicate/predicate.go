// Package predicate compiles step property filters.
package predicate

import "funnelscope/pkg/models"

// Predicate decides whether an event's properties satisfy a filter.
type Predicate interface {
	Match(props models.Properties) bool
}

// Func adapts a plain function to Predicate.
type Func func(props models.Properties) bool

// Match calls f.
func (f Func) Match(props models.Properties) bool {
	return f(props)
}

// Always matches every event.
var Always Predicate = Func(func(models.Properties) bool { return true })

// All matches when every child matches.
type All []Predicate

// Match implements Predicate.
func (a All) Match(props models.Properties) bool {
	for _, p := range a {
		if p != nil && !p.Match(props) {
			return false
		}
	}
	return true
}

// Any matches when at least one child matches. An empty Any matches nothing.
type Any []Predicate

// Match implements Predicate.
func (a Any) Match(props models.Properties) bool {
	for _, p := range a {
		if p != nil && p.Match(props) {
			return true
		}
	}
	return false
}

// Combine ANDs the non-nil predicates, returning Always when none remain.
func Combine(preds ...Predicate) Predicate {
	out := make(All, 0, len(preds))
	for _, p := range preds {
		if p != nil {
			out = append(out, p)
		}
	}
	switch len(out) {
	case 0:
		return Always
	case 1:
		return out[0]
	default:
		return out
	}
}
