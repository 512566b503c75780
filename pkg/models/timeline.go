package models

import (
	"sort"
	"time"
)

// DateRange is an inclusive analysis interval.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t falls inside the range, both ends included.
// A zero bound leaves that side open.
func (r DateRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

// Timeline is the ordered event history of one entity.
type Timeline struct {
	EntityID string  `json:"entity_id"`
	Events   []Event `json:"events"`
}

// TimelineQuery selects the events an event source returns.
type TimelineQuery struct {
	Project string
	Range   DateRange
	// EventNames limits the scan to these names; empty means every event.
	EventNames []string
}

// SortEvents orders events by millisecond timestamp, then by arrival order.
func SortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		ti, tj := events[i].Millis(), events[j].Millis()
		if ti != tj {
			return ti < tj
		}
		return events[i].Seq < events[j].Seq
	})
}

// GroupTimelines splits a flat event list into per-entity timelines sorted by
// entity id.
func GroupTimelines(events []Event) []Timeline {
	byEntity := make(map[string][]Event, 128)
	for _, ev := range events {
		byEntity[ev.EntityID] = append(byEntity[ev.EntityID], ev)
	}
	ids := make([]string, 0, len(byEntity))
	for id := range byEntity {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]Timeline, 0, len(ids))
	for _, id := range ids {
		evs := byEntity[id]
		SortEvents(evs)
		out = append(out, Timeline{EntityID: id, Events: evs})
	}
	return out
}
