// Package memory is an in-process event store.
package memory

import (
	"context"
	"sync"
	"time"

	"funnelscope/pkg/models"
)

// Store keeps events and population memberships in memory.
type Store struct {
	mu      sync.RWMutex
	seq     int64
	events  []models.Event
	members map[string]map[string][]models.Membership
}

// New creates an empty store.
func New() *Store {
	return &Store{
		events:  make([]models.Event, 0),
		members: make(map[string]map[string][]models.Membership),
	}
}

// WriteEvents appends events in arrival order.
func (s *Store) WriteEvents(_ context.Context, events []models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		s.seq++
		ev.Seq = s.seq
		s.events = append(s.events, ev)
	}
	return nil
}

// WriteMemberships records population memberships.
func (s *Store) WriteMemberships(_ context.Context, members []models.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range members {
		byEntity, ok := s.members[m.PopulationID]
		if !ok {
			byEntity = make(map[string][]models.Membership)
			s.members[m.PopulationID] = byEntity
		}
		byEntity[m.EntityID] = append(byEntity[m.EntityID], m)
	}
	return nil
}

// Timelines returns the matching events grouped per entity.
func (s *Store) Timelines(_ context.Context, q models.TimelineQuery) ([]models.Timeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make(map[string]struct{}, len(q.EventNames))
	for _, n := range q.EventNames {
		names[n] = struct{}{}
	}

	filtered := make([]models.Event, 0, len(s.events))
	for _, e := range s.events {
		if q.Project != "" && e.Project != q.Project {
			continue
		}
		if len(names) > 0 {
			if _, ok := names[e.Name]; !ok {
				continue
			}
		}
		if !q.Range.Contains(e.Timestamp) {
			continue
		}
		filtered = append(filtered, e)
	}
	return models.GroupTimelines(filtered), nil
}

// IsMember reports whether the entity belonged to the population at asOf.
func (s *Store) IsMember(_ context.Context, populationID, entityID string, asOf time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.members[populationID][entityID] {
		if m.ActiveAt(asOf) {
			return true, nil
		}
	}
	return false, nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
