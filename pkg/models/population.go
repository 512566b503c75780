package models

import "time"

// Membership records when an entity belonged to a population.
type Membership struct {
	PopulationID string    `json:"population_id"`
	EntityID     string    `json:"entity_id"`
	Joined       time.Time `json:"joined"`
	// Left is zero while the entity is still a member.
	Left time.Time `json:"left,omitempty"`
}

// ActiveAt reports whether the membership covers asOf.
func (m Membership) ActiveAt(asOf time.Time) bool {
	if asOf.Before(m.Joined) {
		return false
	}
	return m.Left.IsZero() || asOf.Before(m.Left)
}
