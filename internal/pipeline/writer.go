package pipeline

import (
	"context"

	"funnelscope/pkg/models"
)

// EventWriter persists decoded ingest records.
type EventWriter interface {
	WriteEvents(ctx context.Context, events []models.Event) error
	WriteMemberships(ctx context.Context, members []models.Membership) error
	Close() error
}
