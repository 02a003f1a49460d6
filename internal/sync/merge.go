package sync

import (
	"context"
	"fmt"

	"github.com/beekhof/calendar-sync-engine/internal/calendar"
	"github.com/beekhof/calendar-sync-engine/internal/metrics"

	"github.com/google/uuid"
)

// EventStore writes mirrored events keyed by (calendar, external id).
type EventStore interface {
	Upsert(ctx context.Context, calendarID, owner uuid.UUID, ev calendar.NormalizedEvent) (created bool, err error)
	Delete(ctx context.Context, calendarID uuid.UUID, externalID string) (bool, error)
}

// MergeStats counts the writes of one merge.
type MergeStats struct {
	Created int
	Updated int
	Deleted int
}

func (s *MergeStats) add(o MergeStats) {
	s.Created += o.Created
	s.Updated += o.Updated
	s.Deleted += o.Deleted
}

// Merger applies normalized events to the local store.
type Merger struct {
	Events EventStore
}

// Merge applies events in order: tombstones delete the matching local event
// (absent events are ignored), live events are upserted. New events are
// assigned to owner. The first failing write aborts the merge.
func (m *Merger) Merge(ctx context.Context, cal *calendar.Calendar, owner uuid.UUID, events []calendar.NormalizedEvent) (MergeStats, error) {
	var stats MergeStats
	defer func() {
		metrics.AddMerged("created", stats.Created)
		metrics.AddMerged("updated", stats.Updated)
		metrics.AddMerged("deleted", stats.Deleted)
	}()

	for _, ev := range events {
		if ev.ExternalID == "" {
			continue
		}
		if ev.IsCancelled {
			removed, err := m.Events.Delete(ctx, cal.ID, ev.ExternalID)
			if err != nil {
				return stats, fmt.Errorf("delete event %q: %w", ev.ExternalID, err)
			}
			if removed {
				stats.Deleted++
			}
			continue
		}

		created, err := m.Events.Upsert(ctx, cal.ID, owner, ev)
		if err != nil {
			return stats, fmt.Errorf("upsert event %q: %w", ev.ExternalID, err)
		}
		if created {
			stats.Created++
		} else {
			stats.Updated++
		}
	}
	return stats, nil
}
