package store

import (
	"context"

	"github.com/beekhof/calendar-sync-engine/internal/calendar"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// EventRepo writes mirrored events. Rows are keyed by the external calendar
// row and the provider's event id.
type EventRepo struct{ db *DB }

// NewEventRepo constructs an event repository.
func NewEventRepo(db *DB) *EventRepo { return &EventRepo{db: db} }

// Upsert inserts or updates a mirrored event. A newly created event is
// assigned to owner; an update touches only the display fields.
func (r *EventRepo) Upsert(ctx context.Context, calendarID, owner uuid.UUID, ev calendar.NormalizedEvent) (created bool, err error) {
	defer observe("events.upsert")()
	const ups = `INSERT INTO calendar_events (id, external_calendar_id, external_id, title, description,
location, start_at, end_at, all_day, is_read_only)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,TRUE)
ON CONFLICT (external_calendar_id, external_id) DO UPDATE SET
title=EXCLUDED.title, description=EXCLUDED.description, location=EXCLUDED.location,
start_at=EXCLUDED.start_at, end_at=EXCLUDED.end_at, all_day=EXCLUDED.all_day, updated_at=NOW()
RETURNING id, (xmax = 0)`
	const assign = `INSERT INTO calendar_event_assignees (event_id, member_id) VALUES ($1,$2) ON CONFLICT DO NOTHING`

	err = r.db.InTx(ctx, func(tx pgx.Tx) error {
		var id uuid.UUID
		err := tx.QueryRow(ctx, ups, uuid.New(), calendarID, ev.ExternalID, ev.Title, ev.Description,
			ev.Location, ev.StartAt.UTC(), ev.EndAt.UTC(), ev.AllDay).Scan(&id, &created)
		if err != nil {
			return err
		}
		if !created {
			return nil
		}
		_, err = tx.Exec(ctx, assign, id, owner)
		return err
	})
	return created, err
}

// Delete removes the event with the given provider id. Deleting an absent
// event is not an error; the result reports whether a row was removed.
func (r *EventRepo) Delete(ctx context.Context, calendarID uuid.UUID, externalID string) (bool, error) {
	defer observe("events.delete")()
	const q = `DELETE FROM calendar_events WHERE external_calendar_id=$1 AND external_id=$2`
	tag, err := r.db.Pool.Exec(ctx, q, calendarID, externalID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
