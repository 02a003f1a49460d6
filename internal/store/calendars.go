package store

import (
	"context"
	"fmt"

	"github.com/beekhof/calendar-sync-engine/internal/calendar"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const calendarColumns = `id, connection_id, external_calendar_id, display_name, color,
sync_enabled, privacy_mode, sync_direction, last_sync_token`

// CalendarRepo persists the external calendars discovered under a connection.
type CalendarRepo struct{ db *DB }

// NewCalendarRepo constructs a calendar repository.
func NewCalendarRepo(db *DB) *CalendarRepo { return &CalendarRepo{db: db} }

func scanCalendar(row pgx.Row) (*calendar.Calendar, error) {
	var (
		c               calendar.Calendar
		privacy, direct string
	)
	err := row.Scan(&c.ID, &c.ConnectionID, &c.ExternalCalendarID, &c.DisplayName, &c.Color,
		&c.SyncEnabled, &privacy, &direct, &c.LastSyncToken)
	if err != nil {
		return nil, err
	}
	c.PrivacyMode = calendar.PrivacyMode(privacy)
	c.SyncDirection = calendar.SyncDirection(direct)
	return &c, nil
}

func insertCalendar(ctx context.Context, tx pgx.Tx, c *calendar.Calendar) error {
	const q = `INSERT INTO external_calendars (id, connection_id, external_calendar_id, display_name,
color, sync_enabled, privacy_mode, sync_direction) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := tx.Exec(ctx, q, c.ID, c.ConnectionID, c.ExternalCalendarID, c.DisplayName, c.Color,
		c.SyncEnabled, string(c.PrivacyMode), string(c.SyncDirection))
	if err != nil {
		return fmt.Errorf("insert calendar %q: %w", c.ExternalCalendarID, err)
	}
	return nil
}

// Get loads one calendar.
func (r *CalendarRepo) Get(ctx context.Context, id uuid.UUID) (*calendar.Calendar, error) {
	defer observe("calendars.get")()
	q := `SELECT ` + calendarColumns + ` FROM external_calendars WHERE id=$1`
	c, err := scanCalendar(r.db.Pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

// ListByConnection returns every calendar of a connection.
func (r *CalendarRepo) ListByConnection(ctx context.Context, connectionID uuid.UUID) ([]calendar.Calendar, error) {
	defer observe("calendars.list")()
	return r.list(ctx, `SELECT `+calendarColumns+` FROM external_calendars
WHERE connection_id=$1 ORDER BY display_name, id`, connectionID)
}

// ListSyncEnabled returns the calendars of a connection that are mirrored.
func (r *CalendarRepo) ListSyncEnabled(ctx context.Context, connectionID uuid.UUID) ([]calendar.Calendar, error) {
	defer observe("calendars.list_sync_enabled")()
	return r.list(ctx, `SELECT `+calendarColumns+` FROM external_calendars
WHERE connection_id=$1 AND sync_enabled ORDER BY display_name, id`, connectionID)
}

func (r *CalendarRepo) list(ctx context.Context, q string, args ...any) ([]calendar.Calendar, error) {
	rows, err := r.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calendar.Calendar
	for rows.Next() {
		c, err := scanCalendar(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// UpsertDiscovered adds newly visible calendars and refreshes the name and
// color of known ones. Calendars missing from found are left alone.
// It returns the number of calendars added.
func (r *CalendarRepo) UpsertDiscovered(ctx context.Context, connectionID uuid.UUID, found []calendar.DiscoveredCalendar) (int, error) {
	defer observe("calendars.upsert_discovered")()
	const q = `INSERT INTO external_calendars (id, connection_id, external_calendar_id, display_name, color)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (connection_id, external_calendar_id)
DO UPDATE SET display_name=EXCLUDED.display_name, color=EXCLUDED.color
RETURNING (xmax = 0)`
	added := 0
	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		for _, d := range found {
			var inserted bool
			if err := tx.QueryRow(ctx, q, uuid.New(), connectionID, d.ExternalID, d.DisplayName, d.Color).Scan(&inserted); err != nil {
				return fmt.Errorf("upsert calendar %q: %w", d.ExternalID, err)
			}
			if inserted {
				added++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

// SaveSyncToken stores the continuation token of a calendar.
func (r *CalendarRepo) SaveSyncToken(ctx context.Context, id uuid.UUID, token string) error {
	defer observe("calendars.save_sync_token")()
	tag, err := r.db.Pool.Exec(ctx, `UPDATE external_calendars SET last_sync_token=$2 WHERE id=$1`, id, token)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Enable turns mirroring on for a calendar.
func (r *CalendarRepo) Enable(ctx context.Context, id uuid.UUID) error {
	defer observe("calendars.enable")()
	tag, err := r.db.Pool.Exec(ctx, `UPDATE external_calendars SET sync_enabled=TRUE WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Disable turns mirroring off, clears the continuation token and purges the
// calendar's mirrored events. It returns the number of events removed.
func (r *CalendarRepo) Disable(ctx context.Context, id uuid.UUID) (int64, error) {
	defer observe("calendars.disable")()
	var purged int64
	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE external_calendars SET sync_enabled=FALSE, last_sync_token=NULL WHERE id=$1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		tag, err = tx.Exec(ctx, `DELETE FROM calendar_events WHERE external_calendar_id=$1`, id)
		if err != nil {
			return fmt.Errorf("purge events: %w", err)
		}
		purged = tag.RowsAffected()
		return nil
	})
	return purged, err
}

// SetPrivacyMode changes a calendar's privacy mode. Switching to busy/free
// scrubs the content of already mirrored events in place. Switching to full
// details clears the continuation token so the next sync refetches content.
// It returns the number of events scrubbed.
func (r *CalendarRepo) SetPrivacyMode(ctx context.Context, id uuid.UUID, mode calendar.PrivacyMode) (int64, error) {
	defer observe("calendars.set_privacy_mode")()
	var scrubbed int64
	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		upd := `UPDATE external_calendars SET privacy_mode=$2 WHERE id=$1`
		if mode == calendar.PrivacyFullDetails {
			upd = `UPDATE external_calendars SET privacy_mode=$2, last_sync_token=NULL WHERE id=$1`
		}
		tag, err := tx.Exec(ctx, upd, id, string(mode))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		if mode != calendar.PrivacyBusyFreeOnly {
			return nil
		}
		tag, err = tx.Exec(ctx, `UPDATE calendar_events SET title=$2, description=NULL, location=NULL, updated_at=NOW()
WHERE external_calendar_id=$1`, id, calendar.BusyTitle)
		if err != nil {
			return fmt.Errorf("scrub events: %w", err)
		}
		scrubbed = tag.RowsAffected()
		return nil
	})
	return scrubbed, err
}
