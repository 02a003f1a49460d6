package store

import (
	"context"
	"fmt"
	"time"

	"github.com/beekhof/calendar-sync-engine/internal/calendar"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const connectionColumns = `id, owner_member_id, provider, account_label, encrypted_credential,
server_endpoint, sync_enabled, status, last_sync_at, sync_interval_minutes`

// ConnectionRepo persists calendar connections.
type ConnectionRepo struct{ db *DB }

// NewConnectionRepo constructs a connection repository.
func NewConnectionRepo(db *DB) *ConnectionRepo { return &ConnectionRepo{db: db} }

func scanConnection(row pgx.Row) (*calendar.Connection, error) {
	var (
		c                calendar.Connection
		provider, status string
	)
	err := row.Scan(&c.ID, &c.OwnerMemberID, &provider, &c.AccountLabel, &c.EncryptedCredential,
		&c.ServerEndpoint, &c.SyncEnabled, &status, &c.LastSyncAt, &c.SyncIntervalMinutes)
	if err != nil {
		return nil, err
	}
	if c.Provider, err = calendar.ParseProvider(provider); err != nil {
		return nil, fmt.Errorf("connection %s: %w", c.ID, err)
	}
	c.Status = calendar.Status(status)
	return &c, nil
}

// Get loads one connection.
func (r *ConnectionRepo) Get(ctx context.Context, id uuid.UUID) (*calendar.Connection, error) {
	defer observe("connections.get")()
	q := `SELECT ` + connectionColumns + ` FROM calendar_connections WHERE id=$1`
	c, err := scanConnection(r.db.Pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

// ListSyncable returns every ACTIVE connection with sync enabled.
func (r *ConnectionRepo) ListSyncable(ctx context.Context) ([]calendar.Connection, error) {
	defer observe("connections.list_syncable")()
	q := `SELECT ` + connectionColumns + ` FROM calendar_connections
WHERE status=$1 AND sync_enabled ORDER BY last_sync_at ASC NULLS FIRST, id`
	rows, err := r.db.Pool.Query(ctx, q, string(calendar.StatusActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calendar.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// Create inserts a connection together with its discovered calendars.
func (r *ConnectionRepo) Create(ctx context.Context, conn *calendar.Connection, cals []calendar.Calendar) error {
	defer observe("connections.create")()
	const insConn = `INSERT INTO calendar_connections (id, owner_member_id, provider, account_label,
encrypted_credential, server_endpoint, sync_enabled, status, sync_interval_minutes)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	return r.db.InTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, insConn, conn.ID, conn.OwnerMemberID, string(conn.Provider), conn.AccountLabel,
			conn.EncryptedCredential, conn.ServerEndpoint, conn.SyncEnabled, string(conn.Status), conn.SyncIntervalMinutes)
		if err != nil {
			return fmt.Errorf("insert connection: %w", err)
		}
		for i := range cals {
			if err := insertCalendar(ctx, tx, &cals[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetStatus changes a connection's status.
func (r *ConnectionRepo) SetStatus(ctx context.Context, id uuid.UUID, status calendar.Status) error {
	defer observe("connections.set_status")()
	const q = `UPDATE calendar_connections SET status=$2, updated_at=NOW() WHERE id=$1`
	return r.execOne(ctx, q, id, string(status))
}

// UpdateCredential replaces the encrypted credential. Adapters call it when
// a provider rotates tokens.
func (r *ConnectionRepo) UpdateCredential(ctx context.Context, id uuid.UUID, envelope string) error {
	defer observe("connections.update_credential")()
	const q = `UPDATE calendar_connections SET encrypted_credential=$2, updated_at=NOW() WHERE id=$1`
	return r.execOne(ctx, q, id, envelope)
}

// TouchLastSync stamps the time of the last completed sync.
func (r *ConnectionRepo) TouchLastSync(ctx context.Context, id uuid.UUID, at time.Time) error {
	defer observe("connections.touch_last_sync")()
	const q = `UPDATE calendar_connections SET last_sync_at=$2 WHERE id=$1`
	return r.execOne(ctx, q, id, at)
}

// Delete removes a connection. Its calendars and mirrored events cascade.
func (r *ConnectionRepo) Delete(ctx context.Context, id uuid.UUID) error {
	defer observe("connections.delete")()
	return r.execOne(ctx, `DELETE FROM calendar_connections WHERE id=$1`, id)
}

func (r *ConnectionRepo) execOne(ctx context.Context, q string, args ...any) error {
	tag, err := r.db.Pool.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
