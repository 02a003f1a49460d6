package store

import (
	"context"
	"hash/fnv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Locker hands out per-connection advisory locks.
type Locker struct{ db *DB }

// NewLocker constructs a Locker.
func NewLocker(db *DB) *Locker { return &Locker{db: db} }

// TryLockConnection takes the transaction-scoped advisory lock for a
// connection without waiting. When ok is true the caller must call unlock,
// which ends the holding transaction.
func (l *Locker) TryLockConnection(ctx context.Context, id uuid.UUID) (unlock func(), ok bool, err error) {
	defer observe("locks.try_connection")()
	tx, err := l.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, err
	}
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, ConnectionLockKey(id)).Scan(&ok); err != nil {
		_ = tx.Rollback(ctx)
		return nil, false, err
	}
	if !ok {
		_ = tx.Rollback(ctx)
		return nil, false, nil
	}
	return func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }, true, nil
}

// ConnectionLockKey derives the advisory lock key of a connection.
func ConnectionLockKey(id uuid.UUID) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte("connection-sync"))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write(id[:])
	return int64(hasher.Sum64())
}
