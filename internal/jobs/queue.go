package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/beekhof/calendar-sync-engine/internal/store"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
)

// Job kinds.
const (
	KindSyncConnection = "sync_connection"
	KindSyncAll        = "sync_all"
)

// Job statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// maxBackoff caps the retry delay.
const maxBackoff = time.Hour

// Job is one claimed row of the queue.
type Job struct {
	ID          int64
	Kind        string
	Payload     []byte
	Attempts    int
	MaxAttempts int
}

// QueueOptions configures retry and history retention.
type QueueOptions struct {
	MaxAttempts   int
	BackoffBase   time.Duration
	KeepCompleted int
	KeepFailed    int
}

// Queue is a durable job queue in PostgreSQL. Workers claim jobs with
// FOR UPDATE SKIP LOCKED so concurrent workers never run the same job.
type Queue struct {
	db   *store.DB
	opts QueueOptions

	// Now is the time source for run_at and backoff.
	Now func() time.Time
}

// NewQueue constructs a queue.
func NewQueue(db *store.DB, opts QueueOptions) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 30 * time.Second
	}
	return &Queue{db: db, opts: opts, Now: time.Now}
}

// Backoff returns the delay before retry number attempt (1-based):
// base * 2^(attempt-1), capped at one hour.
func Backoff(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}

// Enqueue adds a job that becomes runnable at runAt.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload any, runAt time.Time) (int64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	const ins = `INSERT INTO sync_jobs (kind, payload, max_attempts, run_at) VALUES ($1,$2,$3,$4) RETURNING id`
	var id int64
	if err := q.db.Pool.QueryRow(ctx, ins, kind, string(data), q.opts.MaxAttempts, runAt).Scan(&id); err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return id, nil
}

// Dequeue claims the oldest runnable job, or returns nil when there is none.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	const sel = `SELECT id, kind, payload, attempts, max_attempts FROM sync_jobs
WHERE status='queued' AND run_at <= $1
ORDER BY run_at, id
LIMIT 1
FOR UPDATE SKIP LOCKED`
	const claim = `UPDATE sync_jobs SET status='running', attempts=attempts+1, locked_at=$2 WHERE id=$1`

	var job *Job
	err := q.db.InTx(ctx, func(tx pgx.Tx) error {
		now := q.Now()
		var j Job
		err := tx.QueryRow(ctx, sel, now).Scan(&j.ID, &j.Kind, &j.Payload, &j.Attempts, &j.MaxAttempts)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, claim, j.ID, now); err != nil {
			return err
		}
		j.Attempts++
		job = &j
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	return job, nil
}

// Complete marks a job as done.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	const upd = `UPDATE sync_jobs SET status='completed', finished_at=$2, locked_at=NULL, last_error=NULL WHERE id=$1`
	_, err := q.db.Pool.Exec(ctx, upd, job.ID, q.Now())
	return err
}

// Fail records a failed attempt. The job is re-queued with backoff until it
// has used its attempts, then it is marked failed. It reports whether the
// job will be retried.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) (retry bool, err error) {
	now := q.Now()
	if job.Attempts >= job.MaxAttempts {
		const upd = `UPDATE sync_jobs SET status='failed', finished_at=$2, locked_at=NULL, last_error=$3 WHERE id=$1`
		_, err = q.db.Pool.Exec(ctx, upd, job.ID, now, cause.Error())
		return false, err
	}
	const upd = `UPDATE sync_jobs SET status='queued', run_at=$2, locked_at=NULL, last_error=$3 WHERE id=$1`
	_, err = q.db.Pool.Exec(ctx, upd, job.ID, now.Add(Backoff(q.opts.BackoffBase, job.Attempts)), cause.Error())
	return true, err
}

// Prune trims completed and failed job history to the configured sizes.
func (q *Queue) Prune(ctx context.Context) (int64, error) {
	const del = `DELETE FROM sync_jobs WHERE id IN (
SELECT id FROM sync_jobs WHERE status=$1 ORDER BY finished_at DESC, id DESC OFFSET $2)`
	var total int64
	for _, keep := range []struct {
		status string
		n      int
	}{{StatusCompleted, q.opts.KeepCompleted}, {StatusFailed, q.opts.KeepFailed}} {
		if keep.n < 0 {
			continue
		}
		tag, err := q.db.Pool.Exec(ctx, del, keep.status, keep.n)
		if err != nil {
			return total, fmt.Errorf("prune %s jobs: %w", keep.status, err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

// RequeueStale returns jobs left running by a worker that died to the queue.
func (q *Queue) RequeueStale(ctx context.Context, lease time.Duration) (int64, error) {
	const upd = `UPDATE sync_jobs SET status='queued', locked_at=NULL WHERE status='running' AND locked_at < $1`
	tag, err := q.db.Pool.Exec(ctx, upd, q.Now().Add(-lease))
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// EnsureSchedule registers a recurring job under name, replacing any
// existing registration with the same name.
func (q *Queue) EnsureSchedule(ctx context.Context, name, kind string, every time.Duration) error {
	if every <= 0 {
		return fmt.Errorf("schedule %s: interval must be positive", name)
	}
	return q.db.InTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM sync_schedules WHERE name=$1`, name); err != nil {
			return fmt.Errorf("remove schedule %s: %w", name, err)
		}
		const ins = `INSERT INTO sync_schedules (name, kind, interval_ms, next_run_at) VALUES ($1,$2,$3,$4)`
		if _, err := tx.Exec(ctx, ins, name, kind, every.Milliseconds(), q.Now()); err != nil {
			return fmt.Errorf("add schedule %s: %w", name, err)
		}
		return nil
	})
}

// FireDueSchedules enqueues one job for every schedule whose next run has
// passed and advances it by its interval. It returns the number fired.
func (q *Queue) FireDueSchedules(ctx context.Context) (int, error) {
	const sel = `SELECT id, kind, interval_ms FROM sync_schedules WHERE next_run_at <= $1 ORDER BY id FOR UPDATE SKIP LOCKED`
	const adv = `UPDATE sync_schedules SET next_run_at=$2 WHERE id=$1`
	const ins = `INSERT INTO sync_jobs (kind, payload, max_attempts, run_at) VALUES ($1,'{}',$2,$3)`

	fired := 0
	err := q.db.InTx(ctx, func(tx pgx.Tx) error {
		now := q.Now()
		rows, err := tx.Query(ctx, sel, now)
		if err != nil {
			return err
		}
		type due struct {
			id       int64
			kind     string
			interval int64
		}
		var list []due
		for rows.Next() {
			var d due
			if err := rows.Scan(&d.id, &d.kind, &d.interval); err != nil {
				rows.Close()
				return err
			}
			list = append(list, d)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, d := range list {
			if _, err := tx.Exec(ctx, adv, d.id, now.Add(time.Duration(d.interval)*time.Millisecond)); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, ins, d.kind, q.opts.MaxAttempts, now); err != nil {
				return err
			}
			fired++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("fire schedules: %w", err)
	}
	return fired, nil
}
