// Package jobs runs sync work from a durable queue: on-demand connection
// syncs and a recurring fan-out over every syncable connection.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/beekhof/calendar-sync-engine/internal/calendar"
	"github.com/beekhof/calendar-sync-engine/internal/metrics"
	"github.com/beekhof/calendar-sync-engine/internal/sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PeriodicScheduleName names the recurring fan-out registration.
const PeriodicScheduleName = "periodic-sync"

// SyncPayload parameterizes a KindSyncConnection job.
type SyncPayload struct {
	ConnectionID uuid.UUID `json:"connection_id"`
	Force        bool      `json:"force"`
}

// JobQueue is the queue used by the Scheduler.
type JobQueue interface {
	Enqueue(ctx context.Context, kind string, payload any, runAt time.Time) (int64, error)
	Dequeue(ctx context.Context) (*Job, error)
	Complete(ctx context.Context, job *Job) error
	Fail(ctx context.Context, job *Job, cause error) (bool, error)
	Prune(ctx context.Context) (int64, error)
	RequeueStale(ctx context.Context, lease time.Duration) (int64, error)
	EnsureSchedule(ctx context.Context, name, kind string, every time.Duration) error
	FireDueSchedules(ctx context.Context) (int, error)
}

// ConnectionSyncer syncs one connection.
type ConnectionSyncer interface {
	SyncConnection(ctx context.Context, id uuid.UUID, force bool) (*sync.Result, error)
}

// ConnectionLister lists the connections the recurring job visits.
type ConnectionLister interface {
	ListSyncable(ctx context.Context) ([]calendar.Connection, error)
}

// Options configures the Scheduler.
type Options struct {
	Workers          int
	PollInterval     time.Duration
	PeriodicInterval time.Duration
	// Lease is how long a job may stay running before it is considered
	// abandoned and queued again.
	Lease time.Duration
	// RequeueInterval is how often the schedule loop looks for abandoned
	// jobs after the startup pass.
	RequeueInterval time.Duration
}

// Scheduler owns the worker pool.
type Scheduler struct {
	queue  JobQueue
	syncer ConnectionSyncer
	conns  ConnectionLister
	opts   Options
	logger *zap.Logger

	Now func() time.Time
}

// NewScheduler constructs a Scheduler.
func NewScheduler(queue JobQueue, syncer ConnectionSyncer, conns ConnectionLister, opts Options, logger *zap.Logger) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 3
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.PeriodicInterval <= 0 {
		opts.PeriodicInterval = 15 * time.Minute
	}
	if opts.Lease <= 0 {
		opts.Lease = time.Hour
	}
	if opts.RequeueInterval <= 0 {
		opts.RequeueInterval = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{queue: queue, syncer: syncer, conns: conns, opts: opts, logger: logger, Now: time.Now}
}

// EnqueueSync queues a sync of one connection. An immediate sync bypasses
// the connection's sync interval.
func (s *Scheduler) EnqueueSync(ctx context.Context, connectionID uuid.UUID, immediate bool) error {
	id, err := s.queue.Enqueue(ctx, KindSyncConnection, SyncPayload{ConnectionID: connectionID, Force: immediate}, s.Now())
	if err != nil {
		return err
	}
	s.logger.Debug("sync enqueued", zap.Int64("job_id", id), zap.String("connection_id", connectionID.String()), zap.Bool("immediate", immediate))
	return nil
}

// EnsurePeriodicSchedule registers the recurring fan-out job. Calling it on
// every startup leaves exactly one registration.
func (s *Scheduler) EnsurePeriodicSchedule(ctx context.Context) error {
	return s.queue.EnsureSchedule(ctx, PeriodicScheduleName, KindSyncAll, s.opts.PeriodicInterval)
}

// Run starts the workers and the schedule loop and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if n, err := s.queue.RequeueStale(ctx, s.opts.Lease); err != nil {
		return err
	} else if n > 0 {
		s.logger.Info("requeued abandoned jobs", zap.Int64("count", n))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.scheduleLoop(ctx)
	})
	for i := 0; i < s.opts.Workers; i++ {
		logger := s.logger.With(zap.Int("worker", i))
		g.Go(func() error {
			return s.workerLoop(ctx, logger)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Scheduler) scheduleLoop(ctx context.Context) error {
	nextRequeue := s.Now().Add(s.opts.RequeueInterval)
	for {
		if now := s.Now(); !now.Before(nextRequeue) {
			nextRequeue = now.Add(s.opts.RequeueInterval)
			if n, err := s.queue.RequeueStale(ctx, s.opts.Lease); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Error("failed to requeue abandoned jobs", zap.Error(err))
			} else if n > 0 {
				s.logger.Info("requeued abandoned jobs", zap.Int64("count", n))
			}
		}
		if n, err := s.queue.FireDueSchedules(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("failed to fire schedules", zap.Error(err))
		} else if n > 0 {
			s.logger.Debug("schedules fired", zap.Int("count", n))
		}
		if err := waitWithContext(ctx, s.opts.PollInterval); err != nil {
			return err
		}
	}
}

func (s *Scheduler) workerLoop(ctx context.Context, logger *zap.Logger) error {
	for {
		worked, err := s.RunOnce(ctx, logger)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			logger.Error("queue error", zap.Error(err))
		}
		if worked {
			continue
		}
		if err := waitWithContext(ctx, s.opts.PollInterval); err != nil {
			return err
		}
	}
}

// RunOnce claims and processes at most one job. It reports whether a job
// was processed. The outcome is recorded even when ctx is cancelled while
// the job runs, so shutdown never leaves a job marked running.
func (s *Scheduler) RunOnce(ctx context.Context, logger *zap.Logger) (bool, error) {
	if logger == nil {
		logger = s.logger
	}
	job, err := s.queue.Dequeue(ctx)
	if err != nil || job == nil {
		return false, err
	}
	logger = logger.With(zap.Int64("job_id", job.ID), zap.String("kind", job.Kind), zap.Int("attempt", job.Attempts))

	herr := s.handle(ctx, job, logger)
	record := context.WithoutCancel(ctx)
	if herr != nil {
		retry, err := s.queue.Fail(record, job, herr)
		if err != nil {
			return true, fmt.Errorf("record job failure: %w", err)
		}
		if retry {
			metrics.ObserveJob(job.Kind, "retry")
			logger.Warn("job failed, will retry", zap.Error(herr))
		} else {
			metrics.ObserveJob(job.Kind, StatusFailed)
			logger.Error("job failed permanently", zap.Error(herr))
		}
	} else {
		if err := s.queue.Complete(record, job); err != nil {
			return true, fmt.Errorf("complete job: %w", err)
		}
		metrics.ObserveJob(job.Kind, StatusCompleted)
	}

	if n, err := s.queue.Prune(record); err != nil {
		logger.Warn("failed to prune job history", zap.Error(err))
	} else if n > 0 {
		logger.Debug("pruned job history", zap.Int64("count", n))
	}
	return true, nil
}

func (s *Scheduler) handle(ctx context.Context, job *Job, logger *zap.Logger) error {
	switch job.Kind {
	case KindSyncConnection:
		var p SyncPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		_, err := s.syncer.SyncConnection(ctx, p.ConnectionID, p.Force)
		return err
	case KindSyncAll:
		return s.syncAll(ctx, logger)
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

// syncAll syncs every active, enabled connection. A failing connection is
// logged and does not stop the others; only a failure to list connections
// fails the job.
func (s *Scheduler) syncAll(ctx context.Context, logger *zap.Logger) error {
	conns, err := s.conns.ListSyncable(ctx)
	if err != nil {
		return fmt.Errorf("list connections: %w", err)
	}
	failed := 0
	for _, c := range conns {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := s.syncer.SyncConnection(ctx, c.ID, false); err != nil {
			failed++
			logger.Warn("connection sync failed", zap.String("connection_id", c.ID.String()), zap.Error(err))
		}
	}
	logger.Info("periodic sync finished", zap.Int("connections", len(conns)), zap.Int("failed", failed))
	return nil
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
