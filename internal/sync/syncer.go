// Package sync mirrors external calendars into the local store: the Syncer
// drives one connection's sync cycle and the Merger applies the fetched
// events.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/beekhof/calendar-sync-engine/internal/calendar"
	"github.com/beekhof/calendar-sync-engine/internal/metrics"
	"github.com/beekhof/calendar-sync-engine/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ConnectionStore is the connection persistence used by the Syncer.
type ConnectionStore interface {
	Get(ctx context.Context, id uuid.UUID) (*calendar.Connection, error)
	SetStatus(ctx context.Context, id uuid.UUID, status calendar.Status) error
	TouchLastSync(ctx context.Context, id uuid.UUID, at time.Time) error
}

// CalendarStore is the calendar persistence used by the Syncer.
type CalendarStore interface {
	ListSyncEnabled(ctx context.Context, connectionID uuid.UUID) ([]calendar.Calendar, error)
	SaveSyncToken(ctx context.Context, id uuid.UUID, token string) error
}

// Locker excludes concurrent syncs of the same connection.
type Locker interface {
	TryLockConnection(ctx context.Context, id uuid.UUID) (unlock func(), ok bool, err error)
}

// Result describes one SyncConnection call.
type Result struct {
	// Skipped is set when nothing was fetched; Reason says why.
	Skipped bool
	Reason  string
	// Expired is set when an authentication failure expired the connection.
	Expired   bool
	Calendars int
	Failed    int
	Merge     MergeStats
}

// Skip reasons.
const (
	ReasonLocked   = "sync already running"
	ReasonMissing  = "connection not found"
	ReasonDisabled = "connection disabled"
	ReasonInactive = "connection not active"
	ReasonNotDue   = "sync interval not elapsed"
)

// Syncer handles the synchronization of one connection at a time.
type Syncer struct {
	connections ConnectionStore
	calendars   CalendarStore
	merger      *Merger
	adapters    *calendar.Registry
	locker      Locker
	logger      *zap.Logger

	// Now is the time source for throttling and lastSyncAt.
	Now calendar.Clock
}

// NewSyncer creates a Syncer. locker may be nil, in which case concurrent
// syncs of one connection are not excluded.
func NewSyncer(conns ConnectionStore, cals CalendarStore, events EventStore, adapters *calendar.Registry, locker Locker, logger *zap.Logger) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{
		connections: conns,
		calendars:   cals,
		merger:      &Merger{Events: events},
		adapters:    adapters,
		locker:      locker,
		logger:      logger,
		Now:         time.Now,
	}
}

// SyncConnection runs one sync cycle for a connection. Authentication
// failures expire the connection and are not returned; failures of a single
// calendar are logged and counted in Result.Failed. Any other error is
// returned for the caller's retry policy.
func (s *Syncer) SyncConnection(ctx context.Context, id uuid.UUID, force bool) (*Result, error) {
	if s.locker != nil {
		unlock, ok, err := s.locker.TryLockConnection(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("lock connection %s: %w", id, err)
		}
		if !ok {
			s.logger.Info("sync skipped", zap.String("connection_id", id.String()), zap.String("reason", ReasonLocked))
			return &Result{Skipped: true, Reason: ReasonLocked}, nil
		}
		defer unlock()
	}

	conn, err := s.connections.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return &Result{Skipped: true, Reason: ReasonMissing}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load connection %s: %w", id, err)
	}

	logger := s.logger.With(zap.String("connection_id", id.String()), zap.String("provider", string(conn.Provider)))
	start := time.Now()
	now := s.Now()

	switch {
	case !conn.SyncEnabled:
		return s.skip(conn, start, ReasonDisabled), nil
	case conn.Status != calendar.StatusActive:
		return s.skip(conn, start, ReasonInactive), nil
	case !force && !conn.Due(now):
		return s.skip(conn, start, ReasonNotDue), nil
	}

	res, err := s.run(ctx, conn, logger)
	switch {
	case err != nil:
		metrics.ObserveSync(string(conn.Provider), metrics.OutcomeError, start)
		logger.Error("sync failed", zap.Error(err))
		return nil, err
	case res.Expired:
		metrics.ObserveSync(string(conn.Provider), metrics.OutcomeExpired, start)
	default:
		metrics.ObserveSync(string(conn.Provider), metrics.OutcomeOK, start)
		logger.Info("sync complete",
			zap.Int("calendars", res.Calendars),
			zap.Int("failed", res.Failed),
			zap.Int("created", res.Merge.Created),
			zap.Int("updated", res.Merge.Updated),
			zap.Int("deleted", res.Merge.Deleted),
			zap.Duration("took", time.Since(start)))
	}
	return res, nil
}

func (s *Syncer) skip(conn *calendar.Connection, start time.Time, reason string) *Result {
	metrics.ObserveSync(string(conn.Provider), metrics.OutcomeSkipped, start)
	s.logger.Debug("sync skipped", zap.String("connection_id", conn.ID.String()), zap.String("reason", reason))
	return &Result{Skipped: true, Reason: reason}
}

func (s *Syncer) run(ctx context.Context, conn *calendar.Connection, logger *zap.Logger) (*Result, error) {
	adapter, err := s.adapters.Lookup(conn.Provider)
	if err != nil {
		return nil, err
	}
	cals, err := s.calendars.ListSyncEnabled(ctx, conn.ID)
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}

	sess, err := adapter.Open(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("open %s session: %w", conn.Provider, err)
	}
	defer sess.Close()

	res := &Result{}
	if err := sess.RefreshAuth(ctx); err != nil {
		if calendar.IsAuthError(err) {
			return s.expire(ctx, conn, res, logger, err)
		}
		return nil, fmt.Errorf("refresh auth: %w", err)
	}

	for i := range cals {
		cal := &cals[i]
		stats, err := s.syncCalendar(ctx, sess, conn, cal)
		res.Merge.add(stats)
		if err == nil {
			res.Calendars++
			continue
		}
		if calendar.IsAuthError(err) {
			return s.expire(ctx, conn, res, logger, err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		res.Failed++
		logger.Warn("calendar sync failed",
			zap.String("calendar", cal.DisplayName),
			zap.Error(&calendar.PartialCalendarError{CalendarID: cal.ID, Err: err}))
	}

	if err := s.connections.TouchLastSync(ctx, conn.ID, s.Now()); err != nil {
		return nil, fmt.Errorf("stamp last sync: %w", err)
	}
	return res, nil
}

// syncCalendar fetches and merges one calendar. The continuation token is
// stored only after a successful merge and only when the adapter returned one.
func (s *Syncer) syncCalendar(ctx context.Context, sess calendar.Session, conn *calendar.Connection, cal *calendar.Calendar) (MergeStats, error) {
	fetched, err := sess.FetchEvents(ctx, cal)
	if err != nil {
		return MergeStats{}, err
	}
	if fetched.ResyncRequired {
		s.logger.Info("continuation token rejected, running full sync",
			zap.String("connection_id", conn.ID.String()), zap.String("calendar", cal.DisplayName))
		fetched, err = sess.FetchEvents(ctx, cal.WithoutToken())
		if err != nil {
			return MergeStats{}, err
		}
		if fetched.ResyncRequired {
			return MergeStats{}, errors.New("full sync requested another resync")
		}
	}

	stats, err := s.merger.Merge(ctx, cal, conn.OwnerMemberID, fetched.Events)
	if err != nil {
		return stats, err
	}
	if fetched.NextSyncToken != nil {
		if err := s.calendars.SaveSyncToken(ctx, cal.ID, *fetched.NextSyncToken); err != nil {
			return stats, fmt.Errorf("save sync token: %w", err)
		}
	}
	return stats, nil
}

func (s *Syncer) expire(ctx context.Context, conn *calendar.Connection, res *Result, logger *zap.Logger, cause error) (*Result, error) {
	logger.Warn("authentication failed, connection expired", zap.Error(cause))
	if err := s.connections.SetStatus(ctx, conn.ID, calendar.StatusExpired); err != nil {
		return nil, fmt.Errorf("expire connection: %w", err)
	}
	res.Expired = true
	return res, nil
}
