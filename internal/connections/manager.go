// Package connections implements the user-initiated operations on calendar
// connections: connecting an account, reconnecting it after its credentials
// expired, refreshing its calendar list and changing per-calendar settings.
package connections

import (
	"context"
	"fmt"

	"github.com/beekhof/calendar-sync-engine/internal/calendar"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultSyncIntervalMinutes applies when a connect request leaves the interval unset.
const DefaultSyncIntervalMinutes = 15

// ConnectionStore persists connections.
type ConnectionStore interface {
	Get(ctx context.Context, id uuid.UUID) (*calendar.Connection, error)
	Create(ctx context.Context, conn *calendar.Connection, cals []calendar.Calendar) error
	SetStatus(ctx context.Context, id uuid.UUID, status calendar.Status) error
	UpdateCredential(ctx context.Context, id uuid.UUID, envelope string) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// CalendarStore persists a connection's calendars.
type CalendarStore interface {
	Get(ctx context.Context, id uuid.UUID) (*calendar.Calendar, error)
	ListByConnection(ctx context.Context, connectionID uuid.UUID) ([]calendar.Calendar, error)
	UpsertDiscovered(ctx context.Context, connectionID uuid.UUID, found []calendar.DiscoveredCalendar) (int, error)
	Enable(ctx context.Context, id uuid.UUID) error
	Disable(ctx context.Context, id uuid.UUID) (int64, error)
	SetPrivacyMode(ctx context.Context, id uuid.UUID, mode calendar.PrivacyMode) (int64, error)
}

// SyncQueue schedules connection syncs.
type SyncQueue interface {
	EnqueueSync(ctx context.Context, connectionID uuid.UUID, immediate bool) error
}

// ConnectRequest describes a new connection.
type ConnectRequest struct {
	OwnerMemberID       uuid.UUID
	Provider            calendar.Provider
	AccountLabel        string
	ServerEndpoint      string
	SyncIntervalMinutes int
	Credential          Credential
}

// Linked is a connection together with its calendars.
type Linked struct {
	Connection *calendar.Connection
	Calendars  []calendar.Calendar
}

// Manager runs the consumer-facing connection operations.
type Manager struct {
	conns    ConnectionStore
	cals     CalendarStore
	adapters *calendar.Registry
	sealer   calendar.Sealer
	creds    *Credentials
	queue    SyncQueue
	logger   *zap.Logger

	// DefaultSyncIntervalMinutes overrides the package default for new connections.
	DefaultSyncIntervalMinutes int
}

// NewManager constructs a Manager. creds must be the credential store the
// registered adapters persist rotated credentials through.
func NewManager(conns ConnectionStore, cals CalendarStore, adapters *calendar.Registry, sealer calendar.Sealer,
	creds *Credentials, queue SyncQueue, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		conns:    conns,
		cals:     cals,
		adapters: adapters,
		sealer:   sealer,
		creds:    creds,
		queue:    queue,
		logger:   logger,
	}
}

// Connect validates the credential by running discovery, stores the
// connection with every discovered calendar enabled and queues an
// immediate sync. Authentication failures are returned as
// *calendar.AuthError and empty or malformed discovery results as
// *calendar.DiscoveryError; nothing is stored in either case.
func (m *Manager) Connect(ctx context.Context, req ConnectRequest) (*Linked, error) {
	provider, err := calendar.ParseProvider(string(req.Provider))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if req.OwnerMemberID == uuid.Nil {
		return nil, invalid("owner member is required")
	}
	endpoint, err := normalizeEndpoint(provider, req.ServerEndpoint)
	if err != nil {
		return nil, err
	}
	interval := req.SyncIntervalMinutes
	if interval < 0 {
		return nil, invalid("sync interval must not be negative")
	}
	if interval == 0 {
		interval = m.DefaultSyncIntervalMinutes
	}
	if interval == 0 {
		interval = DefaultSyncIntervalMinutes
	}
	raw, err := req.Credential.encode(provider)
	if err != nil {
		return nil, err
	}
	envelope, err := m.sealer.Encrypt(raw)
	if err != nil {
		return nil, fmt.Errorf("encrypt credential: %w", err)
	}

	conn := &calendar.Connection{
		ID:                  uuid.New(),
		OwnerMemberID:       req.OwnerMemberID,
		Provider:            provider,
		AccountLabel:        req.AccountLabel,
		EncryptedCredential: envelope,
		ServerEndpoint:      endpoint,
		SyncEnabled:         true,
		Status:              calendar.StatusActive,
		SyncIntervalMinutes: interval,
	}
	logger := m.logger.With(zap.String("connection_id", conn.ID.String()), zap.String("provider", string(provider)))

	release := m.creds.hold(conn.ID)
	found, err := m.discover(ctx, conn)
	release()
	if err != nil {
		logger.Info("connect rejected", zap.Error(err))
		return nil, err
	}

	cals := make([]calendar.Calendar, 0, len(found))
	for _, d := range found {
		cals = append(cals, calendar.Calendar{
			ID:                 uuid.New(),
			ConnectionID:       conn.ID,
			ExternalCalendarID: d.ExternalID,
			DisplayName:        d.DisplayName,
			Color:              d.Color,
			SyncEnabled:        true,
			PrivacyMode:        calendar.PrivacyFullDetails,
			SyncDirection:      calendar.SyncInboundOnly,
		})
	}
	if err := m.conns.Create(ctx, conn, cals); err != nil {
		return nil, fmt.Errorf("store connection: %w", err)
	}
	logger.Info("connection created", zap.Int("calendars", len(cals)))
	m.enqueue(ctx, conn.ID, logger)
	return &Linked{Connection: conn, Calendars: cals}, nil
}

// Reconnect re-validates a connection's credential, optionally replacing it
// first, and returns the connection to ACTIVE. This is the only way an
// EXPIRED connection becomes ACTIVE again.
func (m *Manager) Reconnect(ctx context.Context, id uuid.UUID, cred *Credential) (*calendar.Connection, error) {
	conn, err := m.conns.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	logger := m.logger.With(zap.String("connection_id", id.String()), zap.String("provider", string(conn.Provider)))

	if cred != nil {
		raw, err := cred.encode(conn.Provider)
		if err != nil {
			return nil, err
		}
		if conn.EncryptedCredential, err = m.sealer.Encrypt(raw); err != nil {
			return nil, fmt.Errorf("encrypt credential: %w", err)
		}
	}
	if _, err := m.discover(ctx, conn); err != nil {
		logger.Info("reconnect rejected", zap.Error(err))
		return nil, err
	}
	if cred != nil {
		if err := m.conns.UpdateCredential(ctx, id, conn.EncryptedCredential); err != nil {
			return nil, fmt.Errorf("store credential: %w", err)
		}
	}
	if err := m.conns.SetStatus(ctx, id, calendar.StatusActive); err != nil {
		return nil, err
	}
	conn.Status = calendar.StatusActive
	logger.Info("connection reconnected", zap.Bool("new_credential", cred != nil))
	m.enqueue(ctx, id, logger)
	return conn, nil
}

// RefreshCalendars reruns discovery, adding calendars that became visible and
// updating the name and color of known ones. Calendars that disappeared are
// kept. It returns the number added and the resulting calendar list.
func (m *Manager) RefreshCalendars(ctx context.Context, id uuid.UUID) (int, []calendar.Calendar, error) {
	conn, err := m.conns.Get(ctx, id)
	if err != nil {
		return 0, nil, err
	}
	found, err := m.discover(ctx, conn)
	if err != nil {
		return 0, nil, err
	}
	added, err := m.cals.UpsertDiscovered(ctx, id, found)
	if err != nil {
		return 0, nil, err
	}
	cals, err := m.cals.ListByConnection(ctx, id)
	if err != nil {
		return 0, nil, err
	}
	m.logger.Info("calendar list refreshed", zap.String("connection_id", id.String()),
		zap.Int("discovered", len(found)), zap.Int("added", added))
	return added, cals, nil
}

// SetCalendarSync turns mirroring of one calendar on or off. Disabling purges
// the calendar's mirrored events and forgets its continuation token; enabling
// queues an immediate sync of the connection.
func (m *Manager) SetCalendarSync(ctx context.Context, calendarID uuid.UUID, enabled bool) (*calendar.Calendar, error) {
	cal, err := m.cals.Get(ctx, calendarID)
	if err != nil {
		return nil, err
	}
	logger := m.logger.With(zap.String("connection_id", cal.ConnectionID.String()), zap.String("calendar_id", calendarID.String()))
	if !enabled {
		purged, err := m.cals.Disable(ctx, calendarID)
		if err != nil {
			return nil, err
		}
		cal.SyncEnabled = false
		cal.LastSyncToken = nil
		logger.Info("calendar sync disabled", zap.Int64("purged", purged))
		return cal, nil
	}
	if err := m.cals.Enable(ctx, calendarID); err != nil {
		return nil, err
	}
	cal.SyncEnabled = true
	logger.Info("calendar sync enabled")
	m.enqueue(ctx, cal.ConnectionID, logger)
	return cal, nil
}

// SetPrivacyMode changes what is mirrored for one calendar. Busy/free mode
// scrubs the stored events right away; returning to full details forgets the
// continuation token and queues an immediate sync to fetch real content.
func (m *Manager) SetPrivacyMode(ctx context.Context, calendarID uuid.UUID, mode calendar.PrivacyMode) (*calendar.Calendar, error) {
	if _, err := calendar.ParsePrivacyMode(string(mode)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	cal, err := m.cals.Get(ctx, calendarID)
	if err != nil {
		return nil, err
	}
	scrubbed, err := m.cals.SetPrivacyMode(ctx, calendarID, mode)
	if err != nil {
		return nil, err
	}
	cal.PrivacyMode = mode
	logger := m.logger.With(zap.String("connection_id", cal.ConnectionID.String()), zap.String("calendar_id", calendarID.String()))
	logger.Info("privacy mode changed", zap.String("mode", string(mode)), zap.Int64("scrubbed", scrubbed))
	if mode == calendar.PrivacyFullDetails {
		cal.LastSyncToken = nil
		if cal.SyncEnabled {
			m.enqueue(ctx, cal.ConnectionID, logger)
		}
	}
	return cal, nil
}

// SyncNow queues an immediate sync of a connection.
func (m *Manager) SyncNow(ctx context.Context, id uuid.UUID) error {
	if _, err := m.conns.Get(ctx, id); err != nil {
		return err
	}
	return m.queue.EnqueueSync(ctx, id, true)
}

// DeleteConnection removes a connection together with its calendars and
// mirrored events.
func (m *Manager) DeleteConnection(ctx context.Context, id uuid.UUID) error {
	if err := m.conns.Delete(ctx, id); err != nil {
		return err
	}
	m.logger.Info("connection deleted", zap.String("connection_id", id.String()))
	return nil
}

// discover opens a session for conn, makes sure its credential is usable and
// lists its calendars.
func (m *Manager) discover(ctx context.Context, conn *calendar.Connection) ([]calendar.DiscoveredCalendar, error) {
	adapter, err := m.adapters.Lookup(conn.Provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	sess, err := adapter.Open(ctx, conn)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	if err := sess.RefreshAuth(ctx); err != nil {
		return nil, err
	}
	found, err := sess.Discover(ctx)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, &calendar.DiscoveryError{Provider: conn.Provider, Reason: "no calendars found"}
	}
	return found, nil
}

// enqueue queues an immediate sync. A failure is only logged: the
// connection is already stored and the periodic job will pick it up.
func (m *Manager) enqueue(ctx context.Context, id uuid.UUID, logger *zap.Logger) {
	if err := m.queue.EnqueueSync(ctx, id, true); err != nil {
		logger.Warn("failed to queue immediate sync", zap.Error(err))
	}
}
