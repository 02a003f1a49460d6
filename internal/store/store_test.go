package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/beekhof/calendar-sync-engine/internal/calendar"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	return &DB{Pool: mock}, mock
}

func q(s string) string { return regexp.QuoteMeta(s) }

var connectionCols = []string{"id", "owner_member_id", "provider", "account_label", "encrypted_credential",
	"server_endpoint", "sync_enabled", "status", "last_sync_at", "sync_interval_minutes"}

var calendarCols = []string{"id", "connection_id", "external_calendar_id", "display_name", "color",
	"sync_enabled", "privacy_mode", "sync_direction", "last_sync_token"}

func TestConnectionRepo_Get(t *testing.T) {
	db, mock := newDB(t)
	id, owner := uuid.New(), uuid.New()
	last := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(q(`FROM calendar_connections WHERE id=$1`)).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(connectionCols).
			AddRow(id, owner, "EWS", "work", "env", "https://mail.example/EWS/Exchange.asmx", true, "ACTIVE", &last, 30))

	c, err := NewConnectionRepo(db).Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, calendar.ProviderEWS, c.Provider)
	require.Equal(t, calendar.StatusActive, c.Status)
	require.Equal(t, owner, c.OwnerMemberID)
	require.Equal(t, last, *c.LastSyncAt)
	require.Equal(t, 30, c.SyncIntervalMinutes)
}

func TestConnectionRepo_GetNotFound(t *testing.T) {
	db, mock := newDB(t)
	id := uuid.New()
	mock.ExpectQuery(q(`FROM calendar_connections WHERE id=$1`)).
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)

	_, err := NewConnectionRepo(db).Get(context.Background(), id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConnectionRepo_GetRejectsUnknownProvider(t *testing.T) {
	db, mock := newDB(t)
	id := uuid.New()
	mock.ExpectQuery(q(`FROM calendar_connections WHERE id=$1`)).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(connectionCols).
			AddRow(id, uuid.New(), "FAX", "", "env", "", true, "ACTIVE", nil, 15))

	_, err := NewConnectionRepo(db).Get(context.Background(), id)
	require.ErrorIs(t, err, calendar.ErrUnknownProvider)
}

func TestConnectionRepo_ListSyncable(t *testing.T) {
	db, mock := newDB(t)
	a, b := uuid.New(), uuid.New()
	mock.ExpectQuery(q(`WHERE status=$1 AND sync_enabled`)).
		WithArgs("ACTIVE").
		WillReturnRows(pgxmock.NewRows(connectionCols).
			AddRow(a, uuid.New(), "OAUTH_A", "", "env", "", true, "ACTIVE", nil, 15).
			AddRow(b, uuid.New(), "CALDAV_APPLE", "", "env", "https://caldav.icloud.com", true, "ACTIVE", nil, 15))

	conns, err := NewConnectionRepo(db).ListSyncable(context.Background())
	require.NoError(t, err)
	require.Len(t, conns, 2)
	require.Equal(t, a, conns[0].ID)
	require.Equal(t, calendar.ProviderApple, conns[1].Provider)
}

func TestConnectionRepo_CreateWithCalendars(t *testing.T) {
	db, mock := newDB(t)
	conn := &calendar.Connection{
		ID: uuid.New(), OwnerMemberID: uuid.New(), Provider: calendar.ProviderGoogle,
		AccountLabel: "me@example.com", EncryptedCredential: "env", SyncEnabled: true,
		Status: calendar.StatusActive, SyncIntervalMinutes: 15,
	}
	cal := calendar.Calendar{
		ID: uuid.New(), ConnectionID: conn.ID, ExternalCalendarID: "primary", DisplayName: "Me",
		SyncEnabled: true, PrivacyMode: calendar.PrivacyFullDetails, SyncDirection: calendar.SyncInboundOnly,
	}

	mock.ExpectBegin()
	mock.ExpectExec(q(`INSERT INTO calendar_connections`)).
		WithArgs(conn.ID, conn.OwnerMemberID, "OAUTH_A", "me@example.com", "env", "", true, "ACTIVE", 15).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(q(`INSERT INTO external_calendars`)).
		WithArgs(cal.ID, conn.ID, "primary", "Me", "", true, "FULL_DETAILS", "INBOUND_ONLY").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, NewConnectionRepo(db).Create(context.Background(), conn, []calendar.Calendar{cal}))
}

func TestConnectionRepo_CreateRollsBackOnCalendarFailure(t *testing.T) {
	db, mock := newDB(t)
	conn := &calendar.Connection{ID: uuid.New(), Provider: calendar.ProviderGoogle, Status: calendar.StatusActive}
	cal := calendar.Calendar{ID: uuid.New(), ConnectionID: conn.ID, ExternalCalendarID: "x"}

	mock.ExpectBegin()
	mock.ExpectExec(q(`INSERT INTO calendar_connections`)).
		WithArgs(conn.ID, pgxmock.AnyArg(), "OAUTH_A", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), "ACTIVE", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(q(`INSERT INTO external_calendars`)).
		WithArgs(cal.ID, conn.ID, "x", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	err := NewConnectionRepo(db).Create(context.Background(), conn, []calendar.Calendar{cal})
	require.ErrorContains(t, err, `insert calendar "x"`)
	require.ErrorContains(t, err, "boom")
}

func TestConnectionRepo_SetStatusNotFound(t *testing.T) {
	db, mock := newDB(t)
	id := uuid.New()
	mock.ExpectExec(q(`UPDATE calendar_connections SET status=$2`)).
		WithArgs(id, "EXPIRED").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := NewConnectionRepo(db).SetStatus(context.Background(), id, calendar.StatusExpired)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConnectionRepo_UpdateCredentialAndTouch(t *testing.T) {
	db, mock := newDB(t)
	id := uuid.New()
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(q(`SET encrypted_credential=$2`)).
		WithArgs(id, "new-env").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(q(`SET last_sync_at=$2`)).
		WithArgs(id, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	r := NewConnectionRepo(db)
	require.NoError(t, r.UpdateCredential(context.Background(), id, "new-env"))
	require.NoError(t, r.TouchLastSync(context.Background(), id, at))
}

func TestCalendarRepo_ListSyncEnabled(t *testing.T) {
	db, mock := newDB(t)
	conn := uuid.New()
	tok := "ctag-1"
	mock.ExpectQuery(q(`WHERE connection_id=$1 AND sync_enabled`)).
		WithArgs(conn).
		WillReturnRows(pgxmock.NewRows(calendarCols).
			AddRow(uuid.New(), conn, "https://dav.example/cal/home/", "Home", "#FF0000", true, "BUSY_FREE_ONLY", "INBOUND_ONLY", &tok).
			AddRow(uuid.New(), conn, "https://dav.example/cal/work/", "Work", "", true, "FULL_DETAILS", "INBOUND_ONLY", nil))

	cals, err := NewCalendarRepo(db).ListSyncEnabled(context.Background(), conn)
	require.NoError(t, err)
	require.Len(t, cals, 2)
	require.Equal(t, calendar.PrivacyBusyFreeOnly, cals[0].PrivacyMode)
	require.Equal(t, "ctag-1", *cals[0].LastSyncToken)
	require.Nil(t, cals[1].LastSyncToken)
}

func TestCalendarRepo_UpsertDiscoveredCountsInserts(t *testing.T) {
	db, mock := newDB(t)
	conn := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(q(`ON CONFLICT (connection_id, external_calendar_id)`)).
		WithArgs(pgxmock.AnyArg(), conn, "a", "A", "#111111").
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(false))
	mock.ExpectQuery(q(`ON CONFLICT (connection_id, external_calendar_id)`)).
		WithArgs(pgxmock.AnyArg(), conn, "b", "B", "").
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(true))
	mock.ExpectCommit()

	added, err := NewCalendarRepo(db).UpsertDiscovered(context.Background(), conn, []calendar.DiscoveredCalendar{
		{ExternalID: "a", DisplayName: "A", Color: "#111111"},
		{ExternalID: "b", DisplayName: "B"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, added)
}

func TestCalendarRepo_DisablePurgesEvents(t *testing.T) {
	db, mock := newDB(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(q(`SET sync_enabled=FALSE, last_sync_token=NULL WHERE id=$1`)).
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(q(`DELETE FROM calendar_events WHERE external_calendar_id=$1`)).
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("DELETE", 7))
	mock.ExpectCommit()

	purged, err := NewCalendarRepo(db).Disable(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, int64(7), purged)
}

func TestCalendarRepo_DisableUnknownCalendar(t *testing.T) {
	db, mock := newDB(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(q(`SET sync_enabled=FALSE`)).
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	_, err := NewCalendarRepo(db).Disable(context.Background(), id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCalendarRepo_SetPrivacyBusyScrubs(t *testing.T) {
	db, mock := newDB(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(q(`UPDATE external_calendars SET privacy_mode=$2 WHERE id=$1`)).
		WithArgs(id, "BUSY_FREE_ONLY").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(q(`UPDATE calendar_events SET title=$2, description=NULL, location=NULL`)).
		WithArgs(id, "Busy").
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))
	mock.ExpectCommit()

	n, err := NewCalendarRepo(db).SetPrivacyMode(context.Background(), id, calendar.PrivacyBusyFreeOnly)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
}

func TestCalendarRepo_SetPrivacyFullClearsToken(t *testing.T) {
	db, mock := newDB(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(q(`SET privacy_mode=$2, last_sync_token=NULL WHERE id=$1`)).
		WithArgs(id, "FULL_DETAILS").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	n, err := NewCalendarRepo(db).SetPrivacyMode(context.Background(), id, calendar.PrivacyFullDetails)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestEventRepo_UpsertCreatesAssignee(t *testing.T) {
	db, mock := newDB(t)
	cal, owner, eventID := uuid.New(), uuid.New(), uuid.New()
	start := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	desc := "agenda"
	ev := calendar.NormalizedEvent{ExternalID: "e1", Title: "Kickoff", Description: &desc, StartAt: start, EndAt: start.Add(time.Hour)}

	mock.ExpectBegin()
	mock.ExpectQuery(q(`ON CONFLICT (external_calendar_id, external_id) DO UPDATE SET`)).
		WithArgs(pgxmock.AnyArg(), cal, "e1", "Kickoff", &desc, (*string)(nil), start, start.Add(time.Hour), false).
		WillReturnRows(pgxmock.NewRows([]string{"id", "inserted"}).AddRow(eventID, true))
	mock.ExpectExec(q(`INSERT INTO calendar_event_assignees`)).
		WithArgs(eventID, owner).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	created, err := NewEventRepo(db).Upsert(context.Background(), cal, owner, ev)
	require.NoError(t, err)
	require.True(t, created)
}

func TestEventRepo_UpsertUpdateSkipsAssignee(t *testing.T) {
	db, mock := newDB(t)
	cal := uuid.New()
	start := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(q(`ON CONFLICT (external_calendar_id, external_id)`)).
		WithArgs(pgxmock.AnyArg(), cal, "e1", "Holiday", (*string)(nil), (*string)(nil), start, start.AddDate(0, 0, 1), true).
		WillReturnRows(pgxmock.NewRows([]string{"id", "inserted"}).AddRow(uuid.New(), false))
	mock.ExpectCommit()

	created, err := NewEventRepo(db).Upsert(context.Background(), cal, uuid.New(),
		calendar.NormalizedEvent{ExternalID: "e1", Title: "Holiday", StartAt: start, EndAt: start.AddDate(0, 0, 1), AllDay: true})
	require.NoError(t, err)
	require.False(t, created)
}

func TestEventRepo_DeleteAbsentIsNoop(t *testing.T) {
	db, mock := newDB(t)
	cal := uuid.New()
	mock.ExpectExec(q(`DELETE FROM calendar_events WHERE external_calendar_id=$1 AND external_id=$2`)).
		WithArgs(cal, "gone").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	removed, err := NewEventRepo(db).Delete(context.Background(), cal, "gone")
	require.NoError(t, err)
	require.False(t, removed)
}

func TestLocker_TryLockConnection(t *testing.T) {
	db, mock := newDB(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(q(`SELECT pg_try_advisory_xact_lock($1)`)).
		WithArgs(ConnectionLockKey(id)).
		WillReturnRows(pgxmock.NewRows([]string{"locked"}).AddRow(true))
	mock.ExpectRollback()

	unlock, ok, err := NewLocker(db).TryLockConnection(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	unlock()
}

func TestLocker_TryLockConnectionBusy(t *testing.T) {
	db, mock := newDB(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(q(`SELECT pg_try_advisory_xact_lock($1)`)).
		WithArgs(ConnectionLockKey(id)).
		WillReturnRows(pgxmock.NewRows([]string{"locked"}).AddRow(false))
	mock.ExpectRollback()

	unlock, ok, err := NewLocker(db).TryLockConnection(context.Background(), id)
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, unlock)
}

func TestConnectionLockKeyIsStable(t *testing.T) {
	id := uuid.MustParse("6f1c1f3e-5f65-4c61-9b7e-2f0e5f7f1d11")
	require.Equal(t, ConnectionLockKey(id), ConnectionLockKey(id))
	require.NotEqual(t, ConnectionLockKey(id), ConnectionLockKey(uuid.New()))
}

func TestHealthCheck(t *testing.T) {
	db, mock := newDB(t)
	mock.ExpectPing()
	require.NoError(t, db.HealthCheck(context.Background()))
}
