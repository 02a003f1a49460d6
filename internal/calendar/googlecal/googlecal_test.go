package googlecal

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/beekhof/calendar-sync-engine/internal/calendar"
	"github.com/beekhof/calendar-sync-engine/internal/calendar/caltest"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeGoogle struct {
	t             *testing.T
	srv           *httptest.Server
	tokenRequests atomic.Int32
	fullFetches   atomic.Int32
}

func newFakeGoogle(t *testing.T) *fakeGoogle {
	f := &fakeGoogle{t: t}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenRequests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"refreshed","token_type":"Bearer","expires_in":3600}`)
	})
	mux.HandleFunc("/calendar/v3/calendars/primary/events", f.events)
	mux.HandleFunc("/calendar/v3/users/me/calendarList", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"items":[
			{"id":"primary","summary":"alice@example.com","backgroundColor":"#9fe1e7"},
			{"id":"team@group.calendar.google.com","summary":"Team","summaryOverride":"My Team"}
		]}`)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeGoogle) events(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	w.Header().Set("Content-Type", "application/json")
	switch q.Get("syncToken") {
	case "stale":
		w.WriteHeader(http.StatusGone)
		fmt.Fprint(w, `{"error":{"code":410,"message":"Sync token is no longer valid, a full sync is required.","errors":[{"reason":"fullSyncRequired"}]}}`)
		return
	case "good":
		fmt.Fprint(w, `{"items":[{"id":"gone","status":"cancelled"}],"nextSyncToken":"after-good"}`)
		return
	}

	if q.Get("timeMin") == "" || q.Get("timeMax") == "" {
		f.t.Errorf("Expected full fetch to carry time bounds, got %q", r.URL.RawQuery)
	}
	if got, want := q.Get("timeMin"), fixedNow.AddDate(0, 0, -30).Format(time.RFC3339); got != want {
		f.t.Errorf("Expected timeMin %s, got %s", want, got)
	}
	if q.Get("singleEvents") != "true" {
		f.t.Errorf("Expected singleEvents=true")
	}
	if q.Get("pageToken") == "" {
		f.fullFetches.Add(1)
		fmt.Fprint(w, `{"items":[
			{"id":"e1","status":"confirmed","summary":"Dentist","location":"Main St","start":{"dateTime":"2025-03-02T09:00:00+01:00"},"end":{"dateTime":"2025-03-02T10:00:00+01:00"}}
		],"nextPageToken":"p2","nextSyncToken":"ignored"}`)
		return
	}
	fmt.Fprint(w, `{"items":[
		{"id":"e2","status":"confirmed","summary":"Holiday","start":{"date":"2025-03-10"},"end":{"date":"2025-03-11"}}
	],"nextSyncToken":"final-token"}`)
}

func (f *fakeGoogle) adapter(creds *caltest.Credentials) *Adapter {
	cfg := NewOAuthConfig("id", "secret")
	cfg.Endpoint = oauth2.Endpoint{TokenURL: f.srv.URL + "/token", AuthStyle: oauth2.AuthStyleInParams}
	return &Adapter{
		OAuth:       cfg,
		Sealer:      caltest.PlainSealer{},
		Credentials: creds,
		Endpoint:    f.srv.URL + "/calendar/v3/",
		HTTPClient:  f.srv.Client(),
		Now:         func() time.Time { return fixedNow },
	}
}

func newConn(tok string) *calendar.Connection {
	return &calendar.Connection{ID: uuid.New(), Provider: calendar.ProviderGoogle, EncryptedCredential: caltest.Seal(tok)}
}

func openSession(t *testing.T, f *fakeGoogle, creds *caltest.Credentials, conn *calendar.Connection) calendar.Session {
	t.Helper()
	sess, err := f.adapter(creds).Open(context.Background(), conn)
	require.NoError(t, err)
	require.NoError(t, sess.RefreshAuth(context.Background()))
	return sess
}

const validToken = `{"access_token":"at","refresh_token":"rt","expiry":"2099-01-01T00:00:00Z"}`

func TestFullFetchPaginatesAndReturnsFinalSyncToken(t *testing.T) {
	f := newFakeGoogle(t)
	sess := openSession(t, f, &caltest.Credentials{}, newConn(validToken))

	res, err := sess.FetchEvents(context.Background(), &calendar.Calendar{ExternalCalendarID: "primary", PrivacyMode: calendar.PrivacyFullDetails})
	require.NoError(t, err)
	require.Len(t, res.Events, 2)
	require.NotNil(t, res.NextSyncToken)
	require.Equal(t, "final-token", *res.NextSyncToken)

	timed := res.Events[0]
	require.Equal(t, "e1", timed.ExternalID)
	require.Equal(t, time.Date(2025, 3, 2, 8, 0, 0, 0, time.UTC), timed.StartAt)
	require.False(t, timed.AllDay)
	require.Equal(t, "Main St", *timed.Location)
	require.Nil(t, timed.Description)

	allDay := res.Events[1]
	require.True(t, allDay.AllDay)
	require.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), allDay.StartAt)
}

func TestIncrementalFetchReturnsTombstones(t *testing.T) {
	f := newFakeGoogle(t)
	sess := openSession(t, f, &caltest.Credentials{}, newConn(validToken))

	tok := "good"
	res, err := sess.FetchEvents(context.Background(), &calendar.Calendar{ExternalCalendarID: "primary", LastSyncToken: &tok})
	require.NoError(t, err)
	require.Equal(t, []calendar.NormalizedEvent{calendar.Tombstone("gone")}, res.Events)
	require.Equal(t, "after-good", *res.NextSyncToken)
	require.Zero(t, f.fullFetches.Load())
}

func TestStaleSyncTokenFallsBackToFullFetch(t *testing.T) {
	f := newFakeGoogle(t)
	sess := openSession(t, f, &caltest.Credentials{}, newConn(validToken))

	tok := "stale"
	res, err := sess.FetchEvents(context.Background(), &calendar.Calendar{ExternalCalendarID: "primary", LastSyncToken: &tok})
	require.NoError(t, err)
	require.Len(t, res.Events, 2)
	require.Equal(t, "final-token", *res.NextSyncToken)
	require.Equal(t, int32(1), f.fullFetches.Load())
}

func TestBusyFreeCalendarIsMasked(t *testing.T) {
	f := newFakeGoogle(t)
	sess := openSession(t, f, &caltest.Credentials{}, newConn(validToken))

	res, err := sess.FetchEvents(context.Background(), &calendar.Calendar{ExternalCalendarID: "primary", PrivacyMode: calendar.PrivacyBusyFreeOnly})
	require.NoError(t, err)
	for _, ev := range res.Events {
		require.Equal(t, "Busy", ev.Title)
		require.Nil(t, ev.Description)
		require.Nil(t, ev.Location)
	}
}

func TestExpiredTokenIsRefreshedAndPersisted(t *testing.T) {
	f := newFakeGoogle(t)
	creds := &caltest.Credentials{}
	conn := newConn(`{"access_token":"old","refresh_token":"rt","expiry":"2000-01-01T00:00:00Z"}`)
	openSession(t, f, creds, conn)

	require.Equal(t, int32(1), f.tokenRequests.Load())
	require.Equal(t, 1, creds.Count(conn.ID))
	require.Contains(t, creds.Last(conn.ID), `"access_token":"refreshed"`)
	require.Contains(t, creds.Last(conn.ID), `"refresh_token":"rt"`)
}

func TestDiscover(t *testing.T) {
	f := newFakeGoogle(t)
	sess := openSession(t, f, &caltest.Credentials{}, newConn(validToken))

	cals, err := sess.Discover(context.Background())
	require.NoError(t, err)
	require.Equal(t, []calendar.DiscoveredCalendar{
		{ExternalID: "primary", DisplayName: "alice@example.com", Color: "#9fe1e7"},
		{ExternalID: "team@group.calendar.google.com", DisplayName: "My Team"},
	}, cals)
}
