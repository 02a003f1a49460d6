package caldav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/beekhof/calendar-sync-engine/internal/calendar"
	"github.com/beekhof/calendar-sync-engine/internal/calendar/caltest"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)

const calendarData = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//Test//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:timed-1\r\n" +
	"DTSTAMP:20250101T000000Z\r\n" +
	"DTSTART:20250120T100000Z\r\n" +
	"DTEND:20250120T110000Z\r\n" +
	"SUMMARY:Planning\r\n" +
	"DESCRIPTION:A long description that is folded across\r\n" +
	"  two lines\\, with an escaped comma\r\n" +
	"LOCATION:HQ\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:timed-1\r\n" +
	"RECURRENCE-ID:20250127T100000Z\r\n" +
	"DTSTAMP:20250101T000000Z\r\n" +
	"DTSTART:20250127T120000Z\r\n" +
	"DURATION:PT30M\r\n" +
	"SUMMARY:Planning (moved)\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

const allDayData = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//Test//EN\r\n" +
	"BEGIN:VEVENT\r\nUID:allday-1\r\nDTSTAMP:20250101T000000Z\r\nDTSTART;VALUE=DATE:20250201\r\nSUMMARY:Trip\r\nEND:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

const floatingData = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//Test//EN\r\n" +
	"BEGIN:VEVENT\r\nUID:floating-1\r\nDTSTAMP:20250101T000000Z\r\nDTSTART;TZID=Europe/Berlin:20250301T090000\r\nDTEND;TZID=Europe/Berlin:20250301T093000\r\nSUMMARY:Call\r\nEND:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

const cancelledData = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//Test//EN\r\n" +
	"BEGIN:VEVENT\r\nUID:cancelled-1\r\nDTSTAMP:20250101T000000Z\r\nDTSTART:20250105T100000Z\r\nSTATUS:CANCELLED\r\nSUMMARY:Gone\r\nEND:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

type fakeServer struct {
	t          *testing.T
	srv        *httptest.Server
	ctag       string
	reports    atomic.Int32
	wellKnown  bool
	lastReport string
}

func newFakeServer(t *testing.T) *fakeServer {
	f := &fakeServer{t: t, ctag: "ctag-1", wellKnown: true}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func multistatus(responses ...string) string {
	return `<?xml version="1.0" encoding="utf-8"?><d:multistatus xmlns:d="DAV:" xmlns:cal="urn:ietf:params:xml:ns:caldav" xmlns:cs="http://calendarserver.org/ns/" xmlns:ic="http://apple.com/ns/ical/">` +
		strings.Join(responses, "") + `</d:multistatus>`
}

func (f *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != "alice" || pass != "s3cret" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	body, _ := io.ReadAll(r.Body)

	switch {
	case r.URL.Path == "/.well-known/caldav":
		if !f.wellKnown {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Location", "/dav/")
		w.WriteHeader(http.StatusMovedPermanently)
	case r.URL.Path == "/dav/" || r.URL.Path == "/":
		f.expect(r, "PROPFIND", "0")
		w.WriteHeader(http.StatusMultiStatus)
		fmt.Fprint(w, multistatus(`<d:response><d:href>`+r.URL.Path+`</d:href><d:propstat><d:prop><d:current-user-principal><d:href>/dav/principals/alice/</d:href></d:current-user-principal></d:prop></d:propstat></d:response>`))
	case r.URL.Path == "/dav/principals/alice/":
		f.expect(r, "PROPFIND", "0")
		w.WriteHeader(http.StatusMultiStatus)
		fmt.Fprint(w, multistatus(`<d:response><d:href>/dav/principals/alice/</d:href><d:propstat><d:prop><cal:calendar-home-set><d:href>calendars/alice/</d:href></cal:calendar-home-set></d:prop></d:propstat></d:response>`))
	case r.URL.Path == "/dav/principals/alice/calendars/alice/":
		f.expect(r, "PROPFIND", "1")
		w.WriteHeader(http.StatusMultiStatus)
		fmt.Fprint(w, multistatus(
			`<d:response><d:href>/dav/principals/alice/calendars/alice/</d:href><d:propstat><d:prop><d:resourcetype><d:collection/></d:resourcetype></d:prop></d:propstat></d:response>`,
			`<d:response><d:href>work/</d:href><d:propstat><d:prop>
				<d:resourcetype><d:collection/><cal:calendar/></d:resourcetype>
				<d:displayname>Work</d:displayname>
				<ic:calendar-color>#FF2968FF</ic:calendar-color>
				<cal:supported-calendar-component-set><cal:comp name="VEVENT"/><cal:comp name="VTODO"/></cal:supported-calendar-component-set>
			</d:prop></d:propstat></d:response>`,
			`<d:response><d:href>/dav/calendars/alice/tasks/</d:href><d:propstat><d:prop>
				<d:resourcetype><d:collection/><cal:calendar/></d:resourcetype>
				<d:displayname>Tasks</d:displayname>
				<cal:supported-calendar-component-set><cal:comp name="VTODO"/></cal:supported-calendar-component-set>
			</d:prop></d:propstat></d:response>`,
			`<d:response><d:href>/dav/calendars/alice/inbox/</d:href><d:propstat><d:prop>
				<d:resourcetype><d:collection/><cal:schedule-inbox/></d:resourcetype>
			</d:prop></d:propstat></d:response>`,
		))
	case r.URL.Path == "/old/work/":
		w.Header().Set("Location", "../../dav/calendars/alice/work/")
		w.WriteHeader(http.StatusTemporaryRedirect)
	case r.URL.Path == "/loop/":
		w.Header().Set("Location", "/loop/")
		w.WriteHeader(http.StatusFound)
	case r.URL.Path == "/dav/calendars/alice/work/" && r.Method == "PROPFIND":
		f.expect(r, "PROPFIND", "0")
		w.WriteHeader(http.StatusMultiStatus)
		fmt.Fprint(w, multistatus(`<d:response><d:href>/dav/calendars/alice/work/</d:href><d:propstat><d:prop><cs:getctag>`+f.ctag+`</cs:getctag></d:prop></d:propstat></d:response>`))
	case r.URL.Path == "/dav/calendars/alice/work/" && r.Method == "REPORT":
		f.expect(r, "REPORT", "1")
		f.reports.Add(1)
		f.lastReport = string(body)
		w.WriteHeader(http.StatusMultiStatus)
		fmt.Fprint(w, multistatus(
			`<d:response><d:href>/dav/calendars/alice/work/a.ics</d:href><d:propstat><d:prop><cal:calendar-data>`+calendarData+`</cal:calendar-data></d:prop></d:propstat></d:response>`,
			`<d:response><d:href>/dav/calendars/alice/work/b.ics</d:href><d:propstat><d:prop><cal:calendar-data><![CDATA[`+allDayData+`]]></cal:calendar-data></d:prop></d:propstat></d:response>`,
			`<d:response><d:href>/dav/calendars/alice/work/c.ics</d:href><d:propstat><d:prop><cal:calendar-data>`+floatingData+`</cal:calendar-data></d:prop></d:propstat></d:response>`,
			`<d:response><d:href>/dav/calendars/alice/work/d.ics</d:href><d:propstat><d:prop><cal:calendar-data>`+cancelledData+`</cal:calendar-data></d:prop></d:propstat></d:response>`,
		))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeServer) expect(r *http.Request, method, depth string) {
	if r.Method != method {
		f.t.Errorf("%s: expected method %s, got %s", r.URL.Path, method, r.Method)
	}
	if r.Header.Get("Depth") != depth {
		f.t.Errorf("%s: expected Depth %s, got %q", r.URL.Path, depth, r.Header.Get("Depth"))
	}
}

func (f *fakeServer) open(t *testing.T, password string) calendar.Session {
	t.Helper()
	a := NewAdapter(calendar.ProviderCalDAV, caltest.PlainSealer{}, nil, time.Second)
	a.Now = func() time.Time { return fixedNow }
	conn := &calendar.Connection{
		ID:                  uuid.New(),
		Provider:            calendar.ProviderCalDAV,
		ServerEndpoint:      f.srv.URL,
		EncryptedCredential: caltest.Seal("alice:" + password),
	}
	sess, err := a.Open(context.Background(), conn)
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })
	return sess
}

func (f *fakeServer) workURL() string { return f.srv.URL + "/dav/calendars/alice/work/" }

func TestDiscoverFollowsWellKnownRedirect(t *testing.T) {
	f := newFakeServer(t)
	cals, err := f.open(t, "s3cret").Discover(context.Background())
	require.NoError(t, err)
	require.Equal(t, []calendar.DiscoveredCalendar{{
		ExternalID:  f.srv.URL + "/dav/principals/alice/calendars/alice/work/",
		DisplayName: "Work",
		Color:       "#FF2968",
	}}, cals)
}

func TestDiscoverFallsBackToBaseURL(t *testing.T) {
	f := newFakeServer(t)
	f.wellKnown = false
	cals, err := f.open(t, "s3cret").Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, cals, 1)
}

func TestDiscoverBadPasswordIsAuthError(t *testing.T) {
	f := newFakeServer(t)
	_, err := f.open(t, "wrong").Discover(context.Background())
	var ae *calendar.AuthError
	require.True(t, errors.As(err, &ae), "expected AuthError, got %v", err)
	require.Equal(t, http.StatusUnauthorized, ae.Code)
}

func TestFetchEventsFullReport(t *testing.T) {
	f := newFakeServer(t)
	sess := f.open(t, "s3cret")

	res, err := sess.FetchEvents(context.Background(), &calendar.Calendar{ExternalCalendarID: f.workURL()})
	require.NoError(t, err)
	require.Equal(t, "ctag-1", *res.NextSyncToken)
	require.Contains(t, f.lastReport, `start="20241216T000000Z"`)
	require.Contains(t, f.lastReport, `end="20260115T000000Z"`)

	byID := map[string]calendar.NormalizedEvent{}
	for _, ev := range res.Events {
		byID[ev.ExternalID] = ev
	}
	require.Len(t, byID, 5)

	timed := byID["timed-1"]
	require.Equal(t, "Planning", timed.Title)
	require.Equal(t, "A long description that is folded across two lines, with an escaped comma", *timed.Description)
	require.Equal(t, time.Date(2025, 1, 20, 10, 0, 0, 0, time.UTC), timed.StartAt)
	require.Equal(t, time.Date(2025, 1, 20, 11, 0, 0, 0, time.UTC), timed.EndAt)

	moved := byID["timed-1#20250127T100000Z"]
	require.Equal(t, "Planning (moved)", moved.Title)
	require.Equal(t, 30*time.Minute, moved.EndAt.Sub(moved.StartAt))

	allDay := byID["allday-1"]
	require.True(t, allDay.AllDay)
	require.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), allDay.StartAt)
	require.Equal(t, time.Date(2025, 2, 2, 0, 0, 0, 0, time.UTC), allDay.EndAt)

	floating := byID["floating-1"]
	require.Equal(t, time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC), floating.StartAt)

	require.Equal(t, calendar.Tombstone("cancelled-1"), byID["cancelled-1"])
}

func TestUnchangedCTagSkipsReport(t *testing.T) {
	f := newFakeServer(t)
	sess := f.open(t, "s3cret")

	tok := "ctag-1"
	res, err := sess.FetchEvents(context.Background(), &calendar.Calendar{ExternalCalendarID: f.workURL(), LastSyncToken: &tok})
	require.NoError(t, err)
	require.Empty(t, res.Events)
	require.Equal(t, "ctag-1", *res.NextSyncToken)
	require.Zero(t, f.reports.Load())
}

func TestChangedCTagRunsReport(t *testing.T) {
	f := newFakeServer(t)
	f.ctag = "ctag-2"
	sess := f.open(t, "s3cret")

	tok := "ctag-1"
	res, err := sess.FetchEvents(context.Background(), &calendar.Calendar{ExternalCalendarID: f.workURL(), LastSyncToken: &tok})
	require.NoError(t, err)
	require.NotEmpty(t, res.Events)
	require.Equal(t, "ctag-2", *res.NextSyncToken)
	require.Equal(t, int32(1), f.reports.Load())
}

func TestRelativeRedirectIsFollowedForReport(t *testing.T) {
	f := newFakeServer(t)
	sess := f.open(t, "s3cret")

	res, err := sess.FetchEvents(context.Background(), &calendar.Calendar{ExternalCalendarID: f.srv.URL + "/old/work/"})
	require.NoError(t, err)
	require.Equal(t, int32(1), f.reports.Load())
	require.NotEmpty(t, res.Events)
}

func TestRedirectLoopIsBounded(t *testing.T) {
	f := newFakeServer(t)
	sess := f.open(t, "s3cret")

	_, err := sess.FetchEvents(context.Background(), &calendar.Calendar{ExternalCalendarID: f.srv.URL + "/loop/"})
	var pe *calendar.ProviderError
	require.True(t, errors.As(err, &pe), "expected ProviderError, got %v", err)
}

func TestFetchMasksBusyFreeCalendar(t *testing.T) {
	f := newFakeServer(t)
	sess := f.open(t, "s3cret")

	res, err := sess.FetchEvents(context.Background(), &calendar.Calendar{ExternalCalendarID: f.workURL(), PrivacyMode: calendar.PrivacyBusyFreeOnly})
	require.NoError(t, err)
	for _, ev := range res.Events {
		if ev.IsCancelled {
			continue
		}
		require.Equal(t, "Busy", ev.Title)
		require.Nil(t, ev.Description)
		require.Nil(t, ev.Location)
	}
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		in     string
		want   time.Time
		allDay bool
	}{
		{"20250101", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), true},
		{"20250101T100000Z", time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC), false},
		{"20250101T100000", time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		got, allDay, err := ParseDate(tt.in)
		require.NoError(t, err, tt.in)
		require.True(t, tt.want.Equal(got), "%s: expected %s, got %s", tt.in, tt.want, got)
		require.Equal(t, time.UTC, got.Location(), tt.in)
		require.Equal(t, tt.allDay, allDay, tt.in)
	}

	_, _, err := ParseDate("not-a-date")
	require.Error(t, err)
}

func TestAppleDefaultsEndpoint(t *testing.T) {
	a := NewAdapter(calendar.ProviderApple, caltest.PlainSealer{}, nil, 0)
	sess, err := a.Open(context.Background(), &calendar.Connection{ID: uuid.New(), Provider: calendar.ProviderApple, EncryptedCredential: caltest.Seal("a@icloud.com:pw")})
	require.NoError(t, err)
	require.Equal(t, AppleEndpoint, sess.(*session).base.String())

	g := NewAdapter(calendar.ProviderCalDAV, caltest.PlainSealer{}, nil, 0)
	_, err = g.Open(context.Background(), &calendar.Connection{ID: uuid.New(), Provider: calendar.ProviderCalDAV, EncryptedCredential: caltest.Seal("a:pw")})
	require.Error(t, err)
}

func TestParseEventsSkipsBrokenComponent(t *testing.T) {
	data := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n" +
		"BEGIN:VEVENT\r\nUID:series\r\nDTSTAMP:20250101T000000Z\r\nDTSTART:20250106T100000Z\r\nDTEND:20250106T110000Z\r\nSUMMARY:Standup\r\nEND:VEVENT\r\n" +
		"BEGIN:VEVENT\r\nUID:series\r\nDTSTAMP:20250101T000000Z\r\nRECURRENCE-ID:20250113T100000Z\r\nSUMMARY:Broken override\r\nEND:VEVENT\r\n" +
		"BEGIN:VEVENT\r\nUID:series\r\nDTSTAMP:20250101T000000Z\r\nRECURRENCE-ID:20250120T100000Z\r\nDTSTART:20250120T120000Z\r\nDTEND:20250120T130000Z\r\nSUMMARY:Moved\r\nEND:VEVENT\r\n" +
		"END:VCALENDAR\r\n"

	events, err := ParseEvents(data)
	require.ErrorContains(t, err, "without DTSTART")
	require.Len(t, events, 2)
	require.Equal(t, "series", events[0].ExternalID)
	require.Equal(t, "series#20250120T100000Z", events[1].ExternalID)
	require.Equal(t, "Moved", events[1].Title)
}
