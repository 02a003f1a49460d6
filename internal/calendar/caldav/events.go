package caldav

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/beekhof/calendar-sync-engine/internal/calendar"
	"github.com/beekhof/calendar-sync-engine/internal/xmlscan"

	"github.com/emersion/go-ical"
	"go.uber.org/zap"
)

const propfindCTag = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:" xmlns:cs="http://calendarserver.org/ns/">
  <d:prop>
    <cs:getctag/>
    <d:sync-token/>
  </d:prop>
</d:propfind>`

const reportTemplate = `<?xml version="1.0" encoding="utf-8"?>
<c:calendar-query xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop>
    <d:getetag/>
    <c:calendar-data/>
  </d:prop>
  <c:filter>
    <c:comp-filter name="VCALENDAR">
      <c:comp-filter name="VEVENT">
        <c:time-range start="%s" end="%s"/>
      </c:comp-filter>
    </c:comp-filter>
  </c:filter>
</c:calendar-query>`

const (
	icalDate      = "20060102"
	icalDateTime  = "20060102T150405"
	icalDateTimeZ = "20060102T150405Z"
)

// FetchEvents compares the calendar's change tag with the stored token and
// only issues the time-ranged REPORT when it differs.
func (s *session) FetchEvents(ctx context.Context, cal *calendar.Calendar) (*calendar.FetchResult, error) {
	target, err := url.Parse(cal.ExternalCalendarID)
	if err != nil {
		return nil, fmt.Errorf("invalid calendar url %q: %w", cal.ExternalCalendarID, err)
	}

	ctag, err := s.changeTag(ctx, target)
	if err != nil {
		return nil, err
	}
	if ctag != "" && cal.LastSyncToken != nil && *cal.LastSyncToken == ctag {
		s.logger.Debug("calendar unchanged", zap.String("calendar", cal.ExternalCalendarID))
		return &calendar.FetchResult{NextSyncToken: cal.LastSyncToken}, nil
	}

	from, to := calendar.SyncWindow(s.now())
	body := fmt.Sprintf(reportTemplate, from.Format(icalDateTimeZ), to.Format(icalDateTimeZ))
	resp, err := s.do(ctx, "REPORT", target, "1", body)
	if err != nil {
		return nil, err
	}
	if !isSuccess(resp.Status) {
		return nil, calendar.HTTPStatusError(s.provider, "REPORT calendar-query", resp.Status)
	}

	var events []calendar.NormalizedEvent
	for _, r := range xmlscan.Elements(resp.Body, "response") {
		data := xmlscan.Text(r.Inner, "calendar-data")
		if data == "" {
			continue
		}
		parsed, err := ParseEvents(data)
		if err != nil {
			s.logger.Warn("failed to parse calendar data", zap.String("href", xmlscan.Text(r.Inner, "href")), zap.Error(err))
		}
		events = append(events, parsed...)
	}

	return &calendar.FetchResult{
		Events:        calendar.ApplyPrivacy(cal.PrivacyMode, events),
		NextSyncToken: calendar.StringPtr(ctag),
	}, nil
}

// changeTag returns the collection's getctag, or its sync-token when the
// server does not publish a ctag. Servers that support neither yield "".
func (s *session) changeTag(ctx context.Context, target *url.URL) (string, error) {
	resp, err := s.do(ctx, "PROPFIND", target, "0", propfindCTag)
	if err != nil {
		return "", err
	}
	switch {
	case isAuthStatus(resp.Status):
		return "", calendar.HTTPStatusError(s.provider, "PROPFIND getctag", resp.Status)
	case resp.Status == http.StatusNotFound, resp.Status == http.StatusMethodNotAllowed:
		return "", nil
	case !isSuccess(resp.Status):
		return "", calendar.HTTPStatusError(s.provider, "PROPFIND getctag", resp.Status)
	}
	if tag := xmlscan.Text(resp.Body, "getctag"); tag != "" {
		return tag, nil
	}
	return xmlscan.Text(resp.Body, "sync-token"), nil
}

// ParseEvents decodes every VEVENT in an iCalendar object. Dates are read
// without time zone lookups: a bare date is an all-day event at UTC midnight
// and a date-time with or without a trailing Z is taken as UTC.
//
// A VEVENT that cannot be normalized is skipped. The events that could be
// read are still returned, alongside an error naming the skipped ones.
func ParseEvents(data string) ([]calendar.NormalizedEvent, error) {
	if !strings.HasSuffix(data, "\n") {
		data += "\r\n"
	}
	cal, err := ical.NewDecoder(strings.NewReader(data)).Decode()
	if err != nil {
		return nil, err
	}

	var (
		out     []calendar.NormalizedEvent
		skipped []error
	)
	for _, comp := range cal.Children {
		if comp.Name != ical.CompEvent {
			continue
		}
		ev, err := normalizeEvent(comp)
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		out = append(out, ev)
	}
	return out, errors.Join(skipped...)
}

func normalizeEvent(comp *ical.Component) (calendar.NormalizedEvent, error) {
	uid := propText(comp, ical.PropUID)
	if uid == "" {
		return calendar.NormalizedEvent{}, errors.New("VEVENT without UID")
	}
	id := uid
	if rid := comp.Props.Get(ical.PropRecurrenceID); rid != nil {
		id = uid + "#" + strings.TrimSpace(rid.Value)
	}

	if strings.EqualFold(propText(comp, ical.PropStatus), "CANCELLED") {
		return calendar.Tombstone(id), nil
	}

	dtstart := comp.Props.Get(ical.PropDateTimeStart)
	if dtstart == nil {
		return calendar.NormalizedEvent{}, fmt.Errorf("VEVENT %s without DTSTART", uid)
	}
	start, allDay, err := ParseDate(dtstart.Value)
	if err != nil {
		return calendar.NormalizedEvent{}, fmt.Errorf("VEVENT %s: %w", uid, err)
	}

	end := start
	switch {
	case comp.Props.Get(ical.PropDateTimeEnd) != nil:
		if t, _, err := ParseDate(comp.Props.Get(ical.PropDateTimeEnd).Value); err == nil {
			end = t
		}
	case comp.Props.Get(ical.PropDuration) != nil:
		if d, err := comp.Props.Get(ical.PropDuration).Duration(); err == nil {
			end = start.Add(d)
		}
	case allDay:
		end = start.AddDate(0, 0, 1)
	}

	return calendar.NormalizedEvent{
		ExternalID:  id,
		Title:       propText(comp, ical.PropSummary),
		Description: calendar.StringPtr(propText(comp, ical.PropDescription)),
		Location:    calendar.StringPtr(propText(comp, ical.PropLocation)),
		StartAt:     start,
		EndAt:       end,
		AllDay:      allDay,
	}, nil
}

func propText(comp *ical.Component, name string) string {
	prop := comp.Props.Get(name)
	if prop == nil {
		return ""
	}
	text, err := prop.Text()
	if err != nil {
		return strings.TrimSpace(prop.Value)
	}
	return strings.TrimSpace(text)
}

// ParseDate parses an iCalendar DATE or DATE-TIME value. Values without a
// UTC marker are treated as UTC.
func ParseDate(v string) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	switch {
	case len(v) == len(icalDate):
		t, err := time.Parse(icalDate, v)
		return t, true, err
	case strings.HasSuffix(v, "Z"):
		t, err := time.Parse(icalDateTimeZ, v)
		return t, false, err
	default:
		t, err := time.ParseInLocation(icalDateTime, v, time.UTC)
		return t, false, err
	}
}
