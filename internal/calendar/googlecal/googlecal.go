// Package googlecal implements the Google Calendar adapter: OAuth tokens,
// events.list with sync tokens, and calendarList discovery.
package googlecal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/beekhof/calendar-sync-engine/internal/auth"
	"github.com/beekhof/calendar-sync-engine/internal/calendar"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const pageSize = 250

// NewOAuthConfig returns the OAuth client configuration for read-only calendar access.
func NewOAuthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gcal.CalendarReadonlyScope},
	}
}

// Adapter opens Google Calendar sessions.
type Adapter struct {
	OAuth       *oauth2.Config
	Sealer      calendar.Sealer
	Credentials calendar.CredentialStore
	Logger      *zap.Logger

	// Endpoint overrides the API base URL. Used by tests.
	Endpoint string
	// HTTPClient is the base client for token and API requests.
	HTTPClient *http.Client
	Now        calendar.Clock
}

// Open implements calendar.Adapter.
func (a *Adapter) Open(ctx context.Context, conn *calendar.Connection) (calendar.Session, error) {
	if a.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, a.HTTPClient)
	}
	now := a.Now
	if now == nil {
		now = time.Now
	}
	logger := a.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &session{
		adapter: a,
		ctx:     ctx,
		now:     now,
		logger:  logger.With(zap.String("connection_id", conn.ID.String())),
		refresher: &auth.Refresher{
			Config:   a.OAuth,
			Provider: calendar.ProviderGoogle,
			Store:    &auth.ConnectionTokenStore{Conn: conn, Sealer: a.Sealer, Store: a.Credentials},
			Now:      now,
		},
	}, nil
}

type session struct {
	adapter   *Adapter
	ctx       context.Context
	now       calendar.Clock
	logger    *zap.Logger
	refresher *auth.Refresher
	svc       *gcal.Service
}

// RefreshAuth refreshes the access token if it expires within a minute and
// builds an API client whose mid-session refreshes are persisted too.
func (s *session) RefreshAuth(ctx context.Context) error {
	tok, err := s.refresher.Ensure(s.withClient(ctx))
	if err != nil {
		return err
	}
	opts := []option.ClientOption{option.WithHTTPClient(s.refresher.NewClient(s.ctx, tok))}
	if s.adapter.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(s.adapter.Endpoint))
	}
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create calendar service: %w", err)
	}
	s.svc = svc
	return nil
}

func (s *session) withClient(ctx context.Context) context.Context {
	if s.adapter.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, s.adapter.HTTPClient)
	}
	return ctx
}

func (s *session) service(ctx context.Context) (*gcal.Service, error) {
	if s.svc == nil {
		if err := s.RefreshAuth(ctx); err != nil {
			return nil, err
		}
	}
	return s.svc, nil
}

// FetchEvents lists changes since the stored sync token. A token the API
// reports as gone (410) triggers a full fetch over the sync window.
func (s *session) FetchEvents(ctx context.Context, cal *calendar.Calendar) (*calendar.FetchResult, error) {
	svc, err := s.service(ctx)
	if err != nil {
		return nil, err
	}

	if cal.LastSyncToken != nil && *cal.LastSyncToken != "" {
		res, err := s.list(ctx, svc, cal, *cal.LastSyncToken)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, calendar.ErrStaleToken) {
			return nil, err
		}
		s.logger.Info("sync token expired, performing full fetch", zap.String("calendar", cal.ExternalCalendarID))
	}
	res, err := s.list(ctx, svc, cal, "")
	if errors.Is(err, calendar.ErrStaleToken) {
		return nil, &calendar.ProviderError{Provider: calendar.ProviderGoogle, Op: "events.list", StatusCode: http.StatusGone}
	}
	return res, err
}

func (s *session) list(ctx context.Context, svc *gcal.Service, cal *calendar.Calendar, syncToken string) (*calendar.FetchResult, error) {
	var (
		events    []calendar.NormalizedEvent
		pageToken string
		nextSync  string
	)
	timeMin, timeMax := calendar.SyncWindow(s.now())

	for {
		call := svc.Events.List(cal.ExternalCalendarID).
			SingleEvents(true).
			MaxResults(pageSize).
			Context(ctx)
		// Sync tokens and time bounds are mutually exclusive in this API.
		if syncToken != "" {
			call = call.SyncToken(syncToken)
		} else {
			call = call.TimeMin(timeMin.Format(time.RFC3339)).TimeMax(timeMax.Format(time.RFC3339))
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			return nil, classify("events.list", err)
		}
		for _, item := range resp.Items {
			ev, ok := normalize(item)
			if !ok {
				s.logger.Warn("skipping event with unparseable time", zap.String("event_id", item.Id))
				continue
			}
			events = append(events, ev)
		}
		if resp.NextPageToken == "" {
			nextSync = resp.NextSyncToken
			break
		}
		pageToken = resp.NextPageToken
	}

	return &calendar.FetchResult{
		Events:        calendar.ApplyPrivacy(cal.PrivacyMode, events),
		NextSyncToken: calendar.StringPtr(nextSync),
	}, nil
}

// Discover lists the calendars in the user's calendar list.
func (s *session) Discover(ctx context.Context) ([]calendar.DiscoveredCalendar, error) {
	svc, err := s.service(ctx)
	if err != nil {
		return nil, err
	}
	var out []calendar.DiscoveredCalendar
	err = svc.CalendarList.List().Context(ctx).Pages(ctx, func(page *gcal.CalendarList) error {
		for _, item := range page.Items {
			if item.Deleted {
				continue
			}
			name := item.SummaryOverride
			if name == "" {
				name = item.Summary
			}
			out = append(out, calendar.DiscoveredCalendar{ExternalID: item.Id, DisplayName: name, Color: item.BackgroundColor})
		}
		return nil
	})
	if err != nil {
		return nil, classify("calendarList.list", err)
	}
	return out, nil
}

func (s *session) Close() error { return nil }

func normalize(item *gcal.Event) (calendar.NormalizedEvent, bool) {
	if item.Status == "cancelled" {
		return calendar.Tombstone(item.Id), true
	}
	ev := calendar.NormalizedEvent{
		ExternalID:  item.Id,
		Title:       item.Summary,
		Description: calendar.StringPtr(item.Description),
		Location:    calendar.StringPtr(item.Location),
	}
	start, allDay, ok := parseEventTime(item.Start)
	if !ok {
		return ev, false
	}
	end, _, ok := parseEventTime(item.End)
	if !ok {
		end = start
	}
	ev.StartAt, ev.EndAt, ev.AllDay = start, end, allDay
	return ev, true
}

func parseEventTime(t *gcal.EventDateTime) (time.Time, bool, bool) {
	if t == nil {
		return time.Time{}, false, false
	}
	if t.Date != "" {
		d, err := time.Parse("2006-01-02", t.Date)
		return d, true, err == nil
	}
	dt, err := time.Parse(time.RFC3339, t.DateTime)
	return dt.UTC(), false, err == nil
}

// classify maps API errors onto the calendar error taxonomy.
func classify(op string, err error) error {
	var ae *calendar.AuthError
	if errors.As(err, &ae) {
		return err
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusGone:
			return calendar.ErrStaleToken
		case http.StatusUnauthorized:
			return &calendar.AuthError{Code: gerr.Code, Provider: calendar.ProviderGoogle, Err: err}
		case http.StatusForbidden:
			if isRateLimited(gerr) {
				break
			}
			return &calendar.AuthError{Code: gerr.Code, Provider: calendar.ProviderGoogle, Err: err}
		}
		return &calendar.ProviderError{Provider: calendar.ProviderGoogle, Op: op, StatusCode: gerr.Code, Err: err}
	}
	return &calendar.ProviderError{Provider: calendar.ProviderGoogle, Op: op, Err: err}
}

func isRateLimited(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}
