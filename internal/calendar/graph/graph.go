// Package graph implements the Microsoft Graph adapter. Only the refresh
// token is persisted; access tokens are exchanged just in time and cached in
// memory per connection.
package graph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/beekhof/calendar-sync-engine/internal/auth"
	"github.com/beekhof/calendar-sync-engine/internal/calendar"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

const (
	// DefaultBaseURL is the Graph v1.0 endpoint.
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"

	graphTimeLayout  = "2006-01-02T15:04:05.9999999"
	defaultTokenTTL  = 55 * time.Minute
	maxErrorBodySize = 64 << 10
)

// NewOAuthConfig returns a confidential client configuration for the given tenant.
func NewOAuthConfig(clientID, clientSecret, tenant string) *oauth2.Config {
	if tenant == "" {
		tenant = "common"
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     microsoft.AzureADEndpoint(tenant),
		Scopes:       []string{"offline_access", "https://graph.microsoft.com/Calendars.Read"},
	}
}

// cachedToken is an access token together with the credential envelope it
// was minted from.
type cachedToken struct {
	envelope string
	access   string
}

// Adapter opens Microsoft Graph sessions.
type Adapter struct {
	oauth       *oauth2.Config
	sealer      calendar.Sealer
	credentials calendar.CredentialStore
	logger      *zap.Logger
	tokens      *ttlcache.Cache[uuid.UUID, cachedToken]

	// BaseURL overrides DefaultBaseURL. Used by tests.
	BaseURL    string
	HTTPClient *http.Client
	Now        calendar.Clock
}

// NewAdapter returns an adapter with an empty access-token cache.
func NewAdapter(oauth *oauth2.Config, sealer calendar.Sealer, credentials calendar.CredentialStore, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		oauth:       oauth,
		sealer:      sealer,
		credentials: credentials,
		logger:      logger,
		tokens: ttlcache.New[uuid.UUID, cachedToken](
			ttlcache.WithTTL[uuid.UUID, cachedToken](defaultTokenTTL),
			ttlcache.WithDisableTouchOnHit[uuid.UUID, cachedToken](),
		),
		BaseURL:    DefaultBaseURL,
		HTTPClient: http.DefaultClient,
	}
}

// Open implements calendar.Adapter.
func (a *Adapter) Open(ctx context.Context, conn *calendar.Connection) (calendar.Session, error) {
	now := a.Now
	if now == nil {
		now = time.Now
	}
	return &session{
		adapter: a,
		conn:    conn,
		now:     now,
		logger:  a.logger.With(zap.String("connection_id", conn.ID.String())),
		store:   &auth.ConnectionTokenStore{Conn: conn, Sealer: a.sealer, Store: a.credentials},
	}, nil
}

type session struct {
	adapter     *Adapter
	conn        *calendar.Connection
	now         calendar.Clock
	logger      *zap.Logger
	store       *auth.ConnectionTokenStore
	accessToken string
}

// RefreshAuth uses a cached access token if one is still valid and was
// minted from the connection's current credential, otherwise it exchanges
// the stored refresh token and persists a rotated one.
func (s *session) RefreshAuth(ctx context.Context) error {
	if item := s.adapter.tokens.Get(s.conn.ID); item != nil && item.Value().envelope == s.conn.EncryptedCredential {
		s.accessToken = item.Value().access
		return nil
	}

	stored, err := s.store.LoadToken(ctx)
	if err != nil {
		return err
	}
	if s.adapter.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.adapter.HTTPClient)
	}
	tok, err := auth.Exchange(ctx, s.adapter.oauth, stored.RefreshToken, calendar.ProviderMicrosoft)
	if err != nil {
		return err
	}

	s.accessToken = tok.AccessToken
	if tok.RefreshToken != stored.RefreshToken {
		s.logger.Info("refresh token rotated")
		if err := s.store.SaveToken(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken}); err != nil {
			return err
		}
	}

	ttl := defaultTokenTTL
	if !tok.Expiry.IsZero() {
		ttl = tok.Expiry.Sub(s.now()) - auth.ExpiryBuffer
	}
	if ttl > 0 {
		s.adapter.tokens.Set(s.conn.ID, cachedToken{envelope: s.conn.EncryptedCredential, access: tok.AccessToken}, ttl)
	}
	return nil
}

type graphEvent struct {
	ID          string `json:"id"`
	Subject     string `json:"subject"`
	BodyPreview string `json:"bodyPreview"`
	Body        *struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	Location *struct {
		DisplayName string `json:"displayName"`
	} `json:"location"`
	Start       *graphDateTime `json:"start"`
	End         *graphDateTime `json:"end"`
	IsAllDay    bool           `json:"isAllDay"`
	IsCancelled bool           `json:"isCancelled"`
	Removed     *struct {
		Reason string `json:"reason"`
	} `json:"@removed"`
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type eventPage struct {
	Value     []graphEvent `json:"value"`
	NextLink  string       `json:"@odata.nextLink"`
	DeltaLink string       `json:"@odata.deltaLink"`
}

type calendarPage struct {
	Value []struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		HexColor string `json:"hexColor"`
	} `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

type graphErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// FetchEvents pages through the stored delta link. An expired delta link
// falls back to a fresh delta query over the sync window.
func (s *session) FetchEvents(ctx context.Context, cal *calendar.Calendar) (*calendar.FetchResult, error) {
	if s.accessToken == "" {
		if err := s.RefreshAuth(ctx); err != nil {
			return nil, err
		}
	}

	if cal.LastSyncToken != nil && *cal.LastSyncToken != "" {
		res, err := s.delta(ctx, cal, *cal.LastSyncToken)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, calendar.ErrStaleToken) {
			return nil, err
		}
		s.logger.Info("delta link expired, starting a new delta query", zap.String("calendar", cal.ExternalCalendarID))
	}

	from, to := calendar.SyncWindow(s.now())
	q := url.Values{}
	q.Set("startDateTime", from.Format(time.RFC3339))
	q.Set("endDateTime", to.Format(time.RFC3339))
	start := fmt.Sprintf("%s/me/calendars/%s/calendarView/delta?%s", s.baseURL(), url.PathEscape(cal.ExternalCalendarID), q.Encode())

	res, err := s.delta(ctx, cal, start)
	if errors.Is(err, calendar.ErrStaleToken) {
		return nil, &calendar.ProviderError{Provider: calendar.ProviderMicrosoft, Op: "calendarView/delta", StatusCode: http.StatusGone}
	}
	return res, err
}

func (s *session) delta(ctx context.Context, cal *calendar.Calendar, link string) (*calendar.FetchResult, error) {
	var (
		events    []calendar.NormalizedEvent
		deltaLink string
	)
	for link != "" {
		var page eventPage
		if err := s.get(ctx, link, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Value {
			if item.Removed != nil || item.IsCancelled {
				events = append(events, calendar.Tombstone(item.ID))
				continue
			}
			ev, err := normalize(item)
			if err != nil {
				s.logger.Warn("skipping event", zap.String("event_id", item.ID), zap.Error(err))
				continue
			}
			events = append(events, ev)
		}
		if page.DeltaLink != "" {
			deltaLink = page.DeltaLink
		}
		link = page.NextLink
	}
	return &calendar.FetchResult{
		Events:        calendar.ApplyPrivacy(cal.PrivacyMode, events),
		NextSyncToken: calendar.StringPtr(deltaLink),
	}, nil
}

// Discover lists the user's calendars.
func (s *session) Discover(ctx context.Context) ([]calendar.DiscoveredCalendar, error) {
	if s.accessToken == "" {
		if err := s.RefreshAuth(ctx); err != nil {
			return nil, err
		}
	}
	var out []calendar.DiscoveredCalendar
	link := s.baseURL() + "/me/calendars?$select=id,name,hexColor"
	for link != "" {
		var page calendarPage
		if err := s.get(ctx, link, &page); err != nil {
			return nil, err
		}
		for _, c := range page.Value {
			out = append(out, calendar.DiscoveredCalendar{ExternalID: c.ID, DisplayName: c.Name, Color: c.HexColor})
		}
		link = page.NextLink
	}
	return out, nil
}

func (s *session) Close() error { return nil }

func (s *session) baseURL() string {
	if s.adapter.BaseURL == "" {
		return DefaultBaseURL
	}
	return strings.TrimSuffix(s.adapter.BaseURL, "/")
}

func (s *session) get(ctx context.Context, link string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.accessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Add("Prefer", `outlook.timezone="UTC"`)
	req.Header.Add("Prefer", `outlook.body-content-type="text"`)
	req.Header.Add("Prefer", "odata.maxpagesize=100")

	client := s.adapter.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return &calendar.ProviderError{Provider: calendar.ProviderMicrosoft, Op: "GET", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return s.statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &calendar.ProviderError{Provider: calendar.ProviderMicrosoft, Op: "decode response", Err: err}
	}
	return nil
}

func (s *session) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	var gerr graphErrorBody
	_ = json.Unmarshal(body, &gerr)

	switch {
	case resp.StatusCode == http.StatusGone, isSyncStateError(gerr.Error.Code):
		return calendar.ErrStaleToken
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		s.adapter.tokens.Delete(s.conn.ID)
		s.accessToken = ""
		return &calendar.AuthError{Code: resp.StatusCode, Provider: calendar.ProviderMicrosoft, Err: errors.New(gerr.Error.Message)}
	}
	return &calendar.ProviderError{
		Provider:   calendar.ProviderMicrosoft,
		Op:         "GET",
		StatusCode: resp.StatusCode,
		Err:        fmt.Errorf("%s: %s", gerr.Error.Code, gerr.Error.Message),
	}
}

func isSyncStateError(code string) bool {
	switch strings.ToLower(code) {
	case "syncstatenotfound", "syncstateinvalid", "resyncrequired":
		return true
	}
	return false
}

func normalize(item graphEvent) (calendar.NormalizedEvent, error) {
	ev := calendar.NormalizedEvent{
		ExternalID: item.ID,
		Title:      item.Subject,
		AllDay:     item.IsAllDay,
	}
	switch {
	case item.Body != nil && strings.TrimSpace(item.Body.Content) != "":
		ev.Description = calendar.StringPtr(strings.TrimSpace(item.Body.Content))
	default:
		ev.Description = calendar.StringPtr(item.BodyPreview)
	}
	if item.Location != nil {
		ev.Location = calendar.StringPtr(item.Location.DisplayName)
	}

	start, err := parseDateTime(item.Start, item.IsAllDay)
	if err != nil {
		return ev, fmt.Errorf("start: %w", err)
	}
	end, err := parseDateTime(item.End, item.IsAllDay)
	if err != nil {
		end = start
	}
	ev.StartAt, ev.EndAt = start, end
	return ev, nil
}

// parseDateTime reads a Graph dateTimeTimeZone. Responses are requested in UTC;
// all-day values keep only their date.
func parseDateTime(dt *graphDateTime, allDay bool) (time.Time, error) {
	if dt == nil || dt.DateTime == "" {
		return time.Time{}, errors.New("missing dateTime")
	}
	if allDay && len(dt.DateTime) >= 10 {
		return time.Parse("2006-01-02", dt.DateTime[:10])
	}
	t, err := time.Parse(graphTimeLayout, strings.TrimSuffix(dt.DateTime, "Z"))
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
