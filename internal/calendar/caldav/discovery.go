package caldav

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/beekhof/calendar-sync-engine/internal/calendar"
	"github.com/beekhof/calendar-sync-engine/internal/xmlscan"

	"go.uber.org/zap"
)

const propfindPrincipal = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:">
  <d:prop>
    <d:current-user-principal/>
  </d:prop>
</d:propfind>`

const propfindHomeSet = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop>
    <c:calendar-home-set/>
  </d:prop>
</d:propfind>`

const propfindCalendars = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav" xmlns:cs="http://calendarserver.org/ns/" xmlns:ic="http://apple.com/ns/ical/">
  <d:prop>
    <d:resourcetype/>
    <d:displayname/>
    <ic:calendar-color/>
    <c:supported-calendar-component-set/>
    <cs:getctag/>
  </d:prop>
</d:propfind>`

// outcome is the result of one discovery strategy.
type outcome int

const (
	notSupported outcome = iota
	found
	authFailed
)

// strategy is one candidate in an ordered discovery step.
type strategy struct {
	target *url.URL
	run    func(ctx context.Context, target *url.URL) (outcome, *url.URL, error)
}

// firstFound evaluates strategies in order until one yields found or authFailed.
func firstFound(ctx context.Context, strategies []strategy) (outcome, *url.URL, error) {
	var lastErr error
	for _, st := range strategies {
		res, u, err := st.run(ctx, st.target)
		switch res {
		case found:
			return found, u, nil
		case authFailed:
			return authFailed, nil, err
		}
		if err != nil {
			lastErr = err
		}
	}
	return notSupported, nil, lastErr
}

// Discover runs principal, home-set and collection discovery.
func (s *session) Discover(ctx context.Context) ([]calendar.DiscoveredCalendar, error) {
	principal, err := s.findPrincipal(ctx)
	if err != nil {
		return nil, err
	}
	home, err := s.findHome(ctx, principal)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("caldav home resolved", zap.String("principal", principal.Redacted()), zap.String("home", home.Redacted()))
	cals, err := s.listCalendars(ctx, home)
	if err != nil {
		return nil, err
	}
	if len(cals) == 0 {
		return nil, &calendar.DiscoveryError{Provider: s.provider, Reason: "no event calendars found under " + home.Redacted()}
	}
	return cals, nil
}

func (s *session) findPrincipal(ctx context.Context) (*url.URL, error) {
	wellKnown := s.base.ResolveReference(&url.URL{Path: "/.well-known/caldav"})
	strategies := []strategy{
		{target: wellKnown, run: s.principalAt},
		{target: s.base, run: s.principalAt},
	}
	res, u, err := firstFound(ctx, strategies)
	switch res {
	case found:
		return u, nil
	case authFailed:
		return nil, err
	}
	return nil, &calendar.DiscoveryError{Provider: s.provider, Reason: "no current-user-principal at " + s.base.Redacted(), Err: err}
}

func (s *session) principalAt(ctx context.Context, target *url.URL) (outcome, *url.URL, error) {
	resp, err := s.do(ctx, "PROPFIND", target, "0", propfindPrincipal)
	if err != nil {
		return notSupported, nil, err
	}
	switch {
	case isAuthStatus(resp.Status):
		return authFailed, nil, calendar.HTTPStatusError(s.provider, "PROPFIND current-user-principal", resp.Status)
	case resp.Status == http.StatusNotFound, resp.Status == http.StatusMethodNotAllowed:
		return notSupported, nil, nil
	case !isSuccess(resp.Status):
		return notSupported, nil, calendar.HTTPStatusError(s.provider, "PROPFIND current-user-principal", resp.Status)
	}

	href := xmlscan.Path(resp.Body, "current-user-principal", "href")
	if href == "" {
		return found, resp.URL, nil
	}
	u, err := resp.URL.Parse(href)
	if err != nil {
		return notSupported, nil, err
	}
	return found, u, nil
}

func (s *session) findHome(ctx context.Context, principal *url.URL) (*url.URL, error) {
	resp, err := s.do(ctx, "PROPFIND", principal, "0", propfindHomeSet)
	if err != nil {
		return nil, err
	}
	if isAuthStatus(resp.Status) {
		return nil, calendar.HTTPStatusError(s.provider, "PROPFIND calendar-home-set", resp.Status)
	}
	if !isSuccess(resp.Status) {
		return principal, nil
	}
	href := xmlscan.Path(resp.Body, "calendar-home-set", "href")
	if href == "" {
		return resp.URL, nil
	}
	return resp.URL.Parse(href)
}

func (s *session) listCalendars(ctx context.Context, home *url.URL) ([]calendar.DiscoveredCalendar, error) {
	resp, err := s.do(ctx, "PROPFIND", home, "1", propfindCalendars)
	if err != nil {
		return nil, err
	}
	if isAuthStatus(resp.Status) {
		return nil, calendar.HTTPStatusError(s.provider, "PROPFIND calendars", resp.Status)
	}
	if !isSuccess(resp.Status) {
		return nil, &calendar.DiscoveryError{Provider: s.provider, Reason: "calendar listing failed", Err: calendar.HTTPStatusError(s.provider, "PROPFIND calendars", resp.Status)}
	}

	var out []calendar.DiscoveredCalendar
	for _, r := range xmlscan.Elements(resp.Body, "response") {
		if !isEventCalendar(r.Inner) {
			continue
		}
		href := xmlscan.Text(r.Inner, "href")
		if href == "" {
			continue
		}
		u, err := resp.URL.Parse(href)
		if err != nil {
			s.logger.Warn("skipping calendar with unresolvable href", zap.String("href", href))
			continue
		}
		name := xmlscan.Text(r.Inner, "displayname")
		if name == "" {
			name = lastSegment(u.Path)
		}
		out = append(out, calendar.DiscoveredCalendar{
			ExternalID:  u.String(),
			DisplayName: name,
			Color:       normalizeColor(xmlscan.Text(r.Inner, "calendar-color")),
		})
	}
	return out, nil
}

// isEventCalendar reports whether a multistatus response describes a
// calendar collection that accepts VEVENT components.
func isEventCalendar(inner string) bool {
	rt, ok := xmlscan.First(inner, "resourcetype")
	if !ok || !xmlscan.Has(rt.Inner, "calendar") {
		return false
	}
	set, ok := xmlscan.First(inner, "supported-calendar-component-set")
	if !ok {
		return false
	}
	for _, comp := range xmlscan.Elements(set.Inner, "comp") {
		if strings.EqualFold(comp.Attr("name"), "VEVENT") {
			return true
		}
	}
	return false
}

// normalizeColor trims Apple's #RRGGBBAA colors to #RRGGBB.
func normalizeColor(c string) string {
	c = strings.TrimSpace(c)
	if len(c) == 9 && strings.HasPrefix(c, "#") {
		return c[:7]
	}
	return c
}

func lastSegment(p string) string {
	p = strings.TrimSuffix(p, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}
