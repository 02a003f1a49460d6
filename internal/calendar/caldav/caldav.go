// Package caldav implements the CalDAV adapter for generic servers and for
// iCloud. Requests use PROPFIND and REPORT with redirects followed by hand,
// and responses are read with the tolerant scanner in internal/xmlscan.
package caldav

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/beekhof/calendar-sync-engine/internal/calendar"

	"go.uber.org/zap"
)

const (
	// AppleEndpoint is used for CALDAV_APPLE connections without an explicit endpoint.
	AppleEndpoint = "https://caldav.icloud.com"

	maxRedirects    = 5
	maxResponseSize = 32 << 20
	defaultTimeout  = 30 * time.Second
)

// Adapter opens CalDAV sessions.
type Adapter struct {
	Provider calendar.Provider
	Sealer   calendar.Sealer
	Logger   *zap.Logger
	// Timeout bounds each request.
	Timeout time.Duration
	// Transport overrides the HTTP transport. Used by tests.
	Transport http.RoundTripper
	Now       calendar.Clock
}

// NewAdapter returns an adapter for the generic or Apple-hosted variant.
func NewAdapter(p calendar.Provider, sealer calendar.Sealer, logger *zap.Logger, timeout time.Duration) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{Provider: p, Sealer: sealer, Logger: logger, Timeout: timeout}
}

// Open decrypts the connection's username and password.
func (a *Adapter) Open(ctx context.Context, conn *calendar.Connection) (calendar.Session, error) {
	plain, err := a.Sealer.Decrypt(conn.EncryptedCredential)
	if err != nil {
		return nil, err
	}
	cred, err := calendar.DecodeBasicCredential(plain)
	if err != nil {
		return nil, err
	}

	endpoint := strings.TrimSpace(conn.ServerEndpoint)
	if endpoint == "" && a.Provider == calendar.ProviderApple {
		endpoint = AppleEndpoint
	}
	if endpoint == "" {
		return nil, fmt.Errorf("%s connection %s has no server endpoint", a.Provider, conn.ID)
	}
	base, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid server endpoint %q: %w", endpoint, err)
	}

	timeout := a.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
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
		provider: a.Provider,
		base:     base,
		cred:     cred,
		now:      now,
		logger:   logger.With(zap.String("connection_id", conn.ID.String())),
		client: &http.Client{
			Timeout:   timeout,
			Transport: a.Transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

type session struct {
	provider calendar.Provider
	base     *url.URL
	cred     calendar.BasicCredential
	client   *http.Client
	now      calendar.Clock
	logger   *zap.Logger
}

// RefreshAuth is a no-op: basic credentials do not expire. Bad passwords
// surface as *calendar.AuthError from the first request.
func (s *session) RefreshAuth(ctx context.Context) error { return nil }

func (s *session) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// response is a buffered CalDAV response. URL is the location that finally
// answered, after redirects, and is the base for relative hrefs.
type response struct {
	Status int
	Body   string
	URL    *url.URL
}

// do sends a WebDAV request and follows redirects by hand, re-sending the
// method and body to each Location.
func (s *session) do(ctx context.Context, method string, target *url.URL, depth, body string) (*response, error) {
	current := target
	for hop := 0; ; hop++ {
		req, err := http.NewRequestWithContext(ctx, method, current.String(), strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(s.cred.Username, s.cred.Password)
		if body != "" {
			req.Header.Set("Content-Type", "application/xml; charset=utf-8")
		}
		if depth != "" {
			req.Header.Set("Depth", depth)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, &calendar.ProviderError{Provider: s.provider, Op: method + " " + current.Redacted(), Err: err}
		}
		if isRedirect(resp.StatusCode) {
			loc := resp.Header.Get("Location")
			drain(resp)
			if loc == "" {
				return nil, &calendar.ProviderError{Provider: s.provider, Op: method, StatusCode: resp.StatusCode, Err: fmt.Errorf("redirect without Location")}
			}
			if hop >= maxRedirects {
				return nil, &calendar.ProviderError{Provider: s.provider, Op: method, StatusCode: resp.StatusCode, Err: fmt.Errorf("stopped after %d redirects", maxRedirects)}
			}
			next, err := current.Parse(loc)
			if err != nil {
				return nil, &calendar.ProviderError{Provider: s.provider, Op: method, Err: fmt.Errorf("bad Location %q: %w", loc, err)}
			}
			s.logger.Debug("following redirect", zap.String("method", method), zap.String("location", next.Redacted()))
			current = next
			continue
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		resp.Body.Close()
		if err != nil {
			return nil, &calendar.ProviderError{Provider: s.provider, Op: method, Err: err}
		}
		return &response{Status: resp.StatusCode, Body: string(data), URL: current}, nil
	}
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	resp.Body.Close()
}

func isSuccess(code int) bool {
	return code == http.StatusMultiStatus || code == http.StatusOK
}

func isAuthStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}
