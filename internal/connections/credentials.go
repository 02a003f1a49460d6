package connections

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/beekhof/calendar-sync-engine/internal/calendar"
	"github.com/beekhof/calendar-sync-engine/internal/calendar/caldav"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// ErrInvalid marks a request rejected before any provider was contacted.
var ErrInvalid = errors.New("invalid request")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Credential is the secret material supplied when connecting. OAuth providers
// use the token fields, CalDAV uses Username and Password and EWS uses all of
// Username, Password, Domain and Mailbox.
type Credential struct {
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`

	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Domain   string `json:"domain,omitempty"`
	Mailbox  string `json:"mailbox,omitempty"`
}

// encode renders c in the stored shape for provider p.
func (c Credential) encode(p calendar.Provider) ([]byte, error) {
	switch p {
	case calendar.ProviderGoogle:
		if c.AccessToken == "" && c.RefreshToken == "" {
			return nil, invalid("an access or refresh token is required")
		}
		return calendar.EncodeOAuthToken(&oauth2.Token{
			AccessToken:  c.AccessToken,
			RefreshToken: c.RefreshToken,
			TokenType:    "Bearer",
			Expiry:       c.Expiry,
		})
	case calendar.ProviderMicrosoft:
		if c.RefreshToken == "" {
			return nil, invalid("a refresh token is required")
		}
		return calendar.EncodeOAuthToken(&oauth2.Token{RefreshToken: c.RefreshToken})
	case calendar.ProviderCalDAV, calendar.ProviderApple:
		if c.Username == "" || strings.Contains(c.Username, ":") {
			return nil, invalid("a username without colons is required")
		}
		return calendar.BasicCredential{Username: c.Username, Password: c.Password}.Encode(), nil
	case calendar.ProviderEWS:
		if c.Username == "" {
			return nil, invalid("a username is required")
		}
		return calendar.ExchangeCredential{
			Domain:   c.Domain,
			Username: c.Username,
			Password: c.Password,
			Mailbox:  c.Mailbox,
		}.Encode()
	}
	return nil, fmt.Errorf("%w: %q", calendar.ErrUnknownProvider, p)
}

// normalizeEndpoint validates the server endpoint for provider p and returns
// the value to store.
func normalizeEndpoint(p calendar.Provider, endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	switch {
	case p == calendar.ProviderApple && endpoint == "":
		return caldav.AppleEndpoint, nil
	case p == calendar.ProviderGoogle || p == calendar.ProviderMicrosoft:
		return "", nil
	case endpoint == "":
		if p.RequiresEndpoint() {
			return "", invalid("%s connections need a server endpoint", p)
		}
		return "", nil
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return "", invalid("server endpoint %q is not an http(s) URL", endpoint)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// Credentials persists rotated credentials for the adapters. While a
// connection is being connected it has no row yet, so updates for it only
// land on the in-memory connection and are written by the final insert.
type Credentials struct {
	Store calendar.CredentialStore

	mu      sync.Mutex
	pending map[uuid.UUID]struct{}
}

// NewCredentials wraps store.
func NewCredentials(store calendar.CredentialStore) *Credentials {
	return &Credentials{Store: store, pending: make(map[uuid.UUID]struct{})}
}

// UpdateCredential implements calendar.CredentialStore.
func (c *Credentials) UpdateCredential(ctx context.Context, id uuid.UUID, envelope string) error {
	c.mu.Lock()
	_, held := c.pending[id]
	c.mu.Unlock()
	if held {
		return nil
	}
	return c.Store.UpdateCredential(ctx, id, envelope)
}

func (c *Credentials) hold(id uuid.UUID) (release func()) {
	c.mu.Lock()
	c.pending[id] = struct{}{}
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}
}

var _ calendar.CredentialStore = (*Credentials)(nil)
