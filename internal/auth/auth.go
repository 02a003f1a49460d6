package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/beekhof/calendar-sync-engine/internal/calendar"

	"golang.org/x/oauth2"
)

// ExpiryBuffer is how long before expiry an access token is considered stale.
const ExpiryBuffer = 60 * time.Second

// TokenStore is an interface for saving and loading OAuth tokens.
type TokenStore interface {
	SaveToken(ctx context.Context, token *oauth2.Token) error
	LoadToken(ctx context.Context) (*oauth2.Token, error)
}

// ConnectionTokenStore keeps a token inside a connection's encrypted credential.
type ConnectionTokenStore struct {
	Conn   *calendar.Connection
	Sealer calendar.Sealer
	Store  calendar.CredentialStore
}

// LoadToken decrypts and decodes the connection's current credential.
func (s *ConnectionTokenStore) LoadToken(ctx context.Context) (*oauth2.Token, error) {
	plain, err := s.Sealer.Decrypt(s.Conn.EncryptedCredential)
	if err != nil {
		return nil, err
	}
	return calendar.DecodeOAuthToken(plain)
}

// SaveToken re-encrypts the token and persists it on the connection.
func (s *ConnectionTokenStore) SaveToken(ctx context.Context, token *oauth2.Token) error {
	raw, err := calendar.EncodeOAuthToken(token)
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	env, err := s.Sealer.Encrypt(raw)
	if err != nil {
		return err
	}
	if err := s.Store.UpdateCredential(ctx, s.Conn.ID, env); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	s.Conn.EncryptedCredential = env
	return nil
}

// NeedsRefresh reports whether the access token is missing or expires within buffer.
func NeedsRefresh(tok *oauth2.Token, now time.Time, buffer time.Duration) bool {
	if tok == nil || tok.AccessToken == "" {
		return true
	}
	if tok.Expiry.IsZero() {
		return false
	}
	return !tok.Expiry.After(now.Add(buffer))
}

// Exchange trades a refresh token for a new token at the provider's token endpoint.
// Rejections by the endpoint are reported as *calendar.AuthError.
func Exchange(ctx context.Context, cfg *oauth2.Config, refreshToken string, p calendar.Provider) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, &calendar.AuthError{Code: http.StatusUnauthorized, Provider: p, Err: errors.New("no refresh token")}
	}
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, classifyRefreshError(p, err)
	}
	// Providers that do not rotate refresh tokens omit them from the response.
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	return tok, nil
}

func classifyRefreshError(p calendar.Provider, err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.Response != nil {
		switch rerr.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized:
			return &calendar.AuthError{Code: http.StatusUnauthorized, Provider: p, Err: err}
		case http.StatusForbidden:
			return &calendar.AuthError{Code: http.StatusForbidden, Provider: p, Err: err}
		}
		return &calendar.ProviderError{Provider: p, Op: "token refresh", StatusCode: rerr.Response.StatusCode, Err: err}
	}
	return &calendar.ProviderError{Provider: p, Op: "token refresh", Err: err}
}

// Refresher reads a stored OAuth credential and refreshes it when it is about to expire.
type Refresher struct {
	Config   *oauth2.Config
	Provider calendar.Provider
	Store    TokenStore
	Now      calendar.Clock
}

// Current returns the stored token without contacting the provider.
func (r *Refresher) Current(ctx context.Context) (*oauth2.Token, error) {
	return r.Store.LoadToken(ctx)
}

// Ensure returns a token valid for at least ExpiryBuffer, refreshing and
// persisting it first if needed.
func (r *Refresher) Ensure(ctx context.Context) (*oauth2.Token, error) {
	tok, err := r.Current(ctx)
	if err != nil {
		return nil, err
	}
	if !NeedsRefresh(tok, r.now(), ExpiryBuffer) {
		return tok, nil
	}
	fresh, err := Exchange(ctx, r.Config, tok.RefreshToken, r.Provider)
	if err != nil {
		return nil, err
	}
	if err := r.Store.SaveToken(ctx, fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

func (r *Refresher) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// autoSaveTokenSource wraps an oauth2.TokenSource and automatically saves refreshed tokens.
type autoSaveTokenSource struct {
	ctx        context.Context
	source     oauth2.TokenSource
	tokenStore TokenStore
	provider   calendar.Provider

	mu        sync.Mutex
	lastToken *oauth2.Token
}

// Token implements oauth2.TokenSource and saves the token if it was refreshed.
func (a *autoSaveTokenSource) Token() (*oauth2.Token, error) {
	token, err := a.source.Token()
	if err != nil {
		return nil, classifyRefreshError(a.provider, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	// Check if the token was refreshed by comparing access tokens
	if a.lastToken == nil || a.lastToken.AccessToken != token.AccessToken {
		if err := a.tokenStore.SaveToken(a.ctx, token); err != nil {
			return nil, fmt.Errorf("failed to save refreshed token: %w", err)
		}
		a.lastToken = token
	}

	return token, nil
}

// NewClient returns an HTTP client authorized with token. Tokens refreshed by
// the client during a session are persisted through store.
func (r *Refresher) NewClient(ctx context.Context, token *oauth2.Token) *http.Client {
	src := &autoSaveTokenSource{
		ctx:        ctx,
		source:     oauth2.ReuseTokenSource(token, r.Config.TokenSource(ctx, token)),
		tokenStore: r.Store,
		provider:   r.Provider,
		lastToken:  token,
	}
	return oauth2.NewClient(ctx, src)
}
