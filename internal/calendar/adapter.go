package calendar

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FetchResult is the outcome of one calendar fetch.
type FetchResult struct {
	Events []NormalizedEvent
	// NextSyncToken is nil when the adapter has nothing to store.
	// A nil token never erases a previously stored one.
	NextSyncToken *string
	// ResyncRequired asks the caller to fetch again without a token because
	// the stored continuation state was rejected.
	ResyncRequired bool
}

// Session is a single sync invocation against one connection. It owns any
// provider channel (for example an authenticated NTLM connection) and must
// not be shared between connections or goroutines.
type Session interface {
	// RefreshAuth makes sure the session holds a usable credential, refreshing
	// and persisting rotated credentials when needed. Permanent failures are
	// reported as *AuthError.
	RefreshAuth(ctx context.Context) error
	// FetchEvents returns the events changed since cal.LastSyncToken, or all
	// events in the sync window when the token is nil. Events are already
	// masked according to cal.PrivacyMode.
	FetchEvents(ctx context.Context, cal *Calendar) (*FetchResult, error)
	// Discover lists the calendars visible to the credentials.
	Discover(ctx context.Context) ([]DiscoveredCalendar, error)
	Close() error
}

// Adapter opens sessions for one provider.
type Adapter interface {
	Open(ctx context.Context, conn *Connection) (Session, error)
}

// Sealer encrypts and decrypts credential envelopes.
type Sealer interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(envelope string) ([]byte, error)
}

// CredentialStore persists a connection's re-encrypted credential.
type CredentialStore interface {
	UpdateCredential(ctx context.Context, connectionID uuid.UUID, envelope string) error
}

// Registry resolves adapters by provider.
type Registry struct {
	adapters map[Provider]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[Provider]Adapter)}
}

// Register binds an adapter to a provider.
func (r *Registry) Register(p Provider, a Adapter) {
	r.adapters[p] = a
}

// Lookup returns the adapter registered for p.
func (r *Registry) Lookup(p Provider) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, p)
	}
	return a, nil
}

// Clock is the time source used by adapters. Tests replace it.
type Clock func() time.Time
