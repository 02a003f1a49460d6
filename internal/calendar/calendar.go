// Package calendar defines the provider-agnostic model shared by the sync
// engine: connections, their sub-calendars, normalized events and the
// adapter contract each provider implements.
package calendar

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Provider identifies the protocol family of a connection.
type Provider string

const (
	ProviderGoogle    Provider = "OAUTH_A"
	ProviderMicrosoft Provider = "OAUTH_B"
	ProviderCalDAV    Provider = "CALDAV_GENERIC"
	ProviderApple     Provider = "CALDAV_APPLE"
	ProviderEWS       Provider = "EWS"
)

// Providers lists every supported provider.
var Providers = []Provider{ProviderGoogle, ProviderMicrosoft, ProviderCalDAV, ProviderApple, ProviderEWS}

// ParseProvider validates a provider value coming from storage or an API request.
func ParseProvider(s string) (Provider, error) {
	for _, p := range Providers {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
}

// RequiresEndpoint reports whether connections of this provider must carry a server endpoint.
func (p Provider) RequiresEndpoint() bool {
	return p == ProviderCalDAV || p == ProviderEWS
}

// Status of a connection. ACTIVE becomes EXPIRED only after an authentication
// failure and returns to ACTIVE only through an explicit reconnect.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusExpired Status = "EXPIRED"
)

// PrivacyMode controls how much event content is mirrored.
type PrivacyMode string

const (
	PrivacyFullDetails  PrivacyMode = "FULL_DETAILS"
	PrivacyBusyFreeOnly PrivacyMode = "BUSY_FREE_ONLY"
)

// ParsePrivacyMode validates a privacy mode value.
func ParsePrivacyMode(s string) (PrivacyMode, error) {
	switch PrivacyMode(s) {
	case PrivacyFullDetails, PrivacyBusyFreeOnly:
		return PrivacyMode(s), nil
	}
	return "", fmt.Errorf("unknown privacy mode %q", s)
}

// SyncDirection of a calendar. Only inbound sync is performed.
type SyncDirection string

const (
	SyncInboundOnly SyncDirection = "INBOUND_ONLY"
	SyncTwoWay      SyncDirection = "TWO_WAY"
)

// Connection is one credential-bearing link from a member to a provider account.
type Connection struct {
	ID                  uuid.UUID
	OwnerMemberID       uuid.UUID
	Provider            Provider
	AccountLabel        string
	EncryptedCredential string
	// ServerEndpoint is empty for providers with a fixed endpoint.
	ServerEndpoint      string
	SyncEnabled         bool
	Status              Status
	LastSyncAt          *time.Time
	SyncIntervalMinutes int
}

// Due reports whether the sync interval has elapsed since the last sync.
func (c *Connection) Due(now time.Time) bool {
	if c.LastSyncAt == nil {
		return true
	}
	next := c.LastSyncAt.Add(time.Duration(c.SyncIntervalMinutes) * time.Minute)
	return !now.Before(next)
}

// Calendar is one sub-calendar discovered under a connection.
type Calendar struct {
	ID                 uuid.UUID
	ConnectionID       uuid.UUID
	ExternalCalendarID string
	DisplayName        string
	Color              string
	SyncEnabled        bool
	PrivacyMode        PrivacyMode
	SyncDirection      SyncDirection
	// LastSyncToken is opaque outside the adapter that produced it.
	// Nil means the next fetch is a full, time-ranged fetch.
	LastSyncToken *string
}

// WithoutToken returns a copy of the calendar with no continuation token.
func (c *Calendar) WithoutToken() *Calendar {
	cp := *c
	cp.LastSyncToken = nil
	return &cp
}

// NormalizedEvent is the provider-agnostic event shape produced by adapters.
// When IsCancelled is set only ExternalID is meaningful.
type NormalizedEvent struct {
	ExternalID  string
	Title       string
	Description *string
	Location    *string
	StartAt     time.Time
	EndAt       time.Time
	AllDay      bool
	IsCancelled bool
}

// Tombstone returns a deletion marker for the given external id.
func Tombstone(externalID string) NormalizedEvent {
	return NormalizedEvent{ExternalID: externalID, IsCancelled: true}
}

// DiscoveredCalendar is a calendar visible to a connection's credentials.
type DiscoveredCalendar struct {
	ExternalID  string
	DisplayName string
	Color       string
}

// Full-sync window relative to now.
const (
	WindowPast   = 30 * 24 * time.Hour
	WindowFuture = 365 * 24 * time.Hour
)

// SyncWindow returns the bounds of a full fetch.
func SyncWindow(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	return now.Add(-WindowPast), now.Add(WindowFuture)
}

// StringPtr returns nil for an empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
