// Package caltest provides in-memory collaborators for adapter and sync tests.
package caltest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/beekhof/calendar-sync-engine/internal/calendar"

	"github.com/google/uuid"
)

const sealedPrefix = "sealed:"

// PlainSealer "encrypts" by prefixing, so tests can read what was stored.
type PlainSealer struct{}

func (PlainSealer) Encrypt(p []byte) (string, error) { return sealedPrefix + string(p), nil }

func (PlainSealer) Decrypt(s string) ([]byte, error) {
	if !strings.HasPrefix(s, sealedPrefix) {
		return nil, errors.New("caltest: not a sealed envelope")
	}
	return []byte(strings.TrimPrefix(s, sealedPrefix)), nil
}

// Seal is a convenience for building Connection.EncryptedCredential values.
func Seal(plaintext string) string { return sealedPrefix + plaintext }

// Credentials records credential updates.
type Credentials struct {
	mu      sync.Mutex
	Updates map[uuid.UUID][]string
}

func (c *Credentials) UpdateCredential(ctx context.Context, id uuid.UUID, env string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Updates == nil {
		c.Updates = map[uuid.UUID][]string{}
	}
	c.Updates[id] = append(c.Updates[id], env)
	return nil
}

// Last returns the most recent plaintext stored for id.
func (c *Credentials) Last(id uuid.UUID) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	u := c.Updates[id]
	if len(u) == 0 {
		return ""
	}
	return strings.TrimPrefix(u[len(u)-1], sealedPrefix)
}

// Count returns how many updates were stored for id.
func (c *Credentials) Count(id uuid.UUID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Updates[id])
}

var _ calendar.Sealer = PlainSealer{}
var _ calendar.CredentialStore = (*Credentials)(nil)
