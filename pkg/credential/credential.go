// Package credential mints and validates the bearer credentials used by the
// device protocols, and the human enrollment codes used by the dashboard.
package credential

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMissingToken = errors.New("missing agent token")
	ErrInvalidToken = errors.New("invalid agent token")
	ErrTokenExpired = errors.New("agent token expired")
)

// Kind distinguishes the two device credential namespaces.
type Kind string

const (
	KindEndpoint Kind = "endpoint"
	KindRouter   Kind = "router"
)

// Credential is the bearer token stored on an endpoint or router row.
// ExpiresAt is nil for tokens that never expire.
type Credential struct {
	Token     string     `gorm:"column:agent_token;uniqueIndex;not null" json:"-"`
	IssuedAt  time.Time  `gorm:"column:token_issued_at" json:"token_issued_at"`
	ExpiresAt *time.Time `gorm:"column:token_expires_at" json:"token_expires_at,omitempty"`
}

// Check validates the credential against the presented token at now.
func (c Credential) Check(presented string, now time.Time) error {
	if presented == "" {
		return ErrMissingToken
	}
	if c.Token == "" || subtle.ConstantTimeCompare([]byte(c.Token), []byte(presented)) != 1 {
		return ErrInvalidToken
	}
	if c.Expired(now) {
		return ErrTokenExpired
	}
	return nil
}

// Expired reports whether the credential has an expiry at or before now.
func (c Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// Principal is the authenticated caller of a protocol operation.
type Principal struct {
	Kind           Kind
	ID             string
	OrganizationID string
}

// NewEndpointToken returns 256 bits of randomness, hex encoded.
func NewEndpointToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// NewRouterToken concatenates two random UUIDs with the dashes removed.
func NewRouterToken() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}

// Issue builds a credential for token, optionally expiring after ttl.
func Issue(token string, now time.Time, ttl time.Duration) Credential {
	c := Credential{Token: token, IssuedAt: now.UTC()}
	if ttl > 0 {
		exp := now.UTC().Add(ttl)
		c.ExpiresAt = &exp
	}
	return c
}
