// Package credential decides locally whether the bearer token may be used
// for network calls. Nothing here talks to the network: the signature is
// never verified, only the token's shape and its exp claim.
package credential

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/livesync/internal/clock"
)

// ErrInvalid is returned by guarded operations when no usable credential
// is stored: missing, malformed, expired, or rejected by the server.
var ErrInvalid = errors.New("credential: missing or invalid token")

// Validator checks token structure and expiry against a clock.
type Validator struct {
	clock  clock.Clock
	parser *jwt.Parser
}

// NewValidator creates a Validator reading time from c.
func NewValidator(c clock.Clock) *Validator {
	if c == nil {
		c = clock.Real()
	}
	return &Validator{clock: c, parser: jwt.NewParser()}
}

// Valid reports whether token has three segments, decodes, and carries an
// exp strictly after now.
func (v *Validator) Valid(token string) bool {
	exp, err := v.Expiry(token)
	if err != nil {
		return false
	}
	return exp.After(v.clock.Now())
}

// Expiry returns the token's exp claim.
func (v *Validator) Expiry(token string) (time.Time, error) {
	claims, err := v.claims(token)
	if err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("exp claim: %w", err)
	}
	if exp == nil {
		return time.Time{}, errors.New("exp claim missing")
	}
	return exp.Time, nil
}

// Subject returns the user the token was issued to: the sub claim, or the
// user_id claim some issuers use instead.
func (v *Validator) Subject(token string) (string, error) {
	claims, err := v.claims(token)
	if err != nil {
		return "", err
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub, nil
	}
	switch id := claims["user_id"].(type) {
	case string:
		if id != "" {
			return id, nil
		}
	case float64:
		return fmt.Sprintf("%.0f", id), nil
	}
	return "", errors.New("token has no subject")
}

func (v *Validator) claims(token string) (jwt.MapClaims, error) {
	if token == "" {
		return nil, ErrInvalid
	}
	claims := jwt.MapClaims{}
	if _, _, err := v.parser.ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return claims, nil
}

// Source yields the current token and whether it may be used right now.
type Source interface {
	Current() (token string, ok bool)
}

// Store holds the session's bearer token.
type Store struct {
	mu        sync.RWMutex
	token     string
	rejected  bool
	validator *Validator
}

// NewStore creates an empty Store.
func NewStore(v *Validator) *Store {
	return &Store{validator: v}
}

// Set installs a new token and clears any earlier rejection.
func (s *Store) Set(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.rejected = false
}

// Clear forgets the token.
func (s *Store) Clear() {
	s.Set("")
}

// Reject marks the current token as refused by the server. It stays
// unusable until Set is called with a new one.
func (s *Store) Reject() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected = true
}

// Token returns the raw stored token regardless of validity.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Current implements Source.
func (s *Store) Current() (string, bool) {
	s.mu.RLock()
	token, rejected := s.token, s.rejected
	s.mu.RUnlock()
	if rejected || !s.validator.Valid(token) {
		return "", false
	}
	return token, true
}
