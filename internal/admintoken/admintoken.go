// Package admintoken implements the in-memory userToken store: opaque
// bearer credentials minted by the admin HTTP endpoint and checked on
// websocket admission. There is no persistence; a restart clears every
// issued token.
package admintoken

import (
	"crypto/subtle"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrAdminTokenRequired is returned by Issue when the store was
// constructed without an admin secret, meaning token issuance is disabled.
var ErrAdminTokenRequired = errors.New("admintoken: no admin token configured")

// Store mints and verifies userToken values. A Store with no configured
// admin secret refuses issuance and verifies no token; the front-end's
// "unconfigured means all sockets admitted" policy is implemented by callers
// checking Enabled() and skipping the Store entirely when it is false.
type Store struct {
	adminToken string

	mu     sync.Mutex
	tokens map[string]struct{}
}

// New constructs a Store guarded by adminSecret. An empty adminSecret
// disables issuance; Enabled reports false in that case.
func New(adminSecret string) *Store {
	return &Store{
		adminToken: adminSecret,
		tokens:     make(map[string]struct{}),
	}
}

// Enabled reports whether this store was configured with an admin secret.
func (s *Store) Enabled() bool {
	return s.adminToken != ""
}

// VerifyAdmin does a constant-time comparison against the configured admin
// secret, matching the teacher's APIKeyVerifier comparison style.
func (s *Store) VerifyAdmin(bearer string) bool {
	if s.adminToken == "" || bearer == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(bearer), []byte(s.adminToken)) == 1
}

// Issue mints a new opaque userToken and records it. Returns
// ErrAdminTokenRequired if the store has no configured admin secret.
func (s *Store) Issue() (string, error) {
	if s.adminToken == "" {
		return "", ErrAdminTokenRequired
	}
	token := uuid.NewString()

	s.mu.Lock()
	s.tokens[token] = struct{}{}
	s.mu.Unlock()

	return token, nil
}

// Verify reports whether token was previously issued and not yet revoked.
func (s *Store) Verify(token string) bool {
	if token == "" {
		return false
	}
	s.mu.Lock()
	_, ok := s.tokens[token]
	s.mu.Unlock()
	return ok
}

// Revoke removes token from the store, if present.
func (s *Store) Revoke(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

// Count returns the number of currently-issued tokens. Intended for tests
// and observability.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}
