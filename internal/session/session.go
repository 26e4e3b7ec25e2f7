// Package session implements C7: password set/verify, token issuance, and
// the rules governing when a connection may authenticate or change the
// shared password. Password hashing follows ap.httpd/auth.go's use of
// golang.org/x/crypto/bcrypt; token material comes from
// github.com/gorilla/securecookie.GenerateRandomKey, the same primitive
// ap.httpd.go uses to mint its cookie-signing keys.
package session

import (
	"encoding/base64"
	"sync"

	"github.com/gorilla/securecookie"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

const (
	// MinPasswordLength is spec.md §4.5's floor for the shared password.
	MinPasswordLength = 8
	// BcryptCost matches spec.md §4.5's "cost 10".
	BcryptCost = 10
	// tokenBytes is 256 bits, per spec.md §3's auth-token invariant.
	tokenBytes = 32
)

// ErrPasswordTooShort is returned by HashPassword when password is under
// MinPasswordLength characters.
var ErrPasswordTooShort = errors.Errorf("Minimum password length: %d characters", MinPasswordLength)

// HashPassword validates length and returns a bcrypt hash of password.
func HashPassword(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", ErrPasswordTooShort
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", errors.Wrap(err, "hash password")
	}
	return string(hash), nil
}

// VerifyPassword reports whether password matches hash.
func VerifyPassword(hash, password string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// NewToken mints a fresh 256-bit, URL-safe opaque token.
func NewToken() (string, error) {
	key := securecookie.GenerateRandomKey(tokenBytes)
	if key == nil {
		return "", errors.New("failed to generate random token")
	}
	return base64.RawURLEncoding.EncodeToString(key), nil
}

// CanSetPassword implements spec.md §4.5: a connection may set the shared
// password if it is already authenticated, or if no password is configured
// yet and the request did not arrive via the remote tunnel.
func CanSetPassword(authenticated, passwordConfigured, viaRemote bool) bool {
	if authenticated {
		return true
	}
	return !passwordConfigured && !viaRemote
}

// TokenSet is the transient (in-memory only) auth-token set.
type TokenSet struct {
	mu  sync.RWMutex
	set map[string]bool
}

// NewTokenSet constructs an empty transient token set.
func NewTokenSet() *TokenSet {
	return &TokenSet{set: make(map[string]bool)}
}

// Has reports whether token is a member.
func (t *TokenSet) Has(token string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.set[token]
}

// Add inserts token.
func (t *TokenSet) Add(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.set[token] = true
}

// Remove deletes token, if present.
func (t *TokenSet) Remove(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.set, token)
}
