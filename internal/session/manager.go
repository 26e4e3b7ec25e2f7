package session

import (
	"github.com/skyforge-av/bondctl/internal/store"
)

// Manager mediates between the transient and persistent token sets so
// callers never have to remember to check both, per spec.md §3's
// "membership in either set authenticates" invariant.
type Manager struct {
	transient  *TokenSet
	persistent *store.Tokens
}

// NewManager constructs a Manager over the given transient and persistent
// token sets.
func NewManager(transient *TokenSet, persistent *store.Tokens) *Manager {
	return &Manager{transient: transient, persistent: persistent}
}

// Authenticate reports whether token is a member of either set.
func (m *Manager) Authenticate(token string) bool {
	return m.transient.Has(token) || m.persistent.Has(token)
}

// Issue mints a new token and stores it in the transient set, or the
// persistent set if persistentToken is true, per spec.md §4.5.
func (m *Manager) Issue(persistentToken bool) (string, error) {
	token, err := NewToken()
	if err != nil {
		return "", err
	}
	if persistentToken {
		if err := m.persistent.Add(token); err != nil {
			return "", err
		}
	} else {
		m.transient.Add(token)
	}
	return token, nil
}

// Logout removes token from both sets, per spec.md §4.5.
func (m *Manager) Logout(token string) error {
	m.transient.Remove(token)
	return m.persistent.Remove(token)
}
