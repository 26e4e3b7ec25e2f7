package session

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/skyforge-av/bondctl/internal/store"
)

func TestHashPasswordRejectsShort(t *testing.T) {
	_, err := HashPassword("short")
	require.ErrorIs(t, err, ErrPasswordTooShort)
}

func TestHashAndVerifyRoundTrip(t *testing.T) {
	hash, err := HashPassword("hunter2x")
	require.NoError(t, err)
	require.True(t, VerifyPassword(hash, "hunter2x"))
	require.False(t, VerifyPassword(hash, "wrong-pass"))
}

func TestCanSetPassword(t *testing.T) {
	require.True(t, CanSetPassword(true, true, true), "already authenticated, any path")
	require.True(t, CanSetPassword(false, false, false), "first run, local connection")
	require.False(t, CanSetPassword(false, false, true), "first run via remote tunnel is rejected")
	require.False(t, CanSetPassword(false, true, false), "password already configured, not authenticated")
}

func TestNewTokenIsUnique(t *testing.T) {
	a, err := NewToken()
	require.NoError(t, err)
	b, err := NewToken()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.NotEmpty(t, a)
}

func TestManagerIssueAndAuthenticate(t *testing.T) {
	fs := afero.NewMemMapFs()
	persistentTokens, err := store.LoadTokens(fs, "/tokens.json")
	require.NoError(t, err)

	m := NewManager(NewTokenSet(), persistentTokens)

	transientTok, err := m.Issue(false)
	require.NoError(t, err)
	require.True(t, m.Authenticate(transientTok))

	persistentTok, err := m.Issue(true)
	require.NoError(t, err)
	require.True(t, m.Authenticate(persistentTok))

	// simulate a restart: transient set is lost, persistent set survives.
	m2 := NewManager(NewTokenSet(), persistentTokens)
	require.False(t, m2.Authenticate(transientTok), "transient token must not survive restart")
	require.True(t, m2.Authenticate(persistentTok), "persistent token must survive restart")
}

func TestManagerLogoutRemovesFromBothSets(t *testing.T) {
	fs := afero.NewMemMapFs()
	persistentTokens, err := store.LoadTokens(fs, "/tokens.json")
	require.NoError(t, err)
	m := NewManager(NewTokenSet(), persistentTokens)

	tok, err := m.Issue(true)
	require.NoError(t, err)
	require.True(t, m.Authenticate(tok))

	require.NoError(t, m.Logout(tok))
	require.False(t, m.Authenticate(tok))
}
