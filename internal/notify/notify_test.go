package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skyforge-av/bondctl/internal/proto"
)

func clock(t *time.Time) func() time.Time {
	return func() time.Time { return *t }
}

func TestPersistentSendRateLimited(t *testing.T) {
	now := time.Unix(1000, 0)
	b := New(clock(&now))

	emit1, n1, target, err := b.Send("", "netif_disable_all", proto.KindError, "can't disable all", 10, true, true)
	require.NoError(t, err)
	require.True(t, emit1)
	require.True(t, target.Broadcast)
	require.Equal(t, now, n1.LastSent)

	now = now.Add(500 * time.Millisecond)
	emit2, n2, _, err := b.Send("", "netif_disable_all", proto.KindError, "can't disable all", 10, true, true)
	require.NoError(t, err)
	require.False(t, emit2, "repeat within 1s must be suppressed")
	require.Equal(t, n1.LastSent, n2.LastSent, "last_sent only advances on actual emission")
	require.True(t, n2.Updated.After(n1.Updated) || n2.Updated.Equal(n1.Updated.Add(500*time.Millisecond)))

	now = now.Add(600 * time.Millisecond) // now 1.1s after first send
	emit3, n3, _, err := b.Send("", "netif_disable_all", proto.KindError, "can't disable all", 10, true, true)
	require.NoError(t, err)
	require.True(t, emit3, "a call >=1s after the last emission must emit")
	require.True(t, n3.LastSent.After(n1.LastSent))
}

func TestUnicastPersistentRejected(t *testing.T) {
	now := time.Unix(0, 0)
	b := New(clock(&now))

	_, _, _, err := b.Send("conn-1", "x", proto.KindWarning, "hi", 0, true, true)
	require.ErrorIs(t, err, ErrUnicastPersistent)
}

func TestNonPersistentAlwaysEmits(t *testing.T) {
	now := time.Unix(0, 0)
	b := New(clock(&now))

	for i := 0; i < 3; i++ {
		emit, _, target, err := b.Send("conn-1", "start_error", proto.KindError, "bad bitrate", 10, false, true)
		require.NoError(t, err)
		require.True(t, emit)
		require.False(t, target.Broadcast)
		require.Equal(t, "conn-1", target.ConnID)
	}
}

func TestOnAttachReplaysUnexpiredWithRewrittenDuration(t *testing.T) {
	now := time.Unix(1000, 0)
	b := New(clock(&now))

	_, _, _, err := b.Send("", "update_available", proto.KindSuccess, "updates ready", 100, true, true)
	require.NoError(t, err)

	now = now.Add(40 * time.Second)
	replay := b.OnAttach()
	require.Len(t, replay, 1)
	require.Equal(t, 60, replay[0].Duration)
}

func TestOnAttachDropsExpiredPersistent(t *testing.T) {
	now := time.Unix(1000, 0)
	b := New(clock(&now))

	_, _, _, err := b.Send("", "transient_warn", proto.KindWarning, "heads up", 5, true, true)
	require.NoError(t, err)

	now = now.Add(10 * time.Second)
	require.Empty(t, b.OnAttach())

	// a second call confirms the expired entry was actually removed, not
	// merely skipped once.
	require.Empty(t, b.OnAttach())
}

func TestOnAttachReplaysPermanentNotifications(t *testing.T) {
	now := time.Unix(1000, 0)
	b := New(clock(&now))

	_, _, _, err := b.Send("", "set_password", proto.KindWarning, "please set a password", 0, true, true)
	require.NoError(t, err)

	now = now.Add(time.Hour)
	replay := b.OnAttach()
	require.Len(t, replay, 1)
	require.Equal(t, 0, replay[0].Duration)
}

func TestRemoveReportsExistence(t *testing.T) {
	now := time.Unix(0, 0)
	b := New(clock(&now))

	require.False(t, b.Remove("nope"))

	_, _, _, err := b.Send("", "x", proto.KindSuccess, "hi", 0, true, true)
	require.NoError(t, err)
	require.True(t, b.Remove("x"))
	require.False(t, b.Remove("x"))
}
