package tunnel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/skyforge-av/bondctl/internal/proto"
)

type fakeUplinks struct{ ips []string }

func (f fakeUplinks) EnabledUplinkIPs() []string { return f.ips }

type fakeKeys struct{ key string }

func (f fakeKeys) RemoteKey() string                      { return f.key }
func (f fakeKeys) InitialStatus() map[string]interface{} { return map[string]interface{}{"is_streaming": false} }

type fakeDispatcher struct {
	mu   sync.Mutex
	seen []*proto.Envelope
}

func (d *fakeDispatcher) DispatchRemote(senderID string, env *proto.Envelope) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = append(d.seen, env)
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

type fakeStatus struct {
	mu       sync.Mutex
	payloads []map[string]interface{}
}

func (s *fakeStatus) BroadcastRemoteStatus(p map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, p)
}

func (s *fakeStatus) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func (s *fakeStatus) last() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payloads[len(s.payloads)-1]
}

func TestHandleRemoteControlAuthSuccess(t *testing.T) {
	status := &fakeStatus{}
	c := New(zap.NewNop().Sugar(), "", fakeUplinks{}, fakeKeys{key: "k"}, nil, status)

	c.handleFrame([]byte(`{"remote":{"auth/encoder":true}}`))

	require.True(t, c.Authenticated())
	require.Equal(t, 1, status.count())
	require.Equal(t, map[string]interface{}{"remote": true}, status.payloads[0])
}

func TestHandleRemoteControlAuthFailureSuppressesNextNetworkError(t *testing.T) {
	status := &fakeStatus{}
	c := New(zap.NewNop().Sugar(), "", fakeUplinks{}, fakeKeys{key: "bad"}, nil, status)

	c.handleFrame([]byte(`{"remote":{"auth/encoder":false}}`))

	require.False(t, c.Authenticated())
	require.Equal(t, 1, status.count())
	require.Equal(t, map[string]interface{}{"remote": map[string]interface{}{"error": "key"}}, status.last())

	c.mu.Lock()
	suppress := c.suppressNext
	c.mu.Unlock()
	require.True(t, suppress)
}

func TestHandleFrameDispatchesNonRemoteEnvelope(t *testing.T) {
	d := &fakeDispatcher{}
	c := New(zap.NewNop().Sugar(), "", fakeUplinks{}, fakeKeys{}, d, nil)

	c.handleFrame([]byte(`{"keepalive":{},"id":"sender-1"}`))
	require.Equal(t, 1, d.count())
	require.Equal(t, "sender-1", d.seen[0].ID)
}

func TestMirrorDropsWhenNotAuthenticated(t *testing.T) {
	c := New(zap.NewNop().Sugar(), "", fakeUplinks{}, fakeKeys{}, nil, nil)
	// No connection/authentication; send must be a silent no-op.
	c.MirrorBroadcast("status", map[string]bool{"is_streaming": true})
}

func TestNextSourceAddrRoundRobins(t *testing.T) {
	c := New(zap.NewNop().Sugar(), "", fakeUplinks{ips: []string{"10.0.0.1", "10.0.0.2"}}, fakeKeys{}, nil, nil)
	first, ok := c.nextSourceAddr()
	require.True(t, ok)
	second, ok := c.nextSourceAddr()
	require.True(t, ok)
	require.NotEqual(t, first, second)
	third, ok := c.nextSourceAddr()
	require.True(t, ok)
	require.Equal(t, first, third)
}

func TestNextSourceAddrFailsWithNoUplinks(t *testing.T) {
	c := New(zap.NewNop().Sugar(), "", fakeUplinks{}, fakeKeys{}, nil, nil)
	_, ok := c.nextSourceAddr()
	require.False(t, ok)
}

// relayServer is a minimal test double for the cloud relay: it upgrades
// the connection, reads the auth frame, replies with success, and then
// (if echo is set) echoes every subsequent frame back unchanged.
func relayServer(t *testing.T, onAuth func(), echo bool) *httptest.Server {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var authFrame map[string]interface{}
		require.NoError(t, conn.ReadJSON(&authFrame))
		if onAuth != nil {
			onAuth()
		}
		require.NoError(t, conn.WriteJSON(map[string]interface{}{
			"remote": map[string]interface{}{"auth/encoder": true},
		}))

		if !echo {
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	})
	return httptest.NewServer(mux)
}

func TestRunConnectsAuthenticatesAndMirrors(t *testing.T) {
	srv := relayServer(t, nil, true)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	status := &fakeStatus{}
	c := New(zap.NewNop().Sugar(), wsURL, fakeUplinks{ips: []string{"127.0.0.1"}}, fakeKeys{key: "k"}, nil, status)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool { return c.Authenticated() }, 2*time.Second, 10*time.Millisecond)

	c.MirrorBroadcast("status", map[string]interface{}{"is_streaming": true})

	c.Stop()
}
