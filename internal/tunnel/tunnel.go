// Package tunnel implements C9: the outbound reconnecting WebSocket to the
// cloud relay. The reconnect-with-backoff state machine and
// cancel-and-reopen lifecycle are modeled on common/ssh/tunnel.go's
// Open/Close pair and ap.rpcd/tunnel.go's nextTunnelAttempt scheduling
// loop, adapted from an SSH port-forward to a single bridged websocket
// connection.
package tunnel

import (
	"context"
	"encoding/json"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/skyforge-av/bondctl/internal/proto"
)

// Timing constants from spec.md §4.8.
const (
	keepaliveInterval     = 1 * time.Second
	remoteTimeout          = 5 * time.Second
	remoteConnectTimeout   = 10 * time.Second
	reconnectDelay         = 1 * time.Second
	protocolVersion        = 6
)

// UplinkSource supplies the currently enabled uplink IPv4 addresses, used
// to round-robin the outbound socket's source address across interfaces.
type UplinkSource interface {
	EnabledUplinkIPs() []string
}

// Dispatcher receives bridged inbound messages from the relay, tagged
// isRemote=true, mirroring hub.Dispatcher's shape for C12.
type Dispatcher interface {
	DispatchRemote(senderID string, env *proto.Envelope)
}

// StatusSink receives the status broadcasts C9 itself originates
// (remote:true, or remote:{error:"key"|"network"}), so the router can fan them out via the
// hub the same way any other status change is broadcast.
type StatusSink interface {
	BroadcastRemoteStatus(payload map[string]interface{})
}

// KeySource supplies the current remote_key and initial-status payload
// (so the tunnel can replay "as if a newly attached local client") without
// importing the store or session packages directly.
type KeySource interface {
	RemoteKey() string
	InitialStatus() map[string]interface{}
}

// Client implements C9.
type Client struct {
	log      *zap.SugaredLogger
	relayURL string
	uplinks  UplinkSource
	keys     KeySource
	dispatch Dispatcher
	status   StatusSink

	mu            sync.Mutex
	conn          *websocket.Conn
	authenticated bool
	lastActiveMs  int64
	suppressNext  bool
	rotateIdx     int
	rekeyCh       chan struct{}
	stopCh        chan struct{}
	stopped       bool
}

// New constructs a tunnel Client. relayURL is the well-known relay
// endpoint (e.g. "wss://relay.example.com/tunnel").
func New(log *zap.SugaredLogger, relayURL string, uplinks UplinkSource, keys KeySource,
	dispatch Dispatcher, status StatusSink) *Client {
	return &Client{
		log:      log,
		relayURL: relayURL,
		uplinks:  uplinks,
		keys:     keys,
		dispatch: dispatch,
		status:   status,
		rekeyCh:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Authenticated reports whether the tunnel is currently authenticated
// with the relay.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// Rekey forces the current tunnel connection closed (suppressing the
// resulting network-error broadcast) and reconnects with the now-current
// remote_key, per spec.md §4.8's setRemoteKey.
func (c *Client) Rekey() {
	c.mu.Lock()
	c.suppressNext = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	select {
	case c.rekeyCh <- struct{}{}:
	default:
	}
}

// Stop terminates the tunnel loop permanently.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	conn := c.conn
	c.mu.Unlock()
	close(c.stopCh)
	if conn != nil {
		conn.Close()
	}
}

// Run drives the reconnect loop until ctx is cancelled or Stop is called.
// It blocks; callers should run it in its own goroutine.
func (c *Client) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		if c.keys.RemoteKey() == "" {
			if !c.sleepOrStop(ctx, reconnectDelay) {
				return
			}
			continue
		}

		addr, ok := c.nextSourceAddr()
		if !ok {
			if !c.sleepOrStop(ctx, reconnectDelay) {
				return
			}
			continue
		}

		if err := c.runOnce(ctx, addr); err != nil {
			c.log.Debugw("tunnel session ended", "error", err)
		}

		if !c.sleepOrStop(ctx, reconnectDelay) {
			return
		}
	}
}

func (c *Client) sleepOrStop(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.stopCh:
		return false
	case <-t.C:
		return true
	}
}

// nextSourceAddr round-robins over the current uplink table; returns
// ok=false if no uplinks exist.
func (c *Client) nextSourceAddr() (string, bool) {
	ips := c.uplinks.EnabledUplinkIPs()
	if len(ips) == 0 {
		return "", false
	}
	c.mu.Lock()
	idx := c.rotateIdx % len(ips)
	c.rotateIdx++
	c.mu.Unlock()
	return ips[idx], true
}

func (c *Client) runOnce(ctx context.Context, sourceAddr string) error {
	localAddr, err := net.ResolveTCPAddr("tcp", sourceAddr+":0")
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{
		NetDial: (&net.Dialer{LocalAddr: localAddr, Timeout: remoteConnectTimeout}).Dial,
		HandshakeTimeout: remoteConnectTimeout,
	}

	u, err := url.Parse(c.relayURL)
	if err != nil {
		return err
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		c.broadcastNetworkError()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.lastActiveMs = time.Now().UnixMilli()
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.authenticated = false
		c.mu.Unlock()
	}()

	auth := map[string]interface{}{
		"remote": map[string]interface{}{
			"auth/encoder": map[string]interface{}{
				"key":     c.keys.RemoteKey(),
				"version": protocolVersion,
			},
		},
	}
	if err := conn.WriteJSON(auth); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.keepaliveLoop(ctx, conn)
	}()

	err = c.readLoop(conn)
	<-done
	return err
}

// keepaliveLoop closes conn once it's been idle (no inbound frame) for
// longer than remoteTimeout. The very first check after connecting gets
// an extra (remoteConnectTimeout - remoteTimeout) grace, to tolerate a
// relay that's slow to complete its initial handshake (spec.md §4.8).
func (c *Client) keepaliveLoop(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(keepaliveInterval)
	defer t.Stop()

	grace := remoteConnectTimeout - remoteTimeout
	firstCheck := true

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-c.stopCh:
			conn.Close()
			return
		case now := <-t.C:
			c.mu.Lock()
			last := c.lastActiveMs
			c.mu.Unlock()

			allowed := remoteTimeout
			if firstCheck {
				allowed += grace
			}
			firstCheck = false

			if now.Sub(time.UnixMilli(last)) > allowed {
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			suppress := c.suppressNext
			c.suppressNext = false
			c.mu.Unlock()
			if !suppress {
				c.broadcastNetworkError()
			}
			return err
		}

		c.mu.Lock()
		c.lastActiveMs = time.Now().UnixMilli()
		c.mu.Unlock()

		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		c.log.Debugw("dropping unparseable remote frame", "error", err)
		return
	}

	if remoteMsg, ok := raw["remote"]; ok {
		c.handleRemoteControl(remoteMsg)
		return
	}

	env, err := proto.ParseEnvelope(data)
	if err != nil {
		c.log.Debugw("dropping unparseable remote frame", "error", err)
		return
	}
	if c.dispatch != nil {
		c.dispatch.DispatchRemote(env.ID, env)
	}
}

func (c *Client) handleRemoteControl(raw json.RawMessage) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return
	}
	authField, ok := fields["auth/encoder"]
	if !ok {
		return
	}
	var authOK bool
	if err := json.Unmarshal(authField, &authOK); err != nil {
		return
	}

	if authOK {
		c.mu.Lock()
		c.authenticated = true
		c.mu.Unlock()
		if c.status != nil {
			c.status.BroadcastRemoteStatus(map[string]interface{}{"remote": true})
		}
		if c.keys != nil {
			c.send(map[string]interface{}{"status": c.keys.InitialStatus()})
		}
		return
	}

	c.mu.Lock()
	c.suppressNext = true
	conn := c.conn
	c.mu.Unlock()
	if c.status != nil {
		c.status.BroadcastRemoteStatus(map[string]interface{}{
			"remote": map[string]interface{}{"error": "key"},
		})
	}
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) broadcastNetworkError() {
	if c.status != nil {
		c.status.BroadcastRemoteStatus(map[string]interface{}{
			"remote": map[string]interface{}{"error": "network"},
		})
	}
}

// MirrorBroadcast implements hub.RemoteMirror: forward a broadcast frame
// to the relay if authenticated.
func (c *Client) MirrorBroadcast(kind string, payload interface{}) {
	c.send(map[string]interface{}{kind: payload})
}

// MirrorTo implements hub.RemoteMirror: forward a frame tagged with the
// id of the remote sender it's replying to.
func (c *Client) MirrorTo(senderID, kind string, payload interface{}) {
	frame := map[string]interface{}{kind: payload}
	if senderID != "" {
		frame["id"] = senderID
	}
	c.send(frame)
}

func (c *Client) send(frame interface{}) {
	c.mu.Lock()
	conn := c.conn
	authed := c.authenticated
	c.mu.Unlock()
	if conn == nil || !authed {
		return
	}
	if err := conn.WriteJSON(frame); err != nil {
		c.log.Debugw("tunnel send failed", "error", err)
	}
}
