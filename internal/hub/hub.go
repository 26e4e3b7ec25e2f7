// Package hub implements C8: the local WebSocket hub that accepts browser
// clients, dispatches their typed messages to the router, and fans out
// broadcasts filtered by authentication and recent activity. Routing
// (gorilla/mux) and request handling follow ap.httpd.go's router-building
// idiom; message framing follows common/ssh/tunnel.go's
// one-goroutine-per-direction shape adapted to a single bidirectional
// websocket connection instead of a raw TCP forward.
package hub

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/skyforge-av/bondctl/internal/proto"
)

// ActiveWindow is the "last active" filter spec.md §4.7/§5 calls out: a
// broadcast may require the recipient to have been active within this
// window to save bandwidth on idle tabs.
const ActiveWindow = 15 * time.Second

// RemoteMirror lets the hub mirror broadcasts onto the tunnel (C9) without
// importing it directly. Both methods are no-ops if no tunnel is
// authenticated.
type RemoteMirror interface {
	MirrorBroadcast(kind string, payload interface{})
	MirrorTo(senderID, kind string, payload interface{})
}

// Dispatcher receives parsed inbound frames; implemented by the router
// (C12).
type Dispatcher interface {
	Dispatch(c *Conn, env *proto.Envelope)
}

// Conn is one live local WebSocket connection's hub-owned state.
type Conn struct {
	ws *websocket.Conn

	mu            sync.Mutex
	writeMu       sync.Mutex
	authenticated bool
	token         string
	lastActiveMs  int64
}

// Authenticated reports whether this connection completed auth.
func (c *Conn) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// SetAuthenticated marks the connection authenticated (or not) with token.
func (c *Conn) SetAuthenticated(ok bool, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = ok
	c.token = token
}

// Token returns the connection's current auth token, if any.
func (c *Conn) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Touch refreshes lastActive to now.
func (c *Conn) Touch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActiveMs = now.UnixMilli()
}

// LastActiveMs returns the last-touched time in epoch milliseconds.
func (c *Conn) LastActiveMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActiveMs
}

// Send writes one JSON frame to the client. Writes to a single connection
// are serialized by writeMu so concurrent broadcasts don't interleave.
func (c *Conn) Send(frame interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(frame)
}

// PasswordConfigured lets cmd/bondctl tell the hub whether to announce
// set_password:true to newly accepted clients (spec.md §4.7).
type PasswordConfigured func() bool

// Hub implements C8.
type Hub struct {
	log                *zap.SugaredLogger
	upgrader           websocket.Upgrader
	dispatcher         Dispatcher
	mirror             RemoteMirror
	passwordConfigured PasswordConfigured
	nowFn              func() time.Time

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// New constructs a Hub. mirror may be nil if no tunnel is wired.
// passwordConfigured is consulted on every new connection to decide
// whether to announce set_password:true (spec.md §4.7); nil always
// reports a password as configured (no announcement).
func New(log *zap.SugaredLogger, dispatcher Dispatcher, mirror RemoteMirror, passwordConfigured PasswordConfigured) *Hub {
	if passwordConfigured == nil {
		passwordConfigured = func() bool { return true }
	}
	return &Hub{
		log:                log,
		dispatcher:         dispatcher,
		mirror:             mirror,
		passwordConfigured: passwordConfigured,
		nowFn:              time.Now,
		conns:              make(map[*Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Router returns a new mux.Router serving the hub's websocket endpoint at
// /ws, matching ap.httpd's pattern of building a dedicated mux.Router per
// concern and mounting it on the main router.
func (h *Hub) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", h.handleWS)
	return r
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("websocket upgrade failed", "error", err)
		return
	}

	c := &Conn{ws: ws}
	c.Touch(h.nowFn())

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	h.log.Debugw("local client connected", "remote", r.RemoteAddr)

	if !h.passwordConfigured() {
		h.AnnouncePasswordUnset(c)
	}

	h.readLoop(c)
}

func (h *Hub) readLoop(c *Conn) {
	defer h.remove(c)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.Touch(h.nowFn())

		env, err := proto.ParseEnvelope(data)
		if err != nil {
			h.log.Debugw("dropping unparseable frame", "error", err)
			continue
		}
		if h.dispatcher != nil {
			h.dispatcher.Dispatch(c, env)
		}
	}
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	c.ws.Close()
	h.log.Debugw("local client disconnected")
}

// AnnouncePasswordUnset sends the initial set_password status frame
// spec.md §4.7 requires when no password is configured yet.
func (h *Hub) AnnouncePasswordUnset(c *Conn) {
	_ = c.Send(map[string]interface{}{
		"status": map[string]interface{}{"set_password": true},
	})
}

// broadcastLocal implements spec.md §4.7: deliver to every connection that
// is authenticated and whose last-active time is >= activeMin, skipping
// except.
func (h *Hub) broadcastLocal(kind string, payload interface{}, activeMin int64, except *Conn) {
	frame := map[string]interface{}{kind: payload}

	h.mu.Lock()
	targets := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		if c == except {
			continue
		}
		if !c.Authenticated() {
			continue
		}
		if c.LastActiveMs() < activeMin {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if err := c.Send(frame); err != nil {
			h.log.Debugw("dropping send to dead connection", "error", err)
		}
	}
}

// BroadcastLocal delivers kind/payload to every authenticated local client
// active within the last ActiveWindow, or to every authenticated client if
// activeWithin is false.
func (h *Hub) BroadcastLocal(kind string, payload interface{}, activeWithin bool) {
	var activeMin int64
	if activeWithin {
		activeMin = h.nowFn().Add(-ActiveWindow).UnixMilli()
	}
	h.broadcastLocal(kind, payload, activeMin, nil)
}

// Broadcast implements spec.md §4.7's broadcast: BroadcastLocal plus a
// mirror to the remote tunnel if one is authenticated.
func (h *Hub) Broadcast(kind string, payload interface{}, activeWithin bool) {
	h.BroadcastLocal(kind, payload, activeWithin)
	if h.mirror != nil {
		h.mirror.MirrorBroadcast(kind, payload)
	}
}

// BroadcastExcept implements spec.md §4.7's broadcastExcept: deliver to
// all local clients except conn, and mirror to the remote tunnel tagged
// with senderID, the relay sender id the router records for a request
// that arrived through the tunnel ("" for a local request).
func (h *Hub) BroadcastExcept(conn *Conn, senderID, kind string, payload interface{}) {
	h.broadcastLocal(kind, payload, 0, conn)
	if h.mirror != nil {
		h.mirror.MirrorTo(senderID, kind, payload)
	}
}

// Count returns the number of live local connections (for diagnostics).
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
