// Package router implements C12: the top-level message dispatch and
// periodic tickers that tie every other component together behind a
// single serial executor, per spec.md §5's concurrency model. It plays
// the role ap.mcp's main dispatch loop plays for the appliance's other
// daemons — a single goroutine draining an event channel and owning every
// piece of mutable state, with blocking work (subprocess waits, DNS,
// bcrypt, nmcli) pushed onto other goroutines that post their completion
// back through that same channel.
package router

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/skyforge-av/bondctl/internal/execseam"
	"github.com/skyforge-av/bondctl/internal/hub"
	"github.com/skyforge-av/bondctl/internal/netmon"
	"github.com/skyforge-av/bondctl/internal/notify"
	"github.com/skyforge-av/bondctl/internal/proto"
	"github.com/skyforge-av/bondctl/internal/session"
	"github.com/skyforge-av/bondctl/internal/sshctl"
	"github.com/skyforge-av/bondctl/internal/store"
	"github.com/skyforge-av/bondctl/internal/stream"
	"github.com/skyforge-av/bondctl/internal/tunnel"
	"github.com/skyforge-av/bondctl/internal/update"
	"github.com/skyforge-av/bondctl/internal/wifi"
)

// InterfacePollInterval is spec.md §4.2's 1-second interface poll.
const InterfacePollInterval = time.Second

// origin identifies where an inbound message came from: a live local
// connection, or the remote tunnel tagged with a relay sender id.
type origin struct {
	conn     *hub.Conn
	senderID string
	isRemote bool
}

// Router implements C12, wiring C1/C3/C4/C5/C6/C7/C10/C11 to the C8/C9
// transports.
type Router struct {
	log *zap.SugaredLogger

	st       *store.Store
	sessions *session.Manager
	notifier *notify.Bus
	netMon   *netmon.Monitor
	wifiMgr  *wifi.Manager
	streamer *stream.Supervisor
	updater  *update.Orchestrator
	sshCtl   *sshctl.Controller
	runner   execseam.Runner

	hub    *hub.Hub
	tunnel *tunnel.Client

	pipelineNames map[string]string

	events chan func()
	exitFn func()
}

// Config bundles the collaborators a Router wires together.
type Config struct {
	Log           *zap.SugaredLogger
	Store         *store.Store
	Sessions      *session.Manager
	Notifier      *notify.Bus
	NetMon        *netmon.Monitor
	WifiMgr       *wifi.Manager
	Streamer      *stream.Supervisor
	Updater       *update.Orchestrator
	SSHCtl        *sshctl.Controller
	Runner        execseam.Runner
	Hub           *hub.Hub
	Tunnel        *tunnel.Client
	PipelineNames map[string]string
	// ExitFn is invoked once, from the event loop, after a successful OS
	// upgrade (spec.md §4.9). Defaults to os.Exit(0).
	ExitFn func()
}

// New constructs a Router from cfg.
func New(cfg Config) *Router {
	exitFn := cfg.ExitFn
	if exitFn == nil {
		exitFn = func() { os.Exit(0) }
	}
	return &Router{
		log:           cfg.Log,
		st:            cfg.Store,
		sessions:      cfg.Sessions,
		notifier:      cfg.Notifier,
		netMon:        cfg.NetMon,
		wifiMgr:       cfg.WifiMgr,
		streamer:      cfg.Streamer,
		updater:       cfg.Updater,
		sshCtl:        cfg.SSHCtl,
		runner:        cfg.Runner,
		hub:           cfg.Hub,
		tunnel:        cfg.Tunnel,
		pipelineNames: cfg.PipelineNames,
		events:        make(chan func(), 256),
		exitFn:        exitFn,
	}
}

// Dispatch implements hub.Dispatcher: a local client's parsed frame is
// posted onto the event loop.
func (r *Router) Dispatch(c *hub.Conn, env *proto.Envelope) {
	o := origin{conn: c}
	r.post(func() { r.handle(o, env) })
}

// DispatchRemote implements tunnel.Dispatcher: a relay-bridged frame is
// posted onto the event loop tagged isRemote=true.
func (r *Router) DispatchRemote(senderID string, env *proto.Envelope) {
	o := origin{senderID: senderID, isRemote: true}
	r.post(func() { r.handle(o, env) })
}

// BroadcastRemoteStatus implements tunnel.StatusSink: the tunnel's own
// connection-state changes (auth success/failure, network error) are
// broadcast to local clients the same as any other status change.
func (r *Router) BroadcastRemoteStatus(payload map[string]interface{}) {
	r.post(func() { r.hub.BroadcastLocal("status", payload, false) })
}

// OnUpdateProgress is passed to update.New as its onProgress callback by
// cmd/bondctl, closing over a Router constructed afterward (the Router
// and Orchestrator are mutually referential at wiring time).
func (r *Router) OnUpdateProgress(status proto.UpdateStatus) {
	r.post(func() { r.hub.Broadcast("status", map[string]interface{}{"updating": status}, false) })
}

// OnUpdateAvailable is passed to update.New as its onAvailable callback.
func (r *Router) OnUpdateAvailable(avail proto.AvailableUpdates) {
	r.post(func() {
		r.hub.Broadcast("status", map[string]interface{}{"available_updates": avail}, false)
	})
}

// RequestExit is passed to update.New as its onExitRequest callback: a
// successful upgrade ends the process so its supervisor (systemd) starts
// the new binary.
func (r *Router) RequestExit() { r.exitFn() }

// RemoteKey implements tunnel.KeySource.
func (r *Router) RemoteKey() string { return r.st.Config().RemoteKey }

// InitialStatus implements tunnel.KeySource: the same status payload a
// newly attached local client receives.
func (r *Router) InitialStatus() map[string]interface{} {
	return r.statusPayload()
}

func (r *Router) post(fn func()) {
	select {
	case r.events <- fn:
	default:
		r.log.Warnw("event queue full, dropping message")
	}
}

// Run drains the event queue and drives the periodic tickers until ctx is
// cancelled. It owns every mutation of shared state; this is the single
// logical event loop spec.md §5 requires.
func (r *Router) Run(ctx context.Context) {
	ifaceTicker := time.NewTicker(InterfacePollInterval)
	defer ifaceTicker.Stop()

	catalogTicker := time.NewTicker(update.CatalogRefreshInterval)
	defer catalogTicker.Stop()

	// Reap any orphaned encoder/bonder from a prior run, per spec.md
	// §4.6's stop() being "invoked on daemon startup".
	r.streamer.Stop()

	// spec.md §4.9: catalog refresh runs on startup and every hour.
	r.maybeRefreshCatalog(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-r.events:
			fn()
		case <-ifaceTicker.C:
			r.pollInterfaces()
		case <-catalogTicker.C:
			r.maybeRefreshCatalog(ctx)
		}
	}
}

func (r *Router) pollInterfaces() {
	table, ipChanged, err := r.netMon.Poll()
	if err != nil {
		r.log.Warnw("interface poll failed", "error", err)
		return
	}
	r.hub.Broadcast("netif", table, true)

	if ipChanged && r.streamer.IsStreaming() {
		if err := r.streamer.UpdateUplinks(); err != nil {
			r.log.Warnw("updateUplinks failed", "error", err)
		}
	}
}

func (r *Router) maybeRefreshCatalog(ctx context.Context) {
	if !r.updater.ShouldRefreshCatalog(r.streamer.IsStreaming()) {
		return
	}
	go func() {
		err := r.updater.RefreshCatalog(ctx)
		r.post(func() {
			if err != nil {
				r.log.Warnw("catalog refresh failed", "error", err)
			}
		})
	}()
}

// statusPayload builds the {status:...} frame sent on attach and after
// relevant state changes, per spec.md §6.
func (r *Router) statusPayload() map[string]interface{} {
	cfg := r.st.Config()
	status := map[string]interface{}{
		"is_streaming": r.streamer.IsStreaming(),
		"updating":     r.updater.Updating(),
	}
	if cfg.PasswordHash == "" {
		status["set_password"] = true
	}
	return status
}

func (r *Router) sendInitialState(o origin) {
	r.reply(o, "status", r.statusPayload())
	r.reply(o, "config", r.st.Config().Public())
	r.reply(o, "pipelines", r.pipelineNames)
	r.reply(o, "netif", r.netMon.Snapshot())

	var shown []proto.Notification
	shown = append(shown, r.notifier.OnAttach()...)
	if len(shown) > 0 {
		r.reply(o, "notification", map[string]interface{}{"show": shown})
	}
}

// reply sends kind/payload only to the originating caller: directly to a
// local connection, or tagged back to the relay for a remote one.
func (r *Router) reply(o origin, kind string, payload interface{}) {
	if o.conn != nil {
		_ = o.conn.Send(proto.Frame(kind, payload, ""))
		return
	}
	if o.isRemote && r.tunnel != nil {
		r.tunnel.MirrorTo(o.senderID, kind, payload)
	}
}

func (r *Router) notifyOrigin(o origin, kind proto.NotificationKind, msg string, durationSeconds int) {
	connID := ""
	if o.conn != nil {
		connID = o.conn.Token()
		if connID == "" {
			connID = "unauthenticated"
		}
	} else if o.isRemote {
		connID = o.senderID
	}
	emit, notif, target, err := r.notifier.Send(connID, "", kind, msg, durationSeconds, false, true)
	if err != nil || !emit {
		return
	}
	if target.Broadcast {
		r.hub.Broadcast("notification", map[string]interface{}{"show": []proto.Notification{notif}}, false)
	} else {
		r.reply(o, "notification", map[string]interface{}{"show": []proto.Notification{notif}})
	}
}

// handle dispatches one parsed envelope according to spec.md §6's message
// table.
func (r *Router) handle(o origin, env *proto.Envelope) {
	switch {
	case env.Has("auth"):
		r.handleAuth(o, env)
	case env.Has("config"):
		r.handleConfig(o, env)
	case env.Has("keepalive"):
		// lastActive is already refreshed by the hub/tunnel transport on
		// receipt; nothing further to do.
	case env.Has("start"):
		r.handleStart(o, env)
	case env.Has("stop"):
		r.streamer.Stop()
		r.hub.Broadcast("status", map[string]interface{}{"is_streaming": false}, false)
	case env.Has("bitrate"):
		r.handleBitrate(o, env)
	case env.Has("command"):
		r.handleCommand(o, env)
	case env.Has("netif"):
		r.handleNetif(o, env)
	case env.Has("wifi"):
		r.handleWifi(o, env)
	case env.Has("logout"):
		r.handleLogout(o, env)
	}
}

func (r *Router) handleAuth(o origin, env *proto.Envelope) {
	var req struct {
		Password        string `json:"password"`
		Token           string `json:"token"`
		PersistentToken bool   `json:"persistent_token"`
	}
	if _, err := env.Decode("auth", &req); err != nil {
		return
	}

	var ok bool
	if req.Token != "" {
		ok = r.sessions.Authenticate(req.Token)
	} else {
		ok = session.VerifyPassword(r.st.Config().PasswordHash, req.Password)
	}

	if !ok {
		r.reply(o, "auth", map[string]interface{}{"success": false})
		return
	}

	token := req.Token
	if token == "" {
		newToken, err := r.sessions.Issue(req.PersistentToken)
		if err != nil {
			r.log.Warnw("issuing auth token failed", "error", err)
			r.reply(o, "auth", map[string]interface{}{"success": false})
			return
		}
		token = newToken
	}

	if o.conn != nil {
		o.conn.SetAuthenticated(true, token)
	}

	r.reply(o, "auth", map[string]interface{}{"success": true, "auth_token": token})
	r.sendInitialState(o)
}

func (r *Router) handleConfig(o origin, env *proto.Envelope) {
	var req struct {
		Password  *string `json:"password"`
		RemoteKey *string `json:"remote_key"`
	}
	if _, err := env.Decode("config", &req); err != nil {
		return
	}

	authenticated := o.conn != nil && o.conn.Authenticated()
	passwordConfigured := r.st.Config().PasswordHash != ""

	if req.Password != nil {
		if !session.CanSetPassword(authenticated, passwordConfigured, o.isRemote) {
			r.notifyOrigin(o, proto.KindError, "not permitted to set password", 10)
			return
		}
		hash, err := session.HashPassword(*req.Password)
		if err != nil {
			r.notifyOrigin(o, proto.KindError, err.Error(), 10)
			return
		}
		if _, err := r.st.UpdateConfig(func(c *proto.Config) { c.PasswordHash = hash }); err != nil {
			r.log.Warnw("persisting password failed", "error", err)
			return
		}
	}

	if req.RemoteKey != nil {
		if _, err := r.st.UpdateConfig(func(c *proto.Config) { c.RemoteKey = *req.RemoteKey }); err != nil {
			r.log.Warnw("persisting remote key failed", "error", err)
			return
		}
		if r.tunnel != nil {
			r.tunnel.Rekey()
		}
	}

	r.hub.BroadcastExcept(o.conn, o.senderID, "config", r.st.Config().Public())
}

func (r *Router) handleStart(o origin, env *proto.Envelope) {
	var params proto.StreamParams
	if _, err := env.Decode("start", &params); err != nil {
		return
	}

	result, err := r.streamer.Start(params, r.updater.Updating)
	if err != nil {
		field, msg := "start", err.Error()
		if verr, ok := err.(*stream.ValidationError); ok {
			field = verr.Field
			msg = verr.Message
		}
		r.notifyOrigin(o, proto.KindError, field+": "+msg, 10)
		r.reply(o, "status", map[string]interface{}{"is_streaming": false})
		return
	}

	r.hub.BroadcastExcept(o.conn, o.senderID, "config", result.Config.Public())
	r.hub.Broadcast("status", map[string]interface{}{"is_streaming": true}, false)
}

func (r *Router) handleBitrate(o origin, env *proto.Envelope) {
	var req struct {
		MaxBR int `json:"max_br"`
	}
	if _, err := env.Decode("bitrate", &req); err != nil {
		return
	}
	value, ok, err := r.streamer.SetBitrate(req.MaxBR)
	if err != nil {
		r.log.Warnw("setBitrate failed", "error", err)
		return
	}
	if !ok {
		return
	}
	r.hub.BroadcastExcept(o.conn, o.senderID, "bitrate", map[string]int{"max_br": value})
}

func (r *Router) handleCommand(o origin, env *proto.Envelope) {
	var cmd string
	if _, err := env.Decode("command", &cmd); err != nil {
		return
	}

	ctx := context.Background()
	switch cmd {
	case "poweroff":
		go func() { _, _, _ = r.runner.Run(ctx, "systemctl", "poweroff") }()
	case "reboot":
		go func() { _, _, _ = r.runner.Run(ctx, "systemctl", "reboot") }()
	case "update":
		go func() {
			err := r.updater.DoUpdate(ctx, r.streamer.IsStreaming())
			if err != nil {
				r.log.Warnw("update failed", "error", err)
			}
		}()
	case "start_ssh":
		go r.runSSH(ctx, func(cfg *proto.Config) error { return r.sshCtl.StartSSH(ctx, cfg) })
	case "stop_ssh":
		go func() {
			if err := r.sshCtl.StopSSH(ctx); err != nil {
				r.log.Warnw("stop_ssh failed", "error", err)
			}
			r.post(r.broadcastSSHStatus)
		}()
	case "reset_ssh_pass":
		go r.runSSH(ctx, func(cfg *proto.Config) error { return r.sshCtl.ResetPassword(ctx, cfg) })
	}
}

// runSSH runs a Controller mutator off the event loop (it shells out) and
// posts the resulting config mutation back onto it.
func (r *Router) runSSH(ctx context.Context, mutate func(*proto.Config) error) {
	cfg := r.st.Config()
	if err := mutate(&cfg); err != nil {
		r.log.Warnw("ssh operation failed", "error", err)
		return
	}
	r.post(func() {
		if _, err := r.st.UpdateConfig(func(c *proto.Config) {
			c.SSHPass = cfg.SSHPass
			c.SSHPassHash = cfg.SSHPassHash
		}); err != nil {
			r.log.Warnw("persisting ssh state failed", "error", err)
			return
		}
		r.broadcastSSHStatus()
	})
}

func (r *Router) broadcastSSHStatus() {
	go func() {
		status, err := r.sshCtl.Status(context.Background())
		if err != nil {
			r.log.Warnw("ssh status failed", "error", err)
			return
		}
		r.post(func() { r.hub.Broadcast("status", map[string]interface{}{"ssh": status}, false) })
	}()
}

func (r *Router) handleNetif(o origin, env *proto.Envelope) {
	var req struct {
		Name    string `json:"name"`
		IP      string `json:"ip"`
		Enabled bool   `json:"enabled"`
	}
	if _, err := env.Decode("netif", &req); err != nil {
		return
	}

	accepted, err := r.netMon.SetEnabled(req.Name, req.IP, req.Enabled)
	if err != nil {
		r.notifyOrigin(o, proto.KindError, "netif_disable_all", 10)
		return
	}
	if !accepted {
		return
	}

	r.hub.Broadcast("netif", r.netMon.Snapshot(), true)
	if r.streamer.IsStreaming() {
		if err := r.streamer.UpdateUplinks(); err != nil {
			r.log.Warnw("updateUplinks failed", "error", err)
		}
	}
}

func (r *Router) handleWifi(o origin, env *proto.Envelope) {
	var req struct {
		Scan       *struct{} `json:"scan"`
		Connect    *string   `json:"connect"`
		Disconnect *string   `json:"disconnect"`
		Forget     *string   `json:"forget"`
		New        *struct {
			DeviceID int    `json:"device_id"`
			SSID     string `json:"ssid"`
			Password string `json:"password"`
		} `json:"new"`
	}
	if _, err := env.Decode("wifi", &req); err != nil {
		return
	}

	ctx := context.Background()
	switch {
	case req.Scan != nil:
		go func() {
			if _, err := r.wifiMgr.RefreshAll(ctx); err != nil {
				r.log.Warnw("wifi refresh failed", "error", err)
			}
		}()
	case req.Connect != nil:
		go r.runWifiOp(ctx, o, func() error { return r.wifiMgr.Connect(ctx, *req.Connect) })
	case req.Disconnect != nil:
		go r.runWifiOp(ctx, o, func() error { return r.wifiMgr.Disconnect(ctx, *req.Disconnect) })
	case req.Forget != nil:
		go r.runWifiOp(ctx, o, func() error { return r.wifiMgr.Forget(ctx, *req.Forget) })
	case req.New != nil:
		go r.runWifiOp(ctx, o, func() error {
			return r.wifiMgr.New(ctx, req.New.DeviceID, req.New.SSID, req.New.Password)
		})
	}
}

// runWifiOp runs a wifi.Manager mutator off the event loop (it shells out
// to nmcli) and posts its result back on; the membership broadcast itself
// happens via OnWifiChanged, the Manager's onChange callback.
func (r *Router) runWifiOp(ctx context.Context, o origin, op func() error) {
	err := op()
	if err != nil {
		r.post(func() { r.reply(o, "wifi", map[string]interface{}{"error": err.Error()}) })
		return
	}
	if _, err := r.wifiMgr.RefreshAll(ctx); err != nil {
		r.log.Warnw("post-operation wifi refresh failed", "error", err)
	}
}

// OnWifiChanged is passed to wifi.New as its onChange callback: device
// membership changed, so broadcast the updated index and arm the
// staggered rescans for every device's interface.
func (r *Router) OnWifiChanged() {
	r.post(func() {
		devices := r.wifiMgr.Devices()
		r.hub.Broadcast("wifi", map[string]interface{}{"devices": devices}, false)
		for _, d := range devices {
			r.wifiMgr.ScheduleRescans(context.Background(), d.IfName)
		}
	})
}

func (r *Router) handleLogout(o origin, env *proto.Envelope) {
	if o.conn == nil {
		return
	}
	token := o.conn.Token()
	if token != "" {
		if err := r.sessions.Logout(token); err != nil {
			r.log.Warnw("logout failed", "error", err)
		}
	}
	o.conn.SetAuthenticated(false, "")
}
