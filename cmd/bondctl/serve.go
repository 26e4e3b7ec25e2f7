package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/unrolled/secure"
	"go.uber.org/zap"

	"github.com/skyforge-av/bondctl/internal/execseam"
	"github.com/skyforge-av/bondctl/internal/hub"
	"github.com/skyforge-av/bondctl/internal/netmon"
	"github.com/skyforge-av/bondctl/internal/notify"
	"github.com/skyforge-av/bondctl/internal/proto"
	"github.com/skyforge-av/bondctl/internal/router"
	"github.com/skyforge-av/bondctl/internal/session"
	"github.com/skyforge-av/bondctl/internal/sshctl"
	"github.com/skyforge-av/bondctl/internal/store"
	"github.com/skyforge-av/bondctl/internal/stream"
	"github.com/skyforge-av/bondctl/internal/supervisor"
	"github.com/skyforge-av/bondctl/internal/tunnel"
	"github.com/skyforge-av/bondctl/internal/update"
	"github.com/skyforge-av/bondctl/internal/wifi"
)

// genericPipelineDir is the always-scanned pipeline subdirectory name,
// alongside an optional platform-tagged one (stream.DiscoverPipelines).
const genericPipelineDir = "generic"

// routerBridge implements hub.Dispatcher, tunnel.Dispatcher,
// tunnel.StatusSink and tunnel.KeySource by forwarding to rt, which is
// filled in after the router is constructed. See runServe for why this
// indirection exists.
type routerBridge struct {
	rt *router.Router
}

func (b *routerBridge) Dispatch(c *hub.Conn, env *proto.Envelope) {
	b.rt.Dispatch(c, env)
}

func (b *routerBridge) DispatchRemote(senderID string, env *proto.Envelope) {
	b.rt.DispatchRemote(senderID, env)
}

func (b *routerBridge) BroadcastRemoteStatus(payload map[string]interface{}) {
	b.rt.BroadcastRemoteStatus(payload)
}

func (b *routerBridge) RemoteKey() string { return b.rt.RemoteKey() }

func (b *routerBridge) InitialStatus() map[string]interface{} { return b.rt.InitialStatus() }

func newServeCmd() *cobra.Command {
	var dataDir, publicDir string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bondctl daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(dataDir, publicDir)
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", envOr("DATA_DIR", "/var/lib/bondctl"),
		"directory holding setup.json, config.json and auth_tokens.json")
	cmd.Flags().StringVar(&publicDir, "public-dir", envOr("PUBLIC_DIR", "public"),
		"directory of static browser assets to serve")
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func zapSetup() *zap.SugaredLogger {
	cfg := zap.NewDevelopmentConfig()
	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("can't build logger: %s", err))
	}
	return logger.Sugar()
}

// requiredExecutables are the binaries bondctl shells out to; a missing
// one is fatal at startup per spec.md's "missing executable at startup"
// exit code (1), rather than discovered lazily mid-stream.
func requiredExecutables(setup proto.Setup) []string {
	bins := []string{setup.EncoderBin, setup.BonderBin, "nmcli", "systemctl", "apt-get"}
	return bins
}

func checkExecutables(log *zap.SugaredLogger, bins []string) error {
	for _, bin := range bins {
		if bin == "" {
			continue
		}
		if _, err := exec.LookPath(bin); err != nil {
			log.Errorw("missing required executable at startup", "executable", bin, "error", err)
			return errors.Wrapf(err, "missing required executable %q", bin)
		}
	}
	return nil
}

func runServe(dataDir, publicDir string) error {
	log := zapSetup()
	defer log.Sync() //nolint:errcheck

	fs := afero.NewOsFs()
	setupPath := dataDir + "/setup.json"
	configPath := dataDir + "/config.json"
	tokensPath := dataDir + "/auth_tokens.json"

	st, err := store.New(fs, setupPath, configPath, tokensPath)
	if err != nil {
		return errors.Wrap(err, "load store")
	}
	setup := st.Setup()

	if err := checkExecutables(log, requiredExecutables(setup)); err != nil {
		return err
	}

	tokens, err := store.LoadTokens(fs, tokensPath)
	if err != nil {
		return errors.Wrap(err, "load auth tokens")
	}

	runner := execseam.OSRunner{}
	sessions := session.NewManager(session.NewTokenSet(), tokens)
	notifier := notify.New(nil)

	netMon := netmon.New(netmon.NetlinkSource{}, nil, nil)

	// bridge breaks the three-way construction cycle between the router,
	// the hub, and the tunnel client: the hub needs a Dispatcher before
	// the router exists, and the tunnel client needs a Dispatcher/
	// StatusSink/KeySource before the router exists, but the router's own
	// constructor needs the finished hub and tunnel client. bridge is
	// built first and handed out as all of those interfaces; its rt
	// field is filled in once the router is actually constructed, the
	// same forward-reference trick internal/wifi and internal/update's
	// callbacks use, generalized from a func value to a method set.
	bridge := &routerBridge{}

	wifiMgr := wifi.New(log, runner, func() { bridge.rt.OnWifiChanged() })

	sup := supervisor.New(log, runner)

	pipelines, err := stream.DiscoverPipelines(fs, setup.PipelineRoot, genericPipelineDir, setup.Platform)
	if err != nil {
		return errors.Wrap(err, "discover pipelines")
	}
	pipelineNames := make(map[string]string, len(pipelines))
	for id, p := range pipelines {
		pipelineNames[id] = p.Name
	}

	streamer := stream.New(fs, st, sup, netMon, stream.DNSResolver{}, pipelines)

	updater := update.New(log, runner, setup.UpgradesAllowed,
		func(s proto.UpdateStatus) { bridge.rt.OnUpdateProgress(s) },
		func(a proto.AvailableUpdates) { bridge.rt.OnUpdateAvailable(a) },
		func() { bridge.rt.RequestExit() })

	sshCtl := sshctl.New(log, runner, setup.SSHUser)

	var tunnelClient *tunnel.Client
	var mirror hub.RemoteMirror
	if relayURL := os.Getenv("RELAY_URL"); relayURL != "" {
		tunnelClient = tunnel.New(log, relayURL, netMon, bridge, bridge, bridge)
		mirror = tunnelClient
	}

	h := hub.New(log, bridge, mirror, func() bool { return st.Config().PasswordHash != "" })

	rt := router.New(router.Config{
		Log: log, Store: st, Sessions: sessions, Notifier: notifier,
		NetMon: netMon, WifiMgr: wifiMgr, Streamer: streamer, Updater: updater,
		SSHCtl: sshCtl, Runner: runner, Hub: h, Tunnel: tunnelClient,
		PipelineNames: pipelineNames,
	})
	bridge.rt = rt

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Infow("shutdown signal received")
		cancel()
	}()

	go rt.Run(ctx)
	if tunnelClient != nil {
		go tunnelClient.Run(ctx)
	}

	srv := buildServer(log, h, publicDir)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("http server exited", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// buildServer assembles the same-origin HTTP+WS listener spec.md §6
// requires: static files under publicDir, gzip-compressed and with
// baseline security headers, plus the hub's /ws upgrade endpoint mounted
// on the same mux.Router. negroni's middleware-chaining idiom from
// ap.httpd.go is deliberately not used here (see DESIGN.md); handlers are
// composed directly instead.
func buildServer(log *zap.SugaredLogger, h *hub.Hub, publicDir string) *http.Server {
	r := mux.NewRouter()
	r.PathPrefix("/ws").Handler(h.Router())
	r.PathPrefix("/").Handler(http.FileServer(http.Dir(publicDir)))

	secureMiddleware := secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
	})

	var handler http.Handler = gziphandler.GzipHandler(r)
	handler = secureMiddleware.Handler(handler)

	port := envOr("PORT", "80")

	return &http.Server{
		Addr:    ":" + port,
		Handler: handler,
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
}
