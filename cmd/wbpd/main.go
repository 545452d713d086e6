// wbpd serves a Lua interpreter over WBP. It listens for length-prefixed
// TCP clients and, when an HTTP address is configured, for WebSocket
// clients on /ws and WebRTC offers on /webrtc/offer. One client is
// served at a time.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	wbp "github.com/machinefabric/wbp-go"
	"github.com/machinefabric/wbp-go/logging"
	"github.com/machinefabric/wbp-go/luarepl"
	"github.com/machinefabric/wbp-go/transport"
)

const version = "0.3.0"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "wbpd: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags builds the configuration from defaults, the optional config
// file and flags, in that order of precedence.
func parseFlags(args []string) (daemonConfig, bool, error) {
	cfg := defaultDaemonConfig()

	flagSet := pflag.NewFlagSet("wbpd", pflag.ContinueOnError)
	configPath := flagSet.StringP("config", "c", "", "path to a TOML config file")
	password := flagSet.String("password", "", "AUTH password (default $"+EnvPassword+")")
	listen := flagSet.String("listen", cfg.StreamAddress, "TCP address for length-prefixed clients, empty to disable")
	httpListen := flagSet.String("http", "", "HTTP address for WebSocket and WebRTC clients")
	root := flagSet.String("root", "", "directory file transfers are confined to")
	logLevel := flagSet.String("log-level", cfg.Log.Level, "debug, info, warn, error or off")
	logFormat := flagSet.String("log-format", string(cfg.Log.Format), "json or console")
	forward := flagSet.String("forward-logs", cfg.ForwardLogs, "lowest level streamed to the client as LOG events, or off")
	showVersion := flagSet.Bool("version", false, "print the version and exit")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return cfg, true, nil
		}
		return cfg, false, err
	}
	if *showVersion {
		fmt.Println("wbpd", version)
		return cfg, true, nil
	}
	if flagSet.NArg() > 0 {
		return cfg, false, fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	if *configPath != "" {
		if err := loadConfigFile(*configPath, &cfg); err != nil {
			return cfg, false, err
		}
	}

	if flagSet.Changed("password") {
		cfg.Session.Password = *password
	}
	if cfg.Session.Password == "" {
		cfg.Session.Password = os.Getenv(EnvPassword)
	}
	if flagSet.Changed("listen") {
		cfg.StreamAddress = *listen
	}
	if flagSet.Changed("http") {
		cfg.HTTPAddress = *httpListen
	}
	if flagSet.Changed("root") {
		cfg.Root = *root
	}
	if flagSet.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if flagSet.Changed("log-format") {
		cfg.Log.Format = logging.Format(*logFormat)
	}
	if flagSet.Changed("forward-logs") {
		cfg.ForwardLogs = *forward
	}
	cfg.Log.ApplyEnv()
	return cfg, false, nil
}

func run(args []string) error {
	cfg, exit, err := parseFlags(args)
	if err != nil || exit {
		return err
	}

	baseCore, err := logging.Core(cfg.Log)
	if err != nil {
		return err
	}
	base := zap.New(baseCore)
	defer base.Sync()
	// transports and the runner log under the session's name so the LOG
	// event core never forwards them
	internal := base.Named("wbp")

	var fsys wbp.FileSystem
	if cfg.Root != "" {
		dfs, err := wbp.NewDirFileSystem(cfg.Root)
		if err != nil {
			return err
		}
		defer dfs.Close()
		fsys = dfs
	}

	var session *wbp.Session
	session, err = wbp.NewSession(wbp.Options{
		Config:     cfg.Session,
		Logger:     base,
		FileSystem: fsys,
		Restart:    restart(internal),
		InfoSchema: cfg.InfoSchema,
		OnAuthenticated: func(wbp.Transport) {
			if err := session.Notify(deviceInfo(cfg)); err != nil {
				internal.Warn("device info not sent", zap.Error(err))
			}
		},
	})
	if err != nil {
		return err
	}
	defer session.Close()

	log, err := daemonLogger(baseCore, session, cfg.ForwardLogs)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	errs := make(chan error, 3)

	runner := wbp.NewRunner(session, luarepl.New, internal)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs <- fmt.Errorf("runner: %w", err)
		}
	}()

	if cfg.StreamAddress != "" {
		srv, err := transport.NewStreamServer(cfg.StreamAddress, session, internal)
		if err != nil {
			return err
		}
		defer srv.Close()
		log.Info("stream transport listening", zap.String("address", srv.Address()))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Serve(ctx); err != nil {
				errs <- fmt.Errorf("stream transport: %w", err)
			}
		}()
	}

	if cfg.HTTPAddress != "" {
		peers := &peerSet{}
		defer peers.closeAll()
		mux := http.NewServeMux()
		mux.Handle("/ws", transport.NewWebSocketHandler(session, internal))
		mux.Handle("/webrtc/offer", offerHandler(session, cfg.ICEServers, peers, internal))
		httpServer := &http.Server{Addr: cfg.HTTPAddress, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		log.Info("http transport listening", zap.String("address", cfg.HTTPAddress))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("http transport: %w", err)
			}
		}()
		go func() {
			<-ctx.Done()
			httpServer.Close()
		}()
	}

	log.Info("wbpd started", zap.String("version", version))
	select {
	case <-ctx.Done():
	case err = <-errs:
		log.Error("shutting down", zap.Error(err))
		stop()
	}
	wg.Wait()
	log.Info("wbpd stopped")
	return err
}

// daemonLogger tees the local core with one that streams entries at or
// above forward to the authenticated client.
func daemonLogger(base zapcore.Core, s *wbp.Session, forward string) (*zap.Logger, error) {
	level, on, err := logging.ParseLevel(forward)
	if err != nil {
		return nil, fmt.Errorf("forward-logs: %w", err)
	}
	core := base
	if on {
		core = zapcore.NewTee(base, wbp.NewLogCore(s, level))
	}
	return zap.New(core).Named("wbpd"), nil
}

// restart re-executes the current binary with the same arguments
func restart(log *zap.Logger) func() {
	return func() {
		exe, err := os.Executable()
		if err != nil {
			log.Error("hard reset: locate executable", zap.Error(err))
			return
		}
		log.Warn("hard reset: re-executing", zap.String("path", exe))
		log.Sync()
		if err := syscall.Exec(exe, os.Args, os.Environ()); err != nil {
			log.Error("hard reset: exec failed", zap.Error(err))
		}
	}
}

// deviceInfo is the INFO document sent after each successful AUTH
func deviceInfo(cfg daemonConfig) string {
	hostname, _ := os.Hostname()
	doc := map[string]any{
		"name":        "wbpd",
		"version":     version,
		"hostname":    hostname,
		"platform":    runtime.GOOS + "/" + runtime.GOARCH,
		"interpreter": "lua5.1",
		"block_size":  cfg.Session.DefaultBlockSize,
	}
	data, _ := json.Marshal(doc)
	return string(data)
}

// peerSet tracks answered WebRTC peer connections until they close
type peerSet struct {
	mu    sync.Mutex
	peers map[*webrtc.PeerConnection]struct{}
}

// add records pc unless it already closed before the answer was sent
func (p *peerSet) add(pc *webrtc.PeerConnection) {
	p.mu.Lock()
	if p.peers == nil {
		p.peers = make(map[*webrtc.PeerConnection]struct{})
	}
	p.peers[pc] = struct{}{}
	p.mu.Unlock()
	switch pc.ConnectionState() {
	case webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateFailed:
		p.remove(pc)
	}
}

func (p *peerSet) remove(pc *webrtc.PeerConnection) {
	p.mu.Lock()
	delete(p.peers, pc)
	p.mu.Unlock()
}

func (p *peerSet) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.peers)
}

// closeAll closes every tracked connection. The state change callbacks
// it triggers call remove, so the connections are closed outside mu.
func (p *peerSet) closeAll() {
	p.mu.Lock()
	peers := p.peers
	p.peers = nil
	p.mu.Unlock()
	for pc := range peers {
		pc.Close()
	}
}

// offerHandler answers a WebRTC offer posted as the raw SDP body
func offerHandler(s *wbp.Session, iceURLs []string, peers *peerSet, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	ice := transport.ICEConfig{}
	if len(iceURLs) > 0 {
		ice.Servers = []webrtc.ICEServer{{URLs: iceURLs}}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST an SDP offer", http.StatusMethodNotAllowed)
			return
		}
		offer, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
		if err != nil {
			http.Error(w, "read offer", http.StatusBadRequest)
			return
		}
		answer, pc, err := transport.AnswerOffer(r.Context(), string(offer), ice, s, peers.remove, log)
		if err != nil {
			log.Warn("webrtc offer rejected", zap.Error(err))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		peers.add(pc)
		w.Header().Set("Content-Type", "application/sdp")
		io.WriteString(w, answer)
	})
}
