package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/phobologic/routetrace/internal/codemap"
	"github.com/phobologic/routetrace/internal/config"
	"github.com/phobologic/routetrace/internal/intercept"
	"github.com/phobologic/routetrace/internal/metrics"
	"github.com/phobologic/routetrace/internal/proxy"
)

type proxyFlags struct {
	listenHost string
	listenPort int
	upstream   string
	insecure   bool
	caDir      string
	streamAddr string
}

func newProxyCmd(g *globalFlags) *cobra.Command {
	f := &proxyFlags{}
	cmd := &cobra.Command{
		Use:   "proxy [root]",
		Short: "Correlate live traffic with the route map",
		Long: `Index the application at root, then run an intercepting HTTP(S) proxy.
Every request that passes through it is matched against the index and
printed to stdout as one JSON correlation event per line. Stop with Ctrl-C.

HTTPS is intercepted only when a CA directory is configured; the CA
certificate stored there must be trusted by the client. Without one,
CONNECT tunnels are relayed unread.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProxy(cmd, g, f, optionalArg(args))
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.listenHost, "listen-host", intercept.DefaultListenHost, "proxy listen address")
	fl.IntVar(&f.listenPort, "listen-port", intercept.DefaultListenPort, "proxy listen port (0 picks a free port)")
	fl.StringVar(&f.upstream, "upstream", "", "forward through another proxy (http, https or socks5 URL)")
	fl.BoolVarP(&f.insecure, "insecure", "k", false, "do not verify upstream and origin TLS certificates")
	fl.StringVar(&f.caDir, "ca-dir", "", "directory holding the interception CA (created if missing)")
	fl.StringVar(&f.streamAddr, "stream-addr", "", "serve /events, /metrics and /status on this address")
	return cmd
}

func (f *proxyFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	fl := cmd.Flags()
	if fl.Changed("listen-host") {
		cfg.Proxy.ListenHost = f.listenHost
	}
	if fl.Changed("listen-port") {
		cfg.Proxy.ListenPort = f.listenPort
	}
	if fl.Changed("upstream") {
		cfg.Proxy.Upstream = f.upstream
	}
	if fl.Changed("insecure") {
		cfg.Proxy.VerifyUpstreamCert = !f.insecure
	}
	if fl.Changed("ca-dir") {
		cfg.Proxy.CADir = f.caDir
	}
	if fl.Changed("stream-addr") {
		cfg.Stream.Addr = f.streamAddr
	}
	return cfg.Validate()
}

func runProxy(cmd *cobra.Command, g *globalFlags, f *proxyFlags, root string) error {
	src, err := resolveSource(cmd, g, root)
	if err != nil {
		return err
	}
	if err := f.apply(cmd, &src.cfg); err != nil {
		return err
	}
	cfg := src.cfg
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ix, err := codemap.ExtractRoutes(ctx, src.root, src.fw, src.options(false))
	if err != nil {
		return err
	}

	m := metrics.New()
	mgr := intercept.New(intercept.Options{
		Logger:       src.log,
		Metrics:      m,
		PollInterval: time.Duration(cfg.Stream.PollInterval),
	})
	if err := mgr.Start(ctx, cfg.Intercept(ix)); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(stderr, "routetrace: %d routes indexed, proxy listening on %s\n", ix.Len(), mgr.Addr())
	if cfg.Proxy.CADir != "" {
		_, _ = fmt.Fprintf(stderr, "routetrace: trust %s to intercept HTTPS\n", filepath.Join(cfg.Proxy.CADir, proxy.CACertFile))
	}

	if cfg.Stream.Addr != "" {
		srv, addr, err := serveStream(cfg.Stream.Addr, mgr, m)
		if err != nil {
			_ = mgr.Stop(context.Background())
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		_, _ = fmt.Fprintf(stderr, "routetrace: streaming on http://%s/events\n", addr)
	}

	// End the stream if the engine dies, not only on a signal.
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go watchEngine(streamCtx, cancel, mgr, time.Duration(cfg.Stream.PollInterval))

	for _, entry := range mgr.StreamEvents(streamCtx, 0) {
		if _, err := fmt.Fprintf(stdout, "%s\n", entry); err != nil {
			break
		}
	}

	failed := mgr.State() == intercept.Failed
	cause := mgr.Err()
	if err := mgr.Stop(context.Background()); err != nil && !errors.Is(err, intercept.ErrNotRunning) {
		return err
	}
	if failed {
		return fmt.Errorf("proxy stopped: %w", cause)
	}
	return nil
}

func watchEngine(ctx context.Context, cancel context.CancelFunc, mgr *intercept.Manager, interval time.Duration) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !mgr.IsRunning() {
				cancel()
				return
			}
		}
	}
}

// serveStream exposes the event stream, metrics and session status over
// HTTP. It returns the bound address.
func serveStream(addr string, mgr *intercept.Manager, m *metrics.Metrics) (*http.Server, string, error) {
	mux := http.NewServeMux()
	mux.Handle("GET /events", mgr.EventsHandler())
	mux.Handle("GET /metrics", m.Handler())
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = writeJSON(w, mgr.Status())
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", fmt.Errorf("stream listen on %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() { _ = srv.Serve(ln) }()
	return srv, ln.Addr().String(), nil
}
