// Package intercept owns the lifecycle of a live interception session: it
// runs the proxy engine on its own worker goroutine, binds a fresh
// correlator and event log to it, and shuts it down within a bounded grace
// period.
package intercept

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/phobologic/routetrace/internal/correlate"
	"github.com/phobologic/routetrace/internal/eventlog"
	"github.com/phobologic/routetrace/internal/logging"
	"github.com/phobologic/routetrace/internal/metrics"
	"github.com/phobologic/routetrace/internal/proxy"
	"github.com/phobologic/routetrace/internal/routes"
)

// Defaults applied to zero-valued Config fields.
const (
	DefaultListenHost    = "127.0.0.1"
	DefaultListenPort    = 8080
	DefaultStartupWindow = 200 * time.Millisecond
	DefaultShutdownGrace = 5 * time.Second
)

var (
	// ErrInvalidConfig wraps every rejected configuration.
	ErrInvalidConfig = errors.New("invalid interception config")
	// ErrAlreadyRunning is returned by Start unless the manager is stopped.
	ErrAlreadyRunning = errors.New("interception already running")
	// ErrNotRunning is returned by Stop when there is nothing to stop.
	ErrNotRunning = errors.New("interception not running")
)

// State is a lifecycle state.
type State int32

// Lifecycle states. Failed is entered when the engine dies on its own; the
// session is over, and Stop or Start clean up after it.
const (
	Stopped State = iota
	Starting
	Running
	Stopping
	Failed
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Failed:
		return "failed"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Config describes one interception session.
type Config struct {
	// Index is the route index exchanges are matched against.
	Index *routes.Index

	ListenHost string
	// ListenPort 0 picks a free port; see Manager.Addr.
	ListenPort int

	// Upstream, if set, is a proxy URL every request is forwarded through.
	Upstream       string
	VerifyUpstream bool

	// CADir holds the interception CA. Empty keeps a throwaway CA in
	// memory for the session.
	CADir string

	Filter proxy.Filter

	// StartupWindow is how long Start waits for the engine to fail before
	// declaring it running.
	StartupWindow time.Duration
	// ShutdownGrace bounds how long Stop waits for the engine to drain.
	ShutdownGrace time.Duration
}

func (c *Config) applyDefaults() {
	if c.ListenHost == "" {
		c.ListenHost = DefaultListenHost
	}
	if c.StartupWindow <= 0 {
		c.StartupWindow = DefaultStartupWindow
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
}

// Validate checks the config without side effects.
func (c Config) Validate() error {
	if c.Index == nil {
		return fmt.Errorf("%w: no route index", ErrInvalidConfig)
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("%w: listen port %d out of range", ErrInvalidConfig, c.ListenPort)
	}
	if c.ListenHost != "" && net.ParseIP(c.ListenHost) == nil && !validHostname(c.ListenHost) {
		return fmt.Errorf("%w: listen host %q", ErrInvalidConfig, c.ListenHost)
	}
	if _, err := proxy.ParseUpstream(c.Upstream); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.Filter.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func validHostname(h string) bool {
	if len(h) > 253 {
		return false
	}
	for _, r := range h {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
		default:
			return false
		}
	}
	return true
}

// Options configures a Manager.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// PollInterval is how often idle event streams poll the log.
	PollInterval time.Duration
}

// Manager starts and stops interception sessions. At most one session runs
// at a time. Start and Stop are serialized; IsRunning and State never block.
type Manager struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	events   *eventlog.Log
	interval time.Duration

	state atomic.Int32

	// listen binds the engine's listener. Nil uses net.ListenConfig.
	listen func(ctx context.Context, network, addr string) (net.Listener, error)

	// mu serializes Start and Stop and guards the session fields below.
	mu      sync.Mutex
	server  *http.Server
	engine  *proxy.Proxy
	done    chan struct{}
	addr    string
	session string
	started time.Time
	grace   time.Duration

	errMu sync.Mutex
	err   error
}

// New returns a stopped manager with an empty event log.
func New(opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = eventlog.DefaultPollInterval
	}
	return &Manager{
		log:      log,
		metrics:  opts.Metrics,
		events:   eventlog.New(),
		interval: interval,
	}
}

// Start launches a session. It returns once the engine is listening and has
// survived the startup window, or with the cause if it failed. A failed
// start leaves the manager stopped with nothing bound.
func (m *Manager) Start(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.applyDefaults()

	m.mu.Lock()
	defer m.mu.Unlock()

	switch st := m.State(); st {
	case Stopped:
	case Failed:
		// The previous engine already exited; release what it left behind.
		m.teardown(context.Background())
	default:
		return fmt.Errorf("%w (%s)", ErrAlreadyRunning, st)
	}
	m.setState(Starting)
	m.setErr(nil)

	if err := m.launch(ctx, cfg); err != nil {
		m.setErr(err)
		m.setState(Stopped)
		return err
	}

	m.setState(Running)
	m.metrics.SessionStarted(cfg.Index.Len())
	m.log.Info("interception started",
		"addr", m.addr,
		"session", m.session,
		"routes", cfg.Index.Len(),
		"upstream", cfg.Upstream,
	)
	return nil
}

// launch binds the listener and runs the engine worker. On error every
// acquired resource is released before returning.
func (m *Manager) launch(ctx context.Context, cfg Config) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ca := proxy.NewCA(cfg.CADir)
	if err := ca.Ensure(); err != nil {
		return fmt.Errorf("interception CA: %w", err)
	}
	upstream, _ := proxy.ParseUpstream(cfg.Upstream)

	addr := net.JoinHostPort(cfg.ListenHost, strconv.Itoa(cfg.ListenPort))
	listen := m.listen
	if listen == nil {
		var lc net.ListenConfig
		listen = lc.Listen
	}
	ln, err := listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	m.events.Clear()
	session := uuid.NewString()
	corr := correlate.New(cfg.Index, m.events, correlate.Options{
		Logger:  m.log,
		Metrics: m.metrics,
		Session: session,
	})
	filter := cfg.Filter
	engine := proxy.New(proxy.Options{
		Upstream:       upstream,
		VerifyUpstream: cfg.VerifyUpstream,
		CA:             ca,
		Filter:         &filter,
		Logger:         m.log,
		OnExchange: func(x proxy.Exchange) {
			corr.OnExchange(correlate.Exchange{
				Method: x.Method,
				Path:   x.Path,
				Host:   x.Host,
				Status: x.Status,
			})
		},
	})
	server := &http.Server{
		Handler:           engine,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          slog.NewLogLogger(m.log.Handler(), slog.LevelDebug),
	}

	done := make(chan struct{})
	go m.serve(server, ln, done)

	timer := time.NewTimer(cfg.StartupWindow)
	defer timer.Stop()
	select {
	case <-done:
		_ = engine.Close()
		if err := m.Err(); err != nil {
			return err
		}
		return errors.New("interception engine exited during startup")
	case <-ctx.Done():
		_ = server.Close()
		_ = engine.Close()
		<-done
		return ctx.Err()
	case <-timer.C:
	}

	m.server = server
	m.engine = engine
	m.done = done
	m.addr = ln.Addr().String()
	m.session = session
	m.started = time.Now()
	m.grace = cfg.ShutdownGrace
	return nil
}

// serve is the engine worker. It owns the accept loop until the server is
// shut down or fails.
func (m *Manager) serve(server *http.Server, ln net.Listener, done chan<- struct{}) {
	defer close(done)
	err := server.Serve(ln)
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return
	}
	err = fmt.Errorf("interception engine: %w", err)
	m.setErr(err)
	if m.state.CompareAndSwap(int32(Running), int32(Failed)) {
		m.log.Error("interception failed", "err", err)
	}
}

// Stop shuts the session down. It waits at most the configured grace
// period, then abandons the worker if it has not exited. The manager is
// always stopped afterwards and the event log is cleared.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State() == Stopped {
		return ErrNotRunning
	}
	m.setState(Stopping)
	m.teardown(ctx)
	m.setState(Stopped)
	m.log.Info("interception stopped")
	return nil
}

// teardown releases the current session. Callers hold mu.
func (m *Manager) teardown(ctx context.Context) {
	grace := m.grace
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}
	ctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if m.server != nil {
		if err := m.server.Shutdown(ctx); err != nil {
			m.log.Warn("graceful shutdown incomplete", "err", err)
			_ = m.server.Close()
		}
	}
	if m.engine != nil {
		_ = m.engine.Close()
	}
	if m.done != nil {
		select {
		case <-m.done:
		case <-ctx.Done():
			m.log.Warn("interception worker did not exit; abandoning it", "session", m.session)
		}
	}

	m.events.Clear()
	m.metrics.SessionStopped()
	m.server, m.engine, m.done = nil, nil, nil
	m.addr, m.session = "", ""
	m.started = time.Time{}
}

// IsRunning reports whether a session is serving traffic.
func (m *Manager) IsRunning() bool {
	return m.State() == Running
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
}

// Err returns the cause of the last failed start or engine failure.
func (m *Manager) Err() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.err
}

func (m *Manager) setErr(err error) {
	m.errMu.Lock()
	m.err = err
	m.errMu.Unlock()
}

// Addr returns the listen address of the running session, or "".
func (m *Manager) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addr
}

// Events returns the session's event log. The same log is reused across
// sessions and cleared at every start and stop.
func (m *Manager) Events() *eventlog.Log {
	return m.events
}

// StreamEvents yields serialized correlation events from index from
// onwards, waiting for new ones until ctx is done. Consuming the stream
// never changes the log.
func (m *Manager) StreamEvents(ctx context.Context, from int) iter.Seq2[int, []byte] {
	return m.events.Stream(ctx, from, m.interval)
}

// EventsHandler serves the event log as server-sent events.
func (m *Manager) EventsHandler() http.Handler {
	return eventlog.Handler(m.events, m.interval)
}

// Status is a point-in-time view of the manager.
type Status struct {
	State   string    `json:"state"`
	Addr    string    `json:"addr,omitempty"`
	Session string    `json:"session,omitempty"`
	Since   time.Time `json:"since,omitzero"`
	Events  int       `json:"events"`
	Error   string    `json:"error,omitempty"`
}

// Status reports the current state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	s := Status{
		Addr:    m.addr,
		Session: m.session,
		Since:   m.started,
	}
	m.mu.Unlock()

	s.State = m.State().String()
	s.Events = m.events.Len()
	if err := m.Err(); err != nil {
		s.Error = err.Error()
	}
	return s
}
