// Package proxy is the interception engine: an HTTP forward proxy that
// terminates CONNECT tunnels with per-host certificates so that every
// exchange, plain or TLS, is observed and reported to a hook.
package proxy

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/phobologic/routetrace/internal/logging"
)

// Exchange is one completed request/response pair.
type Exchange struct {
	Method   string
	Scheme   string
	Host     string
	Path     string // request path including any query string
	Status   int
	Duration time.Duration
}

// Options configures the engine.
type Options struct {
	// Upstream chains every outbound request through another proxy.
	Upstream *url.URL
	// VerifyUpstream enables certificate verification toward origins and
	// the upstream proxy.
	VerifyUpstream bool
	// CA signs per-host certificates. Without one, CONNECT is tunnelled
	// blind and TLS exchanges are not observed.
	CA *CA
	// Filter limits which exchanges are reported. Traffic is forwarded
	// either way.
	Filter *Filter
	// OnExchange is called synchronously after each reported exchange.
	OnExchange func(Exchange)
	Logger     *slog.Logger
}

// Proxy is an http.Handler implementing the engine.
type Proxy struct {
	transport  *http.Transport
	ca         *CA
	filter     *Filter
	onExchange func(Exchange)
	log        *slog.Logger

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

// New creates an engine.
func New(opts Options) *Proxy {
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	filter := opts.Filter
	if filter == nil {
		filter = &Filter{}
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyURL(opts.Upstream),
		DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		//nolint:gosec // G402: verification toward origins is opt-in for an intercepting proxy
		TLSClientConfig: &tls.Config{InsecureSkipVerify: !opts.VerifyUpstream},
	}

	return &Proxy{
		transport:  transport,
		ca:         opts.CA,
		filter:     filter,
		onExchange: opts.OnExchange,
		log:        log,
		conns:      make(map[net.Conn]struct{}),
	}
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	p.handleHTTP(w, r)
}

// Close drops every hijacked connection and idle upstream connection.
// http.Server.Shutdown does not track hijacked connections, so the owner
// calls Close after shutting the server down.
func (p *Proxy) Close() error {
	p.mu.Lock()
	p.closed = true
	conns := p.conns
	p.conns = make(map[net.Conn]struct{})
	p.mu.Unlock()

	for c := range conns {
		_ = c.Close()
	}
	p.transport.CloseIdleConnections()
	return nil
}

// track registers a hijacked connection. It returns false, closing c, when
// the engine is already closed.
func (p *Proxy) track(c net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = c.Close()
		return false
	}
	p.conns[c] = struct{}{}
	return true
}

func (p *Proxy) untrack(c net.Conn) {
	p.mu.Lock()
	delete(p.conns, c)
	p.mu.Unlock()
	_ = c.Close()
}

// report passes a finished exchange to the hook if the filter allows it.
func (p *Proxy) report(x Exchange) {
	if p.onExchange == nil || !p.filter.Allows(x.Host, x.Path) {
		return
	}
	p.onExchange(x)
}

// ParseUpstream validates an upstream proxy URL. An empty string means no
// upstream.
func ParseUpstream(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("upstream %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "https", "socks5":
	default:
		return nil, fmt.Errorf("upstream %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream %q: missing host", raw)
	}
	return u, nil
}
