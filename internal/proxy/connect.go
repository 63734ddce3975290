package proxy

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// handleConnect terminates a CONNECT tunnel. With a CA the client's TLS is
// terminated locally and each request inside is forwarded and reported;
// without one the bytes are relayed untouched.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	host, port, err := net.SplitHostPort(r.Host)
	if err != nil {
		host, port = r.Host, "443"
	}
	target := net.JoinHostPort(host, port)

	if p.ca == nil {
		p.tunnel(w, target)
		return
	}

	cert, err := p.ca.HostCert(host)
	if err != nil {
		p.log.Warn("host certificate", "host", host, "err", err)
		http.Error(w, "error generating certificate", http.StatusInternalServerError)
		return
	}

	clientConn, ok := p.hijack(w)
	if !ok {
		return
	}
	defer p.untrack(clientConn)

	if _, err := clientConn.Write([]byte(connectEstablished)); err != nil {
		p.log.Debug("write CONNECT response", "host", host, "err", err)
		return
	}

	//nolint:gosec // G402: clients of an intercepting proxy use whatever TLS version they support
	tlsConn := tls.Server(clientConn, &tls.Config{Certificates: []tls.Certificate{*cert}})
	if err := tlsConn.Handshake(); err != nil {
		p.log.Debug("client TLS handshake", "host", host, "err", err)
		return
	}
	p.log.Debug("intercepting", "target", target)

	reader := bufio.NewReader(tlsConn)
	for {
		req, err := http.ReadRequest(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				p.log.Debug("read TLS request", "host", host, "err", err)
			}
			return
		}
		req.URL.Scheme = "https"
		req.URL.Host = target
		if port == "443" {
			req.URL.Host = host
		}
		if !p.serveTLSRequest(tlsConn, req) || req.Close {
			return
		}
	}
}

// serveTLSRequest forwards one request read from an intercepted tunnel and
// writes the response back. It returns false when the connection should be
// closed.
func (p *Proxy) serveTLSRequest(conn net.Conn, req *http.Request) bool {
	began := time.Now()
	req.RequestURI = ""
	removeHopByHop(req.Header)

	resp, err := p.transport.RoundTrip(req)
	if err != nil {
		p.log.Warn("forward TLS request", "method", req.Method, "url", req.URL.String(), "err", err)
		p.report(exchangeOf(req, http.StatusBadGateway, began))
		writeError(conn, http.StatusBadGateway, "error forwarding request")
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	p.report(exchangeOf(req, resp.StatusCode, began))

	// The body is streamed as it arrives. A length-less body is re-chunked so
	// the tunnel stays usable for the next request.
	removeHopByHop(resp.Header)
	if resp.ContentLength < 0 {
		resp.TransferEncoding = []string{"chunked"}
	}
	resp.Close = false
	if err := resp.Write(conn); err != nil {
		p.log.Debug("write TLS response", "url", req.URL.String(), "err", err)
		return false
	}
	return true
}

// tunnel relays a CONNECT stream without looking inside it.
func (p *Proxy) tunnel(w http.ResponseWriter, target string) {
	targetConn, err := net.DialTimeout("tcp", target, 30*time.Second)
	if err != nil {
		p.log.Warn("dial tunnel target", "target", target, "err", err)
		http.Error(w, "error connecting to target", http.StatusBadGateway)
		return
	}

	clientConn, ok := p.hijack(w)
	if !ok {
		_ = targetConn.Close()
		return
	}
	defer p.untrack(clientConn)
	defer func() { _ = targetConn.Close() }()

	if _, err := clientConn.Write([]byte(connectEstablished)); err != nil {
		return
	}
	p.log.Debug("tunnelling", "target", target)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(targetConn, clientConn)
		_ = targetConn.Close()
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(clientConn, targetConn)
		_ = clientConn.Close()
	}()
	wg.Wait()
}

func (p *Proxy) hijack(w http.ResponseWriter) (net.Conn, bool) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return nil, false
	}
	conn, _, err := hijacker.Hijack()
	if err != nil {
		p.log.Warn("hijack connection", "err", err)
		return nil, false
	}
	if !p.track(conn) {
		return nil, false
	}
	return conn, true
}

// writeError writes a minimal HTTP error response to a raw connection.
func writeError(conn net.Conn, status int, message string) {
	resp := &http.Response{
		StatusCode:    status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(bytes.NewReader([]byte(message))),
		ContentLength: int64(len(message)),
		Close:         true,
	}
	_ = resp.Write(conn)
}
