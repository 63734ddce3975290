package proxy

import (
	"io"
	"net/http"
	"time"
)

// hopByHop headers apply to a single connection and are never forwarded.
var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// handleHTTP forwards a plain proxy request (absolute-form URI).
func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if !r.URL.IsAbs() || r.URL.Host == "" {
		// Origin-form requests address the proxy itself; forwarding them
		// to r.Host would loop back here.
		http.Error(w, "proxy requests must use an absolute-form URI", http.StatusBadRequest)
		return
	}
	began := time.Now()

	out := r.Clone(r.Context())
	out.RequestURI = ""
	if out.URL.Scheme == "" {
		out.URL.Scheme = "http"
	}
	removeHopByHop(out.Header)
	out.Header.Set("X-Forwarded-Host", r.Host)

	resp, err := p.transport.RoundTrip(out)
	if err != nil {
		p.log.Warn("forward request", "method", r.Method, "url", out.URL.String(), "err", err)
		p.report(exchangeOf(out, http.StatusBadGateway, began))
		http.Error(w, "error forwarding request", http.StatusBadGateway)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	// Reported once the origin has answered, before the client sees the
	// response, so an event never trails the exchange it describes.
	p.report(exchangeOf(out, resp.StatusCode, began))

	removeHopByHop(resp.Header)
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.log.Debug("copy response body", "url", out.URL.String(), "err", err)
	}
}

func exchangeOf(r *http.Request, status int, began time.Time) Exchange {
	return Exchange{
		Method:   r.Method,
		Scheme:   r.URL.Scheme,
		Host:     r.URL.Hostname(),
		Path:     r.URL.RequestURI(),
		Status:   status,
		Duration: time.Since(began),
	}
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func removeHopByHop(h http.Header) {
	for _, name := range hopByHop {
		h.Del(name)
	}
}
