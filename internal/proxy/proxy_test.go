package proxy

import (
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu sync.Mutex
	xs []Exchange
}

func (r *recorder) hook(x Exchange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.xs = append(r.xs, x)
}

func (r *recorder) all() []Exchange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Exchange(nil), r.xs...)
}

func origin(t *testing.T, tlsServer bool) *httptest.Server {
	t.Helper()
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Proxy-Connection"))
		w.Header().Set("X-Origin", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, "hello "+r.URL.Path)
	})
	var srv *httptest.Server
	if tlsServer {
		srv = httptest.NewTLSServer(h)
	} else {
		srv = httptest.NewServer(h)
	}
	t.Cleanup(srv.Close)
	return srv
}

func startProxy(t *testing.T, opts Options) (*Proxy, *url.URL) {
	t.Helper()
	p := New(opts)
	srv := httptest.NewServer(p)
	t.Cleanup(func() {
		srv.Close()
		_ = p.Close()
	})
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return p, u
}

func clientVia(proxyURL *url.URL, tlsConfig *tls.Config) *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			Proxy:           http.ProxyURL(proxyURL),
			TLSClientConfig: tlsConfig,
		},
	}
}

func TestForwardHTTP(t *testing.T) {
	t.Parallel()

	o := origin(t, false)
	rec := &recorder{}
	_, pu := startProxy(t, Options{OnExchange: rec.hook})

	resp, err := clientVia(pu, nil).Get(o.URL + "/api/users?page=2")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "yes", resp.Header.Get("X-Origin"))
	assert.Equal(t, "hello /api/users", string(body))

	xs := rec.all()
	require.Len(t, xs, 1)
	assert.Equal(t, "GET", xs[0].Method)
	assert.Equal(t, "/api/users?page=2", xs[0].Path)
	assert.Equal(t, "127.0.0.1", xs[0].Host)
	assert.Equal(t, http.StatusCreated, xs[0].Status)
}

func TestForwardUnreachable(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	_, pu := startProxy(t, Options{OnExchange: rec.hook})

	resp, err := clientVia(pu, nil).Get("http://127.0.0.1:1/x")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Len(t, rec.all(), 1)
	assert.Equal(t, http.StatusBadGateway, rec.all()[0].Status)
}

func TestInterceptTLS(t *testing.T) {
	t.Parallel()

	o := origin(t, true)
	ca := NewCA("")
	require.NoError(t, ca.Ensure())
	pool, err := ca.Pool()
	require.NoError(t, err)

	rec := &recorder{}
	_, pu := startProxy(t, Options{CA: ca, OnExchange: rec.hook})
	client := clientVia(pu, &tls.Config{RootCAs: pool})

	for _, path := range []string{"/one", "/two"} {
		resp, err := client.Get(o.URL + path)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		assert.Equal(t, "hello "+path, string(body))
	}

	xs := rec.all()
	require.Len(t, xs, 2)
	assert.Equal(t, "https", xs[0].Scheme)
	assert.Equal(t, "/one", xs[0].Path)
	assert.Equal(t, "/two", xs[1].Path)
	assert.Equal(t, http.StatusCreated, xs[1].Status)
}

func TestOriginFormRejected(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	_, pu := startProxy(t, Options{OnExchange: rec.hook})

	// A direct request to the proxy port names no origin of its own.
	resp, err := http.Get(pu.String() + "/loop")
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, rec.all())
}

func TestInterceptTLSStreamsLargeBody(t *testing.T) {
	t.Parallel()

	const size = 33 << 20
	payload := strings.Repeat("x", size)
	o := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/small" {
			_, _ = io.WriteString(w, "small")
			return
		}
		_, _ = io.Copy(w, strings.NewReader(payload))
	}))
	t.Cleanup(o.Close)

	ca := NewCA("")
	require.NoError(t, ca.Ensure())
	pool, err := ca.Pool()
	require.NoError(t, err)

	rec := &recorder{}
	_, pu := startProxy(t, Options{CA: ca, OnExchange: rec.hook})
	client := clientVia(pu, &tls.Config{RootCAs: pool})
	client.Timeout = time.Minute

	resp, err := client.Get(o.URL + "/large")
	require.NoError(t, err)
	n, err := io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, int64(size), n)

	// The tunnel is still usable after a streamed body.
	resp, err = client.Get(o.URL + "/small")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "small", string(body))
	assert.Len(t, rec.all(), 2)
}

func TestVerifyUpstreamRejectsUntrustedOrigin(t *testing.T) {
	t.Parallel()

	o := origin(t, true)
	ca := NewCA("")
	require.NoError(t, ca.Ensure())
	pool, err := ca.Pool()
	require.NoError(t, err)

	_, pu := startProxy(t, Options{CA: ca, VerifyUpstream: true})
	resp, err := clientVia(pu, &tls.Config{RootCAs: pool}).Get(o.URL + "/x")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestTunnelWithoutCA(t *testing.T) {
	t.Parallel()

	o := origin(t, true)
	rec := &recorder{}
	_, pu := startProxy(t, Options{OnExchange: rec.hook})

	//nolint:gosec // test origin uses a self-signed certificate
	resp, err := clientVia(pu, &tls.Config{InsecureSkipVerify: true}).Get(o.URL + "/blind")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	assert.Equal(t, "hello /blind", string(body))
	assert.Empty(t, rec.all())
}

func TestUpstreamChaining(t *testing.T) {
	t.Parallel()

	o := origin(t, false)
	upstreamRec := &recorder{}
	_, upstreamURL := startProxy(t, Options{OnExchange: upstreamRec.hook})

	rec := &recorder{}
	_, pu := startProxy(t, Options{Upstream: upstreamURL, OnExchange: rec.hook})

	resp, err := clientVia(pu, nil).Get(o.URL + "/chained")
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Len(t, rec.all(), 1)
	require.Len(t, upstreamRec.all(), 1)
	assert.Equal(t, "/chained", upstreamRec.all()[0].Path)
}

func TestFilterLimitsReports(t *testing.T) {
	t.Parallel()

	o := origin(t, false)
	rec := &recorder{}
	_, pu := startProxy(t, Options{
		Filter:     &Filter{ExcludePaths: []string{"/static/**"}},
		OnExchange: rec.hook,
	})
	client := clientVia(pu, nil)

	for _, path := range []string{"/static/app.js", "/page"} {
		resp, err := client.Get(o.URL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	xs := rec.all()
	require.Len(t, xs, 1)
	assert.Equal(t, "/page", xs[0].Path)
}

func TestParseUpstream(t *testing.T) {
	t.Parallel()

	u, err := ParseUpstream("")
	require.NoError(t, err)
	assert.Nil(t, u)

	u, err = ParseUpstream("http://127.0.0.1:8080")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", u.Host)

	for _, bad := range []string{"ftp://x", "http://", "://"} {
		_, err := ParseUpstream(bad)
		assert.Error(t, err, bad)
	}
}
