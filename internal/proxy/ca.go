package proxy

import (
	"container/list"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// CACertFile and CAKeyFile are the file names used inside a CA directory.
	CACertFile = "routetrace-ca.pem"
	CAKeyFile  = "routetrace-ca-key.pem"

	caOrganization = "routetrace interception CA"
	caValidity     = 10 * 365 * 24 * time.Hour
	hostValidity   = 365 * 24 * time.Hour

	// DefaultCertCacheSize bounds the number of host certificates kept.
	DefaultCertCacheSize = 1000
)

// ErrNoCA is returned when signing is attempted before a CA is loaded.
var ErrNoCA = errors.New("proxy: CA not loaded")

// CA issues per-host leaf certificates for TLS interception. Leaves are
// kept in a bounded LRU cache.
type CA struct {
	mu   sync.Mutex
	cert *x509.Certificate
	key  *ecdsa.PrivateKey

	dir   string
	cache *certCache
}

// NewCA returns a CA rooted at dir. An empty dir keeps the CA in memory
// only. Call Ensure before use.
func NewCA(dir string) *CA {
	return &CA{dir: dir, cache: newCertCache(DefaultCertCacheSize)}
}

// CertPath is where the CA certificate is stored, or "" for an in-memory CA.
func (c *CA) CertPath() string {
	if c.dir == "" {
		return ""
	}
	return filepath.Join(c.dir, CACertFile)
}

func (c *CA) keyPath() string {
	return filepath.Join(c.dir, CAKeyFile)
}

// Ensure loads the CA from its directory, generating and saving a new one
// when none exists yet.
func (c *CA) Ensure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cert != nil {
		return nil
	}
	if c.dir != "" {
		err := c.load()
		if err == nil {
			return nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return c.generate()
}

func (c *CA) load() error {
	certPEM, err := os.ReadFile(c.CertPath())
	if err != nil {
		return err
	}
	keyPEM, err := os.ReadFile(c.keyPath())
	if err != nil {
		return err
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return fmt.Errorf("%s: no PEM certificate", c.CertPath())
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("%s: %w", c.CertPath(), err)
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return fmt.Errorf("%s: no PEM key", c.keyPath())
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return fmt.Errorf("%s: %w", c.keyPath(), err)
	}

	c.cert, c.key = cert, key
	return nil
}

func (c *CA) generate() error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	serial, err := serialNumber()
	if err != nil {
		return err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{caOrganization},
			CommonName:   caOrganization,
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return err
	}

	if c.dir != "" {
		if err := c.save(der, key); err != nil {
			return err
		}
	}
	c.cert, c.key = cert, key
	return nil
}

func (c *CA) save(der []byte, key *ecdsa.PrivateKey) error {
	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(c.CertPath(), certPEM, 0o644); err != nil {
		return err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return os.WriteFile(c.keyPath(), keyPEM, 0o600)
}

// CertPEM returns the CA certificate for installing into a client's trust
// store.
func (c *CA) CertPEM() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cert == nil {
		return nil, ErrNoCA
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.cert.Raw}), nil
}

// Pool returns a certificate pool trusting only this CA.
func (c *CA) Pool() (*x509.CertPool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cert == nil {
		return nil, ErrNoCA
	}
	pool := x509.NewCertPool()
	pool.AddCert(c.cert)
	return pool, nil
}

// HostCert returns a leaf certificate for host signed by the CA.
func (c *CA) HostCert(host string) (*tls.Certificate, error) {
	if cert, ok := c.cache.get(host); ok {
		return cert, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cert, ok := c.cache.get(host); ok {
		return cert, nil
	}
	if c.cert == nil {
		return nil, ErrNoCA
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := serialNumber()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(hostValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, c.cert, &key.PublicKey, c.key)
	if err != nil {
		return nil, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	cert := &tls.Certificate{
		Certificate: [][]byte{der, c.cert.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}
	c.cache.set(host, cert)
	return cert, nil
}

func serialNumber() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
}

type cacheEntry struct {
	host string
	cert *tls.Certificate
}

// certCache is a fixed-size LRU of leaf certificates keyed by host.
type certCache struct {
	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List // front = most recently used
	max   int
}

func newCertCache(max int) *certCache {
	if max <= 0 {
		max = DefaultCertCacheSize
	}
	return &certCache{items: make(map[string]*list.Element), order: list.New(), max: max}
}

func (c *certCache) get(host string) (*tls.Certificate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[host]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).cert, true
}

func (c *certCache) set(host string, cert *tls.Certificate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[host]; ok {
		el.Value.(*cacheEntry).cert = cert
		c.order.MoveToFront(el)
		return
	}
	if c.order.Len() >= c.max {
		if oldest := c.order.Back(); oldest != nil {
			delete(c.items, oldest.Value.(*cacheEntry).host)
			c.order.Remove(oldest)
		}
	}
	c.items[host] = c.order.PushFront(&cacheEntry{host: host, cert: cert})
}

func (c *certCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
