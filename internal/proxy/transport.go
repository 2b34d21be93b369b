package proxy

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/wudi/authgate/config"
)

// Pool settings for the upstream. Every idle connection goes to the same
// host, so the per-host idle limit is the whole pool.
const (
	maxIdleConns        = 100
	idleConnTimeout     = 90 * time.Second
	dialTimeout         = 30 * time.Second
	dialKeepAlive       = 30 * time.Second
	tlsHandshakeTimeout = 10 * time.Second
)

// newTransport builds the round tripper used for the upstream.
func newTransport(cfg config.UpstreamConfig) (*http.Transport, error) {
	tlsConfig, err := upstreamTLS(cfg)
	if err != nil {
		return nil, err
	}

	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{Timeout: dialTimeout, KeepAlive: dialKeepAlive}).DialContext
	t.MaxIdleConns = maxIdleConns
	t.MaxIdleConnsPerHost = maxIdleConns
	t.IdleConnTimeout = idleConnTimeout
	t.TLSHandshakeTimeout = tlsHandshakeTimeout
	t.TLSClientConfig = tlsConfig
	return t, nil
}

func upstreamTLS(cfg config.UpstreamConfig) (*tls.Config, error) {
	tc := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.CAFile == "" {
		return tc, nil
	}

	pem, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("reading upstream CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
	}
	tc.RootCAs = pool
	return tc, nil
}
