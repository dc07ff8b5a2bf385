// Package restclient provides the venue-agnostic REST plumbing: a tuned
// singleton *http.Client, a pluggable Signer for the two HMAC regimes
// venues actually use, and a Client that wires both pkg/retry and
// pkg/ratelimit around every request.
package restclient

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"
)

// HTTPClientConfig governs dial/read/write timeouts and connection
// pooling.
type HTTPClientConfig struct {
	ConnectTimeout      time.Duration
	ReadTimeout         time.Duration
	TotalTimeout        time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
	TLSHandshakeTimeout time.Duration
	KeepAliveInterval   time.Duration
}

// DefaultHTTPClientConfig is tuned for low-latency trading
// request/response cycles.
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		ConnectTimeout:      5 * time.Second,
		ReadTimeout:         10 * time.Second,
		TotalTimeout:        30 * time.Second,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
		KeepAliveInterval:   30 * time.Second,
	}
}

var (
	globalClient     *http.Client
	globalClientOnce sync.Once
)

// GlobalHTTPClient returns the process-wide *http.Client, built once
// with connection pooling so every venue's REST calls share the same
// warm TCP/TLS pool instead of paying handshake cost per request.
func GlobalHTTPClient() *http.Client {
	globalClientOnce.Do(func() {
		globalClient = NewHTTPClient(DefaultHTTPClientConfig())
	})
	return globalClient
}

// NewHTTPClient builds an *http.Client tuned per config. Exposed
// separately from GlobalHTTPClient for tests that want an isolated
// client/transport pair.
func NewHTTPClient(config HTTPClientConfig) *http.Client {
	dialer := &net.Dialer{
		Timeout:   config.ConnectTimeout,
		KeepAlive: config.KeepAliveInterval,
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if deadline, ok := ctx.Deadline(); ok {
				if timeout := time.Until(deadline); timeout < config.ConnectTimeout {
					return (&net.Dialer{Timeout: timeout, KeepAlive: config.KeepAliveInterval}).DialContext(ctx, network, addr)
				}
			}
			return dialer.DialContext(ctx, network, addr)
		},
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		MaxConnsPerHost:       config.MaxConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		DisableCompression:    true,
		ForceAttemptHTTP2:     true,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: config.ReadTimeout,
	}

	return &http.Client{Transport: transport, Timeout: config.TotalTimeout}
}

// CloseIdleConnections releases pooled connections, called on
// graceful shutdown.
func CloseIdleConnections() {
	if globalClient != nil {
		if t, ok := globalClient.Transport.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
	}
}
