// internal/network/httpclient.go
package network

import (
	"crypto/tls"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// ClientConfig describes one HTTP client. The zero value is a single-use
// HTTP/1.1 client without a deadline.
type ClientConfig struct {
	// Timeout bounds a whole request, body included. Zero means none; the
	// forwarder relies on that for long CONNECT tunnels.
	Timeout time.Duration
	// Proxy routes requests through an upstream. User info in the URL
	// becomes the Proxy-Authorization header.
	Proxy *url.URL
	// Reuse keeps idle connections. Health checks turn it off so each probe
	// opens a fresh tunnel.
	Reuse bool
	// HTTP2 negotiates h2 over TLS.
	HTTP2 bool
	// TLS is cloned as the base TLS configuration. TLS 1.2 is the floor.
	TLS *tls.Config
	// Insecure skips certificate verification.
	Insecure bool
	Dialer   Dialer
	Logger   *zap.Logger
}

// APIClientConfig is the setup for the Telegram Bot API.
func APIClientConfig(timeout time.Duration, logger *zap.Logger) ClientConfig {
	return ClientConfig{Timeout: timeout, Reuse: true, HTTP2: true, Dialer: DefaultDialer, Logger: logger}
}

// NewTransport builds the transport described by cfg.
func NewTransport(cfg ClientConfig) *http.Transport {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var tlsConfig *tls.Config
	if cfg.TLS != nil {
		tlsConfig = cfg.TLS.Clone()
	} else {
		tlsConfig = &tls.Config{}
	}
	if tlsConfig.MinVersion < tls.VersionTLS12 {
		tlsConfig.MinVersion = tls.VersionTLS12
	}
	tlsConfig.InsecureSkipVerify = cfg.Insecure

	t := &http.Transport{
		DialContext:           cfg.Dialer.DialContext,
		TLSClientConfig:       tlsConfig,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		DisableKeepAlives:     !cfg.Reuse,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       30 * time.Second,
		ForceAttemptHTTP2:     cfg.HTTP2,
	}
	if cfg.Proxy != nil {
		t.Proxy = http.ProxyURL(cfg.Proxy)
	}

	if cfg.HTTP2 {
		if err := http2.ConfigureTransport(t); err != nil {
			logger.Warn("HTTP/2 unavailable, using HTTP/1.1", zap.Error(err))
		}
	} else {
		tlsConfig.NextProtos = []string{"http/1.1"}
	}
	return t
}

// NewClient returns a client on NewTransport(cfg).
func NewClient(cfg ClientConfig) *http.Client {
	return &http.Client{Transport: NewTransport(cfg), Timeout: cfg.Timeout}
}
