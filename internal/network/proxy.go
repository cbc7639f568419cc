// internal/network/proxy.go
package network

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"go.uber.org/zap"
)

// ErrInvalidProxy reports a proxy string that is not "ip:port" or
// "user:pass@ip:port".
var ErrInvalidProxy = errors.New("network: invalid proxy")

// Proxy is an upstream HTTP proxy, optionally with basic credentials.
type Proxy struct {
	Host     string
	Port     int
	Username string
	Password string
}

// ParseProxy parses "ip:port" or "user:pass@ip:port".
func ParseProxy(s string) (Proxy, error) {
	var p Proxy
	s = strings.TrimSpace(s)
	hostport := s
	if at := strings.LastIndex(s, "@"); at >= 0 {
		user, pass, ok := strings.Cut(s[:at], ":")
		if !ok || user == "" {
			return Proxy{}, fmt.Errorf("%w: %q: credentials must be user:pass", ErrInvalidProxy, s)
		}
		p.Username, p.Password = user, pass
		hostport = s[at+1:]
	}

	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return Proxy{}, fmt.Errorf("%w: %q: %v", ErrInvalidProxy, s, err)
	}
	if net.ParseIP(host) == nil {
		return Proxy{}, fmt.Errorf("%w: %q: host must be an IP address", ErrInvalidProxy, s)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return Proxy{}, fmt.Errorf("%w: %q: port out of range", ErrInvalidProxy, s)
	}
	p.Host, p.Port = host, n
	return p, nil
}

// Addr returns host:port.
func (p Proxy) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// HasAuth reports whether the proxy carries credentials.
func (p Proxy) HasAuth() bool { return p.Username != "" }

// URL returns the proxy as an http URL including credentials.
func (p Proxy) URL() *url.URL {
	u := &url.URL{Scheme: "http", Host: p.Addr()}
	if p.HasAuth() {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

// String hides the password.
func (p Proxy) String() string {
	if p.HasAuth() {
		return p.Username + ":***@" + p.Addr()
	}
	return p.Addr()
}

// authorization is the Proxy-Authorization header value.
func (p Proxy) authorization() string {
	creds := base64.StdEncoding.EncodeToString([]byte(p.Username + ":" + p.Password))
	return "Basic " + creds
}

// zapPrintf adapts a zap logger to the goproxy Logger interface.
type zapPrintf struct{ logger *zap.SugaredLogger }

func (z zapPrintf) Printf(format string, v ...any) { z.logger.Debugf(format, v...) }

// Forwarder is a local proxy that Chrome talks to without credentials. It
// relays plain HTTP requests and CONNECT tunnels to the authenticated upstream.
type Forwarder struct {
	upstream Proxy
	logger   *zap.Logger
	proxy    *goproxy.ProxyHttpServer

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan error
	stop     func() bool
}

// NewForwarder builds a forwarder for upstream.
func NewForwarder(upstream Proxy, logger *zap.Logger) *Forwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("forwarder").With(zap.Stringer("upstream", upstream))

	transport := NewTransport(ClientConfig{
		Proxy:  upstream.URL(),
		Reuse:  true,
		Dialer: Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second},
		Logger: logger,
	})

	p := goproxy.NewProxyHttpServer()
	p.Logger = zapPrintf{logger: logger.Sugar()}
	p.Tr = transport
	p.KeepDestinationHeaders = true
	p.ConnectDial = p.NewConnectDialToProxyWithHandler("http://"+upstream.Addr(), func(req *http.Request) {
		if upstream.HasAuth() {
			req.Header.Set("Proxy-Authorization", upstream.authorization())
		}
	})

	return &Forwarder{upstream: upstream, logger: logger, proxy: p}
}

// Start listens on host with an ephemeral port and serves until ctx is
// cancelled or Close is called. It returns the listen address.
func (f *Forwarder) Start(ctx context.Context, host string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.server != nil {
		return "", errors.New("forwarder already started")
	}
	if host == "" {
		host = "127.0.0.1"
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return "", fmt.Errorf("forwarder listen: %w", err)
	}

	server := &http.Server{
		Handler:           f.proxy,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          zap.NewStdLog(f.logger.Named("http_server")),
	}
	f.server, f.listener = server, listener
	f.done = make(chan error, 1)

	go func() {
		err := server.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		f.done <- err
	}()
	f.stop = context.AfterFunc(ctx, func() {
		f.logger.Debug("Context cancelled, stopping forwarder.")
		_ = f.Close()
	})

	f.logger.Info("Proxy forwarder listening.", zap.String("address", listener.Addr().String()))
	return listener.Addr().String(), nil
}

// Addr returns the listen address, empty before Start.
func (f *Forwarder) Addr() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listener == nil {
		return ""
	}
	return f.listener.Addr().String()
}

// Close stops the listener and waits for the serve loop. It is idempotent.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	server, done, stop := f.server, f.done, f.stop
	f.server, f.stop = nil, nil
	f.mu.Unlock()
	if server == nil {
		return nil
	}
	stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := server.Shutdown(ctx)
	if serveErr := <-done; serveErr != nil && err == nil {
		err = serveErr
	}
	if err != nil {
		f.logger.Warn("Forwarder stopped with an error.", zap.Error(err))
		return fmt.Errorf("forwarder shutdown: %w", err)
	}
	f.logger.Debug("Forwarder stopped.")
	return nil
}
