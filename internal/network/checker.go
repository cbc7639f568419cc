// internal/network/checker.go
package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/chromefleet/internal/config"
)

// ErrProxyUnhealthy reports a proxy that failed the health check.
var ErrProxyUnhealthy = errors.New("network: proxy health check failed")

// Checker verifies that a proxy forwards traffic by fetching an IP echo
// service through it.
type Checker struct {
	url     string
	timeout time.Duration
	logger  *zap.Logger
}

// NewChecker builds a checker from the proxy configuration.
func NewChecker(cfg config.ProxyConfig, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.CheckTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{
		url:     cfg.CheckURL,
		timeout: timeout,
		logger:  logger.Named("proxy_check"),
	}
}

type ipEcho struct {
	Query string `json:"query"`
}

// Check fetches the check URL through p and returns the exit IP reported by
// the service.
func (c *Checker) Check(ctx context.Context, p Proxy) (string, error) {
	client := NewClient(ClientConfig{Timeout: c.timeout, Proxy: p.URL(), Dialer: DefaultDialer, Logger: c.logger})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return "", fmt.Errorf("build check request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		c.logger.Warn("Proxy is not responding.", zap.Stringer("proxy", p), zap.Error(err))
		return "", fmt.Errorf("%w: %s: %v", ErrProxyUnhealthy, p, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		c.logger.Warn("Proxy check returned an error status.", zap.Stringer("proxy", p), zap.Int("status", resp.StatusCode))
		return "", fmt.Errorf("%w: %s: status %d", ErrProxyUnhealthy, p, resp.StatusCode)
	}

	var echo ipEcho
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&echo); err != nil {
		return "", fmt.Errorf("%w: %s: decode response: %v", ErrProxyUnhealthy, p, err)
	}
	c.logger.Info("Proxy is working.", zap.Stringer("proxy", p), zap.String("ip", echo.Query))
	return echo.Query, nil
}
