// internal/network/dialer.go
package network

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Dialer opens the TCP connections used by the Telegram client, the proxy
// health check and the forwarder's upstream leg.
type Dialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration
}

// DefaultDialer suits short API calls to well known hosts.
var DefaultDialer = Dialer{Timeout: 5 * time.Second, KeepAlive: 15 * time.Second}

// DialContext dials addr. Zero fields take the DefaultDialer values.
func (d Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if d.Timeout <= 0 {
		d.Timeout = DefaultDialer.Timeout
	}
	if d.KeepAlive <= 0 {
		d.KeepAlive = DefaultDialer.KeepAlive
	}
	nd := &net.Dialer{
		Timeout: d.Timeout,
		KeepAliveConfig: net.KeepAliveConfig{
			Enable:   true,
			Idle:     d.KeepAlive,
			Interval: d.KeepAlive,
		},
	}
	conn, err := nd.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}
