// Package listener builds the listening socket handed to the SOCKS5 server.
package listener

import (
	"context"
	"fmt"
	"net"
	"time"

	proxyproto "github.com/pires/go-proxyproto"
)

// Config describes the listening socket.
type Config struct {
	Address   string
	KeepAlive net.KeepAliveConfig
	// ReuseAddr sets SO_REUSEADDR where the platform supports it.
	ReuseAddr bool
	// ProxyProtocol accepts a PROXY protocol v1/v2 header on each
	// connection, so RemoteAddr reports the original client.
	ProxyProtocol bool
	// ProxyHeaderTimeout bounds reading the PROXY header.
	ProxyHeaderTimeout time.Duration
}

// Listen opens a TCP listener for cfg.
func Listen(ctx context.Context, cfg Config) (net.Listener, error) {
	lc := net.ListenConfig{}
	if cfg.ReuseAddr {
		lc.Control = reuseAddrControl
	}

	ln, err := lc.Listen(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", cfg.Address, err)
	}

	var out net.Listener = &KeepAliveListener{Listener: ln, KeepAliveConfig: cfg.KeepAlive}
	if cfg.ProxyProtocol {
		out = &proxyproto.Listener{
			Listener:          out,
			ReadHeaderTimeout: cfg.ProxyHeaderTimeout,
		}
	}
	return out, nil
}

// KeepAliveListener applies KeepAliveConfig to every accepted *net.TCPConn.
type KeepAliveListener struct {
	net.Listener
	net.KeepAliveConfig
}

func (l *KeepAliveListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(l.KeepAliveConfig)
	}
	return conn, nil
}
