package socks5

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"
	"time"
)

// Dialer opens outbound connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Resolver resolves domain names. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Destination is a connected outbound socket and its local endpoint.
type Destination struct {
	Conn  net.Conn
	Bound net.Addr
}

// Connector opens the outbound connection for a request.
type Connector struct {
	Dialer   Dialer
	Resolver Resolver
	// Timeout bounds resolution plus all connect attempts. Zero means no limit.
	Timeout time.Duration
}

// NewConnector returns a Connector, filling nil dialer and resolver with the
// net package defaults.
func NewConnector(d Dialer, r Resolver, timeout time.Duration) *Connector {
	if d == nil {
		d = &net.Dialer{}
	}
	if r == nil {
		r = net.DefaultResolver
	}
	return &Connector{Dialer: d, Resolver: r, Timeout: timeout}
}

// Connect dials the destination of req. Failures are connect errors
// carrying the mapped reply status.
func (c *Connector) Connect(ctx context.Context, req Request) (*Destination, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	addrs, err := c.resolve(ctx, req)
	if err != nil {
		return nil, connectError(HostUnreachable, fmt.Errorf("fail to resolve %s: %w", req.Host(), err))
	}

	var lastErr error
	for _, ip := range addrs {
		target := netip.AddrPortFrom(ip, req.Port).String()
		conn, err := c.Dialer.DialContext(ctx, "tcp", target)
		if err != nil {
			lastErr = err
			continue
		}
		return &Destination{Conn: conn, Bound: conn.LocalAddr()}, nil
	}
	return nil, connectError(MapDialError(lastErr), fmt.Errorf("fail in connect addr %s: %w", req, lastErr))
}

func (c *Connector) resolve(ctx context.Context, req Request) ([]netip.Addr, error) {
	switch req.Kind {
	case RequestAtypIPV4, RequestAtypIPV6:
		if err := checkAddr(req.Kind, req.Addr); err != nil {
			return nil, err
		}
		ip, _ := netip.AddrFromSlice(req.Addr)
		return []netip.Addr{ip}, nil
	case RequestAtypDomainname:
		host := req.Host()
		if host == "" {
			return nil, errors.New("empty domain name")
		}
		if ip, err := netip.ParseAddr(host); err == nil {
			return []netip.Addr{ip}, nil
		}
		addrs, err := c.Resolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return nil, err
		}
		if len(addrs) == 0 {
			return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
		}
		return addrs, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrAddressKind, req.Kind)
}

// MapDialError maps a connect failure to a reply status.
func MapDialError(err error) ReplyStatus {
	var dnsErr *net.DNSError
	switch {
	case err == nil:
		return Succeeded
	case errors.As(err, &dnsErr):
		return HostUnreachable
	case errors.Is(err, syscall.ECONNREFUSED):
		return ConnRefused
	case errors.Is(err, syscall.ENETUNREACH):
		return NetUnreachable
	case errors.Is(err, syscall.EHOSTUNREACH):
		return HostUnreachable
	}
	return Failure
}
