package socks5

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.io/kevin-rd/k8s-tools/socks5-relay/internal/metrics"
)

// Options configures a Handler.
type Options struct {
	// HandshakeTimeout bounds negotiation and request reading. Zero means
	// no deadline.
	HandshakeTimeout time.Duration
	// DialTimeout bounds resolving and connecting to the destination.
	DialTimeout time.Duration
	// Authenticators in server priority order. Empty means NoAuth only.
	Authenticators []Authenticator
	Dialer         Dialer
	Resolver       Resolver
}

// Handler runs the SOCKS5 pipeline for accepted connections.
type Handler struct {
	handshakeTimeout time.Duration
	auths            []Authenticator
	connector        *Connector
}

func NewHandler(opts Options) *Handler {
	auths := opts.Authenticators
	if len(auths) == 0 {
		auths = []Authenticator{NoAuth{}}
	}
	return &Handler{
		handshakeTimeout: opts.HandshakeTimeout,
		auths:            auths,
		connector:        NewConnector(opts.Dialer, opts.Resolver, opts.DialTimeout),
	}
}

// Handle serves one client connection to completion and closes it. The
// returned error is classified by KindOf; relay I/O errors are logged, not
// returned.
func (h *Handler) Handle(ctx context.Context, conn net.Conn) (err error) {
	s := newSession(conn)
	start := time.Now()
	metrics.ActiveSessions.Inc()
	metrics.SessionsTotal.Inc()
	defer func() {
		s.close()
		metrics.ActiveSessions.Dec()
		metrics.SessionDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.SessionErrors.WithLabelValues(KindOf(err).String()).Inc()
		}
	}()

	if err := ctx.Err(); err != nil {
		return transportError(err)
	}

	req, err := h.handshake(ctx, s)
	if err != nil {
		return err
	}

	switch req.Command {
	case RequestConnect:
		return h.connect(ctx, s, req)
	default:
		// BIND and UDP ASSOCIATE are recognised but not served.
		err := unsupportedError(CmdUnsupported, fmt.Errorf("only support connect requests, got %s", req.Command))
		if rerr := WriteReply(s.conn, CmdUnsupported, nil); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}
}

// handshake negotiates a method and reads the request under the handshake
// deadline. Cancelling ctx aborts a pending read.
func (h *Handler) handshake(ctx context.Context, s *Session) (Request, error) {
	if h.handshakeTimeout > 0 {
		_ = s.conn.SetDeadline(time.Now().Add(h.handshakeTimeout))
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetDeadline(aLongTimeAgo)
	})
	defer func() {
		// leave a forced deadline in place when ctx already fired
		if stop() {
			_ = s.conn.SetDeadline(time.Time{})
		}
	}()

	s.setState(StateNegotiating)
	method, err := Negotiate(s.reader, s.conn, h.auths)
	if err != nil {
		return Request{}, err
	}
	s.log.Debugf("negotiated method %s", method)

	s.setState(StateAwaitingRequest)
	req, err := ReadRequest(s.reader)
	if err != nil {
		if KindOf(err) == KindUnsupported {
			if rerr := WriteReply(s.conn, StatusOf(err), nil); rerr != nil {
				return Request{}, errors.Join(err, rerr)
			}
		}
		return Request{}, err
	}
	s.log.Debugf("request is %s %s", req.Command, req)
	return req, nil
}

func (h *Handler) connect(ctx context.Context, s *Session, req Request) error {
	s.setState(StateConnecting)
	dest, err := h.connector.Connect(ctx, req)
	if err != nil {
		if rerr := WriteReply(s.conn, StatusOf(err), nil); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}
	defer func() { _ = dest.Conn.Close() }()

	if err := WriteReply(s.conn, Succeeded, dest.Bound); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return transportError(err)
	}

	s.setState(StateRelaying)
	s.log.Infof("relaying to %s via %s", req, dest.Bound)
	stats, err := Relay(ctx, s.conn, s.reader, dest.Conn)
	if err != nil {
		s.log.Debugf("relay ended: %v", err)
	}
	s.log.Debugf("transport has completed: up %d bytes, down %d bytes", stats.Upstream, stats.Downstream)
	return nil
}
