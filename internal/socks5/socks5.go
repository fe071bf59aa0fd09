package socks5

import (
	"context"
	"errors"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Server accepts connections and runs one Handler pipeline per connection.
type Server struct {
	handler  *Handler
	maxConns int
}

// NewServer returns a Server admitting at most maxConns concurrent
// sessions; zero or less means 1000.
func NewServer(opts Options, maxConns int) *Server {
	if maxConns <= 0 {
		maxConns = 1000
	}
	return &Server{handler: NewHandler(opts), maxConns: maxConns}
}

// Serve accepts on ln until ctx is cancelled or ln fails, then waits for
// every session to finish. It closes ln. A cancelled ctx is a clean
// shutdown and returns nil.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	log.Debug("Socks5 server start at: ", ln.Addr())

	stop := context.AfterFunc(ctx, func() {
		log.Info("Close socks5 listener...")
		_ = ln.Close()
	})
	defer stop()
	defer func() { _ = ln.Close() }()

	var wg sync.WaitGroup
	sem := make(chan struct{}, s.maxConns)

	defer func() {
		wg.Wait()
		log.Info("Server has gracefully shutdown.")
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				log.Debug("Server has gracefully shutdown from listener status")
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			log.Warn("fail in accept: ", err)
			continue
		}

		// limit goroutine pool and wait for goroutine to finish
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			_ = conn.Close()
			return nil
		}
		wg.Add(1)

		go func(conn net.Conn) {
			defer func() {
				wg.Done()
				<-sem
			}()
			s.serveConn(ctx, conn)
		}(conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	entry := log.WithField("client", conn.RemoteAddr().String())
	entry.Infof("New connection: %v", conn.RemoteAddr())

	err := s.handler.Handle(ctx, conn)
	switch KindOf(err) {
	case KindNone:
		entry.Infof("Connection closed: %v", conn.RemoteAddr())
	case KindConnect:
		entry.Infof("Connection closed, %s: %v", StatusOf(err), err)
	case KindTransport:
		entry.Debugf("Connection closed: %v", err)
	default:
		entry.Warnf("fail in handshake: %v", err)
	}
}
