package socks5

import (
	"bufio"
	"net"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// State is the position of a session in its pipeline.
type State int

const (
	StateInit State = iota
	StateNegotiating
	StateAwaitingRequest
	StateConnecting
	StateRelaying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateNegotiating:
		return "negotiating"
	case StateAwaitingRequest:
		return "awaiting-request"
	case StateConnecting:
		return "connecting"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session is one accepted client connection. It is owned by a single
// goroutine and shares nothing with other sessions.
type Session struct {
	ID     string
	conn   net.Conn
	reader *bufio.Reader
	state  State
	log    *log.Entry
}

func newSession(conn net.Conn) *Session {
	id := uuid.NewString()
	return &Session{
		ID:     id,
		conn:   conn,
		reader: bufio.NewReader(conn),
		state:  StateInit,
		log: log.WithFields(log.Fields{
			"session": id,
			"client":  conn.RemoteAddr().String(),
		}),
	}
}

func (s *Session) setState(st State) {
	if s.state == StateClosed {
		return
	}
	s.log.Debugf("session %s -> %s", s.state, st)
	s.state = st
}

// State reports the current state.
func (s *Session) State() State { return s.state }

func (s *Session) close() {
	s.setState(StateClosed)
	_ = s.conn.Close()
}
