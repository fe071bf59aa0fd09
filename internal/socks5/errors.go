package socks5

import (
	"errors"
	"fmt"
	"io"
)

var (
	ErrMalformedMessage    = errors.New("malformed socks5 message")
	ErrVersion             = fmt.Errorf("%w: only support socks5 version", ErrMalformedMessage)
	ErrCommand             = fmt.Errorf("%w: unrecognized command", ErrMalformedMessage)
	ErrAddressKind         = fmt.Errorf("%w: unrecognized address type", ErrMalformedMessage)
	ErrShortBuffer         = fmt.Errorf("%w: short buffer", ErrMalformedMessage)
	ErrNoAcceptableMethods = errors.New("no acceptable authentication methods")
)

// ErrorKind classifies a session failure.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	// KindProtocol is a malformed or truncated greeting or request.
	KindProtocol
	// KindUnsupported is a valid request the server does not serve.
	KindUnsupported
	// KindConnect is a failure to reach the destination.
	KindConnect
	// KindTransport is an I/O failure on either socket.
	KindTransport
)

func (k ErrorKind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindUnsupported:
		return "unsupported"
	case KindConnect:
		return "connect"
	case KindTransport:
		return "transport"
	}
	return "none"
}

// Error is a classified session error. Status is the reply owed to the
// client, meaningful for KindUnsupported and KindConnect only.
type Error struct {
	Kind   ErrorKind
	Status ReplyStatus
	Err    error
}

func (e *Error) Error() string {
	return e.Kind.String() + " error: " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func protocolError(err error) error {
	return &Error{Kind: KindProtocol, Status: Failure, Err: err}
}

func unsupportedError(status ReplyStatus, err error) error {
	return &Error{Kind: KindUnsupported, Status: status, Err: err}
}

func connectError(status ReplyStatus, err error) error {
	return &Error{Kind: KindConnect, Status: status, Err: err}
}

func transportError(err error) error {
	return &Error{Kind: KindTransport, Status: Failure, Err: err}
}

// readError classifies a failed read from the client: a stream that ends
// early is a protocol error, anything else a transport error.
func readError(what string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return protocolError(fmt.Errorf("truncated %s: %w", what, err))
	}
	return transportError(fmt.Errorf("fail to read %s: %w", what, err))
}

// KindOf returns the kind of err, KindTransport for unclassified errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransport
}

// StatusOf returns the reply status owed for err.
func StatusOf(err error) ReplyStatus {
	if err == nil {
		return Succeeded
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return Failure
}
