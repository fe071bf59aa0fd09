package socks5

import (
	"fmt"
	"io"
)

// Authenticator runs the sub-negotiation for one method after it has been
// selected. It returns once the exchange is complete.
type Authenticator interface {
	Method() AuthMethod
	Authenticate(r io.Reader, w io.Writer) error
}

// NoAuth implements MethodNoAuth, which has no sub-negotiation.
type NoAuth struct{}

func (NoAuth) Method() AuthMethod { return MethodNoAuth }

func (NoAuth) Authenticate(io.Reader, io.Writer) error { return nil }

// selectMethod returns the first server authenticator whose method the
// client offered.
func selectMethod(server []Authenticator, offered []AuthMethod) Authenticator {
	for _, a := range server {
		for _, m := range offered {
			if a.Method() == m {
				return a
			}
		}
	}
	return nil
}

// Negotiate reads the client greeting from r, replies on w with the chosen
// method and runs its authentication. auths is in server priority order.
//
// A wrong version fails without a reply. When nothing offered is
// acceptable, 0xFF is sent and ErrNoAcceptableMethods returned.
func Negotiate(r io.Reader, w io.Writer, auths []Authenticator) (AuthMethod, error) {
	var buf [2 + 255]byte

	if _, err := io.ReadFull(r, buf[:2]); err != nil {
		return MethodNoAcceptable, readError("greeting", err)
	}
	if buf[0] != SOCKS5VERSION {
		return MethodNoAcceptable, protocolError(fmt.Errorf("%w: greeting version %d", ErrVersion, buf[0]))
	}
	n := int(buf[1])
	if _, err := io.ReadFull(r, buf[2:2+n]); err != nil {
		return MethodNoAcceptable, readError("greeting methods", err)
	}
	greeting, err := DecodeGreeting(buf[:2+n])
	if err != nil {
		return MethodNoAcceptable, protocolError(err)
	}

	auth := selectMethod(auths, greeting.Methods)
	if auth == nil {
		if _, err := w.Write(EncodeMethodSelection(MethodNoAcceptable)); err != nil {
			return MethodNoAcceptable, transportError(fmt.Errorf("fail to write socks method: %w", err))
		}
		return MethodNoAcceptable, unsupportedError(Failure, fmt.Errorf("%w: offered %v", ErrNoAcceptableMethods, greeting.Methods))
	}

	method := auth.Method()
	if _, err := w.Write(EncodeMethodSelection(method)); err != nil {
		return method, transportError(fmt.Errorf("fail to write socks method: %w", err))
	}
	if err := auth.Authenticate(r, w); err != nil {
		return method, protocolError(fmt.Errorf("%s authentication: %w", method, err))
	}
	return method, nil
}
