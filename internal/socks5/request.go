package socks5

import (
	"errors"
	"fmt"
	"io"
)

// ReadRequest reads one request from r field by field: the 4 byte header,
// then exactly the address the ATYP implies, then the port. It never
// assumes a single read returns the whole request.
//
// A bad version is a protocol error. An unknown ATYP or CMD yields an
// unsupported error carrying the reply the client is owed. A stream that
// ends early is a protocol error.
func ReadRequest(r io.Reader) (Request, error) {
	var buf [maxRequestLen]byte

	if _, err := io.ReadFull(r, buf[:4]); err != nil {
		return Request{}, readError("request header", err)
	}
	if buf[0] != SOCKS5VERSION {
		return Request{}, protocolError(fmt.Errorf("%w: request version %d", ErrVersion, buf[0]))
	}
	kind := AddressKind(buf[3])
	if !kind.valid() {
		return Request{}, unsupportedError(AddrUnsupported, fmt.Errorf("%w: %d", ErrAddressKind, buf[3]))
	}

	n := 4
	if kind == RequestAtypDomainname {
		if _, err := io.ReadFull(r, buf[n:n+1]); err != nil {
			return Request{}, readError("domain length", err)
		}
	}
	end := 4 + addrLen(kind, buf[4]) + 2
	if kind == RequestAtypDomainname {
		n++
	}
	if _, err := io.ReadFull(r, buf[n:end]); err != nil {
		return Request{}, readError(kind.String()+" address", err)
	}

	req, err := DecodeRequest(buf[:end])
	switch {
	case errors.Is(err, ErrCommand):
		return Request{}, unsupportedError(CmdUnsupported, err)
	case err != nil:
		return Request{}, protocolError(err)
	}
	return req, nil
}
