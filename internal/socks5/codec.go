package socks5

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
)

// maxRequestLen is the longest possible request: header, a 255 byte domain
// with its length byte, and the port.
const maxRequestLen = 4 + 1 + 255 + 2

/*
	Greeting
	   +-----+----------+-----------+
	   | VER | NMETHODS |  METHODS  |
	   +-----+----------+-----------+
	   |  1  |    1     |  1 to 255 |
	   +-----+----------+-----------+
*/

// DecodeGreeting decodes a complete greeting.
func DecodeGreeting(b []byte) (Greeting, error) {
	if len(b) < 2 {
		return Greeting{}, ErrShortBuffer
	}
	if b[0] != SOCKS5VERSION {
		return Greeting{}, ErrVersion
	}
	n := int(b[1])
	if len(b)-2 != n {
		return Greeting{}, fmt.Errorf("%w: declared %d methods, have %d", ErrMalformedMessage, n, len(b)-2)
	}
	methods := make([]AuthMethod, n)
	for i, m := range b[2:] {
		methods[i] = AuthMethod(m)
	}
	return Greeting{Version: b[0], Methods: methods}, nil
}

// EncodeGreeting encodes a greeting offering methods.
func EncodeGreeting(methods ...AuthMethod) ([]byte, error) {
	if len(methods) > 255 {
		return nil, fmt.Errorf("%w: %d methods", ErrMalformedMessage, len(methods))
	}
	b := make([]byte, 0, 2+len(methods))
	b = append(b, SOCKS5VERSION, byte(len(methods)))
	for _, m := range methods {
		b = append(b, byte(m))
	}
	return b, nil
}

/*
	Method selection
		+-----+--------+
		| VER | METHOD |
		+-----+--------+
		|  1  |   1    |
		+-----+--------+
*/

// EncodeMethodSelection encodes the server's method choice. Pass
// MethodNoAcceptable when none of the offered methods is acceptable.
func EncodeMethodSelection(m AuthMethod) []byte {
	return []byte{SOCKS5VERSION, byte(m)}
}

/*
	Request
	   +----+-----+-------+------+----------+----------+
	   |VER | CMD |  RSV  | ATYP | DST.ADDR | DST.PORT |
	   +----+-----+-------+------+----------+----------+
	   | 1  |  1  | X'00' |  1   | Variable |    2     |
	   +----+-----+-------+------+----------+----------+
*/

// addrLen returns the DST.ADDR length for kind. For a domain, first is the
// length byte that starts the address.
func addrLen(kind AddressKind, first byte) int {
	switch kind {
	case RequestAtypIPV4:
		return net.IPv4len
	case RequestAtypIPV6:
		return net.IPv6len
	case RequestAtypDomainname:
		return 1 + int(first)
	}
	return 0
}

// DecodeRequest decodes a complete request. RSV is not checked.
func DecodeRequest(b []byte) (Request, error) {
	if len(b) < 4 {
		return Request{}, ErrShortBuffer
	}
	ver, cmd, kind := b[0], Command(b[1]), AddressKind(b[3])
	if ver != SOCKS5VERSION {
		return Request{}, ErrVersion
	}
	if !cmd.valid() {
		return Request{}, fmt.Errorf("%w: %d", ErrCommand, b[1])
	}
	if !kind.valid() {
		return Request{}, fmt.Errorf("%w: %d", ErrAddressKind, b[3])
	}

	rest := b[4:]
	if kind == RequestAtypDomainname && len(rest) < 1 {
		return Request{}, ErrShortBuffer
	}
	var first byte
	if len(rest) > 0 {
		first = rest[0]
	}
	n := addrLen(kind, first)
	if len(rest) < n+2 {
		return Request{}, fmt.Errorf("%w: %s request needs %d bytes, have %d", ErrShortBuffer, kind, 4+n+2, len(b))
	}
	if len(rest) > n+2 {
		return Request{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformedMessage, len(rest)-n-2)
	}

	addr := make([]byte, n)
	copy(addr, rest[:n])
	return Request{
		Command: cmd,
		Kind:    kind,
		Addr:    addr,
		Port:    binary.BigEndian.Uint16(rest[n:]),
	}, nil
}

// EncodeRequest encodes r, validating the address length for its kind.
func EncodeRequest(r Request) ([]byte, error) {
	if !r.Command.valid() {
		return nil, fmt.Errorf("%w: %d", ErrCommand, r.Command)
	}
	if err := checkAddr(r.Kind, r.Addr); err != nil {
		return nil, err
	}
	b := make([]byte, 0, 4+len(r.Addr)+2)
	b = append(b, SOCKS5VERSION, byte(r.Command), 0x00, byte(r.Kind))
	b = append(b, r.Addr...)
	return binary.BigEndian.AppendUint16(b, r.Port), nil
}

func checkAddr(kind AddressKind, addr []byte) error {
	if !kind.valid() {
		return fmt.Errorf("%w: %d", ErrAddressKind, kind)
	}
	var first byte
	if len(addr) > 0 {
		first = addr[0]
	}
	if len(addr) != addrLen(kind, first) {
		return fmt.Errorf("%w: %d byte %s address", ErrMalformedMessage, len(addr), kind)
	}
	return nil
}

// DomainAddr builds the raw DST.ADDR for a domain name.
func DomainAddr(name string) ([]byte, error) {
	if len(name) > 255 {
		return nil, fmt.Errorf("%w: domain name longer than 255 bytes", ErrMalformedMessage)
	}
	return append([]byte{byte(len(name))}, name...), nil
}

/*
	Reply
	   +----+-----+-------+------+----------+----------+
	   |VER | REP |  RSV  | ATYP | BND.ADDR | BND.PORT |
	   +----+-----+-------+------+----------+----------+
	   | 1  |  1  | X'00' |  1   | Variable |    2     |
	   +----+-----+-------+------+----------+----------+
*/

// EncodeReply encodes a reply carrying bound as BND.ADDR/BND.PORT. A nil or
// non-IP bound encodes as 0.0.0.0:0.
func EncodeReply(status ReplyStatus, bound net.Addr) []byte {
	ap := boundAddrPort(bound)
	b := make([]byte, 0, 4+net.IPv6len+2)
	b = append(b, SOCKS5VERSION, byte(status), 0x00)
	ip := ap.Addr().Unmap()
	if ip.Is4() {
		a := ip.As4()
		b = append(b, byte(RequestAtypIPV4))
		b = append(b, a[:]...)
	} else {
		a := ip.As16()
		b = append(b, byte(RequestAtypIPV6))
		b = append(b, a[:]...)
	}
	return binary.BigEndian.AppendUint16(b, ap.Port())
}

func boundAddrPort(bound net.Addr) netip.AddrPort {
	zero := netip.AddrPortFrom(netip.IPv4Unspecified(), 0)
	switch a := bound.(type) {
	case nil:
		return zero
	case *net.TCPAddr:
		if a == nil {
			return zero
		}
		ap := a.AddrPort()
		if !ap.Addr().IsValid() {
			return netip.AddrPortFrom(netip.IPv4Unspecified(), ap.Port())
		}
		return ap
	}
	ap, err := netip.ParseAddrPort(bound.String())
	if err != nil {
		return zero
	}
	return ap
}

// DecodeReply decodes a complete reply, returning the status and the bound
// address.
func DecodeReply(b []byte) (ReplyStatus, netip.AddrPort, error) {
	if len(b) < 4 {
		return 0, netip.AddrPort{}, ErrShortBuffer
	}
	if b[0] != SOCKS5VERSION {
		return 0, netip.AddrPort{}, ErrVersion
	}
	status := ReplyStatus(b[1])
	var ip netip.Addr
	switch AddressKind(b[3]) {
	case RequestAtypIPV4:
		if len(b) != 4+net.IPv4len+2 {
			return 0, netip.AddrPort{}, ErrShortBuffer
		}
		ip = netip.AddrFrom4([4]byte(b[4:8]))
	case RequestAtypIPV6:
		if len(b) != 4+net.IPv6len+2 {
			return 0, netip.AddrPort{}, ErrShortBuffer
		}
		ip = netip.AddrFrom16([16]byte(b[4:20]))
	default:
		return 0, netip.AddrPort{}, fmt.Errorf("%w: %d", ErrAddressKind, b[3])
	}
	return status, netip.AddrPortFrom(ip, binary.BigEndian.Uint16(b[len(b)-2:])), nil
}
