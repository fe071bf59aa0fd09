package socks5

import (
	"net"
	"net/netip"
	"strconv"
)

const SOCKS5VERSION uint8 = 5

// AuthMethod is a METHOD value from the greeting and the method selection reply.
type AuthMethod uint8

const (
	MethodNoAuth AuthMethod = iota
	MethodGSSAPI
	MethodUserPass
	MethodNoAcceptable AuthMethod = 0xFF
)

func (m AuthMethod) String() string {
	switch m {
	case MethodNoAuth:
		return "no-auth"
	case MethodGSSAPI:
		return "gssapi"
	case MethodUserPass:
		return "username/password"
	case MethodNoAcceptable:
		return "no-acceptable"
	}
	return "method(" + strconv.Itoa(int(m)) + ")"
}

// Command is the CMD field of a request.
type Command uint8

const (
	RequestConnect Command = iota + 1
	RequestBind
	RequestUDP
)

func (c Command) valid() bool {
	return c >= RequestConnect && c <= RequestUDP
}

func (c Command) String() string {
	switch c {
	case RequestConnect:
		return "connect"
	case RequestBind:
		return "bind"
	case RequestUDP:
		return "udp-associate"
	}
	return "command(" + strconv.Itoa(int(c)) + ")"
}

// AddressKind is the ATYP field of a request or reply.
type AddressKind uint8

const (
	RequestAtypIPV4       AddressKind = 1
	RequestAtypDomainname AddressKind = 3
	RequestAtypIPV6       AddressKind = 4
)

func (k AddressKind) valid() bool {
	switch k {
	case RequestAtypIPV4, RequestAtypDomainname, RequestAtypIPV6:
		return true
	}
	return false
}

func (k AddressKind) String() string {
	switch k {
	case RequestAtypIPV4:
		return "ipv4"
	case RequestAtypDomainname:
		return "domain"
	case RequestAtypIPV6:
		return "ipv6"
	}
	return "atyp(" + strconv.Itoa(int(k)) + ")"
}

// ReplyStatus is the REP field of a reply.
type ReplyStatus uint8

const (
	Succeeded ReplyStatus = iota
	Failure
	NotAllowed
	NetUnreachable
	HostUnreachable
	ConnRefused
	TTLExpired
	CmdUnsupported
	AddrUnsupported
)

var statusNames = [...]string{
	Succeeded:       "succeeded",
	Failure:         "general-failure",
	NotAllowed:      "not-allowed",
	NetUnreachable:  "network-unreachable",
	HostUnreachable: "host-unreachable",
	ConnRefused:     "connection-refused",
	TTLExpired:      "ttl-expired",
	CmdUnsupported:  "command-not-supported",
	AddrUnsupported: "address-type-not-supported",
}

func (s ReplyStatus) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "status(" + strconv.Itoa(int(s)) + ")"
}

// Greeting is the client's version/method-list message.
type Greeting struct {
	Version uint8
	Methods []AuthMethod
}

// Request is a decoded client request.
//
// Addr holds the raw DST.ADDR bytes: 4 bytes for IPv4, 16 for IPv6 and a
// length byte followed by the name for a domain.
type Request struct {
	Command Command
	Kind    AddressKind
	Addr    []byte
	Port    uint16
}

// Host returns the destination host as text.
func (r Request) Host() string {
	switch r.Kind {
	case RequestAtypIPV4:
		if len(r.Addr) == 4 {
			return netip.AddrFrom4([4]byte(r.Addr)).String()
		}
	case RequestAtypIPV6:
		if len(r.Addr) == 16 {
			return netip.AddrFrom16([16]byte(r.Addr)).String()
		}
	case RequestAtypDomainname:
		if len(r.Addr) > 0 {
			return string(r.Addr[1:])
		}
	}
	return ""
}

// String returns host:port.
func (r Request) String() string {
	return net.JoinHostPort(r.Host(), strconv.Itoa(int(r.Port)))
}
