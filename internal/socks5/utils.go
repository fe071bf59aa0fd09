package socks5

import (
	"net"
	"sync"
	"time"
)

const relayBufSize = 32 * 1024

// relay copy buffers; each is owned by one direction of one session while
// borrowed.
var relayBufPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, relayBufSize)
		return &b
	},
}

// aLongTimeAgo is a deadline in the past, used to unblock pending I/O.
var aLongTimeAgo = time.Unix(1, 0)

type closeWriter interface {
	CloseWrite() error
}

type rawConn interface {
	Raw() net.Conn
}

// closeWrite half-closes c so the peer reads EOF. Wrapped connections are
// unwrapped; a connection with no write half is closed instead.
func closeWrite(c net.Conn) error {
	for c != nil {
		if cw, ok := c.(closeWriter); ok {
			return cw.CloseWrite()
		}
		rc, ok := c.(rawConn)
		if !ok {
			return c.Close()
		}
		c = rc.Raw()
	}
	return nil
}
