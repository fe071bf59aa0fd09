package socks5

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	txsocks5 "github.com/txthinking/socks5"
	"golang.org/x/sync/errgroup"

	"github.io/kevin-rd/k8s-tools/socks5-relay/internal/metrics"
)

// startEcho runs a TCP echo server that closes each connection once the
// client half-closes.
func startEcho(t *testing.T) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr)
}

// startServer runs a Server on a loopback port until the test ends.
func startServer(t *testing.T, opts Options) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(opts, 64).Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})
	return ln.Addr().String()
}

func dialServer(t *testing.T, addr string) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func writeAll(t *testing.T, c net.Conn, b []byte) {
	t.Helper()
	if _, err := c.Write(b); err != nil {
		t.Fatal(err)
	}
}

func expect(t *testing.T, c net.Conn, want []byte) {
	t.Helper()
	got := make([]byte, len(want))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatalf("reading % x: %v", want, err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x want % x", got, want)
	}
}

// expectClosed asserts the server closed c without sending anything more.
func expectClosed(t *testing.T, c net.Conn) {
	t.Helper()
	rest, err := io.ReadAll(c)
	if err != nil {
		t.Fatalf("expected clean close, got %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("unexpected bytes % x", rest)
	}
}

func connectRequest(addr *net.TCPAddr) []byte {
	b := []byte{0x05, 0x01, 0x00, 0x01}
	b = append(b, addr.IP.To4()...)
	return binary.BigEndian.AppendUint16(b, uint16(addr.Port))
}

func TestHandleConnectEndToEnd(t *testing.T) {
	echo := startEcho(t)
	addr := startServer(t, Options{HandshakeTimeout: 2 * time.Second, DialTimeout: 2 * time.Second})
	c := dialServer(t, addr)

	writeAll(t, c, []byte{0x05, 0x01, 0x00})
	expect(t, c, []byte{0x05, 0x00})

	writeAll(t, c, connectRequest(echo))
	reply := make([]byte, 10)
	if _, err := io.ReadFull(c, reply); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(reply[:4], []byte{0x05, 0x00, 0x00, 0x01}) {
		t.Fatalf("reply header % x", reply[:4])
	}
	status, bound, err := DecodeReply(reply)
	if err != nil || status != Succeeded {
		t.Fatalf("status %s err %v", status, err)
	}
	if !bound.Addr().IsLoopback() || bound.Port() == 0 || int(bound.Port()) == echo.Port {
		t.Fatalf("reply does not carry the outbound local endpoint: %s", bound)
	}

	writeAll(t, c, []byte("hello through the relay"))
	expect(t, c, []byte("hello through the relay"))

	// closing the client side closes the destination, which closes us
	if err := c.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatal(err)
	}
	expectClosed(t, c)
}

func TestHandleRequestWithPipelinedPayload(t *testing.T) {
	echo := startEcho(t)
	addr := startServer(t, Options{})
	c := dialServer(t, addr)

	// greeting, request and payload in one write
	msg := append([]byte{0x05, 0x01, 0x00}, connectRequest(echo)...)
	msg = append(msg, "early"...)
	writeAll(t, c, msg)

	expect(t, c, []byte{0x05, 0x00})
	reply := make([]byte, 10)
	if _, err := io.ReadFull(c, reply); err != nil {
		t.Fatal(err)
	}
	expect(t, c, []byte("early"))
}

func TestHandleDomainResolutionFailure(t *testing.T) {
	d := &fakeDialer{}
	r := &fakeResolver{err: &net.DNSError{Err: "no such host", Name: "example.invalid", IsNotFound: true}}
	addr := startServer(t, Options{Dialer: d, Resolver: r})
	before := testutil.ToFloat64(metrics.RepliesTotal.WithLabelValues(HostUnreachable.String()))

	c := dialServer(t, addr)
	writeAll(t, c, []byte{0x05, 0x01, 0x00})
	expect(t, c, []byte{0x05, 0x00})

	req, err := EncodeRequest(Request{Command: RequestConnect, Kind: RequestAtypDomainname, Addr: mustDomain(t, "example.invalid"), Port: 80})
	if err != nil {
		t.Fatal(err)
	}
	writeAll(t, c, req)
	expect(t, c, []byte{0x05, 0x04, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	expectClosed(t, c)

	if len(d.dialed) != 0 {
		t.Fatalf("dialed %v", d.dialed)
	}
	if after := testutil.ToFloat64(metrics.RepliesTotal.WithLabelValues(HostUnreachable.String())); after != before+1 {
		t.Fatalf("host-unreachable replies %v -> %v", before, after)
	}
}

func TestHandleConnectionRefused(t *testing.T) {
	addr := startServer(t, Options{})
	c := dialServer(t, addr)

	writeAll(t, c, []byte{0x05, 0x01, 0x00})
	expect(t, c, []byte{0x05, 0x00})
	writeAll(t, c, connectRequest(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(closedPort(t))}))
	expect(t, c, []byte{0x05, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	expectClosed(t, c)
}

func TestHandleRejections(t *testing.T) {
	tests := []struct {
		name     string
		greeting []byte
		greetRep []byte
		request  []byte
		reply    []byte
	}{
		{
			name:     "greeting version",
			greeting: []byte{0x04, 0x01, 0x00},
		},
		{
			name:     "no acceptable method",
			greeting: []byte{0x05, 0x01, 0x02},
			greetRep: []byte{0x05, 0xff},
		},
		{
			name:     "request version",
			greeting: []byte{0x05, 0x01, 0x00},
			greetRep: []byte{0x05, 0x00},
			request:  []byte{0x04, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0, 80},
		},
		{
			name:     "unsupported address type",
			greeting: []byte{0x05, 0x01, 0x00},
			greetRep: []byte{0x05, 0x00},
			request:  []byte{0x05, 0x01, 0x00, 0x02, 127, 0, 0, 1, 0, 80},
			reply:    []byte{0x05, 0x08, 0x00, 0x01, 0, 0, 0, 0, 0, 0},
		},
		{
			name:     "bind",
			greeting: []byte{0x05, 0x01, 0x00},
			greetRep: []byte{0x05, 0x00},
			request:  []byte{0x05, 0x02, 0x00, 0x01, 127, 0, 0, 1, 0, 80},
			reply:    []byte{0x05, 0x07, 0x00, 0x01, 0, 0, 0, 0, 0, 0},
		},
		{
			name:     "udp associate",
			greeting: []byte{0x05, 0x01, 0x00},
			greetRep: []byte{0x05, 0x00},
			request:  []byte{0x05, 0x03, 0x00, 0x01, 0, 0, 0, 0, 0, 0},
			reply:    []byte{0x05, 0x07, 0x00, 0x01, 0, 0, 0, 0, 0, 0},
		},
		{
			name:     "unknown command",
			greeting: []byte{0x05, 0x01, 0x00},
			greetRep: []byte{0x05, 0x00},
			request:  []byte{0x05, 0x10, 0x00, 0x03, 1, 'a', 0, 80},
			reply:    []byte{0x05, 0x07, 0x00, 0x01, 0, 0, 0, 0, 0, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDialer{}
			addr := startServer(t, Options{Dialer: d})
			c := dialServer(t, addr)

			writeAll(t, c, tt.greeting)
			if tt.greetRep != nil {
				expect(t, c, tt.greetRep)
			}
			if tt.request != nil {
				writeAll(t, c, tt.request)
			}
			if tt.reply != nil {
				expect(t, c, tt.reply)
			}
			expectClosed(t, c)

			if len(d.dialed) != 0 {
				t.Fatalf("outbound connection attempted: %v", d.dialed)
			}
		})
	}
}

func TestHandleReturnsErrorKind(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want ErrorKind
	}{
		{name: "bad greeting", in: []byte{0x04, 0x01, 0x00}, want: KindProtocol},
		{name: "client gone", in: []byte{0x05}, want: KindProtocol},
		{name: "bind", in: []byte{0x05, 0x01, 0x00, 0x05, 0x02, 0x00, 0x01, 1, 1, 1, 1, 0, 1}, want: KindUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := net.Pipe()
			defer client.Close()

			go func() {
				_, _ = client.Write(tt.in)
				_, _ = io.Copy(io.Discard, client)
			}()
			go func() {
				// end of input once the payload is consumed
				time.Sleep(200 * time.Millisecond)
				_ = client.Close()
			}()

			err := NewHandler(Options{Dialer: &fakeDialer{}}).Handle(context.Background(), server)
			if KindOf(err) != tt.want {
				t.Fatalf("err=%v kind=%s", err, KindOf(err))
			}
		})
	}
}

func TestHandleHandshakeTimeout(t *testing.T) {
	addr := startServer(t, Options{HandshakeTimeout: 100 * time.Millisecond})
	c := dialServer(t, addr)

	start := time.Now()
	writeAll(t, c, []byte{0x05, 0x01}) // method list never arrives
	expectClosed(t, c)
	if time.Since(start) > 3*time.Second {
		t.Fatalf("stalled client held the session for %s", time.Since(start))
	}
}

func TestHandleCancelDuringHandshake(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewHandler(Options{}).Handle(ctx, server) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if KindOf(err) != KindTransport {
			t.Fatalf("err=%v kind=%s", err, KindOf(err))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handshake not aborted by cancellation")
	}
}

func TestReferenceClientConnect(t *testing.T) {
	echo := startEcho(t)
	addr := startServer(t, Options{})

	client, err := txsocks5.NewClient(addr, "", "", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	c, err := client.Dial("tcp", echo.String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	msg := []byte("hello")
	if _, err := c.Write(msg); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, msg) {
		t.Fatalf("expected %q got %q", msg, buf)
	}
}

func TestConcurrentSessionsDoNotCrossTalk(t *testing.T) {
	echo := startEcho(t)
	addr := startServer(t, Options{})

	const sessions = 32
	var g errgroup.Group
	for i := 0; i < sessions; i++ {
		g.Go(func() error {
			c, err := net.DialTimeout("tcp", addr, 2*time.Second)
			if err != nil {
				return err
			}
			defer c.Close()
			_ = c.SetDeadline(time.Now().Add(10 * time.Second))

			// byte-wise handshake to interleave with other sessions
			hs := append([]byte{0x05, 0x01, 0x00}, connectRequest(echo)...)
			for _, b := range hs[:3] {
				if _, err := c.Write([]byte{b}); err != nil {
					return err
				}
			}
			sel := make([]byte, 2)
			if _, err := io.ReadFull(c, sel); err != nil {
				return err
			}
			for _, b := range hs[3:] {
				if _, err := c.Write([]byte{b}); err != nil {
					return err
				}
			}
			reply := make([]byte, 10)
			if _, err := io.ReadFull(c, reply); err != nil {
				return err
			}
			if reply[1] != byte(Succeeded) {
				return fmt.Errorf("session %d: reply % x", i, reply)
			}

			payload := bytes.Repeat([]byte(fmt.Sprintf("session-%02d|", i)), 512)
			go func() { _, _ = c.Write(payload) }()
			got := make([]byte, len(payload))
			if _, err := io.ReadFull(c, got); err != nil {
				return err
			}
			if !bytes.Equal(got, payload) {
				return fmt.Errorf("session %d received foreign bytes", i)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(Options{}, 1).Serve(ctx, ln) }()

	// a session stuck in the handshake must not block shutdown
	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if _, err := net.Dial("tcp", ln.Addr().String()); err == nil {
		t.Fatal("listener still accepting after shutdown")
	}
}
