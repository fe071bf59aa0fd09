package socks5

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.io/kevin-rd/k8s-tools/socks5-relay/internal/metrics"
)

// RelayStats counts the bytes relayed in each direction.
type RelayStats struct {
	Upstream   int64 // client -> destination
	Downstream int64 // destination -> client
}

// Relay copies client -> dest and dest -> client until both directions have
// ended. Each direction half-closes its sink when its source ends. Bytes the
// handshake already buffered are read through clientReader, which may be
// nil to read client directly.
//
// Cancelling ctx closes both connections. The returned error is only for
// logging: a direction that ends in an I/O error is still a finished
// direction.
func Relay(ctx context.Context, client net.Conn, clientReader io.Reader, dest net.Conn) (RelayStats, error) {
	if clientReader == nil {
		clientReader = client
	}

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = dest.Close()
		})
	}
	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	var stats RelayStats
	var g errgroup.Group

	g.Go(func() error {
		n, err := pipe(dest, clientReader)
		stats.Upstream = n
		metrics.RelayBytes.WithLabelValues("upstream").Add(float64(n))
		if err != nil {
			return fmt.Errorf("copy inbound -> outbound failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		n, err := pipe(client, dest)
		stats.Downstream = n
		metrics.RelayBytes.WithLabelValues("downstream").Add(float64(n))
		if err != nil {
			return fmt.Errorf("copy outbound -> inbound failed: %w", err)
		}
		return nil
	})

	err := g.Wait()
	closeBoth()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return stats, err
}

// pipe copies src into dst until src ends, then half-closes dst.
func pipe(dst net.Conn, src io.Reader) (int64, error) {
	buf := relayBufPool.Get().(*[]byte)
	defer relayBufPool.Put(buf)

	n, err := io.CopyBuffer(dst, src, *buf)
	_ = closeWrite(dst)
	return n, err
}
