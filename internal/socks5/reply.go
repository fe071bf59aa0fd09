package socks5

import (
	"fmt"
	"io"
	"net"

	"github.io/kevin-rd/k8s-tools/socks5-relay/internal/metrics"
)

// WriteReply sends exactly one reply frame. bound is the local endpoint of
// the outbound connection on success and nil otherwise.
func WriteReply(w io.Writer, status ReplyStatus, bound net.Addr) error {
	metrics.RepliesTotal.WithLabelValues(status.String()).Inc()
	if _, err := w.Write(EncodeReply(status, bound)); err != nil {
		return transportError(fmt.Errorf("fail in reply %s: %w", status, err))
	}
	return nil
}
