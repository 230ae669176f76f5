package network

import (
	"context"
	"errors"
	"net"
	"time"
)

// ErrClosed is returned by transports after Close.
var ErrClosed = errors.New("network: transport closed")

// Transport carries datagrams to and from one peer. It offers no
// reliability: datagrams may be lost, duplicated or reordered.
type Transport interface {
	Send(ctx context.Context, b []byte) error
	// Receive returns the next datagram of at most maxSize bytes. Larger
	// datagrams are truncated by UDP and rejected by other transports.
	Receive(ctx context.Context, maxSize int) ([]byte, error)
	Close() error
}

// PacketConn is the listening side: datagrams from many peers.
type PacketConn interface {
	ReadFrom(ctx context.Context, maxSize int) ([]byte, net.Addr, error)
	WriteTo(ctx context.Context, b []byte, addr net.Addr) error
	LocalAddr() net.Addr
	Close() error
}

// watchDeadline applies ctx's deadline through set and unblocks the pending
// call when ctx is cancelled. The returned func must be called once the
// call returns.
func watchDeadline(ctx context.Context, set func(time.Time) error) func() {
	if d, ok := ctx.Deadline(); ok {
		_ = set(d)
	} else {
		_ = set(time.Time{})
	}
	if ctx.Done() == nil {
		return func() {}
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
			_ = set(time.Now())
		case <-stop:
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

// ctxErr prefers the context error over the deadline error it caused.
func ctxErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return err
}
