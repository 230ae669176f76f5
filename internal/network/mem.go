package network

import (
	"context"
	"net"
	"sync"
)

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

type memEnd struct {
	in        chan []byte
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func (e *memEnd) send(ctx context.Context, b []byte) error {
	cp := append([]byte(nil), b...)
	select {
	case <-e.closed:
		return ErrClosed
	default:
	}
	select {
	case e.out <- cp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.closed:
		return ErrClosed
	}
}

func (e *memEnd) recv(ctx context.Context) ([]byte, error) {
	select {
	case b := <-e.in:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.closed:
		return nil, ErrClosed
	}
}

func (e *memEnd) close() error {
	e.closeOnce.Do(func() { close(e.closed) })
	return nil
}

// MemTransport is the client end of an in-memory pipe.
type MemTransport struct {
	end *memEnd
}

func (t *MemTransport) Send(ctx context.Context, b []byte) error {
	return t.end.send(ctx, b)
}

// Receive drops datagrams larger than maxSize, as a short UDP read would.
func (t *MemTransport) Receive(ctx context.Context, maxSize int) ([]byte, error) {
	for {
		b, err := t.end.recv(ctx)
		if err != nil {
			return nil, err
		}
		if len(b) <= maxSize {
			return b, nil
		}
	}
}

func (t *MemTransport) Close() error {
	return t.end.close()
}

// MemPacketConn is the listening end of an in-memory pipe. Every datagram
// appears to come from a single peer address.
type MemPacketConn struct {
	end  *memEnd
	peer memAddr
}

func (c *MemPacketConn) ReadFrom(ctx context.Context, maxSize int) ([]byte, net.Addr, error) {
	for {
		b, err := c.end.recv(ctx)
		if err != nil {
			return nil, nil, err
		}
		if len(b) <= maxSize {
			return b, c.peer, nil
		}
	}
}

func (c *MemPacketConn) WriteTo(ctx context.Context, b []byte, _ net.Addr) error {
	return c.end.send(ctx, b)
}

func (c *MemPacketConn) LocalAddr() net.Addr {
	return memAddr("mem:listener")
}

func (c *MemPacketConn) Close() error {
	return c.end.close()
}

// MemPipe connects a client transport to a listener in memory.
func MemPipe() (*MemTransport, *MemPacketConn) {
	a := make(chan []byte, 64)
	b := make(chan []byte, 64)
	client := &memEnd{in: b, out: a, closed: make(chan struct{})}
	server := &memEnd{in: a, out: b, closed: make(chan struct{})}
	return &MemTransport{end: client}, &MemPacketConn{end: server, peer: memAddr("mem:client")}
}
