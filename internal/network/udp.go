package network

import (
	"context"
	"fmt"
	"net"
)

// UDPTransport is a connected UDP socket bound to a single remote.
type UDPTransport struct {
	conn *net.UDPConn
}

// DialUDP connects to remote, optionally from a fixed local address.
func DialUDP(remote, local string) (*UDPTransport, error) {
	raddr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return nil, err
	}
	var laddr *net.UDPAddr
	if local != "" {
		if laddr, err = net.ResolveUDPAddr("udp", local); err != nil {
			return nil, err
		}
	}
	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		return nil, err
	}
	return &UDPTransport{conn: conn}, nil
}

func (t *UDPTransport) Send(ctx context.Context, b []byte) error {
	done := watchDeadline(ctx, t.conn.SetWriteDeadline)
	defer done()
	n, err := t.conn.Write(b)
	if err != nil {
		return ctxErr(ctx, err)
	}
	if n != len(b) {
		return fmt.Errorf("short write: %d of %d", n, len(b))
	}
	return nil
}

func (t *UDPTransport) Receive(ctx context.Context, maxSize int) ([]byte, error) {
	done := watchDeadline(ctx, t.conn.SetReadDeadline)
	defer done()
	buf := make([]byte, maxSize)
	n, err := t.conn.Read(buf)
	if err != nil {
		return nil, ctxErr(ctx, err)
	}
	return buf[:n], nil
}

func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

func (t *UDPTransport) Close() error {
	return t.conn.Close()
}

// UDPListener receives datagrams from any peer.
type UDPListener struct {
	conn *net.UDPConn
}

func ListenUDP(addr string) (*UDPListener, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	return &UDPListener{conn: conn}, nil
}

func (l *UDPListener) ReadFrom(ctx context.Context, maxSize int) ([]byte, net.Addr, error) {
	done := watchDeadline(ctx, l.conn.SetReadDeadline)
	defer done()
	buf := make([]byte, maxSize)
	n, addr, err := l.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, nil, ctxErr(ctx, err)
	}
	return buf[:n], addr, nil
}

func (l *UDPListener) WriteTo(ctx context.Context, b []byte, addr net.Addr) error {
	done := watchDeadline(ctx, l.conn.SetWriteDeadline)
	defer done()
	_, err := l.conn.WriteTo(b, addr)
	return ctxErr(ctx, err)
}

func (l *UDPListener) LocalAddr() net.Addr {
	return l.conn.LocalAddr()
}

func (l *UDPListener) Close() error {
	return l.conn.Close()
}
