package network

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
)

const alpnQUIC = "alnp-quic"

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert returns a deterministic self-signed certificate. QUIC needs TLS
// but ALNP authenticates devices through signed discovery replies, so the
// transport certificate carries no identity.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("alnp-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnQUIC},
	}, nil
}

func clientTLSConfig(insecure bool) (*tls.Config, error) {
	if insecure {
		return &tls.Config{InsecureSkipVerify: true, NextProtos: []string{alpnQUIC}}, nil
	}
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{RootCAs: pool, ServerName: "localhost", NextProtos: []string{alpnQUIC}}, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams: true,
		KeepAlivePeriod: 5 * time.Second,
		MaxIdleTimeout:  30 * time.Second,
	}
}

// QUICTransport sends ALNP datagrams as unreliable QUIC datagrams.
type QUICTransport struct {
	conn *quic.Conn
}

// DialQUIC opens a QUIC connection with datagram support to addr.
func DialQUIC(ctx context.Context, addr string, insecure bool) (*QUICTransport, error) {
	tlsConf, err := clientTLSConfig(insecure)
	if err != nil {
		return nil, err
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	return &QUICTransport{conn: conn}, nil
}

func (t *QUICTransport) Send(_ context.Context, b []byte) error {
	return t.conn.SendDatagram(b)
}

func (t *QUICTransport) Receive(ctx context.Context, maxSize int) ([]byte, error) {
	for {
		b, err := t.conn.ReceiveDatagram(ctx)
		if err != nil {
			return nil, err
		}
		if len(b) <= maxSize {
			return b, nil
		}
	}
}

func (t *QUICTransport) Close() error {
	return t.conn.CloseWithError(0, "")
}

type quicPacket struct {
	b    []byte
	addr net.Addr
}

// QUICListener accepts QUIC connections and presents their datagrams as a
// single PacketConn keyed by remote address.
type QUICListener struct {
	ln     *quic.Listener
	log    zerolog.Logger
	in     chan quicPacket
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[string]*quic.Conn
}

func ListenQUIC(addr string, log zerolog.Logger) (*QUICListener, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &QUICListener{
		ln:     ln,
		log:    log,
		in:     make(chan quicPacket, 256),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[string]*quic.Conn),
	}
	go l.acceptLoop()
	return l, nil
}

func (l *QUICListener) acceptLoop() {
	for {
		conn, err := l.ln.Accept(l.ctx)
		if err != nil {
			if l.ctx.Err() == nil {
				l.log.Warn().Err(err).Msg("quic accept error")
			}
			return
		}
		key := conn.RemoteAddr().String()
		l.mu.Lock()
		l.conns[key] = conn
		l.mu.Unlock()
		l.log.Debug().Str("remote", key).Msg("quic connection accepted")
		go l.readLoop(conn, key)
	}
}

func (l *QUICListener) readLoop(conn *quic.Conn, key string) {
	defer func() {
		l.mu.Lock()
		if l.conns[key] == conn {
			delete(l.conns, key)
		}
		l.mu.Unlock()
	}()
	for {
		b, err := conn.ReceiveDatagram(l.ctx)
		if err != nil {
			l.log.Debug().Err(err).Str("remote", key).Msg("quic connection closed")
			return
		}
		select {
		case l.in <- quicPacket{b: b, addr: conn.RemoteAddr()}:
		case <-l.ctx.Done():
			return
		default:
			l.log.Debug().Str("remote", key).Msg("quic receive queue full, datagram dropped")
		}
	}
}

func (l *QUICListener) ReadFrom(ctx context.Context, maxSize int) ([]byte, net.Addr, error) {
	for {
		select {
		case p := <-l.in:
			if len(p.b) > maxSize {
				continue
			}
			return p.b, p.addr, nil
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-l.ctx.Done():
			return nil, nil, ErrClosed
		}
	}
}

func (l *QUICListener) WriteTo(_ context.Context, b []byte, addr net.Addr) error {
	l.mu.Lock()
	conn, ok := l.conns[addr.String()]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("no quic connection for %s", addr)
	}
	return conn.SendDatagram(b)
}

func (l *QUICListener) LocalAddr() net.Addr {
	return l.ln.Addr()
}

func (l *QUICListener) Close() error {
	l.cancel()
	l.mu.Lock()
	for _, c := range l.conns {
		_ = c.CloseWithError(0, "")
	}
	l.mu.Unlock()
	return l.ln.Close()
}
