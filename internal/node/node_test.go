package node

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alnp/internal/crypto"
	"alnp/internal/metrics"
	"alnp/internal/proto"
	"alnp/internal/session"
	"alnp/internal/store"
	"alnp/internal/testutil"
)

type sent struct {
	b    []byte
	addr net.Addr
}

type recordConn struct {
	mu  sync.Mutex
	out []sent
}

func (c *recordConn) ReadFrom(ctx context.Context, _ int) ([]byte, net.Addr, error) {
	<-ctx.Done()
	return nil, nil, ctx.Err()
}

func (c *recordConn) WriteTo(_ context.Context, b []byte, addr net.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, sent{b: append([]byte(nil), b...), addr: addr})
	return nil
}

func (c *recordConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6455}
}
func (c *recordConn) Close() error { return nil }

func (c *recordConn) last(t *testing.T) (proto.Kind, []byte) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.out)
	k, body, err := proto.OpenDatagram(c.out[len(c.out)-1].b)
	require.NoError(t, err)
	return k, body
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func udpAddr(port int) net.Addr {
	return &net.UDPAddr{IP: net.IPv4(10, 0, 0, 9), Port: port}
}

type fixture struct {
	node  *Node
	conn  *recordConn
	clock *clock
	opts  Options
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	_, priv := testutil.Keypair(t, "node-test")
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts := Options{
		SigningKey: priv,
		Identity: Identity{
			DeviceID:       "fixture-1",
			ManufacturerID: "alnp-labs",
			ModelID:        "dimmer-512",
			FirmwareRev:    "1.4.0",
		},
		Capabilities:   []string{"alnp.stream.v1"},
		MaxChannels:    512,
		SessionTimeout: time.Second,
		Logger:         testutil.Logger(t),
		Metrics:        metrics.New(),
		Now:            clk.now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	n, err := New(opts)
	require.NoError(t, err)
	return &fixture{node: n, conn: &recordConn{}, clock: clk, opts: opts}
}

func (f *fixture) handle(t *testing.T, k proto.Kind, body []byte, addr net.Addr) error {
	t.Helper()
	b, err := proto.SealDatagram(k, body)
	require.NoError(t, err)
	return f.node.Handle(context.Background(), f.conn, b, addr)
}

func (f *fixture) discover(t *testing.T, addr net.Addr) proto.ReplyPayload {
	t.Helper()
	var nonce proto.Nonce
	nonce[0] = 0x42
	req, err := proto.EncodeDiscoveryRequest(nonce, []string{"alnp.control.v1"})
	require.NoError(t, err)
	require.NoError(t, f.handle(t, proto.KindDiscoveryRequest, req, addr))

	k, body := f.conn.last(t)
	require.Equal(t, proto.KindDiscoveryReply, k)
	reply, err := proto.DecodeSignedReply(body)
	require.NoError(t, err)
	payload, err := crypto.VerifyDiscoveryReply(reply, nonce, f.node.VerifyingKey())
	require.NoError(t, err)
	p, err := proto.DecodeReplyPayload(payload)
	require.NoError(t, err)
	return p
}

func control(t *testing.T, id proto.SessionID, seq uint64, payload []byte, key []byte) []byte {
	t.Helper()
	var tag []byte
	if key != nil {
		var err error
		tag, err = crypto.ControlTag(key, id, seq, payload)
		require.NoError(t, err)
	}
	b, err := proto.EncodeControl(id, seq, payload, tag)
	require.NoError(t, err)
	return b
}

func TestDiscoveryReplyIsSigned(t *testing.T) {
	f := newFixture(t, nil)
	p := f.discover(t, udpAddr(4000))

	assert.Equal(t, "fixture-1", p.DeviceID)
	assert.Equal(t, "dimmer-512", p.ModelID)
	assert.Equal(t, []proto.SampleFormat{proto.FormatU8, proto.FormatU16}, p.ChannelFormats)
	assert.EqualValues(t, 512, p.MaxChannels)
	assert.NotEqual(t, proto.Nonce{}, p.ServerNonce)
	assert.EqualValues(t, 1, f.node.Metrics().Snapshot().Discovery.Answered)
}

func TestControlOpensSessionAfterDiscovery(t *testing.T) {
	f := newFixture(t, nil)
	addr := udpAddr(4001)
	id := session.NewID()

	err := f.handle(t, proto.KindControl, control(t, id, 1, []byte("on"), nil), addr)
	require.ErrorIs(t, err, ErrUnknownSession)

	f.discover(t, addr)
	require.NoError(t, f.handle(t, proto.KindControl, control(t, id, 1, []byte("on"), nil), addr))
	require.NoError(t, f.handle(t, proto.KindControl, control(t, id, 2, []byte("off"), nil), addr))

	err = f.handle(t, proto.KindControl, control(t, id, 2, []byte("off"), nil), addr)
	require.ErrorIs(t, err, session.ErrStaleSequence)

	infos := f.node.SessionInfos()
	require.Len(t, infos, 1)
	assert.EqualValues(t, 2, infos[0].Controls)
	assert.EqualValues(t, 2, infos[0].LastSequence)
	snap := f.node.Metrics().Snapshot()
	assert.EqualValues(t, 1, snap.ActiveSessions)
	assert.EqualValues(t, 1, snap.DropByReason[metrics.DropUnknownSession])
	assert.EqualValues(t, 1, snap.DropByReason[metrics.DropStaleSequence])
}

func TestSessionBoundToPeerAddress(t *testing.T) {
	f := newFixture(t, nil)
	id := session.NewID()
	f.discover(t, udpAddr(4002))
	require.NoError(t, f.handle(t, proto.KindKeepalive, proto.EncodeKeepalive(proto.Keepalive{SessionID: id, TickMS: 5}), udpAddr(4002)))

	err := f.handle(t, proto.KindControl, control(t, id, 1, nil, nil), udpAddr(4003))
	require.ErrorIs(t, err, ErrPeerMismatch)
}

func TestSharedSecretRequiresTags(t *testing.T) {
	secret := []byte("shared secret for the fixture")
	f := newFixture(t, func(o *Options) { o.SharedSecret = secret })
	addr := udpAddr(4004)
	id := session.NewID()
	p := f.discover(t, addr)

	err := f.handle(t, proto.KindControl, control(t, id, 1, []byte("x"), nil), addr)
	require.ErrorIs(t, err, crypto.ErrBadTag)
	assert.Equal(t, 0, f.node.Sessions.Len())

	keys, err := crypto.DeriveSessionKeys(secret, p.ClientNonce, p.ServerNonce)
	require.NoError(t, err)
	require.NoError(t, f.handle(t, proto.KindControl, control(t, id, 1, []byte("x"), keys.Control), addr))

	wrong := make([]byte, crypto.KeySize)
	err = f.handle(t, proto.KindControl, control(t, id, 2, []byte("x"), wrong), addr)
	require.ErrorIs(t, err, crypto.ErrBadTag)
}

func TestSharedSecretForgedControlKeepsDiscoveryPending(t *testing.T) {
	secret := []byte("shared secret for the fixture")
	f := newFixture(t, func(o *Options) { o.SharedSecret = secret })
	addr := udpAddr(4008)
	p := f.discover(t, addr)
	keys, err := crypto.DeriveSessionKeys(secret, p.ClientNonce, p.ServerNonce)
	require.NoError(t, err)

	forged := session.NewID()
	require.ErrorIs(t, f.handle(t, proto.KindControl, control(t, forged, 1, []byte("x"), nil), addr), crypto.ErrBadTag)
	require.ErrorIs(t, f.handle(t, proto.KindControl, control(t, forged, 1, []byte("x"), make([]byte, crypto.KeySize)), addr), crypto.ErrBadTag)
	require.ErrorIs(t, f.handle(t, proto.KindKeepalive, proto.EncodeKeepalive(proto.Keepalive{SessionID: forged}), addr), ErrUnknownSession)
	frame, err := proto.EncodeStreamFrame(proto.FormatU8, []uint16{1}, 0)
	require.NoError(t, err)
	require.ErrorIs(t, f.handle(t, proto.KindFrame, proto.EncodeFrameBody(forged, frame), addr), ErrUnknownSession)
	assert.Equal(t, 0, f.node.Sessions.Len())

	genuine := session.NewID()
	require.NoError(t, f.handle(t, proto.KindControl, control(t, genuine, 1, nil, keys.Control), addr))
	require.NoError(t, f.handle(t, proto.KindKeepalive, proto.EncodeKeepalive(proto.Keepalive{SessionID: genuine}), addr))
	require.NoError(t, f.handle(t, proto.KindFrame, proto.EncodeFrameBody(genuine, frame), addr))
	infos := f.node.SessionInfos()
	require.Len(t, infos, 1)
	assert.Equal(t, genuine.String(), infos[0].ID)
	assert.EqualValues(t, 1, infos[0].Frames)
	assert.EqualValues(t, 2, f.node.Metrics().Snapshot().DropByReason[metrics.DropBadTag])
}

func TestEmptyControlSkipsHandler(t *testing.T) {
	calls := 0
	f := newFixture(t, func(o *Options) {
		o.OnControl = func(_ proto.SessionID, payload []byte) []byte {
			calls++
			return payload
		}
	})
	addr := udpAddr(4009)
	id := session.NewID()
	f.discover(t, addr)
	require.NoError(t, f.handle(t, proto.KindControl, control(t, id, 1, nil, nil), addr))
	assert.Equal(t, 0, calls)
	require.NoError(t, f.handle(t, proto.KindControl, control(t, id, 2, []byte("on"), nil), addr))
	assert.Equal(t, 1, calls)
}

func TestControlHandlerReplies(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.OnControl = func(_ proto.SessionID, payload []byte) []byte {
			return append([]byte("ack:"), payload...)
		}
	})
	addr := udpAddr(4005)
	id := session.NewID()
	f.discover(t, addr)
	require.NoError(t, f.handle(t, proto.KindControl, control(t, id, 7, []byte("go"), nil), addr))

	k, body := f.conn.last(t)
	require.Equal(t, proto.KindControl, k)
	env, err := proto.DecodeControl(body)
	require.NoError(t, err)
	assert.Equal(t, id, env.SessionID)
	assert.EqualValues(t, 1, env.Sequence)
	assert.Equal(t, []byte("ack:go"), env.Payload)
}

func TestFrameIntake(t *testing.T) {
	var got []proto.StreamFrame
	f := newFixture(t, func(o *Options) {
		o.ChannelFormats = []proto.SampleFormat{proto.FormatU16}
		o.MaxChannels = 4
		o.OnFrame = func(_ proto.SessionID, fr proto.StreamFrame) { got = append(got, fr) }
	})
	addr := udpAddr(4006)
	id := session.NewID()
	f.discover(t, addr)

	frame := func(format proto.SampleFormat, ch []uint16) []byte {
		b, err := proto.EncodeStreamFrame(format, ch, 3)
		require.NoError(t, err)
		return proto.EncodeFrameBody(id, b)
	}
	require.NoError(t, f.handle(t, proto.KindFrame, frame(proto.FormatU16, []uint16{1, 2, 3}), addr))
	require.ErrorIs(t, f.handle(t, proto.KindFrame, frame(proto.FormatU8, []uint16{1}), addr), ErrUnsupported)
	require.ErrorIs(t, f.handle(t, proto.KindFrame, frame(proto.FormatU16, make([]uint16, 5)), addr), ErrUnsupported)

	require.Len(t, got, 1)
	assert.Equal(t, []uint16{1, 2, 3}, got[0].Channels)
	st, ok := f.node.Sessions.Get(id)
	require.True(t, ok)
	last, ok := st.LastFrame()
	require.True(t, ok)
	assert.EqualValues(t, 3, last.Priority)
}

func TestSessionLimitPerIP(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.MaxSessionsPerIP = 1 })
	f.discover(t, udpAddr(5000))
	ka := func(id proto.SessionID) []byte {
		return proto.EncodeKeepalive(proto.Keepalive{SessionID: id})
	}
	require.NoError(t, f.handle(t, proto.KindKeepalive, ka(session.NewID()), udpAddr(5000)))

	f.discover(t, udpAddr(5001))
	err := f.handle(t, proto.KindKeepalive, ka(session.NewID()), udpAddr(5001))
	require.ErrorIs(t, err, ErrSessionLimit)
	assert.Equal(t, 1, f.node.Sessions.Len())
}

func TestDiscoveryRateLimited(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.DiscoveryRate = 2 })
	var nonce proto.Nonce
	req, err := proto.EncodeDiscoveryRequest(nonce, nil)
	require.NoError(t, err)
	require.NoError(t, f.handle(t, proto.KindDiscoveryRequest, req, udpAddr(6000)))
	require.NoError(t, f.handle(t, proto.KindDiscoveryRequest, req, udpAddr(6001)))
	require.Error(t, f.handle(t, proto.KindDiscoveryRequest, req, udpAddr(6002)))

	snap := f.node.Metrics().Snapshot()
	assert.EqualValues(t, 2, snap.Discovery.Answered)
	assert.EqualValues(t, 1, snap.DropByReason[metrics.DropRate])
}

func TestExpireWritesSessionRecord(t *testing.T) {
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	f := newFixture(t, func(o *Options) { o.Store = st })
	addr := udpAddr(4007)
	id := session.NewID()
	f.discover(t, addr)
	require.NoError(t, f.handle(t, proto.KindControl, control(t, id, 1, nil, nil), addr))

	f.clock.t = f.clock.t.Add(500 * time.Millisecond)
	assert.Equal(t, 0, f.node.Expire())
	f.clock.t = f.clock.t.Add(2 * time.Second)
	assert.Equal(t, 1, f.node.Expire())
	assert.Equal(t, 0, f.node.Sessions.Len())

	recs, err := st.RecentSessions(10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, id.String(), recs[0].SessionID)
	assert.Equal(t, "timeout", recs[0].EndReason)
	assert.EqualValues(t, 1, recs[0].Controls)
	assert.EqualValues(t, 0, f.node.Metrics().Snapshot().ActiveSessions)
}

func TestHandleRejectsUndecodable(t *testing.T) {
	f := newFixture(t, nil)
	err := f.node.Handle(context.Background(), f.conn, []byte{0x7f, 1, 2}, udpAddr(1))
	require.Error(t, err)
	assert.True(t, proto.IsDecodeError(err))

	err = f.handle(t, proto.KindDiscoveryReply, []byte{1, 2, 3, 4}, udpAddr(1))
	require.Error(t, err)
}

func TestServeStopsOnCancel(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.node.Serve(ctx, f.conn) }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestNewRequiresSigningKey(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}
