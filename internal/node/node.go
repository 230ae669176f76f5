// Package node is the device side of ALNP: it answers discovery requests
// with signed replies and tracks the controller sessions that follow.
package node

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"alnp/internal/crypto"
	"alnp/internal/debuglog"
	"alnp/internal/metrics"
	"alnp/internal/network"
	"alnp/internal/proto"
	"alnp/internal/store"
)

var (
	ErrUnknownSession = errors.New("node: unknown session")
	ErrPeerMismatch   = errors.New("node: session used from another address")
	ErrSessionLimit   = errors.New("node: too many sessions from peer")
	ErrUnsupported    = errors.New("node: unsupported stream frame")
)

const (
	DefaultSessionTimeout = 30 * time.Second
	// pendingTTL bounds how long an answered discovery may wait for the
	// controller's first session message.
	pendingTTL = 30 * time.Second
)

type Identity struct {
	DeviceID       string
	ManufacturerID string
	ModelID        string
	HardwareRev    string
	FirmwareRev    string
	MAC            string
}

// ControlHandler receives accepted control payloads. A non-nil return is
// sent back to the controller as a control envelope on the same session.
type ControlHandler func(id proto.SessionID, payload []byte) []byte

// FrameHandler receives accepted stream frames.
type FrameHandler func(id proto.SessionID, f proto.StreamFrame)

type Options struct {
	SigningKey     ed25519.PrivateKey
	Identity       Identity
	Capabilities   []string
	ChannelFormats []proto.SampleFormat
	MaxChannels    uint32
	// SharedSecret, when set, requires tagged control envelopes keyed from
	// the discovery nonces. Sessions then open only on a control whose tag
	// verifies.
	SharedSecret     []byte
	MaxSessionsPerIP int
	// DiscoveryRate caps discovery replies per source IP per second.
	DiscoveryRate  int
	SessionTimeout time.Duration
	OnControl      ControlHandler
	OnFrame        FrameHandler
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
	// Store, when set, receives a record for every ended session.
	Store *store.Store
	// Now overrides the clock in tests.
	Now func() time.Time
}

type Node struct {
	opts     Options
	log      zerolog.Logger
	metrics  *metrics.Metrics
	limiter  *network.Limiter
	replies  *network.RateLimiter
	Sessions *SessionStore
	now      func() time.Time
}

func New(opts Options) (*Node, error) {
	if len(opts.SigningKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("node: signing key must be %d bytes", ed25519.PrivateKeySize)
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = DefaultSessionTimeout
	}
	if len(opts.ChannelFormats) == 0 {
		opts.ChannelFormats = []proto.SampleFormat{proto.FormatU8, proto.FormatU16}
	}
	if opts.MaxChannels == 0 || opts.MaxChannels > proto.MaxChannels {
		opts.MaxChannels = proto.MaxChannels
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Node{
		opts:     opts,
		log:      opts.Logger.With().Str("component", "node").Logger(),
		metrics:  m,
		limiter:  network.NewLimiter(opts.MaxSessionsPerIP),
		replies:  network.NewRateLimiter(opts.DiscoveryRate, time.Second),
		Sessions: NewSessionStore(),
		now:      now,
	}, nil
}

func (n *Node) Metrics() *metrics.Metrics {
	return n.metrics
}

// VerifyingKey is the public half of the signing key, for provisioning
// controllers.
func (n *Node) VerifyingKey() ed25519.PublicKey {
	return n.opts.SigningKey.Public().(ed25519.PublicKey)
}

// Serve reads datagrams from conn until ctx is cancelled or conn is closed.
// Idle sessions are expired on a timer while serving.
func (n *Node) Serve(ctx context.Context, conn network.PacketConn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go n.expireLoop(ctx)
	n.log.Info().Str("addr", conn.LocalAddr().String()).Msg("serving")
	for {
		b, addr, err := conn.ReadFrom(ctx, proto.MaxDatagramSize)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, network.ErrClosed) || errors.Is(err, net.ErrClosed) {
				n.Shutdown("shutdown")
				return nil
			}
			return err
		}
		if err := n.Handle(ctx, conn, b, addr); err != nil {
			debuglog.RateLimitedf(n.log, "node-drop:"+addr.String(), time.Second, "dropped datagram from %s: %v", addr, err)
		}
	}
}

func (n *Node) expireLoop(ctx context.Context) {
	interval := n.opts.SessionTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.Expire()
		}
	}
}

// Handle processes one datagram from addr, writing any reply to conn.
func (n *Node) Handle(ctx context.Context, conn network.PacketConn, b []byte, addr net.Addr) error {
	kind, body, err := proto.OpenDatagram(b)
	if err != nil {
		n.metrics.IncDropByReason(metrics.DropDecode)
		return err
	}
	n.metrics.IncRecvByKind(kind.String())
	switch kind {
	case proto.KindDiscoveryRequest:
		return n.handleDiscovery(ctx, conn, body, addr)
	case proto.KindControl:
		return n.handleControl(ctx, conn, body, addr)
	case proto.KindFrame:
		return n.handleFrame(body, addr)
	case proto.KindKeepalive:
		return n.handleKeepalive(body, addr)
	default:
		n.metrics.IncDropByReason(metrics.DropInvalidState)
		return fmt.Errorf("node: unexpected %s datagram", kind)
	}
}

func (n *Node) handleDiscovery(ctx context.Context, conn network.PacketConn, body []byte, addr net.Addr) error {
	req, err := proto.DecodeDiscoveryRequest(body)
	if err != nil {
		n.metrics.IncDropByReason(metrics.DropDecode)
		return err
	}
	if !n.replies.Allow(network.HostOf(addr)) {
		n.metrics.IncDropByReason(metrics.DropRate)
		return fmt.Errorf("node: discovery rate exceeded for %s", addr)
	}
	reply, serverNonce, err := n.Answer(req)
	if err != nil {
		return err
	}
	out, err := proto.SealDatagram(proto.KindDiscoveryReply, reply)
	if err != nil {
		return err
	}
	n.Sessions.SetPending(&PendingDiscovery{
		ClientNonce: req.Nonce,
		ServerNonce: serverNonce,
		Addr:        addr,
		At:          n.now(),
	})
	if err := conn.WriteTo(ctx, out, addr); err != nil {
		return err
	}
	n.metrics.IncDiscoveryAnswered()
	n.log.Debug().Str("peer", addr.String()).Strs("caps", req.Capabilities).Msg("discovery answered")
	return nil
}

// Answer builds the signed reply to req and returns it encoded along with
// the fresh server nonce it carries.
func (n *Node) Answer(req proto.DiscoveryRequest) ([]byte, proto.Nonce, error) {
	var serverNonce proto.Nonce
	if _, err := rand.Read(serverNonce[:]); err != nil {
		return nil, proto.Nonce{}, err
	}
	id := n.opts.Identity
	payload, err := proto.EncodeReplyPayload(proto.ReplyPayload{
		ClientNonce:    req.Nonce,
		ServerNonce:    serverNonce,
		DeviceID:       id.DeviceID,
		ManufacturerID: id.ManufacturerID,
		ModelID:        id.ModelID,
		HardwareRev:    id.HardwareRev,
		FirmwareRev:    id.FirmwareRev,
		MAC:            id.MAC,
		Capabilities:   n.opts.Capabilities,
		ChannelFormats: n.opts.ChannelFormats,
		MaxChannels:    n.opts.MaxChannels,
	})
	if err != nil {
		return nil, proto.Nonce{}, err
	}
	signed, err := crypto.SignDiscoveryReply(n.opts.SigningKey, payload)
	if err != nil {
		return nil, proto.Nonce{}, err
	}
	b, err := proto.EncodeSignedReply(signed)
	if err != nil {
		return nil, proto.Nonce{}, err
	}
	return b, serverNonce, nil
}

// lookup returns the live session for id, checking that addr owns it.
func (n *Node) lookup(id proto.SessionID, addr net.Addr) (*SessionState, bool, error) {
	st, ok := n.Sessions.Get(id)
	if !ok {
		return nil, false, nil
	}
	if st.Addr.String() != addr.String() {
		n.metrics.IncDropByReason(metrics.DropSessionMismatch)
		return nil, true, fmt.Errorf("%w: %s", ErrPeerMismatch, id)
	}
	return st, true, nil
}

func (n *Node) pendingFor(id proto.SessionID, addr net.Addr) (*PendingDiscovery, error) {
	p, ok := n.Sessions.PendingFor(addr)
	if !ok {
		n.metrics.IncDropByReason(metrics.DropUnknownSession)
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return p, nil
}

// open turns the pending discovery p into a live session. Callers have
// already authenticated the message that opens it.
func (n *Node) open(id proto.SessionID, addr net.Addr, p *PendingDiscovery, controlKey []byte) (*SessionState, error) {
	ip := network.HostOf(addr)
	if !n.limiter.Acquire(ip) {
		n.metrics.IncDropByReason(metrics.DropRate)
		return nil, fmt.Errorf("%w: %s", ErrSessionLimit, ip)
	}
	if !n.Sessions.ClaimPending(p) {
		n.limiter.Release(ip)
		n.metrics.IncDropByReason(metrics.DropUnknownSession)
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	now := n.now()
	st := &SessionState{
		ID:         id,
		Addr:       addr,
		IP:         ip,
		ControlKey: controlKey,
		StartedAt:  now,
		lastSeen:   now,
	}
	n.Sessions.Set(st)
	n.metrics.SessionOpened()
	n.log.Info().Str("session", id.String()).Str("peer", addr.String()).Msg("session opened")
	return st, nil
}

// sessionFor returns the session a frame or keepalive belongs to. With a
// shared secret only a tagged control can open a session, so these need
// one already open.
func (n *Node) sessionFor(id proto.SessionID, addr net.Addr) (*SessionState, error) {
	st, found, err := n.lookup(id, addr)
	if found || err != nil {
		return st, err
	}
	if len(n.opts.SharedSecret) > 0 {
		n.metrics.IncDropByReason(metrics.DropUnknownSession)
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	p, err := n.pendingFor(id, addr)
	if err != nil {
		return nil, err
	}
	return n.open(id, addr, p, nil)
}

// handleControl opens a session from an answered discovery only after the
// envelope authenticates. An empty payload opens or refreshes the session
// without reaching the control handler.
func (n *Node) handleControl(ctx context.Context, conn network.PacketConn, body []byte, addr net.Addr) error {
	env, err := proto.DecodeControl(body)
	if err != nil {
		n.metrics.IncDropByReason(metrics.DropDecode)
		return err
	}
	st, found, err := n.lookup(env.SessionID, addr)
	if err != nil {
		return err
	}
	if found {
		if st.ControlKey != nil {
			if err := crypto.VerifyControlTag(st.ControlKey, env); err != nil {
				n.metrics.IncDropByReason(metrics.DropBadTag)
				return err
			}
		}
	} else {
		p, err := n.pendingFor(env.SessionID, addr)
		if err != nil {
			return err
		}
		var key []byte
		if len(n.opts.SharedSecret) > 0 {
			keys, err := crypto.DeriveSessionKeys(n.opts.SharedSecret, p.ClientNonce, p.ServerNonce)
			if err != nil {
				return err
			}
			if err := crypto.VerifyControlTag(keys.Control, env); err != nil {
				n.metrics.IncDropByReason(metrics.DropBadTag)
				return err
			}
			key = keys.Control
		}
		if st, err = n.open(env.SessionID, addr, p, key); err != nil {
			return err
		}
	}
	if err := st.AcceptControl(env.Sequence, n.now()); err != nil {
		n.metrics.IncDropByReason(metrics.DropStaleSequence)
		return err
	}
	n.metrics.IncControlAccepted()
	if n.opts.OnControl == nil || len(env.Payload) == 0 {
		return nil
	}
	resp := n.opts.OnControl(env.SessionID, env.Payload)
	if resp == nil {
		return nil
	}
	return n.sendControl(ctx, conn, st, resp)
}

func (n *Node) sendControl(ctx context.Context, conn network.PacketConn, st *SessionState, payload []byte) error {
	st.mu.Lock()
	seq, err := st.seq.NextSend()
	st.mu.Unlock()
	if err != nil {
		return err
	}
	var tag []byte
	if st.ControlKey != nil {
		if tag, err = crypto.ControlTag(st.ControlKey, st.ID, seq, payload); err != nil {
			return err
		}
	}
	env, err := proto.EncodeControl(st.ID, seq, payload, tag)
	if err != nil {
		return err
	}
	out, err := proto.SealDatagram(proto.KindControl, env)
	if err != nil {
		return err
	}
	if err := conn.WriteTo(ctx, out, st.Addr); err != nil {
		return err
	}
	n.metrics.IncControlSent()
	return nil
}

func (n *Node) handleFrame(body []byte, addr net.Addr) error {
	id, raw, err := proto.SplitFrameBody(body)
	if err != nil {
		n.metrics.IncDropByReason(metrics.DropDecode)
		return err
	}
	f, err := proto.DecodeStreamFrame(raw)
	if err != nil {
		n.metrics.IncDropByReason(metrics.DropDecode)
		return err
	}
	st, err := n.sessionFor(id, addr)
	if err != nil {
		return err
	}
	if !slices.Contains(n.opts.ChannelFormats, f.Format) || uint32(len(f.Channels)) > n.opts.MaxChannels {
		n.metrics.IncDropByReason(metrics.DropUnsupported)
		return fmt.Errorf("%w: %s with %d channels", ErrUnsupported, f.Format, len(f.Channels))
	}
	st.recordFrame(f, n.now())
	n.metrics.IncFramesReceived()
	if n.opts.OnFrame != nil {
		n.opts.OnFrame(id, f)
	}
	return nil
}

func (n *Node) handleKeepalive(body []byte, addr net.Addr) error {
	k, err := proto.DecodeKeepalive(body)
	if err != nil {
		n.metrics.IncDropByReason(metrics.DropDecode)
		return err
	}
	st, err := n.sessionFor(k.SessionID, addr)
	if err != nil {
		return err
	}
	st.touch(n.now())
	n.metrics.IncKeepalives()
	return nil
}

// Expire ends sessions idle for longer than the session timeout and drops
// stale pending discoveries. It returns the number of sessions ended.
func (n *Node) Expire() int {
	now := n.now()
	n.Sessions.ExpirePending(now.Add(-pendingTTL))
	ended := 0
	for _, st := range n.Sessions.List() {
		if st.idleSince(now) > n.opts.SessionTimeout {
			if n.end(st.ID, "timeout") {
				ended++
			}
		}
	}
	return ended
}

// Shutdown ends every live session with reason.
func (n *Node) Shutdown(reason string) {
	for _, st := range n.Sessions.List() {
		n.end(st.ID, reason)
	}
}

func (n *Node) end(id proto.SessionID, reason string) bool {
	st, ok := n.Sessions.Delete(id)
	if !ok {
		return false
	}
	n.limiter.Release(st.IP)
	n.metrics.SessionClosed()
	info := st.Info()
	n.log.Info().Str("session", info.ID).Str("reason", reason).
		Uint64("controls", info.Controls).Uint64("frames", info.Frames).
		Msg("session ended")
	if n.opts.Store != nil {
		rec := store.SessionRecord{
			SessionID: info.ID,
			Peer:      info.Peer,
			Controls:  info.Controls,
			Frames:    info.Frames,
			StartedAt: info.StartedAt,
			EndedAt:   n.now(),
			EndReason: reason,
		}
		if err := n.opts.Store.AddSession(rec); err != nil {
			n.log.Warn().Err(err).Msg("session record not saved")
		}
	}
	return true
}

// SessionInfos lists live sessions ordered by start time.
func (n *Node) SessionInfos() []SessionInfo {
	list := n.Sessions.List()
	out := make([]SessionInfo, 0, len(list))
	for _, st := range list {
		out = append(out, st.Info())
	}
	return out
}
