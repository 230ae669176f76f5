// Package client is the controller side of ALNP over a datagram transport.
// It drives an engine.Session through discovery, control and streaming and
// keeps the session alive while streaming.
package client

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"alnp/internal/engine"
	"alnp/internal/metrics"
	"alnp/internal/network"
	"alnp/internal/profile"
	"alnp/internal/proto"
	"alnp/internal/session"
	"alnp/internal/store"
)

const DefaultKeepaliveInterval = 5 * time.Second

type Options struct {
	Transport    network.Transport
	VerifyingKey ed25519.PublicKey
	// SharedSecret, when set, keys control envelope tags after discovery.
	SharedSecret      []byte
	Capabilities      []string
	KeepaliveInterval time.Duration
	// Remote labels the device in stored records.
	Remote  string
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Store   *store.Store
}

type Client struct {
	mu        sync.Mutex
	sess      *engine.Session
	tr        network.Transport
	opts      Options
	log       zerolog.Logger
	metrics   *metrics.Metrics
	started   time.Time
	closeOnce sync.Once
}

func New(opts Options) (*Client, error) {
	if opts.Transport == nil {
		return nil, errors.New("client: transport required")
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = DefaultKeepaliveInterval
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	log := opts.Logger.With().Str("component", "client").Logger()
	sess, err := engine.New(engine.Config{
		VerifyingKey: opts.VerifyingKey,
		Logger:       log,
		Metrics:      m,
	})
	if err != nil {
		return nil, err
	}
	return &Client{
		sess:    sess,
		tr:      opts.Transport,
		opts:    opts,
		log:     log,
		metrics: m,
		started: time.Now(),
	}, nil
}

func (c *Client) SessionID() proto.SessionID {
	return c.sess.ID()
}

func (c *Client) State() session.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.State()
}

func (c *Client) Metrics() *metrics.Metrics {
	return c.metrics
}

// Discover sends a discovery request and waits for a verified reply. The
// wait is bounded by ctx; on expiry the session fails. Datagrams of other
// kinds are ignored while waiting.
func (c *Client) Discover(ctx context.Context) (proto.ReplyPayload, error) {
	nonce, err := engine.RandomNonce()
	if err != nil {
		return proto.ReplyPayload{}, err
	}
	c.mu.Lock()
	req, err := c.sess.BuildDiscoveryRequest(nonce, c.opts.Capabilities)
	c.mu.Unlock()
	if err != nil {
		return proto.ReplyPayload{}, err
	}
	if err := c.send(ctx, proto.KindDiscoveryRequest, req); err != nil {
		c.abandon(err)
		return proto.ReplyPayload{}, err
	}
	body, err := c.await(ctx, proto.KindDiscoveryReply)
	if err != nil {
		c.abandon(err)
		return proto.ReplyPayload{}, fmt.Errorf("client: discovery: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.sess.HandleDiscoveryReply(body); err != nil {
		return proto.ReplyPayload{}, err
	}
	if len(c.opts.SharedSecret) > 0 {
		if err := c.openTagged(ctx); err != nil {
			_ = c.sess.Abandon(err)
			return proto.ReplyPayload{}, err
		}
	}
	peer, _ := c.sess.Peer()
	if c.opts.Store != nil {
		rec := store.DeviceRecord{
			DeviceID:     peer.DeviceID,
			Addr:         c.opts.Remote,
			Manufacturer: peer.ManufacturerID,
			Model:        peer.ModelID,
			Firmware:     peer.FirmwareRev,
			Capabilities: peer.Capabilities,
			VerifiedAt:   time.Now().UTC(),
		}
		if err := c.opts.Store.AddDevice(rec); err != nil {
			c.log.Warn().Err(err).Msg("device record not saved")
		}
	}
	return peer, nil
}

// openTagged installs the PSK control key and sends an empty tagged control
// envelope, which a device keyed with the same secret needs before it
// accepts frames or keepalives. Callers hold c.mu.
func (c *Client) openTagged(ctx context.Context) error {
	if _, err := c.sess.UseSharedSecret(c.opts.SharedSecret); err != nil {
		return err
	}
	b, err := c.sess.EncodeControl(nil)
	if err != nil {
		return err
	}
	return c.send(ctx, proto.KindControl, b)
}

func (c *Client) abandon(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sess.State().Terminal() {
		_ = c.sess.Abandon(err)
	}
}

// SendControl sends payload in the session's next control envelope.
func (c *Client) SendControl(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	b, err := c.sess.EncodeControl(payload)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.send(ctx, proto.KindControl, b)
}

// ReceiveControl waits for the next control envelope the session accepts.
// Rejected envelopes are skipped.
func (c *Client) ReceiveControl(ctx context.Context) (proto.ControlEnvelope, error) {
	for {
		body, err := c.await(ctx, proto.KindControl)
		if err != nil {
			return proto.ControlEnvelope{}, err
		}
		c.mu.Lock()
		env, err := c.sess.DecodeControl(body)
		c.mu.Unlock()
		if err == nil {
			return env, nil
		}
		if errors.Is(err, session.ErrInvalidTransition) {
			return proto.ControlEnvelope{}, err
		}
		c.log.Debug().Err(err).Msg("control dropped")
	}
}

// StartStream binds p (if needed) and starts streaming. The compiled
// profile is cached in the store by config id.
func (c *Client) StartStream(p profile.Profile) (profile.Compiled, error) {
	c.mu.Lock()
	compiled, err := c.sess.StartStream(p)
	c.mu.Unlock()
	if err != nil {
		return profile.Compiled{}, err
	}
	if c.opts.Store != nil {
		if err := c.opts.Store.AddProfileIfNew(compiled); err != nil {
			c.log.Warn().Err(err).Msg("profile not cached")
		}
	}
	return compiled, nil
}

func (c *Client) StopStream() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.StopStream()
}

// SendFrame encodes channels with the bound profile's jitter strategy and
// sends them tagged with the session id.
func (c *Client) SendFrame(ctx context.Context, format proto.SampleFormat, channels []uint16, priority uint8) error {
	c.mu.Lock()
	b, err := c.sess.EncodeStreamFrame(format, channels, priority)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.send(ctx, proto.KindFrame, proto.EncodeFrameBody(c.sess.ID(), b))
}

// SendKeepalive sends one keepalive carrying the milliseconds since the
// client was created.
func (c *Client) SendKeepalive(ctx context.Context) error {
	if !c.State().CanSend() {
		return fmt.Errorf("%w: keepalive in %s", session.ErrInvalidTransition, c.State())
	}
	k := proto.Keepalive{
		SessionID: c.sess.ID(),
		TickMS:    uint64(time.Since(c.started).Milliseconds()),
	}
	return c.send(ctx, proto.KindKeepalive, proto.EncodeKeepalive(k))
}

// RunKeepalive sends keepalives every interval until ctx is cancelled or
// the session ends. Send errors are logged and retried on the next tick.
func (c *Client) RunKeepalive(ctx context.Context) error {
	t := time.NewTicker(c.opts.KeepaliveInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if c.State().Terminal() {
				return nil
			}
			if err := c.SendKeepalive(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if errors.Is(err, network.ErrClosed) {
					return err
				}
				c.log.Debug().Err(err).Msg("keepalive not sent")
			}
		}
	}
}

// Close ends the session and closes the transport.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if !c.sess.State().Terminal() {
			err = c.sess.Close()
		}
		c.mu.Unlock()
		if cerr := c.tr.Close(); err == nil {
			err = cerr
		}
	})
	return err
}

func (c *Client) send(ctx context.Context, k proto.Kind, body []byte) error {
	b, err := proto.SealDatagram(k, body)
	if err != nil {
		return err
	}
	return c.tr.Send(ctx, b)
}

// await returns the body of the next datagram of kind k.
func (c *Client) await(ctx context.Context, k proto.Kind) ([]byte, error) {
	for {
		b, err := c.tr.Receive(ctx, proto.MaxDatagramSize)
		if err != nil {
			return nil, err
		}
		got, body, err := proto.OpenDatagram(b)
		if err != nil {
			c.metrics.IncDropByReason(metrics.DropDecode)
			continue
		}
		c.metrics.IncRecvByKind(got.String())
		if got == k {
			return body, nil
		}
		c.metrics.IncDropByReason(metrics.DropInvalidState)
	}
}
