// Package engine is the controller-side ALNP session: it owns the state
// machine, the pending discovery nonce, the bound stream profile and the
// control sequence counters, and routes every codec and crypto call through
// the state checks.
//
// A Session is not safe for concurrent use; its owner serializes calls.
package engine

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"alnp/internal/crypto"
	"alnp/internal/metrics"
	"alnp/internal/profile"
	"alnp/internal/proto"
	"alnp/internal/session"
)

// ErrSessionMismatch rejects a control envelope addressed to another session.
var ErrSessionMismatch = errors.New("engine: session id mismatch")

type Config struct {
	// SessionID identifies the session; a random id is used when zero.
	SessionID proto.SessionID
	// VerifyingKey is the device's Ed25519 public key.
	VerifyingKey ed25519.PublicKey
	// ControlKey, when set, tags outgoing and verifies incoming control
	// envelopes. It can also be installed later with SetControlKey.
	ControlKey []byte
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

type Session struct {
	id         proto.SessionID
	key        ed25519.PublicKey
	controlKey []byte
	log        zerolog.Logger
	metrics    *metrics.Metrics

	machine *session.Machine
	seq     session.Sequencer

	nonce     *proto.Nonce
	peer      *proto.ReplyPayload
	profile   *profile.Compiled
	jitter    *profile.JitterStrategy
	lastFrame []uint16
}

func New(cfg Config) (*Session, error) {
	if len(cfg.VerifyingKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("engine: verifying key must be %d bytes", ed25519.PublicKeySize)
	}
	if len(cfg.ControlKey) != 0 && len(cfg.ControlKey) != crypto.KeySize {
		return nil, fmt.Errorf("engine: control key must be %d bytes", crypto.KeySize)
	}
	id := cfg.SessionID
	if id == (proto.SessionID{}) {
		id = session.NewID()
	}
	s := &Session{
		id:         id,
		key:        cfg.VerifyingKey,
		controlKey: cfg.ControlKey,
		log:        cfg.Logger.With().Str("session", id.String()).Logger(),
		metrics:    cfg.Metrics,
		machine:    session.NewMachine(),
	}
	s.machine.OnTransition = s.observe
	return s, nil
}

func (s *Session) observe(from, to session.State, ev session.Event) {
	s.log.Debug().Str("from", from.String()).Str("to", to.String()).Str("event", ev.String()).Msg("session transition")
	if s.metrics != nil {
		s.metrics.RecordTransition(metrics.Transition{
			SessionID: s.id.String(),
			From:      from.String(),
			To:        to.String(),
			Event:     ev.String(),
		})
	}
}

func (s *Session) drop(reason string) {
	if s.metrics != nil {
		s.metrics.IncDropByReason(reason)
	}
}

func (s *Session) ID() proto.SessionID {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() session.State {
	return s.machine.State()
}

// Advance applies a lifecycle event directly. Events that carry a profile
// use the profile already bound to the session. Discovery, verification
// and profile binding only happen through BuildDiscoveryRequest,
// VerifyDiscoveryReply and BindProfile, so those events are rejected here.
func (s *Session) Advance(ev session.Event) (session.State, error) {
	switch ev {
	case session.SendDiscovery, session.ReplyVerified, session.VerifyFailed, session.ProfileCompiled:
		return s.State(), invalid(ev.String()+" without its operation", s.State())
	case session.StopStream:
		if err := s.StopStream(); err != nil {
			return s.State(), err
		}
		return s.State(), nil
	}
	return s.machine.AdvanceProfile(ev, s.machine.Profile())
}

// Peer returns the decoded reply payload of a verified device, if the
// payload used the standard layout.
func (s *Session) Peer() (proto.ReplyPayload, bool) {
	if s.peer == nil {
		return proto.ReplyPayload{}, false
	}
	return *s.peer, true
}

// Profile returns the compiled profile bound to the session, if any.
func (s *Session) Profile() (profile.Compiled, bool) {
	if s.profile == nil {
		return profile.Compiled{}, false
	}
	return *s.profile, true
}

func invalid(ev string, st session.State) error {
	return fmt.Errorf("%w: %s in %s", session.ErrInvalidTransition, ev, st)
}

// RandomNonce returns a fresh discovery nonce.
func RandomNonce() (proto.Nonce, error) {
	var n proto.Nonce
	if _, err := rand.Read(n[:]); err != nil {
		return proto.Nonce{}, err
	}
	return n, nil
}

// BuildDiscoveryRequest encodes the discovery challenge and moves the
// session to Handshake. The nonce is held until the reply is verified.
func (s *Session) BuildDiscoveryRequest(nonce proto.Nonce, caps []string) ([]byte, error) {
	if !s.machine.Allowed(session.SendDiscovery) {
		return nil, invalid("discovery", s.State())
	}
	b, err := proto.EncodeDiscoveryRequest(nonce, caps)
	if err != nil {
		return nil, err
	}
	if _, err := s.machine.Advance(session.SendDiscovery); err != nil {
		return nil, err
	}
	held := nonce
	s.nonce = &held
	if s.metrics != nil {
		s.metrics.IncDiscoverySent()
	}
	return b, nil
}

// HandleDiscoveryReply decodes and verifies a reply. A reply that cannot be
// decoded fails the handshake the same way a bad signature does.
func (s *Session) HandleDiscoveryReply(b []byte) ([]byte, error) {
	if s.State() != session.Handshake {
		return nil, invalid("discovery reply", s.State())
	}
	reply, err := proto.DecodeSignedReply(b)
	if err != nil {
		s.failHandshake(err)
		return nil, err
	}
	return s.VerifyDiscoveryReply(reply)
}

// VerifyDiscoveryReply checks reply against the held nonce and the
// device key. Success moves to Authenticated and discards the nonce; any
// failure moves to Failed.
func (s *Session) VerifyDiscoveryReply(reply proto.SignedReply) ([]byte, error) {
	if s.State() != session.Handshake || s.nonce == nil {
		return nil, invalid("discovery reply", s.State())
	}
	payload, err := crypto.VerifyDiscoveryReply(reply, *s.nonce, s.key)
	if err != nil {
		s.failHandshake(err)
		return nil, err
	}
	if _, err := s.machine.Advance(session.ReplyVerified); err != nil {
		return nil, err
	}
	s.nonce = nil
	if p, err := proto.DecodeReplyPayload(payload); err == nil {
		s.peer = &p
		s.log.Info().Str("device", p.DeviceID).Str("model", p.ModelID).Msg("device authenticated")
	} else {
		s.log.Info().Msg("device authenticated")
	}
	if s.metrics != nil {
		s.metrics.IncDiscoveryVerified()
	}
	return payload, nil
}

func (s *Session) failHandshake(err error) {
	s.nonce = nil
	s.log.Warn().Err(err).Msg("discovery reply rejected")
	if s.metrics != nil {
		s.metrics.IncDiscoveryVerifyFail()
	}
	_, _ = s.machine.Advance(session.VerifyFailed)
}

// SetControlKey installs the key used for control envelope tags.
func (s *Session) SetControlKey(key []byte) error {
	if len(key) != crypto.KeySize {
		return fmt.Errorf("engine: control key must be %d bytes", crypto.KeySize)
	}
	s.controlKey = append([]byte(nil), key...)
	return nil
}

// UseSharedSecret derives session keys from a pre-shared secret and the two
// discovery nonces, then installs the control key.
func (s *Session) UseSharedSecret(secret []byte) (crypto.SessionKeys, error) {
	if s.peer == nil {
		return crypto.SessionKeys{}, invalid("key derivation", s.State())
	}
	keys, err := crypto.DeriveSessionKeys(secret, s.peer.ClientNonce, s.peer.ServerNonce)
	if err != nil {
		return crypto.SessionKeys{}, err
	}
	if err := s.SetControlKey(keys.Control); err != nil {
		return crypto.SessionKeys{}, err
	}
	return keys, nil
}

// Close ends the session from any live state.
func (s *Session) Close() error {
	_, err := s.machine.Advance(session.Close)
	return err
}

// TransportClosed records loss of the transport.
func (s *Session) TransportClosed() error {
	if s.State() == session.Streaming {
		_, err := s.machine.Advance(session.TransportClosed)
		return err
	}
	return s.Close()
}

// Abandon fails the session after an unrecoverable error.
func (s *Session) Abandon(cause error) error {
	s.log.Error().Err(cause).Msg("session abandoned")
	_, err := s.machine.Advance(session.Fail)
	return err
}
