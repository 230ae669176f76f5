package engine

import (
	"fmt"

	"alnp/internal/crypto"
	"alnp/internal/metrics"
	"alnp/internal/proto"
)

// EncodeControl wraps payload in the session's next control envelope,
// tagged when a control key is installed.
func (s *Session) EncodeControl(payload []byte) ([]byte, error) {
	if !s.State().CanSend() {
		return nil, invalid("control", s.State())
	}
	if len(payload) > proto.MaxControlPayload {
		return nil, fmt.Errorf("%w: control payload %d bytes", proto.ErrEncoding, len(payload))
	}
	seq, err := s.seq.NextSend()
	if err != nil {
		return nil, err
	}
	var tag []byte
	if s.controlKey != nil {
		if tag, err = crypto.ControlTag(s.controlKey, s.id, seq, payload); err != nil {
			return nil, err
		}
	}
	b, err := proto.EncodeControl(s.id, seq, payload, tag)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.IncControlSent()
	}
	return b, nil
}

// DecodeControl decodes and admits an incoming control envelope. Rejected
// envelopes leave the session state and sequence tracking untouched.
func (s *Session) DecodeControl(b []byte) (proto.ControlEnvelope, error) {
	if !s.State().CanSend() {
		return proto.ControlEnvelope{}, invalid("control", s.State())
	}
	env, err := proto.DecodeControl(b)
	if err != nil {
		s.drop(metrics.DropDecode)
		return proto.ControlEnvelope{}, err
	}
	if env.SessionID != s.id {
		s.drop(metrics.DropSessionMismatch)
		return proto.ControlEnvelope{}, fmt.Errorf("%w: got %s", ErrSessionMismatch, env.SessionID)
	}
	if s.controlKey != nil {
		if err := crypto.VerifyControlTag(s.controlKey, env); err != nil {
			s.drop(metrics.DropBadTag)
			return proto.ControlEnvelope{}, err
		}
	}
	if err := s.seq.AcceptRecv(env.Sequence); err != nil {
		s.drop(metrics.DropStaleSequence)
		return proto.ControlEnvelope{}, err
	}
	if s.metrics != nil {
		s.metrics.IncControlAccepted()
	}
	return env, nil
}

// LastControlSequence returns the last accepted incoming sequence.
func (s *Session) LastControlSequence() (uint64, bool) {
	return s.seq.LastRecv()
}
