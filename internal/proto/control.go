package proto

import (
	"encoding/binary"
	"fmt"
)

// ControlEnvelope carries an ordered, optionally authenticated control
// payload for one session.
type ControlEnvelope struct {
	SessionID SessionID
	Sequence  uint64
	Payload   []byte
	// Tag is empty or exactly TagSize bytes.
	Tag []byte
}

const controlHeaderSize = SessionIDSize + 8 + 4

// MaxControlPayload keeps a tagged envelope inside one datagram.
const MaxControlPayload = MaxDatagramSize - 1 - controlHeaderSize - TagSize

// EncodeControl lays out session_id(16) | seq u64 | payload_len u32 |
// payload | tag.
func EncodeControl(sessionID SessionID, seq uint64, payload, tag []byte) ([]byte, error) {
	if len(payload) > MaxControlPayload {
		return nil, fmt.Errorf("%w: control payload %d bytes", ErrEncoding, len(payload))
	}
	if len(tag) != 0 && len(tag) != TagSize {
		return nil, fmt.Errorf("%w: tag must be %d bytes, got %d", ErrEncoding, TagSize, len(tag))
	}
	out := make([]byte, 0, controlHeaderSize+len(payload)+len(tag))
	out = append(out, sessionID[:]...)
	out = binary.LittleEndian.AppendUint64(out, seq)
	out = appendU32(out, uint32(len(payload)))
	out = append(out, payload...)
	out = append(out, tag...)
	return out, nil
}

func DecodeControl(b []byte) (ControlEnvelope, error) {
	r := newReader(b)
	var env ControlEnvelope
	raw, err := r.take(SessionIDSize, "session id")
	if err != nil {
		return ControlEnvelope{}, err
	}
	copy(env.SessionID[:], raw)
	if env.Sequence, err = r.u64("sequence"); err != nil {
		return ControlEnvelope{}, err
	}
	if env.Payload, err = r.bytes(0, "payload"); err != nil {
		return ControlEnvelope{}, err
	}
	switch rest := r.remaining(); {
	case rest == 0:
	case rest < TagSize:
		return ControlEnvelope{}, fmt.Errorf("%w: tag", ErrTruncated)
	case rest > TagSize:
		return ControlEnvelope{}, fmt.Errorf("%w: %d trailing bytes after tag", ErrMalformed, rest-TagSize)
	default:
		tag, _ := r.take(TagSize, "tag")
		env.Tag = append([]byte(nil), tag...)
	}
	return env, nil
}

// SignedBytes returns the bytes a control tag authenticates.
func (e ControlEnvelope) SignedBytes() []byte {
	out, _ := EncodeControl(e.SessionID, e.Sequence, e.Payload, nil)
	return out
}
