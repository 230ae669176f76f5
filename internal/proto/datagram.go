package proto

import (
	"encoding/binary"
	"fmt"
)

// Kind tags each datagram so a receiver can route it before decoding.
type Kind uint8

const (
	KindDiscoveryRequest Kind = 1
	KindDiscoveryReply   Kind = 2
	KindControl          Kind = 3
	KindFrame            Kind = 4
	KindKeepalive        Kind = 5
)

func (k Kind) String() string {
	switch k {
	case KindDiscoveryRequest:
		return "discovery_request"
	case KindDiscoveryReply:
		return "discovery_reply"
	case KindControl:
		return "control"
	case KindFrame:
		return "frame"
	case KindKeepalive:
		return "keepalive"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// MaxSizeForKind caps the body size accepted for each kind; 0 means unknown.
func MaxSizeForKind(k Kind) int {
	switch k {
	case KindDiscoveryRequest:
		return 16 << 10
	case KindDiscoveryReply:
		return 16 << 10
	case KindControl:
		return MaxDatagramSize - 1
	case KindFrame:
		return SessionIDSize + frameHeaderSize + 2*MaxChannels
	case KindKeepalive:
		return keepaliveSize
	default:
		return 0
	}
}

// SealDatagram prefixes body with its kind byte.
func SealDatagram(k Kind, body []byte) ([]byte, error) {
	max := MaxSizeForKind(k)
	if max == 0 {
		return nil, fmt.Errorf("%w: unknown datagram %s", ErrEncoding, k)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty %s body", ErrEncoding, k)
	}
	if len(body) > max || len(body)+1 > MaxDatagramSize {
		return nil, fmt.Errorf("%w: %s body too large", ErrEncoding, k)
	}
	out := make([]byte, 1+len(body))
	out[0] = byte(k)
	copy(out[1:], body)
	return out, nil
}

// OpenDatagram splits a datagram into its kind and body. The body aliases b.
func OpenDatagram(b []byte) (Kind, []byte, error) {
	if len(b) < 2 {
		return 0, nil, fmt.Errorf("%w: datagram", ErrTruncated)
	}
	k := Kind(b[0])
	max := MaxSizeForKind(k)
	if max == 0 {
		return 0, nil, fmt.Errorf("%w: unknown datagram kind %d", ErrMalformed, b[0])
	}
	if len(b)-1 > max {
		return 0, nil, fmt.Errorf("%w: %s body too large", ErrMalformed, k)
	}
	return k, b[1:], nil
}

// EncodeFrameBody prefixes an encoded stream frame with its session id.
func EncodeFrameBody(sessionID SessionID, frame []byte) []byte {
	out := make([]byte, 0, SessionIDSize+len(frame))
	out = append(out, sessionID[:]...)
	return append(out, frame...)
}

// SplitFrameBody is the inverse of EncodeFrameBody.
func SplitFrameBody(b []byte) (SessionID, []byte, error) {
	var id SessionID
	if len(b) < SessionIDSize {
		return id, nil, fmt.Errorf("%w: frame session id", ErrTruncated)
	}
	copy(id[:], b)
	return id, b[SessionIDSize:], nil
}

// Keepalive tells the peer a session is still alive.
type Keepalive struct {
	SessionID SessionID
	TickMS    uint64
}

const keepaliveSize = SessionIDSize + 8

func EncodeKeepalive(k Keepalive) []byte {
	out := make([]byte, 0, keepaliveSize)
	out = append(out, k.SessionID[:]...)
	return binary.LittleEndian.AppendUint64(out, k.TickMS)
}

func DecodeKeepalive(b []byte) (Keepalive, error) {
	r := newReader(b)
	var k Keepalive
	raw, err := r.take(SessionIDSize, "session id")
	if err != nil {
		return Keepalive{}, err
	}
	copy(k.SessionID[:], raw)
	if k.TickMS, err = r.u64("tick"); err != nil {
		return Keepalive{}, err
	}
	if err := r.done("keepalive"); err != nil {
		return Keepalive{}, err
	}
	return k, nil
}
