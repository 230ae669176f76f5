package proto

import (
	"fmt"

	"github.com/google/uuid"
)

const (
	SessionIDSize = 16
	NonceSize     = 32
	TagSize       = 16

	// MaxCapabilityLen bounds a single capability string.
	MaxCapabilityLen = 255
	// MaxCapabilities bounds the capability list of a discovery request.
	MaxCapabilities = 65535
	// MaxChannels bounds the sample count of a stream frame.
	MaxChannels = 65535
	// MaxDatagramSize is the largest UDP payload over IPv4.
	MaxDatagramSize = 65507
)

// SessionID is an opaque 16-byte session identifier.
type SessionID [SessionIDSize]byte

func (id SessionID) String() string {
	return uuid.UUID(id).String()
}

// ParseSessionID accepts the canonical UUID text form.
func ParseSessionID(s string) (SessionID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return SessionID{}, fmt.Errorf("bad session id: %w", err)
	}
	return SessionID(u), nil
}

// Nonce is the 32-byte client challenge carried by discovery.
type Nonce [NonceSize]byte

// SampleFormat selects the on-wire width of stream samples.
type SampleFormat uint8

const (
	FormatU8  SampleFormat = 0
	FormatU16 SampleFormat = 1
)

func (f SampleFormat) String() string {
	switch f {
	case FormatU8:
		return "u8"
	case FormatU16:
		return "u16"
	default:
		return fmt.Sprintf("format(%d)", uint8(f))
	}
}

func (f SampleFormat) valid() bool {
	return f == FormatU8 || f == FormatU16
}

// ParseSampleFormat maps "u8" or "u16" to a SampleFormat.
func ParseSampleFormat(s string) (SampleFormat, error) {
	switch s {
	case "u8":
		return FormatU8, nil
	case "u16":
		return FormatU16, nil
	default:
		return 0, fmt.Errorf("unknown sample format %q", s)
	}
}
