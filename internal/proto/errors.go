package proto

import "errors"

var (
	// ErrEncoding is returned when a value cannot be represented on the wire.
	ErrEncoding = errors.New("proto: encoding error")
	// ErrTruncated is returned when input ends before the declared content.
	ErrTruncated = errors.New("proto: truncated")
	// ErrMalformed is returned when input is structurally invalid.
	ErrMalformed = errors.New("proto: malformed")
)

// IsDecodeError reports whether err came from a decoder.
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrTruncated) || errors.Is(err, ErrMalformed)
}
