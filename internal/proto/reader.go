package proto

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// reader is a bounds-checked cursor over a byte slice. It never reads past
// the end of b and reports ErrTruncated instead.
type reader struct {
	b   []byte
	off int
}

func newReader(b []byte) *reader {
	return &reader{b: b}
}

func (r *reader) remaining() int {
	return len(r.b) - r.off
}

func (r *reader) take(n int, field string) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, fmt.Errorf("%w: %s", ErrTruncated, field)
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *reader) u8(field string) (uint8, error) {
	b, err := r.take(1, field)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16(field string) (uint16, error) {
	b, err := r.take(2, field)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) u32(field string) (uint32, error) {
	b, err := r.take(4, field)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) u64(field string) (uint64, error) {
	b, err := r.take(8, field)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// bytes reads a u32-length-prefixed byte string of at most max bytes and
// returns a copy.
func (r *reader) bytes(max int, field string) ([]byte, error) {
	n, err := r.u32(field + " length")
	if err != nil {
		return nil, err
	}
	if max > 0 && uint64(n) > uint64(max) {
		return nil, fmt.Errorf("%w: %s length %d", ErrMalformed, field, n)
	}
	b, err := r.take(int(n), field)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (r *reader) str(max int, field string) (string, error) {
	b, err := r.bytes(max, field)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%w: %s is not utf-8", ErrMalformed, field)
	}
	return string(b), nil
}

// strList reads a u32 count followed by that many length-prefixed strings.
func (r *reader) strList(maxCount, maxLen int, field string) ([]string, error) {
	n, err := r.u32(field + " count")
	if err != nil {
		return nil, err
	}
	if uint64(n) > uint64(maxCount) {
		return nil, fmt.Errorf("%w: %s count %d", ErrMalformed, field, n)
	}
	// Each entry needs at least its 4-byte length prefix.
	if uint64(n)*4 > uint64(r.remaining()) {
		return nil, fmt.Errorf("%w: %s", ErrTruncated, field)
	}
	out := make([]string, 0, n)
	for i := 0; i < int(n); i++ {
		s, err := r.str(maxLen, fmt.Sprintf("%s[%d]", field, i))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// done rejects trailing bytes after a complete message.
func (r *reader) done(msg string) error {
	if r.remaining() != 0 {
		return fmt.Errorf("%w: %d trailing bytes after %s", ErrMalformed, r.remaining(), msg)
	}
	return nil
}

func appendU32(b []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, v)
}

func appendBytes(b, v []byte) []byte {
	b = appendU32(b, uint32(len(v)))
	return append(b, v...)
}

func appendStrList(b []byte, list []string) []byte {
	b = appendU32(b, uint32(len(list)))
	for _, s := range list {
		b = appendBytes(b, []byte(s))
	}
	return b
}
