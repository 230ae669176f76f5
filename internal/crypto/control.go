package crypto

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"alnp/internal/proto"
)

// ErrBadTag means a control envelope failed authentication.
var ErrBadTag = errors.New("crypto: bad control tag")

// controlNonce places seq big-endian in the first 8 of 12 nonce bytes.
func controlNonce(seq uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[:8], seq)
	return nonce
}

// ControlTag computes the detached ChaCha20-Poly1305 tag over payload with
// the session id as associated data. Sequence numbers must not repeat under
// one key.
func ControlTag(key []byte, sessionID proto.SessionID, seq uint64, payload []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("bad key size: need %d", KeySize)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, controlNonce(seq), payload, sessionID[:])
	tag := make([]byte, proto.TagSize)
	copy(tag, sealed[len(sealed)-aead.Overhead():])
	return tag, nil
}

// VerifyControlTag recomputes the tag for env and compares in constant time.
func VerifyControlTag(key []byte, env proto.ControlEnvelope) error {
	if len(env.Tag) != proto.TagSize {
		return fmt.Errorf("%w: missing tag", ErrBadTag)
	}
	want, err := ControlTag(key, env.SessionID, env.Sequence, env.Payload)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(want, env.Tag) != 1 {
		return ErrBadTag
	}
	return nil
}
