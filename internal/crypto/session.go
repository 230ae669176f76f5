package crypto

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"alnp/internal/proto"
)

const (
	labelControl = "alpine-control"
	labelStream  = "alpine-stream"
)

// KeySize is the length of every derived session key.
const KeySize = chacha20poly1305.KeySize

type SessionKeys struct {
	Control []byte
	Stream  []byte
}

// DeriveSessionKeys expands a shared secret into per-session keys. The salt
// binds them to one discovery exchange: client nonce then server nonce.
func DeriveSessionKeys(secret []byte, clientNonce, serverNonce proto.Nonce) (SessionKeys, error) {
	if len(secret) == 0 {
		return SessionKeys{}, errors.New("empty key material")
	}
	salt := make([]byte, 0, 2*proto.NonceSize)
	salt = append(salt, clientNonce[:]...)
	salt = append(salt, serverNonce[:]...)
	control, err := expand(secret, salt, labelControl)
	if err != nil {
		return SessionKeys{}, err
	}
	stream, err := expand(secret, salt, labelStream)
	if err != nil {
		return SessionKeys{}, err
	}
	return SessionKeys{Control: control, Stream: stream}, nil
}

func expand(secret, salt []byte, label string) ([]byte, error) {
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(label)), out); err != nil {
		return nil, err
	}
	return out, nil
}
