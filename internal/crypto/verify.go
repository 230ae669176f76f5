package crypto

import (
	"crypto/ed25519"
	"crypto/subtle"
	"errors"
	"fmt"

	"alnp/internal/proto"
)

var (
	// ErrBadSignature means the reply was not signed by the expected key.
	ErrBadSignature = errors.New("crypto: bad signature")
	// ErrNonceMismatch means a validly signed reply answers a different challenge.
	ErrNonceMismatch = errors.New("crypto: nonce mismatch")
)

// VerifyDiscoveryReply checks the Ed25519 signature over reply.Payload and
// then compares the nonce leading the payload with expected in constant
// time. The signature is always checked first. On success the payload is
// returned for the caller to decode.
func VerifyDiscoveryReply(reply proto.SignedReply, expected proto.Nonce, key ed25519.PublicKey) ([]byte, error) {
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: verifying key is %d bytes", ErrBadSignature, len(key))
	}
	if len(reply.Signature) != ed25519.SignatureSize {
		return nil, fmt.Errorf("%w: signature is %d bytes", ErrBadSignature, len(reply.Signature))
	}
	if !ed25519.Verify(key, reply.Payload, reply.Signature) {
		return nil, ErrBadSignature
	}
	if len(reply.Payload) < proto.NonceSize {
		return nil, fmt.Errorf("%w: payload too short", ErrNonceMismatch)
	}
	if subtle.ConstantTimeCompare(reply.Payload[:proto.NonceSize], expected[:]) != 1 {
		return nil, ErrNonceMismatch
	}
	return reply.Payload, nil
}

// SignDiscoveryReply signs payload with the device identity key.
func SignDiscoveryReply(priv ed25519.PrivateKey, payload []byte) (proto.SignedReply, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return proto.SignedReply{}, fmt.Errorf("bad signing key size: %d", len(priv))
	}
	sig := ed25519.Sign(priv, payload)
	out := make([]byte, len(payload))
	copy(out, payload)
	return proto.SignedReply{Payload: out, Signature: sig}, nil
}
