package testutil

import (
	"crypto/ed25519"
	"crypto/sha256"
	"testing"
)

// Keypair returns a deterministic ed25519 key pair derived from seed.
func Keypair(t testing.TB, seed string) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	sum := sha256.Sum256([]byte(seed))
	priv := ed25519.NewKeyFromSeed(sum[:])
	return priv.Public().(ed25519.PublicKey), priv
}
