package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// -----------------------------------------------------------------------------
// ALNP crypto suite
//
// - Ed25519 signs discovery replies (device identity key)
// - HKDF-SHA256 derives per-session control and stream keys
// - ChaCha20-Poly1305 detached tags authenticate control envelopes
// -----------------------------------------------------------------------------

const (
	PublicKeySize = ed25519.PublicKeySize
	SignatureSize = ed25519.SignatureSize
)

const (
	pubKeyFile  = "pub.hex"
	privKeyFile = "priv.hex"
)

// -----------------------------------------------------------------------------
// Ed25519
// -----------------------------------------------------------------------------

func GenerateKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// ParseVerifyingKey checks raw is a usable Ed25519 public key.
func ParseVerifyingKey(raw []byte) (ed25519.PublicKey, error) {
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("bad verifying key size: need %d, got %d", ed25519.PublicKeySize, len(raw))
	}
	out := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(out, raw)
	return out, nil
}

func ParseSigningKey(raw []byte) (ed25519.PrivateKey, error) {
	switch len(raw) {
	case ed25519.PrivateKeySize:
		out := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
		copy(out, raw)
		return out, nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	default:
		return nil, fmt.Errorf("bad signing key size: %d", len(raw))
	}
}

// -----------------------------------------------------------------------------
// Key storage
// -----------------------------------------------------------------------------

// SaveKeypair writes pub.hex and priv.hex into dir.
func SaveKeypair(dir string, pub ed25519.PublicKey, priv ed25519.PrivateKey) error {
	if len(pub) == 0 || len(priv) == 0 {
		return errors.New("empty key")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, pubKeyFile), []byte(hex.EncodeToString(pub)), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, privKeyFile), []byte(hex.EncodeToString(priv)), 0600)
}

// LoadSigningKey reads a hex private key file (or a key directory).
func LoadSigningKey(path string) (ed25519.PrivateKey, error) {
	raw, err := readHexKey(path, privKeyFile)
	if err != nil {
		return nil, err
	}
	return ParseSigningKey(raw)
}

// LoadVerifyingKey reads a hex public key file (or a key directory).
func LoadVerifyingKey(path string) (ed25519.PublicKey, error) {
	raw, err := readHexKey(path, pubKeyFile)
	if err != nil {
		return nil, err
	}
	return ParseVerifyingKey(raw)
}

func readHexKey(path, name string) ([]byte, error) {
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		path = filepath.Join(path, name)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("bad %s", filepath.Base(path))
	}
	return raw, nil
}
