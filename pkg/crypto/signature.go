package crypto

import (
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

// PrivateKey wraps a secp256k1 private key for Schnorr signing.
// Forger keypairs arrive in input bundles as hex string pairs; public
// keys are the 33-byte compressed form (this library's schnorr package
// does not support x-only serialization/parsing).
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

// GenerateKey creates a new random secp256k1 private key.
func GenerateKey() (*PrivateKey, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &PrivateKey{key: key}, nil
}

// PrivateKeyFromHex creates a PrivateKey from a 64-character hex secret.
func PrivateKeyFromHex(s string) (*PrivateKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(b))
	}
	return &PrivateKey{key: secp256k1.PrivKeyFromBytes(b)}, nil
}

// Sign produces a hex-encoded Schnorr signature over the message.
// The message is hashed to 32 bytes before signing.
func (pk *PrivateKey) Sign(message []byte) (string, error) {
	digest := Hash(message)
	sig, err := schnorr.Sign(pk.key, digest[:])
	if err != nil {
		return "", fmt.Errorf("schnorr sign: %w", err)
	}
	return hex.EncodeToString(sig.Serialize()), nil
}

// PublicKeyHex returns the 33-byte compressed public key as hex.
func (pk *PrivateKey) PublicKeyHex() string {
	return hex.EncodeToString(pk.key.PubKey().SerializeCompressed())
}

// SerializeHex returns the 32-byte private key scalar as hex.
func (pk *PrivateKey) SerializeHex() string {
	return hex.EncodeToString(pk.key.Serialize())
}

// Zero securely zeroes the private key memory.
func (pk *PrivateKey) Zero() {
	pk.key.Zero()
}

// Verify checks a hex-encoded Schnorr signature over message against a
// compressed hex public key. Returns false on any error.
func Verify(pubKeyHex, sigHex string, message []byte) bool {
	pubBytes, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false
	}
	pubKey, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return false
	}
	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	digest := Hash(message)
	return sig.Verify(digest[:], pubKey)
}
