// Package crypto provides cryptographic primitives for MergeSplit.
package crypto

import (
	"github.com/forgenet/mergesplit/pkg/types"
	"github.com/zeebo/blake3"
)

// Hash computes a BLAKE3-256 hash of the input data.
func Hash(data []byte) types.Hash {
	return blake3.Sum256(data)
}

// HashString computes a BLAKE3-256 hash of the UTF-8 bytes of s.
// Canonical serializations hash through this helper so that block
// linkage is stable across platforms.
func HashString(s string) types.Hash {
	return Hash([]byte(s))
}
