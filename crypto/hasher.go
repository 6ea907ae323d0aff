// Package crypto provides the keyed hashing used to derive personal-number
// hashes, device thumbprints, voter secrets and nullifiers, plus the
// zero-knowledge verifier for nullifier ownership proofs.
//
// All derivations go through a KeyedHasher so the hash construction can be
// swapped (HMAC-SHA256 by default, Poseidon for circuit compatibility)
// without touching the derivation call sites.
package crypto

import (
	"fmt"

	"github.com/khma-io/khma-node/types"
)

// KeyedHasher derives a fixed-size digest from a secret key and an ordered
// list of inputs. Implementations must be deterministic and collision
// resistant, and Verify must run in constant time with respect to the
// expected digest.
type KeyedHasher interface {
	// Name returns the registry name of the hasher.
	Name() string
	// Hash derives the digest of inputs under key.
	Hash(key []byte, inputs ...[]byte) types.HexBytes
	// Verify reports whether expected is the digest of inputs under key.
	Verify(key []byte, expected types.HexBytes, inputs ...[]byte) bool
}

// Hasher names accepted by NewHasher.
const (
	HasherHMAC     = "hmac"
	HasherPoseidon = "poseidon"
)

// NewHasher returns the keyed hasher registered under name. An empty name
// selects HMAC-SHA256.
func NewHasher(name string) (KeyedHasher, error) {
	switch name {
	case "", HasherHMAC:
		return &HMACHasher{}, nil
	case HasherPoseidon:
		return &PoseidonHasher{}, nil
	default:
		return nil, fmt.Errorf("unknown hasher %q", name)
	}
}
