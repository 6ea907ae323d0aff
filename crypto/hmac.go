package crypto

import (
	"crypto/hmac"
	"crypto/sha256"

	"github.com/khma-io/khma-node/types"
)

// inputSeparator keeps multi-input derivations unambiguous: the inputs are
// joined with a byte that cannot appear inside hex-encoded material.
const inputSeparator = '|'

// HMACHasher is the default KeyedHasher, HMAC-SHA256 over the separator
// joined inputs.
type HMACHasher struct{}

var _ KeyedHasher = (*HMACHasher)(nil)

func (h *HMACHasher) Name() string { return HasherHMAC }

func (h *HMACHasher) Hash(key []byte, inputs ...[]byte) types.HexBytes {
	mac := hmac.New(sha256.New, key)
	for i, input := range inputs {
		if i > 0 {
			mac.Write([]byte{inputSeparator})
		}
		mac.Write(input)
	}
	return mac.Sum(nil)
}

func (h *HMACHasher) Verify(key []byte, expected types.HexBytes, inputs ...[]byte) bool {
	return hmac.Equal(expected, h.Hash(key, inputs...))
}
