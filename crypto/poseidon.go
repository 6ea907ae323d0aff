package crypto

import (
	"crypto/subtle"
	"math/big"

	"github.com/iden3/go-iden3-crypto/poseidon"

	"github.com/khma-io/khma-node/types"
)

// PoseidonHasher derives digests with the Poseidon sponge over the BN254
// scalar field, so the same derivation can be re-executed inside a
// zero-knowledge circuit. The key is absorbed as the first sponge input.
type PoseidonHasher struct{}

var _ KeyedHasher = (*PoseidonHasher)(nil)

func (p *PoseidonHasher) Name() string { return HasherPoseidon }

func (p *PoseidonHasher) Hash(key []byte, inputs ...[]byte) types.HexBytes {
	elems := make([]*big.Int, 0, len(inputs)+1)
	elems = append(elems, toFieldElement(key))
	for _, input := range inputs {
		elems = append(elems, toFieldElement(input))
	}
	digest, err := poseidon.Hash(elems)
	if err != nil {
		// Inputs are reduced to field elements beforehand, so the sponge
		// cannot reject them.
		panic(err)
	}
	out := make([]byte, 32)
	digest.FillBytes(out)
	return out
}

func (p *PoseidonHasher) Verify(key []byte, expected types.HexBytes, inputs ...[]byte) bool {
	return subtle.ConstantTimeCompare(expected, p.Hash(key, inputs...)) == 1
}

// toFieldElement maps arbitrary bytes into the BN254 scalar field. Long
// inputs are first absorbed with HashBytes, which chunks them below the
// field modulus.
func toFieldElement(b []byte) *big.Int {
	if len(b) <= 31 {
		return new(big.Int).SetBytes(b)
	}
	elem, err := poseidon.HashBytes(b)
	if err != nil {
		panic(err)
	}
	return elem
}
