package crypto

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"os"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/backend/witness"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/khma-io/khma-node/log"
)

// ErrProofInvalid is returned when a nullifier ownership proof does not
// verify against the circuit verifying key.
var ErrProofInvalid = errors.New("nullifier proof invalid")

// NullifierProofVerifier checks Groth16 proofs that a client knows the
// witness behind a submitted nullifier without revealing it. The proof
// system is BN254 so the Poseidon in-circuit hash matches PoseidonHasher.
type NullifierProofVerifier struct {
	vk     groth16.VerifyingKey
	strict bool
}

// NewNullifierProofVerifier loads the circuit verifying key from keyPath.
// With an empty keyPath the verifier runs in permissive mode unless strict
// is set: proofs are accepted unverified and a warning is logged. Strict
// mode without a key is a configuration error.
func NewNullifierProofVerifier(keyPath string, strict bool) (*NullifierProofVerifier, error) {
	if keyPath == "" {
		if strict {
			return nil, fmt.Errorf("nullifier verifying key required in strict mode")
		}
		log.Warnw("nullifier proof verification disabled, no verifying key configured",
			"strict", false)
		return &NullifierProofVerifier{strict: false}, nil
	}
	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read verifying key: %w", err)
	}
	vk := groth16.NewVerifyingKey(ecc.BN254)
	if _, err := vk.ReadFrom(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("parse verifying key: %w", err)
	}
	return &NullifierProofVerifier{vk: vk, strict: strict}, nil
}

// Enabled reports whether proofs are actually verified.
func (v *NullifierProofVerifier) Enabled() bool { return v.vk != nil }

// NullifierPublicInputs builds the public witness of a nullifier ownership
// proof: the nullifier itself and the keccak hash of the poll id, both
// reduced into the BN254 scalar field. Including the poll id binds the
// proof to one poll, so it cannot be replayed on another.
func NullifierPublicInputs(nullifier []byte, pollID string) []*big.Int {
	field := ecc.BN254.ScalarField()
	return []*big.Int{
		new(big.Int).Mod(new(big.Int).SetBytes(nullifier), field),
		new(big.Int).Mod(new(big.Int).SetBytes(ethcrypto.Keccak256([]byte(pollID))), field),
	}
}

// VerifyNullifier checks a nullifier ownership proof for one poll.
func (v *NullifierProofVerifier) VerifyNullifier(proofData, nullifier []byte, pollID string) error {
	return v.Verify(proofData, NullifierPublicInputs(nullifier, pollID))
}

// Verify checks proofData against the public inputs. With no verifying key
// loaded it accepts the proof in permissive mode.
func (v *NullifierProofVerifier) Verify(proofData []byte, publicInputs []*big.Int) error {
	if v.vk == nil {
		log.Debugw("accepting nullifier proof unverified", "publicInputs", len(publicInputs))
		return nil
	}
	proof := groth16.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(proofData)); err != nil {
		return fmt.Errorf("parse proof: %w", err)
	}
	w, err := witness.New(ecc.BN254.ScalarField())
	if err != nil {
		return fmt.Errorf("new witness: %w", err)
	}
	values := make(chan any, len(publicInputs))
	for _, input := range publicInputs {
		values <- input
	}
	close(values)
	if err := w.Fill(len(publicInputs), 0, values); err != nil {
		return fmt.Errorf("fill witness: %w", err)
	}
	if err := groth16.Verify(proof, v.vk, w); err != nil {
		return fmt.Errorf("%w: %v", ErrProofInvalid, err)
	}
	return nil
}
