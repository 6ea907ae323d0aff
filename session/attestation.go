package session

import (
	"encoding/binary"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/khma-io/khma-node/types"
)

// VotePayload builds the canonical byte string a device signs when casting
// a ballot. The nonce binds the signature to one challenge, the bucket
// keeps exact cast times out of signed material.
func VotePayload(nonce types.HexBytes, pollID, optionID string, timestampBucket int64) []byte {
	out := make([]byte, 0, len(nonce)+len(pollID)+len(optionID)+10)
	out = append(out, nonce...)
	out = append(out, '|')
	out = append(out, pollID...)
	out = append(out, '|')
	out = append(out, optionID...)
	out = append(out, '|')
	var bucket [8]byte
	binary.BigEndian.PutUint64(bucket[:], uint64(timestampBucket))
	return append(out, bucket[:]...)
}

// RecoverDeviceKey verifies a secp256k1 signature over payload and returns
// the signer's compressed public key. The signature is the 65-byte
// [R || S || V] form.
func RecoverDeviceKey(payload, signature []byte) (types.HexBytes, error) {
	if len(signature) != 65 {
		return nil, fmt.Errorf("malformed signature: %d bytes", len(signature))
	}
	digest := ethcrypto.Keccak256(payload)
	pub, err := ethcrypto.SigToPub(digest, signature)
	if err != nil {
		return nil, fmt.Errorf("recover device key: %w", err)
	}
	return ethcrypto.CompressPubkey(pub), nil
}

// VerifyDeviceSignature checks that payload was signed by the device owning
// the given compressed public key.
func VerifyDeviceSignature(payload, signature []byte, compressedPubKey types.HexBytes) error {
	recovered, err := RecoverDeviceKey(payload, signature)
	if err != nil {
		return err
	}
	if !recovered.Equal(compressedPubKey) {
		return fmt.Errorf("signature does not match device key")
	}
	return nil
}
