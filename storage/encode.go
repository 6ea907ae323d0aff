package storage

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// EncodeArtifact encodes an artifact with deterministic CBOR, so equal
// artifacts always produce equal bytes (the audit chain hashes depend on it).
func EncodeArtifact(a any) ([]byte, error) {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	return em.Marshal(a)
}

// DecodeArtifact decodes a stored artifact.
func DecodeArtifact(data []byte, out any) error {
	return cbor.Unmarshal(data, out)
}
