package crypto

import (
	"github.com/khma-io/khma-node/types"
)

// Deriver holds the server-side secrets and produces every derived identity
// artifact: personal-number hash, device thumbprint, voter secret and
// per-poll nullifier. It is safe for concurrent use.
type Deriver struct {
	hasher     KeyedHasher
	pnSalt     []byte
	deviceSalt []byte
	voterSalt  []byte
}

// NewDeriver builds a Deriver over the given hasher and secrets.
func NewDeriver(hasher KeyedHasher, pnSecret, deviceSecret, voterSecret []byte) *Deriver {
	return &Deriver{
		hasher:     hasher,
		pnSalt:     pnSecret,
		deviceSalt: deviceSecret,
		voterSalt:  voterSecret,
	}
}

// PersonalHash derives the salted hash of a personal number. This is the
// only form in which a personal number is ever persisted.
func (d *Deriver) PersonalHash(personalNumber string) types.HexBytes {
	return d.hasher.Hash(d.pnSalt, []byte(personalNumber))
}

// DeviceThumbprint derives the device identity from its compressed
// attestation public key.
func (d *Deriver) DeviceThumbprint(compressedPubKey []byte) types.HexBytes {
	return d.hasher.Hash(d.deviceSalt, compressedPubKey)
}

// VoterSecret binds a credential to a device. It never leaves the server.
func (d *Deriver) VoterSecret(pnHash, deviceThumbprint types.HexBytes) types.HexBytes {
	return d.hasher.Hash(d.voterSalt, pnHash, deviceThumbprint)
}

// Nullifier derives the per-poll double-vote token. The voter secret keys
// the hash, so the nullifier is unlinkable across polls and cannot be
// recomputed without the server secrets.
func (d *Deriver) Nullifier(voterSecret types.HexBytes, pollID string) types.HexBytes {
	return d.hasher.Hash(voterSecret, []byte(pollID))
}

// VerifyNullifier reports whether nullifier is the expected token for the
// voter in the given poll. Comparison is constant time.
func (d *Deriver) VerifyNullifier(voterSecret, nullifier types.HexBytes, pollID string) bool {
	return d.hasher.Verify(voterSecret, nullifier, []byte(pollID))
}

// HasherName returns the name of the configured hash construction.
func (d *Deriver) HasherName() string { return d.hasher.Name() }
