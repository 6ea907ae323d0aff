package crypto

import (
	"math/big"
	"testing"

	"github.com/consensys/gnark-crypto/ecc"
	qt "github.com/frankban/quicktest"
	"github.com/google/go-cmp/cmp"
)

func TestNewHasher(t *testing.T) {
	c := qt.New(t)

	h, err := NewHasher("")
	c.Assert(err, qt.IsNil)
	c.Assert(h.Name(), qt.Equals, HasherHMAC)

	h, err = NewHasher(HasherPoseidon)
	c.Assert(err, qt.IsNil)
	c.Assert(h.Name(), qt.Equals, HasherPoseidon)

	_, err = NewHasher("blake3")
	c.Assert(err, qt.IsNotNil)
}

func TestKeyedHashers(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	otherKey := []byte("fedcba9876543210fedcba9876543210")

	for _, name := range []string{HasherHMAC, HasherPoseidon} {
		t.Run(name, func(t *testing.T) {
			c := qt.New(t)
			h, err := NewHasher(name)
			c.Assert(err, qt.IsNil)

			digest := h.Hash(key, []byte("a"), []byte("b"))
			c.Assert(digest, qt.HasLen, 32)
			// deterministic
			c.Assert(h.Hash(key, []byte("a"), []byte("b")), qt.DeepEquals, digest)
			// input order matters
			c.Assert(h.Hash(key, []byte("b"), []byte("a")), qt.Not(qt.DeepEquals), digest)
			// key matters
			c.Assert(h.Hash(otherKey, []byte("a"), []byte("b")), qt.Not(qt.DeepEquals), digest)

			c.Assert(h.Verify(key, digest, []byte("a"), []byte("b")), qt.IsTrue)
			c.Assert(h.Verify(key, digest, []byte("a"), []byte("c")), qt.IsFalse)
			c.Assert(h.Verify(otherKey, digest, []byte("a"), []byte("b")), qt.IsFalse)
		})
	}
}

func TestHMACInputSeparation(t *testing.T) {
	c := qt.New(t)
	h := &HMACHasher{}
	key := []byte("k")
	// ("ab","c") and ("a","bc") must not collide
	c.Assert(
		h.Hash(key, []byte("ab"), []byte("c")),
		qt.Not(qt.DeepEquals),
		h.Hash(key, []byte("a"), []byte("bc")),
	)
}

func TestDeriver(t *testing.T) {
	c := qt.New(t)
	h, err := NewHasher(HasherHMAC)
	c.Assert(err, qt.IsNil)
	d := NewDeriver(h,
		[]byte("pn-secret-pn-secret-pn-secret-00"),
		[]byte("dev-secret-dev-secret-dev-sec-00"),
		[]byte("voter-secret-voter-secret-vot-00"),
	)

	pnHash := d.PersonalHash("01008012345")
	thumb := d.DeviceThumbprint([]byte{0x02, 0xaa, 0xbb})
	secret := d.VoterSecret(pnHash, thumb)

	// Same credential on a different device yields a different secret.
	otherThumb := d.DeviceThumbprint([]byte{0x03, 0xaa, 0xbb})
	c.Assert(d.VoterSecret(pnHash, otherThumb), qt.Not(qt.DeepEquals), secret)

	n1 := d.Nullifier(secret, "poll-1")
	n2 := d.Nullifier(secret, "poll-2")
	c.Assert(n1, qt.Not(qt.DeepEquals), n2, qt.Commentf("nullifiers must be unlinkable across polls"))

	c.Assert(d.VerifyNullifier(secret, n1, "poll-1"), qt.IsTrue)
	c.Assert(d.VerifyNullifier(secret, n1, "poll-2"), qt.IsFalse)
}

func TestNullifierProofVerifierPermissive(t *testing.T) {
	c := qt.New(t)

	v, err := NewNullifierProofVerifier("", false)
	c.Assert(err, qt.IsNil)
	c.Assert(v.Enabled(), qt.IsFalse)
	c.Assert(v.Verify([]byte("anything"), nil), qt.IsNil)
	c.Assert(v.VerifyNullifier([]byte("anything"), []byte("nullifier"), "poll-1"), qt.IsNil)

	_, err = NewNullifierProofVerifier("", true)
	c.Assert(err, qt.IsNotNil)
}

func TestNullifierPublicInputs(t *testing.T) {
	c := qt.New(t)
	nullifier := []byte("nullifier-aaaaaaaaaaaaaaaaaaaaaa")

	inputs := NullifierPublicInputs(nullifier, "poll-1")
	c.Assert(inputs, qt.HasLen, 2)
	// deterministic
	bigIntEquals := qt.CmpEquals(cmp.Comparer(func(a, b *big.Int) bool { return a.Cmp(b) == 0 }))
	c.Assert(NullifierPublicInputs(nullifier, "poll-1"), bigIntEquals, inputs)
	// the second signal binds the proof to one poll
	other := NullifierPublicInputs(nullifier, "poll-2")
	c.Assert(other[0].Cmp(inputs[0]), qt.Equals, 0)
	c.Assert(other[1].Cmp(inputs[1]), qt.Not(qt.Equals), 0)
	// both signals must be valid BN254 field elements
	field := ecc.BN254.ScalarField()
	for _, in := range inputs {
		c.Assert(in.Cmp(field) < 0, qt.IsTrue)
		c.Assert(in.Sign() >= 0, qt.IsTrue)
	}
}
