package storage

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/khma-io/khma-node/db"
	"github.com/khma-io/khma-node/db/prefixeddb"
	"github.com/khma-io/khma-node/types"
)

var chainHeadKey = []byte("head")

// seqKey encodes a chain sequence number as an 8-byte big-endian key, so
// lexicographic iteration follows chain order.
func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

// computeEntryHash hashes the public coordinates of a chain entry together
// with the previous entry's hash. The construction uses length-framed
// fields, so no two distinct entries can serialize to the same preimage.
func computeEntryHash(prev types.HexBytes, voteID, pollID, optionID string, bucket int64) types.HexBytes {
	h := sha256.New()
	writeFramed := func(b []byte) {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(b)))
		h.Write(l[:])
		h.Write(b)
	}
	writeFramed(prev)
	writeFramed([]byte(voteID))
	writeFramed([]byte(pollID))
	writeFramed([]byte(optionID))
	var bucketBytes [8]byte
	binary.BigEndian.PutUint64(bucketBytes[:], uint64(bucket))
	writeFramed(bucketBytes[:])
	return h.Sum(nil)
}

// appendChainEntry extends the audit chain inside wTx with an entry for the
// given vote. It reads the head from the same transaction, so the append is
// atomic with the vote insert.
func appendChainEntry(wTx db.WriteTx, vote *types.Vote) (*types.ChainEntry, error) {
	heads := prefixeddb.NewPrefixedWriteTx(wTx, chainHeadPrefix)
	entries := prefixeddb.NewPrefixedWriteTx(wTx, chainEntryPrefix)

	head := &types.ChainHead{}
	headData, err := heads.Get(chainHeadKey)
	switch {
	case err == nil:
		if err := DecodeArtifact(headData, head); err != nil {
			return nil, fmt.Errorf("decode chain head: %w", err)
		}
	case errors.Is(err, db.ErrKeyNotFound):
		// genesis: head stays zero, PrevHash empty
	default:
		return nil, err
	}

	entry := &types.ChainEntry{
		Seq:             head.Seq + 1,
		VoteID:          vote.ID,
		PollID:          vote.PollID,
		OptionID:        vote.OptionID,
		TimestampBucket: vote.TimestampBucket,
		PrevHash:        head.Hash,
	}
	entry.Hash = computeEntryHash(head.Hash, entry.VoteID, entry.PollID, entry.OptionID, entry.TimestampBucket)

	entryData, err := EncodeArtifact(entry)
	if err != nil {
		return nil, err
	}
	if err := entries.Set(seqKey(entry.Seq), entryData); err != nil {
		return nil, err
	}

	head.Seq = entry.Seq
	head.Hash = entry.Hash
	newHead, err := EncodeArtifact(head)
	if err != nil {
		return nil, err
	}
	if err := heads.Set(chainHeadKey, newHead); err != nil {
		return nil, err
	}
	return entry, nil
}

// ChainHead returns the current tail of the audit chain. An empty chain
// returns a zero head, not an error.
func (s *Storage) ChainHead() (*types.ChainHead, error) {
	head := &types.ChainHead{}
	err := s.getArtifact(chainHeadPrefix, chainHeadKey, head)
	if errors.Is(err, ErrNotFound) {
		return &types.ChainHead{}, nil
	}
	if err != nil {
		return nil, err
	}
	return head, nil
}

// ChainEntry retrieves a single chain entry by sequence number.
func (s *Storage) ChainEntry(seq uint64) (*types.ChainEntry, error) {
	entry := &types.ChainEntry{}
	if err := s.getArtifact(chainEntryPrefix, seqKey(seq), entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// ChainEntries returns up to limit entries starting at fromSeq, in chain
// order.
func (s *Storage) ChainEntries(fromSeq uint64, limit int) ([]*types.ChainEntry, error) {
	var out []*types.ChainEntry
	err := s.iterateArtifacts(chainEntryPrefix, func(k, v []byte) bool {
		if binary.BigEndian.Uint64(k) < fromSeq {
			return true
		}
		entry := &types.ChainEntry{}
		if err := DecodeArtifact(v, entry); err != nil {
			return true
		}
		out = append(out, entry)
		return limit <= 0 || len(out) < limit
	})
	return out, err
}

// VerifyChain recomputes every entry hash from genesis and checks the head.
// On any mismatch it returns ErrChainCorrupted wrapped with the failing
// sequence; the caller is expected to put the node into read-only mode.
func (s *Storage) VerifyChain() error {
	var prev types.HexBytes
	var lastSeq uint64
	var lastHash types.HexBytes
	var verr error

	err := s.iterateArtifacts(chainEntryPrefix, func(k, v []byte) bool {
		seq := binary.BigEndian.Uint64(k)
		entry := &types.ChainEntry{}
		if err := DecodeArtifact(v, entry); err != nil {
			verr = fmt.Errorf("%w: undecodable entry at seq %d", ErrChainCorrupted, seq)
			return false
		}
		if entry.Seq != lastSeq+1 {
			verr = fmt.Errorf("%w: sequence gap at %d", ErrChainCorrupted, entry.Seq)
			return false
		}
		if !entry.PrevHash.Equal(prev) {
			verr = fmt.Errorf("%w: prev hash mismatch at seq %d", ErrChainCorrupted, entry.Seq)
			return false
		}
		want := computeEntryHash(prev, entry.VoteID, entry.PollID, entry.OptionID, entry.TimestampBucket)
		if !entry.Hash.Equal(want) {
			verr = fmt.Errorf("%w: hash mismatch at seq %d", ErrChainCorrupted, entry.Seq)
			return false
		}
		prev = entry.Hash
		lastSeq = entry.Seq
		lastHash = entry.Hash
		return true
	})
	if err != nil {
		return err
	}
	if verr != nil {
		return verr
	}

	head, err := s.ChainHead()
	if err != nil {
		return err
	}
	if head.Seq != lastSeq || !head.Hash.Equal(lastHash) {
		return fmt.Errorf("%w: head does not match tail entry %d", ErrChainCorrupted, lastSeq)
	}
	return nil
}

// SetAnchor records an external anchor receipt for every entry up to and
// including upTo, and advances the head's anchor position.
func (s *Storage) SetAnchor(upTo uint64, anchorTx types.HexBytes) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	return s.commitTx(func(wTx db.WriteTx) error {
		heads := prefixeddb.NewPrefixedWriteTx(wTx, chainHeadPrefix)
		entries := prefixeddb.NewPrefixedWriteTx(wTx, chainEntryPrefix)

		head := &types.ChainHead{}
		headData, err := heads.Get(chainHeadKey)
		if err != nil {
			return fmt.Errorf("anchor on empty chain: %w", err)
		}
		if err := DecodeArtifact(headData, head); err != nil {
			return err
		}
		if upTo > head.Seq {
			return fmt.Errorf("anchor seq %d beyond head %d", upTo, head.Seq)
		}

		for seq := head.LastAnchor + 1; seq <= upTo; seq++ {
			data, err := entries.Get(seqKey(seq))
			if err != nil {
				return fmt.Errorf("missing chain entry %d: %w", seq, err)
			}
			entry := &types.ChainEntry{}
			if err := DecodeArtifact(data, entry); err != nil {
				return err
			}
			entry.AnchorTx = anchorTx
			updated, err := EncodeArtifact(entry)
			if err != nil {
				return err
			}
			if err := entries.Set(seqKey(seq), updated); err != nil {
				return err
			}
		}

		head.LastAnchor = upTo
		head.AnchorTx = anchorTx
		newHead, err := EncodeArtifact(head)
		if err != nil {
			return err
		}
		return heads.Set(chainHeadKey, newHead)
	})
}
