package storage

import (
	"errors"
	"fmt"

	"github.com/khma-io/khma-node/db"
	"github.com/khma-io/khma-node/db/prefixeddb"
	"github.com/khma-io/khma-node/types"
)

// nullifierRecord is what a spent nullifier maps to. It carries no vote
// reference: the only purpose of the record is duplicate detection, and a
// vote id here would let the nullifier's arrival be joined to a ballot.
type nullifierRecord struct {
	PollID          string `json:"pollId"`
	TimestampBucket int64  `json:"timestampBucket"`
}

// CastVote accepts a ballot in one atomic transaction: it spends the
// nullifier, stores the vote and its attestation, and extends the audit
// chain. If the nullifier was already spent nothing is written and
// ErrAlreadyVoted is returned. External calls never happen inside the
// transaction.
func (s *Storage) CastVote(vote *types.Vote, nullifier types.HexBytes,
	attestation *types.VoteAttestation,
) (*types.ChainEntry, error) {
	if err := s.checkWritable(); err != nil {
		return nil, err
	}
	if len(nullifier) == 0 {
		return nil, fmt.Errorf("empty nullifier")
	}
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	var entry *types.ChainEntry
	err := s.commitTx(func(wTx db.WriteTx) error {
		entry = nil
		nullifiers := prefixeddb.NewPrefixedWriteTx(wTx, nullifierPrefix)

		if _, err := nullifiers.Get(nullifier); err == nil {
			return ErrAlreadyVoted
		} else if !errors.Is(err, db.ErrKeyNotFound) {
			return err
		}

		record, err := EncodeArtifact(&nullifierRecord{
			PollID:          vote.PollID,
			TimestampBucket: vote.TimestampBucket,
		})
		if err != nil {
			return err
		}
		if err := nullifiers.Set(nullifier, record); err != nil {
			return err
		}

		voteData, err := EncodeArtifact(vote)
		if err != nil {
			return err
		}
		if err := prefixeddb.NewPrefixedWriteTx(wTx, votePrefix).
			Set(compositeKey(vote.PollID, vote.ID), voteData); err != nil {
			return err
		}

		if attestation != nil {
			attData, err := EncodeArtifact(attestation)
			if err != nil {
				return err
			}
			if err := prefixeddb.NewPrefixedWriteTx(wTx, attestationPrefix).
				Set([]byte(vote.ID), attData); err != nil {
				return err
			}
		}

		entry, err = appendChainEntry(wTx, vote)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// HasNullifier reports whether the nullifier has been spent.
func (s *Storage) HasNullifier(nullifier types.HexBytes) bool {
	return s.hasArtifact(nullifierPrefix, nullifier)
}

// Vote retrieves a ballot of a poll by vote id.
func (s *Storage) Vote(pollID, voteID string) (*types.Vote, error) {
	vote := &types.Vote{}
	if err := s.getArtifact(votePrefix, compositeKey(pollID, voteID), vote); err != nil {
		return nil, err
	}
	return vote, nil
}

// IterateVotes walks all ballots of a poll.
func (s *Storage) IterateVotes(pollID string, callback func(vote *types.Vote) bool) error {
	return s.iterateArtifacts(childPrefix(votePrefix, pollID), func(_, v []byte) bool {
		vote := &types.Vote{}
		if err := DecodeArtifact(v, vote); err != nil {
			return true
		}
		return callback(vote)
	})
}

// CountVotes returns the number of ballots accepted for a poll.
func (s *Storage) CountVotes(pollID string) (int, error) {
	count := 0
	err := s.iterateArtifacts(childPrefix(votePrefix, pollID), func(_, _ []byte) bool {
		count++
		return true
	})
	return count, err
}

// VoteAttestation retrieves the device attestation stored with a vote.
func (s *Storage) VoteAttestation(voteID string) (*types.VoteAttestation, error) {
	att := &types.VoteAttestation{}
	if err := s.getArtifact(attestationPrefix, []byte(voteID), att); err != nil {
		return nil, err
	}
	return att, nil
}
