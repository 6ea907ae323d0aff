/*
Package storage provides the persistent storage layer for the khma node.

# Storage Organization

The storage uses a key-value database with prefixed namespaces to organize
different types of data:

## Identity
  - u/   : personalHash → User credential (demographics, device thumbprint)
  - ud/  : deviceThumbprint → personalHash (device lookup index)
  - es/  : sessionID → EnrollmentSession (ephemeral, TTL-bound)
  - ed/  : deviceID → sessionID (one active enrollment session per device)

## Polls
  - pl/  : pollID → Poll metadata (type, window, audience, status)
  - po/  : pollID + optionID → PollOption
  - sq/  : pollID + questionID → SurveyQuestion

## Votes
  - v/   : voteID → Vote (bucketed demographics only, never a user reference)
  - n/   : nullifierHash → NullifierRecord (double-vote guard)
  - at/  : voteID → VoteAttestation (device signature over the cast)

## Audit Chain
  - ac/  : seq (8-byte big endian) → ChainEntry
  - ah/  : head → ChainHead (last seq, hash and anchor position)

## Reference and Bookkeeping
  - rg/  : regionCode → Region
  - rs/  : pollID → aggregated Results snapshot
  - rc/  : pollID + personalHash → RewardReceipt
  - m/   : schema migration ledger
*/
package storage

import (
	"errors"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/khma-io/khma-node/db"
	"github.com/khma-io/khma-node/db/prefixeddb"
	"github.com/khma-io/khma-node/log"
)

var (
	ErrKeyAlreadyExists = errors.New("key already exists")
	ErrNotFound         = errors.New("not found")
	ErrAlreadyVoted     = errors.New("nullifier already spent")
	ErrAlreadyEnrolled  = errors.New("credential already enrolled")
	ErrChainCorrupted   = errors.New("audit chain corrupted")
	ErrReadOnly         = errors.New("storage is read-only")

	// Prefixes
	userPrefix          = []byte("u/")
	deviceIndexPrefix   = []byte("ud/")
	enrollSessionPrefix = []byte("es/")
	enrollDevicePrefix  = []byte("ed/")
	pollPrefix          = []byte("pl/")
	pollOptionPrefix    = []byte("po/")
	surveyQuestPrefix   = []byte("sq/")
	votePrefix          = []byte("v/")
	nullifierPrefix     = []byte("n/")
	attestationPrefix   = []byte("at/")
	chainEntryPrefix    = []byte("ac/")
	chainHeadPrefix     = []byte("ah/")
	regionPrefix        = []byte("rg/")
	resultsPrefix       = []byte("rs/")
	rewardPrefix        = []byte("rc/")
	migrationPrefix     = []byte("m/")
)

// maxTxRetries bounds optimistic-concurrency retries on db.ErrConflict.
const maxTxRetries = 3

// Storage manages all node state over a transactional key-value database.
// Every mutating operation takes the global lock, so multi-namespace writes
// commit atomically without cross-transaction conflicts.
type Storage struct {
	db         db.Database
	globalLock sync.Mutex
	cache      *lru.Cache[string, any]
	readOnly   atomic.Bool
}

// New creates a new Storage instance over the given database.
func New(database db.Database) *Storage {
	cache, err := lru.New[string, any](1000)
	if err != nil {
		log.Fatalf("failed to create LRU cache: %v", err)
	}
	return &Storage{db: database, cache: cache}
}

// Close closes the storage.
func (s *Storage) Close() {
	if err := s.db.Close(); err != nil {
		log.Errorw(err, "failed to close storage")
	}
}

// ReadOnly reports whether the storage rejects writes. The node enters
// read-only mode when the audit chain fails verification.
func (s *Storage) ReadOnly() bool { return s.readOnly.Load() }

// SetReadOnly switches the storage into or out of read-only mode.
func (s *Storage) SetReadOnly(on bool) {
	if s.readOnly.Swap(on) != on {
		log.Warnw("storage read-only mode changed", "readOnly", on)
	}
}

func (s *Storage) checkWritable() error {
	if s.readOnly.Load() {
		return ErrReadOnly
	}
	return nil
}

// commitTx commits wTx, retrying the whole build function on optimistic
// conflicts. The build function must be idempotent.
func (s *Storage) commitTx(build func(wTx db.WriteTx) error) error {
	var err error
	for range maxTxRetries {
		wTx := s.db.WriteTx()
		if err = build(wTx); err != nil {
			wTx.Discard()
			return err
		}
		if err = wTx.Commit(); err == nil {
			return nil
		}
		if !errors.Is(err, db.ErrConflict) {
			return err
		}
	}
	return err
}

// setArtifact stores an encoded artifact under prefix+key. It overwrites any
// existing value.
func (s *Storage) setArtifact(prefix, key []byte, artifact any) error {
	data, err := EncodeArtifact(artifact)
	if err != nil {
		return err
	}
	return s.commitTx(func(wTx db.WriteTx) error {
		return prefixeddb.NewPrefixedWriteTx(wTx, prefix).Set(key, data)
	})
}

// getArtifact retrieves and decodes the artifact under prefix+key into out.
// Returns ErrNotFound if the key does not exist.
func (s *Storage) getArtifact(prefix, key []byte, out any) error {
	data, err := prefixeddb.NewPrefixedReader(s.db, prefix).Get(key)
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return ErrNotFound
		}
		return err
	}
	return DecodeArtifact(data, out)
}

// hasArtifact reports whether prefix+key exists.
func (s *Storage) hasArtifact(prefix, key []byte) bool {
	_, err := prefixeddb.NewPrefixedReader(s.db, prefix).Get(key)
	return err == nil
}

// deleteArtifact removes prefix+key. Missing keys are not an error.
func (s *Storage) deleteArtifact(prefix, key []byte) error {
	return s.commitTx(func(wTx db.WriteTx) error {
		return prefixeddb.NewPrefixedWriteTx(wTx, prefix).Delete(key)
	})
}

// iterateArtifacts walks all keys under prefix in lexicographic order.
func (s *Storage) iterateArtifacts(prefix []byte, callback func(k, v []byte) bool) error {
	return prefixeddb.NewPrefixedReader(s.db, prefix).Iterate(nil, callback)
}
