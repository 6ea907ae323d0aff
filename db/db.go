// Package db defines the key-value database abstraction used by the storage
// layer. Implementations live in the pebbledb, inmemory and mongodb
// subpackages; prefixeddb layers namespacing on top of any of them.
package db

import "errors"

var (
	// ErrKeyNotFound is returned by Get when the key does not exist.
	ErrKeyNotFound = errors.New("key not found")
	// ErrConflict is returned by Commit when the transaction read keys that
	// were concurrently modified. The caller may retry the whole
	// transaction.
	ErrConflict = errors.New("transaction conflict")
)

// Options configures the creation of a database.
type Options struct {
	Path string
}

// Reader is the read-only subset of a database or transaction.
type Reader interface {
	// Get retrieves the value for the given key, or ErrKeyNotFound.
	Get(key []byte) ([]byte, error)
	// Iterate calls callback with all key-value pairs whose key starts
	// with prefix, in lexicographic key order, until callback returns
	// false. The callback must not retain the slices.
	Iterate(prefix []byte, callback func(key, value []byte) bool) error
}

// Database is a transactional key-value store.
type Database interface {
	Reader
	// WriteTx starts a new write transaction. It must be finished with
	// Commit or Discard.
	WriteTx() WriteTx
	// Close releases the underlying resources.
	Close() error
	// Compact triggers storage compaction where supported.
	Compact() error
}

// WriteTx is a read-write transaction. Writes are only visible to other
// readers after Commit. A WriteTx must not be used after Commit or Discard.
type WriteTx interface {
	Reader
	Set(key, value []byte) error
	Delete(key []byte) error
	// Apply copies the pending writes of another transaction into this one.
	Apply(other WriteTx) error
	Commit() error
	Discard()
}
