// Package pebbledb implements db.Database on top of cockroachdb/pebble.
// This is the default persistent backend.
package pebbledb

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/khma-io/khma-node/db"
)

// Database implements db.Database over a pebble store.
type Database struct {
	pdb *pebble.DB
}

var _ db.Database = (*Database)(nil)

// New opens (or creates) a pebble database at opts.Path.
func New(opts db.Options) (*Database, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("pebbledb: missing path")
	}
	pdb, err := pebble.Open(opts.Path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebbledb: open %s: %w", opts.Path, err)
	}
	return &Database{pdb: pdb}, nil
}

func (d *Database) Close() error {
	return d.pdb.Close()
}

func (d *Database) Compact() error {
	iter, err := d.pdb.NewIter(nil)
	if err != nil {
		return err
	}
	var first, last []byte
	if iter.First() {
		first = bytes.Clone(iter.Key())
	}
	if iter.Last() {
		last = bytes.Clone(iter.Key())
	}
	if err := iter.Close(); err != nil {
		return err
	}
	if first == nil || last == nil {
		return nil
	}
	return d.pdb.Compact(first, append(last, 0xff), true)
}

func (d *Database) Get(key []byte) ([]byte, error) {
	value, closer, err := d.pdb.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, db.ErrKeyNotFound
		}
		return nil, err
	}
	out := bytes.Clone(value)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Database) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	iter, err := d.pdb.NewIter(prefixIterOptions(prefix))
	if err != nil {
		return err
	}
	defer func() { _ = iter.Close() }()
	for iter.First(); iter.Valid(); iter.Next() {
		if !callback(iter.Key(), iter.Value()) {
			break
		}
	}
	return iter.Error()
}

func (d *Database) WriteTx() db.WriteTx {
	return &writeTx{batch: d.pdb.NewIndexedBatch()}
}

// writeTx wraps an indexed pebble batch. Reads observe the pending writes
// of the batch; Commit applies them atomically with fsync.
type writeTx struct {
	batch *pebble.Batch
	done  bool
}

var _ db.WriteTx = (*writeTx)(nil)

func (tx *writeTx) Get(key []byte) ([]byte, error) {
	value, closer, err := tx.batch.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, db.ErrKeyNotFound
		}
		return nil, err
	}
	out := bytes.Clone(value)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (tx *writeTx) Iterate(prefix []byte, callback func(k, v []byte) bool) error {
	iter, err := tx.batch.NewIter(prefixIterOptions(prefix))
	if err != nil {
		return err
	}
	defer func() { _ = iter.Close() }()
	for iter.First(); iter.Valid(); iter.Next() {
		if !callback(iter.Key(), iter.Value()) {
			break
		}
	}
	return iter.Error()
}

func (tx *writeTx) Set(key, value []byte) error {
	return tx.batch.Set(key, value, nil)
}

func (tx *writeTx) Delete(key []byte) error {
	return tx.batch.Delete(key, nil)
}

func (tx *writeTx) Apply(other db.WriteTx) error {
	return other.Iterate(nil, func(k, v []byte) bool {
		return tx.Set(k, v) == nil
	})
}

func (tx *writeTx) Commit() error {
	if tx.done {
		return fmt.Errorf("pebbledb: tx already finished")
	}
	tx.done = true
	if err := tx.batch.Commit(pebble.Sync); err != nil {
		return err
	}
	return tx.batch.Close()
}

func (tx *writeTx) Discard() {
	if tx.done {
		return
	}
	tx.done = true
	_ = tx.batch.Close()
}

// prefixIterOptions bounds an iterator to keys starting with prefix.
func prefixIterOptions(prefix []byte) *pebble.IterOptions {
	if len(prefix) == 0 {
		return nil
	}
	return &pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	}
}

func keyUpperBound(b []byte) []byte {
	end := bytes.Clone(b)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil // no upper bound
}
