// Package prefixeddb wraps a db.Database restricting all operations to a
// key prefix, so independent namespaces can share one database.
package prefixeddb

import (
	"github.com/khma-io/khma-node/db"
)

// PrefixedDatabase restricts a db.Database to a key prefix.
type PrefixedDatabase struct {
	db     db.Database
	prefix []byte
}

// NewPrefixedDatabase returns a view of d where every key is transparently
// prefixed.
func NewPrefixedDatabase(d db.Database, prefix []byte) *PrefixedDatabase {
	return &PrefixedDatabase{db: d, prefix: prefix}
}

func (d *PrefixedDatabase) Get(key []byte) ([]byte, error) {
	return d.db.Get(join(d.prefix, key))
}

func (d *PrefixedDatabase) Iterate(prefix []byte, callback func(k, v []byte) bool) error {
	full := join(d.prefix, prefix)
	return d.db.Iterate(full, func(k, v []byte) bool {
		return callback(k[len(d.prefix):], v)
	})
}

func (d *PrefixedDatabase) WriteTx() db.WriteTx {
	return NewPrefixedWriteTx(d.db.WriteTx(), d.prefix)
}

func (d *PrefixedDatabase) Close() error {
	return d.db.Close()
}

func (d *PrefixedDatabase) Compact() error {
	return d.db.Compact()
}

// NewPrefixedReader returns a read-only prefixed view over any db.Reader.
func NewPrefixedReader(r db.Reader, prefix []byte) *PrefixedReader {
	return &PrefixedReader{reader: r, prefix: prefix}
}

// PrefixedReader restricts a db.Reader to a key prefix.
type PrefixedReader struct {
	reader db.Reader
	prefix []byte
}

func (r *PrefixedReader) Get(key []byte) ([]byte, error) {
	return r.reader.Get(join(r.prefix, key))
}

func (r *PrefixedReader) Iterate(prefix []byte, callback func(k, v []byte) bool) error {
	full := join(r.prefix, prefix)
	return r.reader.Iterate(full, func(k, v []byte) bool {
		return callback(k[len(r.prefix):], v)
	})
}

// PrefixedWriteTx restricts a db.WriteTx to a key prefix. Commit and
// Discard act on the underlying transaction, so several prefixed views can
// share a single atomic commit.
type PrefixedWriteTx struct {
	tx     db.WriteTx
	prefix []byte
}

// NewPrefixedWriteTx wraps tx so all keys are transparently prefixed.
func NewPrefixedWriteTx(tx db.WriteTx, prefix []byte) *PrefixedWriteTx {
	return &PrefixedWriteTx{tx: tx, prefix: prefix}
}

func (t *PrefixedWriteTx) Get(key []byte) ([]byte, error) {
	return t.tx.Get(join(t.prefix, key))
}

func (t *PrefixedWriteTx) Iterate(prefix []byte, callback func(k, v []byte) bool) error {
	full := join(t.prefix, prefix)
	return t.tx.Iterate(full, func(k, v []byte) bool {
		return callback(k[len(t.prefix):], v)
	})
}

func (t *PrefixedWriteTx) Set(key, value []byte) error {
	return t.tx.Set(join(t.prefix, key), value)
}

func (t *PrefixedWriteTx) Delete(key []byte) error {
	return t.tx.Delete(join(t.prefix, key))
}

func (t *PrefixedWriteTx) Apply(other db.WriteTx) error {
	return other.Iterate(nil, func(k, v []byte) bool {
		return t.Set(k, v) == nil
	})
}

func (t *PrefixedWriteTx) Commit() error {
	return t.tx.Commit()
}

func (t *PrefixedWriteTx) Discard() {
	t.tx.Discard()
}

// Unwrap returns the underlying transaction, so callers can group writes
// from several prefixes into one commit.
func (t *PrefixedWriteTx) Unwrap() db.WriteTx {
	return t.tx
}

func join(prefix, key []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(key))
	out = append(out, prefix...)
	return append(out, key...)
}
