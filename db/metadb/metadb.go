// Package metadb selects a concrete db.Database backend by name or by
// connection URL.
package metadb

import (
	"fmt"
	"strings"

	"github.com/khma-io/khma-node/db"
	"github.com/khma-io/khma-node/db/inmemory"
	"github.com/khma-io/khma-node/db/mongodb"
	"github.com/khma-io/khma-node/db/pebbledb"
)

// Supported backend types.
const (
	TypePebble   = "pebble"
	TypeInMemory = "inmemory"
	TypeMongo    = "mongodb"
)

// New returns a database of the given type. For pebble, dir is the on-disk
// path; for mongodb, dir is the connection URL.
func New(typ, dir string) (db.Database, error) {
	switch typ {
	case TypePebble:
		return pebbledb.New(db.Options{Path: dir})
	case TypeInMemory:
		return inmemory.New(db.Options{})
	case TypeMongo:
		return mongodb.New(dir)
	default:
		return nil, fmt.Errorf("invalid database type %q", typ)
	}
}

// ForURL picks a backend from a connection URL: a mongodb:// (or
// mongodb+srv://) URL selects the MongoDB backend, anything else is treated
// as a pebble data directory. An empty URL falls back to dataDir.
func ForURL(databaseURL, dataDir string) (db.Database, error) {
	if strings.HasPrefix(databaseURL, "mongodb://") ||
		strings.HasPrefix(databaseURL, "mongodb+srv://") {
		return New(TypeMongo, databaseURL)
	}
	if databaseURL != "" {
		return New(TypePebble, databaseURL)
	}
	return New(TypePebble, dataDir)
}
