// Package mongodb implements db.Database on top of a MongoDB collection.
// Keys are stored hex-encoded as document ids so prefix iteration maps to
// an anchored regex over _id. Write transactions are buffered in memory and
// applied with a single ordered BulkWrite on Commit.
package mongodb

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/khma-io/khma-node/db"
)

const (
	defaultDatabase   = "khma"
	defaultCollection = "kv"
	connectTimeout    = 10 * time.Second
	opTimeout         = 30 * time.Second
)

type document struct {
	ID    string           `bson:"_id"`
	Value primitive.Binary `bson:"value"`
}

// Database implements db.Database over a MongoDB collection.
type Database struct {
	client *mongo.Client
	coll   *mongo.Collection
}

var _ db.Database = (*Database)(nil)

// New connects to the MongoDB instance at url and returns a database backed
// by the default collection. The connection is verified with a ping.
func New(url string) (*Database, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(url))
	if err != nil {
		return nil, fmt.Errorf("mongodb: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongodb: ping: %w", err)
	}
	dbName := defaultDatabase
	if name := connstringDatabase(url); name != "" {
		dbName = name
	}
	return &Database{
		client: client,
		coll:   client.Database(dbName).Collection(defaultCollection),
	}, nil
}

// connstringDatabase extracts the database name from the path segment of a
// mongodb URL, if present.
func connstringDatabase(url string) string {
	i := indexAfterHost(url)
	if i < 0 {
		return ""
	}
	rest := url[i:]
	for j := 0; j < len(rest); j++ {
		if rest[j] == '?' {
			rest = rest[:j]
			break
		}
	}
	return rest
}

func indexAfterHost(url string) int {
	// skip scheme://
	start := 0
	for i := 0; i+2 < len(url); i++ {
		if url[i] == ':' && url[i+1] == '/' && url[i+2] == '/' {
			start = i + 3
			break
		}
	}
	for i := start; i < len(url); i++ {
		if url[i] == '/' {
			return i + 1
		}
	}
	return -1
}

func (d *Database) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	return d.client.Disconnect(ctx)
}

func (d *Database) Compact() error { return nil }

func (d *Database) Get(key []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	var doc document
	err := d.coll.FindOne(ctx, bson.M{"_id": hex.EncodeToString(key)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, db.ErrKeyNotFound
		}
		return nil, err
	}
	return doc.Value.Data, nil
}

func (d *Database) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	filter := bson.M{}
	if len(prefix) > 0 {
		filter["_id"] = bson.M{"$regex": "^" + hex.EncodeToString(prefix)}
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cur, err := d.coll.Find(ctx, filter, opts)
	if err != nil {
		return err
	}
	defer func() { _ = cur.Close(ctx) }()
	for cur.Next(ctx) {
		var doc document
		if err := cur.Decode(&doc); err != nil {
			return err
		}
		key, err := hex.DecodeString(doc.ID)
		if err != nil {
			return fmt.Errorf("mongodb: malformed key %q: %w", doc.ID, err)
		}
		if !callback(key, doc.Value.Data) {
			break
		}
	}
	return cur.Err()
}

func (d *Database) WriteTx() db.WriteTx {
	return &writeTx{db: d, writes: make(map[string]*[]byte)}
}

// writeTx buffers writes in memory. Reads see the pending writes of the
// transaction overlaid on the collection. Commit applies all writes with a
// single ordered BulkWrite; unlike the in-memory backend it does not detect
// read-write conflicts, so callers serialize writers externally (the storage
// layer holds a global lock around every transaction).
type writeTx struct {
	db     *Database
	writes map[string]*[]byte // nil value = pending delete
	done   bool
}

var _ db.WriteTx = (*writeTx)(nil)

func (tx *writeTx) Get(key []byte) ([]byte, error) {
	if pending, ok := tx.writes[string(key)]; ok {
		if pending == nil {
			return nil, db.ErrKeyNotFound
		}
		return bytes.Clone(*pending), nil
	}
	return tx.db.Get(key)
}

func (tx *writeTx) Iterate(prefix []byte, callback func(k, v []byte) bool) error {
	entries := make(map[string][]byte)
	err := tx.db.Iterate(prefix, func(k, v []byte) bool {
		entries[string(k)] = bytes.Clone(v)
		return true
	})
	if err != nil {
		return err
	}
	for k, v := range tx.writes {
		if !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		if v == nil {
			delete(entries, k)
			continue
		}
		entries[k] = bytes.Clone(*v)
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !callback([]byte(k), entries[k]) {
			break
		}
	}
	return nil
}

func (tx *writeTx) Set(key, value []byte) error {
	valCopy := bytes.Clone(value)
	tx.writes[string(key)] = &valCopy
	return nil
}

func (tx *writeTx) Delete(key []byte) error {
	tx.writes[string(key)] = nil
	return nil
}

func (tx *writeTx) Apply(other db.WriteTx) error {
	return other.Iterate(nil, func(k, v []byte) bool {
		return tx.Set(k, v) == nil
	})
}

func (tx *writeTx) Commit() error {
	if tx.done {
		return fmt.Errorf("mongodb: tx already finished")
	}
	tx.done = true
	if len(tx.writes) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(tx.writes))
	for key, value := range tx.writes {
		id := hex.EncodeToString([]byte(key))
		if value == nil {
			models = append(models, mongo.NewDeleteOneModel().
				SetFilter(bson.M{"_id": id}))
			continue
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": id}).
			SetReplacement(document{
				ID:    id,
				Value: primitive.Binary{Data: *value},
			}).
			SetUpsert(true))
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	_, err := tx.db.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true))
	return err
}

func (tx *writeTx) Discard() {
	tx.done = true
	tx.writes = map[string]*[]byte{}
}
