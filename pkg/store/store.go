// Package store is the adapter between the provisioning core and the
// document store that holds all durable state. It exposes versioned
// buckets of JSON records with indexed fields, etag-based optimistic
// concurrency, filtered queries, atomic heterogeneous batches, and the
// gap search used by IP allocation.
//
// Two backends implement the contract: Redis (production) and Mem
// (tests). Both share the filter evaluator and key codec so that the
// observable semantics are identical.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/napi-network/napi/pkg/util"
)

// CurrentStoreVersion is the version reported by a freshly initialized
// store. Buckets declaring a higher MinStoreVersion refuse to start.
const CurrentStoreVersion = 2

// KeyType selects the key codec of a bucket. It controls ordering in the
// key index and whether gap search is supported.
type KeyType string

const (
	// KeyString orders keys as plain strings. No gap search.
	KeyString KeyType = "string"
	// KeyAddr orders keys as IP addresses (canonical string form on the
	// API, fixed-width encoding in the index).
	KeyAddr KeyType = "addr"
	// KeyNumber orders keys as unsigned decimal numbers.
	KeyNumber KeyType = "number"
)

// Bucket declares the schema of one bucket.
type Bucket struct {
	Name string
	// Version is the declared schema version. InitBucket migrates the
	// stored schema forward (additive only) when it lags.
	Version int
	// MigrationVersion is the record-migration level this code expects.
	// The migrator writes it after a completed sweep.
	MigrationVersion int
	// MinStoreVersion aborts startup when the store is too old.
	MinStoreVersion int
	KeyType         KeyType
	// Index lists the record fields that may appear in filters.
	Index []string
}

// HasIndex reports whether a field is declared indexed.
func (b *Bucket) HasIndex(field string) bool {
	for _, f := range b.Index {
		if f == field {
			return true
		}
	}
	return false
}

// Item is one stored record with its concurrency token.
type Item struct {
	Bucket string
	Key    string
	Value  []byte
	Etag   string
}

// Decode unmarshals the record value into out.
func (it *Item) Decode(out interface{}) error {
	return json.Unmarshal(it.Value, out)
}

// Fields returns the record as a generic map for filter evaluation.
func (it *Item) Fields() (map[string]interface{}, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(it.Value, &m); err != nil {
		return nil, fmt.Errorf("record %s/%s is not a JSON object: %w", it.Bucket, it.Key, err)
	}
	return m, nil
}

// Sort orders Find results by an indexed field, or by key when Field is
// empty.
type Sort struct {
	Field string
	Desc  bool
}

// FindOpts bound and order a Find.
type FindOpts struct {
	Sort   Sort
	Limit  int
	Offset int
}

// OpType discriminates batch operations.
type OpType string

const (
	OpPut    OpType = "put"
	OpDelete OpType = "delete"
	// OpUpdate sets fields on every record matching a filter
	// (update_by_filter).
	OpUpdate OpType = "update"
)

// Op is one operation in an atomic batch.
//
// Etag semantics follow the put/delete contract: for OpPut an empty Etag
// means the key must not exist yet; a non-empty Etag must match the
// stored one. For OpDelete an empty Etag deletes unconditionally.
type Op struct {
	Type   OpType
	Bucket string
	Key    string
	Value  []byte
	Etag   string
	// Fields and Filter drive OpUpdate.
	Fields map[string]interface{}
	Filter Filter
}

// PutOp builds a put operation from a JSON-marshalable record.
func PutOp(bucket, key string, record interface{}, etag string) (Op, error) {
	value, err := json.Marshal(record)
	if err != nil {
		return Op{}, util.NewInternalError("store.PutOp", err.Error())
	}
	return Op{Type: OpPut, Bucket: bucket, Key: key, Value: value, Etag: etag}, nil
}

// DeleteOp builds a delete operation.
func DeleteOp(bucket, key, etag string) Op {
	return Op{Type: OpDelete, Bucket: bucket, Key: key, Etag: etag}
}

// UpdateOp builds an update-by-filter operation.
func UpdateOp(bucket string, fields map[string]interface{}, filter Filter) Op {
	return Op{Type: OpUpdate, Bucket: bucket, Fields: fields, Filter: filter}
}

// Client is the store contract consumed by the core. All methods take a
// context; implementations must not retain references to arguments.
type Client interface {
	// InitBucket creates the bucket or migrates its schema forward.
	// Concurrent calls for the same bucket are safe.
	InitBucket(ctx context.Context, b *Bucket) error
	// DeleteBucket drops a bucket and every record in it.
	DeleteBucket(ctx context.Context, bucket string) error
	// GetBucket returns the stored schema of a bucket.
	GetBucket(ctx context.Context, bucket string) (*Bucket, error)
	// SetMigrationVersion records a completed record-migration sweep.
	SetMigrationVersion(ctx context.Context, bucket string, version int) error
	// Version reports the store version.
	Version(ctx context.Context) (int, error)

	// Get returns one record or a NotFound error.
	Get(ctx context.Context, bucket, key string) (*Item, error)
	// Put writes one record under the etag constraint and returns the
	// new etag.
	Put(ctx context.Context, bucket, key string, value []byte, etag string) (string, error)
	// Delete removes one record under the etag constraint.
	Delete(ctx context.Context, bucket, key, etag string) error
	// Find returns records matching the filter. Filter fields must be
	// indexed in the bucket schema.
	Find(ctx context.Context, bucket string, filter Filter, opts FindOpts) ([]Item, error)
	// Batch commits a list of operations atomically. Any etag conflict
	// fails the whole batch with an error classified by {bucket, key}.
	Batch(ctx context.Context, ops []Op) error
	// GapSearch returns the smallest key a in [min, max] (external key
	// form) that is absent from the bucket and either equals min or
	// directly follows a present key. Returns NotFound when the range
	// is fully occupied. Only addr- and number-keyed buckets support it.
	GapSearch(ctx context.Context, bucket, min, max string) (string, error)
}

// NewEtag returns a fresh opaque concurrency token.
func NewEtag() string {
	return newRandomHex(16)
}
