package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/napi-network/napi/pkg/util"
)

// Mem is the in-memory backend. It implements the full Client contract
// including atomic batches and gap search, and is what unit tests run
// against.
type Mem struct {
	mu           sync.Mutex
	buckets      map[string]*memBucket
	storeVersion int
}

type memBucket struct {
	schema  Bucket
	records map[string]*memRecord // keyed by encoded key
	keys    []string              // sorted encoded keys
}

type memRecord struct {
	value []byte
	etag  string
}

// NewMem creates an empty in-memory store.
func NewMem() *Mem {
	return &Mem{
		buckets:      make(map[string]*memBucket),
		storeVersion: CurrentStoreVersion,
	}
}

func (m *Mem) bucket(name string) (*memBucket, *Error) {
	b, ok := m.buckets[name]
	if !ok {
		return nil, bucketNotFound(name)
	}
	return b, nil
}

// InitBucket creates the bucket or migrates its schema forward.
func (m *Mem) InitBucket(ctx context.Context, b *Bucket) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b.MinStoreVersion > m.storeVersion {
		return util.NewInternalError("store.InitBucket",
			"bucket "+b.Name+" requires a newer store version")
	}

	existing, ok := m.buckets[b.Name]
	if !ok {
		schema := *b
		// Only the migrator advances the migration marker.
		schema.MigrationVersion = 0
		m.buckets[b.Name] = &memBucket{
			schema:  schema,
			records: make(map[string]*memRecord),
		}
		return nil
	}

	// Schema replacement is additive only: the index set grows, the
	// version moves forward, stored migration level is preserved.
	if b.Version > existing.schema.Version {
		merged := existing.schema.Index
		for _, f := range b.Index {
			if !existing.schema.HasIndex(f) {
				merged = append(merged, f)
			}
		}
		mv := existing.schema.MigrationVersion
		existing.schema = *b
		existing.schema.Index = merged
		existing.schema.MigrationVersion = mv
	}
	return nil
}

// DeleteBucket drops the bucket and its records.
func (m *Mem) DeleteBucket(ctx context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[bucket]; !ok {
		return bucketNotFound(bucket)
	}
	delete(m.buckets, bucket)
	return nil
}

// GetBucket returns the stored schema.
func (m *Mem) GetBucket(ctx context.Context, bucket string) (*Bucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, serr := m.bucket(bucket)
	if serr != nil {
		return nil, serr
	}
	schema := b.schema
	return &schema, nil
}

// SetMigrationVersion records a completed migration sweep.
func (m *Mem) SetMigrationVersion(ctx context.Context, bucket string, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, serr := m.bucket(bucket)
	if serr != nil {
		return serr
	}
	b.schema.MigrationVersion = version
	return nil
}

// Version reports the store version.
func (m *Mem) Version(ctx context.Context) (int, error) {
	return m.storeVersion, nil
}

// Get returns one record.
func (m *Mem) Get(ctx context.Context, bucket, key string) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, serr := m.bucket(bucket)
	if serr != nil {
		return nil, serr
	}
	encoded, err := encodeKey(b.schema.KeyType, key)
	if err != nil {
		return nil, invalidQuery(bucket, err)
	}
	rec, ok := b.records[encoded]
	if !ok {
		return nil, notFound(bucket, key)
	}
	return &Item{Bucket: bucket, Key: key, Value: cloneBytes(rec.value), Etag: rec.etag}, nil
}

// Put writes one record under the etag constraint.
func (m *Mem) Put(ctx context.Context, bucket, key string, value []byte, etag string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putLocked(bucket, key, value, etag)
}

func (m *Mem) putLocked(bucket, key string, value []byte, etag string) (string, error) {
	b, serr := m.bucket(bucket)
	if serr != nil {
		return "", serr
	}
	encoded, err := encodeKey(b.schema.KeyType, key)
	if err != nil {
		return "", invalidQuery(bucket, err)
	}
	if err := checkEtag(b, bucket, key, encoded, etag); err != nil {
		return "", err
	}
	newTag := NewEtag()
	if _, exists := b.records[encoded]; !exists {
		b.insertKey(encoded)
	}
	b.records[encoded] = &memRecord{value: cloneBytes(value), etag: newTag}
	return newTag, nil
}

// Delete removes one record under the etag constraint.
func (m *Mem) Delete(ctx context.Context, bucket, key, etag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(bucket, key, etag)
}

func (m *Mem) deleteLocked(bucket, key, etag string) error {
	b, serr := m.bucket(bucket)
	if serr != nil {
		return serr
	}
	encoded, err := encodeKey(b.schema.KeyType, key)
	if err != nil {
		return invalidQuery(bucket, err)
	}
	rec, ok := b.records[encoded]
	if !ok {
		return notFound(bucket, key)
	}
	if etag != "" && rec.etag != etag {
		return etagConflict(bucket, key)
	}
	delete(b.records, encoded)
	b.removeKey(encoded)
	return nil
}

// Find returns records matching the filter in key order (or by the
// requested sort field).
func (m *Mem) Find(ctx context.Context, bucket string, filter Filter, opts FindOpts) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, serr := m.bucket(bucket)
	if serr != nil {
		return nil, serr
	}
	if err := validateFilter(&b.schema, filter); err != nil {
		return nil, err
	}
	if opts.Sort.Field != "" && !b.schema.HasIndex(opts.Sort.Field) {
		return nil, invalidQuery(bucket, errNotIndexed(opts.Sort.Field))
	}

	var items []Item
	for _, encoded := range b.keys {
		rec := b.records[encoded]
		if filter != nil {
			fields, err := decodeRecord(rec.value)
			if err != nil {
				return nil, util.NewInternalError("store.Find", err.Error())
			}
			if !filter.Match(fields) {
				continue
			}
		}
		key, err := decodeKey(b.schema.KeyType, encoded)
		if err != nil {
			return nil, util.NewInternalError("store.Find", err.Error())
		}
		items = append(items, Item{Bucket: bucket, Key: key, Value: cloneBytes(rec.value), Etag: rec.etag})
	}

	sortItems(items, opts.Sort)
	return sliceItems(items, opts), nil
}

// Batch commits all operations or none. Every precondition is checked
// before the first write so a conflict leaves the store untouched.
func (m *Mem) Batch(ctx context.Context, ops []Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Expand update-by-filter ops into concrete record updates under the
	// same lock so the whole batch applies against one snapshot.
	type pendingUpdate struct {
		bucket  string
		encoded string
		value   []byte
	}
	var updates []pendingUpdate

	for i := range ops {
		op := &ops[i]
		b, serr := m.bucket(op.Bucket)
		if serr != nil {
			return serr
		}
		switch op.Type {
		case OpPut:
			encoded, err := encodeKey(b.schema.KeyType, op.Key)
			if err != nil {
				return invalidQuery(op.Bucket, err)
			}
			if err := checkEtag(b, op.Bucket, op.Key, encoded, op.Etag); err != nil {
				return err
			}
		case OpDelete:
			encoded, err := encodeKey(b.schema.KeyType, op.Key)
			if err != nil {
				return invalidQuery(op.Bucket, err)
			}
			rec, ok := b.records[encoded]
			if !ok {
				return notFound(op.Bucket, op.Key)
			}
			if op.Etag != "" && rec.etag != op.Etag {
				return etagConflict(op.Bucket, op.Key)
			}
		case OpUpdate:
			if err := validateFilter(&b.schema, op.Filter); err != nil {
				return err
			}
			for field := range op.Fields {
				if !b.schema.HasIndex(field) {
					return invalidQuery(op.Bucket, errNotIndexed(field))
				}
			}
			for _, encoded := range b.keys {
				rec := b.records[encoded]
				fields, err := decodeRecord(rec.value)
				if err != nil {
					return util.NewInternalError("store.Batch", err.Error())
				}
				if op.Filter != nil && !op.Filter.Match(fields) {
					continue
				}
				for k, v := range op.Fields {
					fields[k] = v
				}
				value, err := json.Marshal(fields)
				if err != nil {
					return util.NewInternalError("store.Batch", err.Error())
				}
				updates = append(updates, pendingUpdate{op.Bucket, encoded, value})
			}
		default:
			return invalidQuery(op.Bucket, errUnknownOp(string(op.Type)))
		}
	}

	// All preconditions hold; apply.
	for i := range ops {
		op := &ops[i]
		switch op.Type {
		case OpPut:
			if _, err := m.putLocked(op.Bucket, op.Key, op.Value, op.Etag); err != nil {
				return util.NewInternalError("store.Batch", "put failed after precheck: "+err.Error())
			}
		case OpDelete:
			if err := m.deleteLocked(op.Bucket, op.Key, op.Etag); err != nil {
				return util.NewInternalError("store.Batch", "delete failed after precheck: "+err.Error())
			}
		}
	}
	for _, u := range updates {
		b := m.buckets[u.bucket]
		if rec, ok := b.records[u.encoded]; ok {
			rec.value = u.value
			rec.etag = NewEtag()
		}
	}
	return nil
}

// GapSearch finds the smallest absent key in [min, max] that equals min
// or directly follows a present key.
func (m *Mem) GapSearch(ctx context.Context, bucket, min, max string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, serr := m.bucket(bucket)
	if serr != nil {
		return "", serr
	}
	if !gapSearchable(b.schema.KeyType) {
		return "", invalidQuery(bucket, errNotGapSearchable(string(b.schema.KeyType)))
	}
	encMin, err := encodeKey(b.schema.KeyType, min)
	if err != nil {
		return "", invalidQuery(bucket, err)
	}
	encMax, err := encodeKey(b.schema.KeyType, max)
	if err != nil {
		return "", invalidQuery(bucket, err)
	}

	// Present keys within the range, in order.
	lo := sort.SearchStrings(b.keys, encMin)
	var present []string
	for i := lo; i < len(b.keys) && b.keys[i] <= encMax; i++ {
		present = append(present, b.keys[i])
	}

	gap, ok := findGap(b.schema.KeyType, encMin, encMax, present)
	if !ok {
		return "", notFound(bucket, "")
	}
	return decodeKey(b.schema.KeyType, gap)
}

// findGap walks the ordered present keys looking for the first hole at
// or after min. Shared by both backends.
func findGap(kt KeyType, encMin, encMax string, present []string) (string, bool) {
	expected := encMin
	for _, member := range present {
		if member > expected {
			return expected, true
		}
		next, ok := nextKey(kt, member)
		if !ok {
			return "", false
		}
		expected = next
	}
	if expected <= encMax {
		return expected, true
	}
	return "", false
}

func (b *memBucket) insertKey(encoded string) {
	i := sort.SearchStrings(b.keys, encoded)
	b.keys = append(b.keys, "")
	copy(b.keys[i+1:], b.keys[i:])
	b.keys[i] = encoded
}

func (b *memBucket) removeKey(encoded string) {
	i := sort.SearchStrings(b.keys, encoded)
	if i < len(b.keys) && b.keys[i] == encoded {
		b.keys = append(b.keys[:i], b.keys[i+1:]...)
	}
}

func checkEtag(b *memBucket, bucket, key, encoded, etag string) error {
	rec, exists := b.records[encoded]
	if etag == "" {
		if exists {
			return etagConflict(bucket, key)
		}
		return nil
	}
	if !exists || rec.etag != etag {
		return etagConflict(bucket, key)
	}
	return nil
}

func decodeRecord(value []byte) (map[string]interface{}, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(value, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func cloneBytes(b []byte) []byte {
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}
