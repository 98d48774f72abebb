package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/napi-network/napi/pkg/util"
)

// Redis is the production backend. Records are hashes with value and
// etag fields; each bucket keeps a sorted-set key index whose members
// are the encoded keys, so lexicographic range reads walk the bucket in
// key order. Batches commit under WATCH/MULTI/EXEC so that any
// concurrent change to a participating record aborts the whole batch.
type Redis struct {
	client *redis.Client
	prefix string

	mu      sync.Mutex
	schemas map[string]*Bucket
}

const (
	bucketMetaKey   = "napi_buckets"
	storeVersionKey = "napi_store_version"
	// pageSize is the count hint for index range reads, matching the
	// cursor page size used elsewhere against Redis.
	pageSize = 100
)

// NewRedis creates a Redis-backed store. prefix is prepended to every
// key; test deployments pass "test_".
func NewRedis(opts *redis.Options, prefix string) *Redis {
	return &Redis{
		client:  redis.NewClient(opts),
		prefix:  prefix,
		schemas: make(map[string]*Bucket),
	}
}

// Ping tests the connection.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Close closes the connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) recordKey(bucket, encoded string) string {
	return r.prefix + bucket + "|" + encoded
}

func (r *Redis) indexKey(bucket string) string {
	return r.prefix + bucket + ":keys"
}

// InitBucket creates or migrates the bucket schema under an optimistic
// transaction so concurrent initializers settle on the same result.
func (r *Redis) InitBucket(ctx context.Context, b *Bucket) error {
	version, err := r.Version(ctx)
	if err != nil {
		return err
	}
	if b.MinStoreVersion > version {
		return util.NewInternalError("store.InitBucket",
			"bucket "+b.Name+" requires a newer store version")
	}

	metaKey := r.prefix + bucketMetaKey
	for attempt := 0; attempt < 5; attempt++ {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.HGet(ctx, metaKey, b.Name).Result()
			stored := Bucket{}
			exists := false
			switch {
			case err == redis.Nil:
			case err != nil:
				return err
			default:
				if jerr := json.Unmarshal([]byte(raw), &stored); jerr != nil {
					return jerr
				}
				exists = true
			}

			next := *b
			// Only the migrator advances the migration marker.
			next.MigrationVersion = 0
			if exists {
				if stored.Version >= b.Version {
					return nil // already current
				}
				merged := stored.Index
				for _, f := range b.Index {
					if !stored.HasIndex(f) {
						merged = append(merged, f)
					}
				}
				next.Index = merged
				next.MigrationVersion = stored.MigrationVersion
			}
			encoded, err := json.Marshal(&next)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, metaKey, b.Name, string(encoded))
				return nil
			})
			return err
		}, metaKey)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return unavailable(err)
		}
		r.mu.Lock()
		delete(r.schemas, b.Name)
		r.mu.Unlock()
		return nil
	}
	return unavailable(fmt.Errorf("bucket init for %s kept conflicting", b.Name))
}

// DeleteBucket drops every record, the key index, and the schema.
func (r *Redis) DeleteBucket(ctx context.Context, bucket string) error {
	if _, err := r.schema(ctx, bucket); err != nil {
		return err
	}
	idx := r.indexKey(bucket)
	var offset int64
	for {
		members, err := r.client.ZRangeByLex(ctx, idx, &redis.ZRangeBy{
			Min: "-", Max: "+", Offset: offset, Count: pageSize,
		}).Result()
		if err != nil {
			return unavailable(err)
		}
		if len(members) == 0 {
			break
		}
		keys := make([]string, len(members))
		for i, m := range members {
			keys[i] = r.recordKey(bucket, m)
		}
		if err := r.client.Del(ctx, keys...).Err(); err != nil {
			return unavailable(err)
		}
		offset += int64(len(members))
	}
	if err := r.client.Del(ctx, idx).Err(); err != nil {
		return unavailable(err)
	}
	if err := r.client.HDel(ctx, r.prefix+bucketMetaKey, bucket).Err(); err != nil {
		return unavailable(err)
	}
	r.mu.Lock()
	delete(r.schemas, bucket)
	r.mu.Unlock()
	return nil
}

// GetBucket returns the stored schema.
func (r *Redis) GetBucket(ctx context.Context, bucket string) (*Bucket, error) {
	return r.schema(ctx, bucket)
}

// SetMigrationVersion records a completed migration sweep.
func (r *Redis) SetMigrationVersion(ctx context.Context, bucket string, version int) error {
	b, err := r.schema(ctx, bucket)
	if err != nil {
		return err
	}
	updated := *b
	updated.MigrationVersion = version
	encoded, err := json.Marshal(&updated)
	if err != nil {
		return util.NewInternalError("store.SetMigrationVersion", err.Error())
	}
	if err := r.client.HSet(ctx, r.prefix+bucketMetaKey, bucket, string(encoded)).Err(); err != nil {
		return unavailable(err)
	}
	r.mu.Lock()
	r.schemas[bucket] = &updated
	r.mu.Unlock()
	return nil
}

// Version reports the store version, initializing it on first read.
func (r *Redis) Version(ctx context.Context) (int, error) {
	key := r.prefix + storeVersionKey
	v, err := r.client.Get(ctx, key).Int()
	if err == redis.Nil {
		if err := r.client.SetNX(ctx, key, CurrentStoreVersion, 0).Err(); err != nil {
			return 0, unavailable(err)
		}
		return CurrentStoreVersion, nil
	}
	if err != nil {
		return 0, unavailable(err)
	}
	return v, nil
}

func (r *Redis) schema(ctx context.Context, bucket string) (*Bucket, error) {
	r.mu.Lock()
	if b, ok := r.schemas[bucket]; ok {
		r.mu.Unlock()
		return b, nil
	}
	r.mu.Unlock()

	raw, err := r.client.HGet(ctx, r.prefix+bucketMetaKey, bucket).Result()
	if err == redis.Nil {
		return nil, bucketNotFound(bucket)
	}
	if err != nil {
		return nil, unavailable(err)
	}
	var b Bucket
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return nil, util.NewInternalError("store.schema", err.Error())
	}
	r.mu.Lock()
	r.schemas[bucket] = &b
	r.mu.Unlock()
	return &b, nil
}

// Get returns one record.
func (r *Redis) Get(ctx context.Context, bucket, key string) (*Item, error) {
	b, err := r.schema(ctx, bucket)
	if err != nil {
		return nil, err
	}
	encoded, err := encodeKey(b.KeyType, key)
	if err != nil {
		return nil, invalidQuery(bucket, err)
	}
	vals, rerr := r.client.HGetAll(ctx, r.recordKey(bucket, encoded)).Result()
	if rerr != nil {
		return nil, unavailable(rerr)
	}
	if len(vals) == 0 {
		return nil, notFound(bucket, key)
	}
	return &Item{Bucket: bucket, Key: key, Value: []byte(vals["value"]), Etag: vals["etag"]}, nil
}

// Put writes one record under the etag constraint.
func (r *Redis) Put(ctx context.Context, bucket, key string, value []byte, etag string) (string, error) {
	op := Op{Type: OpPut, Bucket: bucket, Key: key, Value: value, Etag: etag}
	newTag := NewEtag()
	if err := r.commit(ctx, []Op{op}, map[int]string{0: newTag}); err != nil {
		return "", err
	}
	return newTag, nil
}

// Delete removes one record under the etag constraint.
func (r *Redis) Delete(ctx context.Context, bucket, key, etag string) error {
	return r.commit(ctx, []Op{{Type: OpDelete, Bucket: bucket, Key: key, Etag: etag}}, nil)
}

// Find walks the key index in order and returns records matching the
// filter.
func (r *Redis) Find(ctx context.Context, bucket string, filter Filter, opts FindOpts) ([]Item, error) {
	b, err := r.schema(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if err := validateFilter(b, filter); err != nil {
		return nil, err
	}
	if opts.Sort.Field != "" && !b.HasIndex(opts.Sort.Field) {
		return nil, invalidQuery(bucket, errNotIndexed(opts.Sort.Field))
	}

	var items []Item
	idx := r.indexKey(bucket)
	var offset int64
	for {
		members, err := r.client.ZRangeByLex(ctx, idx, &redis.ZRangeBy{
			Min: "-", Max: "+", Offset: offset, Count: pageSize,
		}).Result()
		if err != nil {
			return nil, unavailable(err)
		}
		if len(members) == 0 {
			break
		}
		for _, encoded := range members {
			vals, err := r.client.HGetAll(ctx, r.recordKey(bucket, encoded)).Result()
			if err != nil {
				return nil, unavailable(err)
			}
			if len(vals) == 0 {
				continue // index raced a delete
			}
			value := []byte(vals["value"])
			if filter != nil {
				fields, derr := decodeRecord(value)
				if derr != nil {
					return nil, util.NewInternalError("store.Find", derr.Error())
				}
				if !filter.Match(fields) {
					continue
				}
			}
			key, derr := decodeKey(b.KeyType, encoded)
			if derr != nil {
				return nil, util.NewInternalError("store.Find", derr.Error())
			}
			items = append(items, Item{Bucket: bucket, Key: key, Value: value, Etag: vals["etag"]})
		}
		offset += int64(len(members))
	}

	sortItems(items, opts.Sort)
	return sliceItems(items, opts), nil
}

// Batch commits a list of operations atomically.
func (r *Redis) Batch(ctx context.Context, ops []Op) error {
	return r.commit(ctx, ops, nil)
}

// commit runs the full batch under WATCH/MULTI/EXEC. etags optionally
// pins the new etag for an op index (used by Put to return it).
func (r *Redis) commit(ctx context.Context, ops []Op, etags map[int]string) error {
	// Resolve schemas and encoded keys up front.
	items := make([]resolvedOp, len(ops))
	var watchKeys []string
	for i := range ops {
		op := &ops[i]
		b, err := r.schema(ctx, op.Bucket)
		if err != nil {
			return err
		}
		items[i] = resolvedOp{op: op, schema: b}
		switch op.Type {
		case OpPut, OpDelete:
			encoded, err := encodeKey(b.KeyType, op.Key)
			if err != nil {
				return invalidQuery(op.Bucket, err)
			}
			items[i].encoded = encoded
			watchKeys = append(watchKeys, r.recordKey(op.Bucket, encoded))
		case OpUpdate:
			if err := validateFilter(b, op.Filter); err != nil {
				return err
			}
			for field := range op.Fields {
				if !b.HasIndex(field) {
					return invalidQuery(op.Bucket, errNotIndexed(field))
				}
			}
		default:
			return invalidQuery(op.Bucket, errUnknownOp(string(op.Type)))
		}
	}

	// Snapshot of observed etags for conflict classification after a
	// failed EXEC.
	observed := make(map[string]string)

	txErr := r.client.Watch(ctx, func(tx *redis.Tx) error {
		type pendingWrite struct {
			recordKey string
			indexKey  string
			member    string
			value     []byte
			etag      string
			delete    bool
		}
		var writes []pendingWrite

		for i := range items {
			it := &items[i]
			switch it.op.Type {
			case OpPut, OpDelete:
				rkey := r.recordKey(it.op.Bucket, it.encoded)
				current, err := tx.HGet(ctx, rkey, "etag").Result()
				exists := true
				if err == redis.Nil {
					exists = false
					current = ""
				} else if err != nil {
					return err
				}
				observed[rkey] = current

				if it.op.Type == OpPut {
					if it.op.Etag == "" && exists {
						return etagConflict(it.op.Bucket, it.op.Key)
					}
					if it.op.Etag != "" && (!exists || current != it.op.Etag) {
						return etagConflict(it.op.Bucket, it.op.Key)
					}
					newTag := etags[i]
					if newTag == "" {
						newTag = NewEtag()
					}
					writes = append(writes, pendingWrite{
						recordKey: rkey,
						indexKey:  r.indexKey(it.op.Bucket),
						member:    it.encoded,
						value:     it.op.Value,
						etag:      newTag,
					})
				} else {
					if !exists {
						return notFound(it.op.Bucket, it.op.Key)
					}
					if it.op.Etag != "" && current != it.op.Etag {
						return etagConflict(it.op.Bucket, it.op.Key)
					}
					writes = append(writes, pendingWrite{
						recordKey: rkey,
						indexKey:  r.indexKey(it.op.Bucket),
						member:    it.encoded,
						delete:    true,
					})
				}

			case OpUpdate:
				// Discover matching records and watch them so EXEC
				// aborts if any change underneath us.
				idx := r.indexKey(it.op.Bucket)
				var offset int64
				for {
					members, err := tx.ZRangeByLex(ctx, idx, &redis.ZRangeBy{
						Min: "-", Max: "+", Offset: offset, Count: pageSize,
					}).Result()
					if err != nil {
						return err
					}
					if len(members) == 0 {
						break
					}
					for _, member := range members {
						rkey := r.recordKey(it.op.Bucket, member)
						if err := tx.Watch(ctx, rkey).Err(); err != nil {
							return err
						}
						vals, err := tx.HGetAll(ctx, rkey).Result()
						if err != nil {
							return err
						}
						if len(vals) == 0 {
							continue
						}
						fields, derr := decodeRecord([]byte(vals["value"]))
						if derr != nil {
							return derr
						}
						if it.op.Filter != nil && !it.op.Filter.Match(fields) {
							continue
						}
						for k, v := range it.op.Fields {
							fields[k] = v
						}
						value, merr := json.Marshal(fields)
						if merr != nil {
							return merr
						}
						writes = append(writes, pendingWrite{
							recordKey: rkey,
							indexKey:  idx,
							member:    member,
							value:     value,
							etag:      NewEtag(),
						})
					}
					offset += int64(len(members))
				}
			}
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, w := range writes {
				if w.delete {
					pipe.Del(ctx, w.recordKey)
					pipe.ZRem(ctx, w.indexKey, w.member)
					continue
				}
				// Single HSET per record: one write, one keyspace event.
				pipe.HSet(ctx, w.recordKey, "value", string(w.value), "etag", w.etag)
				pipe.ZAdd(ctx, w.indexKey, &redis.Z{Score: 0, Member: w.member})
			}
			return nil
		})
		return err
	}, watchKeys...)

	if txErr == nil {
		return nil
	}
	var serr *Error
	if errors.As(txErr, &serr) {
		return serr
	}
	if txErr == redis.TxFailedErr {
		return r.classifyConflict(ctx, items, observed)
	}
	return unavailable(txErr)
}

// resolvedOp pairs a batch op with its bucket schema and encoded key.
type resolvedOp struct {
	op      *Op
	schema  *Bucket
	encoded string
}

// classifyConflict re-reads the batch's records after a failed EXEC and
// pins the conflict on the first record whose etag moved.
func (r *Redis) classifyConflict(ctx context.Context, items []resolvedOp, observed map[string]string) error {
	for i := range items {
		it := &items[i]
		if it.op.Type == OpUpdate {
			continue
		}
		rkey := r.recordKey(it.op.Bucket, it.encoded)
		current, err := r.client.HGet(ctx, rkey, "etag").Result()
		if err == redis.Nil {
			current = ""
		} else if err != nil {
			return unavailable(err)
		}
		if before, ok := observed[rkey]; ok && before != current {
			return etagConflict(it.op.Bucket, it.op.Key)
		}
	}
	// The mover was an update-matched record or has already moved back;
	// surface an unclassified conflict and let the caller retry whole.
	return &Error{Kind: KindEtagConflict}
}

// GapSearch pages the key index between min and max and returns the
// first hole.
func (r *Redis) GapSearch(ctx context.Context, bucket, min, max string) (string, error) {
	b, err := r.schema(ctx, bucket)
	if err != nil {
		return "", err
	}
	if !gapSearchable(b.KeyType) {
		return "", invalidQuery(bucket, errNotGapSearchable(string(b.KeyType)))
	}
	encMin, err := encodeKey(b.KeyType, min)
	if err != nil {
		return "", invalidQuery(bucket, err)
	}
	encMax, err := encodeKey(b.KeyType, max)
	if err != nil {
		return "", invalidQuery(bucket, err)
	}

	idx := r.indexKey(bucket)
	var present []string
	var offset int64
	for {
		members, err := r.client.ZRangeByLex(ctx, idx, &redis.ZRangeBy{
			Min: "[" + encMin, Max: "[" + encMax, Offset: offset, Count: pageSize,
		}).Result()
		if err != nil {
			return "", unavailable(err)
		}
		present = append(present, members...)
		if len(members) < pageSize {
			break
		}
		offset += int64(len(members))
	}

	gap, ok := findGap(b.KeyType, encMin, encMax, present)
	if !ok {
		return "", notFound(bucket, "")
	}
	return decodeKey(b.KeyType, gap)
}
