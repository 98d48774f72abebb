package store

import (
	"context"
	"encoding/json"
	"testing"
)

func testBucket(name string, kt KeyType, index ...string) *Bucket {
	return &Bucket{Name: name, Version: 1, KeyType: kt, Index: index}
}

func mustInit(t *testing.T, m *Mem, b *Bucket) {
	t.Helper()
	if err := m.InitBucket(context.Background(), b); err != nil {
		t.Fatalf("InitBucket(%s): %v", b.Name, err)
	}
}

func mustPut(t *testing.T, m *Mem, bucket, key string, record interface{}, etag string) string {
	t.Helper()
	value, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	newTag, err := m.Put(context.Background(), bucket, key, value, etag)
	if err != nil {
		t.Fatalf("Put(%s/%s): %v", bucket, key, err)
	}
	return newTag
}

func TestMem_PutGetEtagSemantics(t *testing.T) {
	ctx := context.Background()
	m := NewMem()
	mustInit(t, m, testBucket("things", KeyString, "color"))

	etag := mustPut(t, m, "things", "a", map[string]string{"color": "red"}, "")

	// Create-only put on an existing key conflicts
	if _, err := m.Put(ctx, "things", "a", []byte(`{}`), ""); !IsEtagConflict(err) {
		t.Errorf("expected etag conflict for create-only put, got %v", err)
	}

	// Put with the read etag succeeds and returns a fresh etag
	etag2 := mustPut(t, m, "things", "a", map[string]string{"color": "blue"}, etag)
	if etag2 == etag {
		t.Error("etag should change on update")
	}

	// Stale etag conflicts, and the conflict is classified
	_, err := m.Put(ctx, "things", "a", []byte(`{}`), etag)
	bucket, key, ok := ConflictContext(err)
	if !ok || bucket != "things" || key != "a" {
		t.Errorf("conflict context: got (%q,%q,%v)", bucket, key, ok)
	}

	item, err := m.Get(ctx, "things", "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var rec map[string]string
	if err := item.Decode(&rec); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if rec["color"] != "blue" {
		t.Errorf("color: got %q", rec["color"])
	}
	if item.Etag != etag2 {
		t.Errorf("Get etag: got %q, want %q", item.Etag, etag2)
	}

	if _, err := m.Get(ctx, "things", "missing"); !IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}
	if _, err := m.Get(ctx, "nosuchbucket", "a"); !IsNotFound(err) {
		t.Errorf("expected BucketNotFound, got %v", err)
	}
}

func TestMem_DeleteEtagSemantics(t *testing.T) {
	ctx := context.Background()
	m := NewMem()
	mustInit(t, m, testBucket("things", KeyString))

	etag := mustPut(t, m, "things", "a", map[string]string{}, "")

	if err := m.Delete(ctx, "things", "a", "wrong"); !IsEtagConflict(err) {
		t.Errorf("expected conflict for wrong etag, got %v", err)
	}
	if err := m.Delete(ctx, "things", "a", etag); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Get(ctx, "things", "a"); !IsNotFound(err) {
		t.Errorf("expected NotFound after delete, got %v", err)
	}
	if err := m.Delete(ctx, "things", "a", ""); !IsNotFound(err) {
		t.Errorf("expected NotFound for second delete, got %v", err)
	}
}

func TestMem_FindFilterSortLimit(t *testing.T) {
	ctx := context.Background()
	m := NewMem()
	mustInit(t, m, testBucket("nics", KeyNumber, "owner", "state"))

	mustPut(t, m, "nics", "3", map[string]interface{}{"owner": "a", "state": "running"}, "")
	mustPut(t, m, "nics", "1", map[string]interface{}{"owner": "a", "state": "stopped"}, "")
	mustPut(t, m, "nics", "2", map[string]interface{}{"owner": "b", "state": "running"}, "")

	// No filter: key order
	items, err := m.Find(ctx, "nics", nil, FindOpts{})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(items) != 3 || items[0].Key != "1" || items[2].Key != "3" {
		t.Errorf("key order wrong: %v", keysOf(items))
	}

	// Filter on indexed field
	items, err = m.Find(ctx, "nics", Eq{"owner", "a"}, FindOpts{})
	if err != nil {
		t.Fatalf("Find filtered: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("owner=a: got %d items", len(items))
	}

	// Composite filter
	items, err = m.Find(ctx, "nics", And{Eq{"owner", "a"}, Eq{"state", "running"}}, FindOpts{})
	if err != nil {
		t.Fatalf("Find composite: %v", err)
	}
	if len(items) != 1 || items[0].Key != "3" {
		t.Errorf("composite filter: got %v", keysOf(items))
	}

	// Unindexed field rejected
	if _, err := m.Find(ctx, "nics", Eq{"mtu", 1500}, FindOpts{}); err == nil {
		t.Error("expected InvalidQuery for unindexed field")
	}

	// Limit + offset
	items, _ = m.Find(ctx, "nics", nil, FindOpts{Limit: 1, Offset: 1})
	if len(items) != 1 || items[0].Key != "2" {
		t.Errorf("limit/offset: got %v", keysOf(items))
	}

	// Sort descending by key
	items, _ = m.Find(ctx, "nics", nil, FindOpts{Sort: Sort{Desc: true}})
	if items[0].Key != "3" {
		t.Errorf("desc sort: got %v", keysOf(items))
	}
}

func TestMem_NumericKeyOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMem()
	mustInit(t, m, testBucket("nums", KeyNumber))

	for _, k := range []string{"10", "2", "33"} {
		mustPut(t, m, "nums", k, map[string]int{}, "")
	}
	items, _ := m.Find(ctx, "nums", nil, FindOpts{})
	got := keysOf(items)
	if got[0] != "2" || got[1] != "10" || got[2] != "33" {
		t.Errorf("numeric order: got %v", got)
	}
}

func TestMem_BatchAtomicity(t *testing.T) {
	ctx := context.Background()
	m := NewMem()
	mustInit(t, m, testBucket("a", KeyString))
	mustInit(t, m, testBucket("b", KeyString))

	mustPut(t, m, "a", "x", map[string]string{"v": "old"}, "")

	// Second op conflicts (create-only on existing key): nothing applies.
	op1, _ := PutOp("b", "y", map[string]string{}, "")
	op2, _ := PutOp("a", "x", map[string]string{}, "")
	err := m.Batch(ctx, []Op{op1, op2})
	if !IsEtagConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	bucket, key, _ := ConflictContext(err)
	if bucket != "a" || key != "x" {
		t.Errorf("conflict classified as (%q,%q)", bucket, key)
	}
	if _, err := m.Get(ctx, "b", "y"); !IsNotFound(err) {
		t.Error("first op must not apply when a later op conflicts")
	}
}

func TestMem_BatchUpdateByFilter(t *testing.T) {
	ctx := context.Background()
	m := NewMem()
	mustInit(t, m, testBucket("nics", KeyNumber, "belongs_to_uuid", "primary_flag"))

	mustPut(t, m, "nics", "1", map[string]interface{}{"belongs_to_uuid": "vm1", "primary_flag": true}, "")
	mustPut(t, m, "nics", "2", map[string]interface{}{"belongs_to_uuid": "vm1", "primary_flag": false}, "")
	mustPut(t, m, "nics", "3", map[string]interface{}{"belongs_to_uuid": "vm2", "primary_flag": true}, "")

	// Clear primary on every vm1 NIC, then put a new primary in the same batch
	newNic, _ := PutOp("nics", "4", map[string]interface{}{"belongs_to_uuid": "vm1", "primary_flag": true}, "")
	err := m.Batch(ctx, []Op{
		UpdateOp("nics", map[string]interface{}{"primary_flag": false}, Eq{"belongs_to_uuid", "vm1"}),
		newNic,
	})
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}

	items, _ := m.Find(ctx, "nics", And{Eq{"belongs_to_uuid", "vm1"}, Eq{"primary_flag", true}}, FindOpts{})
	if len(items) != 1 || items[0].Key != "4" {
		t.Errorf("primary after batch: got %v", keysOf(items))
	}
	// vm2's NIC untouched
	items, _ = m.Find(ctx, "nics", And{Eq{"belongs_to_uuid", "vm2"}, Eq{"primary_flag", true}}, FindOpts{})
	if len(items) != 1 {
		t.Error("other owner's primary flag must not change")
	}
}

func TestMem_GapSearch(t *testing.T) {
	ctx := context.Background()
	m := NewMem()
	mustInit(t, m, &Bucket{Name: "ips", Version: 1, KeyType: KeyAddr})

	// Empty range: min itself is the gap
	gap, err := m.GapSearch(ctx, "ips", "10.0.0.10", "10.0.0.20")
	if err != nil {
		t.Fatalf("GapSearch empty: %v", err)
	}
	if gap != "10.0.0.10" {
		t.Errorf("empty range gap: got %s, want 10.0.0.10", gap)
	}

	// Occupy the head of the range
	for _, a := range []string{"10.0.0.10", "10.0.0.11", "10.0.0.12"} {
		mustPut(t, m, "ips", a, map[string]string{}, "")
	}
	gap, err = m.GapSearch(ctx, "ips", "10.0.0.10", "10.0.0.20")
	if err != nil {
		t.Fatalf("GapSearch: %v", err)
	}
	if gap != "10.0.0.13" {
		t.Errorf("gap after run: got %s, want 10.0.0.13", gap)
	}

	// A hole inside a run wins over the tail
	mustPut(t, m, "ips", "10.0.0.15", map[string]string{}, "")
	gap, _ = m.GapSearch(ctx, "ips", "10.0.0.10", "10.0.0.20")
	if gap != "10.0.0.13" {
		t.Errorf("smallest gap: got %s, want 10.0.0.13", gap)
	}

	// Full range reports NotFound
	m2 := NewMem()
	mustInit(t, m2, &Bucket{Name: "ips", Version: 1, KeyType: KeyAddr})
	for _, a := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		mustPut(t, m2, "ips", a, map[string]string{}, "")
	}
	if _, err := m2.GapSearch(ctx, "ips", "10.0.0.1", "10.0.0.3"); !IsNotFound(err) {
		t.Errorf("full range should be NotFound, got %v", err)
	}

	// String-keyed buckets refuse gap search
	mustInit(t, m, testBucket("names", KeyString))
	if _, err := m.GapSearch(ctx, "names", "a", "z"); err == nil {
		t.Error("expected InvalidQuery for string-keyed gap search")
	}
}

func TestMem_InitBucketSchemaMerge(t *testing.T) {
	ctx := context.Background()
	m := NewMem()
	mustInit(t, m, &Bucket{Name: "b", Version: 1, KeyType: KeyString, Index: []string{"x"}})
	mustPut(t, m, "b", "k", map[string]string{"x": "1", "y": "2"}, "")

	// Re-init at a higher version with a new indexed field
	mustInit(t, m, &Bucket{Name: "b", Version: 2, KeyType: KeyString, Index: []string{"y"}})
	got, err := m.GetBucket(ctx, "b")
	if err != nil {
		t.Fatalf("GetBucket: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("version: got %d", got.Version)
	}
	// Index replacement is additive
	if !got.HasIndex("x") || !got.HasIndex("y") {
		t.Errorf("index set: got %v", got.Index)
	}

	// Records survive and the new field is queryable
	items, err := m.Find(ctx, "b", Eq{"y", "2"}, FindOpts{})
	if err != nil {
		t.Fatalf("Find on new index: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("got %d items", len(items))
	}

	// Init with too-new MinStoreVersion fails
	err = m.InitBucket(ctx, &Bucket{Name: "c", Version: 1, MinStoreVersion: CurrentStoreVersion + 1})
	if err == nil {
		t.Error("expected failure for MinStoreVersion above store version")
	}
}

func keysOf(items []Item) []string {
	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = it.Key
	}
	return keys
}
