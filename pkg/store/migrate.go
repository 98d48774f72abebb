package store

import (
	"context"

	"github.com/napi-network/napi/pkg/util"
)

// MigrateBatchSize bounds how many records a migration sweep holds in
// flight at once.
const MigrateBatchSize = 100

// migrateRecordRetries bounds per-record retry after an etag conflict
// during a sweep.
const migrateRecordRetries = 5

// MigrateFn rebuilds one record at the current schema version. A nil
// return value means the record is already current and is left alone.
type MigrateFn func(key string, value []byte) ([]byte, error)

// Migration pairs a bucket declaration with its record rebuild function.
type Migration struct {
	Bucket  *Bucket
	Migrate MigrateFn
}

// RunMigrations initializes every bucket and sweeps under-versioned
// records forward. The whole procedure is idempotent and safe to
// interrupt: a restart rescans and finishes what is left.
func RunMigrations(ctx context.Context, c Client, migrations []Migration) error {
	for _, m := range migrations {
		if err := MigrateBucket(ctx, c, m.Bucket, m.Migrate); err != nil {
			return err
		}
	}
	return nil
}

// MigrateBucket moves one bucket from its stored migration level to the
// declared one: init (schema replace), record sweep, reindex of the
// rewritten records, then the migration_version marker.
func MigrateBucket(ctx context.Context, c Client, b *Bucket, fn MigrateFn) error {
	log := util.WithBucket(b.Name)

	if err := c.InitBucket(ctx, b); err != nil {
		return err
	}

	stored, err := c.GetBucket(ctx, b.Name)
	if err != nil {
		return err
	}
	if stored.MigrationVersion >= b.MigrationVersion {
		return nil
	}
	log.Infof("migrating records to version %d", b.MigrationVersion)

	if fn != nil {
		migrated, err := sweepRecords(ctx, c, b, fn)
		if err != nil {
			return err
		}
		if migrated > 0 {
			log.Infof("migrated %d records", migrated)
		}
	}

	return c.SetMigrationVersion(ctx, b.Name, b.MigrationVersion)
}

// sweepRecords pages through the bucket rewriting under-versioned
// records in place under their read etags.
func sweepRecords(ctx context.Context, c Client, b *Bucket, fn MigrateFn) (int, error) {
	migrated := 0
	offset := 0
	for {
		items, err := c.Find(ctx, b.Name, nil, FindOpts{Limit: MigrateBatchSize, Offset: offset})
		if err != nil {
			return migrated, err
		}
		if len(items) == 0 {
			return migrated, nil
		}
		for _, item := range items {
			changed, err := migrateRecord(ctx, c, b.Name, item, fn)
			if err != nil {
				return migrated, err
			}
			if changed {
				migrated++
			}
		}
		offset += len(items)
	}
}

// migrateRecord rewrites one record, re-reading and retrying when a
// concurrent writer moves the etag underneath the sweep.
func migrateRecord(ctx context.Context, c Client, bucket string, item Item, fn MigrateFn) (bool, error) {
	for attempt := 0; attempt < migrateRecordRetries; attempt++ {
		next, err := fn(item.Key, item.Value)
		if err != nil {
			return false, util.NewInternalError("store.MigrateBucket",
				"record "+bucket+"/"+item.Key+": "+err.Error())
		}
		if next == nil {
			return false, nil // already current
		}
		_, err = c.Put(ctx, bucket, item.Key, next, item.Etag)
		if err == nil {
			return true, nil
		}
		if !IsEtagConflict(err) {
			return false, err
		}
		// Somebody wrote the record mid-sweep; reload and retry.
		fresh, gerr := c.Get(ctx, bucket, item.Key)
		if gerr != nil {
			if IsNotFound(gerr) {
				return false, nil // deleted underneath us, nothing to migrate
			}
			return false, gerr
		}
		item = *fresh
	}
	return false, util.NewUnavailableError("store.MigrateBucket",
		"record "+bucket+"/"+item.Key+" kept conflicting")
}
