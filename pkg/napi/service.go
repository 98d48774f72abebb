package napi

import (
	"context"
	"encoding/json"

	"github.com/napi-network/napi/pkg/macaddr"
	"github.com/napi-network/napi/pkg/store"
	"github.com/napi-network/napi/pkg/util"
)

// Service is the provisioning core. It owns every write to the NAPI
// buckets; the HTTP layer and CLI are thin translators over its
// operations. All durable state lives in the store; a Service carries
// no cross-request caches.
type Service struct {
	store store.Client
	cfg   *Config
	oui   macaddr.OUI
}

// New creates a Service over an initialized store client.
func New(cfg *Config, st store.Client) (*Service, error) {
	oui, err := cfg.OUI()
	if err != nil {
		return nil, err
	}
	return &Service{store: st, cfg: cfg, oui: oui}, nil
}

// Store exposes the underlying store client, for the migrate command
// and tests.
func (s *Service) Store() store.Client {
	return s.store
}

// Init brings every bucket to the current schema and migration level.
// Safe to run concurrently with another instance and safe to interrupt;
// a restart resumes where the last run stopped.
func (s *Service) Init(ctx context.Context) error {
	util.Logger.Info("initializing buckets")
	if err := store.RunMigrations(ctx, s.store, s.migrations()); err != nil {
		return err
	}

	// Per-network IP buckets are discovered from the network list.
	items, err := s.store.Find(ctx, s.bucketName(bucketNetworks), nil, store.FindOpts{})
	if err != nil {
		return err
	}
	for _, item := range items {
		var n Network
		if err := item.Decode(&n); err != nil {
			return util.NewInternalError("napi.Init", "network "+item.Key+": "+err.Error())
		}
		b := s.ipBucket(n.UUID)
		if err := store.MigrateBucket(ctx, s.store, b, migrateIPRecord); err != nil {
			return err
		}
	}
	return nil
}

// ListOpts bound a list operation.
type ListOpts struct {
	Limit  int
	Offset int
}

// clampList applies the configured default and hard cap.
func (s *Service) clampList(opts ListOpts) store.FindOpts {
	limit := opts.Limit
	if limit <= 0 {
		limit = s.cfg.DefaultLimit
	}
	if limit > s.cfg.MaxLimit {
		limit = s.cfg.MaxLimit
	}
	return store.FindOpts{Limit: limit, Offset: opts.Offset}
}

// getRecord reads and decodes one record, translating store NotFound
// into a resource-level error.
func (s *Service) getRecord(ctx context.Context, bucket, key, resource string, out interface{}) (etag string, err error) {
	item, err := s.store.Get(ctx, bucket, key)
	if err != nil {
		if store.IsNotFound(err) {
			return "", util.NewNotFoundError(resource, key)
		}
		return "", err
	}
	if err := item.Decode(out); err != nil {
		return "", util.NewInternalError("napi.getRecord",
			bucket+"/"+key+": "+err.Error())
	}
	return item.Etag, nil
}

// putRecord encodes and writes one record under the etag constraint.
func (s *Service) putRecord(ctx context.Context, bucket, key string, record interface{}, etag string) (string, error) {
	value, err := json.Marshal(record)
	if err != nil {
		return "", util.NewInternalError("napi.putRecord", err.Error())
	}
	return s.store.Put(ctx, bucket, key, value, etag)
}
