package napi

import (
	"context"

	"github.com/google/uuid"

	"github.com/napi-network/napi/pkg/store"
	"github.com/napi-network/napi/pkg/util"
	"github.com/napi-network/napi/pkg/validate"
)

var poolCreateSchema = &validate.Schema{
	Required: map[string]validate.Fn{
		"name":     validate.NonEmptyString,
		"networks": validate.UUIDList,
	},
	Optional: map[string]validate.Fn{
		"uuid":        validate.UUID,
		"owner_uuids": validate.UUIDList,
	},
	Strict: true,
}

var poolUpdateSchema = &validate.Schema{
	Optional: map[string]validate.Fn{
		"name":        validate.NonEmptyString,
		"networks":    validate.UUIDList,
		"owner_uuids": validate.UUIDList,
	},
	Strict: true,
}

// CreatePool creates an ordered network pool. Member networks must
// exist and share one nic tag and family; the pool inherits both.
func (s *Service) CreatePool(ctx context.Context, params validate.Params) (*NetworkPool, error) {
	parsed, err := poolCreateSchema.Run(ctx, params)
	if err != nil {
		return nil, err
	}

	pool := &NetworkPool{
		V:        recordVersion,
		Name:     parsed["name"].(string),
		Networks: parsed["networks"].([]string),
	}
	if u, ok := parsed["uuid"].(string); ok {
		pool.UUID = u
	} else {
		pool.UUID = uuid.NewString()
	}
	if owners, ok := parsed["owner_uuids"].([]string); ok {
		pool.OwnerUUIDs = owners
	}

	if err := s.checkPoolMembers(ctx, pool); err != nil {
		return nil, err
	}

	_, err = s.putRecord(ctx, s.bucketName(bucketNetworkPools), pool.UUID, pool, "")
	if err != nil {
		if store.IsEtagConflict(err) {
			return nil, &validate.InvalidParamsError{Errors: []validate.FieldError{
				*validate.Duplicate("uuid", "pool already exists"),
			}}
		}
		return nil, err
	}
	util.WithField("pool", pool.UUID).Info("network pool created")
	return pool, nil
}

// checkPoolMembers resolves every member network and enforces nic tag
// and family uniformity, recording them on the pool.
func (s *Service) checkPoolMembers(ctx context.Context, pool *NetworkPool) error {
	if len(pool.Networks) == 0 {
		return &validate.InvalidParamsError{Errors: []validate.FieldError{
			*validate.Invalid("networks", "pool must contain at least one network"),
		}}
	}
	for i, networkUUID := range pool.Networks {
		n, err := s.GetNetwork(ctx, networkUUID)
		if err != nil {
			return &validate.InvalidParamsError{Errors: []validate.FieldError{
				*validate.Invalid("networks", "unknown network "+networkUUID),
			}}
		}
		if i == 0 {
			pool.NicTag = n.NicTag
			pool.Family = n.Family
			continue
		}
		if n.NicTag != pool.NicTag {
			return &validate.InvalidParamsError{Errors: []validate.FieldError{
				*validate.Invalid("networks", "networks do not share a nic tag"),
			}}
		}
		if n.Family != pool.Family {
			return &validate.InvalidParamsError{Errors: []validate.FieldError{
				*validate.Invalid("networks", "networks do not share a family"),
			}}
		}
	}
	return nil
}

// GetPool returns one pool by UUID.
func (s *Service) GetPool(ctx context.Context, poolUUID string) (*NetworkPool, error) {
	var pool NetworkPool
	if _, err := s.getRecord(ctx, s.bucketName(bucketNetworkPools), poolUUID, "network pool", &pool); err != nil {
		return nil, err
	}
	return &pool, nil
}

// UpdatePool changes a pool's name, owner set, or member list
// (ordering included). The nic tag and family follow the member list.
func (s *Service) UpdatePool(ctx context.Context, poolUUID string, params validate.Params) (*NetworkPool, error) {
	parsed, err := poolUpdateSchema.Run(ctx, params)
	if err != nil {
		return nil, err
	}
	bucket := s.bucketName(bucketNetworkPools)
	var pool NetworkPool
	etag, err := s.getRecord(ctx, bucket, poolUUID, "network pool", &pool)
	if err != nil {
		return nil, err
	}

	if name, ok := parsed["name"].(string); ok {
		pool.Name = name
	}
	if owners, ok := parsed["owner_uuids"].([]string); ok {
		pool.OwnerUUIDs = owners
	}
	if networks, ok := parsed["networks"].([]string); ok {
		pool.Networks = networks
		if err := s.checkPoolMembers(ctx, &pool); err != nil {
			return nil, err
		}
	}

	if _, err := s.putRecord(ctx, bucket, poolUUID, &pool, etag); err != nil {
		return nil, err
	}
	return &pool, nil
}

// DeletePool removes a pool. Pool membership never blocks network
// operations in flight; the pool record is the only thing dropped.
func (s *Service) DeletePool(ctx context.Context, poolUUID string) error {
	bucket := s.bucketName(bucketNetworkPools)
	var pool NetworkPool
	etag, err := s.getRecord(ctx, bucket, poolUUID, "network pool", &pool)
	if err != nil {
		return err
	}
	return s.store.Delete(ctx, bucket, poolUUID, etag)
}

// ListPools returns pools, optionally filtered by nic tag.
func (s *Service) ListPools(ctx context.Context, params validate.Params, opts ListOpts) ([]*NetworkPool, error) {
	var f store.Filter
	if tag, ok := params["nic_tag"].(string); ok {
		f = store.Eq{Field: "nic_tag", Value: tag}
	}
	items, err := s.store.Find(ctx, s.bucketName(bucketNetworkPools), f, s.clampList(opts))
	if err != nil {
		return nil, err
	}
	pools := make([]*NetworkPool, 0, len(items))
	for _, item := range items {
		var pool NetworkPool
		if err := item.Decode(&pool); err != nil {
			return nil, err
		}
		pools = append(pools, &pool)
	}
	return pools, nil
}
