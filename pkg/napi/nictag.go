package napi

import (
	"context"

	"github.com/google/uuid"

	"github.com/napi-network/napi/pkg/store"
	"github.com/napi-network/napi/pkg/util"
	"github.com/napi-network/napi/pkg/validate"
)

var nicTagCreateSchema = &validate.Schema{
	Required: map[string]validate.Fn{
		"name": validate.NonEmptyString,
	},
	Optional: map[string]validate.Fn{
		"uuid": validate.UUID,
		"mtu":  validate.IntRange(576, 9000),
	},
	Strict: true,
}

var nicTagUpdateSchema = &validate.Schema{
	Required: map[string]validate.Fn{
		"mtu": validate.IntRange(576, 9000),
	},
	Strict: true,
}

// CreateNicTag creates a named tag. Names are unique; creation of an
// existing name fails with Duplicate.
func (s *Service) CreateNicTag(ctx context.Context, params validate.Params) (*NicTag, error) {
	parsed, err := nicTagCreateSchema.Run(ctx, params)
	if err != nil {
		return nil, err
	}

	tag := &NicTag{
		V:    recordVersion,
		Name: parsed["name"].(string),
		MTU:  DefaultMTU,
	}
	if u, ok := parsed["uuid"].(string); ok {
		tag.UUID = u
	} else {
		tag.UUID = uuid.NewString()
	}
	if mtu, ok := parsed["mtu"].(int); ok {
		tag.MTU = mtu
	}

	_, err = s.putRecord(ctx, s.bucketName(bucketNicTags), tag.Name, tag, "")
	if err != nil {
		if store.IsEtagConflict(err) {
			return nil, &validate.InvalidParamsError{Errors: []validate.FieldError{
				*validate.Duplicate("name", "name is in use"),
			}}
		}
		return nil, err
	}
	util.WithField("nic_tag", tag.Name).Info("nic tag created")
	return tag, nil
}

// GetNicTag returns one tag by name.
func (s *Service) GetNicTag(ctx context.Context, name string) (*NicTag, error) {
	var tag NicTag
	if _, err := s.getRecord(ctx, s.bucketName(bucketNicTags), name, "nic tag", &tag); err != nil {
		return nil, err
	}
	return &tag, nil
}

// UpdateNicTag changes a tag's MTU. The name is the record key and
// cannot change.
func (s *Service) UpdateNicTag(ctx context.Context, name string, params validate.Params) (*NicTag, error) {
	parsed, err := nicTagUpdateSchema.Run(ctx, params)
	if err != nil {
		return nil, err
	}
	bucket := s.bucketName(bucketNicTags)
	var tag NicTag
	etag, err := s.getRecord(ctx, bucket, name, "nic tag", &tag)
	if err != nil {
		return nil, err
	}
	tag.MTU = parsed["mtu"].(int)
	if _, err := s.putRecord(ctx, bucket, name, &tag, etag); err != nil {
		return nil, err
	}
	return &tag, nil
}

// DeleteNicTag removes a tag, refusing while networks, NICs, or
// aggregations still reference it.
func (s *Service) DeleteNicTag(ctx context.Context, name string) error {
	bucket := s.bucketName(bucketNicTags)
	var tag NicTag
	etag, err := s.getRecord(ctx, bucket, name, "nic tag", &tag)
	if err != nil {
		return err
	}

	referrers, err := s.nicTagReferrers(ctx, name)
	if err != nil {
		return err
	}
	if len(referrers) > 0 {
		return util.NewInUseError("nic tag "+name, referrers...)
	}

	if err := s.store.Delete(ctx, bucket, name, etag); err != nil {
		return err
	}
	util.WithField("nic_tag", name).Info("nic tag deleted")
	return nil
}

// nicTagReferrers enumerates networks, NICs, and aggregations that hold
// the tag.
func (s *Service) nicTagReferrers(ctx context.Context, name string) ([]string, error) {
	var referrers []string

	nets, err := s.store.Find(ctx, s.bucketName(bucketNetworks),
		store.Eq{Field: "nic_tag", Value: name}, store.FindOpts{})
	if err != nil {
		return nil, err
	}
	for _, item := range nets {
		referrers = append(referrers, "network "+item.Key)
	}

	nics, err := s.store.Find(ctx, s.bucketName(bucketNics),
		store.Eq{Field: "nic_tag", Value: name}, store.FindOpts{})
	if err != nil {
		return nil, err
	}
	for _, item := range nics {
		var nic NIC
		if err := item.Decode(&nic); err != nil {
			return nil, err
		}
		referrers = append(referrers, "nic "+nic.MACAddr().String())
	}

	// Physical NICs and aggregations advertise tags in a CSV field.
	provided, err := s.store.Find(ctx, s.bucketName(bucketNics),
		store.Present{Field: "nic_tags_provided"}, store.FindOpts{})
	if err != nil {
		return nil, err
	}
	for _, item := range provided {
		var nic NIC
		if err := item.Decode(&nic); err != nil {
			return nil, err
		}
		if util.StringsContain(util.SplitCommaSeparated(nic.NicTagsProvided), name) {
			referrers = append(referrers, "nic "+nic.MACAddr().String())
		}
	}

	aggrs, err := s.store.Find(ctx, s.bucketName(bucketAggregations),
		store.Present{Field: "nic_tags_provided"}, store.FindOpts{})
	if err != nil {
		return nil, err
	}
	for _, item := range aggrs {
		var aggr Aggregation
		if err := item.Decode(&aggr); err != nil {
			return nil, err
		}
		if util.StringsContain(util.SplitCommaSeparated(aggr.NicTagsProvided), name) {
			referrers = append(referrers, "aggregation "+aggr.ID)
		}
	}
	return referrers, nil
}

// ListNicTags returns tags in name order.
func (s *Service) ListNicTags(ctx context.Context, opts ListOpts) ([]*NicTag, error) {
	items, err := s.store.Find(ctx, s.bucketName(bucketNicTags), nil, s.clampList(opts))
	if err != nil {
		return nil, err
	}
	tags := make([]*NicTag, 0, len(items))
	for _, item := range items {
		var tag NicTag
		if err := item.Decode(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, &tag)
	}
	return tags, nil
}
