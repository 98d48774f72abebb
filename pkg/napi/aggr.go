package napi

import (
	"context"
	"strings"

	"github.com/napi-network/napi/pkg/macaddr"
	"github.com/napi-network/napi/pkg/store"
	"github.com/napi-network/napi/pkg/util"
	"github.com/napi-network/napi/pkg/validate"
)

// macList accepts a list of MACs in any supported form, normalized to
// numeric values.
func macList(ctx context.Context, field string, value interface{}, out validate.Result) error {
	var raw []string
	switch v := value.(type) {
	case []string:
		raw = v
	case []interface{}:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return validate.Invalid(field, "must be a list of MAC addresses")
			}
			raw = append(raw, s)
		}
	default:
		return validate.Invalid(field, "must be a list of MAC addresses")
	}
	if len(raw) == 0 {
		return validate.Invalid(field, "must contain at least one MAC address")
	}
	macs := make([]uint64, 0, len(raw))
	seen := make(map[uint64]bool, len(raw))
	for _, s := range raw {
		mac, err := macaddr.Parse(s)
		if err != nil {
			return validate.Invalid(field, "invalid MAC address "+s)
		}
		if !seen[mac.Uint64()] {
			seen[mac.Uint64()] = true
			macs = append(macs, mac.Uint64())
		}
	}
	out[field] = macs
	return nil
}

var aggrCreateSchema = &validate.Schema{
	Required: map[string]validate.Fn{
		"name": validate.NonEmptyString,
		"macs": macList,
	},
	Optional: map[string]validate.Fn{
		"lacp_mode":         validate.Enum(LACPOff, LACPActive, LACPPassive),
		"nic_tags_provided": validate.String,
	},
	Strict: true,
}

var aggrUpdateSchema = &validate.Schema{
	Optional: map[string]validate.Fn{
		"macs":              macList,
		"lacp_mode":         validate.Enum(LACPOff, LACPActive, LACPPassive),
		"nic_tags_provided": validate.String,
	},
	Strict: true,
}

// CreateAggregation bundles server NICs into an LACP aggregation. Every
// member NIC must exist, belong to the same server, and be
// belongs_to_type=server; the aggregation id is derived from the server
// and name.
func (s *Service) CreateAggregation(ctx context.Context, params validate.Params) (*Aggregation, error) {
	parsed, err := aggrCreateSchema.Run(ctx, params)
	if err != nil {
		return nil, err
	}

	aggr := &Aggregation{
		V:        recordVersion,
		Name:     parsed["name"].(string),
		MACs:     parsed["macs"].([]uint64),
		LACPMode: LACPOff,
	}
	if mode, ok := parsed["lacp_mode"].(string); ok {
		aggr.LACPMode = mode
	}
	if tags, ok := parsed["nic_tags_provided"].(string); ok {
		aggr.NicTagsProvided = strings.Join(util.SplitCommaSeparated(tags), ",")
	}

	if err := s.checkAggrMembers(ctx, aggr); err != nil {
		return nil, err
	}
	aggr.ID = AggrID(aggr.BelongsToUUID, aggr.Name)

	_, err = s.putRecord(ctx, s.bucketName(bucketAggregations), aggr.ID, aggr, "")
	if err != nil {
		if store.IsEtagConflict(err) {
			return nil, &validate.InvalidParamsError{Errors: []validate.FieldError{
				*validate.Duplicate("name", "aggregation already exists"),
			}}
		}
		return nil, err
	}
	util.WithField("aggregation", aggr.ID).Info("aggregation created")
	return aggr, nil
}

// checkAggrMembers resolves every member NIC and enforces the
// server-only, single-server rules, recording the server on the
// aggregation.
func (s *Service) checkAggrMembers(ctx context.Context, aggr *Aggregation) error {
	aggr.BelongsToUUID = ""
	for _, mac := range aggr.MACs {
		nic, _, err := s.getNIC(ctx, macaddr.MAC(mac).String())
		if err != nil {
			return &validate.InvalidParamsError{Errors: []validate.FieldError{
				*validate.Invalid("macs", "unknown nic "+macaddr.MAC(mac).String()),
			}}
		}
		if nic.BelongsToType != BelongsToServer {
			return &validate.InvalidParamsError{Errors: []validate.FieldError{
				*validate.Invalid("macs", "nic "+macaddr.MAC(mac).String()+" does not belong to a server"),
			}}
		}
		if aggr.BelongsToUUID == "" {
			aggr.BelongsToUUID = nic.BelongsToUUID
		} else if nic.BelongsToUUID != aggr.BelongsToUUID {
			return &validate.InvalidParamsError{Errors: []validate.FieldError{
				*validate.Invalid("macs", "nics do not share a server"),
			}}
		}
	}
	return nil
}

// GetAggregation returns one aggregation by id.
func (s *Service) GetAggregation(ctx context.Context, id string) (*Aggregation, error) {
	var aggr Aggregation
	if _, err := s.getRecord(ctx, s.bucketName(bucketAggregations), id, "aggregation", &aggr); err != nil {
		return nil, err
	}
	return &aggr, nil
}

// UpdateAggregation changes the member set, LACP mode, or advertised
// tags. Members must keep satisfying the server rules.
func (s *Service) UpdateAggregation(ctx context.Context, id string, params validate.Params) (*Aggregation, error) {
	parsed, err := aggrUpdateSchema.Run(ctx, params)
	if err != nil {
		return nil, err
	}
	bucket := s.bucketName(bucketAggregations)
	var aggr Aggregation
	etag, err := s.getRecord(ctx, bucket, id, "aggregation", &aggr)
	if err != nil {
		return nil, err
	}

	if macs, ok := parsed["macs"].([]uint64); ok {
		server := aggr.BelongsToUUID
		aggr.MACs = macs
		if err := s.checkAggrMembers(ctx, &aggr); err != nil {
			return nil, err
		}
		if aggr.BelongsToUUID != server {
			return nil, &validate.InvalidParamsError{Errors: []validate.FieldError{
				*validate.Invalid("macs", "nics do not belong to the aggregation's server"),
			}}
		}
	}
	if mode, ok := parsed["lacp_mode"].(string); ok {
		aggr.LACPMode = mode
	}
	if tags, ok := parsed["nic_tags_provided"].(string); ok {
		aggr.NicTagsProvided = strings.Join(util.SplitCommaSeparated(tags), ",")
	}

	if _, err := s.putRecord(ctx, bucket, id, &aggr, etag); err != nil {
		return nil, err
	}
	return &aggr, nil
}

// DeleteAggregation removes an aggregation, refusing while NICs still
// advertise tags over it.
func (s *Service) DeleteAggregation(ctx context.Context, id string) error {
	bucket := s.bucketName(bucketAggregations)
	var aggr Aggregation
	etag, err := s.getRecord(ctx, bucket, id, "aggregation", &aggr)
	if err != nil {
		return err
	}

	if aggr.NicTagsProvided != "" {
		var referrers []string
		for _, tag := range util.SplitCommaSeparated(aggr.NicTagsProvided) {
			nets, err := s.store.Find(ctx, s.bucketName(bucketNetworks),
				store.Eq{Field: "nic_tag", Value: tag}, store.FindOpts{})
			if err != nil {
				return err
			}
			for _, item := range nets {
				referrers = append(referrers, "network "+item.Key)
			}
		}
		if len(referrers) > 0 {
			return util.NewInUseError("aggregation "+id, referrers...)
		}
	}

	return s.store.Delete(ctx, bucket, id, etag)
}

// ListAggregations returns aggregations, optionally filtered by server.
func (s *Service) ListAggregations(ctx context.Context, params validate.Params, opts ListOpts) ([]*Aggregation, error) {
	var f store.Filter
	if b, ok := params["belongs_to_uuid"].(string); ok {
		f = store.Eq{Field: "belongs_to_uuid", Value: b}
	}
	items, err := s.store.Find(ctx, s.bucketName(bucketAggregations), f, s.clampList(opts))
	if err != nil {
		return nil, err
	}
	aggrs := make([]*Aggregation, 0, len(items))
	for _, item := range items {
		var aggr Aggregation
		if err := item.Decode(&aggr); err != nil {
			return nil, err
		}
		aggrs = append(aggrs, &aggr)
	}
	return aggrs, nil
}
