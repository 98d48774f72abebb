package napi

import (
	"context"
	"net/netip"

	"github.com/napi-network/napi/pkg/ipaddr"
	"github.com/napi-network/napi/pkg/store"
	"github.com/napi-network/napi/pkg/util"
	"github.com/napi-network/napi/pkg/validate"
)

// freeQueryLimit bounds the fallback scan for free records when the gap
// search finds no hole.
const freeQueryLimit = 100

var ipUpdateSchema = &validate.Schema{
	Optional: map[string]validate.Fn{
		"owner_uuid":      validate.UUID,
		"belongs_to_uuid": validate.UUID,
		"belongs_to_type": validate.Enum(BelongsToServer, BelongsToZone, BelongsToOther),
		"reserved":        validate.Bool,
		"free":            validate.Bool,
		"check_owner":     validate.Bool,
	},
	Strict: true,
}

// ipTarget is the assignment an allocator candidate will carry.
type ipTarget struct {
	OwnerUUID     string
	BelongsToUUID string
	BelongsToType string
	CheckOwner    bool
}

// ipSelection is one allocator candidate: the record to write and the
// etag constraint it must commit under ("" = the address was never
// stored).
type ipSelection struct {
	Network *Network
	Record  *IP
	Etag    string
}

// Addr returns the selected address.
func (sel *ipSelection) Addr() netip.Addr {
	return ipaddr.MustParse(sel.Record.IP)
}

// op builds the batch operation committing the selection.
func (sel *ipSelection) op(bucket string) (store.Op, error) {
	return store.PutOp(bucket, sel.Record.IP, sel.Record, sel.Etag)
}

// checkNetworkOwner applies the network owner check unless the caller
// explicitly disabled it.
func (s *Service) checkNetworkOwner(n *Network, owner string, checkOwner bool) error {
	if !checkOwner {
		return nil
	}
	if n.AllowsOwner(owner, s.cfg.AdminUUID) {
		return nil
	}
	return &validate.InvalidParamsError{Errors: []validate.FieldError{
		*validate.Invalid("owner_uuid", "owner cannot provision on network"),
	}}
}

// selectExplicitIP resolves a caller-supplied address on a network. The
// address is provisionable iff it is free or held by a bootstrap record
// (belongs_to_type=other, or the admin account); anything else fails
// UsedBy with the current holder.
func (s *Service) selectExplicitIP(ctx context.Context, n *Network, addr netip.Addr, t ipTarget) (*ipSelection, error) {
	if err := s.checkNetworkOwner(n, t.OwnerUUID, t.CheckOwner); err != nil {
		return nil, err
	}
	if !n.Contains(addr) {
		return nil, &validate.InvalidParamsError{Errors: []validate.FieldError{
			*validate.Invalid("ip", "ip is outside the network's subnet"),
		}}
	}

	key := ipaddr.Canonical(addr)
	item, err := s.store.Get(ctx, s.ipBucketName(n.UUID), key)
	if err != nil {
		if !store.IsNotFound(err) {
			return nil, err
		}
		return &ipSelection{
			Network: n,
			Record:  newIPRecord(n, key, t),
		}, nil
	}

	var current IP
	if err := item.Decode(&current); err != nil {
		return nil, util.NewInternalError("napi.selectExplicitIP", err.Error())
	}
	if !current.Provisionable(s.cfg.AdminUUID) {
		return nil, usedByError("ip", &current)
	}
	rec := newIPRecord(n, key, t)
	rec.Reserved = current.Reserved
	return &ipSelection{Network: n, Record: rec, Etag: item.Etag}, nil
}

// selectNextFree picks the lowest provisionable address in the
// network's provision range: first by gap search over the address keys,
// then by scanning stored free records, and failing SubnetFull when
// both come up empty.
func (s *Service) selectNextFree(ctx context.Context, n *Network, t ipTarget) (*ipSelection, error) {
	if err := s.checkNetworkOwner(n, t.OwnerUUID, t.CheckOwner); err != nil {
		return nil, err
	}

	bucket := s.ipBucketName(n.UUID)
	gap, err := s.store.GapSearch(ctx, bucket, n.ProvisionStart, n.ProvisionEnd)
	if err == nil {
		return &ipSelection{
			Network: n,
			Record:  newIPRecord(n, gap, t),
		}, nil
	}
	if !store.IsNotFound(err) {
		return nil, err
	}

	// Every address in range has a record; look for a freed one.
	start, end, rerr := n.ProvisionRange()
	if rerr != nil {
		return nil, util.NewInternalError("napi.selectNextFree", rerr.Error())
	}
	items, err := s.store.Find(ctx, bucket, store.And{
		store.Not{Sub: store.Present{Field: "belongs_to_uuid"}},
		store.Eq{Field: "reserved", Value: false},
	}, store.FindOpts{Limit: freeQueryLimit})
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		addr, perr := ipaddr.Parse(item.Key)
		if perr != nil || !ipaddr.InRange(addr, start, end) {
			continue
		}
		var current IP
		if derr := item.Decode(&current); derr != nil {
			return nil, util.NewInternalError("napi.selectNextFree", derr.Error())
		}
		rec := newIPRecord(n, ipaddr.Canonical(addr), t)
		return &ipSelection{Network: n, Record: rec, Etag: item.Etag}, nil
	}

	return nil, &SubnetFullError{NetworkUUID: n.UUID}
}

func newIPRecord(n *Network, addr string, t ipTarget) *IP {
	return &IP{
		V:             recordVersion,
		UseStrings:    true,
		IP:            addr,
		NetworkUUID:   n.UUID,
		BelongsToUUID: t.BelongsToUUID,
		BelongsToType: t.BelongsToType,
		OwnerUUID:     t.OwnerUUID,
	}
}

// ListIPs returns the stored address records of a network in address
// order. Addresses without a record are free and are not listed.
func (s *Service) ListIPs(ctx context.Context, networkUUID string, opts ListOpts) ([]*IP, error) {
	if _, err := s.GetNetwork(ctx, networkUUID); err != nil {
		return nil, err
	}
	items, err := s.store.Find(ctx, s.ipBucketName(networkUUID), nil, s.clampList(opts))
	if err != nil {
		return nil, err
	}
	ips := make([]*IP, 0, len(items))
	for _, item := range items {
		var rec IP
		if err := item.Decode(&rec); err != nil {
			return nil, err
		}
		ips = append(ips, &rec)
	}
	return ips, nil
}

// GetIP returns the record for one address. An address inside the
// subnet with no stored record is reported as free rather than
// NotFound.
func (s *Service) GetIP(ctx context.Context, networkUUID, ip string) (*IP, error) {
	n, err := s.GetNetwork(ctx, networkUUID)
	if err != nil {
		return nil, err
	}
	addr, err := ipaddr.Parse(ip)
	if err != nil {
		return nil, &validate.InvalidParamsError{Errors: []validate.FieldError{
			*validate.Invalid("ip", "invalid IP address"),
		}}
	}
	if !n.Contains(addr) {
		return nil, util.NewNotFoundError("ip", ip)
	}

	key := ipaddr.Canonical(addr)
	item, err := s.store.Get(ctx, s.ipBucketName(networkUUID), key)
	if err != nil {
		if store.IsNotFound(err) {
			return &IP{
				V:           recordVersion,
				UseStrings:  true,
				IP:          key,
				NetworkUUID: networkUUID,
			}, nil
		}
		return nil, err
	}
	var rec IP
	if err := item.Decode(&rec); err != nil {
		return nil, util.NewInternalError("napi.GetIP", err.Error())
	}
	return &rec, nil
}

// UpdateIP changes an address record: reservation flag, assignment
// triplet, or freeing. free=true clears the triplet and keeps the
// reserved flag.
func (s *Service) UpdateIP(ctx context.Context, networkUUID, ip string, params validate.Params) (*IP, error) {
	parsed, err := ipUpdateSchema.Run(ctx, params)
	if err != nil {
		return nil, err
	}
	n, err := s.GetNetwork(ctx, networkUUID)
	if err != nil {
		return nil, err
	}
	addr, err := ipaddr.Parse(ip)
	if err != nil || !n.Contains(addr) {
		return nil, &validate.InvalidParamsError{Errors: []validate.FieldError{
			*validate.Invalid("ip", "ip is outside the network's subnet"),
		}}
	}

	key := ipaddr.Canonical(addr)
	bucket := s.ipBucketName(networkUUID)
	rec := &IP{
		V:           recordVersion,
		UseStrings:  true,
		IP:          key,
		NetworkUUID: networkUUID,
	}
	etag := ""
	if item, gerr := s.store.Get(ctx, bucket, key); gerr == nil {
		if derr := item.Decode(rec); derr != nil {
			return nil, util.NewInternalError("napi.UpdateIP", derr.Error())
		}
		etag = item.Etag
	} else if !store.IsNotFound(gerr) {
		return nil, gerr
	}

	if free, ok := parsed["free"].(bool); ok && free {
		rec.unassign()
	} else {
		if owner, ok := parsed["owner_uuid"].(string); ok {
			checkOwner := true
			if co, ok := parsed["check_owner"].(bool); ok {
				checkOwner = co
			}
			if err := s.checkNetworkOwner(n, owner, checkOwner); err != nil {
				return nil, err
			}
			rec.OwnerUUID = owner
		}
		if b, ok := parsed["belongs_to_uuid"].(string); ok {
			rec.BelongsToUUID = b
		}
		if bt, ok := parsed["belongs_to_type"].(string); ok {
			rec.BelongsToType = bt
		}
		// A partial triplet is never stored.
		if (rec.BelongsToUUID != "" || rec.BelongsToType != "" || rec.OwnerUUID != "") && !rec.Assigned() {
			var errs []validate.FieldError
			if rec.BelongsToUUID == "" {
				errs = append(errs, *validate.Missing("belongs_to_uuid"))
			}
			if rec.BelongsToType == "" {
				errs = append(errs, *validate.Missing("belongs_to_type"))
			}
			if rec.OwnerUUID == "" {
				errs = append(errs, *validate.Missing("owner_uuid"))
			}
			return nil, &validate.InvalidParamsError{Errors: errs}
		}
	}
	if reserved, ok := parsed["reserved"].(bool); ok {
		rec.Reserved = reserved
	}

	if _, err := s.putRecord(ctx, bucket, key, rec, etag); err != nil {
		return nil, err
	}
	return rec, nil
}
