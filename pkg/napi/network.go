package napi

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/google/uuid"

	"github.com/napi-network/napi/pkg/ipaddr"
	"github.com/napi-network/napi/pkg/store"
	"github.com/napi-network/napi/pkg/util"
	"github.com/napi-network/napi/pkg/validate"
)

// maxResolvers bounds the resolver list of a network.
const maxResolvers = 4

var networkCreateSchema = &validate.Schema{
	Required: map[string]validate.Fn{
		"name":            validate.NonEmptyString,
		"subnet":          validate.Subnet,
		"nic_tag":         validate.NonEmptyString,
		"vlan_id":         validate.VLANID,
		"provision_start": validate.IP,
		"provision_end":   validate.IP,
	},
	Optional: map[string]validate.Fn{
		"uuid":         validate.UUID,
		"gateway":      validate.IP,
		"resolvers":    validate.IPList(maxResolvers),
		"routes":       validate.Routes,
		"owner_uuids":  validate.UUIDList,
		"description":  validate.String,
		"mtu":          validate.IntRange(576, 9000),
		"fabric":       validate.Bool,
		"vnet_id":      validate.VnetID,
		"internet_nat": validate.Bool,
	},
	Strict: true,
	After:  []validate.AfterFn{checkNetworkGeometry},
}

var networkUpdateSchema = &validate.Schema{
	Optional: map[string]validate.Fn{
		"name":                validate.NonEmptyString,
		"description":         validate.String,
		"provision_start":     validate.IP,
		"provision_end":       validate.IP,
		"gateway":             validate.IP,
		"resolvers":           validate.IPList(maxResolvers),
		"routes":              validate.Routes,
		"owner_uuids":         validate.UUIDList,
		"mtu":                 validate.IntRange(576, 9000),
		"gateway_provisioned": validate.Bool,
	},
	Strict: true,
}

// checkNetworkGeometry verifies family consistency and that the
// provision range and gateway sit inside the subnet. v4 provision
// ranges must avoid the network and broadcast addresses.
func checkNetworkGeometry(ctx context.Context, raw validate.Params, out validate.Result) error {
	pfx, ok := out["subnet"].(netip.Prefix)
	if !ok {
		return nil
	}
	var errs []validate.FieldError
	invalid := func(field, msg string) {
		errs = append(errs, *validate.Invalid(field, msg))
	}

	start, sok := out["provision_start"].(netip.Addr)
	end, eok := out["provision_end"].(netip.Addr)
	if sok && !pfx.Contains(start) {
		invalid("provision_start", "provision_start is outside subnet")
		sok = false
	}
	if eok && !pfx.Contains(end) {
		invalid("provision_end", "provision_end is outside subnet")
		eok = false
	}
	if sok && eok && start.Compare(end) > 0 {
		invalid("provision_start", "provision_start is after provision_end")
	}
	if pfx.Addr().Is4() {
		netAddr := ipaddr.NetworkAddr(pfx)
		bcast := ipaddr.BroadcastAddr(pfx)
		if sok && (start == netAddr || start == bcast) {
			invalid("provision_start", "provision_start overlaps network or broadcast address")
		}
		if eok && (end == netAddr || end == bcast) {
			invalid("provision_end", "provision_end overlaps network or broadcast address")
		}
	}

	if gw, ok := out["gateway"].(netip.Addr); ok && !pfx.Contains(gw) {
		invalid("gateway", "gateway is outside subnet")
	}
	if resolvers, ok := out["resolvers"].([]netip.Addr); ok {
		for _, r := range resolvers {
			if r.Is4() != pfx.Addr().Is4() {
				invalid("resolvers", "resolver family does not match subnet")
				break
			}
		}
	}

	fabric, _ := out["fabric"].(bool)
	_, hasVnet := out["vnet_id"].(int)
	if fabric && !hasVnet {
		errs = append(errs, *validate.Missing("vnet_id"))
	}
	if !fabric && hasVnet {
		invalid("vnet_id", "vnet_id requires fabric=true")
	}

	if len(errs) > 0 {
		return &validate.InvalidParamsError{Errors: errs}
	}
	return nil
}

// CreateNetwork creates a network, initializes its IP bucket, and seeds
// reserved bootstrap records for the gateway, on-subnet resolvers, and
// (v4) the network and broadcast addresses. The network record and the
// seed records commit in one batch.
func (s *Service) CreateNetwork(ctx context.Context, params validate.Params) (*Network, error) {
	parsed, err := networkCreateSchema.Run(ctx, params)
	if err != nil {
		return nil, err
	}

	n := networkFromParsed(parsed)
	if n.UUID == "" {
		n.UUID = uuid.NewString()
	}

	if _, err := s.GetNicTag(ctx, n.NicTag); err != nil {
		if errors.Is(err, util.ErrNotFound) {
			return nil, &validate.InvalidParamsError{Errors: []validate.FieldError{
				*validate.Invalid("nic_tag", "nic tag does not exist"),
			}}
		}
		return nil, err
	}

	if err := s.checkSubnetOverlap(ctx, n); err != nil {
		return nil, err
	}

	if err := s.store.InitBucket(ctx, s.ipBucket(n.UUID)); err != nil {
		return nil, err
	}

	ops, err := s.networkSeedOps(n)
	if err != nil {
		return nil, err
	}
	netOp, err := store.PutOp(s.bucketName(bucketNetworks), n.UUID, n, "")
	if err != nil {
		return nil, err
	}
	ops = append([]store.Op{netOp}, ops...)

	if err := s.store.Batch(ctx, ops); err != nil {
		if store.IsEtagConflict(err) {
			return nil, &validate.InvalidParamsError{Errors: []validate.FieldError{
				*validate.Duplicate("uuid", "network already exists"),
			}}
		}
		return nil, err
	}
	util.WithNetwork(n.UUID).WithField("name", n.Name).Info("network created")
	return n, nil
}

func networkFromParsed(parsed validate.Result) *Network {
	pfx := parsed["subnet"].(netip.Prefix)
	n := &Network{
		V:              recordVersion,
		Name:           parsed["name"].(string),
		Family:         ipaddr.FamilyOf(pfx.Addr()),
		NicTag:         parsed["nic_tag"].(string),
		VLANID:         parsed["vlan_id"].(int),
		Subnet:         pfx.String(),
		ProvisionStart: ipaddr.Canonical(parsed["provision_start"].(netip.Addr)),
		ProvisionEnd:   ipaddr.Canonical(parsed["provision_end"].(netip.Addr)),
		MTU:            DefaultMTU,
	}
	if u, ok := parsed["uuid"].(string); ok {
		n.UUID = u
	}
	if gw, ok := parsed["gateway"].(netip.Addr); ok {
		n.Gateway = ipaddr.Canonical(gw)
	}
	if resolvers, ok := parsed["resolvers"].([]netip.Addr); ok {
		for _, r := range resolvers {
			n.Resolvers = append(n.Resolvers, ipaddr.Canonical(r))
		}
	}
	if routes, ok := parsed["routes"].(map[string]netip.Addr); ok {
		n.Routes = make(map[string]string, len(routes))
		for dst, gw := range routes {
			n.Routes[dst] = ipaddr.Canonical(gw)
		}
	}
	if owners, ok := parsed["owner_uuids"].([]string); ok {
		n.OwnerUUIDs = owners
	}
	if desc, ok := parsed["description"].(string); ok {
		n.Description = desc
	}
	if mtu, ok := parsed["mtu"].(int); ok {
		n.MTU = mtu
	}
	if fabric, ok := parsed["fabric"].(bool); ok {
		n.Fabric = fabric
	}
	if vnet, ok := parsed["vnet_id"].(int); ok {
		n.VnetID = vnet
	}
	if nat, ok := parsed["internet_nat"].(bool); ok {
		n.InternetNAT = nat
	}
	return n
}

// checkSubnetOverlap probes networks sharing (nic_tag, vlan_id, and for
// fabrics vnet_id) for subnet overlap. Overlap across distinct triples
// is allowed.
func (s *Service) checkSubnetOverlap(ctx context.Context, n *Network) error {
	pfx, err := n.SubnetPrefix()
	if err != nil {
		return util.NewInternalError("napi.checkSubnetOverlap", err.Error())
	}
	filter := store.And{
		store.Eq{Field: "nic_tag", Value: n.NicTag},
		store.Eq{Field: "vlan_id", Value: n.VLANID},
	}
	if n.Fabric {
		filter = append(filter, store.Eq{Field: "vnet_id", Value: n.VnetID})
	}
	items, err := s.store.Find(ctx, s.bucketName(bucketNetworks), filter, store.FindOpts{})
	if err != nil {
		return err
	}
	for _, item := range items {
		var other Network
		if err := item.Decode(&other); err != nil {
			return err
		}
		if other.Fabric != n.Fabric || (other.Fabric && other.VnetID != n.VnetID) {
			continue
		}
		opfx, err := other.SubnetPrefix()
		if err != nil {
			continue
		}
		if ipaddr.Overlap(pfx, opfx) {
			return &validate.InvalidParamsError{Errors: []validate.FieldError{
				*validate.Invalid("subnet",
					fmt.Sprintf("subnet overlaps network %s", other.UUID)),
			}}
		}
	}
	return nil
}

// networkSeedOps builds the reserved bootstrap IP records: gateway,
// on-subnet resolvers, and for v4 the network and broadcast addresses.
func (s *Service) networkSeedOps(n *Network) ([]store.Op, error) {
	pfx, err := n.SubnetPrefix()
	if err != nil {
		return nil, util.NewInternalError("napi.networkSeedOps", err.Error())
	}

	var seeds []netip.Addr
	if pfx.Addr().Is4() {
		seeds = append(seeds, ipaddr.NetworkAddr(pfx), ipaddr.BroadcastAddr(pfx))
	}
	if n.Gateway != "" {
		gw, err := ipaddr.Parse(n.Gateway)
		if err != nil {
			return nil, util.NewInternalError("napi.networkSeedOps", err.Error())
		}
		seeds = append(seeds, gw)
	}
	for _, r := range n.Resolvers {
		addr, err := ipaddr.Parse(r)
		if err != nil {
			return nil, util.NewInternalError("napi.networkSeedOps", err.Error())
		}
		if pfx.Contains(addr) {
			seeds = append(seeds, addr)
		}
	}

	bucket := s.ipBucketName(n.UUID)
	holder := s.bootstrapHolder()
	seen := make(map[string]bool, len(seeds))
	var ops []store.Op
	for _, addr := range seeds {
		key := ipaddr.Canonical(addr)
		if seen[key] {
			continue
		}
		seen[key] = true
		rec := &IP{
			V:             recordVersion,
			UseStrings:    true,
			IP:            key,
			NetworkUUID:   n.UUID,
			Reserved:      true,
			BelongsToUUID: holder,
			BelongsToType: BelongsToOther,
			OwnerUUID:     holder,
		}
		op, err := store.PutOp(bucket, key, rec, "")
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// bootstrapHolder is the UUID recorded as the holder of seeded bootstrap
// addresses.
func (s *Service) bootstrapHolder() string {
	if s.cfg.AdminUUID != "" {
		return s.cfg.AdminUUID
	}
	return "00000000-0000-0000-0000-000000000000"
}

// GetNetwork returns one network by UUID.
func (s *Service) GetNetwork(ctx context.Context, networkUUID string) (*Network, error) {
	var n Network
	if _, err := s.getRecord(ctx, s.bucketName(bucketNetworks), networkUUID, "network", &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// UpdateNetwork changes the mutable fields of a network. Subnet, family,
// nic_tag, and vlan_id are fixed at creation.
func (s *Service) UpdateNetwork(ctx context.Context, networkUUID string, params validate.Params) (*Network, error) {
	parsed, err := networkUpdateSchema.Run(ctx, params)
	if err != nil {
		return nil, err
	}

	bucket := s.bucketName(bucketNetworks)
	var n Network
	etag, err := s.getRecord(ctx, bucket, networkUUID, "network", &n)
	if err != nil {
		return nil, err
	}

	pfx, err := n.SubnetPrefix()
	if err != nil {
		return nil, util.NewInternalError("napi.UpdateNetwork", err.Error())
	}
	if start, ok := parsed["provision_start"].(netip.Addr); ok {
		if !pfx.Contains(start) {
			return nil, &validate.InvalidParamsError{Errors: []validate.FieldError{
				*validate.Invalid("provision_start", "provision_start is outside subnet"),
			}}
		}
		n.ProvisionStart = ipaddr.Canonical(start)
	}
	if end, ok := parsed["provision_end"].(netip.Addr); ok {
		if !pfx.Contains(end) {
			return nil, &validate.InvalidParamsError{Errors: []validate.FieldError{
				*validate.Invalid("provision_end", "provision_end is outside subnet"),
			}}
		}
		n.ProvisionEnd = ipaddr.Canonical(end)
	}
	start, end, err := n.ProvisionRange()
	if err == nil && start.Compare(end) > 0 {
		return nil, &validate.InvalidParamsError{Errors: []validate.FieldError{
			*validate.Invalid("provision_start", "provision_start is after provision_end"),
		}}
	}

	if name, ok := parsed["name"].(string); ok {
		n.Name = name
	}
	if desc, ok := parsed["description"].(string); ok {
		n.Description = desc
	}
	if gw, ok := parsed["gateway"].(netip.Addr); ok {
		if !pfx.Contains(gw) {
			return nil, &validate.InvalidParamsError{Errors: []validate.FieldError{
				*validate.Invalid("gateway", "gateway is outside subnet"),
			}}
		}
		n.Gateway = ipaddr.Canonical(gw)
	}
	if resolvers, ok := parsed["resolvers"].([]netip.Addr); ok {
		n.Resolvers = nil
		for _, r := range resolvers {
			n.Resolvers = append(n.Resolvers, ipaddr.Canonical(r))
		}
	}
	if routes, ok := parsed["routes"].(map[string]netip.Addr); ok {
		n.Routes = make(map[string]string, len(routes))
		for dst, gw := range routes {
			n.Routes[dst] = ipaddr.Canonical(gw)
		}
	}
	if owners, ok := parsed["owner_uuids"].([]string); ok {
		n.OwnerUUIDs = owners
	}
	if mtu, ok := parsed["mtu"].(int); ok {
		n.MTU = mtu
	}
	if gp, ok := parsed["gateway_provisioned"].(bool); ok {
		n.GatewayProvisioned = gp
	}

	if _, err := s.putRecord(ctx, bucket, networkUUID, &n, etag); err != nil {
		return nil, err
	}
	return &n, nil
}

// DeleteNetwork removes a network and drops its IP bucket, refusing
// while any NIC still holds an address on it or a pool references it.
func (s *Service) DeleteNetwork(ctx context.Context, networkUUID string) error {
	bucket := s.bucketName(bucketNetworks)
	var n Network
	etag, err := s.getRecord(ctx, bucket, networkUUID, "network", &n)
	if err != nil {
		return err
	}

	var referrers []string
	pools, err := s.store.Find(ctx, s.bucketName(bucketNetworkPools), nil, store.FindOpts{})
	if err != nil {
		return err
	}
	for _, item := range pools {
		var pool NetworkPool
		if err := item.Decode(&pool); err != nil {
			return err
		}
		if util.StringsContain(pool.Networks, networkUUID) {
			referrers = append(referrers, "pool "+pool.UUID)
		}
	}

	assigned, err := s.store.Find(ctx, s.ipBucketName(networkUUID), store.Or{
		store.Eq{Field: "belongs_to_type", Value: BelongsToZone},
		store.Eq{Field: "belongs_to_type", Value: BelongsToServer},
	}, store.FindOpts{})
	if err != nil && !store.IsNotFound(err) {
		return err
	}
	for _, item := range assigned {
		referrers = append(referrers, "ip "+item.Key)
	}
	if len(referrers) > 0 {
		return util.NewInUseError("network "+networkUUID, referrers...)
	}

	if err := s.store.Delete(ctx, bucket, networkUUID, etag); err != nil {
		return err
	}
	if err := s.store.DeleteBucket(ctx, s.ipBucketName(networkUUID)); err != nil && !store.IsNotFound(err) {
		return err
	}
	util.WithNetwork(networkUUID).Info("network deleted")
	return nil
}

// ListNetworks returns networks matching the optional field filters.
func (s *Service) ListNetworks(ctx context.Context, params validate.Params, opts ListOpts) ([]*Network, error) {
	var filter store.And
	if name, ok := params["name"].(string); ok {
		filter = append(filter, store.Eq{Field: "name", Value: name})
	}
	if tag, ok := params["nic_tag"].(string); ok {
		filter = append(filter, store.Eq{Field: "nic_tag", Value: tag})
	}
	if vlan, ok := params["vlan_id"].(int); ok {
		filter = append(filter, store.Eq{Field: "vlan_id", Value: vlan})
	}
	if fabric, ok := params["fabric"].(bool); ok {
		filter = append(filter, store.Eq{Field: "fabric", Value: fabric})
	}
	if family, ok := params["family"].(string); ok {
		filter = append(filter, store.Eq{Field: "family", Value: family})
	}
	var f store.Filter
	if len(filter) > 0 {
		f = filter
	}

	items, err := s.store.Find(ctx, s.bucketName(bucketNetworks), f, s.clampList(opts))
	if err != nil {
		return nil, err
	}
	networks := make([]*Network, 0, len(items))
	for _, item := range items {
		var n Network
		if err := item.Decode(&n); err != nil {
			return nil, err
		}
		networks = append(networks, &n)
	}
	return networks, nil
}

// FindContainingNetwork resolves the network for a NIC request that
// supplies an address but no network: the unique network on (nic_tag,
// vlan_id, vnet_id) whose subnet contains the address.
func (s *Service) FindContainingNetwork(ctx context.Context, nicTag string, vlanID, vnetID int, addr netip.Addr) (*Network, error) {
	filter := store.And{
		store.Eq{Field: "nic_tag", Value: nicTag},
		store.Eq{Field: "vlan_id", Value: vlanID},
	}
	if vnetID > 0 {
		filter = append(filter, store.Eq{Field: "vnet_id", Value: vnetID})
	}
	items, err := s.store.Find(ctx, s.bucketName(bucketNetworks), filter, store.FindOpts{})
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		var n Network
		if err := item.Decode(&n); err != nil {
			return nil, err
		}
		if n.Contains(addr) {
			return &n, nil
		}
	}
	return nil, util.NewNotFoundError("network containing", ipaddr.Canonical(addr))
}
