package napi

import (
	"context"
	"errors"
	"net/netip"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/napi-network/napi/pkg/macaddr"
	"github.com/napi-network/napi/pkg/store"
	"github.com/napi-network/napi/pkg/util"
	"github.com/napi-network/napi/pkg/validate"
)

var nicCreateSchema = &validate.Schema{
	Required: map[string]validate.Fn{
		"owner_uuid":      validate.UUID,
		"belongs_to_uuid": validate.UUID,
		"belongs_to_type": validate.Enum(BelongsToServer, BelongsToZone, BelongsToOther),
	},
	Optional: map[string]validate.Fn{
		"mac":                      validate.MAC,
		"network_uuid":             validate.UUID,
		"network_pool_uuid":        validate.UUID,
		"ip":                       validate.IP,
		"primary":                  validate.Bool,
		"state":                    validate.Enum(StateProvisioning, StateStopped, StateRunning),
		"model":                    validate.String,
		"cn_uuid":                  validate.UUID,
		"underlay":                 validate.Bool,
		"allow_ip_spoofing":        validate.Bool,
		"allow_mac_spoofing":       validate.Bool,
		"allow_dhcp_spoofing":      validate.Bool,
		"allow_restricted_traffic": validate.Bool,
		"allow_unfiltered_promisc": validate.Bool,
		"nic_tags_provided":        validate.String,
		"nic_tag":                  validate.NonEmptyString,
		"vlan_id":                  validate.VLANID,
		"vnet_id":                  validate.VnetID,
		"check_owner":              validate.Bool,
	},
	Strict: true,
}

var nicUpdateSchema = &validate.Schema{
	Optional: map[string]validate.Fn{
		"network_uuid":             validate.UUID,
		"ip":                       validate.IP,
		"primary":                  validate.Bool,
		"state":                    validate.Enum(StateProvisioning, StateStopped, StateRunning),
		"model":                    validate.String,
		"cn_uuid":                  validate.UUID,
		"belongs_to_uuid":          validate.UUID,
		"belongs_to_type":          validate.Enum(BelongsToServer, BelongsToZone, BelongsToOther),
		"owner_uuid":               validate.UUID,
		"allow_ip_spoofing":        validate.Bool,
		"allow_mac_spoofing":       validate.Bool,
		"allow_dhcp_spoofing":      validate.Bool,
		"allow_restricted_traffic": validate.Bool,
		"allow_unfiltered_promisc": validate.Bool,
		"nic_tags_provided":        validate.String,
		"check_owner":              validate.Bool,
	},
	Strict: true,
}

// CreateNIC validates the input and runs the provisioning engine. When
// an address is requested (explicitly or via a network or pool), the
// NIC is never returned without its committed IP.
func (s *Service) CreateNIC(ctx context.Context, params validate.Params) (*NIC, error) {
	parsed, err := nicCreateSchema.Run(ctx, params)
	if err != nil {
		return nil, err
	}

	nic := &NIC{
		V:             recordVersion,
		OwnerUUID:     parsed["owner_uuid"].(string),
		BelongsToUUID: parsed["belongs_to_uuid"].(string),
		BelongsToType: parsed["belongs_to_type"].(string),
		State:         StateProvisioning,
	}
	req := &provisionRequest{
		nic: nic,
		target: ipTarget{
			OwnerUUID:     nic.OwnerUUID,
			BelongsToUUID: nic.BelongsToUUID,
			BelongsToType: nic.BelongsToType,
			CheckOwner:    true,
		},
	}

	if mac, ok := parsed["mac"].(macaddr.MAC); ok {
		nic.MAC = mac.Uint64()
		req.macGiven = true
	}
	applyNICFlags(nic, parsed)
	if co, ok := parsed["check_owner"].(bool); ok {
		req.target.CheckOwner = co
	}

	if addr, ok := parsed["ip"].(netip.Addr); ok {
		req.explicitIP = addr
		req.hasExplicitIP = true
	}
	if networkUUID, ok := parsed["network_uuid"].(string); ok {
		req.network, err = s.GetNetwork(ctx, networkUUID)
		if err != nil {
			return nil, err
		}
	}
	if poolUUID, ok := parsed["network_pool_uuid"].(string); ok {
		if req.network != nil || req.hasExplicitIP {
			return nil, &validate.InvalidParamsError{Errors: []validate.FieldError{
				*validate.Invalid("network_pool_uuid", "pool cannot be combined with network_uuid or ip"),
			}}
		}
		req.pool, err = s.GetPool(ctx, poolUUID)
		if err != nil {
			return nil, err
		}
		req.intersections = intersectionsFromParsed(parsed)
	}

	// An explicit address with no network is resolved through
	// (nic_tag, vlan_id, vnet_id).
	if req.hasExplicitIP && req.network == nil {
		tag, tok := parsed["nic_tag"].(string)
		vlan, vok := parsed["vlan_id"].(int)
		if !tok || !vok {
			return nil, &validate.InvalidParamsError{Errors: []validate.FieldError{
				*validate.Missing("network_uuid"),
			}}
		}
		vnet, _ := parsed["vnet_id"].(int)
		req.network, err = s.FindContainingNetwork(ctx, tag, vlan, vnet, req.explicitIP)
		if err != nil {
			return nil, err
		}
	}

	if err := s.checkNICInvariants(nic, req); err != nil {
		return nil, err
	}
	return s.provision(ctx, req)
}

// ProvisionNIC allocates the next free address on a network and creates
// a NIC holding it.
func (s *Service) ProvisionNIC(ctx context.Context, networkUUID string, params validate.Params) (*NIC, error) {
	merged := validate.Params{}
	for k, v := range params {
		merged[k] = v
	}
	merged["network_uuid"] = networkUUID
	return s.CreateNIC(ctx, merged)
}

// checkNICInvariants enforces the structural NIC rules before the
// engine runs.
func (s *Service) checkNICInvariants(nic *NIC, req *provisionRequest) error {
	var errs []validate.FieldError
	if nic.Underlay && nic.BelongsToType != BelongsToServer {
		errs = append(errs, *validate.Invalid("underlay", "underlay NICs must belong to a server"))
	}
	fabric := req.network != nil && req.network.Fabric
	if fabric && nic.BelongsToType == BelongsToZone && nic.CNUUID == "" {
		errs = append(errs, *validate.Missing("cn_uuid"))
	}
	if len(errs) > 0 {
		return &validate.InvalidParamsError{Errors: errs}
	}
	return nil
}

func applyNICFlags(nic *NIC, parsed validate.Result) {
	if primary, ok := parsed["primary"].(bool); ok {
		nic.Primary = primary
	}
	if state, ok := parsed["state"].(string); ok {
		nic.State = state
	}
	if model, ok := parsed["model"].(string); ok {
		nic.Model = model
	}
	if cn, ok := parsed["cn_uuid"].(string); ok {
		nic.CNUUID = cn
	}
	if underlay, ok := parsed["underlay"].(bool); ok {
		nic.Underlay = underlay
	}
	if v, ok := parsed["allow_ip_spoofing"].(bool); ok {
		nic.AllowIPSpoofing = v
	}
	if v, ok := parsed["allow_mac_spoofing"].(bool); ok {
		nic.AllowMACSpoofing = v
	}
	if v, ok := parsed["allow_dhcp_spoofing"].(bool); ok {
		nic.AllowDHCPSpoofing = v
	}
	if v, ok := parsed["allow_restricted_traffic"].(bool); ok {
		nic.AllowRestrictedTraffic = v
	}
	if v, ok := parsed["allow_unfiltered_promisc"].(bool); ok {
		nic.AllowUnfilteredPromisc = v
	}
	if tags, ok := parsed["nic_tags_provided"].(string); ok {
		nic.NicTagsProvided = strings.Join(util.SplitCommaSeparated(tags), ",")
	}
}

func intersectionsFromParsed(parsed validate.Result) []Intersection {
	inter := Intersection{VLANID: -1}
	constrained := false
	if tag, ok := parsed["nic_tag"].(string); ok {
		inter.NicTag = tag
		constrained = true
	}
	if vlan, ok := parsed["vlan_id"].(int); ok {
		inter.VLANID = vlan
		constrained = true
	}
	if vnet, ok := parsed["vnet_id"].(int); ok {
		inter.VnetID = vnet
		constrained = true
	}
	if !constrained {
		return nil
	}
	return []Intersection{inter}
}

// GetNIC returns one NIC by MAC (any supported form).
func (s *Service) GetNIC(ctx context.Context, mac string) (*NIC, error) {
	nic, _, err := s.getNIC(ctx, mac)
	return nic, err
}

func (s *Service) getNIC(ctx context.Context, mac string) (*NIC, string, error) {
	parsed, err := macaddr.Parse(mac)
	if err != nil {
		return nil, "", &validate.InvalidParamsError{Errors: []validate.FieldError{
			*validate.Invalid("mac", "invalid MAC address"),
		}}
	}
	var nic NIC
	etag, err := s.getRecord(ctx, s.bucketName(bucketNics),
		strconv.FormatUint(parsed.Uint64(), 10), "nic", &nic)
	if err != nil {
		return nil, "", err
	}
	return &nic, etag, nil
}

// UpdateNIC reruns the provisioning engine with the stored NIC as the
// base: changing the network or address provisions the new one and
// frees the old in the same batch; changing cn_uuid on a fabric VNIC
// shoots down the old mapping.
func (s *Service) UpdateNIC(ctx context.Context, mac string, params validate.Params) (*NIC, error) {
	parsed, err := nicUpdateSchema.Run(ctx, params)
	if err != nil {
		return nil, err
	}
	nic, etag, err := s.getNIC(ctx, mac)
	if err != nil {
		return nil, err
	}

	req := &provisionRequest{
		nic:     nic,
		nicEtag: etag,
	}

	// Capture the currently held address before mutating the record.
	if nic.IP != "" && nic.NetworkUUID != "" {
		oldNet, err := s.GetNetwork(ctx, nic.NetworkUUID)
		if err == nil {
			req.oldIPs = append(req.oldIPs, heldIP{
				network:       oldNet,
				addr:          nic.IP,
				ownerUUID:     nic.OwnerUUID,
				belongsToUUID: nic.BelongsToUUID,
			})
		}
	}
	oldCN := nic.CNUUID
	oldOwner, oldBelongsTo, oldType := nic.OwnerUUID, nic.BelongsToUUID, nic.BelongsToType

	if owner, ok := parsed["owner_uuid"].(string); ok {
		nic.OwnerUUID = owner
	}
	if b, ok := parsed["belongs_to_uuid"].(string); ok {
		nic.BelongsToUUID = b
	}
	if bt, ok := parsed["belongs_to_type"].(string); ok {
		nic.BelongsToType = bt
	}
	applyNICFlags(nic, parsed)

	req.target = ipTarget{
		OwnerUUID:     nic.OwnerUUID,
		BelongsToUUID: nic.BelongsToUUID,
		BelongsToType: nic.BelongsToType,
		CheckOwner:    true,
	}
	if co, ok := parsed["check_owner"].(bool); ok {
		req.target.CheckOwner = co
	}

	// Network or address changes re-run IP selection; otherwise the
	// existing assignment stays put.
	if networkUUID, ok := parsed["network_uuid"].(string); ok && networkUUID != nic.NetworkUUID {
		req.network, err = s.GetNetwork(ctx, networkUUID)
		if err != nil {
			return nil, err
		}
	}
	if addr, ok := parsed["ip"].(netip.Addr); ok {
		req.explicitIP = addr
		req.hasExplicitIP = true
		if req.network == nil && nic.NetworkUUID != "" {
			req.network, err = s.GetNetwork(ctx, nic.NetworkUUID)
			if err != nil {
				return nil, err
			}
		}
	}
	if req.network == nil && !req.hasExplicitIP {
		// No reprovisioning requested: the held address is kept, but
		// its record must keep tracking the NIC's assignment triplet.
		if nic.OwnerUUID != oldOwner || nic.BelongsToUUID != oldBelongsTo ||
			nic.BelongsToType != oldType {
			req.rewriteIPs = req.oldIPs
		}
		req.oldIPs = nil
	}

	if err := s.checkNICInvariants(nic, req); err != nil {
		return nil, err
	}

	// A fabric VNIC moving between compute nodes invalidates the old
	// node's cached mappings.
	if cn, ok := parsed["cn_uuid"].(string); ok && oldCN != "" && cn != oldCN &&
		nic.NetworkUUID != "" {
		n, nerr := s.GetNetwork(ctx, nic.NetworkUUID)
		if nerr == nil && n.Fabric {
			single := mapset.NewSet[string](oldCN)
			shootdowns, serr := s.shootdownOps(EventVL2Shootdown, n.VnetID, single, nic.MAC, nic.IP)
			if serr != nil {
				return nil, serr
			}
			// The shootdowns commit with the NIC write: a move that
			// never lands publishes nothing.
			req.extraOps = shootdowns
		}
	}

	return s.provision(ctx, req)
}

// DeleteNIC removes a NIC, unassigning its address and removing its
// overlay mappings in the same batch. VL2 shootdowns notify every
// compute node on the vnet.
func (s *Service) DeleteNIC(ctx context.Context, mac string) error {
	nic, etag, err := s.getNIC(ctx, mac)
	if err != nil {
		return err
	}

	ops := []store.Op{store.DeleteOp(s.bucketName(bucketNics), nic.Key(), etag)}

	if nic.IP != "" && nic.NetworkUUID != "" {
		n, nerr := s.GetNetwork(ctx, nic.NetworkUUID)
		if nerr != nil && !errors.Is(nerr, util.ErrNotFound) {
			return nerr
		}
		if nerr == nil {
			bucket := s.ipBucketName(n.UUID)
			item, gerr := s.store.Get(ctx, bucket, nic.IP)
			if gerr == nil {
				var rec IP
				if derr := item.Decode(&rec); derr != nil {
					return util.NewInternalError("napi.DeleteNIC", derr.Error())
				}
				if rec.BelongsToUUID == nic.BelongsToUUID {
					rec.unassign()
					op, perr := store.PutOp(bucket, nic.IP, &rec, item.Etag)
					if perr != nil {
						return perr
					}
					ops = append(ops, op)
				}
			} else if !store.IsNotFound(gerr) {
				return gerr
			}

			if n.Fabric {
				cns, cerr := s.fabricCNs(ctx, n.VnetID)
				if cerr != nil {
					return cerr
				}
				overlayOps, oerr := s.overlayDeleteOps(ctx, nic, n.VnetID, cns)
				if oerr != nil {
					return oerr
				}
				ops = append(ops, overlayOps...)
			}
		}
	}
	if nic.Underlay {
		underlayOps, uerr := s.underlayDeleteOps(ctx, nic)
		if uerr != nil {
			return uerr
		}
		ops = append(ops, underlayOps...)
	}

	if err := s.store.Batch(ctx, ops); err != nil {
		return err
	}
	util.WithField("mac", nic.MACAddr().String()).Info("nic deleted")
	return nil
}

// ListNICs returns NICs matching the optional field filters, in MAC
// order.
func (s *Service) ListNICs(ctx context.Context, params validate.Params, opts ListOpts) ([]*NIC, error) {
	var filter store.And
	if owner, ok := params["owner_uuid"].(string); ok {
		filter = append(filter, store.Eq{Field: "owner_uuid", Value: owner})
	}
	if b, ok := params["belongs_to_uuid"].(string); ok {
		filter = append(filter, store.Eq{Field: "belongs_to_uuid", Value: b})
	}
	if bt, ok := params["belongs_to_type"].(string); ok {
		filter = append(filter, store.Eq{Field: "belongs_to_type", Value: bt})
	}
	if networkUUID, ok := params["network_uuid"].(string); ok {
		filter = append(filter, store.Eq{Field: "network_uuid", Value: networkUUID})
	}
	if state, ok := params["state"].(string); ok {
		filter = append(filter, store.Eq{Field: "state", Value: state})
	}
	if cn, ok := params["cn_uuid"].(string); ok {
		filter = append(filter, store.Eq{Field: "cn_uuid", Value: cn})
	}
	var f store.Filter
	if len(filter) > 0 {
		f = filter
	}

	items, err := s.store.Find(ctx, s.bucketName(bucketNics), f, s.clampList(opts))
	if err != nil {
		return nil, err
	}
	nics := make([]*NIC, 0, len(items))
	for _, item := range items {
		var nic NIC
		if err := item.Decode(&nic); err != nil {
			return nil, err
		}
		nics = append(nics, &nic)
	}
	return nics, nil
}
