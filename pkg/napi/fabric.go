package napi

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"strconv"

	"github.com/google/uuid"

	"github.com/napi-network/napi/pkg/store"
	"github.com/napi-network/napi/pkg/util"
	"github.com/napi-network/napi/pkg/validate"
)

// vnetIDRetries bounds random vnet id draws when the caller does not
// supply one.
const vnetIDRetries = 10

// fabricNicTag is the service-managed tag fabric networks land on; it
// names the overlay device on the CNs.
const fabricNicTag = "overlay"

var fabricCreateSchema = &validate.Schema{
	Required: map[string]validate.Fn{
		"owner_uuid": validate.UUID,
	},
	Optional: map[string]validate.Fn{
		"vnet_id": validate.VnetID,
	},
	Strict: true,
}

var vpcCreateSchema = &validate.Schema{
	Required: map[string]validate.Fn{
		"owner_uuid": validate.UUID,
	},
	Optional: map[string]validate.Fn{
		"vpc_uuid": validate.UUID,
		"vnet_id":  validate.VnetID,
		"ip4_cidr": validate.Subnet,
		"quota":    validate.IntRange(1, 1<<20),
	},
	Strict: true,
}

var fabricVLANCreateSchema = &validate.Schema{
	Required: map[string]validate.Fn{
		"owner_uuid": validate.UUID,
		"vlan_id":    validate.VLANID,
		"name":       validate.NonEmptyString,
	},
	Optional: map[string]validate.Fn{
		"vpc_uuid":    validate.UUID,
		"description": validate.String,
	},
	Strict: true,
}

var fabricVLANUpdateSchema = &validate.Schema{
	Optional: map[string]validate.Fn{
		"name":        validate.NonEmptyString,
		"description": validate.String,
	},
	Strict: true,
}

// fabricVLANKey scopes a VLAN id under its owner or VPC.
func fabricVLANKey(scope string, vlanID int) string {
	return scope + ":" + strconv.Itoa(vlanID)
}

// CreateFabric creates the per-owner fabric record, allocating a free
// 24-bit vnet id when none is supplied. One fabric per owner.
func (s *Service) CreateFabric(ctx context.Context, params validate.Params) (*Fabric, error) {
	parsed, err := fabricCreateSchema.Run(ctx, params)
	if err != nil {
		return nil, err
	}
	owner := parsed["owner_uuid"].(string)

	f := &Fabric{V: recordVersion, OwnerUUID: owner}
	if vnet, ok := parsed["vnet_id"].(int); ok {
		f.VnetID = vnet
	} else {
		vnet, err := s.allocVnetID(ctx)
		if err != nil {
			return nil, err
		}
		f.VnetID = vnet
	}

	_, err = s.putRecord(ctx, s.bucketName(bucketFabrics), owner, f, "")
	if err != nil {
		if store.IsEtagConflict(err) {
			return nil, &validate.InvalidParamsError{Errors: []validate.FieldError{
				*validate.Duplicate("owner_uuid", "owner already has a fabric"),
			}}
		}
		return nil, err
	}
	util.WithField("owner_uuid", owner).WithField("vnet_id", f.VnetID).Info("fabric created")
	return f, nil
}

// GetFabric returns the fabric record for an owner.
func (s *Service) GetFabric(ctx context.Context, ownerUUID string) (*Fabric, error) {
	var f Fabric
	if _, err := s.getRecord(ctx, s.bucketName(bucketFabrics), ownerUUID, "fabric", &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// CreateVPC creates an additional per-owner fabric record identified by
// a vpc_uuid, carrying its aggregate CIDR and quota counter.
func (s *Service) CreateVPC(ctx context.Context, params validate.Params) (*Fabric, error) {
	parsed, err := vpcCreateSchema.Run(ctx, params)
	if err != nil {
		return nil, err
	}

	f := &Fabric{V: recordVersion, OwnerUUID: parsed["owner_uuid"].(string)}
	if u, ok := parsed["vpc_uuid"].(string); ok {
		f.VPCUUID = u
	} else {
		f.VPCUUID = uuid.NewString()
	}
	if vnet, ok := parsed["vnet_id"].(int); ok {
		f.VnetID = vnet
	} else {
		vnet, err := s.allocVnetID(ctx)
		if err != nil {
			return nil, err
		}
		f.VnetID = vnet
	}
	if cidr, ok := parsed["ip4_cidr"].(netip.Prefix); ok {
		f.IP4CIDR = cidr.String()
	}
	if quota, ok := parsed["quota"].(int); ok {
		f.Quota = quota
	}

	_, err = s.putRecord(ctx, s.bucketName(bucketFabrics), f.VPCUUID, f, "")
	if err != nil {
		if store.IsEtagConflict(err) {
			return nil, &validate.InvalidParamsError{Errors: []validate.FieldError{
				*validate.Duplicate("vpc_uuid", "VPC already exists"),
			}}
		}
		return nil, err
	}
	return f, nil
}

// GetVPC returns one VPC record.
func (s *Service) GetVPC(ctx context.Context, vpcUUID string) (*Fabric, error) {
	var f Fabric
	if _, err := s.getRecord(ctx, s.bucketName(bucketFabrics), vpcUUID, "vpc", &f); err != nil {
		return nil, err
	}
	if f.VPCUUID == "" {
		return nil, util.NewNotFoundError("vpc", vpcUUID)
	}
	return &f, nil
}

// allocVnetID draws random 24-bit vnet ids until one is unused.
func (s *Service) allocVnetID(ctx context.Context) (int, error) {
	for attempt := 0; attempt < vnetIDRetries; attempt++ {
		vnet := int(rand.Uint32N(1<<24-1)) + 1
		items, err := s.store.Find(ctx, s.bucketName(bucketFabrics),
			store.Eq{Field: "vnet_id", Value: vnet}, store.FindOpts{Limit: 1})
		if err != nil {
			return 0, err
		}
		if len(items) == 0 {
			return vnet, nil
		}
	}
	return 0, util.NewUnavailableError("napi.allocVnetID", "could not find a free vnet id")
}

// CreateFabricVLAN creates one VLAN inside an owner's (or VPC's)
// fabric. The (scope, vlan_id) pair is unique.
func (s *Service) CreateFabricVLAN(ctx context.Context, params validate.Params) (*FabricVLAN, error) {
	parsed, err := fabricVLANCreateSchema.Run(ctx, params)
	if err != nil {
		return nil, err
	}

	vlan := &FabricVLAN{
		V:         recordVersion,
		OwnerUUID: parsed["owner_uuid"].(string),
		VLANID:    parsed["vlan_id"].(int),
		Name:      parsed["name"].(string),
	}
	if desc, ok := parsed["description"].(string); ok {
		vlan.Description = desc
	}

	scope := vlan.OwnerUUID
	if vpc, ok := parsed["vpc_uuid"].(string); ok {
		vlan.VPCUUID = vpc
		scope = vpc
	}

	// The fabric's vnet id binds every VLAN and network under it.
	var fabric *Fabric
	if vlan.VPCUUID != "" {
		fabric, err = s.GetVPC(ctx, vlan.VPCUUID)
	} else {
		fabric, err = s.GetFabric(ctx, vlan.OwnerUUID)
	}
	if err != nil {
		return nil, err
	}
	vlan.VnetID = fabric.VnetID

	_, err = s.putRecord(ctx, s.bucketName(bucketFabricVLANs), fabricVLANKey(scope, vlan.VLANID), vlan, "")
	if err != nil {
		if store.IsEtagConflict(err) {
			return nil, &validate.InvalidParamsError{Errors: []validate.FieldError{
				*validate.Duplicate("vlan_id", "VLAN already exists"),
			}}
		}
		return nil, err
	}
	return vlan, nil
}

// GetFabricVLAN returns one fabric VLAN by scope (owner or VPC UUID)
// and VLAN id.
func (s *Service) GetFabricVLAN(ctx context.Context, scope string, vlanID int) (*FabricVLAN, error) {
	var vlan FabricVLAN
	key := fabricVLANKey(scope, vlanID)
	if _, err := s.getRecord(ctx, s.bucketName(bucketFabricVLANs), key, "fabric vlan", &vlan); err != nil {
		return nil, err
	}
	return &vlan, nil
}

// UpdateFabricVLAN changes a VLAN's name or description.
func (s *Service) UpdateFabricVLAN(ctx context.Context, scope string, vlanID int, params validate.Params) (*FabricVLAN, error) {
	parsed, err := fabricVLANUpdateSchema.Run(ctx, params)
	if err != nil {
		return nil, err
	}
	bucket := s.bucketName(bucketFabricVLANs)
	key := fabricVLANKey(scope, vlanID)
	var vlan FabricVLAN
	etag, err := s.getRecord(ctx, bucket, key, "fabric vlan", &vlan)
	if err != nil {
		return nil, err
	}
	if name, ok := parsed["name"].(string); ok {
		vlan.Name = name
	}
	if desc, ok := parsed["description"].(string); ok {
		vlan.Description = desc
	}
	if _, err := s.putRecord(ctx, bucket, key, &vlan, etag); err != nil {
		return nil, err
	}
	return &vlan, nil
}

// DeleteFabricVLAN removes a VLAN, refusing while fabric networks still
// exist on its (vnet_id, vlan_id).
func (s *Service) DeleteFabricVLAN(ctx context.Context, scope string, vlanID int) error {
	bucket := s.bucketName(bucketFabricVLANs)
	key := fabricVLANKey(scope, vlanID)
	var vlan FabricVLAN
	etag, err := s.getRecord(ctx, bucket, key, "fabric vlan", &vlan)
	if err != nil {
		return err
	}

	nets, err := s.store.Find(ctx, s.bucketName(bucketNetworks), store.And{
		store.Eq{Field: "vnet_id", Value: vlan.VnetID},
		store.Eq{Field: "vlan_id", Value: vlan.VLANID},
		store.Eq{Field: "fabric", Value: true},
	}, store.FindOpts{})
	if err != nil {
		return err
	}
	if len(nets) > 0 {
		referrers := make([]string, len(nets))
		for i, item := range nets {
			referrers[i] = "network " + item.Key
		}
		return util.NewInUseError(fmt.Sprintf("fabric vlan %d", vlanID), referrers...)
	}

	return s.store.Delete(ctx, bucket, key, etag)
}

// ListFabricVLANs returns the VLANs under an owner or VPC.
func (s *Service) ListFabricVLANs(ctx context.Context, scope string, opts ListOpts) ([]*FabricVLAN, error) {
	filter := store.Or{
		store.Eq{Field: "owner_uuid", Value: scope},
		store.Eq{Field: "vpc_uuid", Value: scope},
	}
	items, err := s.store.Find(ctx, s.bucketName(bucketFabricVLANs), filter, s.clampList(opts))
	if err != nil {
		return nil, err
	}
	vlans := make([]*FabricVLAN, 0, len(items))
	for _, item := range items {
		var vlan FabricVLAN
		if err := item.Decode(&vlan); err != nil {
			return nil, err
		}
		// An owner scope must not leak VPC-scoped VLANs.
		if vlan.VPCUUID != "" && vlan.VPCUUID != scope && vlan.OwnerUUID == scope {
			continue
		}
		vlans = append(vlans, &vlan)
	}
	return vlans, nil
}

// CreateFabricNetwork creates a network on an owner's fabric VLAN: the
// vnet id comes from the fabric, the network is owner-scoped, and for
// VPCs the quota counter moves.
func (s *Service) CreateFabricNetwork(ctx context.Context, scope string, vlanID int, params validate.Params) (*Network, error) {
	vlan, err := s.GetFabricVLAN(ctx, scope, vlanID)
	if err != nil {
		return nil, err
	}

	var vpc *Fabric
	if vlan.VPCUUID != "" {
		vpc, err = s.GetVPC(ctx, vlan.VPCUUID)
		if err != nil {
			return nil, err
		}
		if vpc.Quota > 0 && vpc.QuotaUsed >= vpc.Quota {
			return nil, util.NewInUseError("vpc " + vpc.VPCUUID + " network quota")
		}
	}

	merged := validate.Params{}
	for k, v := range params {
		merged[k] = v
	}
	merged["fabric"] = true
	merged["vlan_id"] = vlan.VLANID
	merged["vnet_id"] = vlan.VnetID
	if _, ok := merged["owner_uuids"]; !ok {
		merged["owner_uuids"] = []string{vlan.OwnerUUID}
	}
	if _, ok := merged["nic_tag"]; !ok {
		merged["nic_tag"] = fabricNicTag
		if err := s.ensureFabricNicTag(ctx); err != nil {
			return nil, err
		}
	}

	n, err := s.CreateNetwork(ctx, merged)
	if err != nil {
		return nil, err
	}

	if vpc != nil {
		if err := s.bumpVPCQuota(ctx, vpc.VPCUUID, 1); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// ensureFabricNicTag creates the overlay tag on first use. A concurrent
// creator winning the race is fine.
func (s *Service) ensureFabricNicTag(ctx context.Context) error {
	if _, err := s.GetNicTag(ctx, fabricNicTag); err == nil {
		return nil
	} else if !errors.Is(err, util.ErrNotFound) {
		return err
	}
	_, err := s.CreateNicTag(ctx, validate.Params{"name": fabricNicTag})
	var invalid *validate.InvalidParamsError
	if errors.As(err, &invalid) {
		return nil
	}
	return err
}

// bumpVPCQuota moves a VPC's usage counter under its read etag.
func (s *Service) bumpVPCQuota(ctx context.Context, vpcUUID string, delta int) error {
	bucket := s.bucketName(bucketFabrics)
	var f Fabric
	etag, err := s.getRecord(ctx, bucket, vpcUUID, "vpc", &f)
	if err != nil {
		return err
	}
	f.QuotaUsed += delta
	if f.QuotaUsed < 0 {
		f.QuotaUsed = 0
	}
	_, err = s.putRecord(ctx, bucket, vpcUUID, &f, etag)
	return err
}
