package napi

import (
	"context"
	"errors"
	"net/netip"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/napi-network/napi/pkg/store"
	"github.com/napi-network/napi/pkg/util"
)

// Intersection narrows the networks of a pool a NIC may land on. Zero
// values leave a dimension unconstrained (VLANID uses -1 for "any"
// since 0 is a valid VLAN).
type Intersection struct {
	NicTag string
	VLANID int
	VnetID int
}

// matches reports whether a network satisfies the intersection.
func (in Intersection) matches(n *Network) bool {
	if in.NicTag != "" && n.NicTag != in.NicTag {
		return false
	}
	if in.VLANID >= 0 && n.VLANID != in.VLANID {
		return false
	}
	if in.VnetID > 0 && n.VnetID != in.VnetID {
		return false
	}
	return true
}

// heldIP is an address a NIC held before an update, with the holder
// triplet at read time. Freeing and rewriting only touch records the
// NIC still held when the update began.
type heldIP struct {
	network       *Network
	addr          string
	ownerUUID     string
	belongsToUUID string
}

// provisionRequest is the engine's working state for one Create or
// provisioning Update.
type provisionRequest struct {
	nic     *NIC
	nicEtag string // "" = create

	// macGiven makes a NIC-bucket conflict terminal (DuplicateMAC)
	// instead of drawing a new random MAC.
	macGiven bool

	explicitIP    netip.Addr
	hasExplicitIP bool
	network       *Network
	pool          *NetworkPool
	intersections []Intersection

	target ipTarget

	// oldIPs are freed when the new selection no longer covers them
	// (update path).
	oldIPs []heldIP

	// rewriteIPs are kept across the change but their records must
	// track the NIC's new assignment triplet.
	rewriteIPs []heldIP

	// extraOps ride in the provisioning batch (cn-move shootdowns).
	extraOps []store.Op
}

func (req *provisionRequest) wantsIP() bool {
	return req.hasExplicitIP || req.network != nil || req.pool != nil
}

// provision runs the engine loop: select an IP, build the batch (IP +
// NIC + primary bump + overlay), commit, and on conflict re-select only
// the offender. Bounded by the configured retry budgets.
func (s *Service) provision(ctx context.Context, req *provisionRequest) (*NIC, error) {
	log := util.WithOperation("provision").WithField("belongs_to_uuid", req.nic.BelongsToUUID)

	var sel *ipSelection
	macRetries := 0
	ipRetries := 0
	poolCursor := 0
	interIdx := 0

	for attempt := 0; attempt < s.cfg.ProvisionRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var ops []store.Op

		// IP selection.
		if req.wantsIP() {
			if sel == nil {
				var err error
				sel, err = s.selectIP(ctx, req, &poolCursor, &interIdx)
				if err != nil {
					return nil, err
				}
			}
			op, err := sel.op(s.ipBucketName(sel.Network.UUID))
			if err != nil {
				return nil, err
			}
			ops = append(ops, op)
		}

		// Fabric enrichment: capture the CNs hosting VNICs on the vnet
		// before this change.
		var cns mapset.Set[string]
		if sel != nil && sel.Network.Fabric {
			var err error
			cns, err = s.fabricCNs(ctx, sel.Network.VnetID)
			if err != nil {
				return nil, err
			}
		}

		// Free previously held addresses the new selection abandons.
		freeOps, err := s.freeOldIPOps(ctx, req, sel)
		if err != nil {
			return nil, err
		}
		ops = append(ops, freeOps...)

		// Kept addresses follow the NIC's assignment triplet.
		rewriteOps, err := s.rewriteHeldIPOps(ctx, req)
		if err != nil {
			return nil, err
		}
		ops = append(ops, rewriteOps...)

		// NIC construction.
		if req.nic.MAC == 0 && !req.macGiven {
			req.nic.MAC = s.oui.Random().Uint64()
		}
		if sel != nil {
			req.nic.IP = sel.Record.IP
			req.nic.NetworkUUID = sel.Network.UUID
			req.nic.NicTag = sel.Network.NicTag
		}

		nicOp, err := store.PutOp(s.bucketName(bucketNics), req.nic.Key(), req.nic, req.nicEtag)
		if err != nil {
			return nil, err
		}
		ops = append(ops, nicOp)

		if req.nic.Primary {
			ops = append(ops, store.UpdateOp(s.bucketName(bucketNics),
				map[string]interface{}{"primary_flag": false},
				store.And{
					store.Eq{Field: "belongs_to_uuid", Value: req.nic.BelongsToUUID},
					store.Eq{Field: "primary_flag", Value: true},
					store.Ne{Field: "mac", Value: req.nic.MAC},
				}))
		}

		// Overlay writes ride in the same batch so a provisioned NIC is
		// always overlay reachable. Without a fresh selection (cn_uuid
		// move), the NIC's current network drives the mapping rewrite.
		overlayNet := (*Network)(nil)
		if sel != nil {
			overlayNet = sel.Network
		} else if req.nic.NetworkUUID != "" {
			n, err := s.GetNetwork(ctx, req.nic.NetworkUUID)
			if err == nil {
				overlayNet = n
			} else if !errors.Is(err, util.ErrNotFound) {
				return nil, err
			}
		}
		if overlayNet != nil && overlayNet.Fabric && req.nic.BelongsToType == BelongsToZone {
			if cns == nil {
				cns, err = s.fabricCNs(ctx, overlayNet.VnetID)
				if err != nil {
					return nil, err
				}
			}
			overlayOps, err := s.overlayAddOps(ctx, req.nic, overlayNet.VnetID, cns)
			if err != nil {
				return nil, err
			}
			ops = append(ops, overlayOps...)
		}
		if req.nic.Underlay {
			underlayOps, err := s.underlayOps(ctx, req.nic)
			if err != nil {
				return nil, err
			}
			ops = append(ops, underlayOps...)
		}

		if sel != nil && sel.Network.Fabric && !sel.Network.GatewayProvisioned &&
			sel.Record.IP == sel.Network.Gateway {
			op, err := s.gatewayProvisionedOp(ctx, sel.Network.UUID)
			if err != nil {
				return nil, err
			}
			ops = append(ops, op)
		}

		ops = append(ops, req.extraOps...)

		// Commit.
		err = s.store.Batch(ctx, ops)
		if err == nil {
			log.WithField("mac", req.nic.MACAddr().String()).Info("nic provisioned")
			return req.nic, nil
		}
		if !store.IsEtagConflict(err) {
			return nil, err
		}

		bucket, _, _ := store.ConflictContext(err)
		switch {
		case bucket == s.bucketName(bucketNics) && req.nicEtag != "":
			// An update lost the etag race on the NIC record itself.
			// Re-read and retry with the fresh etag.
			item, gerr := s.store.Get(ctx, s.bucketName(bucketNics), req.nic.Key())
			if gerr != nil {
				return nil, gerr
			}
			req.nicEtag = item.Etag
		case bucket == s.bucketName(bucketNics):
			if req.macGiven {
				return nil, duplicateMACError(req.nic.MACAddr())
			}
			macRetries++
			if macRetries > s.cfg.MACRetries {
				return nil, util.NewUnavailableError("napi.provision", "MAC retry budget exhausted")
			}
			req.nic.MAC = s.oui.Random().Uint64()
		case sel != nil && bucket == s.ipBucketName(sel.Network.UUID):
			// Somebody raced us to the address. The explicit path
			// re-reads (and may now fail UsedBy); the next-free path
			// just picks again.
			ipRetries++
			if ipRetries > s.cfg.IPRetries {
				return nil, util.NewUnavailableError("napi.provision", "IP retry budget exhausted")
			}
			sel = nil
		default:
			// Unclassified or elsewhere: rebuild everything.
			sel = nil
		}
		log.WithField("attempt", attempt+1).Debug("provision batch conflicted, retrying")
	}

	return nil, util.NewUnavailableError("napi.provision", "provision retry budget exhausted")
}

// selectIP picks the next candidate address for the request, walking
// pool intersections on PoolFull.
func (s *Service) selectIP(ctx context.Context, req *provisionRequest, poolCursor, interIdx *int) (*ipSelection, error) {
	switch {
	case req.hasExplicitIP:
		n := req.network
		if n == nil {
			return nil, util.NewInternalError("napi.selectIP", "explicit ip without a network")
		}
		return s.selectExplicitIP(ctx, n, req.explicitIP, req.target)

	case req.pool != nil:
		return s.selectFromPool(ctx, req, poolCursor, interIdx)

	case req.network != nil:
		return s.selectNextFree(ctx, req.network, req.target)
	}
	return nil, util.NewInternalError("napi.selectIP", "no ip provisioner")
}

// selectFromPool advances through the pool's member networks. A full
// network moves the cursor; exhausting an intersection moves to the
// next one; exhausting all of them is PoolFull.
func (s *Service) selectFromPool(ctx context.Context, req *provisionRequest, poolCursor, interIdx *int) (*ipSelection, error) {
	intersections := req.intersections
	if len(intersections) == 0 {
		intersections = []Intersection{{VLANID: -1}}
	}

	for ; *interIdx < len(intersections); *interIdx++ {
		inter := intersections[*interIdx]
		for ; *poolCursor < len(req.pool.Networks); *poolCursor++ {
			n, err := s.GetNetwork(ctx, req.pool.Networks[*poolCursor])
			if err != nil {
				if errors.Is(err, util.ErrNotFound) {
					continue
				}
				return nil, err
			}
			if !inter.matches(n) {
				continue
			}
			sel, err := s.selectNextFree(ctx, n, req.target)
			if err != nil {
				var full *SubnetFullError
				if errors.As(err, &full) {
					continue
				}
				return nil, err
			}
			return sel, nil
		}
		*poolCursor = 0
	}
	return nil, &PoolFullError{PoolUUID: req.pool.UUID}
}

// freeOldIPOps unassigns addresses the NIC held before this change,
// with overlay deletes and shootdowns for fabric addresses.
func (s *Service) freeOldIPOps(ctx context.Context, req *provisionRequest, sel *ipSelection) ([]store.Op, error) {
	var ops []store.Op
	for _, held := range req.oldIPs {
		if sel != nil && sel.Network.UUID == held.network.UUID && sel.Record.IP == held.addr {
			continue
		}

		bucket := s.ipBucketName(held.network.UUID)
		item, err := s.store.Get(ctx, bucket, held.addr)
		if err != nil {
			if store.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		var rec IP
		if err := item.Decode(&rec); err != nil {
			return nil, util.NewInternalError("napi.freeOldIPOps", err.Error())
		}
		// Only free what the NIC held going into this change.
		if rec.BelongsToUUID != held.belongsToUUID || rec.OwnerUUID != held.ownerUUID {
			continue
		}
		rec.unassign()
		op, err := store.PutOp(bucket, held.addr, &rec, item.Etag)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)

		if held.network.Fabric {
			cns, err := s.fabricCNs(ctx, held.network.VnetID)
			if err != nil {
				return nil, err
			}
			old := *req.nic
			old.IP = held.addr
			overlayOps, err := s.overlayDeleteOps(ctx, &old, held.network.VnetID, cns)
			if err != nil {
				return nil, err
			}
			ops = append(ops, overlayOps...)
		}
	}
	return ops, nil
}

// rewriteHeldIPOps rewrites the records of addresses the NIC keeps
// across an assignment change so the stored triplet always matches the
// NIC's.
func (s *Service) rewriteHeldIPOps(ctx context.Context, req *provisionRequest) ([]store.Op, error) {
	var ops []store.Op
	for _, held := range req.rewriteIPs {
		bucket := s.ipBucketName(held.network.UUID)
		item, err := s.store.Get(ctx, bucket, held.addr)
		if err != nil {
			if store.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		var rec IP
		if err := item.Decode(&rec); err != nil {
			return nil, util.NewInternalError("napi.rewriteHeldIPOps", err.Error())
		}
		if rec.BelongsToUUID != held.belongsToUUID || rec.OwnerUUID != held.ownerUUID {
			continue
		}
		if rec.BelongsToUUID == req.nic.BelongsToUUID &&
			rec.BelongsToType == req.nic.BelongsToType &&
			rec.OwnerUUID == req.nic.OwnerUUID {
			continue
		}
		rec.BelongsToUUID = req.nic.BelongsToUUID
		rec.BelongsToType = req.nic.BelongsToType
		rec.OwnerUUID = req.nic.OwnerUUID
		op, err := store.PutOp(bucket, held.addr, &rec, item.Etag)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// gatewayProvisionedOp marks a fabric network's gateway as provisioned,
// under the network's read etag.
func (s *Service) gatewayProvisionedOp(ctx context.Context, networkUUID string) (store.Op, error) {
	bucket := s.bucketName(bucketNetworks)
	var n Network
	etag, err := s.getRecord(ctx, bucket, networkUUID, "network", &n)
	if err != nil {
		return store.Op{}, err
	}
	n.GatewayProvisioned = true
	return store.PutOp(bucket, networkUUID, &n, etag)
}
