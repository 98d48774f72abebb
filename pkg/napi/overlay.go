package napi

import (
	"context"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"github.com/napi-network/napi/pkg/store"
	"github.com/napi-network/napi/pkg/util"
)

// Overlay event types consumed by the out-of-band mapping service.
const (
	EventVL2Shootdown = "vl2_shootdown"
	EventVL3Shootdown = "vl3_shootdown"
)

// VL2Mapping maps (vnet_id, mac) to the compute node hosting the VNIC.
type VL2Mapping struct {
	V      int    `json:"v"`
	VnetID int    `json:"vnet_id"`
	MAC    uint64 `json:"mac"`
	CNUUID string `json:"cn_uuid"`
}

// VL3Mapping maps (vnet_id, ip) to the MAC and compute node behind it.
type VL3Mapping struct {
	V      int    `json:"v"`
	VnetID int    `json:"vnet_id"`
	IP     string `json:"ip"`
	MAC    uint64 `json:"mac"`
	CNUUID string `json:"cn_uuid"`
}

// UnderlayMapping maps a compute node to its underlay NIC.
type UnderlayMapping struct {
	V      int    `json:"v"`
	CNUUID string `json:"cn_uuid"`
	MAC    uint64 `json:"mac"`
	IP     string `json:"ip,omitempty"`
}

// NetEvent is one append-only shootdown log entry. Entries are removed
// only by the compaction consumer after acknowledgement.
type NetEvent struct {
	V      int    `json:"v"`
	ID     string `json:"id"`
	Type   string `json:"type"`
	VnetID int    `json:"vnet_id"`
	CNUUID string `json:"cn_uuid"`
	MAC    uint64 `json:"mac,omitempty"`
	IP     string `json:"ip,omitempty"`
}

func vl2Key(vnetID int, mac uint64) string {
	return fmt.Sprintf("%d:%d", vnetID, mac)
}

func vl3Key(vnetID int, ip string) string {
	return fmt.Sprintf("%d:%s", vnetID, ip)
}

// fabricCNs returns the set of compute nodes currently hosting VNICs on
// a vnet, from the VL2 table. The engine captures this set before a
// change so shootdowns reach every node that may have cached the old
// mapping.
func (s *Service) fabricCNs(ctx context.Context, vnetID int) (mapset.Set[string], error) {
	cns := mapset.NewSet[string]()
	items, err := s.store.Find(ctx, s.bucketName(bucketVL2),
		store.Eq{Field: "vnet_id", Value: vnetID}, store.FindOpts{})
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		var m VL2Mapping
		if err := item.Decode(&m); err != nil {
			return nil, err
		}
		if m.CNUUID != "" {
			cns.Add(m.CNUUID)
		}
	}
	return cns, nil
}

// overlayAddOps builds the VL2 and VL3 writes for a fabric VNIC, plus a
// VL3 shootdown per captured compute node. Existing mappings are
// rewritten under their read etags so a concurrent overlay change
// aborts the whole batch.
func (s *Service) overlayAddOps(ctx context.Context, nic *NIC, vnetID int, cns mapset.Set[string]) ([]store.Op, error) {
	var ops []store.Op

	vl2 := &VL2Mapping{V: recordVersion, VnetID: vnetID, MAC: nic.MAC, CNUUID: nic.CNUUID}
	op, err := s.upsertOp(ctx, s.bucketName(bucketVL2), vl2Key(vnetID, nic.MAC), vl2)
	if err != nil {
		return nil, err
	}
	ops = append(ops, op)

	if nic.IP != "" {
		vl3 := &VL3Mapping{V: recordVersion, VnetID: vnetID, IP: nic.IP, MAC: nic.MAC, CNUUID: nic.CNUUID}
		op, err := s.upsertOp(ctx, s.bucketName(bucketVL3), vl3Key(vnetID, nic.IP), vl3)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)

		shootdowns, err := s.shootdownOps(EventVL3Shootdown, vnetID, cns, nic.MAC, nic.IP)
		if err != nil {
			return nil, err
		}
		ops = append(ops, shootdowns...)
	}
	return ops, nil
}

// overlayDeleteOps builds the VL2 and VL3 deletes for a fabric VNIC
// going away, plus a VL2 shootdown per captured compute node.
func (s *Service) overlayDeleteOps(ctx context.Context, nic *NIC, vnetID int, cns mapset.Set[string]) ([]store.Op, error) {
	var ops []store.Op

	if op, ok, err := s.deleteIfPresentOp(ctx, s.bucketName(bucketVL2), vl2Key(vnetID, nic.MAC)); err != nil {
		return nil, err
	} else if ok {
		ops = append(ops, op)
	}
	if nic.IP != "" {
		if op, ok, err := s.deleteIfPresentOp(ctx, s.bucketName(bucketVL3), vl3Key(vnetID, nic.IP)); err != nil {
			return nil, err
		} else if ok {
			ops = append(ops, op)
		}
	}

	shootdowns, err := s.shootdownOps(EventVL2Shootdown, vnetID, cns, nic.MAC, nic.IP)
	if err != nil {
		return nil, err
	}
	return append(ops, shootdowns...), nil
}

// underlayOps builds the underlay-mapping write for a server underlay
// NIC, keyed by the hosting compute node.
func (s *Service) underlayOps(ctx context.Context, nic *NIC) ([]store.Op, error) {
	m := &UnderlayMapping{V: recordVersion, CNUUID: nic.BelongsToUUID, MAC: nic.MAC, IP: nic.IP}
	op, err := s.upsertOp(ctx, s.bucketName(bucketUnderlay), m.CNUUID, m)
	if err != nil {
		return nil, err
	}
	return []store.Op{op}, nil
}

// underlayDeleteOps removes the underlay mapping for a server NIC.
func (s *Service) underlayDeleteOps(ctx context.Context, nic *NIC) ([]store.Op, error) {
	op, ok, err := s.deleteIfPresentOp(ctx, s.bucketName(bucketUnderlay), nic.BelongsToUUID)
	if err != nil || !ok {
		return nil, err
	}
	return []store.Op{op}, nil
}

// shootdownOps appends one event record per compute node in the set.
func (s *Service) shootdownOps(eventType string, vnetID int, cns mapset.Set[string], mac uint64, ip string) ([]store.Op, error) {
	if cns == nil {
		return nil, nil
	}
	bucket := s.bucketName(bucketEvents)
	var ops []store.Op
	for cn := range cns.Iter() {
		ev := &NetEvent{
			V:      recordVersion,
			ID:     uuid.NewString(),
			Type:   eventType,
			VnetID: vnetID,
			CNUUID: cn,
			MAC:    mac,
			IP:     ip,
		}
		op, err := store.PutOp(bucket, ev.ID, ev, "")
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// upsertOp builds a put that creates the record or rewrites it under
// its read etag.
func (s *Service) upsertOp(ctx context.Context, bucket, key string, record interface{}) (store.Op, error) {
	etag := ""
	item, err := s.store.Get(ctx, bucket, key)
	if err == nil {
		etag = item.Etag
	} else if !store.IsNotFound(err) {
		return store.Op{}, err
	}
	return store.PutOp(bucket, key, record, etag)
}

// deleteIfPresentOp builds a delete under the record's read etag, or
// reports ok=false when there is nothing to delete.
func (s *Service) deleteIfPresentOp(ctx context.Context, bucket, key string) (store.Op, bool, error) {
	item, err := s.store.Get(ctx, bucket, key)
	if err != nil {
		if store.IsNotFound(err) {
			return store.Op{}, false, nil
		}
		return store.Op{}, false, err
	}
	return store.DeleteOp(bucket, key, item.Etag), true, nil
}

// ListNetEvents returns pending shootdown log entries for a compute
// node, oldest-key first.
func (s *Service) ListNetEvents(ctx context.Context, cnUUID string, opts ListOpts) ([]*NetEvent, error) {
	items, err := s.store.Find(ctx, s.bucketName(bucketEvents),
		store.Eq{Field: "cn_uuid", Value: cnUUID}, s.clampList(opts))
	if err != nil {
		return nil, err
	}
	events := make([]*NetEvent, 0, len(items))
	for _, item := range items {
		var ev NetEvent
		if err := item.Decode(&ev); err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}
	return events, nil
}

// AckNetEvent removes an acknowledged shootdown log entry. This is the
// compaction path; entries are never updated in place.
func (s *Service) AckNetEvent(ctx context.Context, id string) error {
	err := s.store.Delete(ctx, s.bucketName(bucketEvents), id, "")
	if err != nil && store.IsNotFound(err) {
		return util.NewNotFoundError("net event", id)
	}
	return err
}
