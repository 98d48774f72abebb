package napi_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/napi-network/napi/internal/testutil"
	"github.com/napi-network/napi/pkg/napi"
	"github.com/napi-network/napi/pkg/store"
	"github.com/napi-network/napi/pkg/util"
	"github.com/napi-network/napi/pkg/validate"
)

// Raw bucket names as seen by a test deployment.
const (
	vl2TestBucket      = "test_napi_vnet_macs"
	vl3TestBucket      = "test_napi_vnet_mac_ip"
	underlayTestBucket = "test_napi_underlay_mappings"
)

// provisionFabricNIC creates a zone NIC on a fabric network, hosted on
// the given compute node.
func provisionFabricNIC(t *testing.T, svc *napi.Service, n *napi.Network, owner, cn string) *napi.NIC {
	t.Helper()
	params := zoneParams(owner, testutil.NewUUID())
	params["network_uuid"] = n.UUID
	params["cn_uuid"] = cn
	nic, err := svc.CreateNIC(testutil.Context(t), params)
	if err != nil {
		t.Fatalf("provisioning fabric nic: %v", err)
	}
	return nic
}

func TestCreateFabricAllocatesVnet(t *testing.T) {
	svc := testutil.Service(t)
	ctx := testutil.Context(t)
	owner := testutil.NewUUID()

	f, err := svc.CreateFabric(ctx, validate.Params{"owner_uuid": owner})
	if err != nil {
		t.Fatalf("creating fabric: %v", err)
	}
	if f.VnetID <= 0 || f.VnetID >= 1<<24 {
		t.Fatalf("vnet id %d outside 24-bit range", f.VnetID)
	}

	_, err = svc.CreateFabric(ctx, validate.Params{"owner_uuid": owner})
	fe := fieldWithCode(t, err, validate.CodeDuplicate)
	if fe.Field != "owner_uuid" {
		t.Errorf("error field = %q, want owner_uuid", fe.Field)
	}
}

func TestFabricNetworkInheritsVnetAndOwner(t *testing.T) {
	svc := testutil.Service(t)
	ctx := testutil.Context(t)
	owner := testutil.NewUUID()
	n := testutil.SeedFabricNetwork(t, svc, owner)

	f, err := svc.GetFabric(ctx, owner)
	if err != nil {
		t.Fatalf("reading fabric: %v", err)
	}
	if !n.Fabric || n.VnetID != f.VnetID {
		t.Errorf("network vnet = %d, fabric vnet = %d", n.VnetID, f.VnetID)
	}
	if len(n.OwnerUUIDs) != 1 || n.OwnerUUIDs[0] != owner {
		t.Errorf("network owners = %v, want [%s]", n.OwnerUUIDs, owner)
	}
	if n.NicTag != "overlay" {
		t.Errorf("network nic_tag = %q, want overlay", n.NicTag)
	}
}

func TestFabricProvisionWritesOverlayMappings(t *testing.T) {
	svc := testutil.Service(t)
	ctx := testutil.Context(t)
	owner := testutil.NewUUID()
	n := testutil.SeedFabricNetwork(t, svc, owner)

	cn1 := testutil.NewUUID()
	nic := provisionFabricNIC(t, svc, n, owner, cn1)

	item, err := svc.Store().Get(ctx, vl2TestBucket, fmt.Sprintf("%d:%d", n.VnetID, nic.MAC))
	if err != nil {
		t.Fatalf("reading vl2 mapping: %v", err)
	}
	var vl2 napi.VL2Mapping
	if err := item.Decode(&vl2); err != nil {
		t.Fatalf("decoding vl2 mapping: %v", err)
	}
	if vl2.CNUUID != cn1 || vl2.VnetID != n.VnetID {
		t.Errorf("vl2 mapping = %+v, want cn %s on vnet %d", vl2, cn1, n.VnetID)
	}

	item, err = svc.Store().Get(ctx, vl3TestBucket, fmt.Sprintf("%d:%s", n.VnetID, nic.IP))
	if err != nil {
		t.Fatalf("reading vl3 mapping: %v", err)
	}
	var vl3 napi.VL3Mapping
	if err := item.Decode(&vl3); err != nil {
		t.Fatalf("decoding vl3 mapping: %v", err)
	}
	if vl3.MAC != nic.MAC || vl3.CNUUID != cn1 {
		t.Errorf("vl3 mapping = %+v, want mac %d on %s", vl3, nic.MAC, cn1)
	}
}

func TestFabricShootdownEvents(t *testing.T) {
	svc := testutil.Service(t)
	ctx := testutil.Context(t)
	owner := testutil.NewUUID()
	n := testutil.SeedFabricNetwork(t, svc, owner)

	cn1 := testutil.NewUUID()
	cn2 := testutil.NewUUID()
	provisionFabricNIC(t, svc, n, owner, cn1)

	// The first VNIC saw an empty vnet; no events yet.
	events, err := svc.ListNetEvents(ctx, cn1, napi.ListOpts{})
	if err != nil {
		t.Fatalf("listing events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("got %d events before any shootdown", len(events))
	}

	// A second VNIC on another node invalidates cn1's VL3 cache.
	second := provisionFabricNIC(t, svc, n, owner, cn2)
	events, err = svc.ListNetEvents(ctx, cn1, napi.ListOpts{})
	if err != nil {
		t.Fatalf("listing events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events for cn1, want 1", len(events))
	}
	ev := events[0]
	if ev.Type != napi.EventVL3Shootdown || ev.IP != second.IP || ev.VnetID != n.VnetID {
		t.Errorf("event = %+v, want vl3 shootdown for %s", ev, second.IP)
	}

	if err := svc.AckNetEvent(ctx, ev.ID); err != nil {
		t.Fatalf("acking event: %v", err)
	}
	events, err = svc.ListNetEvents(ctx, cn1, napi.ListOpts{})
	if err != nil {
		t.Fatalf("listing events after ack: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("acked event still listed")
	}
}

func TestDeleteFabricNICRemovesMappings(t *testing.T) {
	svc := testutil.Service(t)
	ctx := testutil.Context(t)
	owner := testutil.NewUUID()
	n := testutil.SeedFabricNetwork(t, svc, owner)

	cn1 := testutil.NewUUID()
	cn2 := testutil.NewUUID()
	provisionFabricNIC(t, svc, n, owner, cn1)
	victim := provisionFabricNIC(t, svc, n, owner, cn2)

	if err := svc.DeleteNIC(ctx, victim.MACAddr().String()); err != nil {
		t.Fatalf("deleting fabric nic: %v", err)
	}

	if _, err := svc.Store().Get(ctx, vl2TestBucket, fmt.Sprintf("%d:%d", n.VnetID, victim.MAC)); !store.IsNotFound(err) {
		t.Errorf("vl2 mapping survived delete: %v", err)
	}
	if _, err := svc.Store().Get(ctx, vl3TestBucket, fmt.Sprintf("%d:%s", n.VnetID, victim.IP)); !store.IsNotFound(err) {
		t.Errorf("vl3 mapping survived delete: %v", err)
	}

	events, err := svc.ListNetEvents(ctx, cn1, napi.ListOpts{})
	if err != nil {
		t.Fatalf("listing events: %v", err)
	}
	sawVL2 := false
	for _, ev := range events {
		if ev.Type == napi.EventVL2Shootdown && ev.MAC == victim.MAC {
			sawVL2 = true
		}
	}
	if !sawVL2 {
		t.Errorf("cn1 did not receive a vl2 shootdown: %+v", events)
	}
}

func TestUpdateNICMovesComputeNode(t *testing.T) {
	svc := testutil.Service(t)
	ctx := testutil.Context(t)
	owner := testutil.NewUUID()
	n := testutil.SeedFabricNetwork(t, svc, owner)

	cn1 := testutil.NewUUID()
	cn2 := testutil.NewUUID()
	nic := provisionFabricNIC(t, svc, n, owner, cn1)

	if _, err := svc.UpdateNIC(ctx, nic.MACAddr().String(), validate.Params{"cn_uuid": cn2}); err != nil {
		t.Fatalf("moving nic to cn2: %v", err)
	}

	item, err := svc.Store().Get(ctx, vl2TestBucket, fmt.Sprintf("%d:%d", n.VnetID, nic.MAC))
	if err != nil {
		t.Fatalf("reading vl2 mapping: %v", err)
	}
	var vl2 napi.VL2Mapping
	if err := item.Decode(&vl2); err != nil {
		t.Fatalf("decoding vl2 mapping: %v", err)
	}
	if vl2.CNUUID != cn2 {
		t.Errorf("vl2 mapping points at %s, want %s", vl2.CNUUID, cn2)
	}

	// The old node's cached mapping was shot down.
	events, err := svc.ListNetEvents(ctx, cn1, napi.ListOpts{})
	if err != nil {
		t.Fatalf("listing events: %v", err)
	}
	sawVL2 := false
	for _, ev := range events {
		if ev.Type == napi.EventVL2Shootdown && ev.MAC == nic.MAC {
			sawVL2 = true
		}
	}
	if !sawVL2 {
		t.Errorf("cn1 did not receive a vl2 shootdown: %+v", events)
	}
}

func TestFabricGatewayProvisioned(t *testing.T) {
	svc := testutil.Service(t)
	ctx := testutil.Context(t)
	owner := testutil.NewUUID()
	n := testutil.SeedFabricNetwork(t, svc, owner)
	if n.GatewayProvisioned {
		t.Fatal("gateway marked provisioned at creation")
	}

	params := zoneParams(owner, testutil.NewUUID())
	params["network_uuid"] = n.UUID
	params["cn_uuid"] = testutil.NewUUID()
	params["ip"] = n.Gateway
	if _, err := svc.CreateNIC(ctx, params); err != nil {
		t.Fatalf("provisioning gateway address: %v", err)
	}

	got, err := svc.GetNetwork(ctx, n.UUID)
	if err != nil {
		t.Fatalf("rereading network: %v", err)
	}
	if !got.GatewayProvisioned {
		t.Error("gateway_provisioned not set")
	}
}

func TestUnderlayMapping(t *testing.T) {
	svc := testutil.Service(t)
	ctx := testutil.Context(t)
	n := testutil.SeedNetwork(t, svc)

	server := testutil.NewUUID()
	params := validate.Params{
		"owner_uuid":      testutil.AdminUUID,
		"belongs_to_uuid": server,
		"belongs_to_type": "server",
		"network_uuid":    n.UUID,
		"underlay":        true,
	}
	nic, err := svc.CreateNIC(ctx, params)
	if err != nil {
		t.Fatalf("creating underlay nic: %v", err)
	}

	item, err := svc.Store().Get(ctx, underlayTestBucket, server)
	if err != nil {
		t.Fatalf("reading underlay mapping: %v", err)
	}
	var m napi.UnderlayMapping
	if err := item.Decode(&m); err != nil {
		t.Fatalf("decoding underlay mapping: %v", err)
	}
	if m.MAC != nic.MAC || m.IP != nic.IP {
		t.Errorf("underlay mapping = %+v, want mac %d ip %s", m, nic.MAC, nic.IP)
	}

	if err := svc.DeleteNIC(ctx, nic.MACAddr().String()); err != nil {
		t.Fatalf("deleting underlay nic: %v", err)
	}
	if _, err := svc.Store().Get(ctx, underlayTestBucket, server); !store.IsNotFound(err) {
		t.Errorf("underlay mapping survived delete: %v", err)
	}
}

func TestVPCQuota(t *testing.T) {
	svc := testutil.Service(t)
	ctx := testutil.Context(t)
	owner := testutil.NewUUID()

	vpc, err := svc.CreateVPC(ctx, validate.Params{
		"owner_uuid": owner,
		"ip4_cidr":   "172.16.0.0/16",
		"quota":      1,
	})
	if err != nil {
		t.Fatalf("creating vpc: %v", err)
	}
	if _, err := svc.CreateFabricVLAN(ctx, validate.Params{
		"owner_uuid": owner,
		"vpc_uuid":   vpc.VPCUUID,
		"name":       "web",
		"vlan_id":    5,
	}); err != nil {
		t.Fatalf("creating vpc vlan: %v", err)
	}

	if _, err := svc.CreateFabricNetwork(ctx, vpc.VPCUUID, 5, validate.Params{
		"name":            "web-net",
		"subnet":          "172.16.1.0/24",
		"provision_start": "172.16.1.2",
		"provision_end":   "172.16.1.254",
	}); err != nil {
		t.Fatalf("creating first vpc network: %v", err)
	}

	_, err = svc.CreateFabricNetwork(ctx, vpc.VPCUUID, 5, validate.Params{
		"name":            "web-net-2",
		"subnet":          "172.16.2.0/24",
		"provision_start": "172.16.2.2",
		"provision_end":   "172.16.2.254",
	})
	if !errors.Is(err, util.ErrInUse) {
		t.Fatalf("expected quota error, got %v", err)
	}
}

func TestDeleteFabricVLANInUse(t *testing.T) {
	svc := testutil.Service(t)
	ctx := testutil.Context(t)
	owner := testutil.NewUUID()
	n := testutil.SeedFabricNetwork(t, svc, owner)

	if err := svc.DeleteFabricVLAN(ctx, owner, 2); !errors.Is(err, util.ErrInUse) {
		t.Fatalf("expected in-use error, got %v", err)
	}

	if err := svc.DeleteNetwork(ctx, n.UUID); err != nil {
		t.Fatalf("deleting fabric network: %v", err)
	}
	if err := svc.DeleteFabricVLAN(ctx, owner, 2); err != nil {
		t.Fatalf("deleting vlan after network removal: %v", err)
	}
}
