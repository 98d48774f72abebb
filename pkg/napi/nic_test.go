package napi_test

import (
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/napi-network/napi/internal/testutil"
	"github.com/napi-network/napi/pkg/napi"
	"github.com/napi-network/napi/pkg/util"
	"github.com/napi-network/napi/pkg/validate"
)

func TestCreateNICDrawsMACInOUI(t *testing.T) {
	svc := testutil.Service(t)
	nic, err := svc.CreateNIC(testutil.Context(t), zoneParams(testutil.NewUUID(), testutil.NewUUID()))
	if err != nil {
		t.Fatalf("creating nic: %v", err)
	}
	if mac := nic.MACAddr().String(); !strings.HasPrefix(mac, "90:b8:d0:") {
		t.Fatalf("MAC %s outside the configured OUI", mac)
	}
	if nic.IP != "" {
		t.Errorf("nic without a network got address %s", nic.IP)
	}
	if nic.State != "provisioning" {
		t.Errorf("state = %q, want provisioning", nic.State)
	}
}

func TestCreateNICDuplicateMAC(t *testing.T) {
	svc := testutil.Service(t)
	ctx := testutil.Context(t)

	params := zoneParams(testutil.NewUUID(), testutil.NewUUID())
	params["mac"] = "90:b8:d0:12:34:56"
	if _, err := svc.CreateNIC(ctx, params); err != nil {
		t.Fatalf("first create: %v", err)
	}

	again := zoneParams(testutil.NewUUID(), testutil.NewUUID())
	again["mac"] = "90:b8:d0:12:34:56"
	_, err := svc.CreateNIC(ctx, again)
	fe := fieldWithCode(t, err, validate.CodeDuplicate)
	if fe.Field != "mac" {
		t.Errorf("error field = %q, want mac", fe.Field)
	}
}

func TestGetNICByAnyMACForm(t *testing.T) {
	svc := testutil.Service(t)
	ctx := testutil.Context(t)

	params := zoneParams(testutil.NewUUID(), testutil.NewUUID())
	params["mac"] = "90:b8:d0:aa:bb:cc"
	created, err := svc.CreateNIC(ctx, params)
	if err != nil {
		t.Fatalf("creating nic: %v", err)
	}

	forms := []string{
		"90:b8:d0:aa:bb:cc",
		"90-b8-d0-aa-bb-cc",
		strconv.FormatUint(created.MAC, 10),
	}
	for _, form := range forms {
		nic, err := svc.GetNIC(ctx, form)
		if err != nil {
			t.Fatalf("get by %q: %v", form, err)
		}
		if nic.MAC != created.MAC {
			t.Errorf("get by %q returned MAC %d, want %d", form, nic.MAC, created.MAC)
		}
	}

	if _, err := svc.GetNIC(ctx, "not-a-mac"); err == nil {
		t.Fatal("expected error for malformed MAC")
	}
}

func TestPrimaryBump(t *testing.T) {
	svc := testutil.Service(t)
	ctx := testutil.Context(t)
	n := testutil.SeedNetwork(t, svc)

	vm := testutil.NewUUID()
	other := testutil.NewUUID()

	makePrimary := func(belongsTo string) *napi.NIC {
		params := zoneParams(testutil.NewUUID(), belongsTo)
		params["network_uuid"] = n.UUID
		params["primary"] = true
		nic, err := svc.CreateNIC(ctx, params)
		if err != nil {
			t.Fatalf("creating primary nic: %v", err)
		}
		return nic
	}

	first := makePrimary(vm)
	otherNIC := makePrimary(other)
	second := makePrimary(vm)

	got, err := svc.GetNIC(ctx, first.MACAddr().String())
	if err != nil {
		t.Fatalf("rereading first nic: %v", err)
	}
	if got.Primary {
		t.Error("old primary not cleared")
	}

	got, err = svc.GetNIC(ctx, second.MACAddr().String())
	if err != nil {
		t.Fatalf("rereading second nic: %v", err)
	}
	if !got.Primary {
		t.Error("new primary not set")
	}

	// A different entity's primary is untouched.
	got, err = svc.GetNIC(ctx, otherNIC.MACAddr().String())
	if err != nil {
		t.Fatalf("rereading other entity's nic: %v", err)
	}
	if !got.Primary {
		t.Error("unrelated entity's primary was cleared")
	}
}

func TestUpdateNICMovesNetwork(t *testing.T) {
	svc := testutil.Service(t)
	ctx := testutil.Context(t)
	n1 := createNetwork(t, svc, "src", "10.30.0.0/24", "10.30.0.10", "10.30.0.20", nil)
	n2 := createNetwork(t, svc, "dst", "10.31.0.0/24", "10.31.0.10", "10.31.0.20", nil)

	nic := mustProvision(t, svc, n1.UUID, testutil.NewUUID())
	oldIP := nic.IP

	moved, err := svc.UpdateNIC(ctx, nic.MACAddr().String(), validate.Params{"network_uuid": n2.UUID})
	if err != nil {
		t.Fatalf("moving nic: %v", err)
	}
	if moved.NetworkUUID != n2.UUID || moved.IP != "10.31.0.10" {
		t.Fatalf("nic after move: network=%s ip=%s", moved.NetworkUUID, moved.IP)
	}
	if moved.MAC != nic.MAC {
		t.Errorf("MAC changed on update: %d -> %d", nic.MAC, moved.MAC)
	}

	// The old address is freed in the same batch.
	rec, err := svc.GetIP(ctx, n1.UUID, oldIP)
	if err != nil {
		t.Fatalf("reading old address: %v", err)
	}
	if rec.Assigned() {
		t.Errorf("old address still assigned: %+v", rec)
	}
}

func TestUpdateNICExplicitAddressOnSameNetwork(t *testing.T) {
	svc := testutil.Service(t)
	ctx := testutil.Context(t)
	n := testutil.SeedNetwork(t, svc)

	nic := mustProvision(t, svc, n.UUID, testutil.NewUUID())
	oldIP := nic.IP

	moved, err := svc.UpdateNIC(ctx, nic.MACAddr().String(), validate.Params{"ip": "10.99.99.70"})
	if err != nil {
		t.Fatalf("reassigning address: %v", err)
	}
	if moved.IP != "10.99.99.70" {
		t.Fatalf("nic ip = %s, want 10.99.99.70", moved.IP)
	}
	rec, err := svc.GetIP(ctx, n.UUID, oldIP)
	if err != nil {
		t.Fatalf("reading old address: %v", err)
	}
	if rec.Assigned() {
		t.Errorf("old address still assigned: %+v", rec)
	}
}

func TestUpdateNICWithoutReprovisionKeepsAddress(t *testing.T) {
	svc := testutil.Service(t)
	ctx := testutil.Context(t)
	n := testutil.SeedNetwork(t, svc)

	nic := mustProvision(t, svc, n.UUID, testutil.NewUUID())
	updated, err := svc.UpdateNIC(ctx, nic.MACAddr().String(), validate.Params{"state": "running"})
	if err != nil {
		t.Fatalf("updating state: %v", err)
	}
	if updated.State != "running" {
		t.Errorf("state = %q, want running", updated.State)
	}
	if updated.IP != nic.IP {
		t.Errorf("address changed on state update: %s -> %s", nic.IP, updated.IP)
	}
	rec, err := svc.GetIP(ctx, n.UUID, nic.IP)
	if err != nil {
		t.Fatalf("reading address: %v", err)
	}
	if !rec.Assigned() {
		t.Error("address freed by a state-only update")
	}
}

func TestDeleteNICFreesAddress(t *testing.T) {
	svc := testutil.Service(t)
	ctx := testutil.Context(t)
	n := testutil.SeedNetwork(t, svc)

	nic := mustProvision(t, svc, n.UUID, testutil.NewUUID())
	if err := svc.DeleteNIC(ctx, nic.MACAddr().String()); err != nil {
		t.Fatalf("deleting nic: %v", err)
	}
	if _, err := svc.GetNIC(ctx, nic.MACAddr().String()); !errors.Is(err, util.ErrNotFound) {
		t.Fatalf("expected not-found after delete, got %v", err)
	}
	rec, err := svc.GetIP(ctx, n.UUID, nic.IP)
	if err != nil {
		t.Fatalf("reading freed address: %v", err)
	}
	if rec.Assigned() {
		t.Errorf("address still assigned after nic delete: %+v", rec)
	}
}

func TestNICStructuralRules(t *testing.T) {
	svc := testutil.Service(t)
	ctx := testutil.Context(t)

	params := zoneParams(testutil.NewUUID(), testutil.NewUUID())
	params["underlay"] = true
	_, err := svc.CreateNIC(ctx, params)
	fe := fieldWithCode(t, err, validate.CodeInvalid)
	if fe.Field != "underlay" {
		t.Errorf("error field = %q, want underlay", fe.Field)
	}

	owner := testutil.NewUUID()
	fn := testutil.SeedFabricNetwork(t, svc, owner)
	params = zoneParams(owner, testutil.NewUUID())
	params["network_uuid"] = fn.UUID
	_, err = svc.CreateNIC(ctx, params)
	fe = fieldWithCode(t, err, validate.CodeMissing)
	if fe.Field != "cn_uuid" {
		t.Errorf("error field = %q, want cn_uuid", fe.Field)
	}
}

func TestListNICsFilters(t *testing.T) {
	svc := testutil.Service(t)
	ctx := testutil.Context(t)
	n := testutil.SeedNetwork(t, svc)

	vm := testutil.NewUUID()
	if _, err := svc.ProvisionNIC(ctx, n.UUID, zoneParams(testutil.NewUUID(), vm)); err != nil {
		t.Fatalf("provisioning: %v", err)
	}
	mustProvision(t, svc, n.UUID, testutil.NewUUID())

	mine, err := svc.ListNICs(ctx, validate.Params{"belongs_to_uuid": vm}, napi.ListOpts{})
	if err != nil {
		t.Fatalf("listing nics: %v", err)
	}
	if len(mine) != 1 || mine[0].BelongsToUUID != vm {
		t.Fatalf("belongs_to filter returned %d nics", len(mine))
	}

	all, err := svc.ListNICs(ctx, nil, napi.ListOpts{})
	if err != nil {
		t.Fatalf("listing all nics: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d nics, want 2", len(all))
	}
}

func TestUpdateNICReassignUpdatesIPRecord(t *testing.T) {
	svc := testutil.Service(t)
	ctx := testutil.Context(t)
	n := testutil.SeedNetwork(t, svc)
	nic := mustProvision(t, svc, n.UUID, testutil.NewUUID())

	newOwner := testutil.NewUUID()
	newZone := testutil.NewUUID()
	updated, err := svc.UpdateNIC(ctx, nic.MACAddr().String(), validate.Params{
		"owner_uuid":      newOwner,
		"belongs_to_uuid": newZone,
	})
	if err != nil {
		t.Fatalf("updating nic: %v", err)
	}
	if updated.IP != nic.IP {
		t.Fatalf("address changed on reassignment: %q -> %q", nic.IP, updated.IP)
	}

	// The held address follows the NIC's new assignment triplet.
	rec, err := svc.GetIP(ctx, n.UUID, updated.IP)
	if err != nil {
		t.Fatalf("reading ip: %v", err)
	}
	if rec.BelongsToUUID != newZone || rec.OwnerUUID != newOwner {
		t.Errorf("ip record holder = (%s, %s), want (%s, %s)",
			rec.BelongsToUUID, rec.OwnerUUID, newZone, newOwner)
	}
	if rec.BelongsToType != napi.BelongsToZone {
		t.Errorf("belongs_to_type = %q, want zone", rec.BelongsToType)
	}
}
