package napi_test

import (
	"errors"
	"testing"

	"github.com/napi-network/napi/internal/testutil"
	"github.com/napi-network/napi/pkg/napi"
	"github.com/napi-network/napi/pkg/util"
	"github.com/napi-network/napi/pkg/validate"
)

func TestNicTagLifecycle(t *testing.T) {
	svc := testutil.Service(t)
	ctx := testutil.Context(t)

	tag, err := svc.CreateNicTag(ctx, validate.Params{"name": "storage", "mtu": 9000})
	if err != nil {
		t.Fatalf("creating nic tag: %v", err)
	}
	if tag.MTU != 9000 {
		t.Errorf("mtu = %d, want 9000", tag.MTU)
	}

	_, err = svc.CreateNicTag(ctx, validate.Params{"name": "storage"})
	fe := fieldWithCode(t, err, validate.CodeDuplicate)
	if fe.Field != "name" {
		t.Errorf("error field = %q, want name", fe.Field)
	}

	updated, err := svc.UpdateNicTag(ctx, "storage", validate.Params{"mtu": 1500})
	if err != nil {
		t.Fatalf("updating nic tag: %v", err)
	}
	if updated.MTU != 1500 {
		t.Errorf("mtu after update = %d, want 1500", updated.MTU)
	}

	if err := svc.DeleteNicTag(ctx, "storage"); err != nil {
		t.Fatalf("deleting nic tag: %v", err)
	}
	if _, err := svc.GetNicTag(ctx, "storage"); !errors.Is(err, util.ErrNotFound) {
		t.Fatalf("expected not-found after delete, got %v", err)
	}
}

func TestNicTagDefaultMTU(t *testing.T) {
	svc := testutil.Service(t)
	tag, err := svc.CreateNicTag(testutil.Context(t), validate.Params{"name": "plain"})
	if err != nil {
		t.Fatalf("creating nic tag: %v", err)
	}
	if tag.MTU != napi.DefaultMTU {
		t.Errorf("mtu = %d, want default %d", tag.MTU, napi.DefaultMTU)
	}
}

func TestDeleteNicTagReferrers(t *testing.T) {
	svc := testutil.Service(t)
	ctx := testutil.Context(t)
	n := testutil.SeedNetwork(t, svc)

	// Networks on the tag block deletion.
	if err := svc.DeleteNicTag(ctx, "external"); !errors.Is(err, util.ErrInUse) {
		t.Fatalf("expected in-use error for networks, got %v", err)
	}

	// A physical NIC advertising the tag blocks too, even with the
	// network gone.
	if err := svc.DeleteNetwork(ctx, n.UUID); err != nil {
		t.Fatalf("deleting network: %v", err)
	}
	if _, err := svc.CreateNIC(ctx, validate.Params{
		"owner_uuid":        testutil.AdminUUID,
		"belongs_to_uuid":   testutil.NewUUID(),
		"belongs_to_type":   "server",
		"nic_tags_provided": "external,internal",
	}); err != nil {
		t.Fatalf("creating physical nic: %v", err)
	}
	if err := svc.DeleteNicTag(ctx, "external"); !errors.Is(err, util.ErrInUse) {
		t.Fatalf("expected in-use error for advertising nic, got %v", err)
	}
}

func TestListNicTags(t *testing.T) {
	svc := testutil.Service(t)
	ctx := testutil.Context(t)
	for _, name := range []string{"admin", "external", "internal"} {
		testutil.SeedNicTag(t, svc, name)
	}
	tags, err := svc.ListNicTags(ctx, napi.ListOpts{})
	if err != nil {
		t.Fatalf("listing nic tags: %v", err)
	}
	if len(tags) != 3 {
		t.Fatalf("got %d tags, want 3", len(tags))
	}
	// Name order follows the key order of the bucket.
	for i, want := range []string{"admin", "external", "internal"} {
		if tags[i].Name != want {
			t.Errorf("tag %d = %q, want %q", i, tags[i].Name, want)
		}
	}
}
