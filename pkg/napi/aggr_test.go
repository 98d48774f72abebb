package napi_test

import (
	"errors"
	"testing"

	"github.com/napi-network/napi/internal/testutil"
	"github.com/napi-network/napi/pkg/napi"
	"github.com/napi-network/napi/pkg/util"
	"github.com/napi-network/napi/pkg/validate"
)

// createServerNIC creates a bare server NIC with an explicit MAC.
func createServerNIC(t *testing.T, svc *napi.Service, server, mac string) *napi.NIC {
	t.Helper()
	nic, err := svc.CreateNIC(testutil.Context(t), validate.Params{
		"owner_uuid":      testutil.AdminUUID,
		"belongs_to_uuid": server,
		"belongs_to_type": "server",
		"mac":             mac,
	})
	if err != nil {
		t.Fatalf("creating server nic %s: %v", mac, err)
	}
	return nic
}

func TestAggregationLifecycle(t *testing.T) {
	svc := testutil.Service(t)
	ctx := testutil.Context(t)
	server := testutil.NewUUID()
	createServerNIC(t, svc, server, "90:b8:d0:00:00:01")
	createServerNIC(t, svc, server, "90:b8:d0:00:00:02")

	aggr, err := svc.CreateAggregation(ctx, validate.Params{
		"name":      "aggr0",
		"macs":      []string{"90:b8:d0:00:00:01", "90:b8:d0:00:00:02"},
		"lacp_mode": "active",
	})
	if err != nil {
		t.Fatalf("creating aggregation: %v", err)
	}
	if aggr.ID != napi.AggrID(server, "aggr0") {
		t.Errorf("aggregation id = %q", aggr.ID)
	}
	if aggr.BelongsToUUID != server {
		t.Errorf("aggregation server = %q, want %s", aggr.BelongsToUUID, server)
	}

	// Same server and name collides.
	_, err = svc.CreateAggregation(ctx, validate.Params{
		"name": "aggr0",
		"macs": []string{"90:b8:d0:00:00:01"},
	})
	fieldWithCode(t, err, validate.CodeDuplicate)

	updated, err := svc.UpdateAggregation(ctx, aggr.ID, validate.Params{"lacp_mode": "passive"})
	if err != nil {
		t.Fatalf("updating aggregation: %v", err)
	}
	if updated.LACPMode != "passive" {
		t.Errorf("lacp_mode = %q, want passive", updated.LACPMode)
	}

	if err := svc.DeleteAggregation(ctx, aggr.ID); err != nil {
		t.Fatalf("deleting aggregation: %v", err)
	}
	if _, err := svc.GetAggregation(ctx, aggr.ID); !errors.Is(err, util.ErrNotFound) {
		t.Fatalf("expected not-found after delete, got %v", err)
	}
}

func TestAggregationMemberRules(t *testing.T) {
	svc := testutil.Service(t)
	ctx := testutil.Context(t)
	serverA := testutil.NewUUID()
	serverB := testutil.NewUUID()
	createServerNIC(t, svc, serverA, "90:b8:d0:00:01:01")
	createServerNIC(t, svc, serverB, "90:b8:d0:00:01:02")

	// Members spanning two servers.
	_, err := svc.CreateAggregation(ctx, validate.Params{
		"name": "split",
		"macs": []string{"90:b8:d0:00:01:01", "90:b8:d0:00:01:02"},
	})
	fe := fieldWithCode(t, err, validate.CodeInvalid)
	if fe.Field != "macs" {
		t.Errorf("error field = %q, want macs", fe.Field)
	}

	// A zone NIC is not aggregatable.
	zoneNIC, err := svc.CreateNIC(ctx, zoneParams(testutil.NewUUID(), testutil.NewUUID()))
	if err != nil {
		t.Fatalf("creating zone nic: %v", err)
	}
	_, err = svc.CreateAggregation(ctx, validate.Params{
		"name": "wrongtype",
		"macs": []string{zoneNIC.MACAddr().String()},
	})
	fieldWithCode(t, err, validate.CodeInvalid)

	// Unknown member.
	_, err = svc.CreateAggregation(ctx, validate.Params{
		"name": "ghost",
		"macs": []string{"90:b8:d0:ff:ff:01"},
	})
	fieldWithCode(t, err, validate.CodeInvalid)
}

func TestDeleteAggregationInUse(t *testing.T) {
	svc := testutil.Service(t)
	ctx := testutil.Context(t)
	testutil.SeedNetwork(t, svc)

	server := testutil.NewUUID()
	createServerNIC(t, svc, server, "90:b8:d0:00:02:01")
	aggr, err := svc.CreateAggregation(ctx, validate.Params{
		"name":              "uplink",
		"macs":              []string{"90:b8:d0:00:02:01"},
		"nic_tags_provided": "external",
	})
	if err != nil {
		t.Fatalf("creating aggregation: %v", err)
	}

	// A network still rides on the advertised tag.
	if err := svc.DeleteAggregation(ctx, aggr.ID); !errors.Is(err, util.ErrInUse) {
		t.Fatalf("expected in-use error, got %v", err)
	}
}

func TestListAggregationsByServer(t *testing.T) {
	svc := testutil.Service(t)
	ctx := testutil.Context(t)
	serverA := testutil.NewUUID()
	serverB := testutil.NewUUID()
	createServerNIC(t, svc, serverA, "90:b8:d0:00:03:01")
	createServerNIC(t, svc, serverB, "90:b8:d0:00:03:02")

	for _, s := range []string{"90:b8:d0:00:03:01", "90:b8:d0:00:03:02"} {
		nic, err := svc.GetNIC(ctx, s)
		if err != nil {
			t.Fatalf("reading nic: %v", err)
		}
		if _, err := svc.CreateAggregation(ctx, validate.Params{
			"name": "aggr0",
			"macs": []string{s},
		}); err != nil {
			t.Fatalf("creating aggregation for %s: %v", nic.BelongsToUUID, err)
		}
	}

	mine, err := svc.ListAggregations(ctx, validate.Params{"belongs_to_uuid": serverA}, napi.ListOpts{})
	if err != nil {
		t.Fatalf("listing aggregations: %v", err)
	}
	if len(mine) != 1 || mine[0].BelongsToUUID != serverA {
		t.Fatalf("server filter returned %d aggregations", len(mine))
	}
}
