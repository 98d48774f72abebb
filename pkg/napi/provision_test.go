package napi_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/napi-network/napi/internal/testutil"
	"github.com/napi-network/napi/pkg/napi"
	"github.com/napi-network/napi/pkg/store"
	"github.com/napi-network/napi/pkg/util"
	"github.com/napi-network/napi/pkg/validate"
)

// raceClient wraps a store client and lets a test act as a concurrent
// writer: the armed hook runs before the next batch commit (every
// commit when sticky) and may abort it.
type raceClient struct {
	store.Client
	mu     sync.Mutex
	hook   func(ops []store.Op) error
	sticky bool
}

func (c *raceClient) arm(sticky bool, hook func(ops []store.Op) error) {
	c.mu.Lock()
	c.hook = hook
	c.sticky = sticky
	c.mu.Unlock()
}

func (c *raceClient) Batch(ctx context.Context, ops []store.Op) error {
	c.mu.Lock()
	hook := c.hook
	if !c.sticky {
		c.hook = nil
	}
	c.mu.Unlock()
	if hook != nil {
		if err := hook(ops); err != nil {
			return err
		}
	}
	return c.Client.Batch(ctx, ops)
}

func raceService(t *testing.T, cfg *napi.Config) (*napi.Service, *raceClient) {
	t.Helper()
	client := &raceClient{Client: store.NewMem()}
	svc, err := napi.New(cfg, client)
	if err != nil {
		t.Fatalf("building service: %v", err)
	}
	if err := svc.Init(testutil.Context(t)); err != nil {
		t.Fatalf("initializing service: %v", err)
	}
	return svc, client
}

// stealCandidates writes a rival assignment for every address the batch
// tries to create in the network's IP bucket.
func stealCandidates(ctx context.Context, client *raceClient, bucket, networkUUID, rival string) func(ops []store.Op) error {
	return func(ops []store.Op) error {
		for _, op := range ops {
			if op.Bucket != bucket || op.Type != store.OpPut || op.Etag != "" {
				continue
			}
			value, err := json.Marshal(map[string]interface{}{
				"v":               2,
				"use_strings":     true,
				"ip":              op.Key,
				"network_uuid":    networkUUID,
				"reserved":        false,
				"belongs_to_uuid": rival,
				"belongs_to_type": "zone",
				"owner_uuid":      testutil.AdminUUID,
			})
			if err != nil {
				return err
			}
			if _, err := client.Client.Put(ctx, bucket, op.Key, value, ""); err != nil {
				return err
			}
		}
		return nil
	}
}

func TestProvisionReselectsOnAddressRace(t *testing.T) {
	svc, client := raceService(t, testutil.Config())
	ctx := testutil.Context(t)
	n := testutil.SeedNetwork(t, svc)
	ipBucket := "test_napi_ips_" + util.BucketSafe(n.UUID)
	rival := testutil.NewUUID()

	// A rival allocator grabs the candidate between selection and
	// commit; the engine must land on the next free address.
	client.arm(false, stealCandidates(ctx, client, ipBucket, n.UUID, rival))

	nic := mustProvision(t, svc, n.UUID, testutil.NewUUID())
	if nic.IP != "10.99.99.39" {
		t.Errorf("reselected ip = %q, want 10.99.99.39", nic.IP)
	}

	stolen, err := svc.GetIP(ctx, n.UUID, "10.99.99.38")
	if err != nil {
		t.Fatalf("reading raced address: %v", err)
	}
	if stolen.BelongsToUUID != rival {
		t.Errorf("raced address holder = %q, want %q", stolen.BelongsToUUID, rival)
	}
}

func TestProvisionAddressRaceBudget(t *testing.T) {
	cfg := testutil.Config()
	cfg.IPRetries = 1
	svc, client := raceService(t, cfg)
	ctx := testutil.Context(t)
	n := testutil.SeedNetwork(t, svc)
	ipBucket := "test_napi_ips_" + util.BucketSafe(n.UUID)

	// Every candidate is stolen; the reselect budget must stop the
	// loop.
	client.arm(true, stealCandidates(ctx, client, ipBucket, n.UUID, testutil.NewUUID()))

	_, err := svc.ProvisionNIC(ctx, n.UUID, zoneParams(testutil.NewUUID(), testutil.NewUUID()))
	if !errors.Is(err, util.ErrUnavailable) {
		t.Fatalf("expected unavailable after exhausting ip retries, got %v", err)
	}
}

func TestUpdateNICRetriesLostEtagRace(t *testing.T) {
	svc, client := raceService(t, testutil.Config())
	ctx := testutil.Context(t)

	created, err := svc.CreateNIC(ctx, zoneParams(testutil.NewUUID(), testutil.NewUUID()))
	if err != nil {
		t.Fatalf("creating nic: %v", err)
	}

	// A concurrent writer bumps the NIC's etag between our read and
	// the update batch. The update must re-read and land, not report a
	// duplicate MAC.
	client.arm(false, func([]store.Op) error {
		item, err := client.Client.Get(ctx, "test_napi_nics", created.Key())
		if err != nil {
			return err
		}
		_, err = client.Client.Put(ctx, "test_napi_nics", created.Key(), item.Value, item.Etag)
		return err
	})

	updated, err := svc.UpdateNIC(ctx, created.MACAddr().String(), validate.Params{"state": napi.StateRunning})
	if err != nil {
		t.Fatalf("update did not recover from the etag race: %v", err)
	}
	if updated.State != napi.StateRunning {
		t.Errorf("state = %q, want running", updated.State)
	}
}

func TestComputeNodeMoveCommitsWithNIC(t *testing.T) {
	svc, client := raceService(t, testutil.Config())
	ctx := testutil.Context(t)
	owner := testutil.NewUUID()
	n := testutil.SeedFabricNetwork(t, svc, owner)
	cn1 := testutil.NewUUID()
	cn2 := testutil.NewUUID()
	nic := provisionFabricNIC(t, svc, n, owner, cn1)

	// The store refuses the move's batch; no shootdown may surface for
	// a move that never landed.
	client.arm(false, func([]store.Op) error {
		return errors.New("store offline")
	})
	if _, err := svc.UpdateNIC(ctx, nic.MACAddr().String(), validate.Params{"cn_uuid": cn2}); err == nil {
		t.Fatal("expected the refused batch to fail the move")
	}
	events, err := svc.ListNetEvents(ctx, cn1, napi.ListOpts{})
	if err != nil {
		t.Fatalf("listing events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("%d shootdowns published for a move that never landed", len(events))
	}

	// The same move lands once the store is back, and only then does
	// the old node hear about it.
	moved, err := svc.UpdateNIC(ctx, nic.MACAddr().String(), validate.Params{"cn_uuid": cn2})
	if err != nil {
		t.Fatalf("moving nic: %v", err)
	}
	if moved.CNUUID != cn2 {
		t.Errorf("cn_uuid = %q, want %q", moved.CNUUID, cn2)
	}
	events, err = svc.ListNetEvents(ctx, cn1, napi.ListOpts{})
	if err != nil {
		t.Fatalf("listing events: %v", err)
	}
	sawVL2 := false
	for _, ev := range events {
		if ev.Type == napi.EventVL2Shootdown {
			sawVL2 = true
		}
	}
	if !sawVL2 {
		t.Error("old compute node did not receive a vl2 shootdown")
	}
}
