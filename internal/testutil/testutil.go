// Package testutil provides service fixtures for tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/napi-network/napi/pkg/napi"
	"github.com/napi-network/napi/pkg/store"
	"github.com/napi-network/napi/pkg/validate"
)

// AdminUUID is the operator account wired into every test service. The
// bootstrap records a network seeds (broadcast, gateway, resolvers) are
// held by this account.
const AdminUUID = "00000000-0000-0000-0000-0000000000aa"

// Context returns a context with a test timeout. The cancel function is
// registered via t.Cleanup.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// Config returns the standard test configuration: test bucket prefix,
// the fixed admin account, and the default OUI.
func Config() *napi.Config {
	cfg := &napi.Config{
		AdminUUID: AdminUUID,
		Test:      true,
	}
	cfg.ApplyDefaults()
	return cfg
}

// Service returns a provisioning service over a fresh in-memory store
// with every bucket initialized.
func Service(t *testing.T) *napi.Service {
	t.Helper()
	svc, err := napi.New(Config(), store.NewMem())
	if err != nil {
		t.Fatalf("creating service: %v", err)
	}
	if err := svc.Init(Context(t)); err != nil {
		t.Fatalf("initializing buckets: %v", err)
	}
	return svc
}

// NewUUID returns a fresh random UUID string.
func NewUUID() string {
	return uuid.NewString()
}

// SeedNicTag creates a nic tag, failing the test on error.
func SeedNicTag(t *testing.T, svc *napi.Service, name string) {
	t.Helper()
	if _, err := svc.CreateNicTag(Context(t), validate.Params{"name": name}); err != nil {
		t.Fatalf("creating nic tag %s: %v", name, err)
	}
}

// SeedNetwork creates the standard test network: 10.99.99.0/24 on the
// "external" tag, gateway .1, resolver .11, provision range .38-.253.
// The nic tag is created if it does not exist yet.
func SeedNetwork(t *testing.T, svc *napi.Service) *napi.Network {
	t.Helper()
	ctx := Context(t)
	if _, err := svc.GetNicTag(ctx, "external"); err != nil {
		SeedNicTag(t, svc, "external")
	}
	n, err := svc.CreateNetwork(ctx, validate.Params{
		"name":            "test-net",
		"subnet":          "10.99.99.0/24",
		"nic_tag":         "external",
		"vlan_id":         0,
		"gateway":         "10.99.99.1",
		"resolvers":       []string{"10.99.99.11"},
		"provision_start": "10.99.99.38",
		"provision_end":   "10.99.99.253",
	})
	if err != nil {
		t.Fatalf("creating test network: %v", err)
	}
	return n
}

// SeedFabricNetwork creates an owner fabric, a VLAN on it, and a fabric
// network 192.168.0.0/24 with gateway .1 for that owner.
func SeedFabricNetwork(t *testing.T, svc *napi.Service, ownerUUID string) *napi.Network {
	t.Helper()
	ctx := Context(t)
	if _, err := svc.CreateFabric(ctx, validate.Params{"owner_uuid": ownerUUID}); err != nil {
		t.Fatalf("creating fabric for %s: %v", ownerUUID, err)
	}
	if _, err := svc.CreateFabricVLAN(ctx, validate.Params{
		"owner_uuid": ownerUUID,
		"name":       "default",
		"vlan_id":    2,
	}); err != nil {
		t.Fatalf("creating fabric vlan: %v", err)
	}
	n, err := svc.CreateFabricNetwork(ctx, ownerUUID, 2, validate.Params{
		"name":            "fabric-net",
		"subnet":          "192.168.0.0/24",
		"gateway":         "192.168.0.1",
		"provision_start": "192.168.0.2",
		"provision_end":   "192.168.0.254",
	})
	if err != nil {
		t.Fatalf("creating fabric network: %v", err)
	}
	return n
}
