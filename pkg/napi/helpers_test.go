package napi_test

import (
	"errors"
	"testing"

	"github.com/napi-network/napi/internal/testutil"
	"github.com/napi-network/napi/pkg/napi"
	"github.com/napi-network/napi/pkg/validate"
)

// zoneParams builds the minimal provisioning input for a zone NIC.
func zoneParams(owner, zone string) validate.Params {
	return validate.Params{
		"owner_uuid":      owner,
		"belongs_to_uuid": zone,
		"belongs_to_type": "zone",
	}
}

// createNetwork creates a network on the "external" tag, merging any
// extra parameters over the base set.
func createNetwork(t *testing.T, svc *napi.Service, name, subnet, start, end string, extra validate.Params) *napi.Network {
	t.Helper()
	ctx := testutil.Context(t)
	if _, err := svc.GetNicTag(ctx, "external"); err != nil {
		testutil.SeedNicTag(t, svc, "external")
	}
	params := validate.Params{
		"name":            name,
		"subnet":          subnet,
		"nic_tag":         "external",
		"vlan_id":         0,
		"provision_start": start,
		"provision_end":   end,
	}
	for k, v := range extra {
		params[k] = v
	}
	n, err := svc.CreateNetwork(ctx, params)
	if err != nil {
		t.Fatalf("creating network %s: %v", name, err)
	}
	return n
}

// mustProvision allocates the next free address on a network for a
// fresh zone.
func mustProvision(t *testing.T, svc *napi.Service, networkUUID, owner string) *napi.NIC {
	t.Helper()
	nic, err := svc.ProvisionNIC(testutil.Context(t), networkUUID, zoneParams(owner, testutil.NewUUID()))
	if err != nil {
		t.Fatalf("provisioning nic: %v", err)
	}
	return nic
}

// invalidParams asserts err is a validation failure and returns it.
func invalidParams(t *testing.T, err error) *validate.InvalidParamsError {
	t.Helper()
	var invalid *validate.InvalidParamsError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid-params error, got %v", err)
	}
	return invalid
}

// fieldWithCode returns the first field error carrying the code.
func fieldWithCode(t *testing.T, err error, code validate.Code) *validate.FieldError {
	t.Helper()
	invalid := invalidParams(t, err)
	for i := range invalid.Errors {
		if invalid.Errors[i].Code == code {
			return &invalid.Errors[i]
		}
	}
	t.Fatalf("no field error with code %s in %v", code, err)
	return nil
}
