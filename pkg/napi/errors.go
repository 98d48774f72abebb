package napi

import (
	"fmt"

	"github.com/napi-network/napi/pkg/macaddr"
	"github.com/napi-network/napi/pkg/util"
	"github.com/napi-network/napi/pkg/validate"
)

// SubnetFullError means no provisionable address is left in a network.
type SubnetFullError struct {
	NetworkUUID string
}

func (e *SubnetFullError) Error() string {
	return fmt.Sprintf("no free addresses in network %s", e.NetworkUUID)
}

func (e *SubnetFullError) Unwrap() error { return util.ErrSubnetFull }

// PoolFullError means every network in a pool (or in the current
// intersection of one) is full.
type PoolFullError struct {
	PoolUUID string
}

func (e *PoolFullError) Error() string {
	return fmt.Sprintf("all networks in pool %s are full", e.PoolUUID)
}

func (e *PoolFullError) Unwrap() error { return util.ErrPoolFull }

// duplicateMACError is the terminal failure for a user-supplied MAC that
// already names a NIC.
func duplicateMACError(mac macaddr.MAC) error {
	return &validate.InvalidParamsError{Errors: []validate.FieldError{
		*validate.Duplicate("mac", fmt.Sprintf("MAC address %s already exists", mac)),
	}}
}

// usedByError reports an explicitly requested address held by someone
// else, carrying the current holder.
func usedByError(field string, ip *IP) error {
	return &validate.InvalidParamsError{Errors: []validate.FieldError{
		*validate.UsedBy(field, "IP in use", ip.BelongsToType, ip.BelongsToUUID),
	}}
}
