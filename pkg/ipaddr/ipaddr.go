// Package ipaddr provides address math for the provisioning core: parsing
// and formatting of v4/v6 addresses, numeric ordering, CIDR containment,
// and the fixed-width sortable key encoding used by address-keyed buckets.
package ipaddr

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Family identifies the address family of a subnet or address.
type Family string

const (
	FamilyIPv4 Family = "ipv4"
	FamilyIPv6 Family = "ipv6"
)

// Parse parses an address in dotted-quad, RFC 5952, or legacy numeric
// (decimal uint32) form. v4-mapped v6 addresses are unmapped so that
// comparison and containment behave consistently.
func Parse(s string) (netip.Addr, error) {
	if s == "" {
		return netip.Addr{}, fmt.Errorf("empty address")
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.Unmap(), nil
	}
	// Legacy v1 records store v4 addresses as decimal uint32
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		return FromUint32(uint32(n)), nil
	}
	return netip.Addr{}, fmt.Errorf("invalid IP address: %q", s)
}

// MustParse parses an address and panics on failure. For tests and constants.
func MustParse(s string) netip.Addr {
	addr, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return addr
}

// FamilyOf returns the family of an address.
func FamilyOf(addr netip.Addr) Family {
	if addr.Is4() {
		return FamilyIPv4
	}
	return FamilyIPv6
}

// ToUint32 returns the numeric form of a v4 address (legacy record format).
func ToUint32(addr netip.Addr) (uint32, error) {
	if !addr.Is4() {
		return 0, fmt.Errorf("address %s is not IPv4", addr)
	}
	b := addr.As4()
	return binary.BigEndian.Uint32(b[:]), nil
}

// FromUint32 returns the v4 address for a numeric form.
func FromUint32(n uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], n)
	return netip.AddrFrom4(b)
}

// ToKey encodes an address as a fixed-width hex string that sorts
// lexicographically in numeric address order within a family. The leading
// family digit keeps v4 and v6 keys from interleaving.
func ToKey(addr netip.Addr) string {
	if addr.Is4() {
		b := addr.As4()
		return fmt.Sprintf("4%08x", binary.BigEndian.Uint32(b[:]))
	}
	b := addr.As16()
	return fmt.Sprintf("6%016x%016x",
		binary.BigEndian.Uint64(b[:8]), binary.BigEndian.Uint64(b[8:]))
}

// FromKey decodes a key produced by ToKey.
func FromKey(key string) (netip.Addr, error) {
	if len(key) == 9 && key[0] == '4' {
		n, err := strconv.ParseUint(key[1:], 16, 32)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("invalid address key %q", key)
		}
		return FromUint32(uint32(n)), nil
	}
	if len(key) == 33 && key[0] == '6' {
		hi, err1 := strconv.ParseUint(key[1:17], 16, 64)
		lo, err2 := strconv.ParseUint(key[17:], 16, 64)
		if err1 != nil || err2 != nil {
			return netip.Addr{}, fmt.Errorf("invalid address key %q", key)
		}
		var b [16]byte
		binary.BigEndian.PutUint64(b[:8], hi)
		binary.BigEndian.PutUint64(b[8:], lo)
		return netip.AddrFrom16(b), nil
	}
	return netip.Addr{}, fmt.Errorf("invalid address key %q", key)
}

// ParsePrefix parses CIDR notation and returns the canonical (masked) prefix.
func ParsePrefix(s string) (netip.Prefix, error) {
	pfx, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid CIDR notation: %q", s)
	}
	return pfx.Masked(), nil
}

// NetworkAddr returns the first (network) address of a prefix.
func NetworkAddr(pfx netip.Prefix) netip.Addr {
	return pfx.Masked().Addr()
}

// BroadcastAddr returns the last address of a prefix. For v4 this is the
// broadcast address; for v6 it is simply the top of the range.
func BroadcastAddr(pfx netip.Prefix) netip.Addr {
	addr := pfx.Masked().Addr()
	if addr.Is4() {
		n, _ := ToUint32(addr)
		bits := 32 - pfx.Bits()
		return FromUint32(n | (1<<uint(bits) - 1))
	}
	b := addr.As16()
	bits := 128 - pfx.Bits()
	for i := 15; i >= 0 && bits > 0; i-- {
		take := bits
		if take > 8 {
			take = 8
		}
		b[i] |= byte(1<<uint(take) - 1)
		bits -= take
	}
	return netip.AddrFrom16(b)
}

// InRange reports whether start <= addr <= end.
func InRange(addr, start, end netip.Addr) bool {
	return addr.Compare(start) >= 0 && addr.Compare(end) <= 0
}

// RangeSize returns the number of addresses in [start, end] inclusive,
// capped at MaxUint64. Returns 0 if the range is inverted or mixed-family.
func RangeSize(start, end netip.Addr) uint64 {
	if start.Is4() != end.Is4() || start.Compare(end) > 0 {
		return 0
	}
	if start.Is4() {
		s, _ := ToUint32(start)
		e, _ := ToUint32(end)
		return uint64(e-s) + 1
	}
	sb, eb := start.As16(), end.As16()
	shi := binary.BigEndian.Uint64(sb[:8])
	ehi := binary.BigEndian.Uint64(eb[:8])
	slo := binary.BigEndian.Uint64(sb[8:])
	elo := binary.BigEndian.Uint64(eb[8:])
	// diff is the low 64 bits of (end - start); wrapped subtraction carries
	// the borrow into the high word comparison.
	diff := elo - slo
	carry := uint64(0)
	if elo < slo {
		carry = 1
	}
	if ehi-shi > carry {
		return ^uint64(0) // more than 2^64 addresses
	}
	if diff == ^uint64(0) {
		return ^uint64(0)
	}
	return diff + 1
}

// Overlap reports whether two prefixes share any addresses.
func Overlap(a, b netip.Prefix) bool {
	return a.Overlaps(b)
}

// Canonical returns the wire form of an address: dotted-quad for v4,
// RFC 5952 for v6.
func Canonical(addr netip.Addr) string {
	return addr.Unmap().String()
}

// ParseList parses a comma-separated or slice list of addresses.
func ParseList(items []string) ([]netip.Addr, error) {
	addrs := make([]netip.Addr, 0, len(items))
	for _, item := range items {
		for _, s := range strings.Split(item, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			addr, err := Parse(s)
			if err != nil {
				return nil, err
			}
			addrs = append(addrs, addr)
		}
	}
	return addrs, nil
}
