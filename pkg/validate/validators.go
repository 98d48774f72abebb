package validate

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/google/uuid"

	"github.com/napi-network/napi/pkg/ipaddr"
	"github.com/napi-network/napi/pkg/macaddr"
)

// Generic field validators. Domain-resolving validators (network lookups)
// are built as closures by the packages that own the records.

// String accepts any string value and stores it unchanged.
func String(ctx context.Context, field string, value interface{}, out Result) error {
	s, ok := value.(string)
	if !ok {
		return Invalid(field, "must be a string")
	}
	out[field] = s
	return nil
}

// NonEmptyString accepts a non-empty string.
func NonEmptyString(ctx context.Context, field string, value interface{}, out Result) error {
	s, ok := value.(string)
	if !ok || s == "" {
		return Invalid(field, "must be a non-empty string")
	}
	out[field] = s
	return nil
}

// Bool accepts a bool or the strings "true"/"false".
func Bool(ctx context.Context, field string, value interface{}, out Result) error {
	switch v := value.(type) {
	case bool:
		out[field] = v
	case string:
		switch v {
		case "true":
			out[field] = true
		case "false":
			out[field] = false
		default:
			return Invalid(field, "must be a boolean value")
		}
	default:
		return Invalid(field, "must be a boolean value")
	}
	return nil
}

// UUID accepts an RFC 4122 UUID string, normalized to lower case.
func UUID(ctx context.Context, field string, value interface{}, out Result) error {
	s, ok := value.(string)
	if !ok {
		return Invalid(field, "invalid UUID")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return Invalid(field, "invalid UUID")
	}
	out[field] = u.String()
	return nil
}

// UUIDList accepts a list of UUID strings, normalized and deduplicated.
func UUIDList(ctx context.Context, field string, value interface{}, out Result) error {
	items, err := toStringSlice(value)
	if err != nil {
		return Invalid(field, "must be a list of UUIDs")
	}
	seen := make(map[string]bool, len(items))
	uuids := make([]string, 0, len(items))
	for _, item := range items {
		u, err := uuid.Parse(item)
		if err != nil {
			return Invalid(field, fmt.Sprintf("invalid UUID %q", item))
		}
		s := u.String()
		if !seen[s] {
			seen[s] = true
			uuids = append(uuids, s)
		}
	}
	out[field] = uuids
	return nil
}

// IntRange returns a validator accepting an integer in [min, max].
func IntRange(min, max int) Fn {
	return func(ctx context.Context, field string, value interface{}, out Result) error {
		n, ok := toInt(value)
		if !ok {
			return Invalid(field, "must be an integer")
		}
		if n < min || n > max {
			return Invalid(field, fmt.Sprintf("must be between %d and %d", min, max))
		}
		out[field] = n
		return nil
	}
}

// VLANID accepts a VLAN id in 0..4094, excluding the reserved id 1.
func VLANID(ctx context.Context, field string, value interface{}, out Result) error {
	n, ok := toInt(value)
	if !ok {
		return Invalid(field, "must be an integer")
	}
	if n < 0 || n > 4094 {
		return Invalid(field, "must be between 0 and 4094")
	}
	if n == 1 {
		return Invalid(field, "VLAN 1 is reserved")
	}
	out[field] = n
	return nil
}

// VnetID accepts a 24-bit virtual network id.
func VnetID(ctx context.Context, field string, value interface{}, out Result) error {
	n, ok := toInt(value)
	if !ok {
		return Invalid(field, "must be an integer")
	}
	if n < 0 || n > (1<<24)-1 {
		return Invalid(field, "must be a 24-bit value")
	}
	out[field] = n
	return nil
}

// Enum returns a validator accepting one of the allowed string values.
func Enum(allowed ...string) Fn {
	return func(ctx context.Context, field string, value interface{}, out Result) error {
		s, ok := value.(string)
		if !ok {
			return Invalid(field, "must be a string")
		}
		for _, a := range allowed {
			if s == a {
				out[field] = s
				return nil
			}
		}
		return Invalid(field, fmt.Sprintf("must be one of %v", allowed))
	}
}

// IP accepts an IP address in any supported form and stores the parsed
// netip.Addr.
func IP(ctx context.Context, field string, value interface{}, out Result) error {
	s, ok := value.(string)
	if !ok {
		return Invalid(field, "invalid IP address")
	}
	addr, err := ipaddr.Parse(s)
	if err != nil {
		return Invalid(field, "invalid IP address")
	}
	out[field] = addr
	return nil
}

// IPList accepts a list of IP addresses with a maximum length.
func IPList(maxLen int) Fn {
	return func(ctx context.Context, field string, value interface{}, out Result) error {
		items, err := toStringSlice(value)
		if err != nil {
			return Invalid(field, "must be a list of IP addresses")
		}
		addrs, err := ipaddr.ParseList(items)
		if err != nil {
			return Invalid(field, "invalid IP address in list")
		}
		if len(addrs) > maxLen {
			return Invalid(field, fmt.Sprintf("maximum %d addresses", maxLen))
		}
		out[field] = addrs
		return nil
	}
}

// Subnet accepts CIDR notation and stores the masked netip.Prefix.
func Subnet(ctx context.Context, field string, value interface{}, out Result) error {
	s, ok := value.(string)
	if !ok {
		return Invalid(field, "invalid subnet")
	}
	pfx, err := ipaddr.ParsePrefix(s)
	if err != nil {
		return Invalid(field, "invalid subnet")
	}
	out[field] = pfx
	return nil
}

// MAC accepts a MAC address in colon, dash, or numeric form and stores
// the numeric macaddr.MAC.
func MAC(ctx context.Context, field string, value interface{}, out Result) error {
	s, ok := value.(string)
	if !ok {
		return Invalid(field, "invalid MAC address")
	}
	mac, err := macaddr.Parse(s)
	if err != nil {
		return Invalid(field, "invalid MAC address")
	}
	out[field] = mac
	return nil
}

// Routes accepts a destination -> gateway map. Destinations are single
// addresses or CIDR prefixes; gateways are addresses.
func Routes(ctx context.Context, field string, value interface{}, out Result) error {
	raw, ok := value.(map[string]string)
	if !ok {
		// Accept the generic map form produced by JSON decoding.
		generic, ok2 := value.(map[string]interface{})
		if !ok2 {
			return Invalid(field, "must be a route map")
		}
		raw = make(map[string]string, len(generic))
		for k, v := range generic {
			s, ok3 := v.(string)
			if !ok3 {
				return Invalid(field, "route gateway must be a string")
			}
			raw[k] = s
		}
	}
	routes := make(map[string]netip.Addr, len(raw))
	for dst, gw := range raw {
		if _, err := ipaddr.ParsePrefix(dst); err != nil {
			if _, err2 := ipaddr.Parse(dst); err2 != nil {
				return Invalid(field, fmt.Sprintf("invalid route destination %q", dst))
			}
		}
		gwAddr, err := ipaddr.Parse(gw)
		if err != nil {
			return Invalid(field, fmt.Sprintf("invalid route gateway %q", gw))
		}
		routes[dst] = gwAddr
	}
	out[field] = routes
	return nil
}

func toStringSlice(value interface{}) ([]string, error) {
	switch v := value.(type) {
	case []string:
		return v, nil
	case string:
		return []string{v}, nil
	case []interface{}:
		items := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("not a string slice")
			}
			items = append(items, s)
		}
		return items, nil
	default:
		return nil, fmt.Errorf("not a string slice")
	}
}

func toInt(value interface{}) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case uint32:
		return int(v), true
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	default:
		return 0, false
	}
}
