package store

import (
	"fmt"
	"strconv"

	"github.com/napi-network/napi/pkg/ipaddr"
)

// The key codec maps between external key form (what callers pass: a
// canonical address string, a decimal number, a plain string) and the
// fixed-width encoded form used by the key index, which sorts
// lexicographically in key order.

// encodeKey converts an external key into its index form.
func encodeKey(kt KeyType, key string) (string, error) {
	switch kt {
	case KeyAddr:
		addr, err := ipaddr.Parse(key)
		if err != nil {
			return "", err
		}
		return ipaddr.ToKey(addr), nil
	case KeyNumber:
		n, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return "", fmt.Errorf("invalid numeric key %q", key)
		}
		return fmt.Sprintf("%020d", n), nil
	case KeyString, "":
		return key, nil
	}
	return "", fmt.Errorf("unknown key type %q", kt)
}

// decodeKey converts an index form back into the external key form.
func decodeKey(kt KeyType, encoded string) (string, error) {
	switch kt {
	case KeyAddr:
		addr, err := ipaddr.FromKey(encoded)
		if err != nil {
			return "", err
		}
		return ipaddr.Canonical(addr), nil
	case KeyNumber:
		n, err := strconv.ParseUint(encoded, 10, 64)
		if err != nil {
			return "", fmt.Errorf("invalid encoded numeric key %q", encoded)
		}
		return strconv.FormatUint(n, 10), nil
	case KeyString, "":
		return encoded, nil
	}
	return "", fmt.Errorf("unknown key type %q", kt)
}

// nextKey returns the successor of an encoded key, and ok=false at the
// top of the key space. Only addr and number codecs have successors.
func nextKey(kt KeyType, encoded string) (string, bool) {
	switch kt {
	case KeyAddr:
		addr, err := ipaddr.FromKey(encoded)
		if err != nil {
			return "", false
		}
		next := addr.Next()
		if !next.IsValid() || next.Is4() != addr.Is4() {
			return "", false
		}
		return ipaddr.ToKey(next), true
	case KeyNumber:
		n, err := strconv.ParseUint(encoded, 10, 64)
		if err != nil || n == ^uint64(0) {
			return "", false
		}
		return fmt.Sprintf("%020d", n+1), true
	}
	return "", false
}

// gapSearchable reports whether the key type supports gap search.
func gapSearchable(kt KeyType) bool {
	return kt == KeyAddr || kt == KeyNumber
}
