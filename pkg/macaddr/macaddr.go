// Package macaddr provides 48-bit MAC address math: parsing of colon and
// dash forms, the numeric store representation, and OUI-constrained
// random selection used by NIC provisioning.
package macaddr

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
)

// MAC is a 48-bit MAC address in its numeric store form.
type MAC uint64

// maxMAC is the largest valid 48-bit value.
const maxMAC = (1 << 48) - 1

// Parse parses a MAC in aa:bb:cc:dd:ee:ff or aa-bb-cc-dd-ee-ff form,
// or its decimal numeric store form.
func Parse(s string) (MAC, error) {
	if s == "" {
		return 0, fmt.Errorf("empty MAC address")
	}
	sep := ":"
	if strings.Contains(s, "-") {
		sep = "-"
	}
	if strings.Contains(s, sep) {
		parts := strings.Split(s, sep)
		if len(parts) != 6 {
			return 0, fmt.Errorf("invalid MAC address: %q", s)
		}
		var n uint64
		for _, p := range parts {
			if len(p) == 0 || len(p) > 2 {
				return 0, fmt.Errorf("invalid MAC address: %q", s)
			}
			b, err := strconv.ParseUint(p, 16, 8)
			if err != nil {
				return 0, fmt.Errorf("invalid MAC address: %q", s)
			}
			n = n<<8 | b
		}
		return MAC(n), nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n > maxMAC {
		return 0, fmt.Errorf("invalid MAC address: %q", s)
	}
	return MAC(n), nil
}

// MustParse parses a MAC and panics on failure. For tests and constants.
func MustParse(s string) MAC {
	mac, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return mac
}

// String returns the colon-separated wire form.
func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		byte(m>>40), byte(m>>32), byte(m>>24), byte(m>>16), byte(m>>8), byte(m))
}

// Uint64 returns the numeric store form.
func (m MAC) Uint64() uint64 {
	return uint64(m)
}

// FromUint64 converts a numeric store form to a MAC, rejecting values
// wider than 48 bits.
func FromUint64(n uint64) (MAC, error) {
	if n > maxMAC {
		return 0, fmt.Errorf("MAC value %d exceeds 48 bits", n)
	}
	return MAC(n), nil
}

// OUI is a 24-bit organizationally unique identifier.
type OUI uint32

// ParseOUI parses an OUI in aa:bb:cc or aa-bb-cc form.
func ParseOUI(s string) (OUI, error) {
	sep := ":"
	if strings.Contains(s, "-") {
		sep = "-"
	}
	parts := strings.Split(s, sep)
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid OUI: %q", s)
	}
	var n uint32
	for _, p := range parts {
		b, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return 0, fmt.Errorf("invalid OUI: %q", s)
		}
		n = n<<8 | uint32(b)
	}
	return OUI(n), nil
}

// String returns the colon-separated form of the OUI.
func (o OUI) String() string {
	return fmt.Sprintf("%02x:%02x:%02x", byte(o>>16), byte(o>>8), byte(o))
}

// Min returns the smallest MAC inside the OUI (device bits all zero).
func (o OUI) Min() MAC {
	return MAC(uint64(o) << 24)
}

// Max returns the largest MAC inside the OUI (device bits all one).
func (o OUI) Max() MAC {
	return MAC(uint64(o)<<24 | 0xffffff)
}

// Contains reports whether m falls inside the OUI.
func (o OUI) Contains(m MAC) bool {
	return m >= o.Min() && m <= o.Max()
}

// Random returns a uniformly random MAC inside the OUI.
func (o OUI) Random() MAC {
	return MAC(uint64(o)<<24 | rand.Uint64N(1<<24))
}
