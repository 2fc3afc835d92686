package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// AddressSize is the length of a destination address in bytes.
const AddressSize = 16

// ErrInvalidAddress indicates a malformed destination address.
var ErrInvalidAddress = errors.New("invalid destination address")

// Address is the fixed-length hash naming a mesh destination.
type Address [AddressSize]byte

// ParseAddress decodes a hex-encoded destination address. Surrounding
// angle brackets, as printed by some tools, are tolerated.
func ParseAddress(s string) (Address, error) {
	var addr Address

	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimSuffix(s, ">")

	if len(s) != AddressSize*2 {
		return addr, fmt.Errorf("%w: expected %d hex characters, got %d", ErrInvalidAddress, AddressSize*2, len(s))
	}

	raw, err := hex.DecodeString(s)
	if err != nil {
		return addr, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	copy(addr[:], raw)
	return addr, nil
}

// AddressFromBytes copies a raw address, checking its length.
func AddressFromBytes(b []byte) (Address, error) {
	var addr Address
	if len(b) != AddressSize {
		return addr, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidAddress, AddressSize, len(b))
	}
	copy(addr[:], b)
	return addr, nil
}

// String returns the address as lowercase hex.
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// Pretty returns the address in the bracketed form used in log output.
func (a Address) Pretty() string {
	return "<" + a.String() + ">"
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a == Address{}
}

// NameHash hashes a destination name built from an application name and
// its aspects, e.g. ("bridge", "bridge_service").
func NameHash(app string, aspects ...string) Hash {
	name := strings.Join(append([]string{app}, aspects...), ".")
	return keyedHash(nameDomainKey, []byte(name))
}

// DestinationAddress derives the address of the destination named by
// nameHash and owned by the identity with identityHash.
func DestinationAddress(nameHash Hash, identityHash Hash) Address {
	full := keyedHash(destinationDomainKey, nameHash[:], identityHash[:])
	var addr Address
	copy(addr[:], full[:AddressSize])
	return addr
}
