package crypto

import (
	"github.com/zeebo/blake3"
)

// Hash is a 32-byte BLAKE3 digest.
type Hash [32]byte

// domainKey is a 32-byte key for BLAKE3 keyed hashing. Each hashing
// context gets its own key so the same bytes never collide across domains.
type domainKey [32]byte

var (
	nameDomainKey = domainKey{
		'm', 'e', 's', 'h', 'b', 'r', 'i', 'd', 'g', 'e', '.', 'n', 'a', 'm', 'e',
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	identityDomainKey = domainKey{
		'm', 'e', 's', 'h', 'b', 'r', 'i', 'd', 'g', 'e', '.', 'i', 'd', 'e', 'n', 't', 'i', 't', 'y',
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	destinationDomainKey = domainKey{
		'm', 'e', 's', 'h', 'b', 'r', 'i', 'd', 'g', 'e', '.', 'd', 'e', 's', 't',
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	packetDomainKey = domainKey{
		'm', 'e', 's', 'h', 'b', 'r', 'i', 'd', 'g', 'e', '.', 'p', 'a', 'c', 'k', 'e', 't',
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// HashPacket computes the packet-domain hash used by the transport's
// duplicate filter.
func HashPacket(data []byte) Hash {
	return keyedHash(packetDomainKey, data)
}

// keyedHash computes BLAKE3 keyed hash over the concatenation of parts.
func keyedHash(key domainKey, parts ...[]byte) Hash {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		// NewKeyed only fails on a key of the wrong length.
		panic("crypto: BLAKE3 keyed hasher: " + err.Error())
	}
	for _, part := range parts {
		hasher.Write(part)
	}
	var result Hash
	copy(result[:], hasher.Sum(nil))
	return result
}
