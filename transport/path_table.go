package transport

import (
	"net"
	"sync"
	"time"

	"github.com/opd-ai/meshbridge/crypto"
)

// pathEntry records how to reach a destination.
type pathEntry struct {
	nextHop  net.Addr // nil when the destination is local
	hops     uint8
	expires  time.Time
	announce *Packet // last accepted announce, replayed for path requests
}

// PathTable maps destination addresses to next hops and remembers the
// identities learnt from announces. Identities outlive paths: a path may
// expire and be rediscovered while the identity stays known.
type PathTable struct {
	mu         sync.RWMutex
	paths      map[crypto.Address]*pathEntry
	identities map[crypto.Address]crypto.PublicIdentity
	expiry     time.Duration
}

// NewPathTable creates an empty path table whose entries live for expiry.
func NewPathTable(expiry time.Duration) *PathTable {
	return &PathTable{
		paths:      make(map[crypto.Address]*pathEntry),
		identities: make(map[crypto.Address]crypto.PublicIdentity),
		expiry:     expiry,
	}
}

// Update records a path learnt from an announce. A new path replaces an
// existing one when it is not longer, or when the existing one has
// expired. It reports whether the table changed.
func (pt *PathTable) Update(announce *Announce, packet *Packet, from net.Addr, now time.Time) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.identities[announce.Address] = announce.Identity

	existing, ok := pt.paths[announce.Address]
	if ok && now.Before(existing.expires) && packet.Hops > existing.hops {
		return false
	}

	pt.paths[announce.Address] = &pathEntry{
		nextHop:  from,
		hops:     packet.Hops,
		expires:  now.Add(pt.expiry),
		announce: packet,
	}
	return true
}

// Lookup returns the next hop and hop count for a destination.
func (pt *PathTable) Lookup(addr crypto.Address, now time.Time) (net.Addr, uint8, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	entry, ok := pt.paths[addr]
	if !ok || !now.Before(entry.expires) {
		return nil, 0, false
	}
	return entry.nextHop, entry.hops, true
}

// cachedAnnounce returns the announce that established a live path.
func (pt *PathTable) cachedAnnounce(addr crypto.Address, now time.Time) (*Packet, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	entry, ok := pt.paths[addr]
	if !ok || !now.Before(entry.expires) || entry.announce == nil {
		return nil, false
	}
	return entry.announce, true
}

// Identity returns the identity announced for a destination.
func (pt *PathTable) Identity(addr crypto.Address) (crypto.PublicIdentity, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	id, ok := pt.identities[addr]
	return id, ok
}

// Expire removes paths that have outlived their expiry.
func (pt *PathTable) Expire(now time.Time) int {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	removed := 0
	for addr, entry := range pt.paths {
		if !now.Before(entry.expires) {
			delete(pt.paths, addr)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored paths, live or not.
func (pt *PathTable) Len() int {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return len(pt.paths)
}

// packetFilter suppresses packets already seen within ttl.
type packetFilter struct {
	mu   sync.Mutex
	seen map[crypto.Hash]time.Time
	ttl  time.Duration
}

func newPacketFilter(ttl time.Duration) *packetFilter {
	return &packetFilter{
		seen: make(map[crypto.Hash]time.Time),
		ttl:  ttl,
	}
}

// Seen records hash and reports whether it had already been recorded.
func (f *packetFilter) Seen(hash crypto.Hash, now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if at, ok := f.seen[hash]; ok && now.Sub(at) < f.ttl {
		return true
	}
	f.seen[hash] = now
	return false
}

// Expire forgets hashes older than ttl.
func (f *packetFilter) Expire(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for hash, at := range f.seen {
		if now.Sub(at) >= f.ttl {
			delete(f.seen, hash)
		}
	}
}
