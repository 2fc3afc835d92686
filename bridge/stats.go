package bridge

import "sync/atomic"

// Stats counts session and traffic events of one bridge daemon.
type Stats struct {
	sessionsActive    atomic.Int64
	sessionsOpened    atomic.Uint64
	sessionsClosed    atomic.Uint64
	sessionsReaped    atomic.Uint64
	establishFailures atomic.Uint64
	targetFailures    atomic.Uint64
	bytesToMesh       atomic.Uint64
	bytesFromMesh     atomic.Uint64
	datagramPeers     atomic.Int64
	announces         atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	SessionsActive    int64
	SessionsOpened    uint64
	SessionsClosed    uint64
	SessionsReaped    uint64
	EstablishFailures uint64
	TargetFailures    uint64
	BytesToMesh       uint64
	BytesFromMesh     uint64
	DatagramPeers     int64
	Announces         uint64
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		SessionsActive:    s.sessionsActive.Load(),
		SessionsOpened:    s.sessionsOpened.Load(),
		SessionsClosed:    s.sessionsClosed.Load(),
		SessionsReaped:    s.sessionsReaped.Load(),
		EstablishFailures: s.establishFailures.Load(),
		TargetFailures:    s.targetFailures.Load(),
		BytesToMesh:       s.bytesToMesh.Load(),
		BytesFromMesh:     s.bytesFromMesh.Load(),
		DatagramPeers:     s.datagramPeers.Load(),
		Announces:         s.announces.Load(),
	}
}
