package bridge

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/meshbridge/crypto"
	"github.com/sirupsen/logrus"
)

// DefaultPeerRetention is how long a local UDP peer stays eligible for
// replies after its last datagram.
const DefaultPeerRetention = 300 * time.Second

// peerEntry records when a local peer last sent a datagram.
type peerEntry struct {
	seen time.Time
	addr net.Addr
}

// DatagramMultiplexer carries every local UDP peer over one shared
// circuit. Replies from the mesh go to the peer that sent most recently:
// UDP gives no way to tell which peer a reply belongs to, so concurrent
// peers may receive each other's replies.
type DatagramMultiplexer struct {
	conn        net.PacketConn
	addr        crypto.Address
	establisher *CircuitEstablisher
	stats       *Stats
	clock       TimeProvider
	retention   time.Duration

	// circuitMu serializes establishment; only the serving goroutine
	// takes it.
	circuitMu sync.Mutex
	circuit   Circuit
	closed    bool

	mu    sync.Mutex
	peers []peerEntry
}

// NewDatagramMultiplexer creates a multiplexer that reads conn and
// forwards to addr.
func NewDatagramMultiplexer(conn net.PacketConn, addr crypto.Address, establisher *CircuitEstablisher, stats *Stats, clock TimeProvider) *DatagramMultiplexer {
	if stats == nil {
		stats = &Stats{}
	}
	return &DatagramMultiplexer{
		conn:        conn,
		addr:        addr,
		establisher: establisher,
		stats:       stats,
		clock:       getTimeProvider(clock),
		retention:   DefaultPeerRetention,
	}
}

// Serve reads local datagrams until ctx is done or the socket closes.
func (m *DatagramMultiplexer) Serve(ctx context.Context) error {
	buf := make([]byte, recvBufferSize)

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := m.conn.SetReadDeadline(time.Now().Add(DefaultReadTimeout)); err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return newBridgeError(LocalIOError, "set deadline", m.conn.LocalAddr().String(), err)
		}
		n, from, err := m.conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			logrus.WithFields(logrus.Fields{
				"function": "Serve",
				"error":    err.Error(),
			}).Warn("UDP read failed")
			continue
		}

		m.handleLocal(ctx, buf[:n], from)
	}
}

// handleLocal records the sender and forwards one datagram.
func (m *DatagramMultiplexer) handleLocal(ctx context.Context, datagram []byte, from net.Addr) {
	m.recordPeer(from)

	circuit, err := m.sharedCircuit(ctx)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "handleLocal",
			"destination": m.addr.String(),
			"error":       err.Error(),
		}).Error("Failed to establish circuit for UDP traffic")
		return
	}

	if err := circuit.Send(datagram); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleLocal",
			"circuit":  circuit.ID(),
			"error":    err.Error(),
		}).Warn("Failed to forward datagram")
		return
	}
	m.stats.bytesToMesh.Add(uint64(len(datagram)))

	logrus.WithFields(logrus.Fields{
		"function": "handleLocal",
		"from":     from.String(),
		"bytes":    len(datagram),
	}).Debug("Forwarded datagram to circuit")
}

// sharedCircuit returns the active shared circuit, establishing a new one
// if there is none or the previous one closed.
func (m *DatagramMultiplexer) sharedCircuit(ctx context.Context) (Circuit, error) {
	m.circuitMu.Lock()
	defer m.circuitMu.Unlock()

	if m.closed {
		return nil, ErrBridgeClosed
	}
	if m.circuit != nil && m.circuit.Status() == CircuitActive {
		return m.circuit, nil
	}

	circuit, err := m.establisher.Establish(ctx, m.addr, m.handleCircuitData)
	if err != nil {
		m.stats.establishFailures.Add(1)
		return nil, err
	}
	m.circuit = circuit
	m.stats.sessionsOpened.Add(1)
	return circuit, nil
}

// handleCircuitData sends a mesh message to the most recent local peer.
func (m *DatagramMultiplexer) handleCircuitData(data []byte) {
	peer, ok := m.latestPeer()
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "handleCircuitData",
			"bytes":    len(data),
		}).Warn("Dropping circuit data with no recent local peer")
		return
	}

	if _, err := m.conn.WriteTo(data, peer); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleCircuitData",
			"peer":     peer.String(),
			"error":    newBridgeError(LocalIOError, "write", peer.String(), err).Error(),
		}).Warn("Failed to deliver datagram")
		return
	}
	m.stats.bytesFromMesh.Add(uint64(len(data)))

	logrus.WithFields(logrus.Fields{
		"function": "handleCircuitData",
		"peer":     peer.String(),
		"bytes":    len(data),
	}).Debug("Forwarded circuit data to UDP peer")
}

// recordPeer remembers a local sender. A peer that sends again has its
// entry refreshed rather than duplicated.
func (m *DatagramMultiplexer) recordPeer(addr net.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	for i := range m.peers {
		if m.peers[i].addr.String() == addr.String() {
			m.peers[i].seen = now
			return
		}
	}
	m.peers = append(m.peers, peerEntry{seen: now, addr: addr})
	m.stats.datagramPeers.Store(int64(len(m.peers)))
}

// latestPeer picks the entry with the greatest timestamp, then prunes
// entries older than the retention window.
func (m *DatagramMultiplexer) latestPeer() (net.Addr, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *peerEntry
	for i := range m.peers {
		if latest == nil || !m.peers[i].seen.Before(latest.seen) {
			latest = &m.peers[i]
		}
	}
	var addr net.Addr
	if latest != nil {
		addr = latest.addr
	}

	m.pruneLocked(m.clock.Now())
	return addr, addr != nil
}

// pruneLocked drops entries older than the retention window.
// Caller must hold m.mu.
func (m *DatagramMultiplexer) pruneLocked(now time.Time) {
	kept := m.peers[:0]
	for _, entry := range m.peers {
		if now.Sub(entry.seen) <= m.retention {
			kept = append(kept, entry)
		}
	}
	for i := len(kept); i < len(m.peers); i++ {
		m.peers[i] = peerEntry{}
	}
	m.peers = kept
	m.stats.datagramPeers.Store(int64(len(m.peers)))
}

// peerCount returns the number of remembered peer entries.
func (m *DatagramMultiplexer) peerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

// Close tears down the shared circuit. Later datagrams are dropped.
func (m *DatagramMultiplexer) Close() {
	m.circuitMu.Lock()
	circuit := m.circuit
	m.circuit = nil
	m.closed = true
	m.circuitMu.Unlock()

	if circuit != nil {
		circuit.Teardown()
		m.stats.sessionsClosed.Add(1)
	}
}
