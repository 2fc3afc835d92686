package bridge

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// recvBufferSize is the largest local read forwarded as one message.
	recvBufferSize = 4096
	// DefaultReadTimeout bounds each local read so the relay loop notices
	// a closed circuit.
	DefaultReadTimeout = time.Second
)

// sessionState is the lifecycle state of a session.
type sessionState int32

const (
	stateAwaitingCircuit sessionState = iota
	stateRelaying
	stateClosing
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateAwaitingCircuit:
		return "awaiting_circuit"
	case stateRelaying:
		return "relaying"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// localEnd is the local half of a session: a TCP connection, or a UDP
// socket bound to one target.
type localEnd interface {
	io.Closer
	read(buf []byte, deadline time.Time) (int, error)
	write(data []byte) error
	String() string
}

// streamEnd is a TCP connection.
type streamEnd struct {
	conn net.Conn
}

func (e streamEnd) read(buf []byte, deadline time.Time) (int, error) {
	if err := e.conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	return e.conn.Read(buf)
}

func (e streamEnd) write(data []byte) error {
	_, err := e.conn.Write(data)
	return err
}

func (e streamEnd) Close() error {
	return e.conn.Close()
}

func (e streamEnd) String() string {
	return "tcp " + e.conn.RemoteAddr().String()
}

// packetEnd is an unconnected UDP socket that exchanges datagrams with a
// fixed target. Datagrams from other senders are ignored.
type packetEnd struct {
	conn   net.PacketConn
	target net.Addr
}

func (e packetEnd) read(buf []byte, deadline time.Time) (int, error) {
	if err := e.conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	n, from, err := e.conn.ReadFrom(buf)
	if err != nil {
		return 0, err
	}
	if from.String() != e.target.String() {
		return 0, nil
	}
	return n, nil
}

func (e packetEnd) write(data []byte) error {
	_, err := e.conn.WriteTo(data, e.target)
	return err
}

func (e packetEnd) Close() error {
	return e.conn.Close()
}

func (e packetEnd) String() string {
	return "udp " + e.target.String()
}

// session relays between one local end and one circuit.
type session struct {
	key         string
	local       localEnd
	core        *sessionCore
	circuitMu   sync.Mutex
	circuit     Circuit
	readTimeout time.Duration
	state       atomic.Int32
}

func newSession(key string, local localEnd, core *sessionCore, readTimeout time.Duration) *session {
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	return &session{
		key:         key,
		local:       local,
		core:        core,
		readTimeout: readTimeout,
	}
}

// currentState returns the session state.
func (s *session) currentState() sessionState {
	return sessionState(s.state.Load())
}

// currentCircuit returns the attached circuit, or nil.
func (s *session) currentCircuit() Circuit {
	s.circuitMu.Lock()
	defer s.circuitMu.Unlock()
	return s.circuit
}

// attach registers the session with an active circuit and moves it to
// relaying. It reports false if the session was closed meanwhile.
func (s *session) attach(circuit Circuit) bool {
	s.circuitMu.Lock()
	s.circuit = circuit
	s.circuitMu.Unlock()

	if !s.core.register(s.key, s.local, circuit) {
		circuit.Teardown()
		_ = s.local.Close()
		s.state.Store(int32(stateClosed))
		return false
	}
	if !s.state.CompareAndSwap(int32(stateAwaitingCircuit), int32(stateRelaying)) {
		s.core.closeSession(s.key, "closed during setup")
		return false
	}
	circuit.OnClosed(func() { s.finish("circuit closed") })
	return true
}

// deliver writes one inbound circuit message to the local end. It runs on
// the transport's callback goroutine, so per-session order is preserved.
func (s *session) deliver(data []byte) {
	if err := s.local.write(data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "deliver",
			"session":  s.key,
			"local":    s.local.String(),
			"error":    newBridgeError(LocalIOError, "write", s.local.String(), err).Error(),
		}).Warn("Local write failed")
		s.finish("local write failed")
		return
	}

	s.core.stats.bytesFromMesh.Add(uint64(len(data)))
	s.core.activity(s.key)

	logrus.WithFields(logrus.Fields{
		"function": "deliver",
		"session":  s.key,
		"bytes":    len(data),
	}).Debug("Forwarded circuit data to local socket")
}

// relay reads the local end and sends each read as one circuit message
// until either side closes, then closes the session.
func (s *session) relay() {
	circuit := s.currentCircuit()
	buf := make([]byte, recvBufferSize)
	reason := ""

	for reason == "" {
		if circuit.Status() != CircuitActive {
			// The circuit's close callback finishes the session once
			// inbound messages still queued on it are written locally.
			return
		}

		n, err := s.local.read(buf, time.Now().Add(s.readTimeout))
		if n > 0 {
			if sendErr := circuit.Send(buf[:n]); sendErr != nil {
				reason = newBridgeError(TransportError, "send", circuit.ID(), sendErr).Error()
				break
			}
			s.core.stats.bytesToMesh.Add(uint64(n))
			s.core.activity(s.key)

			logrus.WithFields(logrus.Fields{
				"function": "relay",
				"session":  s.key,
				"bytes":    n,
			}).Debug("Forwarded local data to circuit")
		}

		if err != nil {
			reason = readEndReason(s.local, err)
		}
	}

	s.finish(reason)
}

// readEndReason classifies a local read error. It returns "" for read
// timeouts, which only give the loop a chance to check the circuit.
func readEndReason(local localEnd, err error) string {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return ""
	case errors.Is(err, io.EOF):
		return "local peer closed"
	case errors.Is(err, net.ErrClosed):
		return "local socket closed"
	default:
		return newBridgeError(LocalIOError, "read", local.String(), err).Error()
	}
}

// finish moves the session through closing to closed, closing both ends
// exactly once no matter who calls it first.
func (s *session) finish(reason string) {
	for {
		current := s.state.Load()
		if current == int32(stateClosing) || current == int32(stateClosed) {
			return
		}
		if s.state.CompareAndSwap(current, int32(stateClosing)) {
			break
		}
	}

	if !s.core.closeSession(s.key, reason) {
		// Not registered yet, or already evicted by someone else.
		if circuit := s.currentCircuit(); circuit != nil {
			circuit.Teardown()
		}
		_ = s.local.Close()
	}
	s.state.Store(int32(stateClosed))
}
