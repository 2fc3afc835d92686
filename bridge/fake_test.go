package bridge

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/meshbridge/crypto"
)

var circuitSeq atomic.Uint64

// fakeCircuit is an in-memory Circuit. Messages passed to Send are
// recorded and, when a peer is set, delivered to the peer's OnData.
type fakeCircuit struct {
	id string

	mu        sync.Mutex
	status    CircuitStatus
	sent      [][]byte
	pending   [][]byte
	onData    func([]byte)
	onClosed  func()
	closeHeld bool
	teardowns int
	sendErr   error
	peer      *fakeCircuit
}

func newFakeCircuit(status CircuitStatus) *fakeCircuit {
	return &fakeCircuit{
		id:     fmt.Sprintf("fake-%d", circuitSeq.Add(1)),
		status: status,
	}
}

func (c *fakeCircuit) ID() string { return c.id }

func (c *fakeCircuit) Status() CircuitStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *fakeCircuit) setStatus(status CircuitStatus) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
}

func (c *fakeCircuit) Send(data []byte) error {
	c.mu.Lock()
	if c.status != CircuitActive {
		c.mu.Unlock()
		return ErrCircuitClosed
	}
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	msg := append([]byte(nil), data...)
	c.sent = append(c.sent, msg)
	peer := c.peer
	c.mu.Unlock()

	if peer != nil {
		peer.receive(msg)
	}
	return nil
}

// receive delivers an inbound message, holding it until OnData is set.
func (c *fakeCircuit) receive(data []byte) {
	c.mu.Lock()
	callback := c.onData
	if callback == nil {
		c.pending = append(c.pending, data)
	}
	c.mu.Unlock()

	if callback != nil {
		callback(data)
	}
}

func (c *fakeCircuit) OnData(callback func([]byte)) {
	c.mu.Lock()
	c.onData = callback
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, msg := range pending {
		callback(msg)
	}

	c.mu.Lock()
	onClosed := c.onClosed
	fire := c.status == CircuitClosed && c.closeHeld
	c.closeHeld = false
	c.mu.Unlock()
	if fire && onClosed != nil {
		go onClosed()
	}
}

func (c *fakeCircuit) hasOnData() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onData != nil
}

// OnClosed runs callback once the circuit is closed. Like a link, a
// circuit closed with messages still held for OnData reports the close
// only after they are delivered.
func (c *fakeCircuit) OnClosed(callback func()) {
	c.mu.Lock()
	c.onClosed = callback
	closed := c.status == CircuitClosed && !c.closeHeld
	c.mu.Unlock()

	if closed {
		go callback()
	}
}

func (c *fakeCircuit) Teardown() {
	c.remoteClose()

	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()
	if peer != nil {
		peer.remoteClose()
	}
}

// remoteClose closes the circuit as if the far end tore it down.
func (c *fakeCircuit) remoteClose() {
	c.mu.Lock()
	if c.status == CircuitClosed {
		c.mu.Unlock()
		return
	}
	c.status = CircuitClosed
	c.teardowns++
	callback := c.onClosed
	if len(c.pending) > 0 {
		c.closeHeld = true
		callback = nil
	}
	c.mu.Unlock()

	if callback != nil {
		go callback()
	}
}

func (c *fakeCircuit) sentMessages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func (c *fakeCircuit) sentBytes() []byte {
	var all []byte
	for _, msg := range c.sentMessages() {
		all = append(all, msg...)
	}
	return all
}

func (c *fakeCircuit) teardownCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.teardowns
}

// fakeMesh is an in-memory Mesh.
type fakeMesh struct {
	mu             sync.Mutex
	identities     map[crypto.Address]*crypto.PublicIdentity
	learnOnRequest map[crypto.Address]*crypto.PublicIdentity
	resolveCalls   int
	requestCalls   int
	openErr        error
	openStatus     CircuitStatus
	activateAfter  time.Duration
	circuits       []*fakeCircuit
}

func newFakeMesh() *fakeMesh {
	return &fakeMesh{
		identities:     make(map[crypto.Address]*crypto.PublicIdentity),
		learnOnRequest: make(map[crypto.Address]*crypto.PublicIdentity),
		openStatus:     CircuitActive,
	}
}

// knownDestination makes a fresh destination resolvable and returns it.
func (m *fakeMesh) knownDestination() crypto.Address {
	id, err := crypto.NewIdentity()
	if err != nil {
		panic(err)
	}
	addr := id.Public().Address(AppName, DefaultServiceName)
	m.mu.Lock()
	m.identities[addr] = id.Public()
	m.mu.Unlock()
	return addr
}

func (m *fakeMesh) ResolveIdentity(addr crypto.Address) (*crypto.PublicIdentity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolveCalls++
	id, ok := m.identities[addr]
	return id, ok
}

func (m *fakeMesh) RequestPath(addr crypto.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCalls++
	if id, ok := m.learnOnRequest[addr]; ok {
		m.identities[addr] = id
	}
	return nil
}

func (m *fakeMesh) OpenCircuit(id *crypto.PublicIdentity, addr crypto.Address) (Circuit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == nil {
		return nil, errors.New("nil identity")
	}
	if m.openErr != nil {
		return nil, m.openErr
	}

	circuit := newFakeCircuit(m.openStatus)
	if m.activateAfter > 0 {
		circuit.status = CircuitPending
		delay := m.activateAfter
		go func() {
			time.Sleep(delay)
			circuit.setStatus(CircuitActive)
		}()
	}
	m.circuits = append(m.circuits, circuit)
	return circuit, nil
}

func (m *fakeMesh) calls() (resolves, requests int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolveCalls, m.requestCalls
}

func (m *fakeMesh) openedCircuits() []*fakeCircuit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*fakeCircuit(nil), m.circuits...)
}

// fakeEndpoint is an in-memory Endpoint.
type fakeEndpoint struct {
	addr      crypto.Address
	mu        sync.Mutex
	announces int
	onCircuit func(Circuit)
}

func (e *fakeEndpoint) Address() crypto.Address { return e.addr }

func (e *fakeEndpoint) Announce(appData []byte) error {
	e.mu.Lock()
	e.announces++
	e.mu.Unlock()
	return nil
}

func (e *fakeEndpoint) OnCircuitEstablished(callback func(Circuit)) {
	e.mu.Lock()
	e.onCircuit = callback
	e.mu.Unlock()
}

func (e *fakeEndpoint) announceCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.announces
}

// inbound hands a circuit to the registered callback on its own
// goroutine, as the transport does.
func (e *fakeEndpoint) inbound(circuit Circuit) bool {
	e.mu.Lock()
	callback := e.onCircuit
	e.mu.Unlock()
	if callback == nil {
		return false
	}
	go callback(circuit)
	return true
}

// fakeClock is a settable TimeProvider. Tickers and timers are real.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) NewTicker(d time.Duration) *time.Ticker { return time.NewTicker(d) }
func (c *fakeClock) NewTimer(d time.Duration) *time.Timer   { return time.NewTimer(d) }

// closeCounter is an io.Closer that counts calls.
type closeCounter struct {
	n atomic.Int32
}

func (c *closeCounter) Close() error {
	c.n.Add(1)
	return nil
}
