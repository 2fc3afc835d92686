package bridge

import (
	"fmt"

	"github.com/opd-ai/meshbridge/crypto"
	"github.com/opd-ai/meshbridge/transport"
)

// CircuitStatus is the lifecycle state of a virtual circuit.
type CircuitStatus int

const (
	// CircuitPending means the handshake has not completed
	CircuitPending CircuitStatus = iota
	// CircuitActive means data can flow
	CircuitActive
	// CircuitClosed is terminal
	CircuitClosed
)

// String returns a readable circuit status.
func (s CircuitStatus) String() string {
	switch s {
	case CircuitPending:
		return "pending"
	case CircuitActive:
		return "active"
	case CircuitClosed:
		return "closed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Mesh is the part of the mesh transport the client side needs.
type Mesh interface {
	// ResolveIdentity returns the identity behind addr when it is known
	// and routable.
	ResolveIdentity(addr crypto.Address) (*crypto.PublicIdentity, bool)
	// RequestPath asks the mesh for a path to addr. Answers arrive
	// asynchronously.
	RequestPath(addr crypto.Address) error
	// OpenCircuit starts a circuit to addr and returns it pending.
	OpenCircuit(id *crypto.PublicIdentity, addr crypto.Address) (Circuit, error)
}

// Circuit is a reliable, ordered, message-oriented channel.
type Circuit interface {
	ID() string
	Status() CircuitStatus
	Send(data []byte) error
	// OnData sets the callback for inbound messages. It runs on a
	// goroutine owned by the transport.
	OnData(callback func(data []byte))
	// OnClosed sets the callback run once when the circuit closes.
	OnClosed(callback func())
	// Teardown closes the circuit. It is idempotent.
	Teardown()
}

// Endpoint is an inbound mesh destination.
type Endpoint interface {
	Address() crypto.Address
	Announce(appData []byte) error
	// OnCircuitEstablished sets the callback for inbound circuits. It may
	// block; each circuit gets its own goroutine.
	OnCircuitEstablished(callback func(Circuit))
}

// nodeMesh adapts a transport.Node to Mesh.
type nodeMesh struct {
	node *transport.Node
}

// NewNodeMesh returns a Mesh backed by node.
func NewNodeMesh(node *transport.Node) Mesh {
	return &nodeMesh{node: node}
}

// ResolveIdentity reports an identity only while a path to it is known,
// so an expired path sends the caller through path discovery again.
func (m *nodeMesh) ResolveIdentity(addr crypto.Address) (*crypto.PublicIdentity, bool) {
	id, ok := m.node.ResolveIdentity(addr)
	if !ok || !m.node.HasPath(addr) {
		return nil, false
	}
	return id, true
}

func (m *nodeMesh) RequestPath(addr crypto.Address) error {
	return m.node.RequestPath(addr)
}

func (m *nodeMesh) OpenCircuit(id *crypto.PublicIdentity, addr crypto.Address) (Circuit, error) {
	link, err := m.node.OpenLink(id, addr)
	if err != nil {
		return nil, err
	}
	return &linkCircuit{link: link}, nil
}

// linkCircuit adapts a transport.Link to Circuit.
type linkCircuit struct {
	link *transport.Link
}

func (c *linkCircuit) ID() string {
	return c.link.ID().String()
}

func (c *linkCircuit) Status() CircuitStatus {
	switch c.link.Status() {
	case transport.LinkActive:
		return CircuitActive
	case transport.LinkPending:
		return CircuitPending
	default:
		return CircuitClosed
	}
}

func (c *linkCircuit) Send(data []byte) error {
	return c.link.Send(data)
}

func (c *linkCircuit) OnData(callback func(data []byte)) {
	c.link.OnData(callback)
}

func (c *linkCircuit) OnClosed(callback func()) {
	c.link.OnClosed(callback)
}

func (c *linkCircuit) Teardown() {
	c.link.Teardown()
}

// nodeEndpoint adapts a transport.Destination to Endpoint.
type nodeEndpoint struct {
	dest *transport.Destination
}

// NewNodeEndpoint returns an Endpoint backed by dest.
func NewNodeEndpoint(dest *transport.Destination) Endpoint {
	return &nodeEndpoint{dest: dest}
}

func (e *nodeEndpoint) Address() crypto.Address {
	return e.dest.Address()
}

func (e *nodeEndpoint) Announce(appData []byte) error {
	return e.dest.Announce(appData)
}

func (e *nodeEndpoint) OnCircuitEstablished(callback func(Circuit)) {
	e.dest.OnLinkEstablished(func(link *transport.Link) {
		callback(&linkCircuit{link: link})
	})
}
