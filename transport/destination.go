package transport

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/opd-ai/meshbridge/crypto"
	"github.com/opd-ai/meshbridge/noise"
	"github.com/sirupsen/logrus"
)

// Destination is an inbound mesh endpoint. Its address derives from the
// owning identity and its app and aspect names.
type Destination struct {
	node     *Node
	identity *crypto.Identity
	app      string
	aspects  []string
	nameHash crypto.Hash
	address  crypto.Address

	mu     sync.RWMutex
	onLink func(*Link)
}

func newDestination(node *Node, identity *crypto.Identity, app string, aspects ...string) *Destination {
	nameHash := crypto.NameHash(app, aspects...)
	return &Destination{
		node:     node,
		identity: identity,
		app:      app,
		aspects:  append([]string(nil), aspects...),
		nameHash: nameHash,
		address:  crypto.DestinationAddress(nameHash, identity.Public().Hash()),
	}
}

// Address returns the destination address.
func (d *Destination) Address() crypto.Address {
	return d.address
}

// Name returns the dotted app and aspects name.
func (d *Destination) Name() string {
	return strings.Join(append([]string{d.app}, d.aspects...), ".")
}

// Announce broadcasts this destination to the mesh.
func (d *Destination) Announce(appData []byte) error {
	return d.node.Announce(d, appData)
}

// OnLinkEstablished sets the callback run for every inbound link. The
// callback runs on its own goroutine and may block.
func (d *Destination) OnLinkEstablished(callback func(*Link)) {
	d.mu.Lock()
	d.onLink = callback
	d.mu.Unlock()
}

// acceptLink completes the responder side of a link handshake and sends
// the proof back towards the initiator.
func (d *Destination) acceptLink(id LinkID, request []byte, from net.Addr) error {
	handshake, err := noise.NewIKHandshake(d.identity.PrivateKey(), nil, linkPrologue(id, d.address), noise.Responder)
	if err != nil {
		return err
	}
	proofMsg, complete, err := handshake.WriteMessage(nil, request)
	if err != nil {
		return fmt.Errorf("link request %s: %w", id, err)
	}
	if !complete {
		return fmt.Errorf("link request %s: handshake incomplete", id)
	}
	send, recv, err := handshake.GetCipherStates()
	if err != nil {
		return err
	}

	now := d.node.now()
	link := newLink(d.node, id, d.address, false, from, now)
	link.mu.Lock()
	link.handshake = handshake
	if err := link.activate(send, recv, now); err != nil {
		link.mu.Unlock()
		link.close("handshake failed", false)
		return err
	}
	link.proof = &Packet{PacketType: PacketLinkProof, Target: id, Data: proofMsg}
	proof := link.proof
	link.mu.Unlock()

	if err := d.node.addLink(link); err != nil {
		link.close("node closed", false)
		return err
	}
	d.node.sendLinkPacket(link, proof)

	logrus.WithFields(logrus.Fields{
		"function":    "acceptLink",
		"link_id":     id.String(),
		"destination": d.address.String(),
	}).Info("Inbound link established")

	d.mu.RLock()
	callback := d.onLink
	d.mu.RUnlock()
	if callback != nil {
		go callback(link)
	} else {
		link.Teardown()
	}
	return nil
}
