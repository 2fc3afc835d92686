package transport

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/meshbridge/crypto"
	"github.com/opd-ai/meshbridge/noise"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNoPath indicates no known route to a destination
	ErrNoPath = errors.New("no path to destination")
	// ErrDestinationExists indicates a destination registered twice
	ErrDestinationExists = errors.New("destination already registered")
	// ErrNodeClosed indicates an operation on a closed node
	ErrNodeClosed = errors.New("node closed")
)

const (
	maxNeighbours        = 64
	pathRequestTagSize   = 16
	pendingRequestExpiry = 30 * time.Second
	housekeepingInterval = 5 * time.Second
)

// NodeConfig holds the tunables of a mesh node.
type NodeConfig struct {
	// ListenAddr is the UDP address the node binds, e.g. "0.0.0.0:4242".
	ListenAddr string
	// Peers are neighbour addresses the node floods to from the start.
	// Neighbours are also learnt from inbound packets.
	Peers []string

	MaxHops              uint8
	PathExpiry           time.Duration
	PacketFilterTTL      time.Duration
	LinkEstablishTimeout time.Duration
	RequestRetryInterval time.Duration
	KeepaliveInterval    time.Duration
	StaleTimeout         time.Duration
	// SendWindow is the KCP send window in segments; Send blocks while
	// this many segments are unacknowledged.
	SendWindow  int
	SendTimeout time.Duration
	// LinkCloseLinger bounds how long Teardown waits for sent messages to
	// be acknowledged before the link closes.
	LinkCloseLinger time.Duration
	// MaintenanceInterval drives link timers and the KCP clock.
	MaintenanceInterval time.Duration
}

// DefaultNodeConfig returns the default node configuration.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		ListenAddr:           "0.0.0.0:4242",
		MaxHops:              32,
		PathExpiry:           2 * time.Hour,
		PacketFilterTTL:      2 * time.Minute,
		LinkEstablishTimeout: 15 * time.Second,
		RequestRetryInterval: 2 * time.Second,
		KeepaliveInterval:    60 * time.Second,
		StaleTimeout:         180 * time.Second,
		SendWindow:           128,
		SendTimeout:          30 * time.Second,
		LinkCloseLinger:      5 * time.Second,
		MaintenanceInterval:  20 * time.Millisecond,
	}
}

// withDefaults fills zero fields from DefaultNodeConfig.
func (c NodeConfig) withDefaults() NodeConfig {
	d := DefaultNodeConfig()
	if c.MaxHops == 0 {
		c.MaxHops = d.MaxHops
	}
	if c.PathExpiry <= 0 {
		c.PathExpiry = d.PathExpiry
	}
	if c.PacketFilterTTL <= 0 {
		c.PacketFilterTTL = d.PacketFilterTTL
	}
	if c.LinkEstablishTimeout <= 0 {
		c.LinkEstablishTimeout = d.LinkEstablishTimeout
	}
	if c.RequestRetryInterval <= 0 {
		c.RequestRetryInterval = d.RequestRetryInterval
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = d.KeepaliveInterval
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = d.StaleTimeout
	}
	if c.SendWindow <= 0 {
		c.SendWindow = d.SendWindow
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.LinkCloseLinger <= 0 {
		c.LinkCloseLinger = d.LinkCloseLinger
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = d.MaintenanceInterval
	}
	return c
}

// linkKey distinguishes the two ends of a link when both live on one node.
type linkKey struct {
	id        LinkID
	initiator bool
}

// transitEntry forwards packets of a link that passes through this node.
type transitEntry struct {
	prev     net.Addr
	next     net.Addr
	lastSeen time.Time
}

// Node is a mesh transport instance: one packet interface, a path table
// learnt from announces, local destinations and the links that end or
// pass through here.
type Node struct {
	config    NodeConfig
	transport Transport
	identity  *crypto.Identity
	paths     *PathTable
	filter    *packetFilter

	mu              sync.RWMutex
	neighbours      map[string]net.Addr
	destinations    map[crypto.Address]*Destination
	links           map[linkKey]*Link
	transit         map[LinkID]*transitEntry
	pendingRequests map[crypto.Address]map[string]net.Addr
	pendingExpiry   map[crypto.Address]time.Time
	closed          bool

	loopMu     sync.Mutex
	loopQueue  []*Packet
	loopSignal chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode binds a UDP transport and starts a node on it.
func NewNode(config NodeConfig) (*Node, error) {
	udp, err := NewUDPTransport(config.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("mesh listen %s: %w", config.ListenAddr, err)
	}

	node, err := NewNodeWithTransport(config, udp)
	if err != nil {
		udp.Close()
		return nil, err
	}
	return node, nil
}

// NewNodeWithTransport starts a node on an existing transport. The node
// owns the transport and closes it on Close.
func NewNodeWithTransport(config NodeConfig, transport Transport) (*Node, error) {
	config = config.withDefaults()

	identity, err := crypto.NewIdentity()
	if err != nil {
		return nil, fmt.Errorf("node identity: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		config:          config,
		transport:       transport,
		identity:        identity,
		paths:           NewPathTable(config.PathExpiry),
		filter:          newPacketFilter(config.PacketFilterTTL),
		neighbours:      make(map[string]net.Addr),
		destinations:    make(map[crypto.Address]*Destination),
		links:           make(map[linkKey]*Link),
		transit:         make(map[LinkID]*transitEntry),
		pendingRequests: make(map[crypto.Address]map[string]net.Addr),
		pendingExpiry:   make(map[crypto.Address]time.Time),
		loopSignal:      make(chan struct{}, 1),
		ctx:             ctx,
		cancel:          cancel,
	}

	for _, peer := range config.Peers {
		addr, err := net.ResolveUDPAddr("udp", peer)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("resolve peer %q: %w", peer, err)
		}
		n.neighbours[addr.String()] = addr
	}

	n.registerHandlers()

	n.wg.Add(2)
	go n.maintenanceLoop()
	go n.loopbackLoop()

	logrus.WithFields(logrus.Fields{
		"function":   "NewNodeWithTransport",
		"local_addr": transport.LocalAddr().String(),
		"peers":      len(config.Peers),
	}).Info("Mesh node started")

	return n, nil
}

// registerHandlers wires packet types to node handlers.
func (n *Node) registerHandlers() {
	n.transport.RegisterHandler(PacketAnnounce, n.handleAnnounce)
	n.transport.RegisterHandler(PacketPathRequest, n.handlePathRequest)
	n.transport.RegisterHandler(PacketLinkRequest, n.handleLinkRequest)
	for t := PacketLinkProof; t <= PacketLinkKeepalive; t++ {
		n.transport.RegisterHandler(t, n.handleLinkPacket)
	}
}

// now returns the current time.
func (n *Node) now() time.Time {
	return time.Now()
}

// LocalAddr returns the address of the node's packet interface.
func (n *Node) LocalAddr() net.Addr {
	return n.transport.LocalAddr()
}

// AddNeighbour adds a neighbour address announces and requests flood to.
func (n *Node) AddNeighbour(addr net.Addr) {
	if addr == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.neighbours) < maxNeighbours {
		n.neighbours[addr.String()] = addr
	}
}

// learnNeighbour records the sender of a valid packet as a neighbour.
func (n *Node) learnNeighbour(addr net.Addr) {
	if addr == nil {
		return
	}
	n.mu.RLock()
	_, known := n.neighbours[addr.String()]
	n.mu.RUnlock()
	if !known {
		n.AddNeighbour(addr)
	}
}

// neighbourList returns neighbours except the one given.
func (n *Node) neighbourList(except net.Addr) []net.Addr {
	n.mu.RLock()
	defer n.mu.RUnlock()

	list := make([]net.Addr, 0, len(n.neighbours))
	for key, addr := range n.neighbours {
		if except != nil && key == except.String() {
			continue
		}
		list = append(list, addr)
	}
	return list
}

// flood sends a packet to every neighbour except one.
func (n *Node) flood(packet *Packet, except net.Addr) {
	for _, addr := range n.neighbourList(except) {
		n.sendTo(packet, addr)
	}
}

// sendTo sends a packet to a neighbour, or through the loopback queue
// when addr is nil.
func (n *Node) sendTo(packet *Packet, addr net.Addr) {
	if addr == nil {
		n.enqueueLoopback(packet)
		return
	}
	if err := n.transport.Send(packet, addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "sendTo",
			"packet_type": packet.PacketType.String(),
			"to":          addr.String(),
			"error":       err.Error(),
		}).Debug("Packet send failed")
	}
}

// sendLinkPacket sends a packet along a link's next hop.
func (n *Node) sendLinkPacket(l *Link, packet *Packet) {
	n.sendTo(packet, l.nextHop)
}

// RegisterDestination creates an inbound destination named app.aspects...
// owned by identity.
func (n *Node) RegisterDestination(identity *crypto.Identity, app string, aspects ...string) (*Destination, error) {
	d := newDestination(n, identity, app, aspects...)

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, ErrNodeClosed
	}
	if _, exists := n.destinations[d.address]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDestinationExists, d.address.Pretty())
	}
	n.destinations[d.address] = d

	logrus.WithFields(logrus.Fields{
		"function":    "RegisterDestination",
		"destination": d.address.String(),
		"name":        d.Name(),
	}).Info("Destination registered")

	return d, nil
}

// localDestination returns a destination registered on this node.
func (n *Node) localDestination(addr crypto.Address) (*Destination, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	d, ok := n.destinations[addr]
	return d, ok
}

// Announce broadcasts a signed announce for a local destination.
func (n *Node) Announce(d *Destination, appData []byte) error {
	packet, err := buildAnnounce(d.identity, d.nameHash, appData, n.now())
	if err != nil {
		return err
	}
	n.filter.Seen(packet.Hash(), n.now())
	n.flood(packet, nil)

	logrus.WithFields(logrus.Fields{
		"function":    "Announce",
		"destination": d.address.String(),
		"neighbours":  len(n.neighbourList(nil)),
	}).Info("Announced destination")
	return nil
}

// ResolveIdentity returns the identity behind a destination address, if
// it has been learnt from an announce or is registered locally.
func (n *Node) ResolveIdentity(addr crypto.Address) (*crypto.PublicIdentity, bool) {
	if d, ok := n.localDestination(addr); ok {
		return d.identity.Public(), true
	}
	id, ok := n.paths.Identity(addr)
	if !ok {
		return nil, false
	}
	return &id, true
}

// HasPath reports whether the node can currently route to addr.
func (n *Node) HasPath(addr crypto.Address) bool {
	if _, ok := n.localDestination(addr); ok {
		return true
	}
	_, _, ok := n.paths.Lookup(addr, n.now())
	return ok
}

// RequestPath floods a path request for addr. Answers arrive as path
// responses and update the path table asynchronously.
func (n *Node) RequestPath(addr crypto.Address) error {
	if _, ok := n.localDestination(addr); ok {
		return nil
	}

	tag := make([]byte, pathRequestTagSize)
	if _, err := rand.Read(tag); err != nil {
		return fmt.Errorf("path request tag: %w", err)
	}

	packet := &Packet{PacketType: PacketPathRequest, Target: addr, Data: tag}
	n.filter.Seen(packet.Hash(), n.now())
	n.flood(packet, nil)

	logrus.WithFields(logrus.Fields{
		"function":    "RequestPath",
		"destination": addr.String(),
	}).Debug("Path requested")
	return nil
}

// OpenLink starts a link to a destination and returns it in the pending
// state. The caller waits for Established or polls Status.
func (n *Node) OpenLink(remote *crypto.PublicIdentity, addr crypto.Address) (*Link, error) {
	if remote == nil {
		return nil, errors.New("remote identity is nil")
	}

	var nextHop net.Addr
	if _, local := n.localDestination(addr); !local {
		hop, _, ok := n.paths.Lookup(addr, n.now())
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoPath, addr.Pretty())
		}
		nextHop = hop
	}

	var id LinkID
	if _, err := rand.Read(id[:]); err != nil {
		return nil, fmt.Errorf("link id: %w", err)
	}

	handshake, err := noise.NewIKHandshake(n.identity.PrivateKey(), remote.EncryptionKey[:], linkPrologue(id, addr), noise.Initiator)
	if err != nil {
		return nil, err
	}
	msg, _, err := handshake.WriteMessage(nil, nil)
	if err != nil {
		return nil, err
	}

	data := make([]byte, 0, len(id)+len(msg))
	data = append(data, id[:]...)
	data = append(data, msg...)
	request := &Packet{
		PacketType: PacketLinkRequest,
		Flags:      FlagFromInitiator,
		Target:     addr,
		Data:       data,
	}

	now := n.now()
	link := newLink(n, id, addr, true, nextHop, now)
	link.handshake = handshake
	link.request = request
	link.lastRequest = now

	if err := n.addLink(link); err != nil {
		link.close("node closed", false)
		return nil, err
	}
	n.sendTo(request, nextHop)

	logrus.WithFields(logrus.Fields{
		"function":    "OpenLink",
		"link_id":     id.String(),
		"destination": addr.String(),
	}).Info("Link requested")

	return link, nil
}

// linkPrologue binds a handshake to its link ID and destination.
func linkPrologue(id LinkID, addr crypto.Address) []byte {
	prologue := make([]byte, 0, len(id)+len(addr))
	prologue = append(prologue, id[:]...)
	return append(prologue, addr[:]...)
}

// addLink registers a local link end.
func (n *Node) addLink(l *Link) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrNodeClosed
	}
	n.links[linkKey{id: l.id, initiator: l.initiator}] = l
	return nil
}

// removeLink forgets a closed link end.
func (n *Node) removeLink(l *Link) {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := linkKey{id: l.id, initiator: l.initiator}
	if n.links[key] == l {
		delete(n.links, key)
	}
}

// lookupLink returns the local link end a packet is addressed to.
func (n *Node) lookupLink(packet *Packet) (*Link, bool) {
	key := linkKey{id: LinkID(packet.Target), initiator: packet.Flags&FlagFromInitiator == 0}
	n.mu.RLock()
	defer n.mu.RUnlock()
	l, ok := n.links[key]
	return l, ok
}

// LinkCount returns the number of local link ends.
func (n *Node) LinkCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.links)
}

// NeighbourCount returns the number of known neighbours.
func (n *Node) NeighbourCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.neighbours)
}

// handleAnnounce validates an announce, learns the path and floods it on.
func (n *Node) handleAnnounce(packet *Packet, from net.Addr) error {
	now := n.now()
	if packet.Hops >= n.config.MaxHops {
		return nil
	}

	pathResponse := packet.Flags&FlagPathResponse != 0
	if !pathResponse && n.filter.Seen(packet.Hash(), now) {
		return nil
	}

	announce, err := parseAnnounce(packet)
	if err != nil {
		return err
	}
	if _, local := n.localDestination(announce.Address); local {
		return nil
	}
	n.learnNeighbour(from)

	stored := *packet
	stored.Flags &^= FlagPathResponse
	updated := n.paths.Update(announce, &stored, from, now)

	logrus.WithFields(logrus.Fields{
		"function":      "handleAnnounce",
		"destination":   announce.Address.String(),
		"hops":          packet.Hops,
		"path_response": pathResponse,
		"updated":       updated,
	}).Debug("Announce received")

	n.answerPendingRequests(announce.Address, packet)
	if !pathResponse {
		n.flood(packet.forwarded(), from)
	}
	return nil
}

// answerPendingRequests forwards an announce to neighbours waiting on a
// path request for its destination.
func (n *Node) answerPendingRequests(addr crypto.Address, packet *Packet) {
	n.mu.Lock()
	waiting := n.pendingRequests[addr]
	delete(n.pendingRequests, addr)
	delete(n.pendingExpiry, addr)
	n.mu.Unlock()

	if len(waiting) == 0 {
		return
	}
	response := packet.forwarded()
	response.Flags |= FlagPathResponse
	for _, requester := range waiting {
		n.sendTo(response, requester)
	}
}

// handlePathRequest answers a path request from a local destination or
// the path cache, or floods it on and remembers who asked.
func (n *Node) handlePathRequest(packet *Packet, from net.Addr) error {
	now := n.now()
	if packet.Hops >= n.config.MaxHops || n.filter.Seen(packet.Hash(), now) {
		return nil
	}
	n.learnNeighbour(from)
	addr := crypto.Address(packet.Target)

	if d, ok := n.localDestination(addr); ok {
		response, err := buildAnnounce(d.identity, d.nameHash, nil, now)
		if err != nil {
			return err
		}
		response.Flags |= FlagPathResponse
		n.sendTo(response, from)
		return nil
	}

	if cached, ok := n.paths.cachedAnnounce(addr, now); ok {
		response := cached.forwarded()
		response.Flags |= FlagPathResponse
		n.sendTo(response, from)
		return nil
	}

	if from != nil {
		n.mu.Lock()
		if n.pendingRequests[addr] == nil {
			n.pendingRequests[addr] = make(map[string]net.Addr)
		}
		n.pendingRequests[addr][from.String()] = from
		n.pendingExpiry[addr] = now.Add(pendingRequestExpiry)
		n.mu.Unlock()
	}

	n.flood(packet.forwarded(), from)
	return nil
}

// handleLinkRequest accepts a link for a local destination or forwards
// it towards the destination, recording a transit entry.
func (n *Node) handleLinkRequest(packet *Packet, from net.Addr) error {
	if len(packet.Data) <= len(LinkID{}) {
		return ErrPacketTooShort
	}
	if packet.Hops >= n.config.MaxHops {
		return nil
	}

	var id LinkID
	copy(id[:], packet.Data[:len(id)])
	addr := crypto.Address(packet.Target)

	if d, ok := n.localDestination(addr); ok {
		n.mu.RLock()
		existing, dup := n.links[linkKey{id: id, initiator: false}]
		n.mu.RUnlock()
		if dup {
			existing.resendProof()
			return nil
		}
		return d.acceptLink(id, packet.Data[len(id):], from)
	}

	nextHop, _, ok := n.paths.Lookup(addr, n.now())
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPath, addr.Pretty())
	}
	if from == nil {
		return errors.New("link request loopback without local destination")
	}

	n.mu.Lock()
	entry, exists := n.transit[id]
	if !exists {
		entry = &transitEntry{prev: from, next: nextHop}
		n.transit[id] = entry
	}
	entry.lastSeen = n.now()
	next := entry.next
	n.mu.Unlock()

	n.sendTo(packet.forwarded(), next)
	return nil
}

// handleLinkPacket delivers a link packet to a local link end or forwards
// it along a transit entry.
func (n *Node) handleLinkPacket(packet *Packet, from net.Addr) error {
	if l, ok := n.lookupLink(packet); ok {
		return l.handle(packet)
	}

	id := LinkID(packet.Target)
	n.mu.Lock()
	entry, ok := n.transit[id]
	if ok {
		entry.lastSeen = n.now()
		if packet.PacketType == PacketLinkClose {
			delete(n.transit, id)
		}
	}
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown link %s", id)
	}

	next := entry.prev
	if packet.Flags&FlagFromInitiator != 0 {
		next = entry.next
	}
	n.sendTo(packet.forwarded(), next)
	return nil
}

// enqueueLoopback queues a packet for local delivery.
func (n *Node) enqueueLoopback(packet *Packet) {
	n.loopMu.Lock()
	n.loopQueue = append(n.loopQueue, packet)
	n.loopMu.Unlock()

	select {
	case n.loopSignal <- struct{}{}:
	default:
	}
}

// loopbackLoop delivers packets between link ends on this node in the
// order they were sent.
func (n *Node) loopbackLoop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.loopSignal:
		}

		for {
			n.loopMu.Lock()
			if len(n.loopQueue) == 0 {
				n.loopMu.Unlock()
				break
			}
			packet := n.loopQueue[0]
			n.loopQueue[0] = nil
			n.loopQueue = n.loopQueue[1:]
			n.loopMu.Unlock()

			n.dispatchLoopback(packet)
		}
	}
}

// dispatchLoopback hands a loopback packet to the matching handler.
func (n *Node) dispatchLoopback(packet *Packet) {
	var err error
	switch packet.PacketType {
	case PacketLinkRequest:
		err = n.handleLinkRequest(packet, nil)
	case PacketAnnounce:
		err = n.handleAnnounce(packet, nil)
	default:
		if packet.PacketType.isLinkPacket() {
			err = n.handleLinkPacket(packet, nil)
		}
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "dispatchLoopback",
			"packet_type": packet.PacketType.String(),
			"error":       err.Error(),
		}).Debug("Loopback packet rejected")
	}
}

// maintenanceLoop drives link timers and expires stale state.
func (n *Node) maintenanceLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.config.MaintenanceInterval)
	defer ticker.Stop()

	lastHousekeeping := n.now()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			now := n.now()
			for _, l := range n.linkList() {
				l.tick(now)
			}
			if now.Sub(lastHousekeeping) >= housekeepingInterval {
				lastHousekeeping = now
				n.performHousekeeping(now)
			}
		}
	}
}

// linkList snapshots the local link ends.
func (n *Node) linkList() []*Link {
	n.mu.RLock()
	defer n.mu.RUnlock()
	list := make([]*Link, 0, len(n.links))
	for _, l := range n.links {
		list = append(list, l)
	}
	return list
}

// performHousekeeping expires paths, filter entries, idle transit entries
// and unanswered path requests.
func (n *Node) performHousekeeping(now time.Time) {
	expiredPaths := n.paths.Expire(now)
	n.filter.Expire(now)

	n.mu.Lock()
	expiredTransit := 0
	for id, entry := range n.transit {
		if now.Sub(entry.lastSeen) > n.config.StaleTimeout {
			delete(n.transit, id)
			expiredTransit++
		}
	}
	for addr, expires := range n.pendingExpiry {
		if now.After(expires) {
			delete(n.pendingExpiry, addr)
			delete(n.pendingRequests, addr)
		}
	}
	n.mu.Unlock()

	if expiredPaths > 0 || expiredTransit > 0 {
		logrus.WithFields(logrus.Fields{
			"function":        "performHousekeeping",
			"expired_paths":   expiredPaths,
			"expired_transit": expiredTransit,
		}).Debug("Expired mesh state")
	}
}

// Close tears down every link and shuts the node down.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	for _, l := range n.linkList() {
		l.shutdown("node closed")
	}

	n.cancel()
	err := n.transport.Close()
	n.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "Node.Close",
	}).Info("Mesh node stopped")
	return err
}
