package transport

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/opd-ai/meshbridge/crypto"
	meshnoise "github.com/opd-ai/meshbridge/noise"
	"github.com/sirupsen/logrus"
	"github.com/xtaci/kcp-go/v5"
)

var (
	// ErrLinkClosed indicates the link has been torn down
	ErrLinkClosed = errors.New("link closed")
	// ErrLinkNotActive indicates the link handshake has not completed
	ErrLinkNotActive = errors.New("link not active")
	// ErrSendTimeout indicates the send window stayed full for too long
	ErrSendTimeout = errors.New("link send window timeout")
	// ErrMessageTooLarge indicates a message above MaxMessageSize
	ErrMessageTooLarge = errors.New("message too large")
)

const (
	nonceSize = 8
	tagSize   = 16

	// linkMTU is the largest KCP output buffer that fits one sealed packet.
	linkMTU = MaxPayloadSize - nonceSize - tagSize

	// LinkMDU is the largest message fragment carried by one data packet.
	LinkMDU = linkMTU - kcp.IKCP_OVERHEAD
	// MaxMessageSize bounds a single message. KCP carries a message in at
	// most 127 fragments.
	MaxMessageSize = 127 * LinkMDU

	// controlNonceBit separates the nonce space of keepalives and close
	// packets from the KCP segment space.
	controlNonceBit uint64 = 1 << 63

	// receiveWindow is the KCP receive window in segments. It must hold
	// every fragment of the largest message.
	receiveWindow = 256
	// maxQueuedBytes bounds data waiting for the OnData callback. Beyond
	// it segments stay in KCP and the advertised window closes.
	maxQueuedBytes = 4 << 20
	// heldDataTimeout bounds how long messages received before a close
	// wait for an OnData callback.
	heldDataTimeout = 30 * time.Second
)

// LinkID identifies a link on every node it crosses.
type LinkID [crypto.AddressSize]byte

// String returns the link ID as hex.
func (id LinkID) String() string {
	return hex.EncodeToString(id[:])
}

// conv is the KCP conversation number both ends derive from the link ID.
func (id LinkID) conv() uint32 {
	return binary.BigEndian.Uint32(id[:4])
}

// LinkStatus is the lifecycle state of a link.
type LinkStatus int

const (
	// LinkPending means the handshake has not completed
	LinkPending LinkStatus = iota
	// LinkActive means data can flow
	LinkActive
	// LinkClosed is terminal
	LinkClosed
)

// String returns a readable link status.
func (s LinkStatus) String() string {
	switch s {
	case LinkPending:
		return "pending"
	case LinkActive:
		return "active"
	case LinkClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Link is a reliable, encrypted, ordered channel between a local endpoint
// and a destination. Messages passed to Send arrive at the peer's OnData
// callback whole and in order.
//
// Reliability comes from a KCP engine in message mode. Every KCP output
// buffer is sealed with the Noise cipher state and sent as one link
// packet; inbound packets are opened and fed back to KCP.
type Link struct {
	id          LinkID
	node        *Node
	destination crypto.Address
	initiator   bool
	nextHop     net.Addr // nil when the peer is on the same node
	createdAt   time.Time

	mu            sync.Mutex
	deliverCond   *sync.Cond
	sendMu        sync.Mutex
	status        LinkStatus
	closeReason   string
	handshake     *meshnoise.IKHandshake
	request       *Packet
	proof         *Packet
	lastRequest   time.Time
	sendCipher    noise.Cipher
	recvCipher    noise.Cipher
	remoteKey     []byte
	kcp           *kcp.KCP
	outgoing      []*Packet
	segmentSeq    uint64
	controlSeq    uint64
	draining      bool
	drainDeadline time.Time
	lastInbound   time.Time
	lastOutbound  time.Time

	queue          [][]byte
	queueBytes     int
	discardHeld    bool
	heldExpired    bool
	onData         func([]byte)
	onClosed       func()
	closedNotified bool

	established chan struct{}
	windowFree  chan struct{}
	done        chan struct{}
}

// newLink allocates a link in the pending state and starts its delivery
// goroutine.
func newLink(node *Node, id LinkID, destination crypto.Address, initiator bool, nextHop net.Addr, now time.Time) *Link {
	l := &Link{
		id:          id,
		node:        node,
		destination: destination,
		initiator:   initiator,
		nextHop:     nextHop,
		createdAt:   now,
		status:      LinkPending,
		lastInbound: now,
		established: make(chan struct{}),
		windowFree:  make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	l.deliverCond = sync.NewCond(&l.mu)
	go l.deliverLoop()
	return l
}

// ID returns the link identifier.
func (l *Link) ID() LinkID {
	return l.id
}

// Destination returns the address of the destination the link serves.
func (l *Link) Destination() crypto.Address {
	return l.destination
}

// Status returns the current link state.
func (l *Link) Status() LinkStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// RemoteKey returns the peer's static key once the link is active.
func (l *Link) RemoteKey() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remoteKey
}

// Established is closed when the link becomes active.
func (l *Link) Established() <-chan struct{} {
	return l.established
}

// Done is closed when the link is torn down.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// OnData sets the callback receiving inbound messages. Messages that arrive
// before a callback is set are held until one is, including when the peer
// closes the link first.
func (l *Link) OnData(callback func(data []byte)) {
	l.mu.Lock()
	l.onData = callback
	l.deliverCond.Broadcast()
	l.mu.Unlock()
}

// OnClosed sets the callback run once after the link closes and all
// queued data has been delivered.
func (l *Link) OnClosed(callback func()) {
	l.mu.Lock()
	l.onClosed = callback
	notified := l.closedNotified
	l.mu.Unlock()

	if notified && callback != nil {
		go callback()
	}
}

// Send queues one message. Messages larger than LinkMDU are split into
// fragments that the peer reassembles. Send blocks while the send window
// is full.
func (l *Link) Send(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if len(data) > MaxMessageSize {
		return ErrMessageTooLarge
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	if err := l.waitWindow(); err != nil {
		return err
	}

	l.mu.Lock()
	if l.status != LinkActive || l.draining {
		l.mu.Unlock()
		return ErrLinkClosed
	}
	if ret := l.kcp.Send(data); ret < 0 {
		l.mu.Unlock()
		return fmt.Errorf("%w: kcp send returned %d", ErrMessageTooLarge, ret)
	}
	l.kcp.Update()
	outgoing := l.takeOutgoing()
	l.mu.Unlock()

	l.sendAll(outgoing)
	return nil
}

// waitWindow blocks until KCP has room for another message.
func (l *Link) waitWindow() error {
	timer := time.NewTimer(l.node.config.SendTimeout)
	defer timer.Stop()

	for {
		l.mu.Lock()
		switch {
		case l.status == LinkClosed || l.draining:
			l.mu.Unlock()
			return ErrLinkClosed
		case l.status != LinkActive:
			l.mu.Unlock()
			return ErrLinkNotActive
		case l.kcp.WaitSnd() < l.node.config.SendWindow:
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		select {
		case <-l.windowFree:
		case <-l.done:
			return ErrLinkClosed
		case <-timer.C:
			return ErrSendTimeout
		}
	}
}

// Teardown closes the link and tells the peer. Messages already passed to
// Send are delivered first, for at most LinkCloseLinger. It is safe to
// call more than once and from any goroutine.
func (l *Link) Teardown() {
	l.mu.Lock()
	l.discardHeld = true
	l.deliverCond.Broadcast()
	if l.draining {
		l.mu.Unlock()
		return
	}
	if l.status == LinkActive && l.kcp.WaitSnd() > 0 {
		l.draining = true
		l.drainDeadline = l.node.now().Add(l.node.config.LinkCloseLinger)
		l.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "Link.Teardown",
			"link_id":  l.id.String(),
		}).Debug("Draining link before close")
		return
	}
	l.mu.Unlock()

	l.close("teardown", true)
}

// shutdown closes the link at once, dropping unsent and undelivered data.
func (l *Link) shutdown(reason string) {
	l.mu.Lock()
	l.discardHeld = true
	l.mu.Unlock()
	l.close(reason, true)
}

// close moves the link to LinkClosed exactly once.
func (l *Link) close(reason string, notifyPeer bool) {
	l.mu.Lock()
	if l.status == LinkClosed {
		l.mu.Unlock()
		return
	}

	var closePacket *Packet
	if notifyPeer && l.status == LinkActive {
		closePacket = l.sealControl(PacketLinkClose, l.id[:])
	}

	if l.kcp != nil {
		l.receive(false)
		l.kcp = nil
	}
	l.outgoing = nil
	if len(l.queue) > 0 && l.onData == nil && !l.discardHeld {
		time.AfterFunc(heldDataTimeout, l.expireHeld)
	}

	l.status = LinkClosed
	l.closeReason = reason
	close(l.done)
	l.deliverCond.Broadcast()
	l.mu.Unlock()

	if closePacket != nil {
		l.node.sendLinkPacket(l, closePacket)
	}
	l.node.removeLink(l)

	logrus.WithFields(logrus.Fields{
		"function":    "Link.close",
		"link_id":     l.id.String(),
		"destination": l.destination.String(),
		"reason":      reason,
	}).Info("Link closed")
}

// expireHeld gives up on held messages nobody registered a callback for.
func (l *Link) expireHeld() {
	l.mu.Lock()
	l.heldExpired = true
	l.deliverCond.Broadcast()
	l.mu.Unlock()
}

// deliverLoop hands queued messages to the OnData callback in order, then
// runs OnClosed once the link is closed and the queue is drained. After a
// close, queued messages still wait for a callback unless the link was
// torn down locally or heldDataTimeout passed.
func (l *Link) deliverLoop() {
	for {
		l.mu.Lock()
		for !l.canDeliver() && !l.finished() {
			l.deliverCond.Wait()
		}

		if !l.canDeliver() {
			if len(l.queue) > 0 {
				logrus.WithFields(logrus.Fields{
					"function": "deliverLoop",
					"link_id":  l.id.String(),
					"messages": len(l.queue),
				}).Warn("Dropping undelivered link messages")
			}
			l.queue = nil
			l.queueBytes = 0
			l.closedNotified = true
			callback := l.onClosed
			l.mu.Unlock()
			if callback != nil {
				callback()
			}
			return
		}

		message := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.queueBytes -= len(message)
		l.receive(true)
		callback := l.onData
		l.mu.Unlock()

		callback(message)
	}
}

// canDeliver reports whether a message can go to OnData. Caller must hold
// l.mu.
func (l *Link) canDeliver() bool {
	return len(l.queue) > 0 && l.onData != nil
}

// finished reports whether the delivery loop is done. Caller must hold
// l.mu.
func (l *Link) finished() bool {
	return l.status == LinkClosed && (len(l.queue) == 0 || l.discardHeld || l.heldExpired)
}

// receive moves complete messages from KCP to the delivery queue. When
// bounded, it stops at maxQueuedBytes so KCP closes the receive window.
// Caller must hold l.mu.
func (l *Link) receive(bounded bool) {
	for l.kcp != nil && (!bounded || l.queueBytes < maxQueuedBytes) {
		size := l.kcp.PeekSize()
		if size <= 0 {
			return
		}
		message := make([]byte, size)
		n := l.kcp.Recv(message)
		if n < 0 {
			return
		}
		l.queue = append(l.queue, message[:n])
		l.queueBytes += n
		l.deliverCond.Broadcast()
	}
}

// output seals one KCP output buffer into a link packet. KCP calls it
// with l.mu held; packets are sent once the lock is released.
func (l *Link) output(buf []byte, size int) {
	segments := buf[:size]
	packetType := PacketLinkData
	if ackOnly(segments) {
		packetType = PacketLinkAck
	}

	nonce := l.segmentSeq
	l.segmentSeq++
	l.outgoing = append(l.outgoing, l.seal(packetType, nonce, segments))
	l.lastOutbound = l.node.now()
}

// ackOnly reports whether a KCP output buffer holds only ACK segments.
func ackOnly(segments []byte) bool {
	for len(segments) >= kcp.IKCP_OVERHEAD {
		if segments[4] != kcp.IKCP_CMD_ACK {
			return false
		}
		length := int(binary.LittleEndian.Uint32(segments[20:24]))
		if length > len(segments)-kcp.IKCP_OVERHEAD {
			return false
		}
		segments = segments[kcp.IKCP_OVERHEAD+length:]
	}
	return true
}

// takeOutgoing returns and clears packets produced by KCP. Caller must
// hold l.mu.
func (l *Link) takeOutgoing() []*Packet {
	outgoing := l.outgoing
	l.outgoing = nil
	return outgoing
}

// sendAll sends packets along the link's next hop.
func (l *Link) sendAll(packets []*Packet) {
	for _, packet := range packets {
		l.node.sendLinkPacket(l, packet)
	}
}

// seal encrypts plaintext into a link packet using an explicit nonce.
// Caller must hold l.mu.
func (l *Link) seal(packetType PacketType, nonce uint64, plaintext []byte) *Packet {
	header := make([]byte, nonceSize, nonceSize+len(plaintext)+tagSize)
	binary.BigEndian.PutUint64(header, nonce)

	data := l.sendCipher.Encrypt(header, nonce, l.associatedData(packetType), plaintext)

	packet := &Packet{
		PacketType: packetType,
		Target:     l.id,
		Data:       data,
	}
	if l.initiator {
		packet.Flags |= FlagFromInitiator
	}
	return packet
}

// sealControl encrypts a control packet from the control nonce space.
// Caller must hold l.mu.
func (l *Link) sealControl(packetType PacketType, plaintext []byte) *Packet {
	nonce := controlNonceBit | l.controlSeq
	l.controlSeq++
	l.lastOutbound = l.node.now()
	return l.seal(packetType, nonce, plaintext)
}

// open authenticates and decrypts a link packet. Caller must hold l.mu.
func (l *Link) open(packet *Packet) (uint64, []byte, error) {
	if l.recvCipher == nil {
		return 0, nil, ErrLinkNotActive
	}
	if len(packet.Data) < nonceSize+tagSize {
		return 0, nil, ErrPacketTooShort
	}

	nonce := binary.BigEndian.Uint64(packet.Data[:nonceSize])
	isControl := nonce&controlNonceBit != 0
	isSegment := packet.PacketType == PacketLinkData || packet.PacketType == PacketLinkAck
	if isControl == isSegment {
		return 0, nil, fmt.Errorf("nonce space mismatch for %s", packet.PacketType)
	}

	plaintext, err := l.recvCipher.Decrypt(nil, nonce, l.associatedData(packet.PacketType), packet.Data[nonceSize:])
	if err != nil {
		return 0, nil, fmt.Errorf("decrypt %s: %w", packet.PacketType, err)
	}
	return nonce, plaintext, nil
}

// associatedData binds ciphertext to the link and packet type.
func (l *Link) associatedData(packetType PacketType) []byte {
	ad := make([]byte, 0, len(l.id)+1)
	ad = append(ad, l.id[:]...)
	return append(ad, byte(packetType))
}

// activate installs cipher states from a completed handshake and starts
// the KCP engine. Caller must hold l.mu.
func (l *Link) activate(send, recv *noise.CipherState, now time.Time) error {
	remoteKey, err := l.handshake.GetRemoteStaticKey()
	if err != nil {
		return err
	}

	cfg := l.node.config
	engine := kcp.NewKCP(l.id.conv(), l.output)
	engine.SetMtu(linkMTU)
	engine.WndSize(cfg.SendWindow, receiveWindow)
	engine.NoDelay(1, int(cfg.MaintenanceInterval/time.Millisecond), 2, 1)

	l.kcp = engine
	l.sendCipher = send.Cipher()
	l.recvCipher = recv.Cipher()
	l.remoteKey = remoteKey
	l.handshake = nil
	l.status = LinkActive
	l.lastInbound = now
	l.lastOutbound = now
	close(l.established)
	return nil
}

// handleProof completes the initiator side of the handshake.
func (l *Link) handleProof(packet *Packet) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.status != LinkPending || !l.initiator {
		return nil
	}

	if _, _, err := l.handshake.ReadMessage(packet.Data); err != nil {
		return fmt.Errorf("link proof: %w", err)
	}
	send, recv, err := l.handshake.GetCipherStates()
	if err != nil {
		return err
	}
	if err := l.activate(send, recv, l.node.now()); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Link.handleProof",
		"link_id":     l.id.String(),
		"destination": l.destination.String(),
		"rtt":         l.node.now().Sub(l.createdAt).String(),
	}).Info("Link established")
	return nil
}

// handleSegments opens a data or ack packet and feeds its KCP segments to
// the engine, queueing complete messages and acknowledging at once.
func (l *Link) handleSegments(packet *Packet) error {
	l.mu.Lock()
	if l.status != LinkActive {
		l.mu.Unlock()
		return ErrLinkNotActive
	}

	_, plaintext, err := l.open(packet)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	l.lastInbound = l.node.now()

	if ret := l.kcp.Input(plaintext, true, true); ret < 0 {
		l.mu.Unlock()
		return fmt.Errorf("kcp input rejected segment: %d", ret)
	}
	l.receive(true)

	windowOpen := l.kcp.WaitSnd() < l.node.config.SendWindow
	outgoing := l.takeOutgoing()
	l.mu.Unlock()

	if windowOpen {
		select {
		case l.windowFree <- struct{}{}:
		default:
		}
	}
	l.sendAll(outgoing)
	return nil
}

// handleControl processes keepalive and close packets.
func (l *Link) handleControl(packet *Packet) error {
	l.mu.Lock()
	if l.status != LinkActive {
		l.mu.Unlock()
		return ErrLinkNotActive
	}

	if _, _, err := l.open(packet); err != nil {
		l.mu.Unlock()
		return err
	}
	l.lastInbound = l.node.now()
	l.mu.Unlock()

	if packet.PacketType == PacketLinkClose {
		l.close("closed by peer", false)
	}
	return nil
}

// tick runs timers: request retransmission and establishment timeout
// while pending; the KCP clock, draining, keepalives and stale detection
// while active.
func (l *Link) tick(now time.Time) {
	cfg := l.node.config
	var outgoing []*Packet
	closeReason := ""

	l.mu.Lock()
	switch l.status {
	case LinkPending:
		if now.Sub(l.createdAt) >= cfg.LinkEstablishTimeout {
			closeReason = "establishment timeout"
		} else if l.initiator && l.request != nil && now.Sub(l.lastRequest) >= cfg.RequestRetryInterval {
			l.lastRequest = now
			outgoing = append(outgoing, l.request)
		}

	case LinkActive:
		l.kcp.Update()
		outgoing = l.takeOutgoing()

		switch {
		case l.draining && l.kcp.WaitSnd() == 0:
			closeReason = "teardown"
		case l.draining && now.After(l.drainDeadline):
			closeReason = "teardown, undelivered data dropped"
		case now.Sub(l.lastInbound) >= cfg.StaleTimeout:
			closeReason = "stale"
		case now.Sub(l.lastOutbound) >= cfg.KeepaliveInterval:
			outgoing = append(outgoing, l.sealControl(PacketLinkKeepalive, []byte{0xff}))
		}
	}
	l.mu.Unlock()

	l.sendAll(outgoing)
	if closeReason != "" {
		l.close(closeReason, closeReason != "stale")
	}
}

// handle dispatches an inbound packet addressed to this link end.
func (l *Link) handle(packet *Packet) error {
	switch packet.PacketType {
	case PacketLinkProof:
		return l.handleProof(packet)
	case PacketLinkData, PacketLinkAck:
		return l.handleSegments(packet)
	case PacketLinkKeepalive, PacketLinkClose:
		return l.handleControl(packet)
	default:
		return fmt.Errorf("unexpected %s on link", packet.PacketType)
	}
}

// resendProof answers a retransmitted link request on the responder side.
func (l *Link) resendProof() {
	l.mu.Lock()
	proof := l.proof
	open := l.status != LinkClosed
	l.mu.Unlock()

	if open && proof != nil {
		l.node.sendLinkPacket(l, proof)
	}
}
