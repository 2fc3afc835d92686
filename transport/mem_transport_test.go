package transport

import (
	"net"
	"sync"
)

// memAddr is the address of a memTransport.
type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

// memNetwork connects memTransports in one process. A drop function, when
// set, discards matching packets to simulate loss.
type memNetwork struct {
	mu         sync.Mutex
	transports map[memAddr]*memTransport
	drop       func(packet *Packet, from, to memAddr) bool
}

func newMemNetwork() *memNetwork {
	return &memNetwork{transports: make(map[memAddr]*memTransport)}
}

// setDrop installs a loss function.
func (n *memNetwork) setDrop(drop func(packet *Packet, from, to memAddr) bool) {
	n.mu.Lock()
	n.drop = drop
	n.mu.Unlock()
}

type memDelivery struct {
	packet *Packet
	from   memAddr
}

// memTransport is an in-memory Transport. Like UDPTransport it dispatches
// handlers sequentially from one goroutine.
type memTransport struct {
	network   *memNetwork
	addr      memAddr
	mu        sync.RWMutex
	handlers  map[PacketType]PacketHandler
	inbox     chan memDelivery
	done      chan struct{}
	closeOnce sync.Once
}

func (n *memNetwork) newTransport(name string) *memTransport {
	t := &memTransport{
		network:  n,
		addr:     memAddr(name),
		handlers: make(map[PacketType]PacketHandler),
		inbox:    make(chan memDelivery, 4096),
		done:     make(chan struct{}),
	}

	n.mu.Lock()
	n.transports[t.addr] = t
	n.mu.Unlock()

	go t.run()
	return t
}

func (t *memTransport) run() {
	for {
		select {
		case <-t.done:
			return
		case d := <-t.inbox:
			t.mu.RLock()
			handler, ok := t.handlers[d.packet.PacketType]
			t.mu.RUnlock()
			if ok {
				_ = handler(d.packet, d.from)
			}
		}
	}
}

func (t *memTransport) Send(packet *Packet, addr net.Addr) error {
	data, err := packet.Serialize()
	if err != nil {
		return err
	}
	copied, err := ParsePacket(data)
	if err != nil {
		return err
	}

	to := memAddr(addr.String())
	t.network.mu.Lock()
	peer, ok := t.network.transports[to]
	drop := t.network.drop
	t.network.mu.Unlock()

	if !ok || (drop != nil && drop(copied, t.addr, to)) {
		return nil
	}

	select {
	case peer.inbox <- memDelivery{packet: copied, from: t.addr}:
	case <-peer.done:
	default:
	}
	return nil
}

func (t *memTransport) Close() error {
	t.closeOnce.Do(func() {
		t.network.mu.Lock()
		delete(t.network.transports, t.addr)
		t.network.mu.Unlock()
		close(t.done)
	})
	return nil
}

func (t *memTransport) LocalAddr() net.Addr {
	return t.addr
}

func (t *memTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[packetType] = handler
}
