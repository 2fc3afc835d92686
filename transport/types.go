package transport

import (
	"net"
)

// PacketHandler processes one inbound packet from a neighbour. Handlers
// run on the transport's receive goroutine.
type PacketHandler func(packet *Packet, addr net.Addr) error

// Transport is one mesh interface: the socket a Node floods announces on
// and exchanges link packets through.
type Transport interface {
	Send(packet *Packet, addr net.Addr) error
	Close() error
	LocalAddr() net.Addr
	// RegisterHandler routes packets of one type to handler, replacing
	// any previous handler for that type.
	RegisterHandler(packetType PacketType, handler PacketHandler)
}

var _ Transport = (*UDPTransport)(nil)
