package transport

import (
	"errors"
	"fmt"

	"github.com/opd-ai/meshbridge/crypto"
)

// PacketType identifies the type of a mesh packet.
type PacketType byte

const (
	// Discovery packet types
	PacketAnnounce PacketType = iota + 1
	PacketPathRequest

	// Link packet types
	PacketLinkRequest
	PacketLinkProof
	PacketLinkData
	PacketLinkAck
	PacketLinkClose
	PacketLinkKeepalive
)

// String returns a readable packet type name for logging.
func (t PacketType) String() string {
	switch t {
	case PacketAnnounce:
		return "announce"
	case PacketPathRequest:
		return "path_request"
	case PacketLinkRequest:
		return "link_request"
	case PacketLinkProof:
		return "link_proof"
	case PacketLinkData:
		return "link_data"
	case PacketLinkAck:
		return "link_ack"
	case PacketLinkClose:
		return "link_close"
	case PacketLinkKeepalive:
		return "link_keepalive"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// isLinkPacket reports whether packets of this type are routed by link ID.
func (t PacketType) isLinkPacket() bool {
	return t >= PacketLinkProof && t <= PacketLinkKeepalive
}

// Packet flags.
const (
	// FlagFromInitiator marks link packets travelling from the link
	// initiator towards the destination.
	FlagFromInitiator byte = 1 << 0
	// FlagPathResponse marks an announce sent in answer to a path request.
	// Path responses travel back along the request's reverse path and are
	// not flooded.
	FlagPathResponse byte = 1 << 1
)

const (
	// HeaderSize is the fixed packet header: type, flags, hops, target.
	HeaderSize = 3 + crypto.AddressSize
	// MaxPacketSize bounds a serialized packet so it fits a typical path MTU.
	MaxPacketSize = 1400
	// MaxPayloadSize is the largest Data a packet can carry.
	MaxPayloadSize = MaxPacketSize - HeaderSize
)

var (
	// ErrPacketTooShort indicates a packet shorter than its header
	ErrPacketTooShort = errors.New("packet too short")
	// ErrPacketTooLarge indicates a packet exceeding MaxPacketSize
	ErrPacketTooLarge = errors.New("packet too large")
)

// Packet represents a mesh protocol packet.
//
// Target is the destination address for announces, path requests and link
// requests, and the link ID for every other link packet.
type Packet struct {
	PacketType PacketType
	Flags      byte
	Hops       uint8
	Target     [crypto.AddressSize]byte
	Data       []byte
}

// Serialize converts a packet to a byte slice for transmission.
// Format: [type:1][flags:1][hops:1][target:16][data:N]
func (p *Packet) Serialize() ([]byte, error) {
	if p.Data == nil {
		return nil, errors.New("packet data is nil")
	}
	if len(p.Data) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, HeaderSize+len(p.Data))
	}

	result := make([]byte, HeaderSize+len(p.Data))
	result[0] = byte(p.PacketType)
	result[1] = p.Flags
	result[2] = p.Hops
	copy(result[3:HeaderSize], p.Target[:])
	copy(result[HeaderSize:], p.Data)

	return result, nil
}

// ParsePacket converts a byte slice to a Packet structure.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, ErrPacketTooShort
	}
	if len(data) > MaxPacketSize {
		return nil, ErrPacketTooLarge
	}

	packet := &Packet{
		PacketType: PacketType(data[0]),
		Flags:      data[1],
		Hops:       data[2],
		Data:       make([]byte, len(data)-HeaderSize),
	}
	copy(packet.Target[:], data[3:HeaderSize])
	copy(packet.Data, data[HeaderSize:])

	return packet, nil
}

// Hash identifies a packet for duplicate suppression. The hop count is
// excluded so the same packet arriving over different paths hashes equal.
func (p *Packet) Hash() crypto.Hash {
	buf := make([]byte, 0, 2+len(p.Target)+len(p.Data))
	buf = append(buf, byte(p.PacketType), p.Flags)
	buf = append(buf, p.Target[:]...)
	buf = append(buf, p.Data...)
	return crypto.HashPacket(buf)
}

// forwarded returns a copy of the packet with the hop count incremented.
func (p *Packet) forwarded() *Packet {
	next := *p
	next.Hops = p.Hops + 1
	return &next
}
