package transport

import (
	"bytes"
	"errors"
	"testing"
)

// TestPacketSerialize tests the Packet.Serialize method.
func TestPacketSerialize(t *testing.T) {
	tests := []struct {
		name    string
		packet  *Packet
		wantErr bool
	}{
		{
			name: "valid packet",
			packet: &Packet{
				PacketType: PacketAnnounce,
				Hops:       3,
				Data:       []byte{1, 2, 3, 4},
			},
		},
		{
			name: "empty data",
			packet: &Packet{
				PacketType: PacketLinkKeepalive,
				Data:       []byte{},
			},
		},
		{
			name: "nil data",
			packet: &Packet{
				PacketType: PacketLinkData,
				Data:       nil,
			},
			wantErr: true,
		},
		{
			name: "oversized data",
			packet: &Packet{
				PacketType: PacketLinkData,
				Data:       make([]byte, MaxPayloadSize+1),
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.packet.Serialize()
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}

			if len(result) != HeaderSize+len(tt.packet.Data) {
				t.Errorf("Expected length %d, got %d", HeaderSize+len(tt.packet.Data), len(result))
			}
			if result[0] != byte(tt.packet.PacketType) {
				t.Errorf("Expected packet type %d, got %d", tt.packet.PacketType, result[0])
			}
			if result[2] != tt.packet.Hops {
				t.Errorf("Expected hops %d, got %d", tt.packet.Hops, result[2])
			}
			if !bytes.Equal(result[HeaderSize:], tt.packet.Data) {
				t.Errorf("Data mismatch")
			}
		})
	}
}

// TestParsePacket tests parsing of serialized packets and rejection of
// malformed input.
func TestParsePacket(t *testing.T) {
	original := &Packet{
		PacketType: PacketLinkData,
		Flags:      FlagFromInitiator,
		Hops:       7,
		Data:       []byte("payload"),
	}
	copy(original.Target[:], bytes.Repeat([]byte{0xab}, len(original.Target)))

	data, err := original.Serialize()
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	parsed, err := ParsePacket(data)
	if err != nil {
		t.Fatalf("ParsePacket failed: %v", err)
	}
	if parsed.PacketType != original.PacketType || parsed.Flags != original.Flags || parsed.Hops != original.Hops {
		t.Errorf("Header mismatch: got %+v", parsed)
	}
	if parsed.Target != original.Target {
		t.Errorf("Target mismatch")
	}
	if !bytes.Equal(parsed.Data, original.Data) {
		t.Errorf("Data mismatch")
	}

	// The parsed packet must not alias the input buffer.
	data[HeaderSize] = 'X'
	if parsed.Data[0] != 'p' {
		t.Errorf("Parsed data aliases input buffer")
	}

	if _, err := ParsePacket(make([]byte, HeaderSize-1)); !errors.Is(err, ErrPacketTooShort) {
		t.Errorf("Expected ErrPacketTooShort, got %v", err)
	}
	if _, err := ParsePacket(make([]byte, MaxPacketSize+1)); !errors.Is(err, ErrPacketTooLarge) {
		t.Errorf("Expected ErrPacketTooLarge, got %v", err)
	}
}

// TestPacketHashIgnoresHops verifies that a packet seen over paths of
// different length is recognised as the same packet.
func TestPacketHashIgnoresHops(t *testing.T) {
	p := &Packet{PacketType: PacketAnnounce, Data: []byte{1, 2, 3}}
	forwarded := p.forwarded()

	if forwarded.Hops != 1 {
		t.Errorf("Expected forwarded hops 1, got %d", forwarded.Hops)
	}
	if p.Hops != 0 {
		t.Errorf("forwarded modified the original packet")
	}
	if p.Hash() != forwarded.Hash() {
		t.Errorf("Hash changed with hop count")
	}

	other := &Packet{PacketType: PacketAnnounce, Data: []byte{1, 2, 4}}
	if p.Hash() == other.Hash() {
		t.Errorf("Different packets hash equal")
	}
}

// TestPacketTypeString tests readable packet type names.
func TestPacketTypeString(t *testing.T) {
	if PacketLinkProof.String() != "link_proof" {
		t.Errorf("Unexpected name %q", PacketLinkProof.String())
	}
	if PacketType(200).String() != "unknown(200)" {
		t.Errorf("Unexpected name %q", PacketType(200).String())
	}
	if PacketLinkRequest.isLinkPacket() {
		t.Errorf("Link requests are routed by destination, not link ID")
	}
	if !PacketLinkAck.isLinkPacket() {
		t.Errorf("Link acks are routed by link ID")
	}
}
