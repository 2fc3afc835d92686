package transport

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/meshbridge/codec"
	"github.com/opd-ai/meshbridge/crypto"
)

var (
	// ErrInvalidAnnounce indicates an announce that failed validation
	ErrInvalidAnnounce = errors.New("invalid announce")
)

// MaxAppDataSize bounds application data attached to an announce.
const MaxAppDataSize = 512

// announcePayload is the CBOR body of an announce packet. The signature
// covers the destination address followed by the encoding of this struct
// with Signature left empty.
type announcePayload struct {
	EncryptionKey []byte `cbor:"1,keyasint"`
	SigningKey    []byte `cbor:"2,keyasint"`
	NameHash      []byte `cbor:"3,keyasint"`
	Random        []byte `cbor:"4,keyasint"`
	Timestamp     int64  `cbor:"5,keyasint"`
	AppData       []byte `cbor:"6,keyasint,omitempty"`
	Signature     []byte `cbor:"7,keyasint,omitempty"`
}

// Announce is a validated announce as seen by a receiving node.
type Announce struct {
	Address   crypto.Address
	Identity  crypto.PublicIdentity
	NameHash  crypto.Hash
	Timestamp time.Time
	AppData   []byte
}

// buildAnnounce creates a signed announce packet for a local destination.
func buildAnnounce(id *crypto.Identity, nameHash crypto.Hash, appData []byte, now time.Time) (*Packet, error) {
	if len(appData) > MaxAppDataSize {
		return nil, fmt.Errorf("app data too large: %d bytes", len(appData))
	}

	pub := id.Public()
	addr := crypto.DestinationAddress(nameHash, pub.Hash())

	random := make([]byte, 10)
	if _, err := rand.Read(random); err != nil {
		return nil, fmt.Errorf("announce random: %w", err)
	}

	payload := announcePayload{
		EncryptionKey: pub.EncryptionKey[:],
		SigningKey:    pub.SigningKey[:],
		NameHash:      nameHash[:],
		Random:        random,
		Timestamp:     now.Unix(),
		AppData:       appData,
	}

	signed, err := announceSignedBytes(addr, payload)
	if err != nil {
		return nil, err
	}
	signature, err := id.Sign(signed)
	if err != nil {
		return nil, fmt.Errorf("sign announce: %w", err)
	}
	payload.Signature = signature[:]

	data, err := codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode announce: %w", err)
	}

	return &Packet{
		PacketType: PacketAnnounce,
		Target:     addr,
		Data:       data,
	}, nil
}

// parseAnnounce validates an announce packet: key lengths, that the
// target address derives from the announced keys and name, and the
// signature.
func parseAnnounce(packet *Packet) (*Announce, error) {
	var payload announcePayload
	if err := codec.Unmarshal(packet.Data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAnnounce, err)
	}

	if len(payload.EncryptionKey) != 32 || len(payload.SigningKey) != 32 || len(payload.NameHash) != 32 {
		return nil, fmt.Errorf("%w: bad key length", ErrInvalidAnnounce)
	}
	if len(payload.Signature) != crypto.SignatureSize {
		return nil, fmt.Errorf("%w: bad signature length", ErrInvalidAnnounce)
	}
	if len(payload.AppData) > MaxAppDataSize {
		return nil, fmt.Errorf("%w: app data too large", ErrInvalidAnnounce)
	}

	announce := &Announce{
		Address:   crypto.Address(packet.Target),
		Timestamp: time.Unix(payload.Timestamp, 0),
		AppData:   payload.AppData,
	}
	copy(announce.Identity.EncryptionKey[:], payload.EncryptionKey)
	copy(announce.Identity.SigningKey[:], payload.SigningKey)
	copy(announce.NameHash[:], payload.NameHash)

	if crypto.DestinationAddress(announce.NameHash, announce.Identity.Hash()) != announce.Address {
		return nil, fmt.Errorf("%w: address does not match announced identity", ErrInvalidAnnounce)
	}

	var signature crypto.Signature
	copy(signature[:], payload.Signature)
	payload.Signature = nil

	signed, err := announceSignedBytes(announce.Address, payload)
	if err != nil {
		return nil, err
	}
	if !announce.Identity.Verify(signed, signature) {
		return nil, fmt.Errorf("%w: bad signature", ErrInvalidAnnounce)
	}

	return announce, nil
}

// announceSignedBytes returns the bytes an announce signature covers.
func announceSignedBytes(addr crypto.Address, payload announcePayload) ([]byte, error) {
	payload.Signature = nil
	body, err := codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode announce: %w", err)
	}
	return append(addr[:], body...), nil
}
