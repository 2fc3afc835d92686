package noise

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/flynn/noise"
	"github.com/opd-ai/meshbridge/crypto"
)

var (
	// ErrHandshakeNotComplete indicates handshake is still in progress
	ErrHandshakeNotComplete = errors.New("handshake not complete")
	// ErrHandshakeComplete indicates handshake is already complete
	ErrHandshakeComplete = errors.New("handshake already complete")
)

// HandshakeRole defines whether we're initiating or responding to handshake
type HandshakeRole uint8

const (
	// Initiator starts the handshake (knows peer's static key)
	Initiator HandshakeRole = iota
	// Responder responds to handshake initiation
	Responder
)

// cipherSuite is shared by every link.
var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

// IKHandshake implements the Noise IK pattern for link establishment.
type IKHandshake struct {
	role       HandshakeRole
	state      *noise.HandshakeState
	sendCipher *noise.CipherState
	recvCipher *noise.CipherState
	complete   bool
}

// NewIKHandshake creates a new IK pattern handshake.
// staticPrivKey is our long-term private key (32 bytes).
// peerPubKey is peer's long-term public key (32 bytes, nil for responder).
// prologue binds the handshake to its context (link ID and destination);
// both sides must pass the same bytes or the handshake fails.
func NewIKHandshake(staticPrivKey, peerPubKey, prologue []byte, role HandshakeRole) (*IKHandshake, error) {
	if len(staticPrivKey) != 32 {
		return nil, fmt.Errorf("static private key must be 32 bytes, got %d", len(staticPrivKey))
	}

	if role == Initiator && len(peerPubKey) != 32 {
		return nil, fmt.Errorf("initiator requires peer public key (32 bytes), got %d", len(peerPubKey))
	}

	var privateKeyArray [32]byte
	copy(privateKeyArray[:], staticPrivKey)

	keyPair, err := crypto.FromSecretKey(privateKeyArray)
	crypto.ZeroBytes(privateKeyArray[:])
	if err != nil {
		return nil, fmt.Errorf("failed to derive keypair: %w", err)
	}

	staticKey := noise.DHKey{
		Private: make([]byte, 32),
		Public:  make([]byte, 32),
	}
	copy(staticKey.Private, keyPair.Private[:])
	copy(staticKey.Public, keyPair.Public[:])
	crypto.WipeKeyPair(keyPair)

	config := noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     role == Initiator,
		Prologue:      prologue,
		StaticKeypair: staticKey,
	}

	if role == Initiator {
		config.PeerStatic = make([]byte, 32)
		copy(config.PeerStatic, peerPubKey)
	}

	state, err := noise.NewHandshakeState(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	return &IKHandshake{role: role, state: state}, nil
}

// WriteMessage processes the next handshake message.
// For initiator: creates the initial handshake message.
// For responder: processes received message and creates response.
// Returns the message to send to peer, completion status, and any error.
func (ik *IKHandshake) WriteMessage(payload, receivedMessage []byte) ([]byte, bool, error) {
	if ik.complete {
		return nil, false, ErrHandshakeComplete
	}

	if ik.role == Initiator {
		return ik.processInitiatorMessage(payload)
	}
	return ik.processResponderMessage(payload, receivedMessage)
}

// processInitiatorMessage writes the first message (-> e, es, s, ss).
func (ik *IKHandshake) processInitiatorMessage(payload []byte) ([]byte, bool, error) {
	message, _, _, err := ik.state.WriteMessage(nil, payload)
	if err != nil {
		return nil, false, fmt.Errorf("initiator write failed: %w", err)
	}

	return message, false, nil
}

// processResponderMessage reads the initiator's message and writes the
// response (<- e, ee, se), completing the handshake on the responder side.
func (ik *IKHandshake) processResponderMessage(payload, receivedMessage []byte) ([]byte, bool, error) {
	if receivedMessage == nil {
		return nil, false, fmt.Errorf("responder requires received message")
	}

	if _, _, _, err := ik.state.ReadMessage(nil, receivedMessage); err != nil {
		return nil, false, fmt.Errorf("responder read failed: %w", err)
	}

	message, cs1, cs2, err := ik.state.WriteMessage(nil, payload)
	if err != nil {
		return nil, false, fmt.Errorf("responder write failed: %w", err)
	}

	// cs1 encrypts initiator->responder traffic, cs2 the reverse.
	ik.recvCipher = cs1
	ik.sendCipher = cs2
	ik.complete = true

	return message, true, nil
}

// ReadMessage processes the responder's reply. Only the initiator calls it.
// Returns the decrypted payload and completion status.
func (ik *IKHandshake) ReadMessage(message []byte) ([]byte, bool, error) {
	if ik.complete {
		return nil, false, ErrHandshakeComplete
	}

	if ik.role != Initiator {
		return nil, false, fmt.Errorf("only initiator can read response messages")
	}

	payload, cs1, cs2, err := ik.state.ReadMessage(nil, message)
	if err != nil {
		return nil, false, fmt.Errorf("initiator read response failed: %w", err)
	}

	ik.sendCipher = cs1
	ik.recvCipher = cs2
	ik.complete = true
	return payload, true, nil
}

// IsComplete returns true if handshake is finished and cipher states are available.
func (ik *IKHandshake) IsComplete() bool {
	return ik.complete
}

// GetCipherStates returns the send and receive cipher states after successful handshake.
func (ik *IKHandshake) GetCipherStates() (*noise.CipherState, *noise.CipherState, error) {
	if !ik.complete {
		return nil, nil, ErrHandshakeNotComplete
	}

	if ik.sendCipher == nil || ik.recvCipher == nil {
		return nil, nil, fmt.Errorf("cipher states not available")
	}

	return ik.sendCipher, ik.recvCipher, nil
}

// GetRemoteStaticKey returns the peer's static public key after a
// successful handshake.
func (ik *IKHandshake) GetRemoteStaticKey() ([]byte, error) {
	if !ik.complete {
		return nil, ErrHandshakeNotComplete
	}

	remoteKey := ik.state.PeerStatic()
	if len(remoteKey) == 0 {
		return nil, fmt.Errorf("remote static key not available")
	}

	key := make([]byte, len(remoteKey))
	copy(key, remoteKey)
	return key, nil
}
