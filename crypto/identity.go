package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opd-ai/meshbridge/codec"
	"github.com/sirupsen/logrus"
)

// identityFileVersion is the current on-disk identity format.
const identityFileVersion = 1

// ErrIdentityFile indicates an identity file that exists but cannot be used.
var ErrIdentityFile = errors.New("invalid identity file")

// Identity holds the private key material of a destination: a Curve25519
// key pair for Noise handshakes and an Ed25519 seed for announce signatures.
type Identity struct {
	encryption  *KeyPair
	signingSeed [32]byte
	public      PublicIdentity
}

// PublicIdentity is the public half of an Identity, as learnt from announces.
type PublicIdentity struct {
	EncryptionKey [32]byte
	SigningKey    [32]byte
}

// identityFile is the CBOR document written by Save.
type identityFile struct {
	Version       int    `cbor:"1,keyasint"`
	EncryptionKey []byte `cbor:"2,keyasint"`
	SigningSeed   []byte `cbor:"3,keyasint"`
}

// NewIdentity generates a fresh random identity.
func NewIdentity() (*Identity, error) {
	keyPair, err := GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate encryption key: %w", err)
	}

	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}

	return newIdentity(keyPair, seed), nil
}

func newIdentity(keyPair *KeyPair, seed [32]byte) *Identity {
	return &Identity{
		encryption:  keyPair,
		signingSeed: seed,
		public: PublicIdentity{
			EncryptionKey: keyPair.Public,
			SigningKey:    signingPublicKey(seed),
		},
	}
}

// Public returns the public half of the identity.
func (id *Identity) Public() *PublicIdentity {
	pub := id.public
	return &pub
}

// PrivateKey returns a copy of the Curve25519 private key.
func (id *Identity) PrivateKey() []byte {
	key := make([]byte, 32)
	copy(key, id.encryption.Private[:])
	return key
}

// Sign signs message with the identity's Ed25519 key.
func (id *Identity) Sign(message []byte) (Signature, error) {
	return Sign(message, id.signingSeed)
}

// Hash returns the identity hash, which names the identity itself.
func (p *PublicIdentity) Hash() Hash {
	return keyedHash(identityDomainKey, p.EncryptionKey[:], p.SigningKey[:])
}

// Address derives the destination address for app and aspects owned by
// this identity.
func (p *PublicIdentity) Address(app string, aspects ...string) Address {
	return DestinationAddress(NameHash(app, aspects...), p.Hash())
}

// Verify checks an Ed25519 signature made by this identity.
func (p *PublicIdentity) Verify(message []byte, signature Signature) bool {
	ok, err := Verify(message, signature, p.SigningKey)
	return err == nil && ok
}

// Save writes the identity to path with owner-only permissions.
func (id *Identity) Save(path string) error {
	doc := identityFile{
		Version:       identityFileVersion,
		EncryptionKey: id.encryption.Private[:],
		SigningSeed:   id.signingSeed[:],
	}

	data, err := codec.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create identity directory: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write identity: %w", err)
	}

	return nil
}

// LoadIdentity reads an identity previously written by Save.
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc identityFile
	if err := codec.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIdentityFile, err)
	}

	if doc.Version != identityFileVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrIdentityFile, doc.Version)
	}
	if len(doc.EncryptionKey) != 32 || len(doc.SigningSeed) != 32 {
		return nil, fmt.Errorf("%w: bad key length", ErrIdentityFile)
	}

	var secret, seed [32]byte
	copy(secret[:], doc.EncryptionKey)
	copy(seed[:], doc.SigningSeed)
	ZeroBytes(doc.EncryptionKey)
	ZeroBytes(doc.SigningSeed)

	keyPair, err := FromSecretKey(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIdentityFile, err)
	}

	return newIdentity(keyPair, seed), nil
}

// LoadOrCreateIdentity loads the identity at path, or generates a new one
// and saves it there. The boolean reports whether a new identity was made.
// A failure to save is logged and not returned: the identity still works,
// it just will not survive a restart.
func LoadOrCreateIdentity(path string) (*Identity, bool, error) {
	id, err := LoadIdentity(path)
	if err == nil {
		logrus.WithFields(logrus.Fields{
			"function": "LoadOrCreateIdentity",
			"path":     path,
		}).Info("Loaded existing identity")
		return id, false, nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "LoadOrCreateIdentity",
		"path":     path,
		"error":    err.Error(),
	}).Warn("Could not load identity, creating a new one")

	id, err = NewIdentity()
	if err != nil {
		return nil, false, err
	}

	if err := id.Save(path); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "LoadOrCreateIdentity",
			"path":     path,
			"error":    err.Error(),
		}).Error("Failed to save identity; it will not persist across restarts")
	} else {
		logrus.WithFields(logrus.Fields{
			"function": "LoadOrCreateIdentity",
			"path":     path,
		}).Info("Saved new identity")
	}

	return id, true, nil
}
