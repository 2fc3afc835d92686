// Package crypto implements the key material and addressing used by meshbridge.
//
// # Core Types
//
//   - [KeyPair]: Curve25519 key pair used as the Noise static key of a destination
//   - [Identity]: a KeyPair plus an Ed25519 signing key, persisted to disk by the
//     server bridge and generated fresh on every run by the client bridge
//   - [PublicIdentity]: the public halves of an Identity, learnt from announces
//   - [Address]: the 16-byte destination hash that names a mesh endpoint
//
// # Addresses
//
// A destination address is derived from an identity and a dotted name
// ("bridge.bridge_service"):
//
//	id, _ := crypto.NewIdentity()
//	addr := id.Public().Address("bridge", "bridge_service")
//	fmt.Println(addr) // 32 hex characters
//
// Addresses given on the command line are parsed with [ParseAddress], which
// rejects anything that is not exactly 32 hex characters.
//
// # Persistence
//
// Identities are stored as a small CBOR document with mode 0600:
//
//	id, created, err := crypto.LoadOrCreateIdentity("./bridge_ident")
//
// # Signatures
//
// Announces are signed with Ed25519 via [Identity.Sign] and checked with
// [Verify].
package crypto
