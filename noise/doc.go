// Package noise provides the Noise Protocol Framework handshake used to
// establish mesh links.
//
// Links use the IK pattern with Curve25519, ChaCha20-Poly1305 and BLAKE2s.
// The initiator learns the destination's static key from its announce, so
// the handshake takes a single round trip:
//
//	-> e, es, s, ss   (carried in a LinkRequest packet)
//	<- e, ee, se      (carried in a LinkProof packet)
//
// The link ID and destination address are passed as the Noise prologue so a
// handshake cannot be replayed onto a different link.
//
// Example:
//
//	initiator, _ := noise.NewIKHandshake(myPriv, destPub, prologue, noise.Initiator)
//	request, _, _ := initiator.WriteMessage(nil, nil)
//	// ... send request, receive proof ...
//	_, _, err := initiator.ReadMessage(proof)
//	send, recv, _ := initiator.GetCipherStates()
package noise
