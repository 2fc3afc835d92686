// Package transport implements the mesh transport the bridge daemons run
// on: a packet interface over UDP, flood-and-cache routing learnt from
// signed announces, and reliable encrypted links between endpoints.
//
// # Packets
//
// Every packet is [type:1][flags:1][hops:1][target:16][data]. The target
// is a destination address for announces, path requests and link requests,
// and a link ID for every other link packet.
//
// # Nodes and destinations
//
// A Node owns one Transport and floods announces and path requests to its
// neighbours. Receivers verify an announce's signature and that its
// address derives from the announced keys before learning the path:
//
//	node, err := transport.NewNode(transport.NodeConfig{
//	    ListenAddr: "0.0.0.0:4242",
//	    Peers:      []string{"10.0.0.2:4242"},
//	})
//	dest, err := node.RegisterDestination(identity, "bridge", "ssh")
//	dest.OnLinkEstablished(func(l *transport.Link) { ... })
//	err = dest.Announce(nil)
//
// # Links
//
// OpenLink runs a Noise IK handshake against the destination's announced
// key and returns a pending link. Once active, a KCP engine in message
// mode fragments messages to LinkMDU and retransmits until acknowledged.
// Each KCP output buffer is sealed with ChaCha20-Poly1305 under an
// explicit nonce, so the peer's OnData callback sees every message whole
// and in order. Idle links exchange keepalives and close when the peer
// goes silent. Teardown waits for sent messages to be acknowledged before
// closing.
//
//	link, err := node.OpenLink(remoteIdentity, addr)
//	<-link.Established()
//	link.OnData(func(msg []byte) { ... })
//	err = link.Send([]byte("hello"))
//	link.Teardown()
package transport
