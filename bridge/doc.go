// Package bridge carries ordinary TCP streams and UDP datagrams across the
// mesh transport.
//
// A ClientBridge listens on a local socket and forwards every accepted TCP
// connection, or all UDP datagrams, to one remote mesh destination. A
// ServerBridge owns a mesh destination and connects every inbound circuit
// to a fixed local target service. Both keep a connection table guarded by
// one mutex, refresh each record's activity timestamp on every transfer,
// and run an IdleReaper that evicts sessions idle past the configured
// timeout.
//
// The mesh is consumed through the Mesh, Circuit and Endpoint interfaces;
// NewNodeMesh and NewNodeEndpoint adapt a transport.Node to them.
package bridge
