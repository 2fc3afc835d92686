package bridge

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/opd-ai/meshbridge/crypto"
	"github.com/opd-ai/meshbridge/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUDPNode(t *testing.T) *transport.Node {
	t.Helper()
	cfg := transport.DefaultNodeConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.MaintenanceInterval = 20 * time.Millisecond
	node, err := transport.NewNode(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { node.Close() })
	return node
}

func TestBridgesOverUDPMesh(t *testing.T) {
	serverNode := newUDPNode(t)
	clientNode := newUDPNode(t)
	serverNode.AddNeighbour(clientNode.LocalAddr())
	clientNode.AddNeighbour(serverNode.LocalAddr())

	id, err := crypto.NewIdentity()
	require.NoError(t, err)
	dest, err := serverNode.RegisterDestination(id, AppName, DefaultServiceName)
	require.NoError(t, err)

	port, _ := tcpEchoServer(t)
	server, err := NewServerBridge(testServerConfig(port, ProtocolTCP), NewNodeEndpoint(dest), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serverDone := make(chan struct{})
	go func() {
		_ = server.Serve(ctx)
		close(serverDone)
	}()

	cfg := DefaultClientConfig()
	cfg.Destination = dest.Address().String()
	cfg.ReadTimeout = 50 * time.Millisecond
	client, err := NewClientBridge(cfg, NewNodeMesh(clientNode), nil)
	require.NoError(t, err)
	clientDone := make(chan struct{})
	go func() {
		_ = client.Serve(ctx)
		close(clientDone)
	}()

	conn, err := net.Dial("tcp", client.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	payload := make([]byte, 3*recvBufferSize+123)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	_, err = conn.Write(payload)
	require.NoError(t, err)

	got := make([]byte, len(payload))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(15*time.Second)))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	require.Eventually(t, func() bool { return server.core.table.len() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, client.core.table.len())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return server.core.table.len() == 0 && client.core.table.len() == 0
	}, 5*time.Second, 10*time.Millisecond, "local close propagates across the mesh")

	cancel()
	for _, done := range []chan struct{}{serverDone, clientDone} {
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("bridge did not stop")
		}
	}
	require.Eventually(t, func() bool { return serverNode.LinkCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}
