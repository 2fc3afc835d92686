package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opd-ai/meshbridge/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEstablisher(mesh Mesh) *CircuitEstablisher {
	e := NewCircuitEstablisher(mesh, 20*time.Millisecond, 300*time.Millisecond, nil)
	e.pollInterval = 5 * time.Millisecond
	return e
}

func TestEstablishKnownDestination(t *testing.T) {
	mesh := newFakeMesh()
	addr := mesh.knownDestination()

	circuit, err := testEstablisher(mesh).Establish(context.Background(), addr, func([]byte) {})
	require.NoError(t, err)
	assert.Equal(t, CircuitActive, circuit.Status())

	fake := circuit.(*fakeCircuit)
	assert.True(t, fake.hasOnData(), "data callback registered before return")

	resolves, requests := mesh.calls()
	assert.Equal(t, 1, resolves)
	assert.Equal(t, 0, requests)
}

func TestEstablishWaitsForPendingCircuit(t *testing.T) {
	mesh := newFakeMesh()
	mesh.activateAfter = 50 * time.Millisecond
	addr := mesh.knownDestination()

	circuit, err := testEstablisher(mesh).Establish(context.Background(), addr, func([]byte) {})
	require.NoError(t, err)
	assert.Equal(t, CircuitActive, circuit.Status())
}

func TestEstablishUnknownDestinationRequestsPathOnce(t *testing.T) {
	mesh := newFakeMesh()
	id, err := crypto.NewIdentity()
	require.NoError(t, err)
	addr := id.Public().Address(AppName, DefaultServiceName)

	start := time.Now()
	_, err = testEstablisher(mesh).Establish(context.Background(), addr, func([]byte) {})
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrUnreachable)
	assert.True(t, IsKind(err, Unreachable))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond, "waited for the path")

	resolves, requests := mesh.calls()
	assert.Equal(t, 2, resolves, "one resolve plus one retry")
	assert.Equal(t, 1, requests, "exactly one path request")
	assert.Empty(t, mesh.openedCircuits())
}

func TestEstablishLearnsIdentityFromPathRequest(t *testing.T) {
	mesh := newFakeMesh()
	id, err := crypto.NewIdentity()
	require.NoError(t, err)
	addr := id.Public().Address(AppName, DefaultServiceName)
	mesh.learnOnRequest[addr] = id.Public()

	circuit, err := testEstablisher(mesh).Establish(context.Background(), addr, func([]byte) {})
	require.NoError(t, err)
	assert.Equal(t, CircuitActive, circuit.Status())

	_, requests := mesh.calls()
	assert.Equal(t, 1, requests)
}

func TestEstablishTimesOutPendingCircuit(t *testing.T) {
	mesh := newFakeMesh()
	mesh.openStatus = CircuitPending
	addr := mesh.knownDestination()

	_, err := testEstablisher(mesh).Establish(context.Background(), addr, func([]byte) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnreachable)

	circuits := mesh.openedCircuits()
	require.Len(t, circuits, 1)
	assert.Equal(t, CircuitClosed, circuits[0].Status(), "timed out circuit is torn down")
}

func TestEstablishOpenFailureIsTransportError(t *testing.T) {
	mesh := newFakeMesh()
	mesh.openErr = errors.New("no path")
	addr := mesh.knownDestination()

	_, err := testEstablisher(mesh).Establish(context.Background(), addr, func([]byte) {})
	require.Error(t, err)
	assert.True(t, IsKind(err, TransportError))
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestEstablishRespectsContext(t *testing.T) {
	mesh := newFakeMesh()
	mesh.openStatus = CircuitPending
	addr := mesh.knownDestination()

	e := NewCircuitEstablisher(mesh, time.Second, time.Minute, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := e.Establish(ctx, addr, func([]byte) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}
