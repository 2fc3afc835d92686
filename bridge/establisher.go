package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/opd-ai/meshbridge/crypto"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultPathWait is how long to wait after a path request before
	// resolving the destination again.
	DefaultPathWait = 2 * time.Second
	// DefaultConnectTimeout bounds the wait for a circuit to become active.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultPollInterval is how often a pending circuit's status is checked.
	DefaultPollInterval = 100 * time.Millisecond
)

// CircuitEstablisher turns a destination address into an active circuit.
// It requests a path at most once per attempt and never retries beyond
// that single re-resolve.
type CircuitEstablisher struct {
	mesh           Mesh
	pathWait       time.Duration
	connectTimeout time.Duration
	pollInterval   time.Duration
	clock          TimeProvider
}

// NewCircuitEstablisher creates an establisher. Zero durations take the
// defaults.
func NewCircuitEstablisher(mesh Mesh, pathWait, connectTimeout time.Duration, clock TimeProvider) *CircuitEstablisher {
	if pathWait <= 0 {
		pathWait = DefaultPathWait
	}
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	return &CircuitEstablisher{
		mesh:           mesh,
		pathWait:       pathWait,
		connectTimeout: connectTimeout,
		pollInterval:   DefaultPollInterval,
		clock:          getTimeProvider(clock),
	}
}

// Establish resolves addr, opens a circuit and waits until it is active.
// onData is registered on the circuit before Establish returns, so no
// inbound message can be missed. Failures are BridgeErrors of kind
// Unreachable or TransportError wrapping ErrUnreachable.
func (e *CircuitEstablisher) Establish(ctx context.Context, addr crypto.Address, onData func([]byte)) (Circuit, error) {
	identity, err := e.resolve(ctx, addr)
	if err != nil {
		return nil, err
	}

	circuit, err := e.mesh.OpenCircuit(identity, addr)
	if err != nil {
		return nil, newBridgeError(TransportError, "open circuit", addr.String(), errors.Join(ErrUnreachable, err))
	}
	circuit.OnData(onData)

	if err := e.awaitActive(ctx, circuit); err != nil {
		circuit.Teardown()
		return nil, newBridgeError(Unreachable, "establish circuit", addr.String(), err)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Establish",
		"destination": addr.String(),
		"circuit":     circuit.ID(),
	}).Info("Circuit established")

	return circuit, nil
}

// resolve looks addr up, requesting a path and retrying once if needed.
func (e *CircuitEstablisher) resolve(ctx context.Context, addr crypto.Address) (*crypto.PublicIdentity, error) {
	if identity, ok := e.mesh.ResolveIdentity(addr); ok {
		return identity, nil
	}

	logrus.WithFields(logrus.Fields{
		"function":    "resolve",
		"destination": addr.String(),
		"wait":        e.pathWait.String(),
	}).Warn("Destination identity unknown, requesting path")

	if err := e.mesh.RequestPath(addr); err != nil {
		return nil, newBridgeError(TransportError, "request path", addr.String(), errors.Join(ErrUnreachable, err))
	}

	if err := e.sleep(ctx, e.pathWait); err != nil {
		return nil, newBridgeError(Unreachable, "request path", addr.String(), err)
	}

	identity, ok := e.mesh.ResolveIdentity(addr)
	if !ok {
		return nil, newBridgeError(Unreachable, "resolve identity", addr.String(), ErrUnreachable)
	}
	return identity, nil
}

// awaitActive polls the circuit until it is active, closed, or the
// connect timeout passes.
func (e *CircuitEstablisher) awaitActive(ctx context.Context, circuit Circuit) error {
	deadline := e.clock.Now().Add(e.connectTimeout)
	ticker := e.clock.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		switch circuit.Status() {
		case CircuitActive:
			return nil
		case CircuitClosed:
			return errors.Join(ErrUnreachable, ErrCircuitClosed)
		}

		if !e.clock.Now().Before(deadline) {
			return ErrUnreachable
		}

		select {
		case <-ctx.Done():
			return errors.Join(ErrUnreachable, ctx.Err())
		case <-ticker.C:
		}
	}
}

// sleep waits for d or until ctx is done.
func (e *CircuitEstablisher) sleep(ctx context.Context, d time.Duration) error {
	timer := e.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
