package bridge

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ServerBridge owns one mesh endpoint and connects every inbound circuit
// to a fixed local target.
type ServerBridge struct {
	config   ServerConfig
	endpoint Endpoint
	protocol Protocol
	target   string
	core     *sessionCore
	reaper   *IdleReaper
	dialer   net.Dialer

	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.Mutex
	closing   bool
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewServerBridge prepares a bridge serving endpoint. Inbound circuits are
// accepted once Serve runs.
func NewServerBridge(config ServerConfig, endpoint Endpoint, clock TimeProvider) (*ServerBridge, error) {
	protocol, err := ParseProtocol(string(config.Protocol))
	if err != nil {
		return nil, err
	}
	if err := validatePort("target port", config.TargetPort); err != nil {
		return nil, err
	}

	core := newSessionCore("server", clock)
	ctx, cancel := context.WithCancel(context.Background())
	b := &ServerBridge{
		config:   config,
		endpoint: endpoint,
		protocol: protocol,
		target:   config.TargetAddr(),
		core:     core,
		reaper:   newIdleReaper(core, config.ReapInterval, config.IdleTimeout),
		dialer:   net.Dialer{Timeout: config.DialTimeout},
		ctx:      ctx,
		cancel:   cancel,
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewServerBridge",
		"protocol":    string(protocol),
		"target":      b.target,
		"destination": endpoint.Address().Pretty(),
		"timeout":     b.reaper.timeout.String(),
	}).Info("Server bridge initialized")

	return b, nil
}

// Stats returns the bridge's counters.
func (b *ServerBridge) Stats() *Stats {
	return b.core.stats
}

// Serve accepts inbound circuits, announces the endpoint at start and on
// every announce interval, and reaps idle sessions until ctx is done or
// Close is called.
func (b *ServerBridge) Serve(ctx context.Context) error {
	b.endpoint.OnCircuitEstablished(b.accept)

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		b.reaper.Run(b.ctx)
	}()
	go func() {
		defer b.wg.Done()
		b.announceLoop(b.ctx)
	}()

	select {
	case <-ctx.Done():
	case <-b.ctx.Done():
	}
	return b.Close()
}

// announceLoop announces immediately and then periodically. A failed
// announce is logged and retried at the next tick.
func (b *ServerBridge) announceLoop(ctx context.Context) {
	interval := b.config.AnnounceInterval
	if interval <= 0 {
		interval = DefaultAnnounceInterval
	}

	b.announce()
	ticker := b.core.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.announce()
		}
	}
}

// announce broadcasts the endpoint address once.
func (b *ServerBridge) announce() {
	if err := b.endpoint.Announce(nil); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "announce",
			"destination": b.endpoint.Address().String(),
			"error":       newBridgeError(TransportError, "announce", b.endpoint.Address().String(), err).Error(),
		}).Warn("Announce failed")
		return
	}
	b.core.stats.announces.Add(1)

	logrus.WithFields(logrus.Fields{
		"function":    "announce",
		"destination": b.endpoint.Address().Pretty(),
	}).Info("Announced destination")
}

// accept bridges one inbound circuit to the target. A target that cannot
// be opened tears the circuit down; the remote side has to retry.
func (b *ServerBridge) accept(circuit Circuit) {
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		circuit.Teardown()
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()
	defer b.wg.Done()

	logrus.WithFields(logrus.Fields{
		"function": "accept",
		"circuit":  circuit.ID(),
	}).Info("New inbound circuit")

	local, err := b.openTarget()
	if err != nil {
		b.core.stats.targetFailures.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "accept",
			"circuit":  circuit.ID(),
			"target":   b.target,
			"error":    err.Error(),
		}).Error("Failed to open target, tearing down circuit")
		circuit.Teardown()
		return
	}

	s := newSession(circuit.ID(), local, b.core, b.config.ReadTimeout)
	if !s.attach(circuit) {
		return
	}
	circuit.OnData(s.deliver)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		s.relay()
	}()

	if b.ctx.Err() != nil {
		s.finish("shutdown")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "accept",
		"circuit":  circuit.ID(),
		"target":   local.String(),
	}).Info("Established bridge for circuit")
}

// openTarget connects to the target service. For UDP it opens an
// unconnected socket that writes to the target address.
func (b *ServerBridge) openTarget() (localEnd, error) {
	if b.protocol == ProtocolTCP {
		conn, err := b.dialer.DialContext(b.ctx, "tcp", b.target)
		if err != nil {
			return nil, newBridgeError(LocalIOError, "dial", b.target, err)
		}
		return streamEnd{conn: conn}, nil
	}

	target, err := net.ResolveUDPAddr("udp", b.target)
	if err != nil {
		return nil, newBridgeError(LocalIOError, "resolve", b.target, err)
	}
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, newBridgeError(LocalIOError, "listen", ":0", err)
	}
	return packetEnd{conn: conn, target: target}, nil
}

// Close stops accepting circuits and closes every session.
func (b *ServerBridge) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closing = true
		b.mu.Unlock()
		b.cancel()
		closed := b.core.closeAll("shutdown")

		done := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			logrus.WithFields(logrus.Fields{
				"function": "ServerBridge.Close",
			}).Warn("Timed out waiting for session workers")
		}

		logrus.WithFields(logrus.Fields{
			"function": "ServerBridge.Close",
			"closed":   closed,
		}).Info("Server bridge shutdown complete")
	})
	return nil
}
