package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/meshbridge/crypto"
	"github.com/sirupsen/logrus"
)

// ClientBridge accepts local TCP connections or UDP datagrams and carries
// them to one remote mesh destination.
type ClientBridge struct {
	config      ClientConfig
	addr        crypto.Address
	protocol    Protocol
	establisher *CircuitEstablisher
	core        *sessionCore
	reaper      *IdleReaper

	listener   net.Listener
	packetConn net.PacketConn
	mux        *DatagramMultiplexer

	ctx       context.Context
	cancel    context.CancelFunc
	nextID    atomic.Uint64
	mu        sync.Mutex
	closing   bool
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewClientBridge binds the local socket and prepares the bridge. The
// destination and protocol must parse; other options are checked by
// ClientConfig.Validate.
func NewClientBridge(config ClientConfig, mesh Mesh, clock TimeProvider) (*ClientBridge, error) {
	addr, err := config.DestinationAddress()
	if err != nil {
		return nil, err
	}
	protocol, err := ParseProtocol(string(config.Protocol))
	if err != nil {
		return nil, err
	}

	core := newSessionCore("client", clock)
	ctx, cancel := context.WithCancel(context.Background())
	b := &ClientBridge{
		ctx:         ctx,
		cancel:      cancel,
		config:      config,
		addr:        addr,
		protocol:    protocol,
		establisher: NewCircuitEstablisher(mesh, config.PathWait, config.ConnectTimeout, core.clock),
		core:        core,
		reaper:      newIdleReaper(core, config.ReapInterval, config.IdleTimeout),
	}

	if err := b.bind(); err != nil {
		cancel()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewClientBridge",
		"protocol":    string(protocol),
		"listen":      b.Addr().String(),
		"destination": addr.Pretty(),
		"timeout":     b.reaper.timeout.String(),
	}).Info("Client bridge initialized")

	return b, nil
}

// bind opens the local listening socket.
func (b *ClientBridge) bind() error {
	listenAddr := b.config.ListenAddr()
	switch b.protocol {
	case ProtocolTCP:
		listener, err := net.Listen("tcp", listenAddr)
		if err != nil {
			return newBridgeError(ConfigError, "listen", listenAddr, err)
		}
		b.listener = listener
	case ProtocolUDP:
		conn, err := net.ListenPacket("udp", listenAddr)
		if err != nil {
			return newBridgeError(ConfigError, "listen", listenAddr, err)
		}
		b.packetConn = conn
		b.mux = NewDatagramMultiplexer(conn, b.addr, b.establisher, b.core.stats, b.core.clock)
	}
	return nil
}

// Addr returns the bound local address.
func (b *ClientBridge) Addr() net.Addr {
	if b.listener != nil {
		return b.listener.Addr()
	}
	return b.packetConn.LocalAddr()
}

// Stats returns the bridge's counters.
func (b *ClientBridge) Stats() *Stats {
	return b.core.stats
}

// Serve runs the bridge until ctx is done or Close is called, then
// closes every session.
func (b *ClientBridge) Serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			b.cancel()
		case <-b.ctx.Done():
		}
	}()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.reaper.Run(b.ctx)
	}()

	var err error
	if b.protocol == ProtocolTCP {
		err = b.acceptLoop(b.ctx)
	} else {
		err = b.mux.Serve(b.ctx)
	}

	b.Close()
	return err
}

// acceptLoop accepts local TCP connections until the listener closes.
func (b *ClientBridge) acceptLoop(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		b.listener.Close()
	}()

	for {
		conn, err := b.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logrus.WithFields(logrus.Fields{
				"function": "acceptLoop",
				"error":    err.Error(),
			}).Error("Error accepting TCP connection")
			time.Sleep(100 * time.Millisecond)
			continue
		}

		b.mu.Lock()
		if b.closing {
			b.mu.Unlock()
			conn.Close()
			return nil
		}
		b.wg.Add(1)
		b.mu.Unlock()

		go func() {
			defer b.wg.Done()
			b.handleConn(ctx, conn)
		}()
	}
}

// handleConn establishes a circuit for one local connection and relays
// until either side closes. Failure to establish closes the connection;
// the local peer has to reconnect.
func (b *ClientBridge) handleConn(ctx context.Context, conn net.Conn) {
	key := fmt.Sprintf("tcp-%d-%s", b.nextID.Add(1), conn.RemoteAddr())

	logrus.WithFields(logrus.Fields{
		"function": "handleConn",
		"session":  key,
		"peer":     conn.RemoteAddr().String(),
	}).Info("New TCP client connected")

	s := newSession(key, streamEnd{conn: conn}, b.core, b.config.ReadTimeout)
	circuit, err := b.establisher.Establish(ctx, b.addr, s.deliver)
	if err != nil {
		b.core.stats.establishFailures.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "handleConn",
			"session":  key,
			"error":    err.Error(),
		}).Error("Failed to establish circuit for client")
		s.finish("establish failed")
		return
	}

	if !s.attach(circuit) {
		return
	}
	if ctx.Err() != nil {
		s.finish("shutdown")
		return
	}
	s.relay()
}

// Close stops accepting and closes every session and the shared UDP
// circuit. It waits for session workers to exit.
func (b *ClientBridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closing = true
		b.mu.Unlock()
		b.cancel()
		if b.listener != nil {
			err = b.listener.Close()
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
		}
		if b.packetConn != nil {
			err = b.packetConn.Close()
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
		}

		closed := b.core.closeAll("shutdown")
		if b.mux != nil {
			b.mux.Close()
		}
		b.wg.Wait()

		logrus.WithFields(logrus.Fields{
			"function": "ClientBridge.Close",
			"closed":   closed,
		}).Info("Client bridge shutdown complete")
	})
	return err
}
