package bridge

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/opd-ai/meshbridge/crypto"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// AppName is the app name every bridge destination is registered under.
const AppName = "bridge"

// DefaultServiceName is the default destination aspect.
const DefaultServiceName = "bridge_service"

// DefaultAnnounceInterval is how often a server re-announces.
const DefaultAnnounceInterval = 30 * time.Minute

// Protocol selects how the local side is carried.
type Protocol string

const (
	// ProtocolTCP bridges TCP streams, one circuit per connection
	ProtocolTCP Protocol = "tcp"
	// ProtocolUDP bridges UDP datagrams
	ProtocolUDP Protocol = "udp"
)

// ParseProtocol parses "tcp" or "udp", ignoring case.
func ParseProtocol(s string) (Protocol, error) {
	switch p := Protocol(strings.ToLower(s)); p {
	case ProtocolTCP, ProtocolUDP:
		return p, nil
	default:
		return "", configErrorf("parse protocol", "unsupported protocol %q (want tcp or udp)", s)
	}
}

// MeshConfig configures the mesh node a daemon runs.
type MeshConfig struct {
	Listen string   `yaml:"listen"`
	Peers  []string `yaml:"peers"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Validate checks the level and format names.
func (c LogConfig) Validate() error {
	if _, err := logrus.ParseLevel(c.Level); err != nil {
		return configErrorf("log level", "%v", err)
	}
	if c.Format != "text" && c.Format != "json" {
		return configErrorf("log format", "unsupported log format %q (want text or json)", c.Format)
	}
	return nil
}

// ClientConfig configures a ClientBridge.
type ClientConfig struct {
	ListenHost     string        `yaml:"listen-host"`
	ListenPort     int           `yaml:"listen-port"`
	Destination    string        `yaml:"destination"`
	Protocol       Protocol      `yaml:"protocol"`
	IdleTimeout    time.Duration `yaml:"idle-timeout"`
	ReapInterval   time.Duration `yaml:"reap-interval"`
	PathWait       time.Duration `yaml:"path-wait"`
	ConnectTimeout time.Duration `yaml:"connect-timeout"`
	ReadTimeout    time.Duration `yaml:"read-timeout"`
	Mesh           MeshConfig    `yaml:"mesh"`
	MetricsListen  string        `yaml:"metrics-listen"`
	Log            LogConfig     `yaml:"log"`
}

// DefaultClientConfig returns the client defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ListenHost:     "127.0.0.1",
		Protocol:       ProtocolTCP,
		IdleTimeout:    DefaultIdleTimeout,
		ReapInterval:   ClientReapInterval,
		PathWait:       DefaultPathWait,
		ConnectTimeout: DefaultConnectTimeout,
		ReadTimeout:    DefaultReadTimeout,
		Mesh:           MeshConfig{Listen: "0.0.0.0:4242"},
		Log:            LogConfig{Level: "info", Format: "text"},
	}
}

// Validate reports the first invalid option as a ConfigError.
func (c *ClientConfig) Validate() error {
	if err := validatePort("listen port", c.ListenPort); err != nil {
		return err
	}
	if _, err := c.DestinationAddress(); err != nil {
		return err
	}
	if _, err := ParseProtocol(string(c.Protocol)); err != nil {
		return err
	}
	if err := validatePositive("idle timeout", c.IdleTimeout); err != nil {
		return err
	}
	if err := validatePositive("connect timeout", c.ConnectTimeout); err != nil {
		return err
	}
	if err := validateMesh(c.Mesh); err != nil {
		return err
	}
	return c.Log.Validate()
}

// DestinationAddress parses the configured destination.
func (c *ClientConfig) DestinationAddress() (crypto.Address, error) {
	addr, err := crypto.ParseAddress(c.Destination)
	if err != nil {
		return crypto.Address{}, newBridgeError(ConfigError, "parse destination", c.Destination, err)
	}
	return addr, nil
}

// ListenAddr returns the local host:port to bind.
func (c *ClientConfig) ListenAddr() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.ListenPort))
}

// ServerConfig configures a ServerBridge.
type ServerConfig struct {
	TargetHost       string        `yaml:"target-host"`
	TargetPort       int           `yaml:"target-port"`
	Protocol         Protocol      `yaml:"protocol"`
	Service          string        `yaml:"service"`
	IdentityFile     string        `yaml:"identity"`
	IdleTimeout      time.Duration `yaml:"idle-timeout"`
	ReapInterval     time.Duration `yaml:"reap-interval"`
	ReadTimeout      time.Duration `yaml:"read-timeout"`
	DialTimeout      time.Duration `yaml:"dial-timeout"`
	AnnounceInterval time.Duration `yaml:"announce-interval"`
	Mesh             MeshConfig    `yaml:"mesh"`
	MetricsListen    string        `yaml:"metrics-listen"`
	Log              LogConfig     `yaml:"log"`
}

// DefaultServerConfig returns the server defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		TargetHost:       "127.0.0.1",
		TargetPort:       22,
		Protocol:         ProtocolTCP,
		Service:          DefaultServiceName,
		IdentityFile:     "./bridge_ident",
		IdleTimeout:      DefaultIdleTimeout,
		ReapInterval:     ServerReapInterval,
		ReadTimeout:      DefaultReadTimeout,
		DialTimeout:      10 * time.Second,
		AnnounceInterval: DefaultAnnounceInterval,
		Mesh:             MeshConfig{Listen: "0.0.0.0:4242"},
		Log:              LogConfig{Level: "info", Format: "text"},
	}
}

// Validate reports the first invalid option as a ConfigError.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.TargetHost) == "" {
		return configErrorf("target host", "target host is empty")
	}
	if err := validatePort("target port", c.TargetPort); err != nil {
		return err
	}
	if _, err := ParseProtocol(string(c.Protocol)); err != nil {
		return err
	}
	if c.Service == "" || strings.Contains(c.Service, ".") {
		return configErrorf("service", "service name %q must be non-empty and contain no dots", c.Service)
	}
	if c.IdentityFile == "" {
		return configErrorf("identity", "identity file path is empty")
	}
	if err := validatePositive("idle timeout", c.IdleTimeout); err != nil {
		return err
	}
	if err := validatePositive("announce interval", c.AnnounceInterval); err != nil {
		return err
	}
	if err := validateMesh(c.Mesh); err != nil {
		return err
	}
	return c.Log.Validate()
}

// TargetAddr returns the target host:port.
func (c *ServerConfig) TargetAddr() string {
	return net.JoinHostPort(c.TargetHost, strconv.Itoa(c.TargetPort))
}

// validatePort checks a TCP/UDP port number.
func validatePort(op string, port int) error {
	if port < 1 || port > 65535 {
		return configErrorf(op, "port %d out of range 1-65535", port)
	}
	return nil
}

// validatePositive checks a duration option.
func validatePositive(op string, d time.Duration) error {
	if d <= 0 {
		return configErrorf(op, "%s must be positive, got %s", op, d)
	}
	return nil
}

// validateMesh checks the mesh listen and peer addresses.
func validateMesh(c MeshConfig) error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return configErrorf("mesh listen", "bad mesh listen address %q: %v", c.Listen, err)
	}
	for _, peer := range c.Peers {
		if _, _, err := net.SplitHostPort(peer); err != nil {
			return configErrorf("mesh peer", "bad mesh peer address %q: %v", peer, err)
		}
	}
	return nil
}

// LoadClientConfig overlays a YAML file onto cfg.
func LoadClientConfig(path string, cfg *ClientConfig) error {
	return loadYAML(path, cfg)
}

// LoadServerConfig overlays a YAML file onto cfg.
func LoadServerConfig(path string, cfg *ServerConfig) error {
	return loadYAML(path, cfg)
}

// loadYAML decodes the file at path into out. Fields absent from the file
// keep their current values.
func loadYAML(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return newBridgeError(ConfigError, "open config", path, err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return newBridgeError(ConfigError, "decode config", path, fmt.Errorf("yaml: %w", err))
	}
	return nil
}
