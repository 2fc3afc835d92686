package bridge

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opd-ai/meshbridge/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProtocol(t *testing.T) {
	tests := []struct {
		in      string
		want    Protocol
		wantErr bool
	}{
		{"tcp", ProtocolTCP, false},
		{"UDP", ProtocolUDP, false},
		{"Tcp", ProtocolTCP, false},
		{"sctp", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseProtocol(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsKind(err, ConfigError))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDefaultServerConfigMatchesDaemonDefaults(t *testing.T) {
	cfg := DefaultServerConfig()

	assert.Equal(t, "127.0.0.1:22", cfg.TargetAddr())
	assert.Equal(t, ProtocolTCP, cfg.Protocol)
	assert.Equal(t, "bridge_service", cfg.Service)
	assert.Equal(t, "./bridge_ident", cfg.IdentityFile)
	assert.Equal(t, 900*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 60*time.Second, cfg.ReapInterval)
	assert.NoError(t, cfg.Validate())
}

func TestDefaultClientConfigNeedsDestinationAndPort(t *testing.T) {
	cfg := DefaultClientConfig()
	assert.Equal(t, 30*time.Second, cfg.ReapInterval)
	assert.Equal(t, "127.0.0.1", cfg.ListenHost)

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, IsKind(err, ConfigError))

	id, err := crypto.NewIdentity()
	require.NoError(t, err)
	cfg.ListenPort = 2222
	cfg.Destination = id.Public().Address(AppName, DefaultServiceName).String()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:2222", cfg.ListenAddr())
}

func TestClientConfigValidate(t *testing.T) {
	valid := func() ClientConfig {
		cfg := DefaultClientConfig()
		cfg.ListenPort = 8080
		cfg.Destination = "00112233445566778899aabbccddeeff"
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*ClientConfig)
	}{
		{"port zero", func(c *ClientConfig) { c.ListenPort = 0 }},
		{"port too large", func(c *ClientConfig) { c.ListenPort = 70000 }},
		{"short destination", func(c *ClientConfig) { c.Destination = "0011" }},
		{"non-hex destination", func(c *ClientConfig) { c.Destination = "zz112233445566778899aabbccddeeff" }},
		{"bad protocol", func(c *ClientConfig) { c.Protocol = "icmp" }},
		{"zero timeout", func(c *ClientConfig) { c.IdleTimeout = 0 }},
		{"bad mesh listen", func(c *ClientConfig) { c.Mesh.Listen = "nonsense" }},
		{"bad mesh peer", func(c *ClientConfig) { c.Mesh.Peers = []string{"host-without-port"} }},
		{"bad log level", func(c *ClientConfig) { c.Log.Level = "loud" }},
		{"bad log format", func(c *ClientConfig) { c.Log.Format = "xml" }},
	}

	base := valid()
	require.NoError(t, base.Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, IsKind(err, ConfigError), "got %v", err)
		})
	}
}

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ServerConfig)
	}{
		{"empty host", func(c *ServerConfig) { c.TargetHost = " " }},
		{"bad port", func(c *ServerConfig) { c.TargetPort = -1 }},
		{"dotted service", func(c *ServerConfig) { c.Service = "a.b" }},
		{"empty identity", func(c *ServerConfig) { c.IdentityFile = "" }},
		{"zero announce interval", func(c *ServerConfig) { c.AnnounceInterval = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultServerConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, IsKind(err, ConfigError), "got %v", err)
		})
	}
}

func TestDestinationAddressWrapsParseError(t *testing.T) {
	cfg := DefaultClientConfig()
	cfg.Destination = "abc"
	_, err := cfg.DestinationAddress()
	require.Error(t, err)
	assert.ErrorIs(t, err, crypto.ErrInvalidAddress)

	var be *BridgeError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "parse destination", be.Op)
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadServerConfigOverlaysFile(t *testing.T) {
	path := writeFile(t, `
target-port: 8080
protocol: udp
idle-timeout: 5m
mesh:
  listen: 127.0.0.1:5000
  peers:
    - 10.0.0.2:4242
log:
  level: debug
`)

	cfg := DefaultServerConfig()
	require.NoError(t, LoadServerConfig(path, &cfg))

	assert.Equal(t, 8080, cfg.TargetPort)
	assert.Equal(t, ProtocolUDP, cfg.Protocol)
	assert.Equal(t, 5*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, "127.0.0.1:5000", cfg.Mesh.Listen)
	assert.Equal(t, []string{"10.0.0.2:4242"}, cfg.Mesh.Peers)
	assert.Equal(t, "debug", cfg.Log.Level)

	assert.Equal(t, "127.0.0.1", cfg.TargetHost, "unset fields keep defaults")
	assert.Equal(t, "text", cfg.Log.Format)
	assert.NoError(t, cfg.Validate())
}

func TestLoadClientConfigEmptyFile(t *testing.T) {
	cfg := DefaultClientConfig()
	require.NoError(t, LoadClientConfig(writeFile(t, ""), &cfg))
	assert.Equal(t, DefaultClientConfig(), cfg)
}

func TestLoadConfigErrors(t *testing.T) {
	cfg := DefaultClientConfig()

	err := LoadClientConfig(writeFile(t, "listen-prot: 80\n"), &cfg)
	require.Error(t, err)
	assert.True(t, IsKind(err, ConfigError), "unknown field")

	err = LoadClientConfig(writeFile(t, "listen-port: [1, 2\n"), &cfg)
	require.Error(t, err)
	assert.True(t, IsKind(err, ConfigError), "malformed yaml")

	err = LoadClientConfig(filepath.Join(t.TempDir(), "missing.yaml"), &cfg)
	require.Error(t, err)
	assert.True(t, IsKind(err, ConfigError))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestBridgeErrorFormatting(t *testing.T) {
	err := newBridgeError(LocalIOError, "dial", "127.0.0.1:22", errors.New("refused"))
	assert.Equal(t, "bridge local_io dial 127.0.0.1:22: refused", err.Error())

	err = newBridgeError(TransportError, "send", "", ErrCircuitClosed)
	assert.Equal(t, "bridge transport send: circuit closed", err.Error())
	assert.ErrorIs(t, err, ErrCircuitClosed)
	assert.Equal(t, "kind(9)", ErrorKind(9).String())
}
