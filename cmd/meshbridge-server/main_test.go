package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opd-ai/meshbridge/bridge"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantErr  bool
		validate func(t *testing.T, cfg bridge.ServerConfig)
	}{
		{
			name: "defaults",
			args: nil,
			validate: func(t *testing.T, cfg bridge.ServerConfig) {
				assert.Equal(t, "127.0.0.1:22", cfg.TargetAddr())
				assert.Equal(t, bridge.ProtocolTCP, cfg.Protocol)
				assert.Equal(t, "bridge_service", cfg.Service)
				assert.Equal(t, "./bridge_ident", cfg.IdentityFile)
				assert.Equal(t, 900*time.Second, cfg.IdleTimeout)
			},
		},
		{
			name: "positional arguments",
			args: []string{"10.1.1.1", "53", "udp"},
			validate: func(t *testing.T, cfg bridge.ServerConfig) {
				assert.Equal(t, "10.1.1.1:53", cfg.TargetAddr())
				assert.Equal(t, bridge.ProtocolUDP, cfg.Protocol)
			},
		},
		{
			name: "host only",
			args: []string{"db.internal"},
			validate: func(t *testing.T, cfg bridge.ServerConfig) {
				assert.Equal(t, "db.internal:22", cfg.TargetAddr())
			},
		},
		{
			name: "flags",
			args: []string{"--service", "dns", "--identity", "/tmp/ident", "--timeout", "120", "--announce-interval", "5m"},
			validate: func(t *testing.T, cfg bridge.ServerConfig) {
				assert.Equal(t, "dns", cfg.Service)
				assert.Equal(t, "/tmp/ident", cfg.IdentityFile)
				assert.Equal(t, 2*time.Minute, cfg.IdleTimeout)
				assert.Equal(t, 5*time.Minute, cfg.AnnounceInterval)
			},
		},
		{name: "non-numeric port", args: []string{"127.0.0.1", "ssh"}, wantErr: true},
		{name: "port out of range", args: []string{"127.0.0.1", "0"}, wantErr: true},
		{name: "bad protocol", args: []string{"127.0.0.1", "22", "quic"}, wantErr: true},
		{name: "dotted service", args: []string{"--service", "a.b"}, wantErr: true},
		{name: "zero timeout", args: []string{"--timeout", "0"}, wantErr: true},
		{name: "extra argument", args: []string{"h", "1", "tcp", "x"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, _, err := parseArgs(tt.args)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, bridge.IsKind(err, bridge.ConfigError), "got %v", err)
				return
			}
			require.NoError(t, err)
			tt.validate(t, cfg)
		})
	}
}

func TestParseArgsHelp(t *testing.T) {
	_, _, err := parseArgs([]string{"-h"})
	assert.True(t, errors.Is(err, pflag.ErrHelp))
}

func TestParseArgsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte("target-port: 8080\nservice: web\n"), 0o600))

	cfg, _, err := parseArgs([]string{"--config", path, "--service", "www"})
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.TargetPort)
	assert.Equal(t, "www", cfg.Service)

	_, _, err = parseArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.True(t, bridge.IsKind(err, bridge.ConfigError))
}
