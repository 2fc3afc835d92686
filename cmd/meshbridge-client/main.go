// meshbridge-client listens on a local TCP or UDP port and carries every
// connection, or every datagram, to one remote mesh destination.
//
// Usage:
//
//	meshbridge-client <listen-port> <destination-hex> <tcp|udp> [flags]
//
// The client runs with a fresh identity on every start. Each TCP
// connection gets its own circuit; all UDP traffic shares one circuit
// and replies go to the local peer that sent most recently.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/opd-ai/meshbridge/bridge"
	"github.com/opd-ai/meshbridge/internal/daemon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(daemon.ExitCode(err))
	}
}

func run(args []string) error {
	cfg, flagSet, err := parseArgs(args)
	if errors.Is(err, pflag.ErrHelp) {
		printUsage(flagSet)
		return nil
	}
	if err != nil {
		return err
	}

	logCloser, err := daemon.SetupLogging(cfg.Log)
	if err != nil {
		return &bridge.BridgeError{Kind: bridge.ConfigError, Op: "setup logging", Err: err}
	}
	defer logCloser.Close()

	ctx, cancel := daemon.SignalContext(context.Background())
	defer cancel()

	node, err := daemon.StartNode(cfg.Mesh)
	if err != nil {
		return &bridge.BridgeError{Kind: bridge.ConfigError, Op: "start mesh", Addr: cfg.Mesh.Listen, Err: err}
	}
	defer node.Close()

	client, err := bridge.NewClientBridge(cfg, bridge.NewNodeMesh(node), nil)
	if err != nil {
		return err
	}

	if cfg.MetricsListen != "" {
		collector := bridge.NewCollector("meshbridge_client", client.Stats())
		if err := daemon.ServeMetrics(ctx, cfg.MetricsListen, collector); err != nil {
			client.Close()
			return &bridge.BridgeError{Kind: bridge.ConfigError, Op: "serve metrics", Addr: cfg.MetricsListen, Err: err}
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":    "run",
		"listen":      client.Addr().String(),
		"destination": cfg.Destination,
		"protocol":    string(cfg.Protocol),
	}).Info("Client bridge running")

	return client.Serve(ctx)
}

// cliFlags holds flag values before they are merged into the config.
type cliFlags struct {
	configPath     string
	host           string
	timeoutSeconds int
	verbose        bool
	logLevel       string
	logFormat      string
	logFile        string
	meshListen     string
	meshPeers      []string
	metricsListen  string
	pathWait       time.Duration
	connectTimeout time.Duration
}

func newFlagSet(defaults bridge.ClientConfig, f *cliFlags) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("meshbridge-client", pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	flagSet.StringVar(&f.configPath, "config", "", "YAML config file; flags override its values")
	flagSet.StringVar(&f.host, "host", defaults.ListenHost, "local address to bind")
	flagSet.IntVar(&f.timeoutSeconds, "timeout", int(defaults.IdleTimeout/time.Second), "idle timeout in seconds")
	flagSet.BoolVarP(&f.verbose, "verbose", "v", false, "debug logging (same as --log-level debug)")
	flagSet.StringVar(&f.logLevel, "log-level", defaults.Log.Level, "log level (debug, info, warn, error)")
	flagSet.StringVar(&f.logFormat, "log-format", defaults.Log.Format, "log format (text, json)")
	flagSet.StringVar(&f.logFile, "log-file", "", "also write logs to this file")
	flagSet.StringVar(&f.meshListen, "mesh-listen", defaults.Mesh.Listen, "UDP address of the mesh interface")
	flagSet.StringArrayVar(&f.meshPeers, "mesh-peer", nil, "mesh neighbour address (repeatable)")
	flagSet.StringVar(&f.metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")
	flagSet.DurationVar(&f.pathWait, "path-wait", defaults.PathWait, "wait after requesting a path")
	flagSet.DurationVar(&f.connectTimeout, "connect-timeout", defaults.ConnectTimeout, "time allowed for a circuit to become active")
	flagSet.BoolP("help", "h", false, "show help")
	return flagSet
}

// parseArgs builds the client config from defaults, the optional config
// file, explicitly set flags and positional arguments, in that order.
func parseArgs(args []string) (bridge.ClientConfig, *pflag.FlagSet, error) {
	cfg := bridge.DefaultClientConfig()
	var f cliFlags
	flagSet := newFlagSet(cfg, &f)

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return cfg, flagSet, err
		}
		return cfg, flagSet, usageError(err)
	}
	if help, _ := flagSet.GetBool("help"); help {
		return cfg, flagSet, pflag.ErrHelp
	}

	if f.configPath != "" {
		if err := bridge.LoadClientConfig(f.configPath, &cfg); err != nil {
			return cfg, flagSet, err
		}
	}

	if flagSet.Changed("host") {
		cfg.ListenHost = f.host
	}
	if flagSet.Changed("timeout") {
		cfg.IdleTimeout = time.Duration(f.timeoutSeconds) * time.Second
	}
	if flagSet.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if f.verbose {
		cfg.Log.Level = "debug"
	}
	if flagSet.Changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if flagSet.Changed("log-file") {
		cfg.Log.File = f.logFile
	}
	if flagSet.Changed("mesh-listen") {
		cfg.Mesh.Listen = f.meshListen
	}
	if flagSet.Changed("mesh-peer") {
		cfg.Mesh.Peers = f.meshPeers
	}
	if flagSet.Changed("metrics-listen") {
		cfg.MetricsListen = f.metricsListen
	}
	if flagSet.Changed("path-wait") {
		cfg.PathWait = f.pathWait
	}
	if flagSet.Changed("connect-timeout") {
		cfg.ConnectTimeout = f.connectTimeout
	}

	positional := flagSet.Args()
	if len(positional) > 3 {
		return cfg, flagSet, usageError(fmt.Errorf("unexpected argument: %s", positional[3]))
	}
	if len(positional) > 0 {
		port, err := strconv.Atoi(positional[0])
		if err != nil {
			return cfg, flagSet, usageError(fmt.Errorf("listen port %q is not a number", positional[0]))
		}
		cfg.ListenPort = port
	}
	if len(positional) > 1 {
		cfg.Destination = positional[1]
	}
	if len(positional) > 2 {
		cfg.Protocol = bridge.Protocol(positional[2])
	}

	if err := cfg.Validate(); err != nil {
		return cfg, flagSet, err
	}
	return cfg, flagSet, nil
}

func usageError(err error) error {
	return &bridge.BridgeError{Kind: bridge.ConfigError, Op: "parse arguments", Err: err}
}

func printUsage(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `meshbridge-client carries local TCP connections or UDP datagrams to a
mesh destination.

Usage:
  meshbridge-client <listen-port> <destination-hex> <tcp|udp> [flags]

Examples:
  # Reach a remote SSH server announced as <4faf1b2e...>
  meshbridge-client 2222 4faf1b2e0c8d4e7b9a1f3c5d7e9b0a12 tcp --mesh-peer 10.0.0.2:4242

  # Forward DNS over the mesh with debug logging
  meshbridge-client 5353 4faf1b2e0c8d4e7b9a1f3c5d7e9b0a12 udp -v

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
