// meshbridge-server exposes a mesh destination and connects every inbound
// circuit to a fixed local TCP or UDP service.
//
// Usage:
//
//	meshbridge-server [target-host] [target-port] [tcp|udp] [flags]
//
// The server identity is loaded from --identity, or created and saved
// there on first start, so the destination address stays stable across
// restarts.
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
	"github.com/opd-ai/meshbridge/crypto"
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

	identity, created, err := crypto.LoadOrCreateIdentity(cfg.IdentityFile)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}

	node, err := daemon.StartNode(cfg.Mesh)
	if err != nil {
		return &bridge.BridgeError{Kind: bridge.ConfigError, Op: "start mesh", Addr: cfg.Mesh.Listen, Err: err}
	}
	defer node.Close()

	dest, err := node.RegisterDestination(identity, bridge.AppName, cfg.Service)
	if err != nil {
		return fmt.Errorf("register destination: %w", err)
	}

	server, err := bridge.NewServerBridge(cfg, bridge.NewNodeEndpoint(dest), nil)
	if err != nil {
		return err
	}

	if cfg.MetricsListen != "" {
		collector := bridge.NewCollector("meshbridge_server", server.Stats())
		if err := daemon.ServeMetrics(ctx, cfg.MetricsListen, collector); err != nil {
			server.Close()
			return &bridge.BridgeError{Kind: bridge.ConfigError, Op: "serve metrics", Addr: cfg.MetricsListen, Err: err}
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":     "run",
		"destination":  dest.Address().Pretty(),
		"name":         dest.Name(),
		"new_identity": created,
		"target":       cfg.TargetAddr(),
		"protocol":     string(cfg.Protocol),
	}).Info("Server bridge running; clients connect to this destination")

	return server.Serve(ctx)
}

// cliFlags holds flag values before they are merged into the config.
type cliFlags struct {
	configPath       string
	timeoutSeconds   int
	service          string
	identity         string
	verbose          bool
	logLevel         string
	logFormat        string
	logFile          string
	meshListen       string
	meshPeers        []string
	metricsListen    string
	announceInterval time.Duration
}

func newFlagSet(defaults bridge.ServerConfig, f *cliFlags) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("meshbridge-server", pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	flagSet.StringVar(&f.configPath, "config", "", "YAML config file; flags override its values")
	flagSet.IntVar(&f.timeoutSeconds, "timeout", int(defaults.IdleTimeout/time.Second), "idle timeout in seconds")
	flagSet.StringVar(&f.service, "service", defaults.Service, "destination aspect announced on the mesh")
	flagSet.StringVar(&f.identity, "identity", defaults.IdentityFile, "identity file, created if missing")
	flagSet.BoolVarP(&f.verbose, "verbose", "v", false, "debug logging (same as --log-level debug)")
	flagSet.StringVar(&f.logLevel, "log-level", defaults.Log.Level, "log level (debug, info, warn, error)")
	flagSet.StringVar(&f.logFormat, "log-format", defaults.Log.Format, "log format (text, json)")
	flagSet.StringVar(&f.logFile, "log-file", "", "also write logs to this file")
	flagSet.StringVar(&f.meshListen, "mesh-listen", defaults.Mesh.Listen, "UDP address of the mesh interface")
	flagSet.StringArrayVar(&f.meshPeers, "mesh-peer", nil, "mesh neighbour address (repeatable)")
	flagSet.StringVar(&f.metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")
	flagSet.DurationVar(&f.announceInterval, "announce-interval", defaults.AnnounceInterval, "time between destination announces")
	flagSet.BoolP("help", "h", false, "show help")
	return flagSet
}

// parseArgs builds the server config from defaults, the optional config
// file, explicitly set flags and positional arguments, in that order.
func parseArgs(args []string) (bridge.ServerConfig, *pflag.FlagSet, error) {
	cfg := bridge.DefaultServerConfig()
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
		if err := bridge.LoadServerConfig(f.configPath, &cfg); err != nil {
			return cfg, flagSet, err
		}
	}

	if flagSet.Changed("timeout") {
		cfg.IdleTimeout = time.Duration(f.timeoutSeconds) * time.Second
	}
	if flagSet.Changed("service") {
		cfg.Service = f.service
	}
	if flagSet.Changed("identity") {
		cfg.IdentityFile = f.identity
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
	if flagSet.Changed("announce-interval") {
		cfg.AnnounceInterval = f.announceInterval
	}

	positional := flagSet.Args()
	if len(positional) > 3 {
		return cfg, flagSet, usageError(fmt.Errorf("unexpected argument: %s", positional[3]))
	}
	if len(positional) > 0 {
		cfg.TargetHost = positional[0]
	}
	if len(positional) > 1 {
		port, err := strconv.Atoi(positional[1])
		if err != nil {
			return cfg, flagSet, usageError(fmt.Errorf("target port %q is not a number", positional[1]))
		}
		cfg.TargetPort = port
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
	fmt.Fprintf(os.Stderr, `meshbridge-server exposes a local TCP or UDP service as a mesh destination.

Usage:
  meshbridge-server [target-host] [target-port] [tcp|udp] [flags]

Defaults to 127.0.0.1 22 tcp.

Examples:
  # Expose the local SSH server
  meshbridge-server --mesh-peer 10.0.0.1:4242

  # Expose a DNS resolver under its own service name
  meshbridge-server 127.0.0.1 53 udp --service dns --identity ./dns_ident

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
