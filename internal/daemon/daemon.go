// Package daemon holds the process plumbing shared by the bridge
// executables: logger setup, the mesh node, the metrics endpoint and
// signal handling.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opd-ai/meshbridge/bridge"
	"github.com/opd-ai/meshbridge/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// SetupLogging configures the global logger. With a log file set, output
// goes to both stdout and the file; the returned closer closes the file.
func SetupLogging(cfg bridge.LogConfig) (io.Closer, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	logrus.SetLevel(level)

	switch cfg.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.File == "" {
		logrus.SetOutput(os.Stdout)
		return nopCloser{}, nil
	}

	file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logrus.SetOutput(io.MultiWriter(os.Stdout, file))
	return file, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// StartNode starts a mesh node listening on cfg.Listen with cfg.Peers as
// static neighbours.
func StartNode(cfg bridge.MeshConfig) (*transport.Node, error) {
	nodeConfig := transport.DefaultNodeConfig()
	nodeConfig.ListenAddr = cfg.Listen
	nodeConfig.Peers = cfg.Peers

	node, err := transport.NewNode(nodeConfig)
	if err != nil {
		return nil, fmt.Errorf("start mesh node: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "StartNode",
		"listen":   node.LocalAddr().String(),
		"peers":    len(cfg.Peers),
	}).Info("Mesh node started")

	return node, nil
}

// MetricsHandler returns a handler exposing collector plus the Go runtime
// and process collectors.
func MetricsHandler(collector prometheus.Collector) (http.Handler, error) {
	registry := prometheus.NewRegistry()
	for _, c := range []prometheus.Collector{
		collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// ServeMetrics serves /metrics on addr until ctx is done.
func ServeMetrics(ctx context.Context, addr string, collector prometheus.Collector) error {
	handler, err := MetricsHandler(collector)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		logrus.WithFields(logrus.Fields{
			"function": "ServeMetrics",
			"listen":   listener.Addr().String(),
		}).Info("Serving metrics")

		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "ServeMetrics",
				"error":    err.Error(),
			}).Error("Metrics server failed")
		}
	}()
	return nil
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logrus.WithFields(logrus.Fields{
				"function": "SignalContext",
				"signal":   sig.String(),
			}).Info("Received signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// ExitCode maps a run error to a process exit status: 2 for
// configuration errors, 1 for anything else.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case bridge.IsKind(err, bridge.ConfigError):
		return 2
	default:
		return 1
	}
}
