package oms

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/oms/internal/config"
	"github.com/loykin/oms/internal/connect"
	"github.com/loykin/oms/internal/history"
	"github.com/loykin/oms/internal/logger"
	"github.com/loykin/oms/internal/metrics"
	"github.com/loykin/oms/internal/orchestrator"
	"github.com/loykin/oms/internal/progress"
	"github.com/loykin/oms/internal/rpc"
	iapi "github.com/loykin/oms/internal/server"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type NodeConfig = config.NodeConfig

type Snapshot = progress.Snapshot

type SystemState = orchestrator.SystemState

type CameraState = orchestrator.CameraState

type ConnectParams = connect.Params

type HistorySink = history.Sink

type HistoryReport = history.Report

// RPCCaller is the transport the daemon talks to MTd through.
type RPCCaller = rpc.Caller

type Option = orchestrator.Option

// WithCaller replaces the RPC transport, e.g. with a simulator.
func WithCaller(c RPCCaller) Option { return orchestrator.WithCaller(c) }

// WithHistorySinks records finished runs into additional sinks.
func WithHistorySinks(s ...HistorySink) Option { return orchestrator.WithSinks(s...) }

// Daemon is a thin facade over internal/orchestrator.Orchestrator.
// It provides a stable public API for embedding.
type Daemon struct{ inner *orchestrator.Orchestrator }

// New wires a daemon from c (Default() when nil). Call Start to run the
// background loops.
func New(c *Config, log *slog.Logger, opts ...Option) (*Daemon, error) {
	o, err := orchestrator.New(c, log, opts...)
	if err != nil {
		return nil, err
	}
	return &Daemon{inner: o}, nil
}

func (d *Daemon) Start(ctx context.Context) error { return d.inner.Start(ctx) }
func (d *Daemon) Stop()                           { d.inner.Stop() }
func (d *Daemon) Config() *Config                 { return d.inner.Config() }
func (d *Daemon) ApplyConfig(c *Config)           { d.inner.ApplyRuntime(c) }
func (d *Daemon) SystemState() SystemState        { return d.inner.SystemState() }
func (d *Daemon) CameraState() CameraState        { return d.inner.CameraState() }

func (d *Daemon) StartRestart() (Snapshot, error) { return d.inner.StartRestart() }
func (d *Daemon) StartConnect(p ConnectParams) (Snapshot, error) {
	return d.inner.StartConnect(p)
}
func (d *Daemon) StartCameraConnect() (Snapshot, error) { return d.inner.StartCameraConnect() }

// History lists recently finished runs of kind ("" for all), newest first.
func (d *Daemon) History(ctx context.Context, kind string, limit int) []HistoryReport {
	return d.inner.History().Recent(ctx, kind, limit)
}

// Handler returns the control plane for mounting in another router.
func (d *Daemon) Handler(basePath string) http.Handler {
	return iapi.NewRouter(d.inner, basePath).Handler()
}

// WatchConfig reloads the daemon's config file on change.
func (d *Daemon) WatchConfig(log *slog.Logger) {
	if path := d.inner.Config().Path(); path != "" {
		config.NewWatcher(path, log, d.inner.ApplyRuntime).Start()
	}
}

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

func DefaultConfig() *Config { return config.Default() }

// NewLogger builds the daemon logger from the [log] section.
func NewLogger(c *Config) (*slog.Logger, func() error, error) {
	l, closer, err := logger.New(logger.Config{
		Level:      c.Log.Level,
		Color:      c.Log.Color,
		Dir:        c.LogDir(),
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	})
	if err != nil {
		return nil, nil, err
	}
	return l, closer.Close, nil
}

// NewHTTPServer starts an HTTP server exposing the control plane of d.
func NewHTTPServer(addr, basePath string, d *Daemon) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, d.inner)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
