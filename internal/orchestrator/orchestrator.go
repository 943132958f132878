package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/loykin/oms/internal/camera"
	"github.com/loykin/oms/internal/config"
	"github.com/loykin/oms/internal/connect"
	"github.com/loykin/oms/internal/history"
	"github.com/loykin/oms/internal/history/factory"
	"github.com/loykin/oms/internal/liveness"
	"github.com/loykin/oms/internal/logger"
	"github.com/loykin/oms/internal/nodes"
	"github.com/loykin/oms/internal/progress"
	"github.com/loykin/oms/internal/restart"
	"github.com/loykin/oms/internal/rpc"
	"github.com/loykin/oms/internal/schedule"
	"github.com/loykin/oms/internal/state"
)

// Background job names.
const (
	JobPoll     = "poll"
	JobLiveness = "liveness"
)

// Orchestrator owns every component of the daemon and the background loops
// that feed them.
type Orchestrator struct {
	cfg atomic.Pointer[config.Config]
	log *slog.Logger

	caller     rpc.Caller
	tracer     io.Closer
	nodeClient *nodes.Client
	poller     *nodes.Poller
	store      *state.Store
	prober     *liveness.Prober
	probeOpts  []liveness.ProbeOption
	restart    *restart.Orchestrator
	connect    *connect.Sequencer
	camera     *camera.Service
	history    *history.Recorder
	sinks      []history.Sink
	sched      *schedule.Scheduler

	aliases atomic.Pointer[map[string]string]

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

type Option func(*Orchestrator)

// WithCaller replaces the RPC transport.
func WithCaller(c rpc.Caller) Option { return func(o *Orchestrator) { o.caller = c } }

// WithNodeClient replaces the HTTP client used for node status services.
func WithNodeClient(c *nodes.Client) Option { return func(o *Orchestrator) { o.nodeClient = c } }

// WithProbeOptions customises the liveness probe (dialer, pinger).
func WithProbeOptions(opts ...liveness.ProbeOption) Option {
	return func(o *Orchestrator) { o.probeOpts = append(o.probeOpts, opts...) }
}

// WithSinks adds history sinks next to the one configured by DSN.
func WithSinks(s ...history.Sink) Option {
	return func(o *Orchestrator) { o.sinks = append(o.sinks, s...) }
}

// New wires every component from cfg. Nothing runs until Start.
func New(cfg *config.Config, log *slog.Logger, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{log: log, ctx: context.Background()}
	o.cfg.Store(cfg)
	for _, f := range opts {
		f(o)
	}

	if o.caller == nil {
		tracer := rpc.Tracer(rpc.NopTracer{})
		if trace := cfg.RPC.TraceFile; trace != "" && (cfg.LogDir() != "" || filepath.IsAbs(trace)) {
			ft := rpc.NewFileTracer(logConfig(cfg).Writer(trace), log)
			tracer, o.tracer = ft, ft
		}
		o.caller = rpc.New(rpc.WithTracer(tracer), rpc.WithLogger(log), rpc.WithTimeout(cfg.RPC.Timeout))
	}
	if o.nodeClient == nil {
		o.nodeClient = nodes.NewClient(nil, log)
	}

	if cfg.History.Enabled {
		sink, err := factory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			return nil, fmt.Errorf("history sink: %w", err)
		}
		o.sinks = append(o.sinks, sink)
	}
	reportDir := ""
	if cfg.History.ReportFile {
		reportDir = cfg.StateDir()
	}
	o.history = history.NewRecorder(reportDir, log, o.sinks...)

	o.store = state.Open(cfg.StateDir(), log.With("component", "state"))
	o.poller = nodes.NewPoller(o.nodeClient, nodes.FromConfig(cfg.Nodes), pollerOptions(cfg), log.With("component", "poller"))
	o.prober = liveness.NewProber(o.newProbe(cfg), o.store, log.With("component", "liveness"))
	o.setAliases(cfg)

	o.restart = restart.New(o.nodeClient,
		func() []restart.Job { return restart.JobsFromEntries(o.poller.Entries()) },
		restart.OptionsFromConfig(cfg.Restart),
		restart.Hooks{OnStart: o.restartStarted, OnFinish: o.history.Record},
		log)
	o.connect = connect.New(o.caller, o.store,
		func() map[string]string { return connect.AIcAliasesFromEntries(o.poller.Entries()) },
		connect.OptionsFromConfig(cfg.Connect),
		connect.Hooks{OnFinish: o.history.Record},
		log)
	o.camera = camera.New(o.caller, o.store, o.cameraTarget,
		camera.OptionsFromConfig(cfg.Camera),
		camera.Hooks{OnFinish: o.history.Record},
		log)

	o.sched = schedule.New(log.With("component", "schedule"))
	if err := o.sched.Add(&schedule.Job{Name: JobPoll, Every: cfg.Poller.Heartbeat, Run: o.pollOnce, Singleton: true, Immediate: true}); err != nil {
		return nil, err
	}
	if err := o.sched.Add(&schedule.Job{Name: JobLiveness, Every: cfg.Liveness.Interval, Run: o.probeOnce, Singleton: true}); err != nil {
		return nil, err
	}
	return o, nil
}

func logConfig(cfg *config.Config) logger.Config {
	return logger.Config{
		Level:      cfg.Log.Level,
		Dir:        cfg.LogDir(),
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}
}

func pollerOptions(cfg *config.Config) nodes.PollerOptions {
	return nodes.PollerOptions{StatusTimeout: cfg.Poller.StatusTimeout, ConfigTimeout: cfg.Poller.ConfigTimeout}
}

func (o *Orchestrator) newProbe(cfg *config.Config) *liveness.Probe {
	return liveness.NewProbe(liveness.Options{
		Method:     cfg.Liveness.Method,
		Port:       cfg.Liveness.Port,
		Timeout:    cfg.Liveness.Timeout,
		Workers:    cfg.Liveness.Workers,
		Privileged: cfg.Liveness.Privileged,
	}, o.probeOpts...)
}

func (o *Orchestrator) setAliases(cfg *config.Config) {
	m := nodes.MergeAliases(cfg.ProcessAlias)
	o.aliases.Store(&m)
}

// Start launches the background loops. ctx also bounds every run started
// through the orchestrator.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return fmt.Errorf("orchestrator already started")
	}
	o.ctx, o.cancel = context.WithCancel(ctx)
	if err := o.sched.Start(o.ctx); err != nil {
		o.cancel()
		return err
	}
	o.started = true
	cfg := o.Config()
	o.log.Info("orchestrator started", "nodes", len(cfg.Nodes), "state_dir", cfg.StateDir(),
		"mtd", fmt.Sprintf("%s:%d", cfg.RPC.MTDHost, cfg.RPC.MTDPort))
	return nil
}

// Stop ends the loops, cancels active runs and flushes history.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	o.mu.Unlock()
	o.sched.Stop()
	if err := o.history.Close(); err != nil {
		o.log.Warn("close history", "error", err)
	}
	if o.tracer != nil {
		_ = o.tracer.Close()
	}
}

// Context is the lifetime of the orchestrator; runs started from requests use
// it so they survive the request.
func (o *Orchestrator) Context() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ctx
}

func (o *Orchestrator) Config() *config.Config         { return o.cfg.Load() }
func (o *Orchestrator) Store() *state.Store            { return o.store }
func (o *Orchestrator) Poller() *nodes.Poller          { return o.poller }
func (o *Orchestrator) Caller() rpc.Caller             { return o.caller }
func (o *Orchestrator) Restart() *restart.Orchestrator { return o.restart }
func (o *Orchestrator) Connect() *connect.Sequencer    { return o.connect }
func (o *Orchestrator) Camera() *camera.Service        { return o.camera }
func (o *Orchestrator) History() *history.Recorder     { return o.history }

// Aliases is the process display-name table (defaults overlaid by config).
func (o *Orchestrator) Aliases() map[string]string { return *o.aliases.Load() }

// ApplyRuntime takes the reloadable subset of cfg: nodes, heartbeat, alias
// table, liveness policy and run tunables. Listener, state and log settings
// need a restart.
func (o *Orchestrator) ApplyRuntime(cfg *config.Config) {
	old := o.cfg.Swap(cfg)
	o.poller.SetNodes(nodes.FromConfig(cfg.Nodes))
	o.setAliases(cfg)
	o.prober.SetProbe(o.newProbe(cfg))
	o.restart.SetOptions(restart.OptionsFromConfig(cfg.Restart))
	o.connect.SetOptions(connect.OptionsFromConfig(cfg.Connect))
	o.camera.SetOptions(camera.OptionsFromConfig(cfg.Camera))
	if old == nil || old.Poller.Heartbeat != cfg.Poller.Heartbeat {
		if err := o.sched.SetInterval(JobPoll, cfg.Poller.Heartbeat); err != nil {
			o.log.Warn("apply heartbeat", "error", err)
		}
	}
	if old == nil || old.Liveness.Interval != cfg.Liveness.Interval {
		if err := o.sched.SetInterval(JobLiveness, cfg.Liveness.Interval); err != nil {
			o.log.Warn("apply liveness interval", "error", err)
		}
	}
	o.log.Info("runtime config applied", "nodes", len(cfg.Nodes), "heartbeat", cfg.Poller.Heartbeat,
		"liveness", cfg.Liveness.Enabled, "method", cfg.Liveness.Method)
}

// Reload re-reads the config file and applies it. It fails when the daemon
// was not started from a file or the file is invalid.
func (o *Orchestrator) Reload() (*config.Config, error) {
	path := o.Config().Path()
	if path == "" {
		return nil, fmt.Errorf("no config file to reload")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	o.ApplyRuntime(cfg)
	return cfg, nil
}

func (o *Orchestrator) pollOnce(ctx context.Context) {
	o.poller.PollOnce(ctx)
	o.syncCameraLinks(o.poller.Entries())
}

func (o *Orchestrator) probeOnce(ctx context.Context) {
	if !o.Config().Liveness.Enabled {
		return
	}
	if _, err := o.prober.RunOnce(ctx); err != nil {
		o.log.Debug("liveness cycle", "error", err)
	}
}

// syncCameraLinks feeds camera_connected and camera_record from the camera
// lists nodes report. Without a running CCd no camera can be connected.
func (o *Orchestrator) syncCameraLinks(entries []nodes.Entry) {
	ccd, reported := false, false
	connected, record := map[string]bool{}, map[string]bool{}
	for _, e := range entries {
		if !e.OK {
			continue
		}
		if p, ok := e.Status.Find("CCd"); ok && p.Running {
			ccd = true
		}
		for _, c := range e.Status.Cameras {
			reported = true
			connected[c.IP] = c.Connected
			record[c.IP] = c.Recording
		}
	}
	cam := o.store.Camera()
	if !ccd {
		if anyTrue(cam.Connected) {
			if err := o.store.ClearCameraConnected(); err != nil {
				o.log.Warn("clear camera links", "error", err)
			}
		}
		return
	}
	if !reported || (sameBools(cam.Connected, connected) && sameBools(cam.Record, record)) {
		return
	}
	if err := o.store.ReplaceCameraLinks(connected, record); err != nil {
		o.log.Warn("replace camera links", "error", err)
	}
}

// restartStarted invalidates the topology: restarted daemons must be
// connected again.
func (o *Orchestrator) restartStarted() {
	if err := o.store.ClearConnected(); err != nil {
		o.log.Warn("clear connected daemons", "error", err)
	}
}

// StartRestart launches Restart-All.
func (o *Orchestrator) StartRestart() (progress.Snapshot, error) {
	return o.restart.Start(o.Context())
}

// ConnectParams completes req from config, the persisted state and the
// poller cache, in that order.
func (o *Orchestrator) ConnectParams(req connect.Params) connect.Params {
	cfg := o.Config()
	if req.MTDHost == "" {
		req.MTDHost = cfg.RPC.MTDHost
	}
	if req.MTDPort <= 0 {
		req.MTDPort = cfg.RPC.MTDPort
	}
	if req.DMPDIP == "" {
		req.DMPDIP = cfg.Connect.DMPDIP
	}
	return req.Resolve(cfg.Connect.DaemonMap, o.store.System().DaemonMap, connect.DaemonMapFromEntries(o.poller.Entries()))
}

// StartConnect launches the connect sequence with resolved parameters.
func (o *Orchestrator) StartConnect(req connect.Params) (progress.Snapshot, error) {
	return o.connect.Start(o.Context(), o.ConnectParams(req))
}

// StartCameraConnect launches camera connect-all.
func (o *Orchestrator) StartCameraConnect() (progress.Snapshot, error) {
	return o.camera.StartConnectAll(o.Context())
}

func (o *Orchestrator) cameraTarget() camera.Target {
	cfg := o.Config()
	var hosts []string
	for _, n := range o.poller.Nodes() {
		hosts = append(hosts, n.IP())
	}
	ip := camera.ResolveTarget(o.store.System(), cfg.Connect.DMPDIP, hosts)
	return camera.Target{Host: ip, Port: cfg.RPC.MTDPort, DMPDIP: ip}
}

func anyTrue(m map[string]bool) bool {
	for _, v := range m {
		if v {
			return true
		}
	}
	return false
}

func sameBools(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}
