package connect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/oms/internal/config"
	"github.com/loykin/oms/internal/metrics"
	"github.com/loykin/oms/internal/progress"
	"github.com/loykin/oms/internal/rpc"
	"github.com/loykin/oms/internal/state"
)

// Kind is the progress kind of connect runs.
const Kind = "connect"

// ErrAlreadyRunning rejects Start while a run is active.
var ErrAlreadyRunning = progress.ErrAlreadyRunning

// Step names as they appear in run events.
const (
	StepDaemons  = "Connect Essential Daemons"
	StepCameras  = "Camera Daemon Information"
	StepPreSd    = "PreSd Daemon List"
	StepAIc      = "AId Connect"
	StepVersions = "Daemon Version"
	StepPreSdVer = "PreSd Version"
	StepAIdVer   = "AId Version"
	StepSwitches = "Switch Information"
	StepPersist  = "Update Daemon Status"
)

const presdVersionTimeout = 7 * time.Second

// Params address one run.
type Params struct {
	MTDHost   string            `json:"mtd_host"`
	MTDPort   int               `json:"mtd_port"`
	DMPDIP    string            `json:"dmpdip"`
	DaemonMap map[string]string `json:"daemon_map"`
	// DryRun records every step without sending anything.
	DryRun bool `json:"dry_run,omitempty"`
}

type Options struct {
	VersionRetries int
	AIRetryDelay   time.Duration
	SwitchAttempts int
	SwitchDelay    time.Duration
	// SettleAfterConnect pauses after the DaemonList connect so the router
	// finishes its own handshakes.
	SettleAfterConnect time.Duration
	MaxWorkers         int
}

func OptionsFromConfig(c config.ConnectConfig) Options {
	return Options{
		VersionRetries:     c.VersionRetries,
		AIRetryDelay:       c.AIRetryDelay,
		SwitchAttempts:     c.SwitchAttempts,
		SwitchDelay:        c.SwitchDelay,
		SettleAfterConnect: 800 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	if o.VersionRetries <= 0 {
		o.VersionRetries = 3
	}
	if o.SwitchAttempts <= 0 {
		o.SwitchAttempts = 3
	}
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = 8
	}
	return o
}

// Hooks observe the run lifecycle.
type Hooks struct {
	OnStart  func()
	OnFinish func(progress.Snapshot)
}

// Sequencer runs the connect handshake. At most one run is active at a time.
type Sequencer struct {
	caller rpc.Caller
	store  *state.Store
	// aicAliases returns alias -> host of the AI clients seen in node status.
	aicAliases func() map[string]string
	hooks      Hooks
	log        *slog.Logger
	tracker    *progress.Tracker

	mu   sync.RWMutex
	opts Options
}

func New(caller rpc.Caller, store *state.Store, aicAliases func() map[string]string, opts Options, hooks Hooks, log *slog.Logger) *Sequencer {
	if log == nil {
		log = slog.Default()
	}
	if aicAliases == nil {
		aicAliases = func() map[string]string { return nil }
	}
	return &Sequencer{
		caller:     caller,
		store:      store,
		aicAliases: aicAliases,
		hooks:      hooks,
		log:        log.With("component", "connect"),
		tracker:    progress.NewTracker(Kind, "[system][connect]"),
		opts:       opts.withDefaults(),
	}
}

func (s *Sequencer) SetOptions(opts Options) {
	s.mu.Lock()
	s.opts = opts.withDefaults()
	s.mu.Unlock()
}

func (s *Sequencer) options() Options {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opts
}

func (s *Sequencer) Tracker() *progress.Tracker { return s.tracker }

func (s *Sequencer) State() progress.Snapshot { return s.tracker.Get() }

func (s *Sequencer) Clear() error { return s.tracker.Clear() }

// Start launches a run in the background. ctx must outlive the request that
// triggered it.
func (s *Sequencer) Start(ctx context.Context, p Params) (progress.Snapshot, error) {
	if p.MTDHost == "" {
		p.MTDHost = "127.0.0.1"
	}
	if p.MTDPort <= 0 {
		p.MTDPort = config.DefaultMTDPort
	}
	snap, err := s.tracker.Begin("Connect start")
	if err != nil {
		return snap, ErrAlreadyRunning
	}
	if s.hooks.OnStart != nil {
		s.hooks.OnStart()
	}
	s.log.Info("connect run started", "run_id", snap.RunID, "mtd", net.JoinHostPort(p.MTDHost, strconv.Itoa(p.MTDPort)), "dmpdip", p.DMPDIP)
	go s.execute(ctx, p, s.options())
	return snap, nil
}

// Run starts a run and blocks until it ends.
func (s *Sequencer) Run(ctx context.Context, p Params) (progress.Snapshot, error) {
	if _, err := s.Start(ctx, p); err != nil {
		return s.tracker.Get(), err
	}
	return s.tracker.WaitDone(ctx)
}

func (s *Sequencer) execute(ctx context.Context, p Params, opts Options) {
	defer s.finished()
	defer s.tracker.Recover()

	r := &run{s: s, p: p, opts: opts, started: time.Now()}
	r.exec(ctx)
}

func (s *Sequencer) finished() {
	snap := s.tracker.Get()
	metrics.ObserveRun(Kind, string(snap.State), snap.Elapsed().Seconds())
	s.log.Info("connect run finished", "run_id", snap.RunID, "state", snap.State, "events", len(snap.Events))
	if s.hooks.OnFinish != nil {
		s.hooks.OnFinish(snap)
	}
}

// run carries the data one connect run accumulates step by step.
type run struct {
	s       *Sequencer
	p       Params
	opts    Options
	started time.Time
	prev    state.System

	daemonMap      map[string]string
	connected      map[string]bool
	topo           topology
	presdConnected bool
	aicConnected   map[string]string
	versions       map[string]state.Version
	presdVersions  map[string]state.Version
	aicVersions    map[string]map[string]state.Version
	switches       []state.Switch

	mu          sync.Mutex
	failedSteps []string
}

func (r *run) exec(ctx context.Context) {
	r.prev = r.s.store.System()
	r.daemonMap = copyMap(r.p.DaemonMap)
	r.topo = topology{cameras: []state.Camera{}, presd: []state.PreSd{}}
	r.aicConnected = map[string]string{}
	r.versions = map[string]state.Version{}
	r.presdVersions = map[string]state.Version{}
	r.aicVersions = map[string]map[string]state.Version{}
	for ip, m := range r.prev.AIcVersions {
		r.aicVersions[ip] = copyVersions(m)
	}

	r.connectDaemons(ctx)
	r.selectCameras(ctx)
	r.pushPreSd(ctx)
	r.connectAIc(ctx)
	r.collectVersions(ctx)
	r.collectSwitches(ctx)
	if ctx.Err() != nil {
		r.s.tracker.Finish(progress.Error, "interrupted · "+progress.Secs(time.Since(r.started)))
		return
	}
	r.persist()

	msg := "Finish Connection · " + progress.Secs(time.Since(r.started))
	if len(r.failedSteps) > 0 {
		msg = fmt.Sprintf("Finish Connection (no data: %s) · %s",
			progress.Blockers(r.failedSteps, 10), progress.Secs(time.Since(r.started)))
	}
	r.s.tracker.Finish(progress.Done, msg)
}

// call sends one envelope-based message through the MTd router and records
// the outcome as a run event.
func (r *run) call(ctx context.Context, step string, msg any, timeout time.Duration) (*rpc.Response, error) {
	r.s.tracker.SetMessage("%s …", step)
	if r.p.DryRun {
		r.event(step, "", nil)
		return &rpc.Response{Body: []byte(`{"Result":"skip","ResultCode":"DRY_RUN"}`)}, nil
	}
	if err := ctx.Err(); err != nil {
		r.event(step, "", err)
		return nil, err
	}
	resp, err := r.s.caller.Call(ctx, rpc.Request{
		Host:    r.p.MTDHost,
		Port:    r.p.MTDPort,
		Message: msg,
		Timeout: timeout,
	})
	tag := ""
	if resp != nil {
		tag = resp.Tag
	}
	var te *rpc.TransportError
	if errors.As(err, &te) {
		tag = te.Tag
	}
	r.event(step, tag, err)
	return resp, err
}

func (r *run) event(step, tag string, err error) {
	e := progress.Event{Step: step, OK: err == nil, Tag: tag}
	if err != nil {
		e.Error = err.Error()
	}
	r.s.tracker.AddEvent(e)
}

// noData records a step that produced nothing usable. The sequence goes on.
func (r *run) noData(step string, err error) {
	r.mu.Lock()
	r.failedSteps = append(r.failedSteps, step)
	r.mu.Unlock()
	metrics.IncConnectStepFailure(step)
	r.s.log.Warn("connect step produced no data", "step", step, "error", err)
}

func (r *run) header(k rpc.Key, to string) (rpc.Header, time.Duration, error) {
	h, c, err := rpc.NewHeader(k, to, r.p.DMPDIP)
	return h, c.Timeout, err
}

// 1. core daemons through MTd.
func (r *run) connectDaemons(ctx context.Context) {
	h, timeout, err := r.header(rpc.KeyMTdConnect, "")
	if err != nil {
		r.noData(StepDaemons, err)
		return
	}
	resp, err := r.call(ctx, StepDaemons, daemonConnectMsg{Header: h, DaemonList: daemonList(r.daemonMap)}, timeout)
	if err != nil {
		r.noData(StepDaemons, err)
		r.connected = map[string]bool{}
	} else {
		r.connected = connectedFromDaemonList(resp)
	}
	if !r.p.DryRun && r.opts.SettleAfterConnect > 0 {
		sleep(ctx, r.opts.SettleAfterConnect)
	}
}

// 2. camera -> storage node -> switch mapping from CCd.
func (r *run) selectCameras(ctx context.Context) {
	h, timeout, err := r.header(rpc.KeyCCdSelect, "")
	if err != nil {
		r.noData(StepCameras, err)
		return
	}
	resp, err := r.call(ctx, StepCameras, h, timeout)
	if err != nil {
		r.noData(StepCameras, err)
		return
	}
	r.topo = parseSelect(resp)
	if len(r.topo.switchIPs) == 1 {
		r.daemonMap["SCd"] = r.topo.switchIPs[0]
	}
	if len(r.topo.cameras) == 0 {
		r.noData(StepCameras, errors.New("empty ResultArray"))
	}
}

// 3. per storage node camera lists to PCd.
func (r *run) pushPreSd(ctx context.Context) {
	if len(r.topo.presd) == 0 || r.p.DryRun {
		return
	}
	h, timeout, err := r.header(rpc.KeyPCdDaemonList, "")
	if err != nil {
		r.noData(StepPreSd, err)
		return
	}
	msg := presdListMsg{Header: h, PreSd: r.topo.presd, PostSd: []any{}, VPd: []any{}}
	if _, err := r.call(ctx, StepPreSd, msg, timeout); err != nil {
		r.noData(StepPreSd, err)
		return
	}
	r.presdConnected = true
}

// aicList prefers the aliases observed in node status. Without any, the
// storage nodes are assumed to host one AI client each.
func (r *run) aicList() map[string]string {
	list := map[string]string{}
	for alias, host := range r.s.aicAliases() {
		if alias != "" && host != "" {
			list[alias] = host
		}
	}
	if len(list) > 0 {
		return list
	}
	ips := r.topo.presdIPs()
	if len(ips) == 0 {
		ips = r.prev.PreSdIPs()
	}
	for i, ip := range ips {
		list[fmt.Sprintf("AIc%d", i+1)] = ip
	}
	return list
}

// 4. AI clients through AId.
func (r *run) connectAIc(ctx context.Context) {
	list := r.aicList()
	if len(list) == 0 {
		return
	}
	h, timeout, err := r.header(rpc.KeyAIcConnect, "")
	if err != nil {
		r.noData(StepAIc, err)
		return
	}
	resp, err := r.call(ctx, StepAIc, aicConnectMsg{Header: h, AIcList: list}, timeout)
	if err != nil {
		r.noData(StepAIc, err)
		return
	}
	r.aicConnected = parseAIcReply(resp)
}

// 5. versions: single daemons in parallel, then the PreSd batch, then AId
// together with its clients.
func (r *run) collectVersions(ctx context.Context) {
	r.s.tracker.SetMessage("Get Daemon Version ...")
	var names []string
	for name := range r.connected {
		if !notVersionedSingly[name] {
			names = append(names, name)
		}
	}
	if len(r.connected) > 0 && !r.connected["MTd"] {
		names = append(names, "MTd")
	}
	sort.Strings(names)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(r.opts.MaxWorkers)
	for _, name := range names {
		g.Go(func() error {
			v, ok := r.daemonVersion(ctx, name)
			if ok {
				mu.Lock()
				r.versions[name] = v
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	r.presdVersion(ctx)
	if r.connected["AId"] {
		r.aidVersions(ctx)
	}
}

// daemonVersion asks one daemon, retrying up to VersionRetries times.
func (r *run) daemonVersion(ctx context.Context, name string) (state.Version, bool) {
	out := rpc.OutwardName(name)
	var last error
	for attempt := 1; attempt <= r.opts.VersionRetries && ctx.Err() == nil; attempt++ {
		h, timeout, err := r.header(rpc.KeyVersion, out)
		if err != nil {
			last = err
			break
		}
		resp, err := r.call(ctx, StepVersions+" "+name, versionMsg{Header: h}, timeout)
		if err == nil {
			if v, ok := toVersion(versionMap(resp)[out]); ok {
				return v, true
			}
			err = fmt.Errorf("no version for %s", out)
		}
		last = err
	}
	r.noData(StepVersions+" "+name, last)
	return state.Version{}, false
}

func (r *run) presdVersion(ctx context.Context) {
	ips := r.topo.presdIPs()
	if len(ips) == 0 {
		ips = r.prev.PreSdIPs()
	}
	if len(ips) == 0 {
		return
	}
	h, _, err := r.header(rpc.KeyVersion, "PreSd")
	if err != nil {
		r.noData(StepPreSdVer, err)
		return
	}
	msg := versionMsg{Header: h, Expect: &expect{IPs: ips, Count: len(ips), WaitSec: 5}}
	resp, err := r.call(ctx, StepPreSdVer, msg, presdVersionTimeout)
	if err != nil {
		r.noData(StepPreSdVer, err)
		return
	}
	v, ok := toVersion(versionMap(resp)["PreSd"])
	if !ok {
		v = state.Version{Version: "-", Date: "-"}
	} else {
		r.versions["PreSd"] = v
	}
	for _, ip := range ips {
		r.presdVersions[ip] = v
	}
}

func (r *run) aidVersions(ctx context.Context) {
	gotClients := false
	for attempt := 1; attempt <= r.opts.VersionRetries && ctx.Err() == nil; attempt++ {
		h, timeout, err := r.header(rpc.KeyVersion, "AId")
		if err != nil {
			break
		}
		resp, err := r.call(ctx, StepAIdVer, versionMsg{Header: h}, timeout)
		if err == nil {
			vm := versionMap(resp)
			if v, ok := toVersion(vm["AId"]); ok {
				r.versions["AId"] = v
			}
			if mergeAIcVersions(r.aicVersions, vm["AIc"]) {
				gotClients = true
				break
			}
		}
		if attempt < r.opts.VersionRetries {
			sleep(ctx, r.opts.AIRetryDelay)
		}
	}
	if !gotClients {
		r.noData(StepAIdVer, errors.New("no AIc versions"))
	}
	for alias, ip := range r.aicConnected {
		if ip == "" {
			continue
		}
		if _, ok := r.aicVersions[ip]; !ok {
			r.aicVersions[ip] = map[string]state.Version{alias: {Version: "-", Date: "-"}}
		}
	}
}

// 6. switch model info. Between attempts SCd is reconnected through MTd.
func (r *run) collectSwitches(ctx context.Context) {
	if len(r.topo.switchIPs) == 0 {
		return
	}
	addrs := make([]switchAddr, 0, len(r.topo.switchIPs))
	for _, ip := range r.topo.switchIPs {
		addrs = append(addrs, switchAddr{IP: ip})
	}
	var last error
	for attempt := 1; attempt <= r.opts.SwitchAttempts && ctx.Err() == nil; attempt++ {
		h, timeout, err := r.header(rpc.KeySwitchModel, "")
		if err != nil {
			last = err
			break
		}
		resp, err := r.call(ctx, StepSwitches, switchMsg{Header: h, Switches: addrs}, timeout)
		if err == nil {
			if sw := parseSwitches(resp); len(sw) > 0 {
				r.switches = sw
				return
			}
			err = errors.New("empty Switches")
		}
		last = err
		r.s.log.Warn("switch information failed", "attempt", attempt, "of", r.opts.SwitchAttempts, "error", err)
		if attempt < r.opts.SwitchAttempts {
			r.reconnectSCd(ctx)
			sleep(ctx, r.opts.SwitchDelay)
		}
	}
	r.noData(StepSwitches, last)
}

func (r *run) reconnectSCd(ctx context.Context) {
	scd := r.daemonMap["SCd"]
	if scd == "" {
		scd = r.p.DMPDIP
	}
	h, timeout, err := r.header(rpc.KeyMTdConnect, "")
	if err != nil || scd == "" {
		return
	}
	_, _ = r.call(ctx, "Reconnect SCd", daemonConnectMsg{Header: h, DaemonList: map[string]string{"SCd": scd}}, timeout)
}

// 7. connected daemons strictly from step responses, then a wholesale
// replacement of both snapshots.
func (r *run) connectedCounts() state.CountMap {
	counts := state.CountMap{}
	for name := range r.connected {
		counts[name] = 1
	}
	if len(r.connected) > 0 {
		counts["MTd"] = 1
	}
	if r.presdConnected {
		counts["PreSd"] = len(r.topo.presd)
	}
	if len(r.aicConnected) > 0 {
		counts["AIc"] = len(r.aicConnected)
	}
	return counts
}

func (r *run) persist() {
	r.s.tracker.SetMessage("Update Daemon Status")
	switches := r.switches
	if switches == nil {
		switches = []state.Switch{}
	}
	sys := state.System{
		ConnectedDaemons: r.connectedCounts(),
		Cameras:          r.topo.cameras,
		PreSd:            r.topo.presd,
		Switches:         switches,
		Versions:         r.versions,
		PreSdVersions:    r.presdVersions,
		AIcVersions:      r.aicVersions,
		AIcConnected:     r.aicConnected,
		DaemonMap:        r.daemonMap,
		DMPDIP:           r.p.DMPDIP,
	}
	err := r.s.store.ReplaceSystem(sys)
	if cerr := r.s.store.ReplaceCameraTopology(r.topo.cameras, switches); err == nil {
		err = cerr
	}
	r.event(StepPersist, "", err)
	if err != nil {
		r.noData(StepPersist, err)
	}
}

func (t topology) presdIPs() []string {
	out := make([]string, 0, len(t.presd))
	for _, p := range t.presd {
		out = append(out, p.IP)
	}
	return out
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyVersions(m map[string]state.Version) map[string]state.Version {
	out := make(map[string]state.Version, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
