package restart

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/oms/internal/config"
	"github.com/loykin/oms/internal/metrics"
	"github.com/loykin/oms/internal/nodes"
	"github.com/loykin/oms/internal/progress"
)

// Kind is the progress kind of restart runs.
const Kind = "restart"

// ErrAlreadyRunning rejects Start while a run is active.
var ErrAlreadyRunning = progress.ErrAlreadyRunning

// Job is one process to restart on one node.
type Job struct {
	Node nodes.Node
	Proc string
}

func (j Job) String() string { return j.Node.Name + "/" + j.Proc }

// JobsFromEntries lists every selected process of every node whose last poll
// succeeded.
func JobsFromEntries(entries []nodes.Entry) []Job {
	var jobs []Job
	for _, e := range entries {
		if !e.OK {
			continue
		}
		for _, p := range e.Status.Processes {
			if p.Select && p.Name != "" {
				jobs = append(jobs, Job{Node: e.Node, Proc: p.Name})
			}
		}
	}
	return jobs
}

// NodeClient is the part of the node client a restart run needs.
type NodeClient interface {
	Restart(ctx context.Context, n nodes.Node, proc string, timeout time.Duration) error
	Snapshot(ctx context.Context, n nodes.Node, proc string, timeout time.Duration) (nodes.Snapshot, error)
}

type Options struct {
	PostTimeout    time.Duration
	StatusTimeout  time.Duration
	ReadyTimeout   time.Duration
	SettleWindow   time.Duration
	SettleInterval time.Duration
	PollInterval   time.Duration
	MaxWorkers     int
	MinPrepare     time.Duration
	MaxBlockers    int
	Thresholds     Thresholds
}

// OptionsFromConfig maps the [restart] section.
func OptionsFromConfig(c config.RestartConfig) Options {
	return Options{
		PostTimeout:    c.PostTimeout,
		StatusTimeout:  c.StatusTimeout,
		ReadyTimeout:   c.ReadyTimeout,
		SettleWindow:   c.SettleWindow,
		SettleInterval: c.SettleInterval,
		PollInterval:   c.PollInterval,
		MaxWorkers:     c.MaxWorkers,
		MinPrepare:     c.MinPrepare,
		MaxBlockers:    c.MaxBlockers,
		Thresholds: Thresholds{
			UptimeResetRatio:     c.UptimeResetRatio,
			StartSkew:            c.StartSkew,
			RunningStreak:        c.RunningStreak,
			RunningStreakMinWait: c.RunningStreakMinWait,
		},
	}
}

func (o Options) withDefaults() Options {
	if o.PostTimeout <= 0 {
		o.PostTimeout = 30 * time.Second
	}
	if o.StatusTimeout <= 0 {
		o.StatusTimeout = 10 * time.Second
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 40 * time.Second
	}
	if o.SettleInterval <= 0 {
		o.SettleInterval = 500 * time.Millisecond
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = 8
	}
	if o.MaxBlockers <= 0 {
		o.MaxBlockers = 10
	}
	if o.Thresholds.UptimeResetRatio <= 0 {
		o.Thresholds.UptimeResetRatio = DefaultThresholds.UptimeResetRatio
	}
	if o.Thresholds.RunningStreak <= 0 {
		o.Thresholds.RunningStreak = DefaultThresholds.RunningStreak
	}
	return o
}

// Hooks observe the run lifecycle. OnStart runs synchronously inside Start,
// OnFinish on the worker once the run reached a terminal state.
type Hooks struct {
	OnStart  func()
	OnFinish func(progress.Snapshot)
}

// Orchestrator runs Restart-All. At most one run is active at a time.
type Orchestrator struct {
	client    NodeClient
	inventory func() []Job
	hooks     Hooks
	log       *slog.Logger
	tracker   *progress.Tracker
	now       func() time.Time

	mu   sync.RWMutex
	opts Options
}

func New(client NodeClient, inventory func() []Job, opts Options, hooks Hooks, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		client:    client,
		inventory: inventory,
		hooks:     hooks,
		log:       log.With("component", "restart"),
		tracker:   progress.NewTracker(Kind, "[system][restart]"),
		now:       time.Now,
		opts:      opts.withDefaults(),
	}
}

// SetOptions applies to the next run.
func (o *Orchestrator) SetOptions(opts Options) {
	o.mu.Lock()
	o.opts = opts.withDefaults()
	o.mu.Unlock()
}

func (o *Orchestrator) options() Options {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.opts
}

func (o *Orchestrator) Tracker() *progress.Tracker { return o.tracker }

func (o *Orchestrator) State() progress.Snapshot { return o.tracker.Get() }

// Clear resets a finished run. It fails with progress.ErrBusy while running.
func (o *Orchestrator) Clear() error { return o.tracker.Clear() }

// Start launches a run in the background. ctx bounds the whole run and must
// outlive the request that triggered it.
func (o *Orchestrator) Start(ctx context.Context) (progress.Snapshot, error) {
	snap, err := o.tracker.Begin("Preparing restart…")
	if err != nil {
		return snap, ErrAlreadyRunning
	}
	jobs := o.inventory()
	if o.hooks.OnStart != nil {
		o.hooks.OnStart()
	}
	o.log.Info("restart run started", "run_id", snap.RunID, "jobs", len(jobs))
	go o.execute(ctx, jobs, o.options())
	return snap, nil
}

// Run starts a run and blocks until it ends.
func (o *Orchestrator) Run(ctx context.Context) (progress.Snapshot, error) {
	if _, err := o.Start(ctx); err != nil {
		return o.tracker.Get(), err
	}
	return o.tracker.WaitDone(ctx)
}

func (o *Orchestrator) execute(ctx context.Context, jobs []Job, opts Options) {
	defer o.finished()
	defer o.tracker.Recover()

	r := &run{o: o, opts: opts, jobs: jobs, started: o.now()}
	r.exec(ctx)
}

func (o *Orchestrator) finished() {
	snap := o.tracker.Get()
	metrics.ObserveRun(Kind, string(snap.State), snap.Elapsed().Seconds())
	o.log.Info("restart run finished", "run_id", snap.RunID, "state", snap.State,
		"done", snap.Done, "total", snap.Total, "fails", len(snap.Fails))
	if o.hooks.OnFinish != nil {
		o.hooks.OnFinish(snap)
	}
}

// run is the state of one Restart-All execution.
type run struct {
	o       *Orchestrator
	opts    Options
	jobs    []Job
	started time.Time

	track      []*tracking
	sendFailed []bool

	mu        sync.Mutex
	confirmed []bool
	failMsg   []string
}

func (r *run) elapsed() string { return progress.Secs(r.o.now().Sub(r.started)) }

func (r *run) exec(ctx context.Context) {
	total := len(r.jobs)
	if total == 0 {
		r.o.tracker.Finish(progress.Done, "Restart finished: nothing selected to restart · 0.0s")
		return
	}
	r.track = make([]*tracking, total)
	r.sendFailed = make([]bool, total)
	r.confirmed = make([]bool, total)
	r.failMsg = make([]string, total)

	r.o.tracker.Update(func(s *progress.Snapshot) {
		s.Total = total
		s.Phase = "prepare"
		s.Message = fmt.Sprintf("Preparing %d restarts…", total)
	})
	r.prepare(ctx)
	if r.interrupted(ctx) {
		return
	}

	r.send(ctx)
	if r.interrupted(ctx) {
		return
	}

	r.confirm(ctx)
	if r.interrupted(ctx) {
		return
	}

	settled := 0
	if pending := r.settleTargets(); len(pending) > 0 && r.opts.SettleWindow > 0 {
		settled = r.settle(ctx, pending)
		if r.interrupted(ctx) {
			return
		}
	}

	fails := r.fails()
	done := total - len(fails)
	metrics.AddRestartJobs("confirmed", done-settled)
	metrics.AddRestartJobs("settled", settled)
	metrics.AddRestartJobs("failed", len(fails))

	msg := fmt.Sprintf("Finished: ok %d/%d, fail %d · %s", done, total, len(fails), r.elapsed())
	if len(fails) > 0 {
		names := make([]string, 0, len(fails))
		for i := range r.jobs {
			if r.failMsg[i] != "" {
				names = append(names, r.jobs[i].String())
			}
		}
		msg += "; failed: " + progress.Blockers(names, r.opts.MaxBlockers)
	} else if settled > 0 {
		msg += " (recovered during settle)"
	}
	r.o.tracker.Update(func(s *progress.Snapshot) {
		s.State = progress.Done
		s.Phase = ""
		s.Done = done
		s.Fails = fails
		s.Message = msg
	})
}

func (r *run) interrupted(ctx context.Context) bool {
	if ctx.Err() == nil {
		return false
	}
	r.o.tracker.Finish(progress.Error, "interrupted · "+r.elapsed())
	return true
}

// prepare reads every baseline before anything is sent. A failed read leaves
// an empty baseline, which only weakens the evidence available later.
func (r *run) prepare(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(r.opts.MaxWorkers)
	for i, j := range r.jobs {
		g.Go(func() error {
			base, err := r.o.client.Snapshot(ctx, j.Node, j.Proc, r.opts.StatusTimeout)
			if err != nil {
				r.o.log.Debug("baseline read failed", "node", j.Node.Name, "proc", j.Proc, "error", err)
			}
			r.track[i] = &tracking{base: base}
			return nil
		})
	}
	_ = g.Wait()
	if wait := r.opts.MinPrepare - r.o.now().Sub(r.started); wait > 0 {
		sleep(ctx, wait)
	}
}

func (r *run) send(ctx context.Context) {
	total := len(r.jobs)
	r.o.tracker.Update(func(s *progress.Snapshot) {
		s.Phase = "send"
		s.Message = fmt.Sprintf("Sending restarts… 0/%d (0%%)", total)
	})
	var g errgroup.Group
	g.SetLimit(r.opts.MaxWorkers)
	for i, j := range r.jobs {
		g.Go(func() error {
			err := r.o.client.Restart(ctx, j.Node, j.Proc, r.opts.PostTimeout)
			at := r.o.now()
			r.mu.Lock()
			if err != nil {
				r.sendFailed[i] = true
				r.failMsg[i] = fmt.Sprintf("%s: %v", j, err)
			} else {
				r.track[i].sentAt = at
			}
			fails := r.failsLocked()
			r.mu.Unlock()
			if err != nil {
				r.o.log.Warn("restart send failed", "node", j.Node.Name, "proc", j.Proc, "error", err)
			}
			r.o.tracker.Update(func(s *progress.Snapshot) {
				if err == nil {
					s.Sent++
				}
				s.Fails = fails
				s.Message = fmt.Sprintf("Sent %d/%d (%d%%) (fail %d)… waiting",
					s.Sent, total, s.Sent*100/total, len(fails))
			})
			return nil
		})
	}
	_ = g.Wait()
}

// confirm polls every sent job until it shows restart evidence or its ready
// timeout, counted from its own start, runs out.
func (r *run) confirm(ctx context.Context) {
	r.o.tracker.Update(func(s *progress.Snapshot) {
		s.Phase = "confirm"
		s.Message = "Verifying… " + r.elapsed()
	})
	var g errgroup.Group
	g.SetLimit(r.opts.MaxWorkers)
	for i, j := range r.jobs {
		if r.sendFailed[i] {
			continue
		}
		g.Go(func() error {
			ok := r.waitReady(ctx, i)
			r.mu.Lock()
			if ok {
				r.confirmed[i] = true
			} else {
				r.failMsg[i] = j.String() + ": timeout"
			}
			r.mu.Unlock()
			if !ok {
				r.o.log.Warn("restart not confirmed", "node", j.Node.Name, "proc", j.Proc, "timeout", r.opts.ReadyTimeout)
			}
			r.progress("Verifying… confirmed", r.sentIndexes())
			return nil
		})
	}
	_ = g.Wait()
}

func (r *run) waitReady(ctx context.Context, i int) bool {
	j, t := r.jobs[i], r.track[i]
	deadline := r.o.now().Add(r.opts.ReadyTimeout)
	for {
		cur, err := r.o.client.Snapshot(ctx, j.Node, j.Proc, r.opts.StatusTimeout)
		if err == nil && t.observe(cur, r.o.now(), r.opts.Thresholds) {
			return true
		}
		if !r.o.now().Before(deadline) || ctx.Err() != nil {
			return false
		}
		sleep(ctx, r.opts.PollInterval)
	}
}

// settleTargets are the jobs that were sent but not confirmed. Send failures
// never become eligible.
func (r *run) settleTargets() []int {
	var out []int
	for i := range r.jobs {
		if !r.sendFailed[i] && !r.confirmed[i] {
			out = append(out, i)
		}
	}
	return out
}

// settle re-checks the unconfirmed jobs every SettleInterval for up to
// SettleWindow. Jobs that show evidence move back to succeeded.
func (r *run) settle(ctx context.Context, targets []int) int {
	r.o.tracker.Update(func(s *progress.Snapshot) {
		s.Phase = "settle"
		s.Message = fmt.Sprintf("Verifying settle… recovered 0/%d (left: %s) · %s",
			len(targets), progress.Blockers(r.names(targets), r.opts.MaxBlockers), r.elapsed())
	})
	deadline := r.o.now().Add(r.opts.SettleWindow)
	recovered := 0
	left := targets
	for len(left) > 0 && r.o.now().Before(deadline) && ctx.Err() == nil {
		sleep(ctx, r.opts.SettleInterval)
		var g errgroup.Group
		g.SetLimit(r.opts.MaxWorkers)
		ok := make([]bool, len(left))
		for k, i := range left {
			j, t := r.jobs[i], r.track[i]
			g.Go(func() error {
				cur, err := r.o.client.Snapshot(ctx, j.Node, j.Proc, r.opts.StatusTimeout)
				ok[k] = err == nil && t.observe(cur, r.o.now(), r.opts.Thresholds)
				return nil
			})
		}
		_ = g.Wait()
		var still []int
		r.mu.Lock()
		for k, i := range left {
			if ok[k] {
				r.confirmed[i] = true
				r.failMsg[i] = ""
				recovered++
				r.o.log.Info("restart confirmed during settle", "node", r.jobs[i].Node.Name, "proc", r.jobs[i].Proc)
			} else {
				still = append(still, i)
			}
		}
		r.mu.Unlock()
		left = still
		done, fails := r.confirmedCount(), r.fails()
		r.o.tracker.Update(func(s *progress.Snapshot) {
			s.Done = done
			s.Fails = fails
			s.Message = fmt.Sprintf("Verifying settle… recovered %d/%d (left: %s) · %s",
				recovered, len(targets), progress.Blockers(r.names(left), r.opts.MaxBlockers), r.elapsed())
		})
	}
	return recovered
}

// progress publishes counters plus the blockers among idx that are neither
// confirmed nor failed.
func (r *run) progress(prefix string, idx []int) {
	r.mu.Lock()
	var left []int
	confirmed := 0
	for _, i := range idx {
		switch {
		case r.confirmed[i]:
			confirmed++
		case r.failMsg[i] == "":
			left = append(left, i)
		}
	}
	fails := r.failsLocked()
	r.mu.Unlock()
	msg := fmt.Sprintf("%s %d/%d", prefix, confirmed, len(idx))
	if len(left) > 0 {
		msg += " (left: " + progress.Blockers(r.names(left), r.opts.MaxBlockers) + ")"
	}
	msg += " · " + r.elapsed()
	r.o.tracker.Update(func(s *progress.Snapshot) {
		s.Done = confirmed
		s.Fails = fails
		s.Message = msg
	})
}

func (r *run) sentIndexes() []int {
	var out []int
	for i := range r.jobs {
		if !r.sendFailed[i] {
			out = append(out, i)
		}
	}
	return out
}

func (r *run) names(idx []int) []string {
	out := make([]string, 0, len(idx))
	for _, i := range idx {
		out = append(out, r.jobs[i].String())
	}
	sort.Strings(out)
	return out
}

func (r *run) confirmedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ok := range r.confirmed {
		if ok {
			n++
		}
	}
	return n
}

func (r *run) fails() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failsLocked()
}

func (r *run) failsLocked() []string {
	out := []string{}
	for _, m := range r.failMsg {
		if m != "" {
			out = append(out, m)
		}
	}
	sort.Strings(out)
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
