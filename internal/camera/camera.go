package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loykin/oms/internal/config"
	"github.com/loykin/oms/internal/metrics"
	"github.com/loykin/oms/internal/progress"
	"github.com/loykin/oms/internal/rpc"
	"github.com/loykin/oms/internal/state"
)

// Kind is the progress kind of camera connect runs.
const Kind = "camera_connect"

// resultOK is the ResultCode of a successful daemon reply.
const resultOK = 1000

var (
	ErrAlreadyRunning = progress.ErrAlreadyRunning
	ErrUnknownAction  = errors.New("unknown action")
	ErrNoCameras      = errors.New("no cameras in OMs state")
	ErrNoTarget       = errors.New("command DMPDIP not found (state/config/nodes)")
)

type Options struct {
	StepTimeout    time.Duration
	ConnectTimeout time.Duration
	Retries        int
	RetryDelay     time.Duration
	// WaitAfter gives CCd time to apply a step before the next one.
	WaitAfter time.Duration
}

func OptionsFromConfig(c config.CameraConfig) Options {
	return Options{
		StepTimeout:    c.StepTimeout,
		ConnectTimeout: c.ConnectTimeout,
		Retries:        c.Retries,
		RetryDelay:     500 * time.Millisecond,
		WaitAfter:      300 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	if o.StepTimeout <= 0 {
		o.StepTimeout = 10 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.Retries <= 0 {
		o.Retries = 3
	}
	return o
}

// Target is where camera commands are sent.
type Target struct {
	Host   string
	Port   int
	DMPDIP string
}

// ResolveTarget picks the command address: the first storage node, then the
// persisted dmpdip unless it is loopback, then the configured one, then the
// first node host.
func ResolveTarget(sys state.System, configured string, nodeHosts []string) string {
	if ips := sys.PreSdIPs(); len(ips) > 0 {
		return ips[0]
	}
	if sys.DMPDIP != "" && sys.DMPDIP != "127.0.0.1" {
		return sys.DMPDIP
	}
	if configured != "" {
		return configured
	}
	for _, h := range nodeHosts {
		if h != "" {
			return h
		}
	}
	return ""
}

// Hooks observe the connect-all lifecycle.
type Hooks struct {
	OnFinish func(progress.Snapshot)
}

// Service runs camera connect-all and camera actions through CCd.
type Service struct {
	caller  rpc.Caller
	store   *state.Store
	target  func() Target
	hooks   Hooks
	log     *slog.Logger
	tracker *progress.Tracker

	mu   sync.RWMutex
	opts Options
	info map[string]map[string]any
}

func New(caller rpc.Caller, store *state.Store, target func() Target, opts Options, hooks Hooks, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		caller:  caller,
		store:   store,
		target:  target,
		hooks:   hooks,
		log:     log.With("component", "camera"),
		tracker: progress.NewTracker(Kind, "[camera][connect]"),
		opts:    opts.withDefaults(),
		info:    map[string]map[string]any{},
	}
}

func (s *Service) SetOptions(opts Options) {
	s.mu.Lock()
	s.opts = opts.withDefaults()
	s.mu.Unlock()
}

func (s *Service) options() Options {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opts
}

func (s *Service) Tracker() *progress.Tracker { return s.tracker }

func (s *Service) State() progress.Snapshot { return s.tracker.Get() }

// Info returns the camera info and video format reported by the last
// connect-all, keyed by camera IP.
func (s *Service) Info() map[string]map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]map[string]any, len(s.info))
	for ip, m := range s.info {
		c := make(map[string]any, len(m))
		for k, v := range m {
			c[k] = v
		}
		out[ip] = c
	}
	return out
}

// StartConnectAll launches connect-all in the background.
func (s *Service) StartConnectAll(ctx context.Context) (progress.Snapshot, error) {
	snap, err := s.tracker.Begin("Camera connect start")
	if err != nil {
		return snap, ErrAlreadyRunning
	}
	go func() {
		defer s.finished()
		defer s.tracker.Recover()
		s.connectAll(ctx, s.options())
	}()
	return snap, nil
}

// ConnectAll runs connect-all and waits for it.
func (s *Service) ConnectAll(ctx context.Context) (progress.Snapshot, error) {
	if _, err := s.StartConnectAll(ctx); err != nil {
		return s.tracker.Get(), err
	}
	return s.tracker.WaitDone(ctx)
}

func (s *Service) finished() {
	snap := s.tracker.Get()
	metrics.ObserveRun(Kind, string(snap.State), snap.Elapsed().Seconds())
	if s.hooks.OnFinish != nil {
		s.hooks.OnFinish(snap)
	}
}

type cameraAddr struct {
	IPAddress string `json:"IPAddress"`
	Model     string `json:"Model,omitempty"`
}

type camerasMsg struct {
	rpc.Header
	Cameras []cameraAddr `json:"Cameras,omitempty"`
}

type daemonListMsg struct {
	rpc.Header
	DaemonList map[string]string `json:"DaemonList"`
}

// reply is the common shape of CCd answers.
type reply struct {
	ResultCode any              `json:"ResultCode"`
	Cameras    []map[string]any `json:"Cameras"`
}

func (r reply) ok() bool {
	switch v := r.ResultCode.(type) {
	case float64:
		return int(v) == resultOK
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return err == nil && n == resultOK
	}
	return false
}

// byIP indexes the Cameras array of a reply by IPAddress.
func (r reply) byIP() map[string]map[string]any {
	out := map[string]map[string]any{}
	for _, c := range r.Cameras {
		if ip, _ := c["IPAddress"].(string); ip != "" {
			out[ip] = c
		}
	}
	return out
}

// send delivers one message, retrying transport failures.
func (s *Service) send(ctx context.Context, t Target, step string, msg any, timeout time.Duration, opts Options) (reply, error) {
	var last error
	for attempt := 1; attempt <= opts.Retries; attempt++ {
		resp, err := s.caller.Call(ctx, rpc.Request{Host: t.Host, Port: t.Port, Message: msg, Timeout: timeout})
		if err == nil {
			var r reply
			if derr := resp.Decode(&r); derr != nil {
				return reply{}, fmt.Errorf("%s: decode reply: %w", step, derr)
			}
			s.tracker.AddEvent(progress.Event{Step: step, OK: true, Tag: resp.Tag})
			sleep(ctx, opts.WaitAfter)
			return r, nil
		}
		last = err
		s.log.Warn("camera step failed", "step", step, "attempt", attempt, "of", opts.Retries, "error", err)
		if attempt < opts.Retries {
			sleep(ctx, opts.RetryDelay)
		}
		if ctx.Err() != nil {
			break
		}
	}
	e := progress.Event{Step: step, Error: last.Error()}
	var te *rpc.TransportError
	if errors.As(last, &te) {
		e.Tag = te.Tag
	}
	s.tracker.AddEvent(e)
	return reply{}, fmt.Errorf("%s: %w", step, last)
}

func (s *Service) topology() []state.Camera {
	cams := s.store.Camera().Cameras
	if len(cams) == 0 {
		cams = s.store.System().Cameras
	}
	return cams
}

func (s *Service) connectAll(ctx context.Context, opts Options) {
	started := time.Now()
	fail := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		s.log.Error("camera connect failed", "error", msg)
		s.tracker.Finish(progress.Error, msg)
	}

	cams := s.topology()
	if len(cams) == 0 {
		fail("%v", ErrNoCameras)
		return
	}
	t := s.target()
	if t.DMPDIP == "" {
		fail("%v", ErrNoTarget)
		return
	}
	if t.Host == "" {
		t.Host = t.DMPDIP
	}
	if t.Port <= 0 {
		t.Port = config.DefaultMTDPort
	}

	add := make([]cameraAddr, 0, len(cams))
	ips := make([]cameraAddr, 0, len(cams))
	for _, c := range cams {
		if c.IP == "" {
			continue
		}
		model := c.CameraModel
		if model == "" {
			model = "BGH1"
		}
		add = append(add, cameraAddr{IPAddress: c.IP, Model: model})
		ips = append(ips, cameraAddr{IPAddress: c.IP})
	}
	s.tracker.Update(func(p *progress.Snapshot) { p.Total = len(add) })

	steps := []struct {
		name    string
		key     rpc.Key
		cameras []cameraAddr
		timeout time.Duration
		extra   map[string]string
	}{
		{name: "MTd.connect", key: rpc.KeyMTdConnect, timeout: opts.StepTimeout, extra: map[string]string{"SCd": t.DMPDIP, "CCd": t.DMPDIP}},
		{name: "CCd.Select", key: rpc.KeyCCdSelect, timeout: opts.StepTimeout},
		{name: "AddCamera", key: rpc.KeyAddCamera, cameras: add, timeout: opts.StepTimeout},
		{name: "Connect", key: rpc.KeyCameraConnect, timeout: opts.ConnectTimeout},
	}
	var connected map[string]bool
	for _, st := range steps {
		s.tracker.SetMessage("%s …", st.name)
		h, _, err := rpc.NewHeader(st.key, "", t.DMPDIP)
		if err != nil {
			fail("%s: %v", st.name, err)
			return
		}
		var msg any = camerasMsg{Header: h, Cameras: st.cameras}
		if st.extra != nil {
			msg = daemonListMsg{Header: h, DaemonList: st.extra}
		}
		r, err := s.send(ctx, t, st.name, msg, st.timeout, opts)
		if err != nil {
			fail("%v", err)
			return
		}
		if !r.ok() {
			fail("%s failed: ResultCode %v", st.name, r.ResultCode)
			return
		}
		if st.key == rpc.KeyCameraConnect {
			connected = map[string]bool{}
			for ip, c := range r.byIP() {
				status, _ := c["Status"].(string)
				connected[ip] = strings.EqualFold(status, "OK")
			}
		}
	}

	info := map[string]map[string]any{}
	for _, st := range []struct {
		name string
		key  rpc.Key
		keep []string
	}{
		{"GetCameraInfo", rpc.KeyCameraInfo, nil},
		{"GetVideoFormat", rpc.KeyVideoFormat, []string{"StreamType", "VideoFormatMain", "VideoBitrateMain", "VideoGop", "VideoGopMain", "Codec"}},
	} {
		s.tracker.SetMessage("%s …", st.name)
		h, _, err := rpc.NewHeader(st.key, "", t.DMPDIP)
		if err != nil {
			continue
		}
		r, err := s.send(ctx, t, st.name, camerasMsg{Header: h, Cameras: ips}, opts.StepTimeout, opts)
		if err != nil {
			continue
		}
		for ip, c := range r.byIP() {
			if info[ip] == nil {
				info[ip] = map[string]any{}
			}
			if st.keep == nil {
				for k, v := range c {
					info[ip][k] = v
				}
				continue
			}
			for _, k := range st.keep {
				if v, ok := c[k]; ok {
					info[ip][k] = v
				}
			}
		}
	}
	s.mu.Lock()
	s.info = info
	s.mu.Unlock()

	var up, down []string
	for _, c := range add {
		if connected[c.IPAddress] {
			up = append(up, c.IPAddress)
		} else {
			down = append(down, c.IPAddress)
		}
	}
	if err := s.store.SetCameraLinks(up, state.LinkConnected, true); err != nil {
		s.log.Error("store camera links", "error", err)
	}
	if err := s.store.SetCameraLinks(down, state.LinkConnected, false); err != nil {
		s.log.Error("store camera links", "error", err)
	}

	s.tracker.Update(func(p *progress.Snapshot) {
		p.State = progress.Done
		p.Phase = ""
		p.Done = len(up)
		p.Fails = append([]string{}, down...)
		p.Message = fmt.Sprintf("Camera connect finished: connected %d/%d · %s", len(up), len(add), progress.Secs(time.Since(started)))
	})
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
