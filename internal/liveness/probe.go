package liveness

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-ping/ping"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/oms/internal/metrics"
)

// Verdict is the outcome of one reachability probe.
type Verdict int

const (
	Unknown Verdict = iota
	Alive
	Dead
)

func (v Verdict) String() string {
	switch v {
	case Alive:
		return "alive"
	case Dead:
		return "dead"
	}
	return "unknown"
}

// Probe methods.
const (
	MethodAuto = "auto"
	MethodTCP  = "tcp"
	MethodICMP = "icmp"
)

// Options configures a Probe.
type Options struct {
	Method     string
	Port       int
	Timeout    time.Duration
	Workers    int
	Privileged bool
}

// DialFunc opens a TCP connection. (*net.Dialer).DialContext satisfies it.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// PingFunc sends one ICMP echo and reports the verdict.
type PingFunc func(ctx context.Context, ip string, timeout time.Duration) Verdict

// Probe checks camera reachability by TCP connect and ICMP echo.
type Probe struct {
	opts Options
	dial DialFunc
	ping PingFunc
}

type ProbeOption func(*Probe)

func WithDial(d DialFunc) ProbeOption { return func(p *Probe) { p.dial = d } }
func WithPing(f PingFunc) ProbeOption { return func(p *Probe) { p.ping = f } }

func NewProbe(opts Options, o ...ProbeOption) *Probe {
	if opts.Method == "" {
		opts.Method = MethodAuto
	}
	opts.Method = strings.ToLower(opts.Method)
	if opts.Port <= 0 {
		opts.Port = 554
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 800 * time.Millisecond
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	p := &Probe{opts: opts, dial: (&net.Dialer{}).DialContext}
	p.ping = func(ctx context.Context, ip string, timeout time.Duration) Verdict {
		return icmpEcho(ctx, ip, timeout, p.opts.Privileged)
	}
	for _, f := range o {
		f(p)
	}
	return p
}

// TCP connects to the camera service port. A refused connection means the
// host is up. Timeouts and unreachable networks mean dead.
func (p *Probe) TCP(ctx context.Context, ip string) Verdict {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()
	conn, err := p.dial(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(p.opts.Port)))
	if err == nil {
		_ = conn.Close()
		return Alive
	}
	return classifyDialError(err)
}

func classifyDialError(err error) Verdict {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return Alive
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return Dead
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.EHOSTDOWN):
		return Dead
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Dead
	}
	return Unknown
}

// ICMP sends one echo request.
func (p *Probe) ICMP(ctx context.Context, ip string) Verdict {
	return p.ping(ctx, ip, p.opts.Timeout)
}

func icmpEcho(ctx context.Context, ip string, timeout time.Duration, privileged bool) Verdict {
	pinger, err := ping.NewPinger(ip)
	if err != nil {
		return Unknown
	}
	pinger.Count = 1
	pinger.Timeout = timeout
	pinger.SetPrivileged(privileged)
	stop := context.AfterFunc(ctx, pinger.Stop)
	defer stop()
	if err := pinger.Run(); err != nil {
		return Unknown
	}
	if pinger.Statistics().PacketsRecv > 0 {
		return Alive
	}
	return Dead
}

// Check runs the configured method. auto tries TCP first and falls back to
// ICMP only when TCP is inconclusive.
func (p *Probe) Check(ctx context.Context, ip string) (Verdict, string) {
	switch p.opts.Method {
	case MethodTCP:
		return p.TCP(ctx, ip), MethodTCP
	case MethodICMP:
		return p.ICMP(ctx, ip), MethodICMP
	}
	if v := p.TCP(ctx, ip); v != Unknown {
		return v, MethodTCP
	}
	return p.ICMP(ctx, ip), MethodICMP
}

// Cycle probes every ip concurrently with at most min(workers, len(ips))
// probes in flight. Anything not positively alive is reported false.
func (p *Probe) Cycle(ctx context.Context, ips []string) map[string]bool {
	out := make(map[string]bool, len(ips))
	if len(ips) == 0 {
		return out
	}
	results := make([]bool, len(ips))
	var g errgroup.Group
	g.SetLimit(min(p.opts.Workers, len(ips)))
	for i, ip := range ips {
		g.Go(func() error {
			v, method := p.Check(ctx, ip)
			results[i] = v == Alive
			metrics.IncProbe(method, results[i])
			return nil
		})
	}
	_ = g.Wait()
	for i, ip := range ips {
		out[ip] = results[i]
	}
	return out
}
