package liveness

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"
)

// scriptedDial answers per address: nil error yields a live connection.
func scriptedDial(errs map[string]error) DialFunc {
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		host, _, _ := net.SplitHostPort(address)
		if err, ok := errs[host]; ok && err != nil {
			return nil, err
		}
		c1, c2 := net.Pipe()
		_ = c2.Close()
		return c1, nil
	}
}

type pingRecorder struct {
	mu      sync.Mutex
	calls   []string
	verdict Verdict
}

func (r *pingRecorder) ping(ctx context.Context, ip string, timeout time.Duration) Verdict {
	r.mu.Lock()
	r.calls = append(r.calls, ip)
	r.mu.Unlock()
	return r.verdict
}

func TestClassifyDialError(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: &os.SyscallError{Syscall: "connect", Err: syscall.ECONNREFUSED}}
	unreach := &net.OpError{Op: "dial", Net: "tcp", Err: &os.SyscallError{Syscall: "connect", Err: syscall.EHOSTUNREACH}}
	cases := []struct {
		name string
		err  error
		want Verdict
	}{
		{"refused", refused, Alive},
		{"deadline", fmt.Errorf("dial: %w", context.DeadlineExceeded), Dead},
		{"unreachable", unreach, Dead},
		{"other", errors.New("weird"), Unknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classifyDialError(tc.err); got != tc.want {
				t.Fatalf("want %v got %v", tc.want, got)
			}
		})
	}
}

func TestCycleAutoPolicy(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: &os.SyscallError{Syscall: "connect", Err: syscall.ECONNREFUSED}}
	rec := &pingRecorder{verdict: Dead}
	p := NewProbe(Options{}, WithDial(scriptedDial(map[string]error{
		"10.0.0.1": refused,
		"10.0.0.2": context.DeadlineExceeded,
		"10.0.0.3": errors.New("inconclusive"),
	})), WithPing(rec.ping))

	got := p.Cycle(context.Background(), []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4"})
	want := map[string]bool{"10.0.0.1": true, "10.0.0.2": false, "10.0.0.3": false, "10.0.0.4": true}
	for ip, w := range want {
		if got[ip] != w {
			t.Fatalf("%s: want %v got %v", ip, w, got[ip])
		}
	}
	// only the inconclusive TCP result falls back to ICMP
	if len(rec.calls) != 1 || rec.calls[0] != "10.0.0.3" {
		t.Fatalf("unexpected ICMP fallbacks %v", rec.calls)
	}
}

func TestCycleRealRefusedPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	p := NewProbe(Options{Method: MethodTCP, Port: port, Timeout: time.Second})
	if v := p.TCP(context.Background(), "127.0.0.1"); v != Alive {
		t.Fatalf("refused port must count as alive, got %v", v)
	}
}

func TestCycleICMPOnly(t *testing.T) {
	rec := &pingRecorder{verdict: Unknown}
	p := NewProbe(Options{Method: "ICMP"}, WithPing(rec.ping))
	got := p.Cycle(context.Background(), []string{"10.0.0.9"})
	if got["10.0.0.9"] {
		t.Fatalf("unknown ICMP must be dead")
	}
}

type memCameraStore struct {
	ips   []string
	alive map[string]bool
}

func (m *memCameraStore) CameraIPs() []string { return m.ips }
func (m *memCameraStore) ReplaceCameraAlive(a map[string]bool) error {
	m.alive = a
	return nil
}

func TestProberReplacesAliveMap(t *testing.T) {
	store := &memCameraStore{ips: []string{"10.0.0.1", "10.0.0.2"}, alive: map[string]bool{"10.0.0.2": true, "10.0.0.7": true}}
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: &os.SyscallError{Syscall: "connect", Err: syscall.ECONNREFUSED}}
	rec := &pingRecorder{verdict: Dead}
	p := NewProbe(Options{}, WithDial(scriptedDial(map[string]error{
		"10.0.0.1": refused,
		"10.0.0.2": os.ErrDeadlineExceeded,
	})), WithPing(rec.ping))

	pr := NewProber(p, store, nil)
	if _, err := pr.RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !store.alive["10.0.0.1"] {
		t.Fatalf("refused camera must be alive")
	}
	if v, ok := store.alive["10.0.0.2"]; !ok || v {
		t.Fatalf("timed out camera must overwrite the prior true, got %v", store.alive)
	}
	if _, ok := store.alive["10.0.0.7"]; ok {
		t.Fatalf("alive map must be replaced, not merged")
	}
}
