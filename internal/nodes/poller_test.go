package nodes

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

func nodeFor(t *testing.T, name string, srv *httptest.Server) Node {
	t.Helper()
	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	p, _ := strconv.Atoi(port)
	return Node{Name: name, Host: host, Port: p}
}

func TestPollOnceCachesFailures(t *testing.T) {
	var configCode atomic.Int32
	configCode.Store(http.StatusOK)
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/status":
			_, _ = w.Write([]byte(`{"data":{"CCd":{"running":true,"pid":7}}}`))
		case "/config":
			if c := int(configCode.Load()); c != http.StatusOK {
				w.WriteHeader(c)
				return
			}
			_, _ = w.Write([]byte(`{"executables":[{"name":"CCd","alias":"Cam Ctl"}]}`))
		}
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	p := NewPoller(NewClient(nil, nil), []Node{nodeFor(t, "n1", good), nodeFor(t, "n2", bad), {Name: "never", Host: "127.0.0.1", Port: 1}}, PollerOptions{StatusTimeout: time.Second, ConfigTimeout: time.Second}, nil)
	p.PollOnce(context.Background())

	es := p.Entries()
	if len(es) != 3 {
		t.Fatalf("expected an entry per node, got %d", len(es))
	}
	if !es[0].OK || len(es[0].Status.Processes) != 1 || es[0].Aliases["CCd"] != "Cam Ctl" {
		t.Fatalf("unexpected good entry %+v", es[0])
	}
	if es[1].OK || es[1].Error != "http 500" {
		t.Fatalf("unexpected bad entry %+v", es[1])
	}
	if es[2].OK || es[2].Error == "" {
		t.Fatalf("unreachable node must produce an error entry: %+v", es[2])
	}

	// a failing /config keeps the previous alias map
	configCode.Store(http.StatusBadGateway)
	p.PollOnce(context.Background())
	if p.Aliases("n1")["CCd"] != "Cam Ctl" {
		t.Fatalf("alias cache lost on /config failure")
	}
	if n := p.ClearAliases(); n != 1 {
		t.Fatalf("expected 1 cleared alias map, got %d", n)
	}
}

func TestPollOnceSlowNodeDoesNotBlockOthers(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(release)
	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"processes":[]}`))
	}))
	defer fast.Close()

	p := NewPoller(NewClient(nil, nil), []Node{nodeFor(t, "slow", slow), nodeFor(t, "fast", fast)}, PollerOptions{StatusTimeout: 300 * time.Millisecond, ConfigTimeout: 300 * time.Millisecond}, nil)
	start := time.Now()
	p.PollOnce(context.Background())
	if el := time.Since(start); el > 2*time.Second {
		t.Fatalf("poll took too long: %v", el)
	}
	es := p.Entries()
	if es[0].OK || !es[1].OK {
		t.Fatalf("unexpected entries %+v", es)
	}
}

func TestSlowConfigDoesNotDelayStatus(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/status":
			_, _ = w.Write([]byte(`{"data":{"CCd":{"running":true}}}`))
		case "/config":
			select {
			case <-release:
			case <-r.Context().Done():
				return
			}
			_, _ = w.Write([]byte(`{"executables":[{"name":"CCd","alias":"Cam Ctl"}]}`))
		}
	}))
	defer srv.Close()

	p := NewPoller(NewClient(nil, nil), []Node{nodeFor(t, "n1", srv)}, PollerOptions{StatusTimeout: time.Second, ConfigTimeout: 5 * time.Second}, nil)
	done := make(chan struct{})
	go func() {
		p.PollOnce(context.Background())
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !p.Entries()[0].OK {
		if time.Now().After(deadline) {
			close(release)
			t.Fatal("status was held back by the pending /config request")
		}
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case <-done:
		t.Fatal("poll finished before /config answered")
	default:
	}

	close(release)
	<-done
	if es := p.Entries(); es[0].Aliases["CCd"] != "Cam Ctl" {
		t.Fatalf("aliases not applied: %+v", es[0])
	}
}

func TestSetNodesDropsRemoved(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"processes":[]}`))
	}))
	defer srv.Close()
	n := nodeFor(t, "a", srv)
	p := NewPoller(NewClient(nil, nil), []Node{n}, PollerOptions{}, nil)
	p.PollOnce(context.Background())
	p.SetNodes(nil)
	if len(p.Entries()) != 0 || p.Aliases("a") != nil {
		t.Fatalf("removed node still cached")
	}
	if _, ok := p.Node("a"); ok {
		t.Fatalf("removed node still resolvable")
	}
}

func TestClientRestartAndSnapshot(t *testing.T) {
	var restarted atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/restart/CCd":
			restarted.Store(true)
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusNotFound)
		case r.URL.Path == "/status":
			_, _ = w.Write([]byte(`{"processes":[{"name":"CCd","running":true,"pid":99}]}`))
		}
	}))
	defer srv.Close()
	c := NewClient(nil, nil)
	n := nodeFor(t, "n", srv)
	if err := c.Restart(context.Background(), n, "CCd", time.Second); err != nil || !restarted.Load() {
		t.Fatalf("restart failed: %v", err)
	}
	if err := c.Restart(context.Background(), n, "XXd", time.Second); err == nil {
		t.Fatalf("404 must fail the restart")
	}
	snap, err := c.Snapshot(context.Background(), n, "CCd", time.Second)
	if err != nil || !snap.Found || snap.PID == nil || *snap.PID != 99 {
		t.Fatalf("unexpected snapshot %+v %v", snap, err)
	}
	snap, err = c.Snapshot(context.Background(), n, "nope", time.Second)
	if err != nil || snap.Found {
		t.Fatalf("missing process must be a zero snapshot: %+v %v", snap, err)
	}
}
