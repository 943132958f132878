package oms

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestLoadConfigAndDaemon(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "oms.toml")
	data := `
[state]
dir = "state"

[liveness]
enabled = false

[[nodes]]
name = "dmp"
host = "127.0.0.1"
port = 1
`
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(p)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.Nodes) != 1 || cfg.StateDir() != filepath.Join(dir, "state") {
		t.Fatalf("config: nodes=%d state=%s", len(cfg.Nodes), cfg.StateDir())
	}

	d, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Stop()
	if st := d.SystemState(); st.Message != "Check System" {
		t.Fatalf("unexpected banner %q", st.Message)
	}

	h := d.Handler("/api")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/oms/camera/state", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "No Camera") {
		t.Fatalf("camera state: %d %s", rr.Code, rr.Body.String())
	}
}

func TestDaemonHistory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Liveness.Enabled = false
	cfg.State.Dir = t.TempDir()
	d, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Stop()
	if _, err := d.StartRestart(); err != nil {
		t.Fatalf("StartRestart: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		runs := d.History(context.Background(), "restart", 5)
		if len(runs) == 1 {
			if runs[0].Kind != "restart" {
				t.Fatalf("unexpected kind %q", runs[0].Kind)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no restart report recorded, got %d", len(runs))
		}
		time.Sleep(10 * time.Millisecond)
	}
	if runs := d.History(context.Background(), "connect", 5); len(runs) != 0 {
		t.Fatalf("unexpected connect runs: %d", len(runs))
	}
}

func TestMetricsHelpers(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := RegisterMetrics(reg); err != nil {
		t.Fatalf("RegisterMetrics: %v", err)
	}
	if err := RegisterMetricsDefault(); err != nil {
		t.Fatalf("RegisterMetricsDefault: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "oms_") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no oms_ metric families registered")
	}
}
