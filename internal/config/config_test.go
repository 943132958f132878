package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTOML(t *testing.T, data string) string {
	t.Helper()
	dir := t.TempDir()
	file := filepath.Join(dir, "oms.toml")
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	return file
}

func TestLoad_Minimal(t *testing.T) {
	file := writeTOML(t, `
[[nodes]]
name = "dmp"
host = "10.0.0.5"
`)
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Nodes) != 1 {
		t.Fatalf("expected 1 node, got %d", len(cfg.Nodes))
	}
	if cfg.Nodes[0].Port != DefaultNodePort {
		t.Fatalf("expected default node port %d, got %d", DefaultNodePort, cfg.Nodes[0].Port)
	}
	if cfg.Server.Listen != DefaultListen {
		t.Fatalf("unexpected listen: %s", cfg.Server.Listen)
	}
	if cfg.Poller.Heartbeat != 2*time.Second || cfg.Poller.StatusTimeout != 2500*time.Millisecond {
		t.Fatalf("unexpected poller defaults: %+v", cfg.Poller)
	}
	if cfg.Restart.ReadyTimeout != 40*time.Second || cfg.Restart.SettleWindow != 20*time.Second {
		t.Fatalf("unexpected restart defaults: %+v", cfg.Restart)
	}
	if cfg.Restart.UptimeResetRatio != 0.5 || cfg.Restart.RunningStreak != 2 {
		t.Fatalf("unexpected evidence defaults: %+v", cfg.Restart)
	}
	if cfg.Liveness.Port != 554 || cfg.Liveness.Method != "auto" || cfg.Liveness.Timeout != 800*time.Millisecond {
		t.Fatalf("unexpected liveness defaults: %+v", cfg.Liveness)
	}
	if cfg.RPC.MTDPort != DefaultMTDPort {
		t.Fatalf("unexpected mtd port %d", cfg.RPC.MTDPort)
	}
}

func TestLoad_Overrides(t *testing.T) {
	file := writeTOML(t, `
[poller]
heartbeat = "5s"

[restart]
ready_timeout = "3s"
settle_window = "7s"
uptime_reset_ratio = 0.25

[connect]
dmpdip = "10.0.0.1"

[connect.daemon_map]
SCd = "10.0.0.2"
CCd = "10.0.0.3"

[process_alias]
MMd = "Multimedia"

[[nodes]]
name = "a"
host = "10.0.0.2"
port = 9000
`)
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Poller.Heartbeat != 5*time.Second {
		t.Fatalf("heartbeat not overridden: %v", cfg.Poller.Heartbeat)
	}
	if cfg.Restart.ReadyTimeout != 3*time.Second || cfg.Restart.SettleWindow != 7*time.Second {
		t.Fatalf("restart not overridden: %+v", cfg.Restart)
	}
	if cfg.Restart.UptimeResetRatio != 0.25 {
		t.Fatalf("ratio not overridden: %v", cfg.Restart.UptimeResetRatio)
	}
	if cfg.Nodes[0].Port != 9000 {
		t.Fatalf("node port not kept: %d", cfg.Nodes[0].Port)
	}
	// viper lower-cases map keys; consumers match case-insensitively.
	found := false
	for k, v := range cfg.Connect.DaemonMap {
		if strings.EqualFold(k, "SCd") && v == "10.0.0.2" {
			found = true
		}
	}
	if !found {
		t.Fatalf("daemon_map missing SCd: %v", cfg.Connect.DaemonMap)
	}
	if len(cfg.ProcessAlias) != 1 {
		t.Fatalf("expected one process alias, got %v", cfg.ProcessAlias)
	}
}

func TestLoad_Errors(t *testing.T) {
	cases := map[string]string{
		"missing host":   "[[nodes]]\nname = \"a\"\n",
		"missing name":   "[[nodes]]\nhost = \"h\"\n",
		"duplicate name": "[[nodes]]\nname = \"a\"\nhost = \"h\"\n[[nodes]]\nname = \"a\"\nhost = \"h2\"\n",
		"bad method":     "[liveness]\nmethod = \"udp\"\n",
		"bad ratio":      "[restart]\nuptime_reset_ratio = 2.0\n",
		"history no dsn": "[history]\nenabled = true\n",
		"tls no cert":    "[server.tls]\nenabled = true\ncert_file = \"a.crt\"\n",
		"invalid toml":   "[[nodes]\nname=",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeTOML(t, data)); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg == nil {
		t.Fatalf("Default returned nil")
	}
	if cfg.State.Dir != "state" || cfg.StateDir() != "state" {
		t.Fatalf("unexpected state dir: %q", cfg.StateDir())
	}
	if len(cfg.Nodes) != 0 {
		t.Fatalf("default config must not define nodes")
	}
}

func TestResolveRelativeToConfig(t *testing.T) {
	file := writeTOML(t, "[state]\ndir = \"data\"\n[log]\ndir = \"/var/log/oms\"\n")
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := filepath.Join(filepath.Dir(file), "data")
	if cfg.StateDir() != want {
		t.Fatalf("StateDir=%s want %s", cfg.StateDir(), want)
	}
	if cfg.LogDir() != "/var/log/oms" {
		t.Fatalf("absolute log dir changed: %s", cfg.LogDir())
	}
	if cfg.Path() != file {
		t.Fatalf("Path=%s", cfg.Path())
	}
}

func TestServerTLSResolve(t *testing.T) {
	file := writeTOML(t, "[server.tls]\nenabled = true\ndir = \"tls\"\nauto_generate = true\nhosts = [\"oms.local\"]\n")
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	tc := cfg.ServerTLS()
	if tc.Dir != filepath.Join(filepath.Dir(file), "tls") {
		t.Fatalf("tls dir not resolved: %s", tc.Dir)
	}
	if !tc.AutoGenerate || len(tc.Hosts) != 1 || tc.Hosts[0] != "oms.local" {
		t.Fatalf("unexpected tls config: %+v", tc)
	}
	if cfg.Server.TLS.Dir != "tls" {
		t.Fatalf("ServerTLS must not modify the config: %s", cfg.Server.TLS.Dir)
	}
}

func TestWatcher_Reload(t *testing.T) {
	file := writeTOML(t, "[[nodes]]\nname = \"a\"\nhost = \"h\"\n")
	var got *Config
	w := NewWatcher(file, nil, func(c *Config) { got = c })
	if !w.Reload() {
		t.Fatalf("reload of valid file failed")
	}
	if got == nil || len(got.Nodes) != 1 {
		t.Fatalf("callback not invoked with new config: %+v", got)
	}

	if err := os.WriteFile(file, []byte("[[nodes]]\nname = \"a\"\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	got = nil
	if w.Reload() {
		t.Fatalf("invalid config must not be applied")
	}
	if got != nil {
		t.Fatalf("callback invoked for invalid config")
	}
}
