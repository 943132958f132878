package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestPidFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "omsd.pid")
	if err := writePidFile(pidFile, os.Getpid()); err != nil {
		t.Fatalf("writePidFile failed: %v", err)
	}
	if _, err := os.Stat(pidFile); err != nil {
		t.Fatalf("PID file was not created: %v", err)
	}
	if err := removePidFile(pidFile); err != nil {
		t.Fatalf("removePidFile failed: %v", err)
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Fatal("PID file was not removed")
	}
	if err := removePidFile(""); err != nil {
		t.Fatalf("empty pidfile should be a no-op: %v", err)
	}
}

func TestChildArgs(t *testing.T) {
	in := []string{"serve", "oms.toml", "--daemonize", "--logfile", "/tmp/o.log", "--pidfile", "/run/omsd.pid", "--daemonize=true", "--logfile=/x"}
	want := []string{"serve", "oms.toml", "--pidfile", "/run/omsd.pid"}
	if got := childArgs(in); !reflect.DeepEqual(got, want) {
		t.Fatalf("childArgs = %v, want %v", got, want)
	}
}
