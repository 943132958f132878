package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

// APIFlags locate the daemon for client commands.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

type ServeFlags struct {
	ConfigPath    string
	Daemonize     bool
	PidFile       string
	LogFile       string
	MetricsListen string
	NoWatch       bool
}

// RunFlags drive restart, connect and camera connect.
type RunFlags struct {
	APIFlags
	Wait   bool
	Follow bool
}

type ConnectFlags struct {
	RunFlags
	MTDHost string
	MTDPort int
	DMPDIP  string
	DryRun  bool
}

type CameraActionFlags struct {
	APIFlags
	IPs []string
}

type MTDQueryFlags struct {
	APIFlags
	Host    string
	Port    int
	Message string
	Timeout time.Duration
}

type HistoryFlags struct {
	APIFlags
	Kind  string
	Limit int
	JSON  bool
}
