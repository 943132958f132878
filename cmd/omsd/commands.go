package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/tidwall/jsonc"

	"github.com/loykin/oms/pkg/client"
)

// command runs the client subcommands against a daemon.
type command struct {
	out io.Writer
}

// followTimeout bounds --follow like the daemon bounds its streams.
const followTimeout = 10 * time.Minute

func (c command) State(f APIFlags) error {
	st, err := newAPIClient(f).SystemState(context.Background())
	if err != nil {
		return err
	}
	printJSON(c.out, st)
	return nil
}

func (c command) CameraState(f APIFlags) error {
	st, err := newAPIClient(f).CameraState(context.Background())
	if err != nil {
		return err
	}
	printJSON(c.out, st)
	return nil
}

// RunState prints the progress of a run kind: restart, connect or camera.
func (c command) RunState(kind string, f APIFlags) error {
	cl := newAPIClient(f)
	ctx := context.Background()
	var (
		snap client.Snapshot
		err  error
	)
	switch kind {
	case "restart":
		snap, err = cl.RestartState(ctx)
	case "connect":
		snap, err = cl.ConnectState(ctx)
	case "camera":
		snap, err = cl.CameraConnectState(ctx)
	default:
		return fmt.Errorf("unknown run kind %q", kind)
	}
	if err != nil {
		return err
	}
	printJSON(c.out, snap)
	return nil
}

func (c command) Clear(kind string, f APIFlags) error {
	cl := newAPIClient(f)
	var err error
	switch kind {
	case "restart":
		err = cl.ClearRestart(context.Background())
	case "connect":
		err = cl.ClearConnect(context.Background())
	default:
		return fmt.Errorf("unknown run kind %q", kind)
	}
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "%s state cleared\n", kind)
	return nil
}

func (c command) Restart(f RunFlags) error {
	cl := newAPIClient(f.APIFlags)
	snap, err := cl.StartRestart(context.Background(), f.Wait && !f.Follow)
	if err != nil {
		return busy("restart", err)
	}
	return c.finish(cl, "restart", snap, f)
}

func (c command) Connect(f ConnectFlags) error {
	cl := newAPIClient(f.APIFlags)
	req := client.ConnectRequest{MTDHost: f.MTDHost, MTDPort: f.MTDPort, DMPDIP: f.DMPDIP, DryRun: f.DryRun}
	snap, err := cl.StartConnect(context.Background(), req, f.Wait && !f.Follow)
	if err != nil {
		return busy("connect", err)
	}
	return c.finish(cl, "connect", snap, f.RunFlags)
}

func (c command) CameraConnect(f RunFlags) error {
	cl := newAPIClient(f.APIFlags)
	snap, err := cl.StartCameraConnect(context.Background(), f.Wait)
	if err != nil {
		return busy("camera connect", err)
	}
	printJSON(c.out, snap)
	return nil
}

func (c command) CameraAction(name string, f CameraActionFlags) error {
	res, err := newAPIClient(f.APIFlags).CameraAction(context.Background(), name, f.IPs)
	if err != nil {
		return err
	}
	printJSON(c.out, res)
	if !res.OK {
		return fmt.Errorf("camera %s: %s", name, res.Error)
	}
	return nil
}

func (c command) MTDQuery(f MTDQueryFlags) error {
	if strings.TrimSpace(f.Message) == "" {
		return fmt.Errorf("--message is required")
	}
	var msg map[string]any
	if err := json.Unmarshal(jsonc.ToJSON([]byte(f.Message)), &msg); err != nil {
		return fmt.Errorf("--message: %w", err)
	}
	q := client.MTDQuery{Host: f.Host, Port: f.Port, Message: msg, Timeout: f.Timeout.Seconds()}
	res, err := newAPIClient(f.APIFlags).MTDQuery(context.Background(), q)
	if err != nil {
		return err
	}
	printJSON(c.out, res)
	return nil
}

// History prints one line per finished run, or the reports with --json.
func (c command) History(f HistoryFlags) error {
	runs, err := newAPIClient(f.APIFlags).History(context.Background(), f.Kind, f.Limit)
	if err != nil {
		return err
	}
	if f.JSON {
		printJSON(c.out, runs)
		return nil
	}
	for _, r := range runs {
		_, _ = fmt.Fprintf(c.out, "%s %-14s %-7s %d/%d %6s %s\n",
			r.FinishedAt.Local().Format(time.DateTime), r.Kind, r.State, r.Done, r.Total,
			(time.Duration(r.DurationMS) * time.Millisecond).Round(100*time.Millisecond), r.Message)
		if len(r.Fails) > 0 {
			_, _ = fmt.Fprintf(c.out, "    fails: %s\n", strings.Join(r.Fails, ", "))
		}
	}
	return nil
}

// finish prints the start snapshot or, with --follow, one line per update
// until the run ends.
func (c command) finish(cl *client.Client, run string, snap client.Snapshot, f RunFlags) error {
	if !f.Follow {
		printJSON(c.out, snap)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), followTimeout)
	defer cancel()
	var last client.Snapshot
	err := cl.Follow(ctx, run, func(s client.Snapshot) {
		last = s
		_, _ = fmt.Fprintf(c.out, "[%s] %s %d/%d %s\n", s.State, s.Phase, s.Done, s.Total, s.Message)
	})
	if err != nil {
		return err
	}
	if len(last.Fails) > 0 {
		_, _ = fmt.Fprintf(c.out, "fails: %s\n", strings.Join(last.Fails, ", "))
	}
	return nil
}

func busy(run string, err error) error {
	if client.IsConflict(err) {
		return fmt.Errorf("%s already running", run)
	}
	return err
}
