package connect

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/loykin/oms/internal/nodes"
	"github.com/loykin/oms/internal/progress"
	"github.com/loykin/oms/internal/rpc"
	"github.com/loykin/oms/internal/state"
)

// fakeMTd answers calls in process. reply returns the JSON object to send
// back, or an error that surfaces as a TransportError.
type fakeMTd struct {
	mu    sync.Mutex
	sent  []map[string]any
	reply func(msg map[string]any) (any, error)
}

func (f *fakeMTd) Call(ctx context.Context, req rpc.Request) (*rpc.Response, error) {
	b, err := json.Marshal(req.Message)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	f.mu.Lock()
	f.sent = append(f.sent, m)
	f.mu.Unlock()
	out, err := f.reply(m)
	if err != nil {
		return nil, &rpc.TransportError{Message: err.Error(), Tag: "tag-err"}
	}
	body, _ := json.Marshal(out)
	return &rpc.Response{Tag: "tag-ok", Body: body}, nil
}

func (f *fakeMTd) messages(section1, to string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, m := range f.sent {
		if m["Section1"] == section1 && (to == "" || m["To"] == to) {
			out = append(out, m)
		}
	}
	return out
}

func testOptions() Options {
	return Options{AIRetryDelay: time.Millisecond, SwitchDelay: time.Millisecond}
}

func ver(v string) map[string]any { return map[string]any{"version": v, "date": "2025-01-01"} }

// rigReply is a healthy rig: every daemon answers.
func rigReply(msg map[string]any) (any, error) {
	switch msg["Section1"] {
	case "mtd":
		out := map[string]any{}
		for name := range msg["DaemonList"].(map[string]any) {
			out[name] = map[string]any{"Status": "OK"}
		}
		return map[string]any{"DaemonList": out, "ResultCode": 1000}, nil
	case "CCd":
		return map[string]any{"ResultArray": []any{
			map[string]any{"PreSd_id": "10.0.0.30", "ip": "10.0.0.21", "model": "BGH1", "SCd_id": "10.0.0.2", "cam_idx": 1},
			map[string]any{"PreSd_id": "10.0.0.30", "ip": "10.0.0.22", "model": "BGH1", "SCd_id": "10.0.0.2", "cam_idx": "2"},
			map[string]any{"PreSd_id": "10.0.0.31", "ip": "10.0.0.23", "model": "BGH1", "SCd_id": "10.0.0.2", "cam_idx": 3},
			map[string]any{"PreSd_id": "", "ip": "10.0.0.99"},
		}}, nil
	case "pcd":
		return map[string]any{"ResultCode": 1000}, nil
	case "AIc":
		out := map[string]any{}
		for alias, ip := range msg["AIcList"].(map[string]any) {
			out[alias] = map[string]any{"Status": "OK", "IP": ip}
		}
		return map[string]any{"AIcList": out}, nil
	case "Daemon":
		to := msg["To"].(string)
		switch to {
		case "PreSd":
			return map[string]any{"Version": map[string]any{"PreSd": ver("3.0")}}, nil
		case "AId":
			return map[string]any{"Version": map[string]any{
				"AId": ver("2.0"),
				"AIc": []any{map[string]any{"ip": "10.0.0.40", "name": "AIc", "version": "2.1", "date": "d"}},
			}}, nil
		default:
			return map[string]any{"Version": map[string]any{to: ver("1.0")}}, nil
		}
	case "Switch":
		return map[string]any{"Switches": []any{map[string]any{"ip": "10.0.0.2", "Brand": "Cisco", "Model": "C9300"}}}, nil
	}
	return nil, errors.New("unexpected message")
}

func newSequencer(t *testing.T, f *fakeMTd, aics map[string]string) (*Sequencer, *state.Store, string) {
	t.Helper()
	dir := t.TempDir()
	store := state.Open(dir, nil)
	s := New(f, store, func() map[string]string { return aics }, testOptions(), Hooks{}, nil)
	return s, store, dir
}

var rigParams = Params{
	MTDHost: "127.0.0.1",
	MTDPort: 19765,
	DMPDIP:  "10.0.0.1",
	DaemonMap: map[string]string{
		"CCd": "10.0.0.1", "SCd": "10.0.0.1", "MMd": "10.0.0.5", "AId": "10.0.0.6",
		"PreSd": "10.0.0.30", "AIc": "10.0.0.40", "MTd": "10.0.0.1",
	},
}

func TestConnectFullSequence(t *testing.T) {
	f := &fakeMTd{reply: rigReply}
	s, store, _ := newSequencer(t, f, map[string]string{"AIc-1": "10.0.0.40"})
	snap, err := s.Run(context.Background(), rigParams)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if snap.State != progress.Done {
		t.Fatalf("expected done, got %+v", snap)
	}

	sys := store.System()
	want := map[string]int{"CCd": 1, "SCd": 1, "MMd": 1, "AId": 1, "MTd": 1, "PreSd": 2, "AIc": 1}
	for k, v := range want {
		if sys.ConnectedDaemons[k] != v {
			t.Fatalf("connected_daemons[%s] = %d, want %d (%v)", k, sys.ConnectedDaemons[k], v, sys.ConnectedDaemons)
		}
	}
	if len(sys.Cameras) != 3 || len(sys.PreSd) != 2 || len(sys.PreSd[0].Cameras) != 2 || sys.Cameras[1].Index != 2 {
		t.Fatalf("unexpected topology %+v / %+v", sys.Cameras, sys.PreSd)
	}
	if sys.DaemonMap["SCd"] != "10.0.0.2" {
		t.Fatalf("single switch must become the SCd address, got %q", sys.DaemonMap["SCd"])
	}
	if sys.Versions["MMd"].Version != "1.0" || sys.Versions["PreSd"].Version != "3.0" || sys.Versions["AId"].Version != "2.0" {
		t.Fatalf("unexpected versions %+v", sys.Versions)
	}
	if sys.PreSdVersions["10.0.0.31"].Version != "3.0" {
		t.Fatalf("PreSd batch version not applied per IP: %+v", sys.PreSdVersions)
	}
	if sys.AIcVersions["10.0.0.40"]["AIc"].Version != "2.1" {
		t.Fatalf("unexpected aic versions %+v", sys.AIcVersions)
	}
	if len(sys.Switches) != 1 || sys.Switches[0].Brand != "Cisco" {
		t.Fatalf("unexpected switches %+v", sys.Switches)
	}
	cam := store.Camera()
	if len(cam.Cameras) != 3 || len(cam.Switches) != 1 {
		t.Fatalf("camera topology not replaced: %+v", cam)
	}

	// MMd is queried under its router name
	if len(f.messages("Daemon", "SPd")) == 0 || len(f.messages("Daemon", "MMd")) != 0 {
		t.Fatalf("MMd version must be requested from SPd")
	}
	pre := f.messages("Daemon", "PreSd")
	if len(pre) != 1 {
		t.Fatalf("expected one batched PreSd version request, got %d", len(pre))
	}
	exp := pre[0]["Expect"].(map[string]any)
	if exp["count"].(float64) != 2 || exp["wait_sec"].(float64) != 5 {
		t.Fatalf("unexpected Expect %v", exp)
	}
	for _, m := range f.sent {
		if m["From"] != rpc.Sender || m["Token"] == nil {
			t.Fatalf("message without envelope: %v", m)
		}
	}
}

func TestConnectDaemonListExclusions(t *testing.T) {
	f := &fakeMTd{reply: rigReply}
	s, _, _ := newSequencer(t, f, nil)
	if _, err := s.Run(context.Background(), rigParams); err != nil {
		t.Fatalf("run: %v", err)
	}
	first := f.messages("mtd", "MTd")[0]
	dl := first["DaemonList"].(map[string]any)
	for _, name := range []string{"PreSd", "AIc", "MTd", "MMd"} {
		if _, ok := dl[name]; ok {
			t.Fatalf("%s must not be in the DaemonList: %v", name, dl)
		}
	}
	if dl["SPd"] != "10.0.0.5" || dl["CCd"] != "10.0.0.1" {
		t.Fatalf("unexpected DaemonList %v", dl)
	}
}

func TestConnectCameraStepFailureStillCompletes(t *testing.T) {
	f := &fakeMTd{reply: func(msg map[string]any) (any, error) {
		if msg["Section1"] == "CCd" {
			return nil, errors.New("receive: i/o timeout")
		}
		return rigReply(msg)
	}}
	s, store, dir := newSequencer(t, f, map[string]string{"AIc-1": "10.0.0.40"})
	snap, err := s.Run(context.Background(), rigParams)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if snap.State != progress.Done {
		t.Fatalf("a failing step must not fail the run: %+v", snap)
	}
	if !strings.Contains(snap.Message, StepCameras) {
		t.Fatalf("message should name the step without data: %q", snap.Message)
	}
	var failed *progress.Event
	for i := range snap.Events {
		if snap.Events[i].Step == StepCameras {
			failed = &snap.Events[i]
		}
	}
	if failed == nil || failed.OK || failed.Tag != "tag-err" {
		t.Fatalf("camera step event not recorded as failed: %+v", snap.Events)
	}
	// later steps still ran
	if len(f.messages("AIc", "AId")) != 1 || len(f.messages("Daemon", "")) == 0 {
		t.Fatalf("steps after the failure did not run")
	}
	if len(f.messages("pcd", "")) != 0 || len(f.messages("Switch", "")) != 0 {
		t.Fatalf("steps fed by the camera step must see empty inputs")
	}

	sys := store.System()
	if sys.Cameras == nil || len(sys.Cameras) != 0 {
		t.Fatalf("expected an empty camera list, got %#v", sys.Cameras)
	}
	raw, err := os.ReadFile(filepath.Join(dir, state.SystemFile))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var onDisk map[string]any
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cams, ok := onDisk["cameras"].([]any); !ok || len(cams) != 0 {
		t.Fatalf("cameras must be persisted as [], got %v", onDisk["cameras"])
	}
}

func TestConnectSwitchRetryReconnectsSCd(t *testing.T) {
	var mu sync.Mutex
	switchCalls := 0
	f := &fakeMTd{reply: func(msg map[string]any) (any, error) {
		if msg["Section1"] == "Switch" {
			mu.Lock()
			switchCalls++
			n := switchCalls
			mu.Unlock()
			if n < 3 {
				return nil, errors.New("receive: EOF")
			}
		}
		return rigReply(msg)
	}}
	s, store, _ := newSequencer(t, f, nil)
	if _, err := s.Run(context.Background(), rigParams); err != nil {
		t.Fatalf("run: %v", err)
	}
	if switchCalls != 3 {
		t.Fatalf("expected 3 switch attempts, got %d", switchCalls)
	}
	reconnects := 0
	for _, m := range f.messages("mtd", "MTd") {
		dl := m["DaemonList"].(map[string]any)
		if len(dl) == 1 && dl["SCd"] == "10.0.0.2" {
			reconnects++
		}
	}
	if reconnects != 2 {
		t.Fatalf("expected an SCd reconnect between attempts, got %d", reconnects)
	}
	if len(store.System().Switches) != 1 {
		t.Fatalf("switch info from the last attempt not stored")
	}
}

func TestConnectRejectedWhileRunning(t *testing.T) {
	release := make(chan struct{})
	f := &fakeMTd{reply: func(msg map[string]any) (any, error) {
		<-release
		return rigReply(msg)
	}}
	s, _, _ := newSequencer(t, f, nil)
	first, err := s.Start(context.Background(), rigParams)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := s.Start(context.Background(), rigParams); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if s.State().RunID != first.RunID {
		t.Fatalf("active run replaced")
	}
	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if snap, err := s.Tracker().WaitDone(ctx); err != nil || snap.State != progress.Done {
		t.Fatalf("run did not finish: %+v %v", snap, err)
	}
}

func TestConnectKeepsPreviousAIcVersions(t *testing.T) {
	f := &fakeMTd{reply: func(msg map[string]any) (any, error) {
		if msg["Section1"] == "Daemon" && msg["To"] == "AId" {
			return map[string]any{"Version": map[string]any{"AId": ver("2.0")}}, nil
		}
		return rigReply(msg)
	}}
	s, store, _ := newSequencer(t, f, map[string]string{"cam-ai": "10.0.0.41"})
	_ = store.ReplaceSystem(state.System{AIcVersions: map[string]map[string]state.Version{
		"10.0.0.40": {"AIc": {Version: "1.9", Date: "old"}},
	}})
	if _, err := s.Run(context.Background(), rigParams); err != nil {
		t.Fatalf("run: %v", err)
	}
	av := store.System().AIcVersions
	if av["10.0.0.40"]["AIc"].Version != "1.9" {
		t.Fatalf("previous AIc versions lost: %+v", av)
	}
	if av["10.0.0.41"]["cam-ai"].Version != "-" {
		t.Fatalf("connected client without a version needs a placeholder: %+v", av)
	}
	if len(f.messages("Daemon", "AId")) != 3 {
		t.Fatalf("AId version must be retried when clients are missing")
	}
}

func TestDryRunSendsNothing(t *testing.T) {
	f := &fakeMTd{reply: rigReply}
	s, _, _ := newSequencer(t, f, nil)
	p := rigParams
	p.DryRun = true
	snap, err := s.Run(context.Background(), p)
	if err != nil || snap.State != progress.Done {
		t.Fatalf("dry run: %+v %v", snap, err)
	}
	if len(f.sent) != 0 {
		t.Fatalf("dry run sent %d messages", len(f.sent))
	}
}

func TestParamsResolve(t *testing.T) {
	p := Params{MTDHost: "127.0.0.1", MTDPort: 19765}.Resolve(nil, map[string]string{"ccd": "10.0.0.1", "mmd": "10.0.0.5"})
	if p.DMPDIP != "127.0.0.1" {
		t.Fatalf("expected loopback DMPDIP, got %q", p.DMPDIP)
	}
	if p.DaemonMap["CCd"] != "10.0.0.1" || p.DaemonMap["MMd"] != "10.0.0.5" {
		t.Fatalf("daemon map not canonicalised: %v", p.DaemonMap)
	}
}

func TestFromEntries(t *testing.T) {
	entries := []nodes.Entry{
		{Node: nodes.Node{Name: "n1", Host: "10.0.0.1"}, OK: true, Status: nodes.Status{Processes: []nodes.Process{
			{Name: "CCd"}, {Name: "AIc", Alias: "AIc-A"},
		}}},
		{Node: nodes.Node{Name: "n2", Host: "10.0.0.2:19776"}, OK: true, Status: nodes.Status{Processes: []nodes.Process{
			{Name: "CCd"}, {Name: "AIc", Alias: "AIc-B"}, {Name: "AIc"},
		}}},
		{Node: nodes.Node{Name: "n3", Host: "10.0.0.3"}, OK: false},
	}
	dm := DaemonMapFromEntries(entries)
	if dm["CCd"] != "10.0.0.1" || dm["AIc"] != "10.0.0.1" {
		t.Fatalf("unexpected daemon map %v", dm)
	}
	al := AIcAliasesFromEntries(entries)
	if len(al) != 2 || al["AIc-B"] != "10.0.0.2" {
		t.Fatalf("unexpected aliases %v", al)
	}
}
