package orchestrator

import (
	"time"

	"github.com/loykin/oms/internal/nodes"
	"github.com/loykin/oms/internal/progress"
	"github.com/loykin/oms/internal/state"
)

// Banner codes. 1x describe the daemon fleet, 2x the cameras.
const (
	CodeCheckSystem   = 10
	CodeNeedRestart   = 11
	CodeRestarting    = 12
	CodeNeedConnect   = 13
	CodeConnecting    = 14
	CodeReady         = 15
	CodeNoCamera      = 20
	CodeCheckCamera   = 21
	CodeCamRestarting = 22
	CodeCamConnect    = 23
	CodeCamConnecting = 24
	CodeCamReady      = 25
	CodeRecording     = 26
)

var codeTitles = map[int]string{
	CodeCheckSystem:   "Check System",
	CodeNeedRestart:   "Need Restart",
	CodeRestarting:    "Restarting",
	CodeNeedConnect:   "Need Connect",
	CodeConnecting:    "Connecting...",
	CodeReady:         "Ready",
	CodeNoCamera:      "No Camera",
	CodeCheckCamera:   "Check Camera",
	CodeCamRestarting: "Restarting",
	CodeCamConnect:    "Need Connect",
	CodeCamConnecting: "Connecting...",
	CodeCamReady:      "Ready",
	CodeRecording:     "Recording",
}

// Title is the banner text of a code.
func Title(code int) string { return codeTitles[code] }

// Process connection states.
const (
	ConnConnected = "connected"
	ConnRunning   = "running"
	ConnStopped   = "stopped"
)

type ProcessView struct {
	Name            string   `json:"name"`
	Alias           string   `json:"alias"`
	Running         bool     `json:"running"`
	PID             *int64   `json:"pid,omitempty"`
	Uptime          *float64 `json:"uptime,omitempty"`
	Select          bool     `json:"select"`
	Version         string   `json:"version,omitempty"`
	ConnectionState string   `json:"connection_state"`
}

type NodeView struct {
	Name      string        `json:"name"`
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	OK        bool          `json:"ok"`
	Error     string        `json:"error,omitempty"`
	Processes []ProcessView `json:"processes"`
}

type SystemSummary struct {
	Nodes     int `json:"nodes"`
	Processes int `json:"processes"`
	Connected int `json:"connected"`
	Running   int `json:"running"`
	Stopped   int `json:"stopped"`
}

// SystemState is the dashboard view of the fleet.
type SystemState struct {
	Nodes            []NodeView               `json:"nodes"`
	Summary          SystemSummary            `json:"summary"`
	ConnectedDaemons state.CountMap           `json:"connected_daemons"`
	Versions         map[string]state.Version `json:"versions"`
	StateCode        int                      `json:"state_code"`
	Message          string                   `json:"message"`
	Restart          progress.Snapshot        `json:"restart"`
	Connect          progress.Snapshot        `json:"connect"`
	UpdatedAt        float64                  `json:"updated_at"`
}

// alias picks the display name: the node's own, then its /config table,
// then the daemon table.
func alias(p nodes.Process, nodeAliases, table map[string]string) string {
	if p.Alias != "" {
		return p.Alias
	}
	if a := nodeAliases[p.Name]; a != "" {
		return a
	}
	if a := table[p.Name]; a != "" {
		return a
	}
	return p.Name
}

// SystemState combines the poller cache, the system snapshot and the run
// states.
func (o *Orchestrator) SystemState() SystemState {
	entries := o.poller.Entries()
	sys := o.store.System()
	rs, cs := o.restart.State(), o.connect.State()
	restarting := rs.State == progress.Running
	table := o.Aliases()

	out := SystemState{
		Nodes:            make([]NodeView, 0, len(entries)),
		ConnectedDaemons: sys.ConnectedDaemons,
		Versions:         sys.Versions,
		Restart:          rs,
		Connect:          cs,
		UpdatedAt:        sys.UpdatedAt,
	}
	if out.ConnectedDaemons == nil {
		out.ConnectedDaemons = state.CountMap{}
	}
	reachable, needRestart := 0, false
	for _, e := range entries {
		nv := NodeView{Name: e.Node.Name, Host: e.Node.Host, Port: e.Node.Port, OK: e.OK, Error: e.Error, Processes: []ProcessView{}}
		if e.OK {
			reachable++
		} else {
			needRestart = true
		}
		for _, p := range e.Status.Processes {
			pv := ProcessView{
				Name:    p.Name,
				Alias:   alias(p, e.Aliases, table),
				Running: p.Running,
				PID:     p.PID,
				Uptime:  p.Uptime,
				Select:  p.Select,
				Version: p.Version,
			}
			if v, ok := sys.Versions[p.Name]; ok && pv.Version == "" {
				pv.Version = v.Version
			}
			switch {
			case p.Running && !restarting && sys.ConnectedDaemons[p.Name] > 0:
				pv.ConnectionState = ConnConnected
				out.Summary.Connected++
				out.Summary.Running++
			case p.Running:
				pv.ConnectionState = ConnRunning
				out.Summary.Running++
			default:
				pv.ConnectionState = ConnStopped
				out.Summary.Stopped++
				if p.Select {
					needRestart = true
				}
			}
			nv.Processes = append(nv.Processes, pv)
		}
		out.Summary.Processes += len(nv.Processes)
		out.Nodes = append(out.Nodes, nv)
	}
	out.Summary.Nodes = len(entries)

	switch {
	case restarting:
		out.StateCode = CodeRestarting
	case cs.State == progress.Running:
		out.StateCode = CodeConnecting
	case len(entries) == 0 || reachable == 0:
		out.StateCode = CodeCheckSystem
	case needRestart:
		out.StateCode = CodeNeedRestart
	case len(sys.ConnectedDaemons) == 0:
		out.StateCode = CodeNeedConnect
	default:
		out.StateCode = CodeReady
	}
	out.Message = Title(out.StateCode)
	return out
}

// CameraView is one camera with its combined status.
type CameraView struct {
	state.Camera
	// Status is connected (alive and connected), on (alive) or off.
	Status    string         `json:"status"`
	Alive     bool           `json:"alive"`
	Connected bool           `json:"connected"`
	Recording bool           `json:"recording"`
	Info      map[string]any `json:"info,omitempty"`
}

type CameraSummary struct {
	Total     int `json:"total"`
	On        int `json:"on"`
	Connected int `json:"connected"`
	Off       int `json:"off"`
	Recording int `json:"recording"`
}

// CameraState is the dashboard view of the cameras.
type CameraState struct {
	Cameras   []CameraView      `json:"cameras"`
	Summary   CameraSummary     `json:"summary"`
	Switches  []state.Switch    `json:"switches"`
	StateCode int               `json:"state_code"`
	Message   string            `json:"message"`
	Connect   progress.Snapshot `json:"connect"`
	UpdatedAt float64           `json:"updated_at"`
}

// CameraState combines the camera snapshot with liveness and link maps. While
// a restart runs no camera counts as connected.
func (o *Orchestrator) CameraState() CameraState {
	cam := o.store.Camera()
	restarting := o.restart.State().State == progress.Running
	cc := o.camera.State()
	info := o.camera.Info()

	out := CameraState{
		Cameras:   make([]CameraView, 0, len(cam.Cameras)),
		Switches:  cam.Switches,
		Connect:   cc,
		UpdatedAt: cam.UpdatedAt,
	}
	if out.Switches == nil {
		out.Switches = []state.Switch{}
	}
	for _, c := range cam.Cameras {
		v := CameraView{
			Camera:    c,
			Alive:     cam.Alive[c.IP],
			Connected: cam.Connected[c.IP] && !restarting,
			Recording: cam.Record[c.IP],
			Info:      info[c.IP],
		}
		switch {
		case v.Alive && v.Connected:
			v.Status = ConnConnected
			out.Summary.Connected++
		case v.Alive:
			v.Status = "on"
			out.Summary.On++
		default:
			v.Status = "off"
			out.Summary.Off++
		}
		if v.Recording {
			out.Summary.Recording++
		}
		out.Cameras = append(out.Cameras, v)
	}
	out.Summary.Total = len(out.Cameras)

	connecting := cc.State == progress.Running || o.connect.State().State == progress.Running
	switch {
	case restarting:
		out.StateCode = CodeCamRestarting
	case connecting:
		out.StateCode = CodeCamConnecting
	case out.Summary.Total == 0:
		out.StateCode = CodeNoCamera
	case out.Summary.Off > 0:
		out.StateCode = CodeCheckCamera
	case out.Summary.Recording > 0:
		out.StateCode = CodeRecording
	case out.Summary.Connected == out.Summary.Total:
		out.StateCode = CodeCamReady
	default:
		out.StateCode = CodeCamConnect
	}
	out.Message = Title(out.StateCode)
	return out
}

// ProcessEntry is one process of the flattened process list.
type ProcessEntry struct {
	Node    string `json:"node"`
	Host    string `json:"host"`
	Name    string `json:"name"`
	Alias   string `json:"alias"`
	Running bool   `json:"running"`
	Select  bool   `json:"select"`
	PID     *int64 `json:"pid,omitempty"`
	Version string `json:"version,omitempty"`
}

// ProcessList flattens the processes of every reachable node.
func (o *Orchestrator) ProcessList() []ProcessEntry {
	table := o.Aliases()
	out := []ProcessEntry{}
	for _, e := range o.poller.Entries() {
		if !e.OK {
			continue
		}
		for _, p := range e.Status.Processes {
			out = append(out, ProcessEntry{
				Node:    e.Node.Name,
				Host:    e.Node.Host,
				Name:    p.Name,
				Alias:   alias(p, e.Aliases, table),
				Running: p.Running,
				Select:  p.Select,
				PID:     p.PID,
				Version: p.Version,
			})
		}
	}
	return out
}

// NodeStatus is the raw poller cache of one node.
type NodeStatus struct {
	nodes.Entry
	Age float64 `json:"age_sec"`
}

// Status returns the poller cache with entry ages.
func (o *Orchestrator) Status() []NodeStatus {
	now := time.Now()
	entries := o.poller.Entries()
	out := make([]NodeStatus, 0, len(entries))
	for _, e := range entries {
		ns := NodeStatus{Entry: e}
		if !e.FetchedAt.IsZero() {
			ns.Age = now.Sub(e.FetchedAt).Seconds()
		}
		out = append(out, ns)
	}
	return out
}
