package nodes

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/tidwall/jsonc"

	"github.com/loykin/oms/internal/config"
)

// Node is one host running a local status service.
type Node struct {
	Name string `json:"name"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// FromConfig converts the [[nodes]] table.
func FromConfig(in []config.NodeConfig) []Node {
	out := make([]Node, 0, len(in))
	for _, n := range in {
		port := n.Port
		if port <= 0 {
			port = config.DefaultNodePort
		}
		out = append(out, Node{Name: n.Name, Host: n.Host, Port: port})
	}
	return out
}

func (n Node) Addr() string { return net.JoinHostPort(n.Host, strconv.Itoa(n.Port)) }

// IP strips an optional :port suffix from Host.
func (n Node) IP() string {
	if h, _, err := net.SplitHostPort(n.Host); err == nil {
		return h
	}
	return n.Host
}

// Snapshot is a best-effort point-in-time read of one process. Nil metadata
// means the node did not report it.
type Snapshot struct {
	Found   bool     `json:"found"`
	Running bool     `json:"running"`
	PID     *int64   `json:"pid,omitempty"`
	Uptime  *float64 `json:"uptime,omitempty"`
	StartTS *float64 `json:"start_ts,omitempty"`
}

// HasMeta reports whether any identity metadata is present.
func (s Snapshot) HasMeta() bool {
	return s.PID != nil || s.Uptime != nil || s.StartTS != nil
}

// Process is one entry of a node's process list.
type Process struct {
	Name    string   `json:"name"`
	Alias   string   `json:"alias,omitempty"`
	Running bool     `json:"running"`
	PID     *int64   `json:"pid,omitempty"`
	Uptime  *float64 `json:"uptime,omitempty"`
	StartTS *float64 `json:"start_ts,omitempty"`
	Select  bool     `json:"select"`
	Version string   `json:"version,omitempty"`
}

func (p Process) Snapshot() Snapshot {
	return Snapshot{Found: true, Running: p.Running, PID: p.PID, Uptime: p.Uptime, StartTS: p.StartTS}
}

// CameraLink is a camera as seen by a node's camera-control process.
type CameraLink struct {
	IP        string `json:"ip"`
	Connected bool   `json:"connected"`
	Recording bool   `json:"recording"`
}

// Status is a parsed /status document. Raw keeps the original object for
// pass-through endpoints.
type Status struct {
	Processes []Process      `json:"processes"`
	Cameras   []CameraLink   `json:"cameras,omitempty"`
	Raw       map[string]any `json:"-"`
}

// Find returns the process called name.
func (s Status) Find(name string) (Process, bool) {
	for _, p := range s.Processes {
		if p.Name == name {
			return p, true
		}
	}
	return Process{}, false
}

// ParseStatus accepts the process list from "data" (object keyed by
// process), "processes" or "executables".
func ParseStatus(body []byte) (Status, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return Status{}, fmt.Errorf("parse status: %w", err)
	}
	if raw == nil {
		return Status{}, errors.New("parse status: empty document")
	}
	st := Status{Raw: raw}
	for _, e := range processEntries(raw) {
		if p, ok := parseProcess(e); ok {
			st.Processes = append(st.Processes, p)
		}
	}
	if cams, ok := raw["cameras"].([]any); ok {
		for _, c := range cams {
			m, ok := c.(map[string]any)
			if !ok {
				continue
			}
			ip := str(m["ip"])
			if ip == "" {
				ip = str(m["IP"])
			}
			if ip == "" {
				continue
			}
			st.Cameras = append(st.Cameras, CameraLink{IP: ip, Connected: truthy(m["connected"]), Recording: truthy(m["recording"])})
		}
	}
	return st, nil
}

func processEntries(raw map[string]any) []map[string]any {
	var out []map[string]any
	if data, ok := raw["data"].(map[string]any); ok {
		keys := make([]string, 0, len(data))
		for k := range data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			m, ok := data[k].(map[string]any)
			if !ok {
				continue
			}
			if str(m["name"]) == "" {
				m["name"] = k
			}
			out = append(out, m)
		}
		return out
	}
	for _, key := range []string{"processes", "executables"} {
		list, ok := raw[key].([]any)
		if !ok {
			continue
		}
		for _, e := range list {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func parseProcess(m map[string]any) (Process, bool) {
	name := str(m["name"])
	if name == "" {
		name = str(m["proc"])
	}
	if name == "" {
		return Process{}, false
	}
	p := Process{
		Name:    name,
		Alias:   str(m["alias"]),
		Running: truthy(m["running"]) || isRunningStatus(str(m["status"])),
		Select:  true,
		Version: str(m["version"]),
	}
	if v, ok := m["select"].(bool); ok {
		p.Select = v
	}
	if f, ok := firstNumber(m, "pid", "process_id"); ok && f > 0 {
		pid := int64(f)
		p.PID = &pid
	}
	if f, ok := firstNumber(m, "uptime", "uptime_sec"); ok {
		p.Uptime = &f
	}
	if f, ok := firstNumber(m, "start_ts", "started_at"); ok && f > 0 {
		p.StartTS = &f
	}
	return p, true
}

func isRunningStatus(s string) bool {
	switch strings.ToLower(s) {
	case "running", "started":
		return true
	}
	return false
}

// ParseAliases extracts name→alias from a /config document. The document may
// carry comments and trailing commas. Empty aliases are dropped.
func ParseAliases(body []byte) (map[string]string, error) {
	var doc struct {
		Executables []struct {
			Name  string `json:"name"`
			Alias string `json:"alias"`
		} `json:"executables"`
	}
	if err := json.Unmarshal(jsonc.ToJSON(body), &doc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	out := make(map[string]string, len(doc.Executables))
	for _, e := range doc.Executables {
		if e.Name != "" && e.Alias != "" {
			out[e.Name] = e.Alias
		}
	}
	return out, nil
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		b, _ := strconv.ParseBool(t)
		return b
	}
	return false
}

func firstNumber(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		switch t := m[k].(type) {
		case float64:
			return t, true
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}
