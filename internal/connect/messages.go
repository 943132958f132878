package connect

import (
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/loykin/oms/internal/rpc"
	"github.com/loykin/oms/internal/state"
)

// Request bodies. Each embeds the shared envelope.

type daemonConnectMsg struct {
	rpc.Header
	DaemonList map[string]string `json:"DaemonList"`
}

type presdListMsg struct {
	rpc.Header
	PreSd  []state.PreSd `json:"PreSd"`
	PostSd []any         `json:"PostSd"`
	VPd    []any         `json:"VPd"`
}

type aicConnectMsg struct {
	rpc.Header
	AIcList map[string]string `json:"AIcList"`
}

type expect struct {
	IPs     []string `json:"ips"`
	Count   int      `json:"count"`
	WaitSec int      `json:"wait_sec"`
}

type versionMsg struct {
	rpc.Header
	Expect *expect `json:"Expect,omitempty"`
}

type switchAddr struct {
	IP string `json:"ip"`
}

type switchMsg struct {
	rpc.Header
	Switches []switchAddr `json:"Switches"`
}

// Daemons that never go into the MTd DaemonList: storage and AI clients are
// wired by later steps, MTd itself is the addressee.
var notInDaemonList = map[string]bool{
	"PreSd": true, "PostSd": true, "VPd": true, "AIc": true, "MMc": true, "MTd": true,
}

// Daemons whose versions are collected by dedicated steps.
var notVersionedSingly = map[string]bool{
	"PreSd": true, "PostSd": true, "VPd": true, "MMc": true, "AIc": true, "AId": true,
}

// daemonList builds the outward DaemonList: excluded names dropped, MMd sent
// as SPd.
func daemonList(dm map[string]string) map[string]string {
	out := make(map[string]string, len(dm))
	for k, v := range dm {
		if notInDaemonList[k] || strings.TrimSpace(v) == "" {
			continue
		}
		out[rpc.OutwardName(k)] = v
	}
	return out
}

// connectedFromDaemonList reads {"DaemonList": {name: {"Status": "OK"}}}
// into the set of connected daemons under their inward names.
func connectedFromDaemonList(resp *rpc.Response) map[string]bool {
	out := map[string]bool{}
	if resp == nil {
		return out
	}
	var body struct {
		DaemonList map[string]any `json:"DaemonList"`
	}
	if err := resp.Decode(&body); err != nil {
		return out
	}
	for name, v := range body.DaemonList {
		info, ok := v.(map[string]any)
		if !ok {
			continue
		}
		st := str(info["Status"])
		if st == "" {
			st = str(info["status"])
		}
		if strings.EqualFold(st, "OK") {
			out[rpc.InwardName(name)] = true
		}
	}
	return out
}

// topology is what CCd Select tells about cameras, storage nodes and switches.
type topology struct {
	cameras   []state.Camera
	presd     []state.PreSd
	switchIPs []string
}

// parseSelect groups the ResultArray rows by storage node in order of first
// appearance. Rows without a storage node or camera address are skipped.
func parseSelect(resp *rpc.Response) topology {
	t := topology{cameras: []state.Camera{}, presd: []state.PreSd{}}
	if resp == nil {
		return t
	}
	var body struct {
		ResultArray []map[string]any `json:"ResultArray"`
	}
	if err := resp.Decode(&body); err != nil {
		return t
	}
	index := map[string]int{}
	switches := map[string]struct{}{}
	for _, row := range body.ResultArray {
		pre := str(row["PreSd_id"])
		ip := str(row["ip"])
		if pre == "" || ip == "" {
			continue
		}
		model := str(row["model"])
		scd := str(row["SCd_id"])
		idx, _ := strconv.Atoi(str(row["cam_idx"]))
		i, ok := index[pre]
		if !ok {
			i = len(t.presd)
			index[pre] = i
			t.presd = append(t.presd, state.PreSd{IP: pre, Mode: "replay", Cameras: []state.PreSdCamera{}})
		}
		t.presd[i].Cameras = append(t.presd[i].Cameras, state.PreSdCamera{Index: idx, IP: ip, CameraModel: model})
		t.cameras = append(t.cameras, state.Camera{Index: idx, IP: ip, CameraModel: model, PreSdIP: pre, SCdIP: scd})
		if scd != "" {
			switches[scd] = struct{}{}
		}
	}
	for ip := range switches {
		t.switchIPs = append(t.switchIPs, ip)
	}
	sort.Strings(t.switchIPs)
	return t
}

// parseAIcReply returns alias -> IP for every AI client reporting OK.
func parseAIcReply(resp *rpc.Response) map[string]string {
	out := map[string]string{}
	if resp == nil {
		return out
	}
	var body struct {
		AIcList map[string]any `json:"AIcList"`
	}
	if err := resp.Decode(&body); err != nil {
		return out
	}
	for alias, v := range body.AIcList {
		info, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if strings.EqualFold(str(info["Status"]), "OK") {
			out[alias] = str(info["IP"])
		}
	}
	return out
}

// versionMap decodes {"Version": {...}}.
func versionMap(resp *rpc.Response) map[string]any {
	if resp == nil {
		return nil
	}
	var body struct {
		Version map[string]any `json:"Version"`
	}
	if err := resp.Decode(&body); err != nil {
		return nil
	}
	return body.Version
}

func toVersion(v any) (state.Version, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return state.Version{}, false
	}
	return state.Version{Version: orDash(str(m["version"])), Date: orDash(str(m["date"]))}, true
}

// mergeAIcVersions folds the AIc entry of an AId version reply into dst,
// which is keyed by client IP then process name. The entry is either a list
// of {ip, name, version, date} or a map ip -> name -> {version, date}.
func mergeAIcVersions(dst map[string]map[string]state.Version, raw any) bool {
	added := false
	put := func(ip, name string, v state.Version) {
		if dst[ip] == nil {
			dst[ip] = map[string]state.Version{}
		}
		dst[ip][name] = v
		added = true
	}
	switch t := raw.(type) {
	case []any:
		for _, it := range t {
			m, ok := it.(map[string]any)
			if !ok {
				continue
			}
			ip := firstStr(m, "ip", "IP")
			if ip == "" {
				continue
			}
			name := firstStr(m, "name", "proc")
			if name == "" {
				name = "AIc"
			}
			put(ip, name, state.Version{Version: orDash(str(m["version"])), Date: orDash(str(m["date"]))})
		}
	case map[string]any:
		for ip, byName := range t {
			procs, ok := byName.(map[string]any)
			if !ok {
				continue
			}
			for name, info := range procs {
				if v, ok := toVersion(info); ok {
					put(ip, name, v)
				}
			}
		}
	}
	return added
}

// parseSwitches reads {"Switches": [{ip, Brand, Model}]}.
func parseSwitches(resp *rpc.Response) []state.Switch {
	if resp == nil {
		return nil
	}
	var body struct {
		Switches []map[string]any `json:"Switches"`
	}
	if err := resp.Decode(&body); err != nil {
		return nil
	}
	var out []state.Switch
	for _, sw := range body.Switches {
		ip := str(sw["ip"])
		if ip == "" {
			continue
		}
		out = append(out, state.Switch{IP: ip, Brand: str(sw["Brand"]), Model: str(sw["Model"])})
	}
	return out
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func firstStr(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := str(m[k]); s != "" {
			return s
		}
	}
	return ""
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
