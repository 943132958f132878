package state

import (
	"strconv"

	"github.com/goccy/go-json"
)

// Version is the version report of one daemon.
type Version struct {
	Version string `json:"version"`
	Date    string `json:"date"`
}

// Camera is one camera of the topology.
type Camera struct {
	Index       int    `json:"Index"`
	IP          string `json:"IP"`
	CameraModel string `json:"CameraModel"`
	PreSdIP     string `json:"PreSdIP,omitempty"`
	SCdIP       string `json:"SCdIP,omitempty"`
}

// PreSdCamera is a camera assigned to a storage node.
type PreSdCamera struct {
	Index       int    `json:"Index"`
	IP          string `json:"IP"`
	CameraModel string `json:"CameraModel"`
}

// PreSd is one storage node with its cameras.
type PreSd struct {
	IP      string        `json:"IP"`
	Mode    string        `json:"Mode"`
	Cameras []PreSdCamera `json:"Cameras"`
}

// Switch is one network switch.
type Switch struct {
	IP    string `json:"IP"`
	Brand string `json:"Brand"`
	Model string `json:"Model"`
}

// CountMap maps a daemon to the number of connected instances. Older files
// store booleans; true decodes as 1.
type CountMap map[string]int

func (m *CountMap) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(CountMap, len(raw))
	for k, v := range raw {
		switch t := v.(type) {
		case bool:
			if t {
				out[k] = 1
			}
		case float64:
			if t > 0 {
				out[k] = int(t)
			}
		case string:
			if n, err := strconv.Atoi(t); err == nil && n > 0 {
				out[k] = n
			}
		}
	}
	*m = out
	return nil
}

// System is the durable fleet snapshot.
type System struct {
	ConnectedDaemons CountMap                      `json:"connected_daemons"`
	Cameras          []Camera                      `json:"cameras"`
	PreSd            []PreSd                       `json:"presd"`
	Switches         []Switch                      `json:"switches"`
	Versions         map[string]Version            `json:"versions"`
	PreSdVersions    map[string]Version            `json:"presd_versions"`
	AIcVersions      map[string]map[string]Version `json:"aic_versions"`
	AIcConnected     map[string]string             `json:"aic_connected"`
	DaemonMap        map[string]string             `json:"daemon_map"`
	DMPDIP           string                        `json:"dmpdip"`
	UpdatedAt        float64                       `json:"updated_at"`
}

// PreSdIPs lists the storage node addresses in topology order.
func (s System) PreSdIPs() []string {
	out := make([]string, 0, len(s.PreSd))
	for _, p := range s.PreSd {
		if p.IP != "" {
			out = append(out, p.IP)
		}
	}
	return out
}

// systemKeys is the upsert allow-list.
var systemKeys = map[string]struct{}{
	"connected_daemons": {},
	"cameras":           {},
	"presd":             {},
	"switches":          {},
	"versions":          {},
	"presd_versions":    {},
	"aic_versions":      {},
	"aic_connected":     {},
	"daemon_map":        {},
	"dmpdip":            {},
	"updated_at":        {},
}

// CameraState is the durable camera snapshot.
type CameraState struct {
	Cameras   []Camera        `json:"cameras"`
	Alive     map[string]bool `json:"camera_alive"`
	Connected map[string]bool `json:"camera_connected"`
	Record    map[string]bool `json:"camera_record"`
	Switches  []Switch        `json:"switches"`
	UpdatedAt float64         `json:"updated_at"`
}
