package nodes

import "strings"

// DefaultAliases are the display names of the rig's daemons.
var DefaultAliases = map[string]string{
	"MTd":    "Message Transport",
	"EMd":    "Enterprise Manager",
	"CCd":    "Camera Control",
	"SCd":    "Switch Control",
	"PCd":    "Processor Control",
	"GCd":    "Gimbal Control",
	"MMd":    "Multimedia Maker",
	"MMc":    "Multimedia Maker Client",
	"AId":    "AI Daemon",
	"AIc":    "AI Client",
	"PreSd":  "Pre Storage",
	"PostSd": "Post Storage",
	"VPd":    "Vision Processor",
	"AMd":    "Audio Manager",
	"CMd":    "Compute Multimedia",
}

// Canonical restores the case of a known daemon name (config keys arrive
// lower-cased). Unknown names are returned unchanged.
func Canonical(name string) string {
	if _, ok := DefaultAliases[name]; ok {
		return name
	}
	if name == "SPd" {
		return name
	}
	for k := range DefaultAliases {
		if strings.EqualFold(k, name) {
			return k
		}
	}
	if strings.EqualFold(name, "SPd") {
		return "SPd"
	}
	return name
}

// MergeAliases overlays user entries on DefaultAliases.
func MergeAliases(user map[string]string) map[string]string {
	out := make(map[string]string, len(DefaultAliases)+len(user))
	for k, v := range DefaultAliases {
		out[k] = v
	}
	for k, v := range user {
		if v != "" {
			out[Canonical(k)] = v
		}
	}
	return out
}
