package rpc

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sender is the From field of every message this daemon emits.
const Sender = "4DOMS"

// Header is the envelope shared by every daemon message. Step payloads embed
// it and add their own fields.
type Header struct {
	Section1  string `json:"Section1"`
	Section2  string `json:"Section2"`
	Section3  string `json:"Section3"`
	SendState string `json:"SendState"`
	From      string `json:"From"`
	To        string `json:"To"`
	Token     string `json:"Token"`
	Action    string `json:"Action"`
	DMPDIP    string `json:"DMPDIP,omitempty"`
}

// Key identifies a command family member by its three sections.
type Key struct {
	Section1, Section2, Section3 string
}

func (k Key) String() string {
	return strings.Trim(k.Section1+"/"+k.Section2+"/"+k.Section3, "/")
}

// Command describes how one (Section1, Section2, Section3) request is
// addressed and how long its reply may take.
type Command struct {
	To      string
	Action  string
	Timeout time.Duration
}

// Well-known command keys.
var (
	KeyMTdConnect     = Key{"mtd", "connect", ""}
	KeyCCdSelect      = Key{"CCd", "Select", ""}
	KeyPCdDaemonList  = Key{"pcd", "daemonlist", "connect"}
	KeyAIcConnect     = Key{"AIc", "connect", ""}
	KeyVersion        = Key{"Daemon", "Information", "Version"}
	KeySwitchModel    = Key{"Switch", "Information", "Model"}
	KeyAddCamera      = Key{"Camera", "Information", "AddCamera"}
	KeyCameraInfo     = Key{"Camera", "Information", "GetCameraInfo"}
	KeyVideoFormat    = Key{"Camera", "Information", "GetVideoFormat"}
	KeyCameraConnect  = Key{"Camera", "Operation", "Connect"}
	KeyCameraReboot   = Key{"Camera", "Operation", "Reboot"}
	KeyCameraRecStart = Key{"Camera", "Operation", "StartRecord"}
	KeyCameraRecStop  = Key{"Camera", "Operation", "StopRecord"}
	KeyCameraFocus    = Key{"Camera", "Operation", "AutoFocus"}
)

// commands is the command family table. An empty To means the caller
// addresses the message (per-daemon version queries).
var commands = map[Key]Command{
	KeyMTdConnect:     {To: "MTd", Action: "run", Timeout: 18 * time.Second},
	KeyCCdSelect:      {To: "EMd", Action: "get", Timeout: 12 * time.Second},
	KeyPCdDaemonList:  {To: "PCd", Action: "set", Timeout: 18 * time.Second},
	KeyAIcConnect:     {To: "AId", Action: "run", Timeout: 10 * time.Second},
	KeyVersion:        {Action: "set", Timeout: 5 * time.Second},
	KeySwitchModel:    {To: "SCd", Action: "get", Timeout: 5 * time.Second},
	KeyAddCamera:      {To: "CCd", Action: "set", Timeout: 10 * time.Second},
	KeyCameraInfo:     {To: "CCd", Action: "get", Timeout: 10 * time.Second},
	KeyVideoFormat:    {To: "CCd", Action: "get", Timeout: 10 * time.Second},
	KeyCameraConnect:  {To: "CCd", Action: "run", Timeout: 30 * time.Second},
	KeyCameraReboot:   {To: "CCd", Action: "run", Timeout: 10 * time.Second},
	KeyCameraRecStart: {To: "CCd", Action: "run", Timeout: 10 * time.Second},
	KeyCameraRecStop:  {To: "CCd", Action: "run", Timeout: 10 * time.Second},
	KeyCameraFocus:    {To: "CCd", Action: "run", Timeout: 10 * time.Second},
}

// Lookup returns the command registered for k.
func Lookup(k Key) (Command, error) {
	c, ok := commands[k]
	if !ok {
		return Command{}, fmt.Errorf("unknown command %s", k)
	}
	return c, nil
}

// NewHeader builds the envelope for k addressed through the MTd router.
// to overrides the table's destination when non-empty.
func NewHeader(k Key, to, dmpdip string) (Header, Command, error) {
	c, err := Lookup(k)
	if err != nil {
		return Header{}, Command{}, err
	}
	if to == "" {
		to = c.To
	}
	if to == "" {
		return Header{}, Command{}, fmt.Errorf("command %s needs a destination", k)
	}
	return Header{
		Section1:  k.Section1,
		Section2:  k.Section2,
		Section3:  k.Section3,
		SendState: "request",
		From:      Sender,
		To:        to,
		Token:     NewToken(),
		Action:    c.Action,
		DMPDIP:    dmpdip,
	}, c, nil
}

// NewToken returns a request token: local HHMM, millisecond clock, short random suffix.
func NewToken() string {
	now := time.Now()
	return fmt.Sprintf("%s_%d_%s", now.Format("1504"), now.UnixMilli(), uuid.New().String()[:3])
}

// NewTag returns a trace tag for one call.
func NewTag() string {
	return time.Now().Format("20060102-150405") + "_" + uuid.New().String()[:8]
}

// Daemon names that differ between the router and this daemon's view.
const (
	NameMMd = "MMd"
	NameSPd = "SPd"
	NameMMc = "MMc"
)

// OutwardName maps a daemon name to the one the router expects.
func OutwardName(n string) string {
	if n == NameMMd {
		return NameSPd
	}
	return n
}

// InwardName maps a router daemon name back to this daemon's naming.
func InwardName(n string) string {
	if n == NameSPd {
		return NameMMd
	}
	return n
}

// prepareOutgoing renames a top-level MMd key to SPd and drops MMc. Messages
// that are not JSON objects are returned untouched.
func prepareOutgoing(msg any) any {
	m, ok := msg.(map[string]any)
	if !ok {
		return msg
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	if v, ok := out[NameMMd]; ok {
		delete(out, NameMMd)
		out[NameSPd] = v
	}
	delete(out, NameMMc)
	return out
}

func normalizeIncoming(m map[string]any) map[string]any {
	if v, ok := m[NameSPd]; ok {
		m[NameMMd] = v
	}
	return m
}
