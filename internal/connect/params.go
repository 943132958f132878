package connect

import (
	"net"
	"strconv"

	"github.com/loykin/oms/internal/nodes"
)

// Resolve fills what the caller left unset. DMPDIP falls back to the local
// address that routes to the MTd host. The daemon map comes from the first
// non-empty candidate; names are canonicalised because config tables arrive
// lower-cased.
func (p Params) Resolve(candidates ...map[string]string) Params {
	if p.DMPDIP == "" {
		p.DMPDIP = LocalIP(p.MTDHost, p.MTDPort)
	}
	if len(p.DaemonMap) == 0 {
		for _, c := range candidates {
			if len(c) > 0 {
				p.DaemonMap = c
				break
			}
		}
	}
	dm := make(map[string]string, len(p.DaemonMap))
	for k, v := range p.DaemonMap {
		dm[nodes.Canonical(k)] = v
	}
	p.DaemonMap = dm
	return p
}

// LocalIP returns the local address used to reach host, or "" when there is
// no route. No packet is sent.
func LocalIP(host string, port int) string {
	if host == "" {
		return ""
	}
	if port <= 0 {
		port = 9
	}
	conn, err := net.Dial("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return ""
	}
	defer func() { _ = conn.Close() }()
	if a, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return a.IP.String()
	}
	return ""
}

// DaemonMapFromEntries maps every running process name to the host of the
// node reporting it. The first node wins.
func DaemonMapFromEntries(entries []nodes.Entry) map[string]string {
	out := map[string]string{}
	for _, e := range entries {
		if !e.OK {
			continue
		}
		for _, p := range e.Status.Processes {
			if p.Name == "" {
				continue
			}
			name := nodes.Canonical(p.Name)
			if _, ok := out[name]; !ok {
				out[name] = e.Node.IP()
			}
		}
	}
	return out
}

// AIcAliasesFromEntries maps alias -> node host for every AIc process that
// carries an alias.
func AIcAliasesFromEntries(entries []nodes.Entry) map[string]string {
	out := map[string]string{}
	for _, e := range entries {
		if !e.OK {
			continue
		}
		for _, p := range e.Status.Processes {
			if p.Name == "AIc" && p.Alias != "" {
				out[p.Alias] = e.Node.IP()
			}
		}
	}
	return out
}
