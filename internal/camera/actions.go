package camera

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/loykin/oms/internal/config"
	"github.com/loykin/oms/internal/rpc"
	"github.com/loykin/oms/internal/state"
)

type action struct {
	key rpc.Key
	// effect updates the camera link maps for the cameras that accepted.
	effect func(st *state.Store, ips []string) error
}

var actions = map[string]action{
	"reboot": {key: rpc.KeyCameraReboot, effect: func(st *state.Store, ips []string) error {
		return st.SetCameraLinks(ips, state.LinkConnected, false)
	}},
	"start": {key: rpc.KeyCameraRecStart, effect: func(st *state.Store, ips []string) error {
		return st.SetCameraLinks(ips, state.LinkRecord, true)
	}},
	"stop": {key: rpc.KeyCameraRecStop, effect: func(st *state.Store, ips []string) error {
		return st.SetCameraLinks(ips, state.LinkRecord, false)
	}},
	"autofocus": {key: rpc.KeyCameraFocus},
}

// Actions lists the supported action names.
func Actions() []string {
	out := make([]string, 0, len(actions))
	for k := range actions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ActionResult is the outcome of one camera action.
type ActionResult struct {
	Action  string          `json:"action"`
	OK      bool            `json:"ok"`
	Tag     string          `json:"tag,omitempty"`
	Cameras map[string]bool `json:"cameras"`
	Error   string          `json:"error,omitempty"`
}

// Action sends one operation to CCd for ips, or for every known camera when
// ips is empty. A reply without a per-camera list applies to all requested
// cameras.
func (s *Service) Action(ctx context.Context, name string, ips []string) (ActionResult, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	a, ok := actions[name]
	if !ok {
		return ActionResult{}, fmt.Errorf("%w: %s", ErrUnknownAction, name)
	}
	if len(ips) == 0 {
		ips = s.store.CameraIPs()
	}
	if len(ips) == 0 {
		return ActionResult{}, ErrNoCameras
	}
	t := s.target()
	if t.DMPDIP == "" {
		return ActionResult{}, ErrNoTarget
	}
	if t.Host == "" {
		t.Host = t.DMPDIP
	}
	if t.Port <= 0 {
		t.Port = config.DefaultMTDPort
	}

	h, cmd, err := rpc.NewHeader(a.key, "", t.DMPDIP)
	if err != nil {
		return ActionResult{}, err
	}
	cams := make([]cameraAddr, 0, len(ips))
	for _, ip := range ips {
		cams = append(cams, cameraAddr{IPAddress: ip})
	}
	res := ActionResult{Action: name, Cameras: map[string]bool{}}
	resp, err := s.caller.Call(ctx, rpc.Request{Host: t.Host, Port: t.Port, Message: camerasMsg{Header: h, Cameras: cams}, Timeout: cmd.Timeout})
	if err != nil {
		s.log.Error("camera action failed", "action", name, "error", err)
		return res, err
	}
	res.Tag = resp.Tag
	var r reply
	if err := resp.Decode(&r); err != nil {
		return res, fmt.Errorf("%s: decode reply: %w", name, err)
	}
	per := r.byIP()
	var accepted []string
	for _, ip := range ips {
		ok := r.ok()
		if c, found := per[ip]; found {
			status, _ := c["Status"].(string)
			ok = strings.EqualFold(status, "OK")
		}
		res.Cameras[ip] = ok
		if ok {
			accepted = append(accepted, ip)
		}
	}
	res.OK = len(accepted) == len(ips)
	if !res.OK {
		res.Error = fmt.Sprintf("%d/%d cameras rejected %s", len(ips)-len(accepted), len(ips), name)
	}
	if a.effect != nil && len(accepted) > 0 {
		if err := a.effect(s.store, accepted); err != nil {
			s.log.Error("store camera links", "action", name, "error", err)
		}
	}
	s.log.Info("camera action", "action", name, "tag", res.Tag, "accepted", len(accepted), "requested", len(ips))
	return res, nil
}
