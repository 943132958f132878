package state

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// File names inside the state directory.
const (
	SystemFile = "oms_system_state.json"
	CameraFile = "oms_camera_state.json"
)

// LinkField selects one of the per-camera link maps.
type LinkField int

const (
	LinkConnected LinkField = iota
	LinkRecord
)

// Store owns the system and camera snapshots and their files. Every write
// replaces the affected section wholesale and rewrites the file atomically
// under the store lock.
type Store struct {
	dir string
	log *slog.Logger
	now func() time.Time

	mu  sync.RWMutex
	sys System
	cam CameraState
}

// Open creates a store over dir and loads the existing files.
func Open(dir string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{dir: dir, log: log, now: time.Now}
	s.Load()
	return s
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) stamp() float64 {
	return float64(s.now().UnixNano()) / 1e9
}

// Load reads both files. Missing or malformed files yield empty snapshots.
func (s *Store) Load() {
	sys, err := loadSystem(filepath.Join(s.dir, SystemFile))
	if err != nil {
		s.log.Warn("system state unreadable, starting empty", "kind", "ConfigError", "error", err)
		sys = System{}
	}
	var cam CameraState
	if b, err := os.ReadFile(filepath.Join(s.dir, CameraFile)); err == nil {
		if err := json.Unmarshal(b, &cam); err != nil {
			s.log.Warn("camera state unreadable, starting empty", "kind", "ConfigError", "error", err)
			cam = CameraState{}
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		s.log.Warn("camera state unreadable, starting empty", "kind", "ConfigError", "error", err)
	}
	s.mu.Lock()
	s.sys, s.cam = sys, cam
	s.mu.Unlock()
}

// loadSystem accepts the canonical shape or the older file keyed by node IP,
// in which case the entry with the greatest updated_at wins and ties go to
// the smallest key.
func loadSystem(path string) (System, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return System{}, nil
	}
	if err != nil {
		return System{}, err
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(b, &top); err != nil {
		return System{}, fmt.Errorf("parse %s: %w", path, err)
	}
	for k := range top {
		if _, ok := systemKeys[k]; ok {
			var sys System
			if err := json.Unmarshal(b, &sys); err != nil {
				return System{}, fmt.Errorf("parse %s: %w", path, err)
			}
			return sys, nil
		}
	}
	keys := make([]string, 0, len(top))
	for k := range top {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	bestKey, bestTS := "", -1.0
	for _, k := range keys {
		if ts, ok := legacyUpdatedAt(top[k]); ok && ts > bestTS {
			bestKey, bestTS = k, ts
		}
	}
	if bestKey == "" {
		return System{}, nil
	}
	best := decodeLenient(top[bestKey])
	best.UpdatedAt = bestTS
	if best.DMPDIP == "" {
		best.DMPDIP = bestKey
	}
	return best, nil
}

// legacyUpdatedAt reads updated_at from one legacy entry. Numbers and numeric
// strings count; anything else is 0. Entries that are not objects are skipped.
func legacyUpdatedAt(raw json.RawMessage) (float64, bool) {
	var entry map[string]any
	if err := json.Unmarshal(raw, &entry); err != nil || entry == nil {
		return 0, false
	}
	switch v := entry["updated_at"].(type) {
	case float64:
		return v, true
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f, true
		}
	}
	return 0, true
}

// decodeLenient decodes a system entry field by field, leaving fields that do
// not fit their type at zero.
func decodeLenient(raw json.RawMessage) System {
	var sys System
	if err := json.Unmarshal(raw, &sys); err == nil {
		return sys
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return System{}
	}
	sys = System{}
	for k, v := range fields {
		if _, ok := systemKeys[k]; !ok {
			continue
		}
		one, err := json.Marshal(map[string]json.RawMessage{k: v})
		if err != nil {
			continue
		}
		var part System
		if json.Unmarshal(one, &part) == nil {
			mergeField(&sys, part, k)
		}
	}
	return sys
}

func mergeField(dst *System, src System, key string) {
	switch key {
	case "connected_daemons":
		dst.ConnectedDaemons = src.ConnectedDaemons
	case "cameras":
		dst.Cameras = src.Cameras
	case "presd":
		dst.PreSd = src.PreSd
	case "switches":
		dst.Switches = src.Switches
	case "versions":
		dst.Versions = src.Versions
	case "presd_versions":
		dst.PreSdVersions = src.PreSdVersions
	case "aic_versions":
		dst.AIcVersions = src.AIcVersions
	case "aic_connected":
		dst.AIcConnected = src.AIcConnected
	case "daemon_map":
		dst.DaemonMap = src.DaemonMap
	case "dmpdip":
		dst.DMPDIP = src.DMPDIP
	}
}

// System returns a copy of the system snapshot.
func (s *Store) System() System {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.sys)
}

// Camera returns a copy of the camera snapshot.
func (s *Store) Camera() CameraState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.cam)
}

// UpsertSystem keeps the allow-listed keys of payload, stamps updated_at and
// replaces the whole system snapshot with the result. Keys absent from the
// payload are reset, never merged from the previous snapshot.
func (s *Store) UpsertSystem(payload map[string]any) (System, error) {
	filtered := make(map[string]any, len(payload))
	for k, v := range payload {
		if _, ok := systemKeys[k]; ok {
			filtered[k] = v
		}
	}
	b, err := json.Marshal(filtered)
	if err != nil {
		return System{}, fmt.Errorf("encode payload: %w", err)
	}
	var sys System
	if err := json.Unmarshal(b, &sys); err != nil {
		return System{}, fmt.Errorf("invalid payload: %w", err)
	}
	if err := s.ReplaceSystem(sys); err != nil {
		return s.System(), err
	}
	return s.System(), nil
}

// ReplaceSystem stamps and stores sys as the new system snapshot.
func (s *Store) ReplaceSystem(sys System) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sys.UpdatedAt = s.stamp()
	s.sys = clone(sys)
	return s.persist(SystemFile, s.sys)
}

// ClearConnected drops the connected daemon counts.
func (s *Store) ClearConnected() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sys := clone(s.sys)
	sys.ConnectedDaemons = nil
	sys.AIcConnected = nil
	sys.UpdatedAt = s.stamp()
	s.sys = sys
	return s.persist(SystemFile, s.sys)
}

// ReplaceCameraTopology swaps the camera and switch lists. Link and alive
// entries of cameras that left the topology are dropped.
func (s *Store) ReplaceCameraTopology(cameras []Camera, switches []Switch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cam := clone(s.cam)
	cam.Cameras = append([]Camera(nil), cameras...)
	cam.Switches = append([]Switch(nil), switches...)
	keep := make(map[string]struct{}, len(cameras))
	for _, c := range cameras {
		keep[c.IP] = struct{}{}
	}
	for _, m := range []map[string]bool{cam.Alive, cam.Connected, cam.Record} {
		for ip := range m {
			if _, ok := keep[ip]; !ok {
				delete(m, ip)
			}
		}
	}
	return s.commitCamera(cam)
}

// ReplaceCameraAlive swaps the liveness map for the result of one probe cycle.
// Only cameras still known at write time are kept: a topology swap that ran
// during the cycle has already dropped the cameras that left.
func (s *Store) ReplaceCameraAlive(alive map[string]bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	known := make(map[string]struct{}, len(s.cam.Cameras)+len(s.cam.Alive))
	for _, c := range s.cam.Cameras {
		known[c.IP] = struct{}{}
	}
	for ip := range s.cam.Alive {
		known[ip] = struct{}{}
	}
	cam := clone(s.cam)
	cam.Alive = make(map[string]bool, len(alive))
	for ip, ok := range alive {
		if _, k := known[ip]; k {
			cam.Alive[ip] = ok
		}
	}
	return s.commitCamera(cam)
}

// ReplaceCameraLinks swaps both link maps as observed by the status poller.
func (s *Store) ReplaceCameraLinks(connected, record map[string]bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cam := clone(s.cam)
	cam.Connected = copyBools(connected)
	cam.Record = copyBools(record)
	return s.commitCamera(cam)
}

// SetCameraLinks sets one link flag for the given cameras.
func (s *Store) SetCameraLinks(ips []string, field LinkField, v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cam := clone(s.cam)
	target := &cam.Connected
	if field == LinkRecord {
		target = &cam.Record
	}
	if *target == nil {
		*target = map[string]bool{}
	}
	for _, ip := range ips {
		(*target)[ip] = v
	}
	return s.commitCamera(cam)
}

// ClearCameraConnected marks every camera disconnected.
func (s *Store) ClearCameraConnected() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cam := clone(s.cam)
	cam.Connected = map[string]bool{}
	return s.commitCamera(cam)
}

// CameraIPs is the union of the topology cameras and the cameras already
// present in the alive map, sorted.
func (s *Store) CameraIPs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := map[string]struct{}{}
	for _, c := range s.cam.Cameras {
		if c.IP != "" {
			set[c.IP] = struct{}{}
		}
	}
	for ip := range s.cam.Alive {
		set[ip] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for ip := range set {
		out = append(out, ip)
	}
	sort.Strings(out)
	return out
}

func (s *Store) commitCamera(cam CameraState) error {
	cam.UpdatedAt = s.stamp()
	s.cam = cam
	return s.persist(CameraFile, s.cam)
}

// persist must be called with s.mu held.
func (s *Store) persist(name string, v any) error {
	if s.dir == "" {
		return nil
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := WriteFileAtomic(filepath.Join(s.dir, name), b); err != nil {
		s.log.Error("persist state failed", "file", name, "error", err)
		return err
	}
	return nil
}

func copyBools(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func clone[T any](v T) T {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}
