package liveness

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/loykin/oms/internal/metrics"
)

// CameraStore is the part of the state store the prober feeds.
type CameraStore interface {
	CameraIPs() []string
	ReplaceCameraAlive(alive map[string]bool) error
}

// Prober runs one probe cycle per tick over the known camera IPs.
type Prober struct {
	probe atomic.Pointer[Probe]
	store CameraStore
	log   *slog.Logger
}

func NewProber(probe *Probe, store CameraStore, log *slog.Logger) *Prober {
	if log == nil {
		log = slog.Default()
	}
	p := &Prober{store: store, log: log}
	p.probe.Store(probe)
	return p
}

// SetProbe swaps the probe policy; the next cycle uses it.
func (p *Prober) SetProbe(probe *Probe) { p.probe.Store(probe) }

// RunOnce probes every camera and replaces the alive map with the result.
// A cycle never carries over a previous true.
func (p *Prober) RunOnce(ctx context.Context) (map[string]bool, error) {
	ips := p.store.CameraIPs()
	alive := p.probe.Load().Cycle(ctx, ips)
	if err := p.store.ReplaceCameraAlive(alive); err != nil {
		p.log.Warn("persist camera liveness failed", "error", err)
		return alive, err
	}
	up := 0
	for _, ok := range alive {
		if ok {
			up++
		}
	}
	metrics.SetCamerasAlive(up)
	return alive, nil
}
