package restart

import (
	"time"

	"github.com/loykin/oms/internal/nodes"
)

// Thresholds tune the restart evidence rules.
type Thresholds struct {
	// UptimeResetRatio: uptime below ratio*baseline counts as a reset, but
	// only after a down transition was observed.
	UptimeResetRatio float64
	// StartSkew tolerates clock skew between this host and the node when
	// comparing the reported start time with the send time.
	StartSkew time.Duration
	// RunningStreak consecutive running observations confirm a process
	// that reports no identity metadata at all, once RunningStreakMinWait
	// has passed since the send.
	RunningStreak        int
	RunningStreakMinWait time.Duration
}

// DefaultThresholds are the production values.
var DefaultThresholds = Thresholds{
	UptimeResetRatio:     0.5,
	StartSkew:            200 * time.Millisecond,
	RunningStreak:        2,
	RunningStreakMinWait: time.Second,
}

func epoch(t time.Time) float64 { return float64(t.UnixNano()) / 1e9 }

// Restarted reports whether cur proves that the process restarted after
// sentAt, given the baseline read before the send. In order: PID changed,
// start time at or after the send, uptime reset with an observed down
// transition, or (no metadata anywhere) an observed down transition.
func Restarted(base, cur nodes.Snapshot, sentAt time.Time, sawDown bool, th Thresholds) bool {
	if !cur.Found || !cur.Running {
		return false
	}
	if base.PID != nil && cur.PID != nil && *base.PID != *cur.PID {
		return true
	}
	if cur.StartTS != nil && !sentAt.IsZero() && *cur.StartTS >= epoch(sentAt)-th.StartSkew.Seconds() {
		return true
	}
	if base.Uptime != nil && cur.Uptime != nil && sawDown && *cur.Uptime < th.UptimeResetRatio**base.Uptime {
		return true
	}
	if !base.HasMeta() && !cur.HasMeta() {
		return sawDown
	}
	return false
}

// tracking is the per-job observation state. It carries over from the
// confirm phase into settle.
type tracking struct {
	base    nodes.Snapshot
	sentAt  time.Time
	sawDown bool
	streak  int
}

// observe folds one snapshot into the tracking state and reports whether
// the job is confirmed.
func (t *tracking) observe(cur nodes.Snapshot, now time.Time, th Thresholds) bool {
	if cur.Found {
		if cur.Running {
			t.streak++
		} else {
			t.sawDown = true
			t.streak = 0
		}
	}
	if Restarted(t.base, cur, t.sentAt, t.sawDown, th) {
		return true
	}
	return cur.Found && cur.Running &&
		!t.base.HasMeta() && !cur.HasMeta() &&
		t.streak >= th.RunningStreak &&
		now.Sub(t.sentAt) > th.RunningStreakMinWait
}
