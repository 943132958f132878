package history

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/loykin/oms/internal/progress"
	"github.com/loykin/oms/internal/state"
)

// ReportFile is the last restart report, written beside the state files.
const ReportFile = "restart_report.json"

// keepRecent bounds the in-memory report ring.
const keepRecent = 50

// Recorder delivers finished runs to the configured sinks in the background,
// keeps the last restart report on disk and the latest reports in memory.
type Recorder struct {
	sinks     []Sink
	reportDir string
	timeout   time.Duration
	log       *slog.Logger
	wg        sync.WaitGroup

	mu     sync.Mutex
	recent []Report // oldest first
}

// NewRecorder builds a recorder. reportDir may be empty to skip the report
// file; sinks may be empty.
func NewRecorder(reportDir string, log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	var keep []Sink
	for _, s := range sinks {
		if s != nil {
			keep = append(keep, s)
		}
	}
	return &Recorder{sinks: keep, reportDir: reportDir, timeout: 5 * time.Second, log: log.With("component", "history")}
}

// Record is meant for the OnFinish hook of a run. It never blocks on sinks.
func (r *Recorder) Record(s progress.Snapshot) {
	if r == nil {
		return
	}
	e := NewEvent(s)
	r.remember(e.Report)
	if e.Type == EventRestart && r.reportDir != "" {
		if err := WriteReport(r.reportDir, e.Report); err != nil {
			r.log.Error("write restart report", "error", err)
		}
	}
	for _, sink := range r.sinks {
		r.wg.Add(1)
		go func(sink Sink) {
			defer r.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			defer cancel()
			if err := sink.Send(ctx, e); err != nil {
				r.log.Warn("history sink failed", "kind", e.Report.Kind, "run_id", e.Report.RunID, "error", err)
			}
		}(sink)
	}
}

func (r *Recorder) remember(rep Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recent = append(r.recent, rep)
	if over := len(r.recent) - keepRecent; over > 0 {
		r.recent = append([]Report(nil), r.recent[over:]...)
	}
}

// Recent lists finished runs newest first. The first sink that can be
// queried answers; without one, or when it fails, the reports recorded by
// this process are used.
func (r *Recorder) Recent(ctx context.Context, kind string, limit int) []Report {
	if r == nil {
		return []Report{}
	}
	limit = ClampLimit(limit)
	for _, s := range r.sinks {
		q, ok := s.(Querier)
		if !ok {
			continue
		}
		qctx, cancel := context.WithTimeout(ctx, r.timeout)
		out, err := q.Recent(qctx, kind, limit)
		cancel()
		if err == nil {
			if out == nil {
				out = []Report{}
			}
			return out
		}
		r.log.Warn("history query failed, using recent runs in memory", "error", err)
		break
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Report{}
	for i := len(r.recent) - 1; i >= 0 && len(out) < limit; i-- {
		if kind == "" || r.recent[i].Kind == kind {
			out = append(out, r.recent[i])
		}
	}
	return out
}

// Close waits for in-flight deliveries and closes sinks that can be closed.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.wg.Wait()
	var first error
	for _, s := range r.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

// WriteReport stores r as dir/restart_report.json atomically.
func WriteReport(dir string, r Report) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return state.WriteFileAtomic(filepath.Join(dir, ReportFile), b)
}
