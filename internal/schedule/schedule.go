package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Job is one periodic unit of work.
// Non-overlap: when Singleton is set and the previous run is still active,
// the tick is skipped.
type Job struct {
	Name      string
	Every     time.Duration
	Run       func(ctx context.Context)
	Singleton bool
	// Immediate runs the job once right after Start instead of waiting for
	// the first tick.
	Immediate bool

	running atomic.Bool
	reset   chan time.Duration
}

func (j *Job) validate() error {
	if j.Name == "" {
		return errors.New("job requires a name")
	}
	if j.Run == nil {
		return fmt.Errorf("job %s: run func required", j.Name)
	}
	if j.Every <= 0 {
		return fmt.Errorf("job %s: interval must be > 0", j.Name)
	}
	return nil
}

// Scheduler runs jobs on their own tickers until Stop.
type Scheduler struct {
	log  *slog.Logger
	mu   sync.Mutex
	jobs map[string]*Job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{log: log, jobs: map[string]*Job{}}
}

// Add registers a job. Jobs added after Start begin immediately.
func (s *Scheduler) Add(job *Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	job.reset = make(chan time.Duration, 1)
	s.jobs[job.Name] = job
	if s.ctx != nil {
		s.launch(job)
	}
	return nil
}

// Start launches all job loops. Cancelling ctx or calling Stop ends them.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return errors.New("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		s.launch(j)
	}
	return nil
}

func (s *Scheduler) launch(j *Job) {
	s.wg.Add(1)
	go s.runJob(s.ctx, j)
}

// SetInterval changes a job's period; the running ticker is reset.
func (s *Scheduler) SetInterval(name string, every time.Duration) error {
	if every <= 0 {
		return fmt.Errorf("job %s: interval must be > 0", name)
	}
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not found", name)
	}
	// keep only the latest pending change
	select {
	case <-j.reset:
	default:
	}
	j.reset <- every
	return nil
}

func (s *Scheduler) runJob(ctx context.Context, j *Job) {
	defer s.wg.Done()
	if j.Immediate {
		s.fire(ctx, j)
	}
	t := time.NewTicker(j.Every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-j.reset:
			j.Every = d
			t.Reset(d)
		case <-t.C:
			s.fire(ctx, j)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, j *Job) {
	if j.Singleton {
		// attempt to mark running; if already true, skip this tick
		if !j.running.CompareAndSwap(false, true) {
			return
		}
	} else {
		j.running.Store(true)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer j.running.Store(false)
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("scheduled job panicked", "job", j.Name, "panic", r)
			}
		}()
		j.Run(ctx)
	}()
}

// Stop cancels all jobs and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}
