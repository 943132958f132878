package progress

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Run states.
type State string

const (
	Idle    State = "idle"
	Running State = "running"
	Done    State = "done"
	Error   State = "error"
)

// Terminal reports whether no further updates will follow.
func (s State) Terminal() bool { return s == Done || s == Error }

var (
	// ErrAlreadyRunning rejects a start request while a run is active.
	ErrAlreadyRunning = errors.New("already running")
	// ErrBusy rejects a clear request while a run is active.
	ErrBusy = errors.New("cannot clear while running")
)

// Event is one step outcome of a sequenced run.
type Event struct {
	Step  string    `json:"step"`
	OK    bool      `json:"ok"`
	Error string    `json:"error,omitempty"`
	Tag   string    `json:"tag,omitempty"`
	At    time.Time `json:"at"`
}

// Snapshot is the externally visible progress of one run.
type Snapshot struct {
	RunID     string    `json:"run_id,omitempty"`
	Kind      string    `json:"kind"`
	State     State     `json:"state"`
	Phase     string    `json:"phase,omitempty"`
	Total     int       `json:"total"`
	Sent      int       `json:"sent"`
	Done      int       `json:"done"`
	Fails     []string  `json:"fails"`
	Message   string    `json:"message"`
	Events    []Event   `json:"events,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
	Seq       uint64    `json:"seq"`
}

// Elapsed is the run duration so far (or in total once finished).
func (s Snapshot) Elapsed() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	end := time.Now()
	if s.State.Terminal() && !s.UpdatedAt.IsZero() {
		end = s.UpdatedAt
	}
	return end.Sub(s.StartedAt)
}

func (s Snapshot) clone() Snapshot {
	s.Fails = append([]string{}, s.Fails...)
	s.Events = append([]Event(nil), s.Events...)
	return s
}

// Tracker owns the singleton progress of one kind of run. Only one run may
// be active at a time.
type Tracker struct {
	kind   string
	prefix string

	mu      sync.Mutex
	cur     Snapshot
	changed chan struct{}
}

// NewTracker creates an idle tracker. prefix tags every message, e.g.
// "[system][restart]".
func NewTracker(kind, prefix string) *Tracker {
	return &Tracker{
		kind:    kind,
		prefix:  prefix,
		cur:     Snapshot{Kind: kind, State: Idle, Fails: []string{}},
		changed: make(chan struct{}),
	}
}

func (t *Tracker) Kind() string { return t.kind }

// Begin moves the tracker to running. It fails with ErrAlreadyRunning and
// leaves the active run untouched when one is in progress.
func (t *Tracker) Begin(message string) (Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur.State == Running {
		return t.cur.clone(), ErrAlreadyRunning
	}
	now := time.Now()
	t.cur = Snapshot{
		RunID:     uuid.NewString(),
		Kind:      t.kind,
		State:     Running,
		Fails:     []string{},
		Message:   t.tag(message),
		StartedAt: now,
		UpdatedAt: now,
		Seq:       t.cur.Seq + 1,
	}
	t.notify()
	return t.cur.clone(), nil
}

// Update applies fn to the active snapshot and bumps seq.
func (t *Tracker) Update(fn func(*Snapshot)) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.cur)
	t.cur.Message = t.tag(t.cur.Message)
	t.cur.UpdatedAt = time.Now()
	t.cur.Seq++
	t.notify()
	return t.cur.clone()
}

// SetMessage is Update for the message alone.
func (t *Tracker) SetMessage(format string, args ...any) Snapshot {
	msg := fmt.Sprintf(format, args...)
	return t.Update(func(s *Snapshot) { s.Message = msg })
}

// AddEvent appends a step outcome.
func (t *Tracker) AddEvent(e Event) Snapshot {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return t.Update(func(s *Snapshot) { s.Events = append(s.Events, e) })
}

// Finish moves the run to a terminal state.
func (t *Tracker) Finish(state State, message string) Snapshot {
	return t.Update(func(s *Snapshot) {
		s.State = state
		s.Phase = ""
		s.Message = message
	})
}

// Recover moves the run to error when the deferring worker panics.
// Use as: defer t.Recover().
func (t *Tracker) Recover() {
	if r := recover(); r != nil {
		t.Finish(Error, fmt.Sprintf("unexpected error: %v", r))
	}
}

// Get returns a consistent copy of the current snapshot.
func (t *Tracker) Get() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur.clone()
}

func (t *Tracker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur.State == Running
}

// Clear resets a finished run to idle. It fails with ErrBusy while running.
func (t *Tracker) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur.State == Running {
		return ErrBusy
	}
	t.cur = Snapshot{Kind: t.kind, State: Idle, Fails: []string{}, UpdatedAt: time.Now(), Seq: t.cur.Seq + 1}
	t.notify()
	return nil
}

// Wait blocks until the snapshot's seq differs from seq or ctx ends.
func (t *Tracker) Wait(ctx context.Context, seq uint64) (Snapshot, error) {
	for {
		t.mu.Lock()
		if t.cur.Seq != seq {
			s := t.cur.clone()
			t.mu.Unlock()
			return s, nil
		}
		ch := t.changed
		t.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return t.Get(), ctx.Err()
		}
	}
}

// WaitDone blocks until the run leaves the running state or ctx ends.
func (t *Tracker) WaitDone(ctx context.Context) (Snapshot, error) {
	s := t.Get()
	for s.State == Running {
		var err error
		if s, err = t.Wait(ctx, s.Seq); err != nil {
			return s, err
		}
	}
	return s, nil
}

// notify must be called with t.mu held.
func (t *Tracker) notify() {
	close(t.changed)
	t.changed = make(chan struct{})
}

func (t *Tracker) tag(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" || t.prefix == "" || strings.HasPrefix(msg, t.prefix) {
		return msg
	}
	return t.prefix + " " + msg
}

// Blockers renders names as "a, b, +N more" keeping at most limit entries.
func Blockers(names []string, limit int) string {
	if limit <= 0 || len(names) <= limit {
		return strings.Join(names, ", ")
	}
	return fmt.Sprintf("%s, +%d more", strings.Join(names[:limit], ", "), len(names)-limit)
}

// Secs formats a duration as "3.4s".
func Secs(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}
