package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerRunsAndNonOverlap(t *testing.T) {
	s := New(nil)
	var runs, active, maxActive atomic.Int32
	job := &Job{
		Name:      "slow",
		Every:     20 * time.Millisecond,
		Singleton: true,
		Run: func(ctx context.Context) {
			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			runs.Add(1)
			time.Sleep(70 * time.Millisecond)
			active.Add(-1)
		},
	}
	if err := s.Add(job); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	s.Stop()
	if runs.Load() == 0 {
		t.Fatalf("expected at least one run")
	}
	if maxActive.Load() != 1 {
		t.Fatalf("singleton job overlapped: %d concurrent runs", maxActive.Load())
	}
}

func TestSchedulerImmediateAndStop(t *testing.T) {
	s := New(nil)
	ran := make(chan struct{}, 1)
	job := &Job{Name: "now", Every: time.Hour, Immediate: true, Run: func(ctx context.Context) {
		select {
		case ran <- struct{}{}:
		default:
		}
	}}
	if err := s.Add(job); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatalf("immediate job did not run")
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("second Start must fail")
	}
	s.Stop()
	s.Stop()
}

func TestSchedulerSetInterval(t *testing.T) {
	s := New(nil)
	var runs atomic.Int32
	job := &Job{Name: "tick", Every: time.Hour, Run: func(context.Context) { runs.Add(1) }}
	if err := s.Add(job); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()
	if err := s.SetInterval("tick", 10*time.Millisecond); err != nil {
		t.Fatalf("set interval: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if runs.Load() < 2 {
		t.Fatalf("interval change not applied")
	}
	if err := s.SetInterval("missing", time.Second); err == nil {
		t.Fatalf("expected error for unknown job")
	}
}

func TestJobValidation(t *testing.T) {
	s := New(nil)
	bad := []*Job{
		{Every: time.Second, Run: func(context.Context) {}},
		{Name: "x", Run: func(context.Context) {}},
		{Name: "y", Every: time.Second},
	}
	for i, j := range bad {
		if err := s.Add(j); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
	ok := &Job{Name: "z", Every: time.Second, Run: func(context.Context) {}}
	if err := s.Add(ok); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add(&Job{Name: "z", Every: time.Second, Run: func(context.Context) {}}); err == nil {
		t.Fatalf("duplicate name must fail")
	}
}
