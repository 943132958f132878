package rpc

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/loykin/oms/internal/metrics"
)

// Trace directions.
const (
	TraceSend  = "send"
	TraceRecv  = "recv"
	TraceError = "error"
)

// TraceRecord is one JSONL line of the call trace.
type TraceRecord struct {
	TS       time.Time `json:"ts"`
	Tag      string    `json:"tag"`
	Dir      string    `json:"dir"`
	Host     string    `json:"host"`
	Port     int       `json:"port"`
	Message  any       `json:"message,omitempty"`
	Response any       `json:"response,omitempty"`
	Error    string    `json:"error,omitempty"`
	Elapsed  float64   `json:"elapsed_sec,omitempty"`
}

// Tracer records call traces. Record must never block the caller.
type Tracer interface {
	Record(TraceRecord)
}

// NopTracer discards every record.
type NopTracer struct{}

func (NopTracer) Record(TraceRecord) {}

// FileTracer writes records as JSON lines from a single background goroutine.
// Records are dropped when the buffer is full.
type FileTracer struct {
	w    io.WriteCloser
	log  *slog.Logger
	ch   chan TraceRecord
	done chan struct{}

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

const traceBuffer = 512

func NewFileTracer(w io.WriteCloser, log *slog.Logger) *FileTracer {
	if log == nil {
		log = slog.Default()
	}
	t := &FileTracer{
		w:    w,
		log:  log,
		ch:   make(chan TraceRecord, traceBuffer),
		done: make(chan struct{}),
	}
	go t.loop()
	return t
}

func (t *FileTracer) Record(r TraceRecord) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.ch <- r:
	default:
		metrics.IncTraceDropped()
	}
}

func (t *FileTracer) loop() {
	defer close(t.done)
	enc := json.NewEncoder(t.w)
	for r := range t.ch {
		if err := enc.Encode(r); err != nil {
			t.log.Debug("trace write failed", "tag", r.Tag, "error", err)
		}
	}
}

// Close flushes pending records and closes the writer.
func (t *FileTracer) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		close(t.ch)
		t.mu.Unlock()
		<-t.done
		err = t.w.Close()
	})
	return err
}
