package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/loykin/oms/internal/metrics"
)

// DefaultTimeout bounds a call when the request does not set one.
const DefaultTimeout = 10 * time.Second

// TransportError reports a framing, timeout or connection failure of one call.
// Tag identifies the call in the trace log.
type TransportError struct {
	Message string
	Tag     string
	Err     error
}

func (e *TransportError) Error() string {
	s := "rpc " + e.Tag + ": " + e.Message
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *TransportError) Unwrap() error { return e.Err }

// Request is one call. Message is encoded as the JSON payload; map messages
// get the MMd/SPd rename before sending.
type Request struct {
	Host    string
	Port    int
	Message any
	Timeout time.Duration
	Tag     string
}

// Caller is what orchestration code needs from the transport.
type Caller interface {
	Call(ctx context.Context, req Request) (*Response, error)
}

// Dialer opens connections; *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Client is the stateless RPC transport. Every call opens, uses and closes
// its own connection and never retries.
type Client struct {
	dialer  Dialer
	tracer  Tracer
	log     *slog.Logger
	timeout time.Duration
}

type Option func(*Client)

func WithDialer(d Dialer) Option { return func(c *Client) { c.dialer = d } }
func WithTracer(t Tracer) Option { return func(c *Client) { c.tracer = t } }
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.log = l } }
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

func New(opts ...Option) *Client {
	c := &Client{
		dialer:  &net.Dialer{},
		tracer:  NopTracer{},
		log:     slog.Default(),
		timeout: DefaultTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Call sends req.Message and waits for one reply frame. The whole exchange,
// connect included, is bounded by a single deadline.
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	tag := req.Tag
	if tag == "" {
		tag = NewTag()
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	start := time.Now()
	deadline := start.Add(timeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	msg := prepareOutgoing(req.Message)
	c.trace(TraceRecord{Tag: tag, Dir: TraceSend, Host: req.Host, Port: req.Port, Message: msg})

	resp, err := c.exchange(ctx, req, msg, deadline)
	elapsed := time.Since(start)
	metrics.ObserveRPC(err == nil, elapsed.Seconds())
	if err != nil {
		te := &TransportError{Message: err.Error(), Tag: tag}
		var se *stageError
		if errors.As(err, &se) {
			te.Message = se.stage
			te.Err = se.err
		}
		c.trace(TraceRecord{Tag: tag, Dir: TraceError, Host: req.Host, Port: req.Port, Error: te.Error(), Elapsed: elapsed.Seconds()})
		c.log.Debug("rpc call failed", "tag", tag, "host", req.Host, "port", req.Port, "error", te)
		return nil, te
	}
	resp.Tag = tag
	c.trace(TraceRecord{Tag: tag, Dir: TraceRecv, Host: req.Host, Port: req.Port, Response: rawJSON(resp.Body), Elapsed: elapsed.Seconds()})
	return resp, nil
}

type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }

func (c *Client) exchange(ctx context.Context, req Request, msg any, deadline time.Time) (*Response, error) {
	frame, err := Marshal(msg)
	if err != nil {
		return nil, &stageError{"encode message", err}
	}
	addr := net.JoinHostPort(req.Host, strconv.Itoa(req.Port))
	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &stageError{"connect " + addr, err}
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(deadline)
	// A cancelled context unblocks pending reads by expiring the deadline.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if _, err := conn.Write(frame); err != nil {
		return nil, &stageError{"send", err}
	}
	typ, payload, err := ReadFrame(conn)
	if err != nil {
		return nil, &stageError{"receive", err}
	}
	resp, err := Decode(typ, payload)
	if err != nil {
		return nil, &stageError{"decode", err}
	}
	return resp, nil
}

func (c *Client) trace(r TraceRecord) {
	defer func() {
		if p := recover(); p != nil {
			c.log.Debug("trace record dropped", "tag", r.Tag, "panic", fmt.Sprint(p))
		}
	}()
	r.TS = time.Now()
	c.tracer.Record(r)
}

// rawJSON lets the trace encoder embed the reply bytes verbatim.
type rawJSON []byte

func (r rawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}
