package nodes

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// maxBody caps how much of a node response is read.
const maxBody = 8 << 20

// Client talks to the local status service of a node.
type Client struct {
	http *http.Client
	log  *slog.Logger
}

// NewClient returns a node client. Per-request timeouts are applied through
// the request context, so hc should not carry its own Timeout.
func NewClient(hc *http.Client, log *slog.Logger) *Client {
	if hc == nil {
		hc = &http.Client{Transport: &http.Transport{MaxIdleConnsPerHost: 4, IdleConnTimeout: 30 * time.Second}}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{http: hc, log: log}
}

// HTTPError is a non-2xx answer from a node.
type HTTPError struct {
	Status int
}

func (e *HTTPError) Error() string { return fmt.Sprintf("http %d", e.Status) }

func (c *Client) do(ctx context.Context, n Node, method, path string, body []byte, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	u := url.URL{Scheme: "http", Host: n.Addr(), Path: path}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, err
	}
	ok := resp.StatusCode < 400
	if method == http.MethodGet {
		ok = resp.StatusCode == http.StatusOK
	}
	if !ok {
		return nil, &HTTPError{Status: resp.StatusCode}
	}
	return data, nil
}

// FetchStatus reads and parses GET /status.
func (c *Client) FetchStatus(ctx context.Context, n Node, timeout time.Duration) (Status, error) {
	data, err := c.do(ctx, n, http.MethodGet, "/status", nil, timeout)
	if err != nil {
		return Status{}, err
	}
	return ParseStatus(data)
}

// FetchAliases reads the process alias map from GET /config.
func (c *Client) FetchAliases(ctx context.Context, n Node, timeout time.Duration) (map[string]string, error) {
	data, err := c.do(ctx, n, http.MethodGet, "/config", nil, timeout)
	if err != nil {
		return nil, err
	}
	return ParseAliases(data)
}

// Restart asks the node to restart proc. Any status >= 400 is a failure.
func (c *Client) Restart(ctx context.Context, n Node, proc string, timeout time.Duration) error {
	_, err := c.do(ctx, n, http.MethodPost, "/restart/"+url.PathEscape(proc), []byte("{}"), timeout)
	if err != nil {
		c.log.Debug("restart request failed", "node", n.Name, "proc", proc, "error", err)
	}
	return err
}

// Snapshot reads the current state of proc. A failed read or a missing
// process yields a zero Snapshot (Found false) and the error, if any.
func (c *Client) Snapshot(ctx context.Context, n Node, proc string, timeout time.Duration) (Snapshot, error) {
	st, err := c.FetchStatus(ctx, n, timeout)
	if err != nil {
		return Snapshot{}, err
	}
	p, ok := st.Find(proc)
	if !ok {
		return Snapshot{}, nil
	}
	return p.Snapshot(), nil
}
