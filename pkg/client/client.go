package client

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// DefaultBaseURL is the daemon's default control plane address.
const DefaultBaseURL = "http://127.0.0.1:19777"

// Client provides HTTP client functionality to communicate with the oms daemon
type Client struct {
	baseURL string
	client  *http.Client
	// stream has no overall timeout; waits and event streams are bounded
	// by the caller's context.
	stream *http.Client
	logger *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig is used when the daemon serves HTTPS ([server.tls]) or sits
// behind a TLS terminator.
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 10 * time.Second,
	}
}

// New creates a new oms API client
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
		stream: &http.Client{Transport: transport},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/oms/system/state", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) SystemState(ctx context.Context) (SystemState, error) {
	var out SystemState
	err := c.do(ctx, http.MethodGet, "/oms/system/state", nil, &out)
	return out, err
}

func (c *Client) CameraState(ctx context.Context) (CameraState, error) {
	var out CameraState
	err := c.do(ctx, http.MethodGet, "/oms/camera/state", nil, &out)
	return out, err
}

// Status returns the raw per-node poller cache.
func (c *Client) Status(ctx context.Context) ([]NodeStatus, error) {
	var out []NodeStatus
	err := c.do(ctx, http.MethodGet, "/oms/status", nil, &out)
	return out, err
}

func (c *Client) ProcessList(ctx context.Context) ([]ProcessEntry, error) {
	var out []ProcessEntry
	err := c.do(ctx, http.MethodGet, "/oms/process-list", nil, &out)
	return out, err
}

// StartRestart starts Restart-All. With wait it returns the final snapshot.
func (c *Client) StartRestart(ctx context.Context, wait bool) (Snapshot, error) {
	var out Snapshot
	err := c.do(ctx, http.MethodPost, withWait("/oms/system/restart/all", wait), nil, &out)
	return out, err
}

func (c *Client) RestartState(ctx context.Context) (Snapshot, error) {
	var out Snapshot
	err := c.do(ctx, http.MethodGet, "/oms/system/restart/state", nil, &out)
	return out, err
}

func (c *Client) ClearRestart(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/oms/system/restart/clear", nil, nil)
}

// StartConnect starts the connect sequence. With wait it returns the final
// snapshot.
func (c *Client) StartConnect(ctx context.Context, req ConnectRequest, wait bool) (Snapshot, error) {
	var out Snapshot
	err := c.do(ctx, http.MethodPost, withWait("/oms/system/connect", wait), req, &out)
	return out, err
}

func (c *Client) ConnectState(ctx context.Context) (Snapshot, error) {
	var out Snapshot
	err := c.do(ctx, http.MethodGet, "/oms/system/connect/state", nil, &out)
	return out, err
}

func (c *Client) ClearConnect(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/oms/system/connect/clear", nil, nil)
}

func (c *Client) StartCameraConnect(ctx context.Context, wait bool) (Snapshot, error) {
	var out Snapshot
	err := c.do(ctx, http.MethodPost, withWait("/oms/camera/connect/all", wait), nil, &out)
	return out, err
}

func (c *Client) CameraConnectState(ctx context.Context) (Snapshot, error) {
	var out Snapshot
	err := c.do(ctx, http.MethodGet, "/oms/camera/connect/state", nil, &out)
	return out, err
}

// CameraAction runs reboot, start, stop or autofocus on ips (all cameras when
// empty).
func (c *Client) CameraAction(ctx context.Context, name string, ips []string) (ActionResult, error) {
	var out ActionResult
	body := map[string]any{}
	if len(ips) > 0 {
		body["ips"] = ips
	}
	err := c.do(ctx, http.MethodPost, "/oms/camera/action/"+url.PathEscape(name), body, &out)
	return out, err
}

// MTDQuery sends one message through the daemon's RPC transport.
func (c *Client) MTDQuery(ctx context.Context, q MTDQuery) (MTDQueryResult, error) {
	var out MTDQueryResult
	err := c.do(ctx, http.MethodPost, "/oms/mtd-query", q, &out)
	return out, err
}

// History lists finished runs of kind (restart, connect, camera_connect or
// "" for all), newest first. A zero limit uses the daemon default.
func (c *Client) History(ctx context.Context, kind string, limit int) ([]HistoryReport, error) {
	q := url.Values{}
	if kind != "" {
		q.Set("kind", kind)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/oms/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []HistoryReport
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// ApplyConfig asks the daemon to reload its config file.
func (c *Client) ApplyConfig(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/oms/config/apply", nil, nil)
}

func (c *Client) ClearAliases(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/oms/alias/clear", nil, nil)
}

// Follow streams run snapshots ("restart" or "connect") to fn until the run
// ends, the daemon closes the stream or ctx is done.
func (c *Client) Follow(ctx context.Context, run string, fn func(Snapshot)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/oms/system/"+run+"/events", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return c.apiError(resp)
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data:")
		if !ok {
			continue
		}
		var s Snapshot
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &s); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		fn(s)
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func withWait(path string, wait bool) string {
	if wait {
		return path + "?wait=1"
	}
	return path
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}
	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = caCertPool
	return nil
}

// do performs one JSON request. Waiting requests go through the streaming
// client so the per-request timeout does not cut them short.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	hc := c.client
	if strings.HasSuffix(path, "?wait=1") {
		hc = c.stream
	}
	resp, err := hc.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.apiError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// apiError turns an error response into *APIError.
func (c *Client) apiError(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode}
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: errorResp.Error}
}
