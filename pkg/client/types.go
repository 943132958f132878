package client

import (
	"fmt"
	"net/http"

	"github.com/loykin/oms/internal/camera"
	"github.com/loykin/oms/internal/history"
	"github.com/loykin/oms/internal/orchestrator"
	"github.com/loykin/oms/internal/progress"
)

// Response types shared with the daemon.
type (
	Snapshot      = progress.Snapshot
	RunState      = progress.State
	SystemState   = orchestrator.SystemState
	CameraState   = orchestrator.CameraState
	NodeStatus    = orchestrator.NodeStatus
	ProcessEntry  = orchestrator.ProcessEntry
	ActionResult  = camera.ActionResult
	HistoryReport = history.Report
)

// ConnectRequest overrides the connect parameters the daemon would resolve
// on its own. Zero fields are filled by the daemon.
type ConnectRequest struct {
	MTDHost   string            `json:"mtd_host,omitempty"`
	MTDPort   int               `json:"mtd_port,omitempty"`
	DMPDIP    string            `json:"dmpdip,omitempty"`
	DaemonMap map[string]string `json:"daemon_map,omitempty"`
	DryRun    bool              `json:"dry_run,omitempty"`
}

// MTDQuery is an ad-hoc RPC sent through the daemon.
type MTDQuery struct {
	Host    string         `json:"host,omitempty"`
	Port    int            `json:"port,omitempty"`
	Message map[string]any `json:"message"`
	// Timeout in seconds; zero uses the daemon default.
	Timeout float64 `json:"timeout,omitempty"`
}

type MTDQueryResult struct {
	OK       bool           `json:"ok"`
	Tag      string         `json:"tag,omitempty"`
	Response map[string]any `json:"response,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsConflict reports whether err is a 409: a run of that kind is active.
func IsConflict(err error) bool {
	e, ok := err.(*APIError)
	return ok && e.StatusCode == http.StatusConflict
}
