package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"github.com/loykin/oms/internal/camera"
	"github.com/loykin/oms/internal/connect"
	"github.com/loykin/oms/internal/metrics"
	"github.com/loykin/oms/internal/orchestrator"
	"github.com/loykin/oms/internal/progress"
	"github.com/loykin/oms/internal/restart"
	"github.com/loykin/oms/internal/rpc"
	omstls "github.com/loykin/oms/internal/tls"
)

// streamLimit caps one SSE stream.
const streamLimit = 10 * time.Minute

// Router provides embeddable HTTP handlers for the control plane.
// Endpoints (under basePath):
//
//	GET  /oms/status                      raw poller cache
//	GET  /oms/process-list                flattened processes
//	GET  /oms/system/state                fleet summary and banner
//	POST /oms/system/restart/all          start Restart-All (?wait=1)
//	GET  /oms/system/restart/state|events
//	POST /oms/system/restart/clear
//	POST /oms/system/connect              start Connect (?wait=1)
//	GET  /oms/system/connect/state|events
//	POST /oms/system/connect/clear
//	GET  /oms/camera/state
//	POST /oms/camera/connect/all          (?wait=1)
//	GET  /oms/camera/connect/state
//	POST /oms/camera/action/:name         reboot|start|stop|autofocus
//	POST /oms/mtd-query                   ad-hoc RPC
//	GET  /oms/config, POST /oms/config/apply, POST /oms/alias/clear
//	POST /oms/state/upsert
//	GET  /oms/history                     finished runs (?kind=&limit=)
//	ANY  /proxy/:node/*path               node status service
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	orch     *orchestrator.Orchestrator
	basePath string
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(o *orchestrator.Orchestrator, basePath string) *Router {
	return &Router{orch: o, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	base := g.Group(r.basePath)

	api := base.Group("/oms")
	api.GET("/status", r.handleStatus)
	api.GET("/process-list", r.handleProcessList)
	api.GET("/config", r.handleConfig)
	api.POST("/config/apply", r.handleConfigApply)
	api.POST("/alias/clear", r.handleAliasClear)
	api.POST("/state/upsert", r.handleStateUpsert)
	api.POST("/mtd-query", r.handleMTDQuery)
	api.GET("/history", r.handleHistory)

	sys := api.Group("/system")
	sys.GET("/state", r.handleSystemState)
	sys.POST("/restart", r.handleRestart)
	sys.POST("/restart/all", r.handleRestart)
	sys.GET("/restart/state", r.handleRunState(r.orch.Restart().Tracker()))
	sys.GET("/restart/events", r.handleEvents(r.orch.Restart().Tracker()))
	sys.POST("/restart/clear", r.handleClear(r.orch.Restart().Clear))
	sys.POST("/connect", r.handleConnect)
	sys.GET("/connect/state", r.handleRunState(r.orch.Connect().Tracker()))
	sys.GET("/connect/events", r.handleEvents(r.orch.Connect().Tracker()))
	sys.POST("/connect/clear", r.handleClear(r.orch.Connect().Clear))

	cam := api.Group("/camera")
	cam.GET("/state", r.handleCameraState)
	cam.POST("/connect/all", r.handleCameraConnect)
	cam.GET("/connect/state", r.handleRunState(r.orch.Camera().Tracker()))
	cam.POST("/action/:name", r.handleCameraAction)

	base.Any("/proxy/:node/*path", r.handleProxy)

	if m := r.orch.Config().Metrics; m.Enabled && m.Listen == "" {
		base.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// There is no write timeout: event streams are long-lived and bound
// themselves.
func NewServer(addr, basePath string, o *orchestrator.Orchestrator) (*http.Server, error) {
	r := NewRouter(o, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	tlsCfg, err := omstls.Setup(o.Config().ServerTLS())
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		server.TLSConfig = tlsCfg
		ln = tls.NewListener(ln, tlsCfg)
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// busyResp is returned with 409 and carries the active run.
type busyResp struct {
	Error string            `json:"error"`
	State progress.Snapshot `json:"state"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.orch.Status())
}

func (r *Router) handleProcessList(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.orch.ProcessList())
}

func (r *Router) handleHistory(c *gin.Context) {
	kind := c.Query("kind")
	switch kind {
	case "", restart.Kind, connect.Kind, camera.Kind:
	default:
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "unknown kind"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil || limit < 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid limit"})
		return
	}
	writeJSON(c, http.StatusOK, r.orch.History().Recent(c.Request.Context(), kind, limit))
}

func (r *Router) handleSystemState(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.orch.SystemState())
}

func (r *Router) handleCameraState(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.orch.CameraState())
}

type configView struct {
	Path         string            `json:"path,omitempty"`
	Listen       string            `json:"listen"`
	BasePath     string            `json:"base_path"`
	StateDir     string            `json:"state_dir"`
	Heartbeat    float64           `json:"heartbeat_sec"`
	Liveness     livenessView      `json:"liveness"`
	MTDHost      string            `json:"mtd_host"`
	MTDPort      int               `json:"mtd_port"`
	DMPDIP       string            `json:"dmpdip"`
	DaemonMap    map[string]string `json:"daemon_map"`
	ProcessAlias map[string]string `json:"process_alias"`
	Nodes        []nodeView        `json:"nodes"`
}

type livenessView struct {
	Enabled  bool    `json:"enabled"`
	Method   string  `json:"method"`
	Port     int     `json:"port"`
	Interval float64 `json:"interval_sec"`
}

type nodeView struct {
	Name string `json:"name"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (r *Router) handleConfig(c *gin.Context) {
	cfg := r.orch.Config()
	v := configView{
		Path:      cfg.Path(),
		Listen:    cfg.Server.Listen,
		BasePath:  cfg.Server.BasePath,
		StateDir:  cfg.StateDir(),
		Heartbeat: cfg.Poller.Heartbeat.Seconds(),
		Liveness: livenessView{
			Enabled:  cfg.Liveness.Enabled,
			Method:   cfg.Liveness.Method,
			Port:     cfg.Liveness.Port,
			Interval: cfg.Liveness.Interval.Seconds(),
		},
		MTDHost:      cfg.RPC.MTDHost,
		MTDPort:      cfg.RPC.MTDPort,
		DMPDIP:       cfg.Connect.DMPDIP,
		DaemonMap:    cfg.Connect.DaemonMap,
		ProcessAlias: r.orch.Aliases(),
		Nodes:        make([]nodeView, 0, len(cfg.Nodes)),
	}
	for _, n := range cfg.Nodes {
		v.Nodes = append(v.Nodes, nodeView{Name: n.Name, Host: n.Host, Port: n.Port})
	}
	writeJSON(c, http.StatusOK, v)
}

func (r *Router) handleConfigApply(c *gin.Context) {
	cfg, err := r.orch.Reload()
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ok": true, "nodes": len(cfg.Nodes)})
}

func (r *Router) handleAliasClear(c *gin.Context) {
	n := r.orch.Poller().ClearAliases()
	writeJSON(c, http.StatusOK, gin.H{"ok": true, "cleared": n})
}

func (r *Router) handleStateUpsert(c *gin.Context) {
	var payload map[string]any
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	sys, err := r.orch.Store().UpsertSystem(payload)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, sys)
}

type mtdQueryReq struct {
	Host    string         `json:"host"`
	Port    int            `json:"port"`
	Message map[string]any `json:"message"`
	// Timeout in seconds.
	Timeout float64 `json:"timeout"`
}

type mtdQueryResp struct {
	OK       bool           `json:"ok"`
	Tag      string         `json:"tag,omitempty"`
	Response map[string]any `json:"response,omitempty"`
	Error    string         `json:"error,omitempty"`
}

func (r *Router) handleMTDQuery(c *gin.Context) {
	var req mtdQueryReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if len(req.Message) == 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "message is required"})
		return
	}
	cfg := r.orch.Config()
	if req.Host == "" {
		req.Host = cfg.RPC.MTDHost
	}
	if req.Port <= 0 {
		req.Port = cfg.RPC.MTDPort
	}
	resp, err := r.orch.Caller().Call(c.Request.Context(), rpc.Request{
		Host:    req.Host,
		Port:    req.Port,
		Message: req.Message,
		Timeout: time.Duration(req.Timeout * float64(time.Second)),
	})
	if err != nil {
		out := mtdQueryResp{Error: err.Error()}
		var te *rpc.TransportError
		if errors.As(err, &te) {
			out.Tag = te.Tag
			writeJSON(c, http.StatusBadGateway, out)
			return
		}
		writeJSON(c, http.StatusInternalServerError, out)
		return
	}
	obj, err := resp.Object()
	if err != nil {
		writeJSON(c, http.StatusBadGateway, mtdQueryResp{Tag: resp.Tag, Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, mtdQueryResp{OK: true, Tag: resp.Tag, Response: obj})
}

// started answers a run start: 409 when one is active, the final snapshot
// when the caller asked to wait, the initial one otherwise.
func started(c *gin.Context, t *progress.Tracker, snap progress.Snapshot, err error) {
	if errors.Is(err, progress.ErrAlreadyRunning) {
		writeJSON(c, http.StatusConflict, busyResp{Error: err.Error(), State: snap})
		return
	}
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if isTrue(c.Query("wait")) {
		if final, err := t.WaitDone(c.Request.Context()); err == nil {
			snap = final
		}
	}
	writeJSON(c, http.StatusOK, snap)
}

func (r *Router) handleRestart(c *gin.Context) {
	snap, err := r.orch.StartRestart()
	started(c, r.orch.Restart().Tracker(), snap, err)
}

func (r *Router) handleConnect(c *gin.Context) {
	var req connect.Params
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
			return
		}
	}
	snap, err := r.orch.StartConnect(req)
	started(c, r.orch.Connect().Tracker(), snap, err)
}

func (r *Router) handleCameraConnect(c *gin.Context) {
	snap, err := r.orch.StartCameraConnect()
	started(c, r.orch.Camera().Tracker(), snap, err)
}

func (r *Router) handleRunState(t *progress.Tracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		writeJSON(c, http.StatusOK, t.Get())
	}
}

func (r *Router) handleClear(clear func() error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := clear(); err != nil {
			if errors.Is(err, progress.ErrBusy) {
				writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
				return
			}
			writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
			return
		}
		writeJSON(c, http.StatusOK, okResp{OK: true})
	}
}

// handleEvents streams the run snapshot on every change and closes after a
// terminal state.
func (r *Router) handleEvents(t *progress.Tracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), streamLimit)
		defer cancel()
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		snap := t.Get()
		for {
			c.SSEvent(t.Kind(), snap)
			c.Writer.Flush()
			if snap.State.Terminal() {
				return
			}
			next, err := t.Wait(ctx, snap.Seq)
			if err != nil {
				return
			}
			snap = next
		}
	}
}

type cameraActionReq struct {
	IPs []string `json:"ips"`
}

func (r *Router) handleCameraAction(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "unknown action"})
		return
	}
	var req cameraActionReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
			return
		}
	}
	res, err := r.orch.Camera().Action(c.Request.Context(), name, req.IPs)
	switch {
	case errors.Is(err, camera.ErrUnknownAction):
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "unknown action"})
	case errors.Is(err, camera.ErrNoCameras):
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
	case errors.Is(err, camera.ErrNoTarget):
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
	case err != nil:
		res.Error = err.Error()
		var te *rpc.TransportError
		if errors.As(err, &te) {
			res.Tag = te.Tag
		}
		writeJSON(c, http.StatusBadGateway, res)
	default:
		writeJSON(c, http.StatusOK, res)
	}
}

// handleProxy forwards to the named node's local status service.
func (r *Router) handleProxy(c *gin.Context) {
	name := c.Param("node")
	n, ok := r.orch.Poller().Node(name)
	if !isSafeName(name) || !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown node: " + name})
		return
	}
	target := &url.URL{Scheme: "http", Host: n.Addr()}
	path := c.Param("path")
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.URL.Path = path
			pr.Out.URL.RawPath = ""
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, _ *http.Request, err error) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_ = json.NewEncoder(w).Encode(errorResp{Error: "proxy: " + err.Error()})
		},
	}
	proxy.ServeHTTP(c.Writer, c.Request)
}
