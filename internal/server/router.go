package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stackd/stackd/internal/metrics"
	"github.com/stackd/stackd/internal/orchestrator"
	"github.com/stackd/stackd/internal/version"
)

// Router provides embeddable HTTP handlers for the service fleet.
// Endpoints:
//
//	GET  {basePath}/status              fleet status in catalog order
//	GET  {basePath}/versions            per-service version view (installed + remote)
//	GET  {basePath}/paths               resolved filesystem locations
//	GET  {basePath}/output?id=...       trailing captured output of one service
//	GET  {basePath}/metrics             Prometheus metrics
//	POST {basePath}/start?id=...        start one service (all when id empty)
//	POST {basePath}/stop?id=...         stop one service (all when id empty)
//	POST {basePath}/restart?id=...      restart one service (config check first)
//	POST {basePath}/switch?id=...&version=...
//	POST {basePath}/check-updates       refresh the remote feed view
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	orch     *orchestrator.Orchestrator
	root     string
	basePath string
}

func NewRouter(orch *orchestrator.Orchestrator, root, basePath string) *Router {
	return &Router{orch: orch, root: root, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/versions", r.handleVersions)
	group.GET("/paths", r.handlePaths)
	group.GET("/output", r.handleOutput)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/restart", r.handleRestart)
	group.POST("/switch", r.handleSwitch)
	group.POST("/check-updates", r.handleCheckUpdates)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, orch *orchestrator.Orchestrator, root string) (*http.Server, error) {
	r := NewRouter(orch, root, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.orch.Status())
}

type versionResp struct {
	Service   string       `json:"service"`
	Current   string       `json:"current,omitempty"`
	Installed []string     `json:"installed,omitempty"`
	Remote    version.Info `json:"remote"`
}

func (r *Router) handleVersions(c *gin.Context) {
	vs := r.orch.Versions()
	out := make([]versionResp, 0)
	for _, d := range r.orch.Definitions() {
		info, _ := vs.Remote(d.ID)
		out = append(out, versionResp{
			Service:   d.ID,
			Current:   vs.Current(d.ID),
			Installed: vs.Installed(d.ID),
			Remote:    info,
		})
	}
	writeJSON(c, http.StatusOK, out)
}

type pathsResp struct {
	Root     string            `json:"root"`
	Services map[string]string `json:"services"`
	Configs  map[string]string `json:"configs"`
}

func (r *Router) handlePaths(c *gin.Context) {
	resp := pathsResp{
		Root:     r.root,
		Services: map[string]string{},
		Configs:  map[string]string{},
	}
	for _, d := range r.orch.Definitions() {
		resp.Services[d.ID] = d.Dir(r.root)
		if cfg := d.ConfigFile(r.root); cfg != "" {
			resp.Configs[d.ID] = cfg
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleOutput(c *gin.Context) {
	id := c.Query("id")
	if !isSafeName(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "id query param required"})
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", r.orch.Output(id))
}

func (r *Router) handleStart(c *gin.Context) {
	r.lifecycle(c, r.orch.Start, r.orch.StartAll)
}

func (r *Router) handleStop(c *gin.Context) {
	r.lifecycle(c, r.orch.Stop, r.orch.StopAll)
}

func (r *Router) handleRestart(c *gin.Context) {
	r.lifecycle(c, r.orch.Restart, nil)
}

// lifecycle dispatches a start/stop/restart request to one service or,
// when no id is given and a fleet variant exists, to the whole fleet.
func (r *Router) lifecycle(c *gin.Context, one func(string) error, all func() error) {
	id := c.Query("id")
	if id == "" {
		if all == nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "id query param required"})
			return
		}
		if err := all(); err != nil {
			writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
			return
		}
		writeJSON(c, http.StatusOK, okResp{OK: true})
		return
	}
	if !isSafeName(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid id"})
		return
	}
	if err := one(id); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleSwitch(c *gin.Context) {
	id := c.Query("id")
	target := c.Query("version")
	if !isSafeName(id) || target == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "id and version query params required"})
		return
	}
	if err := r.orch.SwitchVersion(c.Request.Context(), id, target); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleCheckUpdates(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.orch.CheckUpdates(c.Request.Context()))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrUnknownService):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrNotInstalled),
		errors.Is(err, version.ErrVersionUnavailable):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
