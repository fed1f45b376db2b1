// Package server exposes the manager over HTTP for the dashboard and remote
// CLI use.
//
// Endpoints under {basePath}:
//
//	GET    /healthz                       liveness plus store reachability
//	GET    /metrics                       Prometheus metrics
//	GET    /sessions                      list sessions with live state
//	POST   /sessions                      body: launch request JSON
//	GET    /sessions/:name                one session
//	DELETE /sessions/:name                kill one session
//	DELETE /sessions                      kill every live session
//	GET    /sessions/:name/job            current job of a session
//	POST   /sessions/:name/job-finished   body: {"exit_code": N}
//	GET    /sessions/:name/logs?lines=N   tail of the session log
//	GET    /scheduled                     pending scheduled launches
//	POST   /scheduled                     body: schedule request JSON
//	DELETE /scheduled/:id                 cancel a scheduled launch
package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kalfasyan/desto/internal/launcher"
	"github.com/kalfasyan/desto/internal/manager"
	"github.com/kalfasyan/desto/internal/metrics"
	"github.com/kalfasyan/desto/internal/session"
	"github.com/kalfasyan/desto/internal/store"
)

type Router struct {
	mgr      *manager.Manager
	basePath string
}

// NewRouter constructs a Router mounted under basePath ("" for root).
func NewRouter(mgr *manager.Manager, basePath string) *Router {
	return &Router{mgr: mgr, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealthz)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	group.GET("/sessions", r.handleListSessions)
	group.POST("/sessions", r.handleLaunch)
	group.DELETE("/sessions", r.handleKillAll)
	group.GET("/sessions/:name", r.handleGetSession)
	group.DELETE("/sessions/:name", r.handleKill)
	group.GET("/sessions/:name/job", r.handleGetJob)
	group.POST("/sessions/:name/job-finished", r.handleJobFinished)
	group.GET("/sessions/:name/logs", r.handleLogs)
	group.GET("/scheduled", r.handleListScheduled)
	group.POST("/scheduled", r.handleSchedule)
	group.DELETE("/scheduled/:id", r.handleUnschedule)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, mgr *manager.Manager) (*http.Server, error) {
	r := NewRouter(mgr, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type launchReq struct {
	Name       string `json:"name"`
	Command    string `json:"command"`
	ScriptPath string `json:"script_path"`
	KeepAlive  bool   `json:"keep_alive"`
}

type scheduleReq struct {
	Name       string `json:"name"`
	ScriptPath string `json:"script_path"`
	Time       string `json:"time"`
	KeepAlive  bool   `json:"keep_alive"`
}

type jobFinishedReq struct {
	ExitCode int `json:"exit_code"`
}

func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{
		"status":          "ok",
		"store_connected": r.mgr.StoreConnected(c.Request.Context()),
	})
}

func (r *Router) handleListSessions(c *gin.Context) {
	views, err := r.mgr.Sessions(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, views)
}

func (r *Router) handleLaunch(c *gin.Context) {
	var req launchReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeName(req.Name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-]"})
		return
	}
	if req.Command == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "command required"})
		return
	}
	sess, err := r.mgr.Launch(c.Request.Context(), req.Name, req.Command, req.ScriptPath, req.KeepAlive)
	if err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, session.ErrDuplicate) || errors.Is(err, launcher.ErrDuplicate) {
			code = http.StatusConflict
		}
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusCreated, sess)
}

func (r *Router) handleGetSession(c *gin.Context) {
	name := c.Param("name")
	sess, err := r.mgr.Session(c.Request.Context(), name)
	if err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, sess)
}

func (r *Router) handleKill(c *gin.Context) {
	if err := r.mgr.Kill(c.Request.Context(), c.Param("name")); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleKillAll(c *gin.Context) {
	killed, err := r.mgr.KillAll(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"killed": killed})
}

func (r *Router) handleGetJob(c *gin.Context) {
	job, err := r.mgr.Job(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, job)
}

func (r *Router) handleJobFinished(c *gin.Context) {
	var req jobFinishedReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	// Always reports success; completion signaling must never fail the
	// sender even when the store is down.
	r.mgr.SignalJobCompletion(c.Request.Context(), c.Param("name"), req.ExitCode)
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleLogs(c *gin.Context) {
	lines := 100
	if s := c.Query("lines"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid lines parameter"})
			return
		}
		lines = n
	}
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name"})
		return
	}
	out, err := r.mgr.TailLog(name, lines)
	if err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"session_name": name, "lines": out})
}

func (r *Router) handleListScheduled(c *gin.Context) {
	jobs, err := r.mgr.ScheduledJobs(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, jobs)
}

func (r *Router) handleSchedule(c *gin.Context) {
	var req scheduleReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeName(req.Name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-]"})
		return
	}
	if req.Time == "" || req.ScriptPath == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "time and script_path required"})
		return
	}
	id, err := r.mgr.Schedule(c.Request.Context(), req.Name, req.ScriptPath, req.Time, req.KeepAlive)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusCreated, gin.H{"job_id": id})
}

func (r *Router) handleUnschedule(c *gin.Context) {
	if err := r.mgr.Unschedule(c.Request.Context(), c.Param("id")); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}
