// Package server exposes the supervisor over HTTP for the CLI and other
// local tooling.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/devrig/devrig/internal/metrics"
	"github.com/devrig/devrig/internal/supervisor"
)

// Reloader re-reads the config file and applies the diff; the daemon wires
// this so the router does not need to know about config paths.
type Reloader func() (supervisor.ReloadResult, error)

// Router provides embeddable HTTP handlers for the running supervisor.
// Endpoints:
//
//	POST {basePath}/start    query: name=...
//	POST {basePath}/stop     query: name=...
//	POST {basePath}/restart  query: name=...
//	POST {basePath}/reload
//	GET  {basePath}/status   query: name=... (optional; all when empty)
//	GET  {basePath}/events   streamed NDJSON, one event per line
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	sup      *supervisor.Supervisor
	reload   Reloader
	basePath string
}

func NewRouter(sup *supervisor.Supervisor, reload Reloader, basePath string) *Router {
	return &Router{sup: sup, reload: reload, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/restart", r.handleRestart)
	group.POST("/reload", r.handleReload)
	group.GET("/status", r.handleStatus)
	group.GET("/events", r.handleEvents)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, sup *supervisor.Supervisor, reload Reloader) *http.Server {
	r := NewRouter(sup, reload, basePath)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}

func (r *Router) target(c *gin.Context) (string, bool) {
	name := c.Query("name")
	if name == "" {
		c.JSON(http.StatusBadRequest, errorResp{Error: "name required"})
		return "", false
	}
	return name, true
}

func (r *Router) fail(c *gin.Context, err error) {
	code := http.StatusBadRequest
	if errors.Is(err, supervisor.ErrNotFound) {
		code = http.StatusNotFound
	}
	c.JSON(code, errorResp{Error: err.Error()})
}

func (r *Router) handleStart(c *gin.Context) {
	name, ok := r.target(c)
	if !ok {
		return
	}
	if err := r.sup.StartProcess(c.Request.Context(), name); err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStop(c *gin.Context) {
	name, ok := r.target(c)
	if !ok {
		return
	}
	if err := r.sup.StopProcess(name); err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRestart(c *gin.Context) {
	name, ok := r.target(c)
	if !ok {
		return
	}
	if err := r.sup.RestartProcess(c.Request.Context(), name); err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleReload(c *gin.Context) {
	if r.reload == nil {
		c.JSON(http.StatusNotImplemented, errorResp{Error: "reload not configured"})
		return
	}
	res, err := r.reload()
	if err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (r *Router) handleStatus(c *gin.Context) {
	if name := c.Query("name"); name != "" {
		st, err := r.sup.State(name)
		if err != nil {
			r.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, st)
		return
	}
	c.JSON(http.StatusOK, r.sup.States())
}

type eventJSON struct {
	Kind     string    `json:"kind"`
	Process  string    `json:"process"`
	At       time.Time `json:"at"`
	Line     string    `json:"line,omitempty"`
	ExitCode int       `json:"exit_code,omitempty"`
	Healthy  *bool     `json:"healthy,omitempty"`
}

// handleEvents streams supervisor events as newline-delimited JSON until the
// client disconnects.
func (r *Router) handleEvents(c *gin.Context) {
	events, cancel := r.sup.Bus().Subscribe()
	defer cancel()
	c.Header("Content-Type", "application/x-ndjson")
	c.Status(http.StatusOK)
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case e, ok := <-events:
			if !ok {
				return false
			}
			ej := eventJSON{Kind: e.Kind.String(), Process: e.Process, At: e.At, Line: e.Line}
			if e.Kind == supervisor.EventCrashed {
				ej.ExitCode = e.ExitCode
			}
			if e.Kind == supervisor.EventHealthChanged {
				h := e.Healthy
				ej.Healthy = &h
			}
			if err := json.NewEncoder(w).Encode(ej); err != nil {
				return false
			}
			return true
		}
	})
}
