package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"voicerig/internal/journal"
	"voicerig/internal/metrics"
	"voicerig/internal/orchestrator"
)

// Router provides embeddable HTTP handlers for the stack orchestrator.
// Endpoints:
//   GET  {basePath}/healthz                 liveness of the daemon itself
//   GET  {basePath}/statusz                 all services with health
//   GET  {basePath}/statusz/:name           one service
//   POST {basePath}/services/:name/restart  stop, settle, start
//   GET  {basePath}/journal?limit=n         recent lifecycle events
//   GET  {basePath}/journal/:name?limit=n   events of one service
//   GET  {basePath}/metrics                 Prometheus (when enabled)
// basePath may be empty or start with '/'; no trailing slash.

type Router struct {
	orch     *orchestrator.Orchestrator
	rec      *journal.Recorder
	basePath string
	metrics  bool
}

// NewRouter constructs a Router with a configurable basePath. rec may be
// nil; the journal endpoints then return empty lists.
func NewRouter(orch *orchestrator.Orchestrator, rec *journal.Recorder, basePath string, withMetrics bool) *Router {
	return &Router{
		orch:     orch,
		rec:      rec,
		basePath: sanitizeBase(basePath),
		metrics:  withMetrics,
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in
// any server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealthz)
	group.GET("/statusz", r.handleStatusAll)
	group.GET("/statusz/:name", r.handleStatusOne)
	group.POST("/services/:name/restart", r.handleRestart)
	group.GET("/journal", r.handleJournalAll)
	group.GET("/journal/:name", r.handleJournalOne)
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// Shut it down by calling Close or Shutdown on the returned server.
func NewServer(addr, basePath string, orch *orchestrator.Orchestrator, rec *journal.Recorder, withMetrics bool) (*http.Server, error) {
	r := NewRouter(orch, rec, basePath, withMetrics)
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

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatusAll(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.orch.Status(c.Request.Context()))
}

func (r *Router) handleStatusOne(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name"})
		return
	}
	st, err := r.orch.StatusOf(c.Request.Context(), name)
	if err != nil {
		if errors.Is(err, orchestrator.ErrUnknownService) {
			writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
			return
		}
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleRestart(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name"})
		return
	}
	if err := r.orch.RestartService(c.Request.Context(), name); err != nil {
		if errors.Is(err, orchestrator.ErrUnknownService) {
			writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
			return
		}
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleJournalAll(c *gin.Context) {
	events, err := r.rec.Recent(c.Request.Context(), queryLimit(c))
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if events == nil {
		events = []journal.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}

func (r *Router) handleJournalOne(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name"})
		return
	}
	events, err := r.rec.GetByService(c.Request.Context(), name, queryLimit(c))
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if events == nil {
		events = []journal.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}

// queryLimit parses ?limit=n, defaulting to 50 and capping at 1000.
func queryLimit(c *gin.Context) int {
	n, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || n <= 0 {
		return 50
	}
	if n > 1000 {
		return 1000
	}
	return n
}
