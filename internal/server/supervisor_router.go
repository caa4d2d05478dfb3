package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"voicerig/internal/registry"
	"voicerig/internal/supervisor"
)

// SupervisorRouter provides embeddable HTTP handlers for the worker
// supervisor and its session registry.
// Endpoints:
//   GET    {basePath}/healthz                      worker health + phase
//   GET    {basePath}/statusz                      full supervisor status
//   POST   {basePath}/sessions/identity            mint a unique identity
//   POST   {basePath}/sessions/:identity/register  register a session
//   DELETE {basePath}/sessions/:identity           unregister a session

type SupervisorRouter struct {
	sup      *supervisor.Supervisor
	reg      *registry.Registry
	basePath string
}

func NewSupervisorRouter(sup *supervisor.Supervisor, reg *registry.Registry, basePath string) *SupervisorRouter {
	return &SupervisorRouter{
		sup:      sup,
		reg:      reg,
		basePath: sanitizeBase(basePath),
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in
// any server or mux.
func (r *SupervisorRouter) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealthz)
	group.GET("/statusz", r.handleStatusz)
	group.POST("/sessions/identity", r.handleMintIdentity)
	group.POST("/sessions/:identity/register", r.handleRegister)
	group.DELETE("/sessions/:identity", r.handleUnregister)
	return g
}

// NewSupervisorServer starts a standalone HTTP server on addr using this
// router.
func NewSupervisorServer(addr, basePath string, sup *supervisor.Supervisor, reg *registry.Registry) (*http.Server, error) {
	r := NewSupervisorRouter(sup, reg, basePath)
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

type healthResp struct {
	Healthy bool   `json:"healthy"`
	Phase   string `json:"phase"`
	Detail  string `json:"detail,omitempty"`
}

type identityReq struct {
	Prefix string `json:"prefix"`
}

type identityResp struct {
	Identity string `json:"identity"`
}

func (r *SupervisorRouter) handleHealthz(c *gin.Context) {
	healthy, detail := r.sup.Healthy()
	resp := healthResp{
		Healthy: healthy,
		Phase:   string(r.sup.CurrentPhase()),
	}
	code := http.StatusOK
	if !healthy {
		resp.Detail = detail
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, resp)
}

func (r *SupervisorRouter) handleStatusz(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sup.Status())
}

func (r *SupervisorRouter) handleMintIdentity(c *gin.Context) {
	var req identityReq
	if c.Request.Body != nil && c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
			return
		}
	}
	if req.Prefix != "" && !isSafeName(req.Prefix) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid identity prefix"})
		return
	}
	writeJSON(c, http.StatusOK, identityResp{Identity: r.reg.GenerateIdentity(req.Prefix)})
}

func (r *SupervisorRouter) handleRegister(c *gin.Context) {
	identity := c.Param("identity")
	if !isSafeName(identity) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid identity"})
		return
	}
	// HTTP sessions carry no disconnectable transport; track them with a
	// no-op handle so cleanup accounting still works.
	r.reg.Register(identity, registry.NopHandle{})
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *SupervisorRouter) handleUnregister(c *gin.Context) {
	identity := c.Param("identity")
	if !isSafeName(identity) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid identity"})
		return
	}
	r.reg.Unregister(identity)
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
