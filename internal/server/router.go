package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/juinit/internal/ipc"
	"github.com/loykin/juinit/internal/metrics"
	"github.com/loykin/juinit/internal/service"
)

// Router exposes the control plane over HTTP for dashboards and scripts.
// Every route translates into the same ipc.Request the socket carries.
// Endpoints:
//
//	GET  /metrics                           Prometheus exposition
//	GET  {basePath}/healthz
//	GET  {basePath}/services                status of every service
//	GET  {basePath}/services/:name          status of one service
//	POST {basePath}/services/:name/start
//	POST {basePath}/services/:name/stop
//	POST {basePath}/services/:name/restart
//	POST {basePath}/reload
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	h        Handler
	basePath string
}

func NewRouter(h Handler, basePath string) *Router {
	return &Router{h: h, basePath: normalizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	group := g.Group(r.basePath)
	group.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })
	group.GET("/services", r.handleList)
	group.GET("/services/:name", r.handleStatus)
	group.POST("/services/:name/start", r.action(ipc.StartService))
	group.POST("/services/:name/stop", r.action(ipc.StopService))
	group.POST("/services/:name/restart", r.action(ipc.RestartService))
	group.POST("/reload", r.handleReload)
	return g
}

// NewHTTPServer wraps handler in an http.Server with conservative timeouts.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// restart waits for the stop to be confirmed
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

func (r *Router) handleList(c *gin.Context) {
	resp := r.h.Handle(c.Request.Context(), ipc.Request{Kind: ipc.GetStatus})
	r.reply(c, resp)
}

func (r *Router) handleStatus(c *gin.Context) {
	name, ok := serviceName(c)
	if !ok {
		return
	}
	resp := r.h.Handle(c.Request.Context(), ipc.Request{Kind: ipc.GetStatus, Name: name})
	if resp.Kind == ipc.Status && len(resp.Services) == 0 {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "service '" + name + "' not found"})
		return
	}
	if resp.Kind == ipc.Status {
		writeJSON(c, http.StatusOK, resp.Services[0])
		return
	}
	r.reply(c, resp)
}

func (r *Router) action(kind ipc.RequestKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		name, ok := serviceName(c)
		if !ok {
			return
		}
		r.reply(c, r.h.Handle(c.Request.Context(), ipc.Request{Kind: kind, Name: name}))
	}
}

func (r *Router) handleReload(c *gin.Context) {
	r.reply(c, r.h.Handle(c.Request.Context(), ipc.Request{Kind: ipc.ReloadDaemon}))
}

func (r *Router) reply(c *gin.Context, resp ipc.Response) {
	switch resp.Kind {
	case ipc.Success:
		writeJSON(c, http.StatusOK, okResp{OK: true, Message: resp.Message})
	case ipc.Status:
		svcs := resp.Services
		if svcs == nil {
			svcs = []service.Status{}
		}
		writeJSON(c, http.StatusOK, svcs)
	case ipc.ServiceList:
		writeJSON(c, http.StatusOK, resp.Names)
	default:
		writeJSON(c, http.StatusBadRequest, errorResp{Error: resp.Message})
	}
}
