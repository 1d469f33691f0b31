package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/mcpvisor/internal/auth"
	"github.com/loykin/mcpvisor/internal/metrics"
	"github.com/loykin/mcpvisor/internal/probe"
	"github.com/loykin/mcpvisor/internal/registry"
	"github.com/loykin/mcpvisor/internal/supervisor"
)

// Router provides embeddable HTTP handlers for the MCP server dashboard.
// Endpoints, relative to basePath:
//
//	GET    /servers                 definitions with runtime state
//	POST   /servers                 add a definition
//	GET    /servers/:id             definition and status
//	PUT    /servers/:id             update; enabled=false stops the server
//	DELETE /servers/:id             stop if active, then delete
//	POST   /servers/:id/start
//	POST   /servers/:id/stop
//	POST   /servers/:id/restart
//	GET    /servers/:id/status      usage=true adds a CPU/memory sample
//	GET    /servers/:id/logs        lines=N (default: everything retained)
//	POST   /servers/:id/test        MCP handshake against a throwaway instance
//	GET    /healthz                 never requires a token
//	GET    /metrics                 only with Deps.Metrics
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	reg      *registry.Registry
	sup      *supervisor.Supervisor
	prober   *probe.Prober
	auth     *auth.Service
	log      *slog.Logger
	metrics  bool
	basePath string
}

// Deps are the collaborators of Router. Prober and Logger are optional.
type Deps struct {
	Registry   *registry.Registry
	Supervisor *supervisor.Supervisor
	Prober     *probe.Prober
	Logger     *slog.Logger
	// Auth, when set, requires "Authorization: Bearer <token>" on every route but /healthz.
	Auth *auth.Service
	// Metrics mounts the Prometheus handler at {basePath}/metrics.
	Metrics bool
}

// DefaultLogLines is the tail size of /logs without a lines parameter; zero returns the whole buffer.
const DefaultLogLines = 0

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api/mcp" results in /api/mcp/servers, /api/mcp/healthz.
func NewRouter(d Deps, basePath string) *Router {
	if d.Prober == nil {
		d.Prober = probe.New(probe.DefaultTimeout, nil)
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Router{
		reg:      d.Registry,
		sup:      d.Supervisor,
		prober:   d.Prober,
		auth:     d.Auth,
		log:      d.Logger,
		metrics:  d.Metrics,
		basePath: normalizeBasePath(basePath),
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.accessLog())
	base := g.Group(r.basePath)
	base.GET("/healthz", r.handleHealth)

	group := base.Group("", r.requireToken)
	group.GET("/servers", r.handleList)
	group.POST("/servers", r.handleAdd)
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	srv := group.Group("/servers/:id", r.requireID)
	srv.GET("", r.handleGet)
	srv.PUT("", r.handleUpdate)
	srv.DELETE("", r.handleDelete)
	srv.POST("/start", r.handleStart)
	srv.POST("/stop", r.handleStop)
	srv.POST("/restart", r.handleRestart)
	srv.GET("/status", r.handleStatus)
	srv.GET("/logs", r.handleLogs)
	srv.POST("/test", r.handleTest)
	return g
}

// NewServer returns a standalone HTTP server for handler; the caller runs ListenAndServe.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// stop may take grace period plus kill wait
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func (r *Router) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		begin := time.Now()
		c.Next()
		r.log.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(begin))
	}
}

func (r *Router) requireToken(c *gin.Context) {
	if r.auth == nil {
		c.Next()
		return
	}
	h := c.GetHeader("Authorization")
	tok, found := strings.CutPrefix(h, "Bearer ")
	if !found {
		fail(c, http.StatusUnauthorized, TypeUnauthorized, "authentication required", false)
		c.Abort()
		return
	}
	claims, err := r.auth.Verify(strings.TrimSpace(tok))
	if err != nil {
		fail(c, http.StatusUnauthorized, TypeUnauthorized, err.Error(), false)
		c.Abort()
		return
	}
	c.Set("subject", claims.Subject)
	c.Next()
}

func (r *Router) requireID(c *gin.Context) {
	if err := checkServerID(c.Param("id")); err != nil {
		badRequest(c, err.Error())
		c.Abort()
		return
	}
	c.Next()
}

// --- Views ---

// ServerView is a definition together with its runtime status.
type ServerView struct {
	supervisor.Definition
	Runtime supervisor.Status `json:"runtime"`
}

// StatusView is a status with an optional resource sample.
type StatusView struct {
	supervisor.Status
	Usage *metrics.Usage `json:"usage,omitempty"`
}

// StopView reports a finished stop.
type StopView struct {
	Status   supervisor.Status `json:"status"`
	Graceful bool              `json:"graceful"`
	Warning  string            `json:"warning,omitempty"`
}

// HealthView is the daemon liveness report.
type HealthView struct {
	Status          string    `json:"status"`
	LastHealthCheck time.Time `json:"lastHealthCheck,omitempty"`
	Running         int       `json:"running"`
	Tracked         int       `json:"tracked"`
}

// --- Handlers ---

func (r *Router) handleList(c *gin.Context) {
	defs, err := r.reg.List()
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]ServerView, 0, len(defs))
	for _, d := range defs {
		out = append(out, ServerView{Definition: d, Runtime: r.sup.Status(d.ID)})
	}
	ok(c, out)
}

func (r *Router) handleAdd(c *gin.Context) {
	var in registry.NewServer
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	def, err := r.reg.Add(in)
	if err != nil {
		writeError(c, err)
		return
	}
	r.log.Info("server added", "id", def.ID, "command", def.Command)
	ok(c, ServerView{Definition: def, Runtime: r.sup.Status(def.ID)})
}

func (r *Router) handleGet(c *gin.Context) {
	def, err := r.reg.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, ServerView{Definition: def, Runtime: r.sup.Status(def.ID)})
}

func (r *Router) handleUpdate(c *gin.Context) {
	var p registry.Patch
	if err := c.ShouldBindJSON(&p); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	def, err := r.reg.Update(c.Param("id"), p)
	if err != nil {
		writeError(c, err)
		return
	}
	if !def.Enabled {
		if err := r.stopIfActive(def.ID); err != nil {
			writeError(c, err)
			return
		}
	}
	ok(c, ServerView{Definition: def, Runtime: r.sup.Status(def.ID)})
}

func (r *Router) handleDelete(c *gin.Context) {
	id := c.Param("id")
	if _, err := r.reg.Get(id); err != nil {
		writeError(c, err)
		return
	}
	if err := r.stopIfActive(id); err != nil {
		writeError(c, err)
		return
	}
	if err := r.reg.Delete(id); err != nil {
		writeError(c, err)
		return
	}
	r.log.Info("server deleted", "id", id)
	ok(c, gin.H{"id": id, "deleted": true})
}

// stopIfActive stops id unless nothing is running or pending.
func (r *Router) stopIfActive(id string) error {
	if !r.sup.Status(id).State.Active() {
		return nil
	}
	res, err := r.sup.Stop(id)
	if errors.Is(err, supervisor.ErrNotRunning) {
		return nil
	}
	if res.Warning != nil {
		r.log.Warn("server stopped forcefully", "id", id, "warning", res.Warning)
	}
	return err
}

// enabledDefinition loads id and rejects disabled definitions.
func (r *Router) enabledDefinition(id string) (supervisor.Definition, error) {
	def, err := r.reg.Get(id)
	if err != nil {
		return def, err
	}
	if !def.Enabled {
		return def, ErrDisabled
	}
	return def, nil
}

func (r *Router) handleStart(c *gin.Context) {
	def, err := r.enabledDefinition(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	st, err := r.sup.Start(def)
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, st)
}

func (r *Router) handleStop(c *gin.Context) {
	id := c.Param("id")
	if _, err := r.reg.Get(id); err != nil {
		writeError(c, err)
		return
	}
	res, err := r.sup.Stop(id)
	if err != nil {
		writeError(c, err)
		return
	}
	v := StopView{Status: r.sup.Status(id), Graceful: res.Graceful}
	if res.Warning != nil {
		v.Warning = res.Warning.Error()
	}
	ok(c, v)
}

func (r *Router) handleRestart(c *gin.Context) {
	def, err := r.enabledDefinition(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	st, err := r.sup.Restart(def)
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, st)
}

func (r *Router) handleStatus(c *gin.Context) {
	id := c.Param("id")
	if _, err := r.reg.Get(id); err != nil {
		writeError(c, err)
		return
	}
	v := StatusView{Status: r.sup.Status(id)}
	if want, _ := strconv.ParseBool(c.Query("usage")); want && v.PID > 0 {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		u, err := metrics.Sample(ctx, v.PID)
		cancel()
		if err != nil {
			r.log.Debug("usage sample failed", "id", id, "pid", v.PID, "error", err)
		} else {
			v.Usage = &u
		}
	}
	ok(c, v)
}

func (r *Router) handleLogs(c *gin.Context) {
	id := c.Param("id")
	if _, err := r.reg.Get(id); err != nil {
		writeError(c, err)
		return
	}
	lines := DefaultLogLines
	if s := c.Query("lines"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			badRequest(c, "lines must be a non-negative integer")
			return
		}
		lines = n
	}
	ok(c, r.sup.Logs(id, lines))
}

func (r *Router) handleTest(c *gin.Context) {
	def, err := r.reg.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	res, err := r.prober.Test(c.Request.Context(), def)
	if err != nil {
		fail(c, http.StatusInternalServerError, TypeConnection, err.Error(), true)
		return
	}
	ok(c, res)
}

func (r *Router) handleHealth(c *gin.Context) {
	v := HealthView{Status: "ok", LastHealthCheck: r.sup.LastHealthCheck()}
	for _, st := range r.sup.List() {
		v.Tracked++
		if st.State == supervisor.StateRunning {
			v.Running++
		}
	}
	ok(c, v)
}
