package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/simpool/internal/config"
	"github.com/loykin/simpool/internal/device"
	"github.com/loykin/simpool/internal/metrics"
	"github.com/loykin/simpool/internal/pool"
	"github.com/loykin/simpool/internal/simulator"
	"github.com/loykin/simpool/internal/tls"
)

// Router provides embeddable HTTP handlers for a simulator pool.
// Endpoints:
//
//	POST {basePath}/allocate                 body: AllocateRequest
//	POST {basePath}/free                     query: udid=...
//	POST {basePath}/boot                     query: udid=...
//	POST {basePath}/shutdown                 query: udid=...
//	POST {basePath}/prewarm                  body: PrewarmRequest
//	POST {basePath}/reconcile
//	GET  {basePath}/simulators               query: set=free|allocated (optional)
//	GET  {basePath}/simulators/:udid
//	GET  {basePath}/simulators/:udid/history query: since=N (optional)
//	GET  {basePath}/stats
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	pool     *pool.Pool
	basePath string
	logger   *slog.Logger
	metrics  http.Handler
	metricsP string
}

// RouterOption customizes a Router.
type RouterOption func(*Router)

// WithLogger logs failed requests to l.
func WithLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// WithMetrics mounts the Prometheus handler at path, outside basePath.
func WithMetrics(path string) RouterOption {
	return func(r *Router) {
		r.metrics = metrics.Handler()
		r.metricsP = path
	}
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/allocate, /api/free, ...
func NewRouter(p *pool.Pool, basePath string, opts ...RouterOption) *Router {
	r := &Router{pool: p, basePath: sanitizeBase(basePath), logger: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.metrics != nil {
		g.GET(r.metricsP, gin.WrapH(r.metrics))
	}
	group := g.Group(r.basePath)
	group.POST("/allocate", r.handleAllocate)
	group.POST("/free", r.handleFree)
	group.POST("/boot", r.handleBoot)
	group.POST("/shutdown", r.handleShutdown)
	group.POST("/resync", r.handleResync)
	group.POST("/prewarm", r.handlePrewarm)
	group.POST("/reconcile", r.handleReconcile)
	group.GET("/simulators", r.handleList)
	group.GET("/simulators/:udid", r.handleGet)
	group.GET("/simulators/:udid/history", r.handleHistory)
	group.GET("/stats", r.handleStats)
	return g
}

// NewServer starts a standalone HTTP(S) server for p as configured by cfg.
// The listener runs in the background; errors other than http.ErrServerClosed
// are logged.
func NewServer(cfg config.ServerConfig, metricsCfg config.MetricsConfig, p *pool.Pool, logger *slog.Logger) (*http.Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []RouterOption{WithLogger(logger)}
	if metricsCfg.Enabled {
		opts = append(opts, WithMetrics(metricsCfg.Path))
	}
	r := NewRouter(p, cfg.BasePath, opts...)
	tlsCfg, err := tls.SetupTLS(cfg)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// boot and free may legitimately take minutes
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		var err error
		if tlsCfg != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "addr", cfg.Listen, "error", err)
		}
	}()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// AllocateRequest is the body of POST /allocate.
type AllocateRequest struct {
	Configuration device.Configuration `json:"configuration"`
	// Options is a '|' separated list such as "reuse|create|erase_on_free".
	Options string `json:"options,omitempty"`
}

// PrewarmRequest is the body of POST /prewarm.
type PrewarmRequest struct {
	Configuration device.Configuration `json:"configuration"`
	Count         int                  `json:"count"`
}

// LeaseTokenHeader carries the token returned by POST /allocate. free, boot
// and shutdown also accept it as the token query parameter.
const LeaseTokenHeader = "X-Lease-Token"

type allocateResp struct {
	simulator.Snapshot
	LeaseToken string `json:"lease_token"`
}

type prewarmResp struct {
	Created int `json:"created"`
}

func (r *Router) handleAllocate(c *gin.Context) {
	var req AllocateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	opts, err := pool.ParseAllocOptions(req.Options)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	sim, err := r.pool.Allocate(c.Request.Context(), req.Configuration, opts)
	if err != nil {
		r.fail(c, err)
		return
	}
	token, err := r.pool.LeaseToken(sim)
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, allocateResp{Snapshot: sim.Snapshot(), LeaseToken: token})
}

func (r *Router) handleFree(c *gin.Context) {
	sim, ok := r.leased(c)
	if !ok {
		return
	}
	// a client that goes away must not leave a half-released device
	rel, err := r.pool.Free(context.WithoutCancel(c.Request.Context()), sim)
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rel)
}

func (r *Router) handleBoot(c *gin.Context) {
	sim, ok := r.leased(c)
	if !ok {
		return
	}
	if err := r.pool.Boot(c.Request.Context(), sim); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, sim.Snapshot())
}

func (r *Router) handleShutdown(c *gin.Context) {
	sim, ok := r.leased(c)
	if !ok {
		return
	}
	if err := r.pool.Shutdown(c.Request.Context(), sim); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, sim.Snapshot())
}

// handleResync re-reads the platform status; it works on free simulators too.
func (r *Router) handleResync(c *gin.Context) {
	sim, ok := r.lookup(c, c.Query("udid"))
	if !ok {
		return
	}
	if _, err := r.pool.Resync(c.Request.Context(), sim); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, sim.Snapshot())
}

func (r *Router) handlePrewarm(c *gin.Context) {
	var req PrewarmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Count <= 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "count must be positive"})
		return
	}
	n, err := r.pool.Prewarm(c.Request.Context(), req.Configuration, req.Count)
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, prewarmResp{Created: n})
}

func (r *Router) handleReconcile(c *gin.Context) {
	rep, err := r.pool.Reconcile(c.Request.Context())
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rep)
}

func (r *Router) handleList(c *gin.Context) {
	var sims []*simulator.Simulator
	switch c.Query("set") {
	case "":
		sims = r.pool.Instances()
	case "free":
		sims = r.pool.FreeSet()
	case "allocated":
		sims = r.pool.AllocatedSet()
	default:
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "set must be free or allocated"})
		return
	}
	out := make([]simulator.Snapshot, 0, len(sims))
	for _, s := range sims {
		out = append(out, s.Snapshot())
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleGet(c *gin.Context) {
	sim, ok := r.lookup(c, c.Param("udid"))
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, sim.Snapshot())
}

func (r *Router) handleHistory(c *gin.Context) {
	sim, ok := r.lookup(c, c.Param("udid"))
	if !ok {
		return
	}
	var since uint64
	if v := c.Query("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid since: " + err.Error()})
			return
		}
		since = n
	}
	writeJSON(c, http.StatusOK, sim.History().Since(since))
}

func (r *Router) handleStats(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.pool.Stats())
}

func (r *Router) lookup(c *gin.Context, udid string) (*simulator.Simulator, bool) {
	if udid == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "udid required"})
		return nil, false
	}
	if !isSafeName(udid) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid udid: allowed [A-Za-z0-9._-]"})
		return nil, false
	}
	sim, ok := r.pool.Get(udid)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: pool.ErrNotFound.Error() + ": " + udid})
		return nil, false
	}
	return sim, true
}

// leased resolves the udid query parameter to a simulator whose lease token
// matches the request.
func (r *Router) leased(c *gin.Context) (*simulator.Simulator, bool) {
	udid := c.Query("udid")
	if _, ok := r.lookup(c, udid); !ok {
		return nil, false
	}
	token := c.GetHeader(LeaseTokenHeader)
	if token == "" {
		token = c.Query("token")
	}
	sim, err := r.pool.Leased(udid, token)
	if err != nil {
		r.fail(c, err)
		return nil, false
	}
	return sim, true
}

func (r *Router) fail(c *gin.Context, err error) {
	code, reason := statusFor(err)
	if code >= http.StatusInternalServerError {
		r.logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	writeJSON(c, code, errorResp{Error: err.Error(), Reason: reason})
}

// statusFor maps pool and simulator errors onto HTTP status codes.
func statusFor(err error) (int, string) {
	var ae *pool.AllocationError
	if errors.As(err, &ae) {
		switch ae.Reason {
		case pool.ReasonInvalidConfig:
			return http.StatusBadRequest, string(ae.Reason)
		case pool.ReasonClosed:
			return http.StatusServiceUnavailable, string(ae.Reason)
		case pool.ReasonCreateFailed:
			return http.StatusBadGateway, string(ae.Reason)
		default:
			return http.StatusConflict, string(ae.Reason)
		}
	}
	switch {
	case errors.Is(err, pool.ErrNotFound):
		return http.StatusNotFound, ""
	case errors.Is(err, pool.ErrLeaseToken):
		return http.StatusForbidden, "lease_token"
	case errors.Is(err, pool.ErrNotAllocated):
		return http.StatusConflict, "not_allocated"
	case errors.Is(err, pool.ErrClosed):
		return http.StatusServiceUnavailable, "closed"
	case errors.Is(err, simulator.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, simulator.ErrTransition):
		return http.StatusConflict, "transition"
	}
	return http.StatusInternalServerError, ""
}
