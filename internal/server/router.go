package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/metricwatch/internal/auth"
	"github.com/loykin/metricwatch/internal/history"
	"github.com/loykin/metricwatch/internal/metrics"
	"github.com/loykin/metricwatch/internal/service"
	"github.com/loykin/metricwatch/internal/supervisor"
)

// Router serves the read-only status API of a running supervisor.
// Endpoints (basePath may be empty or start with '/'):
//
//	GET  {basePath}/status               full state snapshot
//	GET  {basePath}/status/:kind         one sub-agent record
//	GET  {basePath}/history?limit=N      recent events, when a reader is set
//	GET  {basePath}/debug/processes      latest sub-agent resource samples
//	POST {basePath}/debug/reconcile      run the next cycle now
//	GET  /healthz                        200 while cycles are fresh, else 503
//	GET  /metrics                        prometheus exposition
//
// Everything except /healthz passes through the auth middleware.
type Router struct {
	src      StatusSource
	opts     Options
	basePath string
}

type StatusSource interface {
	Snapshot() supervisor.State
}

type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]history.Event, error)
}

type ResourceSource interface {
	Latest() map[string]metrics.ProcessMetrics
}

type Options struct {
	BasePath  string
	Metrics   http.Handler
	History   HistoryReader
	Resources ResourceSource
	// Trigger asks the loop to run a cycle early; false means one is already
	// pending.
	Trigger func() bool
	Auth    *auth.Authenticator
	// StaleAfter is how old the last cycle may be before /healthz fails.
	// Zero disables the freshness check.
	StaleAfter time.Duration
	Now        func() time.Time
}

func NewRouter(src StatusSource, opts Options) *Router {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Router{src: src, opts: opts, basePath: sanitizeBase(opts.BasePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/healthz", r.handleHealthz)

	secured := g.Group("", r.opts.Auth.Gin())
	if r.opts.Metrics != nil {
		secured.GET("/metrics", gin.WrapH(r.opts.Metrics))
	}
	group := secured.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/status/:kind", r.handleKind)
	group.GET("/history", r.handleHistory)
	group.GET("/debug/processes", r.handleDebugProcesses)
	group.POST("/debug/reconcile", r.handleDebugReconcile)
	return g
}

// NewServer builds an http.Server for the router. tlsCfg may be nil.
func NewServer(addr string, h http.Handler, tlsCfg *tls.Config) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Serve listens on srv.Addr and blocks until the server is shut down.
// http.ErrServerClosed is reported as nil.
func Serve(srv *http.Server) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	if srv.TLSConfig != nil {
		err = srv.ServeTLS(ln, "", "")
	} else {
		err = srv.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type healthResp struct {
	OK          bool      `json:"ok"`
	Cycles      uint64    `json:"cycles"`
	LastCycleAt time.Time `json:"last_cycle_at"`
	Reason      string    `json:"reason,omitempty"`
}

func (r *Router) handleHealthz(c *gin.Context) {
	st := r.src.Snapshot()
	resp := healthResp{OK: true, Cycles: st.Cycles, LastCycleAt: st.LastCycleAt}
	if r.opts.StaleAfter > 0 {
		since := st.StartedAt
		if st.Cycles > 0 {
			since = st.LastCycleAt
		}
		// the first cycle may still be behind the initial delay
		if !since.IsZero() && r.opts.Now().Sub(since) > r.opts.StaleAfter {
			resp.OK = false
			resp.Reason = "no cycle completed since " + since.UTC().Format(time.RFC3339)
		}
	}
	code := http.StatusOK
	if !resp.OK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, resp)
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.src.Snapshot())
}

func (r *Router) handleKind(c *gin.Context) {
	kind := c.Param("kind")
	if !isSafeName(kind) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid kind"})
		return
	}
	for _, p := range r.src.Snapshot().Processes {
		if p.Kind == service.Kind(kind) {
			writeJSON(c, http.StatusOK, p)
			return
		}
	}
	writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown kind " + kind})
}

func (r *Router) handleHistory(c *gin.Context) {
	if r.opts.History == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no queryable history sink configured"})
		return
	}
	limit := 100
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 1000 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}
	events, err := r.opts.History.Recent(c.Request.Context(), limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}

func (r *Router) handleDebugProcesses(c *gin.Context) {
	if r.opts.Resources == nil {
		writeJSON(c, http.StatusOK, map[string]metrics.ProcessMetrics{})
		return
	}
	writeJSON(c, http.StatusOK, r.opts.Resources.Latest())
}

func (r *Router) handleDebugReconcile(c *gin.Context) {
	if r.opts.Trigger == nil {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: "trigger not available"})
		return
	}
	writeJSON(c, http.StatusAccepted, okResp{OK: r.opts.Trigger()})
}
