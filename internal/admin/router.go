package admin

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"agentd/internal/extensions"
	"agentd/internal/jobstore"
	"agentd/internal/storage"
	"agentd/internal/task/scheduler"
	logx "agentd/pkg/logx"
)

// Registry is the tool registry as seen by the API.
type Registry interface {
	Reload(ctx context.Context) (*extensions.Version, error)
	Active() *extensions.Version
	Invoke(ctx context.Context, name string, args map[string]any) (any, error)
}

// Scheduler is the cron manager as seen by the API.
type Scheduler interface {
	Snapshot() scheduler.Snapshot
	AddJob(ctx context.Context, job jobstore.Job) (jobstore.Job, error)
	RemoveJob(ctx context.Context, id string) error
	RunNow(ctx context.Context, id string) (scheduler.RunResult, error)
}

// RunHistory serves recorded runs.
type RunHistory interface {
	RecentRuns(ctx context.Context, jobID string, limit int) ([]storage.RunRecord, error)
}

// Deps wires the API to the rest of the process. Nil members disable their
// routes (503).
type Deps struct {
	Registry  Registry
	Scheduler Scheduler
	History   RunHistory
	Metrics   http.Handler
}

type RouterOptions struct {
	Token string
	Pprof bool
	Log   logx.Logger
}

const (
	invokeTimeout   = 60 * time.Second
	defaultRunLimit = 50
)

// NewRouter builds the gin engine. /healthz is always open; everything else
// requires the token when one is configured.
func NewRouter(d Deps, opt RouterOptions) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLog(opt.Log))

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	api := r.Group("/", requireToken(opt.Token))
	h := &handlers{d: d}

	api.POST("/extensions/reload", h.reload)
	api.GET("/extensions", h.extensions)
	api.POST("/tools/:name/invoke", h.invoke)

	api.GET("/cron/jobs", h.listJobs)
	api.POST("/cron/jobs", h.addJob)
	api.DELETE("/cron/jobs/:id", h.removeJob)
	api.POST("/cron/jobs/:id/run", h.runJob)
	api.GET("/cron/jobs/:id/runs", h.jobRuns)

	if d.Metrics != nil {
		api.GET("/metrics", gin.WrapH(d.Metrics))
	}
	if opt.Pprof {
		pp := api.Group("/debug/pprof")
		pp.GET("/", gin.WrapF(hpprof.Index))
		pp.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
		pp.GET("/profile", gin.WrapF(hpprof.Profile))
		pp.GET("/symbol", gin.WrapF(hpprof.Symbol))
		pp.POST("/symbol", gin.WrapF(hpprof.Symbol))
		pp.GET("/trace", gin.WrapF(hpprof.Trace))
		pp.GET("/:profile", func(c *gin.Context) {
			hpprof.Handler(c.Param("profile")).ServeHTTP(c.Writer, c.Request)
		})
	}
	return r
}

// requireToken accepts X-Admin-Token or Authorization: Bearer.
func requireToken(token string) gin.HandlerFunc {
	tok := strings.TrimSpace(token)
	return func(c *gin.Context) {
		if tok == "" {
			c.Next()
			return
		}
		got := c.GetHeader("X-Admin-Token")
		if got == "" {
			if ah := c.GetHeader("Authorization"); strings.HasPrefix(ah, "Bearer ") {
				got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
			}
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func requestLog(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("admin request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}

type handlers struct {
	d Deps
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": what + " not available"})
}

func (h *handlers) reload(c *gin.Context) {
	if h.d.Registry == nil {
		unavailable(c, "registry")
		return
	}
	v, err := h.d.Registry.Reload(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, v.Report())
}

func (h *handlers) extensions(c *gin.Context) {
	if h.d.Registry == nil {
		unavailable(c, "registry")
		return
	}
	v := h.d.Registry.Active()
	c.JSON(http.StatusOK, gin.H{
		"report":   v.Report(),
		"excluded": v.ExcludedUnits(),
		"tools":    v.Tools(),
	})
}

func (h *handlers) invoke(c *gin.Context) {
	if h.d.Registry == nil {
		unavailable(c, "registry")
		return
	}
	var args map[string]any
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&args); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a JSON object: " + err.Error()})
			return
		}
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), invokeTimeout)
	defer cancel()

	name := c.Param("name")
	out, err := h.d.Registry.Invoke(ctx, name, args)
	if err != nil {
		var ae *extensions.ArgumentError
		switch {
		case errors.Is(err, extensions.ErrToolNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.As(err, &ae):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "details": ae.Details})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"tool": name, "result": out})
}

func (h *handlers) listJobs(c *gin.Context) {
	if h.d.Scheduler == nil {
		unavailable(c, "scheduler")
		return
	}
	c.JSON(http.StatusOK, h.d.Scheduler.Snapshot())
}

func (h *handlers) addJob(c *gin.Context) {
	if h.d.Scheduler == nil {
		unavailable(c, "scheduler")
		return
	}
	var job jobstore.Job
	if err := c.ShouldBindJSON(&job); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	saved, err := h.d.Scheduler.AddJob(c.Request.Context(), job)
	if err != nil {
		c.JSON(jobErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, saved)
}

func (h *handlers) removeJob(c *gin.Context) {
	if h.d.Scheduler == nil {
		unavailable(c, "scheduler")
		return
	}
	if err := h.d.Scheduler.RemoveJob(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(jobErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) runJob(c *gin.Context) {
	if h.d.Scheduler == nil {
		unavailable(c, "scheduler")
		return
	}
	res, err := h.d.Scheduler.RunNow(c.Request.Context(), c.Param("id"))
	if err != nil {
		var ee *scheduler.ExecutionError
		if errors.As(err, &ee) {
			c.JSON(http.StatusOK, gin.H{"job_id": res.JobID, "task": res.Task, "error": ee.Err.Error(), "duration": res.Duration})
			return
		}
		c.JSON(jobErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handlers) jobRuns(c *gin.Context) {
	if h.d.History == nil {
		unavailable(c, "run history")
		return
	}
	limit := defaultRunLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	runs, err := h.d.History.RecentRuns(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = []storage.RunRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"job_id": c.Param("id"), "runs": runs})
}

func jobErrorStatus(err error) int {
	switch {
	case errors.Is(err, jobstore.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobstore.ErrDuplicateID):
		return http.StatusConflict
	case errors.Is(err, jobstore.ErrInvalidJob):
		return http.StatusBadRequest
	case jobstore.IsCorrupt(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
