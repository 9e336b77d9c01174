// Package server exposes the manual trigger and run status HTTP surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/sp500-pipeline/internal/ledger"
	"github.com/rickgao/sp500-pipeline/internal/model"
	"github.com/rickgao/sp500-pipeline/internal/runlock"
)

// Trigger starts runs in the background.
type Trigger interface {
	Trigger(ctx context.Context, params model.RunParams) (*model.Run, bool, error)
}

// RunReader reads recorded runs.
type RunReader interface {
	Get(ctx context.Context, id uuid.UUID) (*model.Run, error)
	LatestForDate(ctx context.Context, date time.Time) (*model.Run, error)
	List(ctx context.Context, opts ledger.ListOptions) ([]*model.Run, error)
}

// HealthCheck reports an error when a dependency is unreachable.
type HealthCheck func(ctx context.Context) error

// Config holds server configuration.
type Config struct {
	Port        int
	MetricsPath string              // empty disables the metrics endpoint
	Gatherer    prometheus.Gatherer // defaults to prometheus.DefaultGatherer
	Location    *time.Location      // decides "today" when no partition date is given
}

// Server is the HTTP trigger and status server.
type Server struct {
	cfg     Config
	trigger Trigger
	runs    RunReader
	checks  map[string]HealthCheck
	logger  *slog.Logger
	now     func() time.Time

	engine *gin.Engine
	http   *http.Server
}

// New creates a Server. checks are run by GET /health.
func New(cfg Config, trigger Trigger, runs RunReader, checks map[string]HealthCheck, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	s := &Server{
		cfg:     cfg,
		trigger: trigger,
		runs:    runs,
		checks:  checks,
		logger:  logger.With("component", "server"),
		now:     time.Now,
	}
	s.engine = s.routes()
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		s.logger.Info("starting http server", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "err", err)
		}
	}()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(requestLogger(s.logger), gin.Recovery())

	r.GET("/health", s.health)
	if s.cfg.MetricsPath != "" {
		r.GET(s.cfg.MetricsPath, gin.WrapH(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	runs := r.Group("/runs")
	{
		runs.POST("", s.createRun)
		runs.GET("", s.listRuns)
		runs.GET("/latest", s.latestRun)
		runs.GET("/:id", s.getRun)
	}
	return r
}

type triggerRequest struct {
	PartitionDate string `json:"partition_date"`
	Force         bool   `json:"force"`
}

func (s *Server) createRun(c *gin.Context) {
	var req triggerRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
	}

	date, err := s.dateOrToday(req.PartitionDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	run, skipped, err := s.trigger.Trigger(c.Request.Context(), model.RunParams{
		PartitionDate: date,
		Force:         req.Force,
	})
	switch {
	case errors.Is(err, runlock.ErrLocked):
		c.JSON(http.StatusConflict, gin.H{"error": "a run for this partition date is already in progress"})
		return
	case err != nil:
		s.logger.Error("trigger failed", "partition_date", model.FormatDate(date), "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if skipped {
		c.JSON(http.StatusOK, gin.H{"skipped": true, "run": newRunView(run)})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"skipped": false, "run": newRunView(run)})
}

func (s *Server) listRuns(c *gin.Context) {
	var opts ledger.ListOptions

	if v := c.Query("partition_date"); v != "" {
		date, err := model.ParseDate(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		opts.PartitionDate = &date
	}
	if v := c.Query("state"); v != "" {
		state, err := model.ParseRunState(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		opts.State = state
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		opts.Limit = n
	}

	runs, err := s.runs.List(c.Request.Context(), opts)
	if err != nil {
		s.logger.Error("list runs failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	views := make([]runView, 0, len(runs))
	for _, run := range runs {
		views = append(views, newRunView(run))
	}
	c.JSON(http.StatusOK, gin.H{"count": len(views), "runs": views})
}

func (s *Server) getRun(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return
	}
	run, err := s.runs.Get(c.Request.Context(), id)
	s.respondRun(c, run, err)
}

func (s *Server) latestRun(c *gin.Context) {
	date, err := s.dateOrToday(c.Query("partition_date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	run, err := s.runs.LatestForDate(c.Request.Context(), date)
	s.respondRun(c, run, err)
}

func (s *Server) respondRun(c *gin.Context, run *model.Run, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
	case err != nil:
		s.logger.Error("read run failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, newRunView(run))
	}
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	components := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			status = "unhealthy"
			components[name] = err.Error()
			continue
		}
		components[name] = "ok"
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "components": components})
}

func (s *Server) dateOrToday(v string) (time.Time, error) {
	if v == "" {
		return model.NormalizeDate(s.now().In(s.cfg.Location)), nil
	}
	return model.ParseDate(v)
}

// requestLogger logs one line per request.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		attrs := []slog.Attr{
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
		}
		if errs := c.Errors.ByType(gin.ErrorTypePrivate).String(); errs != "" {
			attrs = append(attrs, slog.String("error", errs))
		}
		logger.LogAttrs(c.Request.Context(), level, "request", attrs...)
	}
}
