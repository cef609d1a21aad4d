// Package api serves the engine over HTTP: planning, operator runs on raw
// image payloads, and a small store of finished jobs.
package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/samcharles93/ive/internal/logger"
	"github.com/samcharles93/ive/internal/webui"
	"github.com/samcharles93/ive/pkg/ive"
)

type Server struct {
	handle  *ive.Handle
	jobs    *JobStore
	limiter *rate.Limiter
	log     logger.Logger
	now     func() time.Time
}

type Option func(*Server)

// WithRateLimit caps operator and plan requests at r per second with the
// given burst. A non-positive r disables limiting.
func WithRateLimit(r float64, burst int) Option {
	return func(s *Server) {
		if r <= 0 {
			s.limiter = nil
			return
		}
		s.limiter = rate.NewLimiter(rate.Limit(r), max(burst, 1))
	}
}

// WithLimiter installs a prepared limiter.
func WithLimiter(l *rate.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.log = l }
}

func WithJobStore(store *JobStore) Option {
	return func(s *Server) { s.jobs = store }
}

func NewServer(h *ive.Handle, opts ...Option) *Server {
	s := &Server{
		handle: h,
		jobs:   NewJobStore(DefaultMaxJobs),
		log:    logger.Discard(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/health", s.handleHealth)
	e.GET("/v1/ops", s.handleListOps)
	e.POST("/v1/plan", s.handlePlan, s.rateLimit)
	e.POST("/v1/ops/:op", s.handleOp, s.rateLimit)
	e.GET("/v1/jobs/:id", s.handleGetJob)
	e.DELETE("/v1/jobs/:id", s.handleDeleteJob)
	e.GET("/*", echo.WrapHandler(http.FileServer(webui.StaticFS())))
}

func (s *Server) rateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		if s.limiter != nil && !s.limiter.Allow() {
			return writeError(c, http.StatusTooManyRequests, "rate_limit_error", "too many requests", "")
		}
		return next(c)
	}
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:       "ok",
		Backend:      s.handle.Backend(),
		ScratchBytes: s.handle.ScratchBytes(),
		Jobs:         s.jobs.Len(),
	})
}

func (s *Server) handleListOps(c *echo.Context) error {
	return c.JSON(http.StatusOK, OpsResponse{Ops: ive.OpNames})
}

func (s *Server) handlePlan(c *echo.Context) error {
	req, err := decodeJSON[PlanRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, "invalid JSON body: "+err.Error())
	}
	if req.Width <= 0 || req.Height <= 0 {
		return writeBadRequest(c, "width and height must be positive")
	}
	f, err := parseFormat(req.Format)
	if err != nil {
		return writeEngineError(c, err)
	}
	plan, err := s.handle.PlanOp(req.Op, req.Params, f, max(req.Channels, 1), req.Width, req.Height)
	if err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusOK, PlanResponse{Op: req.Op, Tiles: len(plan.Tiles), Plan: plan})
}
