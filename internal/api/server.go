// Package api serves classification over HTTP. The server works against any
// classifier with a dense forward pass, so a float network and its quantized
// conversion are interchangeable behind the same endpoint.
package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/huixiancheng/spconv/internal/logger"
	"github.com/huixiancheng/spconv/internal/tensor"
	"github.com/huixiancheng/spconv/internal/version"
)

// Classifier is the inference surface the server exposes.
type Classifier interface {
	ForwardDense(images []float32, batchSize int) (*tensor.Mat, error)
}

// MaxBatch bounds the images accepted in a single request.
const MaxBatch = 64

type Server struct {
	model Classifier
	name  string // model identifier reported in responses

	h, w, c int
	classes int

	log     logger.Logger
	clock   func() time.Time
	limiter *rate.Limiter
}

// Option configures optional server behaviour.
type Option func(*Server)

// WithRateLimit installs a token-bucket limit over all inference routes.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) { s.clock = clock }
}

// NewServer wires a classifier with its input geometry. The geometry is
// needed up front to validate request payload sizes before any forward pass
// runs.
func NewServer(model Classifier, name string, h, w, c, classes int, log logger.Logger, opts ...Option) *Server {
	s := &Server{
		model:   model,
		name:    name,
		h:       h,
		w:       w,
		c:       c,
		classes: classes,
		log:     log,
		clock:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register mounts all routes on the echo instance.
func (s *Server) Register(e *echo.Echo) {
	g := e.Group("", s.throttle)
	g.POST("/v1/classify", s.handleClassify)
	g.GET("/v1/models", s.handleListModels)
	e.GET("/healthz", s.handleHealth)
}

func (s *Server) throttle(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		if s.limiter != nil && !s.limiter.Allow() {
			return writeError(c, http.StatusTooManyRequests, "rate_limit_error", "request rate exceeded")
		}
		return next(c)
	}
}

func (s *Server) handleListModels(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"object": "list",
		"data": []map[string]any{{
			"id":      s.name,
			"object":  "model",
			"created": s.clock().Unix(),
			"classes": s.classes,
			"input":   []int{s.h, s.w, s.c},
		}},
	})
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.String(),
	})
}
