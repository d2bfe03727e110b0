// Package httpapi is Tasker's thin transport layer over the engine and
// dead-letter service: the gin router, request middleware, and handlers for
// spec.md §5's inbound RPCs and §9's recovery-operator surface. Grounded on
// internal/http/router.go's route-grouping shape and
// internal/http/handlers/job.go's thin-handler-over-service pattern, built
// fresh rather than adapted in place because the teacher's router and
// middleware are wired to deleted auth/realtime services that have no
// SPEC_FULL.md counterpart (see DESIGN.md's dropped-dependencies entry).
package httpapi

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	otelgin "go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tasker-systems/tasker/internal/deadletter"
	"github.com/tasker-systems/tasker/internal/engine"
	"github.com/tasker-systems/tasker/internal/metrics"
	"github.com/tasker-systems/tasker/internal/pkg/logger"
	"github.com/tasker-systems/tasker/internal/repos"
)

// Config bundles everything the router needs to wire its routes.
type Config struct {
	Engine     *engine.Engine
	TaskRepo   repos.TaskRepo
	StepRepo   repos.StepRepo
	DeadLetter deadletter.Service
	Metrics    *metrics.Metrics
	Log        *logger.Logger

	// AuthToken, when set, is required as a bearer token on every /api
	// route. Empty disables the check (local/dev use).
	AuthToken string

	// CORSOrigins is the set of origins allowed to call the API from a
	// browser; empty disables CORS handling entirely.
	CORSOrigins []string

	ServiceName string
}

// NewRouter builds the gin engine: health/metrics are unauthenticated, every
// /api route goes through trace/logging/metrics middleware plus the
// optional bearer check.
func NewRouter(cfg Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(traceContext())
	r.Use(requestLogger(cfg.Log))
	r.Use(instrument(cfg.Metrics))
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
			AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With", "Idempotency-Key"},
			AllowCredentials: true,
		}))
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}

	taskH := newTaskHandler(cfg.Engine, cfg.TaskRepo, cfg.StepRepo)
	dlH := newDeadLetterHandler(cfg.DeadLetter)

	api := r.Group("/api")
	api.Use(bearerAuth(cfg.AuthToken))
	{
		api.POST("/tasks", taskH.submit)
		api.GET("/tasks", taskH.list)
		api.GET("/tasks/:id", taskH.get)
		api.GET("/tasks/:id/steps", taskH.listSteps)
		api.POST("/tasks/:id/cancel", taskH.cancel)

		api.GET("/dead-letter", dlH.list)
		api.POST("/dead-letter/:id/resolve", dlH.resolve)
	}
	return r
}

// Server wraps the router the way internal/http.Server did, kept for
// cmd/tasker's Run/shutdown symmetry with the rest of the pack's services.
type Server struct {
	Engine *gin.Engine
}

func NewServer(cfg Config) *Server {
	return &Server{Engine: NewRouter(cfg)}
}

func (s *Server) Run(address string) error {
	return s.Engine.Run(address)
}
