package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/daycare/internal/billing/domain"
	"github.com/smallbiznis/daycare/internal/billing/runner"
	"github.com/smallbiznis/daycare/internal/cache"
	"github.com/smallbiznis/daycare/internal/clock"
	"github.com/smallbiznis/daycare/internal/config"
	"github.com/smallbiznis/daycare/internal/observability"
	obsmiddleware "github.com/smallbiznis/daycare/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/daycare/internal/observability/metrics"
	obstracing "github.com/smallbiznis/daycare/internal/observability/tracing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(cache.NewRunTracker),
	fx.Provide(ProvideRunner),
	fx.Provide(ProvideRunReader),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

// BillingRunner is the slice of the runner the HTTP trigger drives.
type BillingRunner interface {
	Run(ctx context.Context, opts runner.Options) (runner.Summary, error)
	NewRunID() snowflake.ID
}

// RunReader loads persisted run records.
type RunReader interface {
	GetRun(ctx context.Context, runID snowflake.ID) (*domain.BillingRun, error)
}

func ProvideRunner(r *runner.Runner) BillingRunner { return r }

func ProvideRunReader(store domain.Store) RunReader { return store }

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	if httpMetrics != nil {
		r.Use(httpMetrics.Middleware())
	}
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http.server.listen_failed", zap.String("addr", addr), zap.Error(err))
				}
			}()
			log.Info("http.server.started", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine  *gin.Engine
	cfg     config.Config
	runner  BillingRunner
	runs    RunReader
	tracker *cache.RunTracker
	log     *zap.Logger
	clock   clock.Clock
}

type ServerParams struct {
	fx.In

	Gin     *gin.Engine
	Cfg     config.Config
	Runner  BillingRunner
	Runs    RunReader
	Tracker *cache.RunTracker
	Log     *zap.Logger
	Clock   clock.Clock `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	tracker := p.Tracker
	if tracker == nil {
		tracker = cache.NewRunTracker()
	}
	svc := &Server{
		engine:  p.Gin,
		cfg:     p.Cfg,
		runner:  p.Runner,
		runs:    p.Runs,
		tracker: tracker,
		log:     log.Named("http"),
		clock:   clk,
	}

	svc.registerBillingRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerBillingRoutes() {
	internal := s.engine.Group("/internal/billing")

	internal.POST("/runs", s.TriggerBillingRun)
	internal.GET("/runs/:id", s.GetBillingRun)
}
