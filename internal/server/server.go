package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nerves76/promptreviews-sub034/internal/authorization"
	"github.com/nerves76/promptreviews-sub034/internal/batchrun"
	batchdomain "github.com/nerves76/promptreviews-sub034/internal/batchrun/domain"
	"github.com/nerves76/promptreviews-sub034/internal/checker"
	"github.com/nerves76/promptreviews-sub034/internal/config"
	"github.com/nerves76/promptreviews-sub034/internal/credit"
	creditdomain "github.com/nerves76/promptreviews-sub034/internal/credit/domain"
	"github.com/nerves76/promptreviews-sub034/internal/dispatcher"
	"github.com/nerves76/promptreviews-sub034/internal/metering"
	"github.com/nerves76/promptreviews-sub034/internal/observability"
	obsmiddleware "github.com/nerves76/promptreviews-sub034/internal/observability/logger"
	obsmetrics "github.com/nerves76/promptreviews-sub034/internal/observability/metrics"
	obstracing "github.com/nerves76/promptreviews-sub034/internal/observability/tracing"
	"github.com/nerves76/promptreviews-sub034/internal/ratelimit"
	"github.com/nerves76/promptreviews-sub034/internal/status"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module wires the HTTP surface together with every service it serves.
var Module = fx.Module("http.server",
	authorization.Module,
	credit.Module,
	metering.Module,
	batchrun.Module,
	checker.Module,
	dispatcher.Module,
	status.Module,
	ratelimit.Module,
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
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

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
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
	engine     *gin.Engine
	cfg        config.Config
	log        *zap.Logger
	authzSvc   authorization.Service
	runSvc     batchdomain.Service
	creditSvc  creditdomain.Service
	statusSvc  *status.Service
	dispatcher *dispatcher.Dispatcher
	runLimiter *ratelimit.RunCreateLimiter
	obsMetrics *obsmetrics.Metrics
	jwtSecret  []byte
	cronSecret []byte
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Log        *zap.Logger
	AuthzSvc   authorization.Service
	RunSvc     batchdomain.Service
	CreditSvc  creditdomain.Service
	StatusSvc  *status.Service
	Dispatcher *dispatcher.Dispatcher      `optional:"true"`
	RunLimiter *ratelimit.RunCreateLimiter `optional:"true"`
	ObsMetrics *obsmetrics.Metrics         `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		log:        p.Log.Named("http.server"),
		authzSvc:   p.AuthzSvc,
		runSvc:     p.RunSvc,
		creditSvc:  p.CreditSvc,
		statusSvc:  p.StatusSvc,
		dispatcher: p.Dispatcher,
		runLimiter: p.RunLimiter,
		obsMetrics: p.ObsMetrics,
		jwtSecret:  []byte(p.Cfg.AuthJWTSecret),
		cronSecret: []byte(p.Cfg.CronSecret),
	}

	if len(svc.jwtSecret) == 0 {
		svc.log.Warn("AUTH_JWT_SECRET is empty, account routes will reject every request")
	}
	if len(svc.cronSecret) == 0 {
		svc.log.Warn("CRON_SECRET is empty, cron routes will reject every request")
	}

	svc.registerAccountRoutes()
	svc.registerCronRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) registerAccountRoutes() {
	api := s.engine.Group("", s.AccountAuthRequired())

	// -------- Batch runs --------
	runs := api.Group("/batch-runs")
	{
		runs.POST("/:batchType",
			s.authorizeAction(authorization.ObjectBatchRun, authorization.ActionBatchRunCreate),
			s.RunCreateRateLimit(),
			s.CreateBatchRun,
		)
		runs.GET("",
			s.authorizeAction(authorization.ObjectBatchRun, authorization.ActionBatchRunView),
			s.ListBatchRuns,
		)
		runs.GET("/:runId/status",
			s.authorizeAction(authorization.ObjectBatchRun, authorization.ActionBatchRunView),
			s.GetBatchRunStatus,
		)
	}

	// -------- Credits --------
	credits := api.Group("/credits")
	{
		credits.GET("/balance",
			s.authorizeAction(authorization.ObjectCredits, authorization.ActionCreditsView),
			s.GetCreditBalance,
		)
		credits.GET("/ledger",
			s.authorizeAction(authorization.ObjectCredits, authorization.ActionCreditsView),
			s.ListCreditLedger,
		)
		credits.POST("/grants",
			s.authorizeAction(authorization.ObjectCredits, authorization.ActionCreditsGrant),
			s.GrantCredits,
		)
	}
}

func (s *Server) registerCronRoutes() {
	s.engine.GET("/cron/:dispatcher", s.CronAuthRequired(), s.RunDispatcher)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
