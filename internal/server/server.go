package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/spendguard/internal/authorization"
	"github.com/smallbiznis/spendguard/internal/config"
	"github.com/smallbiznis/spendguard/internal/ledger/ndjson"
	"github.com/smallbiznis/spendguard/internal/observability"
	obsmiddleware "github.com/smallbiznis/spendguard/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/spendguard/internal/observability/metrics"
	obstracing "github.com/smallbiznis/spendguard/internal/observability/tracing"
	"github.com/smallbiznis/spendguard/internal/quality"
	"github.com/smallbiznis/spendguard/internal/shield"
	spenddomain "github.com/smallbiznis/spendguard/internal/spend/domain"
	vaultservice "github.com/smallbiznis/spendguard/internal/vault/service"
	webhookdomain "github.com/smallbiznis/spendguard/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
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

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log = log.Named("http.server")

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	log        *zap.Logger
	webhookSvc webhookdomain.Service
	spendSvc   spenddomain.Service
	vault      *vaultservice.Vault
	shield     *shield.Shield
	quality    *quality.Guard
	ledger     *ndjson.Reader
	authzSvc   authorization.Service
	keys       *authorization.KeyRing
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Log        *zap.Logger
	WebhookSvc webhookdomain.Service
	SpendSvc   spenddomain.Service
	Vault      *vaultservice.Vault
	Shield     *shield.Shield
	Quality    *quality.Guard
	Ledger     *ndjson.Reader
	AuthzSvc   authorization.Service
	Keys       *authorization.KeyRing
}

func NewServer(p ServerParams) *Server {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	q := p.Quality
	if q == nil {
		q = quality.NewGuard()
	}
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		log:        log.Named("http.server"),
		webhookSvc: p.WebhookSvc,
		spendSvc:   p.SpendSvc,
		vault:      p.Vault,
		shield:     p.Shield,
		quality:    q,
		ledger:     p.Ledger,
		authzSvc:   p.AuthzSvc,
		keys:       p.Keys,
	}

	svc.registerWebhookRoutes()
	svc.registerAPIRoutes()
	svc.registerAdminRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/:provider", s.HandleWebhook)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1")

	api.POST("/spend", s.RequestSpend)
	api.POST("/spend/allocate", s.AllocateSpend)
	api.POST("/quality/evaluate", s.EvaluateQuality)

	api.GET("/vault", s.viewAccess(authorization.ObjectVault, authorization.ActionVaultView), s.GetVault)
	api.GET("/shield", s.viewAccess(authorization.ObjectShield, authorization.ActionShieldView), s.GetShield)
	api.GET("/ledger/stats", s.viewAccess(authorization.ObjectLedger, authorization.ActionLedgerView), s.GetLedgerStats)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/v1/admin")
	admin.Use(s.AdminKeyRequired())

	admin.POST("/vault/deposit", s.authorizeAdminAction(authorization.ObjectVault, authorization.ActionVaultDeposit), s.DepositVault)
	admin.POST("/vault/withdraw", s.authorizeAdminAction(authorization.ObjectVault, authorization.ActionVaultWithdraw), s.WithdrawVault)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
