package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tabulahq/tabula/internal/aiprovider"
	"github.com/tabulahq/tabula/internal/config"
	creditdomain "github.com/tabulahq/tabula/internal/credit/domain"
	entitlementdomain "github.com/tabulahq/tabula/internal/entitlement/domain"
	"github.com/tabulahq/tabula/internal/observability"
	obsmiddleware "github.com/tabulahq/tabula/internal/observability/logger"
	obsmetrics "github.com/tabulahq/tabula/internal/observability/metrics"
	paymentdomain "github.com/tabulahq/tabula/internal/payment/domain"
	"github.com/tabulahq/tabula/internal/ratelimit"
	subscriptiondomain "github.com/tabulahq/tabula/internal/subscription/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
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

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
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
	engine          *gin.Engine
	cfg             config.Config
	db              *gorm.DB
	genID           *snowflake.Node
	creditSvc       creditdomain.Service
	entitlementSvc  entitlementdomain.Service
	subscriptionSvc subscriptiondomain.Service
	paymentSvc      paymentdomain.Service
	provider        aiprovider.Provider
	chatLimiter     *ratelimit.ChatLimiter
	obsMetrics      *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	DB              *gorm.DB
	GenID           *snowflake.Node
	CreditSvc       creditdomain.Service
	EntitlementSvc  entitlementdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	PaymentSvc      paymentdomain.Service
	Provider        aiprovider.Provider
	ChatLimiter     *ratelimit.ChatLimiter `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics    `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		db:              p.DB,
		genID:           p.GenID,
		creditSvc:       p.CreditSvc,
		entitlementSvc:  p.EntitlementSvc,
		subscriptionSvc: p.SubscriptionSvc,
		paymentSvc:      p.PaymentSvc,
		provider:        p.Provider,
		chatLimiter:     p.ChatLimiter,
		obsMetrics:      p.ObsMetrics,
	}

	svc.registerAPIRoutes()
	svc.registerWebhookRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1", s.UserAuthRequired())

	api.GET("/credits", s.ListCredits)
	api.GET("/credits/:model", s.GetCredit)
	api.GET("/usage", s.ListUsage)

	api.POST("/chat", s.Chat)

	api.POST("/subscriptions", s.CreateSubscription)
	api.GET("/subscriptions", s.GetSubscription)
	api.DELETE("/subscriptions", s.CancelSubscription)
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/v1/webhooks/:provider", s.HandleWebhook)
}
