// Package api exposes the serving gateway over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	limiter "github.com/ulule/limiter/v3"
	ginlimiter "github.com/ulule/limiter/v3/drivers/middleware/gin"
	memory "github.com/ulule/limiter/v3/drivers/store/memory"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/demandcast/demandcast/internal/config"
	"github.com/demandcast/demandcast/internal/drift"
	"github.com/demandcast/demandcast/internal/featurestore"
	"github.com/demandcast/demandcast/internal/forecast"
	"github.com/demandcast/demandcast/internal/registry"
)

// Server is the HTTP gateway over the forecasting pipeline.
type Server struct {
	router  *gin.Engine
	logger  *zap.Logger
	store   *featurestore.Store
	reg     *registry.Registry
	engine  *forecast.Engine
	monitor *drift.Monitor
	cfg     config.ServerConfig

	httpServer *http.Server
}

// NewServer creates the gateway with the standard middleware chain.
func NewServer(
	logger *zap.Logger,
	store *featurestore.Store,
	reg *registry.Registry,
	engine *forecast.Engine,
	monitor *drift.Monitor,
	cfg config.ServerConfig,
) (*Server, error) {
	server := &Server{
		logger:  logger,
		store:   store,
		reg:     reg,
		engine:  engine,
		monitor: monitor,
		cfg:     cfg,
	}

	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		if err := v.RegisterValidation("scopepath", validScopePath); err != nil {
			return nil, fmt.Errorf("register scopepath validation: %w", err)
		}
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(otelgin.Middleware("demandcast-api"))

	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	rate, err := limiter.NewRateFromFormatted(cfg.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("parse rate limit %q: %w", cfg.RateLimit, err)
	}
	router.Use(ginlimiter.NewMiddleware(limiter.New(memory.NewStore(), rate)))

	server.router = router
	server.registerRoutes()
	return server, nil
}

// Router returns the internal gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start serves HTTP until Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.logger.Info("gateway listening", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		ingest := v1.Group("/ingest")
		{
			ingest.POST("/features", s.ingestFeatures)
			ingest.POST("/actuals", s.ingestActuals)
		}

		v1.GET("/forecast/:entity_id", s.getForecast)

		// Scopes are hierarchy paths and may contain slashes, so these two
		// take catch-all parameters. Method trees are separate in gin, the
		// promote route does not collide.
		v1.GET("/drift/*scope", s.getDrift)
		v1.GET("/models/*scope", s.getModelHistory)
		v1.POST("/models/:model_id/promote", s.promoteModel)
	}
}

// validScopePath accepts slash-separated lowercase segments like
// "in/north/festive-bundles". Empty values pass; pair with omitempty.
func validScopePath(fl validator.FieldLevel) bool {
	path := fl.Field().String()
	if path == "" {
		return true
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			return false
		}
		for _, r := range seg {
			if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
				return false
			}
		}
	}
	return true
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}
