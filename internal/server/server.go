package server

import (
	"context"
	"net/http"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/circuitbreaker"
	"github.com/aman-churiwal/admission-gateway/internal/config"
	"github.com/aman-churiwal/admission-gateway/internal/handler"
	"github.com/aman-churiwal/admission-gateway/internal/identity"
	"github.com/aman-churiwal/admission-gateway/internal/middleware"
	"github.com/aman-churiwal/admission-gateway/internal/proxy"
	"github.com/aman-churiwal/admission-gateway/internal/service"
	"github.com/aman-churiwal/admission-gateway/internal/storage"
	"github.com/aman-churiwal/admission-gateway/internal/throttle"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Dependencies are built by the caller. Redis, Database, APIKeys and
// StoreBreaker are optional and nil when the deployment runs without them.
type Dependencies struct {
	Engine       *throttle.Engine
	Redis        *storage.RedisClient
	Database     *storage.Database
	APIKeys      *service.APIKeyService
	StoreBreaker *circuitbreaker.CircuitBreaker
	Gatherer     prometheus.Gatherer
	Logger       *zap.Logger
}

type Server struct {
	router     *gin.Engine
	config     *config.Config
	deps       Dependencies
	logger     *zap.Logger
	proxies    map[string]*proxy.Proxy
	httpServer *http.Server
	startTime  time.Time
}

func New(cfg *config.Config, deps Dependencies) (*Server, error) {
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	if len(cfg.Server.TrustedProxies) > 0 {
		if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
			return nil, err
		}
	}

	s := &Server{
		router:    router,
		config:    cfg,
		deps:      deps,
		logger:    logger,
		proxies:   make(map[string]*proxy.Proxy),
		startTime: time.Now(),
	}

	if err := s.initializeProxies(); err != nil {
		return nil, err
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) initializeProxies() error {
	for _, route := range s.config.Routes {
		p, err := proxy.NewWithConfig(proxy.Config{
			Target: route.Target,
			CircuitBreaker: circuitbreaker.Config{
				MaxFailures:     5,
				Timeout:         30 * time.Second,
				HalfOpenSuccess: 1,
				OnStateChange:   s.logStateChange("route:" + route.Path),
			},
			Logger: s.logger,
		})
		if err != nil {
			return err
		}

		s.proxies[route.Path] = p
		s.logger.Info("Initialized proxy",
			zap.String("path", route.Path),
			zap.String("target", route.Target),
			zap.String("scope", route.RouteScope()),
			zap.Bool("exempt", route.Exempt),
		)
	}
	return nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Logger(s.logger))
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)

	if s.config.Metrics.Enabled && s.deps.Gatherer != nil {
		s.router.GET(s.config.Metrics.Path, gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	var keys identity.KeyValidator
	if s.deps.APIKeys != nil {
		keys = s.deps.APIKeys
	}
	identify := middleware.Identify(identity.NewResolver(s.config.Auth.JWTSecret, keys), s.logger)
	adminToken := middleware.AdminToken(s.config.Auth.AdminToken)

	admission := handler.NewAdmissionHandler(s.deps.Engine, s.logger)
	v1 := s.router.Group("/v1/admission", adminToken, identify)
	{
		v1.POST("/check", admission.Check)
		v1.POST("/settle", admission.Settle)
	}

	adminHandler := handler.NewAdminHandler(s.deps.Engine)
	systemHandler := handler.NewSystemHandler(s.breakers(), s.config.Throttle.Store, s.config.Throttle.FailOpen, func() int {
		return len(s.deps.Engine.Registry().Policies())
	})

	admin := s.router.Group("/admin", adminToken)
	{
		admin.GET("/status", systemHandler.Status)
		admin.GET("/circuit-breakers", systemHandler.CircuitBreakerStatus)
		admin.POST("/circuit-breakers/reset", systemHandler.ResetCircuitBreaker)
		admin.GET("/policies", adminHandler.Policies)
		admin.GET("/throttle/:scope", adminHandler.Usage)
		admin.DELETE("/throttle/:scope", adminHandler.Invalidate)

		if s.deps.APIKeys != nil {
			apiKeyHandler := handler.NewAPIKeyHandler(s.deps.APIKeys)
			admin.POST("/keys", apiKeyHandler.Create)
			admin.GET("/keys", apiKeyHandler.List)
		}
	}

	s.setupProxyRoutes(identify)
}

func (s *Server) setupProxyRoutes(identify gin.HandlerFunc) {
	for _, route := range s.config.Routes {
		p := s.proxies[route.Path]

		handlers := []gin.HandlerFunc{identify}
		if !route.Exempt {
			handlers = append(handlers, middleware.Throttle(s.deps.Engine, route.RouteScope(), s.config.Throttle.FailOpen, s.logger))
		}
		handlers = append(handlers, p.Handle)

		s.router.Any(route.Path, handlers...)
		s.router.Any(route.Path+"/*proxyPath", handlers...)

		s.logger.Info("Registered proxy route", zap.String("path", route.Path))
	}
}

func (s *Server) breakers() map[string]*circuitbreaker.CircuitBreaker {
	breakers := make(map[string]*circuitbreaker.CircuitBreaker, len(s.proxies)+1)
	if s.deps.StoreBreaker != nil {
		breakers["store"] = s.deps.StoreBreaker
	}
	for path, p := range s.proxies {
		breakers[path] = p.CircuitBreaker()
	}
	return breakers
}

func (s *Server) logStateChange(name string) func(from, to circuitbreaker.State) {
	return func(from, to circuitbreaker.State) {
		s.logger.Warn("Circuit breaker state changed",
			zap.String("breaker", name),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	ctx := c.Request.Context()
	checks := gin.H{}
	healthy := true

	if s.deps.Redis != nil {
		redisHealthy := true
		if err := s.deps.Redis.Ping(ctx); err != nil {
			redisHealthy = false
			s.logger.Warn("Redis health check failed", zap.Error(err))
		}
		checks["redis"] = redisHealthy
		healthy = healthy && redisHealthy
	}

	if s.deps.Database != nil {
		dbHealthy := true
		if err := s.deps.Database.Ping(ctx); err != nil {
			dbHealthy = false
			s.logger.Warn("Database health check failed", zap.Error(err))
		}
		checks["database"] = dbHealthy
		healthy = healthy && dbHealthy
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !healthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status":    status,
		"service":   "admission-gateway",
		"uptime":    time.Since(s.startTime).Seconds(),
		"timestamp": time.Now().Unix(),
		"checks":    checks,
	})
}

func (s *Server) Run(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting admission gateway",
		zap.String("addr", addr),
		zap.String("environment", s.config.Server.Environment),
		zap.String("store", s.config.Throttle.Store),
	)

	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server")

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

func (s *Server) GetRouter() *gin.Engine {
	return s.router
}
