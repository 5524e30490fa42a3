package router

import (
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/patient-console/internal/middleware"
)

type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

// Probe registers health endpoints outside the rate limiter.
type Probe interface {
	RegisterRoutes(gin.IRoutes)
}

// MetricsHandler exposes metrics and records per-route request metrics.
type MetricsHandler interface {
	Middleware() gin.HandlerFunc
	Handler() gin.HandlerFunc
}

type Router struct {
	engine  *gin.Engine
	console Handler
	health  Probe
	metrics MetricsHandler
	config  RouterConfig
}

type RouterConfig struct {
	Mode           string
	RateLimit      rate.Limit
	RateBurst      int
	AllowedOrigins []string
	SizeLimit      middleware.SizeLimitConfig
	Security       middleware.SecurityConfig
}

func NewRouter(console Handler, health Probe, metrics MetricsHandler, config RouterConfig) *Router {
	if config.Mode != "" {
		gin.SetMode(config.Mode)
	}
	if config.SizeLimit.MaxBodySize == 0 {
		config.SizeLimit = middleware.DefaultSizeLimitConfig()
	}
	if config.Security.FrameOptions == "" {
		config.Security = middleware.DefaultSecurityConfig()
	}

	engine := gin.New()

	r := &Router{
		engine:  engine,
		console: console,
		health:  health,
		metrics: metrics,
		config:  config,
	}

	// Core middlewares, outermost first
	engine.Use(
		middleware.RequestID(),
		middleware.Recovery(),
		middleware.Logger("/health/live", "/health/ready", "/metrics"),
		middleware.ErrorHandler(),
		metrics.Middleware(),
	)
	return r
}

func (r *Router) Setup() {
	r.health.RegisterRoutes(r.engine)
	r.engine.GET("/metrics", r.metrics.Handler())

	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		Rate:  r.config.RateLimit,
		Burst: r.config.RateBurst,
	})

	api := r.engine.Group("")
	api.Use(
		middleware.CORS(middleware.DefaultCORSConfig(r.config.AllowedOrigins...)),
		middleware.SecurityHeaders(r.config.Security),
		middleware.SizeLimit(r.config.SizeLimit),
		rateLimiter.RateLimit(),
	)
	r.console.RegisterRoutes(api)
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}
