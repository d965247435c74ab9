// Package httpapi wires the admin HTTP API: middleware, health and metrics
// endpoints, Swagger UI and the operator session endpoints.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tbourn/go-gate-bot/docs"
	"github.com/tbourn/go-gate-bot/internal/config"
	"github.com/tbourn/go-gate-bot/internal/http/handlers"
	"github.com/tbourn/go-gate-bot/internal/http/middleware"
)

// Deps are the services behind the admin endpoints.
type Deps struct {
	Sessions  handlers.SessionReader
	Abandoner handlers.SessionAbandoner
	Logger    zerolog.Logger
}

// RegisterRoutes installs middleware and endpoints on r.
//
// Middleware order:
//  1. OpenTelemetry
//  2. RequestID
//  3. access Logger
//  4. Recovery
//  5. body limit, Metrics, gzip
//  6. rate limiter
//  7. CORS and security headers
//
// The session endpoints additionally require ADMIN_TOKEN when it is set.
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(deps.Logger, "/health", "/metrics"))
	r.Use(middleware.Recovery())
	r.Use(limitBody(64 << 10))
	r.Use(middleware.Metrics())
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))
	r.Use(middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByIP()).Handler())
	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins))
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS: cfg.Security.EnableHSTS,
		HSTSMaxAge: cfg.Security.HSTSMaxAge,
		NoStore:    true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if cfg.SwaggerEnabled {
		docs.SwaggerInfo.BasePath = cfg.APIBasePath
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	h := handlers.New(deps.Sessions, deps.Abandoner)
	api := groupWithPrefix(r, cfg.APIBasePath)
	api.Use(middleware.BearerAuth(cfg.AdminToken))
	{
		api.GET("/sessions", h.ListSessions)
		api.GET("/sessions/stats", h.SessionStats)
		api.DELETE("/sessions/:id", h.AbandonSession)
	}
}

// corsMiddleware allows any origin when allowed is empty, else only the
// listed origins. Credentials are never allowed.
func corsMiddleware(allowed []string) gin.HandlerFunc {
	conf := cors.Config{
		AllowMethods:     []string{"GET", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Accept", "Authorization", middleware.HeaderRequestID},
		ExposeHeaders:    []string{middleware.HeaderRequestID, "Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(allowed) == 0 {
		conf.AllowAllOrigins = true
	} else {
		conf.AllowOrigins = allowed
	}
	return cors.New(conf)
}

// limitBody caps request bodies at maxBytes.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
