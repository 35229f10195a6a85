package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/AnTengye/contractguard/config"
	"github.com/AnTengye/contractguard/ledger"
	"github.com/AnTengye/contractguard/middleware"
	"github.com/AnTengye/contractguard/orchestrator"
	"github.com/AnTengye/contractguard/rulepack"
	"github.com/AnTengye/contractguard/service"
	"github.com/AnTengye/contractguard/storage"
	"github.com/gin-gonic/gin"
)

// RouterDeps are the services exposed over HTTP
type RouterDeps struct {
	Orchestrator *orchestrator.Orchestrator
	Store        *storage.Store
	Catalog      interface {
		Lister
		MetricsSource
	}
	Ledger   *ledger.Ledger
	Registry *rulepack.Registry
	Settings *service.SettingsStore
}

// NewRouter builds the gin engine with middleware and every route
func NewRouter(cfg *config.Config, d RouterDeps) *gin.Engine {
	router := gin.New() // Use New() instead of Default() to avoid default middleware

	router.Use(middleware.RequestID())     // Request ID for tracing
	router.Use(middleware.Recovery())      // Panic recovery
	router.Use(middleware.RequestLogger()) // Access logging
	router.Use(corsMiddleware())           // CORS
	router.Use(cacheMiddleware())          // Cache control
	router.Use(middleware.RateLimit(cfg.Server.RateLimitPerSec, cfg.Server.RateLimitBurst))

	authHandler := NewAuthHandler(cfg)
	contractHandler := NewContractHandler(d.Orchestrator, cfg.MaxUploadBytes())
	analysisHandler := NewAnalysisHandler(d.Orchestrator, d.Store, d.Catalog)
	adminHandler := NewAdminHandler(d.Ledger, d.Catalog, d.Registry, d.Settings, d.Orchestrator)
	wsHandler := NewWSHandler(d.Orchestrator)

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	// Public routes
	api := router.Group("/api")
	{
		api.POST("/auth/login", authHandler.Login)
	}

	// Protected routes
	auth := middleware.AuthMiddleware(&cfg.Auth)
	protected := api.Group("/")
	protected.Use(auth)
	{
		protected.GET("/auth/me", authHandler.GetCurrentUser)

		protected.POST("/contracts", contractHandler.Upload)
		protected.GET("/jobs/:id", analysisHandler.GetJob)
		protected.DELETE("/jobs/:id", analysisHandler.CancelJob)
		protected.GET("/findings", analysisHandler.FindingsByJob)

		protected.GET("/analyses", analysisHandler.List)
		protected.GET("/analyses/:id", analysisHandler.Get)
		protected.GET("/analyses/:id/findings", analysisHandler.Findings)
		protected.GET("/analyses/:id/coverage", analysisHandler.Coverage)
		protected.GET("/analyses/:id/extraction", analysisHandler.Extraction)
		protected.GET("/analyses/:id/report", analysisHandler.Report)

		protected.GET("/admin/metrics", adminHandler.Metrics)
		protected.GET("/admin/metrics/timeseries", adminHandler.Timeseries)
		protected.GET("/admin/rulepacks", adminHandler.Rulepacks)
		protected.GET("/admin/settings", adminHandler.GetSettings)
		protected.PUT("/admin/settings", adminHandler.PutSettings)
	}

	if cfg.DevTools {
		dev := api.Group("/dev")
		dev.Use(auth)
		dev.POST("/analyses/:id/advance", adminHandler.DevAdvance)
		dev.POST("/rulepacks/reload", adminHandler.DevReloadRulepacks)
	}

	router.GET("/ws/analysis/:id", auth, wsHandler.Analysis)

	return router
}

// corsMiddleware handles CORS headers
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// cacheMiddleware disables caching of API responses
func cacheMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api") {
			c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
			c.Header("Pragma", "no-cache")
			c.Header("Expires", "0")
		}
		c.Next()
	}
}
