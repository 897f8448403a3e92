// Package httpapi wires the HTTP transport (Gin) to the request service,
// signal bus, middleware, and route handlers. It centralizes cross-cutting
// concerns: tracing, correlation IDs, structured logging, panic recovery,
// metrics, CORS, and rate limiting.
//
// Middleware order matters:
//  1. OpenTelemetry (when enabled): trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Logger: structured access logs
//  4. Recovery: capture panics after the logger
//  5. Metrics
//  6. Rate limiting
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/veilmatch/go-consent-backend/internal/config"
	"github.com/veilmatch/go-consent-backend/internal/http/handlers"
	"github.com/veilmatch/go-consent-backend/internal/http/middleware"
	"github.com/veilmatch/go-consent-backend/internal/signal"
)

// NewRouter builds the Gin engine with all middleware and endpoints:
// health and metrics at the root, the consent-request API and the
// signaling websocket under the configured base path.
func NewRouter(cfg config.Config, svc handlers.RequestService, bus signal.Bus) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	r := gin.New()

	if cfg.OTEL.Enabled {
		r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	}
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.Metrics())

	if cfg.RateRPS > 0 {
		rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
		r.Use(rl.Handler())
	}

	if len(cfg.CORS.AllowedOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-Request-ID", "X-User-ID"},
			ExposeHeaders:    []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Operational endpoints.
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := handlers.New(svc)
	sh := handlers.NewSignalHandler(bus)

	api := r.Group(cfg.APIBasePath)
	{
		api.POST("/requests", h.Send)
		api.GET("/requests/incoming", h.ListIncoming)
		api.GET("/requests/outgoing", h.ListOutgoing)
		api.GET("/requests/accepted", h.ListAccepted)
		api.GET("/requests/pending-count", h.PendingCount)
		api.GET("/requests/:id", h.Get)
		api.POST("/requests/:id/accept", h.Accept)
		api.POST("/requests/:id/reject", h.Reject)
		api.DELETE("/requests/:id", h.Withdraw)

		api.GET("/ws", sh.Serve)
	}

	return r
}
