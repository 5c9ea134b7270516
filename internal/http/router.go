// README: HTTP router registration.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"homematch/internal/http/handlers"
	"homematch/internal/http/middleware"
	"homematch/internal/infra"
	"homematch/internal/modules/dispatch"
	"homematch/internal/modules/location"
	"homematch/internal/modules/matching"
	"homematch/internal/notify"
)

const healthTimeout = 2 * time.Second

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// RouterDeps wires the handlers. Location, Hub and Quota are optional; a nil
// Quota leaves triage uncharged.
type RouterDeps struct {
	Matching    *matching.Service
	Dispatch    *dispatch.Service
	Location    *location.Service
	Hub         *notify.Hub
	Quota       handlers.TriageQuota
	Verifier    infra.TokenVerifier
	Gatherer    prometheus.Gatherer
	Checks      map[string]HealthCheck
	CORSOrigins []string
	Log         *zap.Logger
}

func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(deps.Log), middleware.Logging(deps.Log))

	origins := deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	r.GET("/health", health(deps.Checks))
	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	authed := r.Group("/", middleware.Auth(deps.Verifier))

	matchHandler := handlers.NewMatchHandler(deps.Matching, deps.Quota)
	authed.POST("/api/matches", matchHandler.Match)
	authed.POST("/api/matches/batch", matchHandler.Batch)

	dispatchHandler := handlers.NewDispatchHandler(deps.Matching, deps.Dispatch, deps.Quota)
	authed.POST("/api/dispatches", dispatchHandler.Create)
	authed.GET("/api/dispatches/:id", dispatchHandler.Get)
	authed.GET("/api/dispatches/:id/events", dispatchHandler.Events)
	authed.POST("/api/dispatches/:id/cancel", dispatchHandler.Cancel)

	contractors := authed.Group("/", middleware.RequireRole(middleware.RoleContractor))
	contractors.POST("/api/offers/:id/respond", dispatchHandler.Respond)
	if deps.Location != nil {
		contractors.POST("/api/contractors/location", handlers.NewLocationHandler(deps.Location).Update)
	}
	if deps.Hub != nil {
		wsHandler := handlers.NewContractorWSHandler(deps.Hub, deps.Log)
		contractors.GET("/ws/contractors", wsHandler.Connect)
	}

	return r
}

func health(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()

		status := http.StatusOK
		report := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				report[name] = err.Error()
				continue
			}
			report[name] = "ok"
		}
		c.JSON(status, gin.H{"status": http.StatusText(status), "checks": report})
	}
}
