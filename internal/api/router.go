package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"fila-client/internal/metrics"
	"fila-client/internal/mw"
	"fila-client/internal/ratelimit"
)

// NewRouter creates and configures a new Gin router. Browser pages served
// from allowedOrigins may call the API; with none given any origin may.
func NewRouter(h *Handler, limiter *ratelimit.Limiter, allowedOrigins ...string) *gin.Engine {
	r := gin.Default()
	r.Use(cors.New(corsConfig(allowedOrigins)))

	public := mw.RateLimit(limiter, ratelimit.ClassPublic)
	queueWrites := mw.RateLimit(limiter, ratelimit.ClassQueue)
	auth := mw.RateLimit(limiter, ratelimit.ClassAuth)
	admin := mw.RateLimit(limiter, ratelimit.ClassDefault)

	api := r.Group("/api")
	{
		api.GET("/queues/:barbershop_id", public, h.GetQueue)
		api.POST("/queues/:barbershop_id/entries", queueWrites, h.PostEntry)
		api.GET("/dashboard/:barbershop_id", public, h.GetDashboard)
		api.GET("/access", public, h.GetAccess)

		api.GET("/session", public, h.GetSession)
		api.GET("/session/status", public, h.GetSessionStatus)
		api.DELETE("/session", queueWrites, h.DeleteSession)

		api.POST("/admin/login", auth, h.PostAdminLogin)
		api.POST("/admin/queues/:barbershop_id/next", admin, h.PostAdvance)
		api.POST("/admin/queues/:barbershop_id/entries", admin, h.PostAdminEntry)
		api.POST("/admin/queues/:barbershop_id/entries/:entry_id/finalize", admin, h.PostFinalize)
	}

	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "DELETE"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length", "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}
