package router

import (
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/imignatov/reservation-disputes/internal/config"
	"github.com/imignatov/reservation-disputes/internal/handler"
	"github.com/imignatov/reservation-disputes/internal/middleware"
	"github.com/imignatov/reservation-disputes/internal/model"
)

// RegisterProhibitions registers the prohibition endpoints under /v1.
// All routes require a valid JWT; declaring, altering and disdeclaring
// are ADMIN-only, while reads are open to every known privilege (the
// service scopes non-admin reads to the caller's own incidents). The
// Redis client backs the token-bucket limiter and the short-lived
// response cache on the listing; a nil client disables both without
// affecting the routes.
func RegisterProhibitions(e *echo.Echo, h *handler.ProhibitionHandler, jwtSecret string, rdb *redis.Client) {
	limiter := middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb)
	cache := middleware.NewRedisCache(config.LoadCacheConfig(), rdb)

	g := e.Group(
		"/v1",
		middleware.JWTAuth(jwtSecret),
		middleware.RequirePrivilege(model.PrivilegeAdmin, model.PrivilegeRequester, model.PrivilegeProvider),
		limiter,
	)
	// ---- Reads (any participant) ----
	g.GET("/prohibitions", h.List, cache)
	g.GET("/prohibitions/:id", h.Get)

	// ---- Writes (administrators only) ----
	admin := g.Group("", middleware.RequirePrivilege(model.PrivilegeAdmin))
	admin.POST("/prohibitions", h.Declare)
	admin.PATCH("/prohibitions/:id/timeframe", h.AlterTimeframe)
	admin.DELETE("/prohibitions/:id", h.Disdeclare)
}
