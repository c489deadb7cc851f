package routes

import (
	"github.com/estatehub/portal/cmd/api/container"
	"github.com/estatehub/portal/cmd/api/handlers"
	"github.com/estatehub/portal/cmd/api/middleware"
	commonmw "github.com/estatehub/portal/common/middleware"
	"github.com/labstack/echo/v4"
)

// RegisterChangeRoutes registers the proposal and review routes
func RegisterChangeRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewChangeHandler(c.Proposals, c.Reviews, c.Components.Logger)
	sh := handlers.NewStreamHandler(c.Stream, c.Components.Config.Service.CORSOrigins, c.Components.Logger)

	changes := e.Group("/api/v1/changes")
	changes.Use(middleware.ExtractActor()) // X-User-ID, X-User-Role into context

	// mutations are rate limited per user when redis is available
	var limited []echo.MiddlewareFunc
	if rl := c.Components.RateLimiter; rl != nil {
		limited = append(limited, commonmw.UserRateLimitMiddleware(rl))
	}
	{
		changes.GET("", h.ListChanges)                                     // GET /api/v1/changes?type=&status=&targetId=
		changes.GET("/stream", sh.Stream)                                  // GET /api/v1/changes/stream (websocket)
		changes.GET("/:id", h.GetChange)                                   // GET /api/v1/changes/{id}
		changes.POST("", h.CreateChange, limited...)                       // POST /api/v1/changes
		changes.PATCH("/:id", h.UpdateChange, limited...)                  // PATCH /api/v1/changes/{id}
		changes.DELETE("/:id", h.DeleteChange, limited...)                 // DELETE /api/v1/changes/{id}?moveToDraft=
		changes.POST("/:id/submit", h.SubmitChange, limited...)            // POST /api/v1/changes/{id}/submit
		changes.POST("/:id/fork", h.ForkChange, limited...)                // POST /api/v1/changes/{id}/fork
		changes.POST("/:id/approve", h.ApproveChange, limited...)          // POST /api/v1/changes/{id}/approve
		changes.POST("/:id/reject", h.RejectChange, limited...)            // POST /api/v1/changes/{id}/reject
		changes.POST("/:id/request-changes", h.RequestChanges, limited...) // POST /api/v1/changes/{id}/request-changes
	}
}
