package routes

import (
	"github.com/estatehub/portal/cmd/api/container"
	"github.com/estatehub/portal/cmd/api/handlers"
	"github.com/estatehub/portal/cmd/api/middleware"
	"github.com/estatehub/portal/cmd/api/models"
	"github.com/labstack/echo/v4"
)

// resourcePaths maps each resource type to its collection path
var resourcePaths = map[models.ResourceType]string{
	models.ResourceProperty: "/api/v1/properties",
	models.ResourceBanner:   "/api/v1/banners",
}

// RegisterResourceRoutes registers read and admin bypass routes for every resource type
func RegisterResourceRoutes(e *echo.Echo, c *container.Container) {
	for _, t := range models.ResourceTypes {
		h := handlers.NewResourceHandler(c.Resources, t)

		g := e.Group(resourcePaths[t])
		g.Use(middleware.ExtractActor())
		{
			g.GET("", h.ListResources)         // GET /api/v1/banners
			g.GET("/:id", h.GetResource)       // GET /api/v1/banners/{id}
			g.POST("", h.CreateResource)       // POST /api/v1/banners (admin)
			g.PATCH("/:id", h.UpdateResource)  // PATCH /api/v1/banners/{id} (admin)
			g.DELETE("/:id", h.DeleteResource) // DELETE /api/v1/banners/{id} (admin)
		}
	}
}
