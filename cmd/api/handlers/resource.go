package handlers

import (
	"net/http"

	"github.com/estatehub/portal/cmd/api/middleware"
	"github.com/estatehub/portal/cmd/api/models"
	"github.com/estatehub/portal/cmd/api/service"
	"github.com/labstack/echo/v4"
)

// ResourceHandler serves one canonical resource type
type ResourceHandler struct {
	resources    *service.ResourceService
	resourceType models.ResourceType
}

// NewResourceHandler creates a handler for properties or banners
func NewResourceHandler(resources *service.ResourceService, t models.ResourceType) *ResourceHandler {
	return &ResourceHandler{resources: resources, resourceType: t}
}

// ListResources lists resources newest first
// GET /api/v1/{properties|banners}?cursor=&limit=
func (h *ResourceHandler) ListResources(c echo.Context) error {
	limit, err := limitParam(c)
	if err != nil {
		return err
	}

	page, err := h.resources.List(c.Request().Context(), h.resourceType, c.QueryParam("cursor"), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

// GetResource returns one resource
// GET /api/v1/{properties|banners}/:id
func (h *ResourceHandler) GetResource(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}

	r, err := h.resources.Get(c.Request().Context(), h.resourceType, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}

// CreateResource writes a resource directly, bypassing review
// POST /api/v1/{properties|banners}
func (h *ResourceHandler) CreateResource(c echo.Context) error {
	actor, err := middleware.RequireActor(c)
	if err != nil {
		return err
	}

	fields, err := decodeDocument(c)
	if err != nil {
		return err
	}

	r, err := h.resources.Create(c.Request().Context(), actor, h.resourceType, fields)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, r)
}

// UpdateResource merges a partial document into a resource, bypassing review
// PATCH /api/v1/{properties|banners}/:id
func (h *ResourceHandler) UpdateResource(c echo.Context) error {
	actor, err := middleware.RequireActor(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}

	patch, err := decodeDocument(c)
	if err != nil {
		return err
	}

	r, err := h.resources.Update(c.Request().Context(), actor, h.resourceType, id, patch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}

// DeleteResource removes a resource and rejects every open change against it
// DELETE /api/v1/{properties|banners}/:id
func (h *ResourceHandler) DeleteResource(c echo.Context) error {
	actor, err := middleware.RequireActor(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}

	closed, err := h.resources.Delete(c.Request().Context(), actor, h.resourceType, id)
	if err != nil {
		return err
	}

	rejected := make([]string, 0, len(closed))
	for _, ch := range closed {
		rejected = append(rejected, ch.ID.String())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"id":               id,
		"type":             h.resourceType,
		"rejected_changes": rejected,
	})
}
