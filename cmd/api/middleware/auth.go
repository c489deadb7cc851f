package middleware

import (
	"net/http"

	"github.com/estatehub/portal/cmd/api/models"
	commonmw "github.com/estatehub/portal/common/middleware"
	"github.com/labstack/echo/v4"
)

// Headers carrying the caller identity. Token validation happens upstream.
const (
	UserIDHeader   = "X-User-ID"
	UserRoleHeader = "X-User-Role"
)

// ExtractActor is a middleware that reads X-User-ID and X-User-Role
// and stores them in the request context.
//
// Requests without an identity pass through; handlers that need one call
// RequireActor. An unknown role is rejected here so every downstream
// check works with a valid models.Role.
//
// Usage:
//
//	api := e.Group("/api/v1")
//	api.Use(middleware.ExtractActor())
func ExtractActor() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := c.Request().Header.Get(UserIDHeader)
			if userID == "" {
				return next(c)
			}

			role, err := models.ParseRole(c.Request().Header.Get(UserRoleHeader))
			if err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]interface{}{
					"error":   "unauthorized",
					"message": err.Error(),
				})
			}

			c.Set(commonmw.UserIDKey, userID)
			c.Set(commonmw.UserRoleKey, string(role))
			return next(c)
		}
	}
}

// GetActor retrieves the caller from the request context.
// Returns false if no identity was presented.
func GetActor(c echo.Context) (models.Actor, bool) {
	userID, _ := c.Get(commonmw.UserIDKey).(string)
	if userID == "" {
		return models.Actor{}, false
	}
	role, _ := c.Get(commonmw.UserRoleKey).(string)
	return models.Actor{ID: userID, Role: models.Role(role)}, true
}

// RequireActor ensures an identity exists in context
// Returns a 401 error for the HTTP error handler if not found
func RequireActor(c echo.Context) (models.Actor, error) {
	actor, ok := GetActor(c)
	if !ok {
		return models.Actor{}, echo.NewHTTPError(http.StatusUnauthorized,
			"authentication required (X-User-ID header missing)")
	}
	return actor, nil
}
