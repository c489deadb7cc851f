package middleware

import (
	"github.com/estatehub/portal/common/logger"
	"github.com/labstack/echo/v4"
)

// PropagateRequestID copies the id set by echo's RequestID middleware into
// the request context so logger.WithContext picks it up
func PropagateRequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Response().Header().Get(echo.HeaderXRequestID)
			if id == "" {
				id = c.Request().Header.Get(echo.HeaderXRequestID)
			}
			if id != "" {
				req := c.Request()
				c.SetRequest(req.WithContext(logger.ContextWithRequestID(req.Context(), id)))
			}
			return next(c)
		}
	}
}
