package middleware

import (
	"strconv"
	"time"

	"github.com/estatehub/portal/common/metrics"
	"github.com/labstack/echo/v4"
)

// RequestMetrics records request latency keyed by the matched route pattern
func RequestMetrics() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			metrics.Get().ObserveHTTP(
				c.Request().Method,
				route,
				strconv.Itoa(c.Response().Status),
				time.Since(start),
			)
			return nil
		}
	}
}
