package middleware

import (
	"net/http"

	"github.com/estatehub/portal/common/metrics"
	"github.com/estatehub/portal/common/ratelimit"
	"github.com/labstack/echo/v4"
)

// GlobalRateLimitMiddleware checks the global service-wide rate limit
// Protects the entire service from being overwhelmed
func GlobalRateLimitMiddleware(rateLimiter *ratelimit.RateLimiter, limit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			result, err := rateLimiter.CheckGlobalLimit(c.Request().Context(), limit)
			if err != nil {
				// On error, allow request (fail open for availability)
				return next(c)
			}

			if !result.Allowed {
				metrics.Get().RateLimited("global")
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":   "global_rate_limit_exceeded",
					"message": "Service is experiencing high load. Please try again later.",
					"details": map[string]interface{}{
						"limit":               result.Limit,
						"window":              "60 seconds",
						"retry_after_seconds": result.RetryAfterSeconds,
					},
				})
			}

			return next(c)
		}
	}
}

// UserRateLimitMiddleware checks per-user rate limits using the tier of the caller's role
// Requires the auth middleware to have stored the user id and role
func UserRateLimitMiddleware(rateLimiter *ratelimit.RateLimiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID, _ := c.Get(UserIDKey).(string)
			if userID == "" {
				return next(c)
			}
			role, _ := c.Get(UserRoleKey).(string)

			result, err := rateLimiter.CheckUserLimit(c.Request().Context(), userID, role)
			if err != nil {
				return next(c)
			}

			if !result.Allowed {
				metrics.Get().RateLimited(string(ratelimit.TierForRole(role)))
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":   "user_rate_limit_exceeded",
					"message": "You have exceeded your request quota. Please wait before trying again.",
					"details": map[string]interface{}{
						"user_id":             userID,
						"limit":               result.Limit,
						"window":              "60 seconds",
						"current_count":       result.CurrentCount,
						"retry_after_seconds": result.RetryAfterSeconds,
					},
				})
			}

			return next(c)
		}
	}
}
