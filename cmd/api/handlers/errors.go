package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/estatehub/portal/cmd/api/service"
	"github.com/estatehub/portal/common/logger"
	"github.com/estatehub/portal/common/validation"
	"github.com/labstack/echo/v4"
)

// errorBody renders err as {"error": code, "message": text, "details": {...}}
func errorBody(err error) (int, map[string]interface{}) {
	var (
		verr     *service.ValidationError
		invalid  *service.InvalidStateError
		conflict *service.ConflictError
		assigned *service.AssignmentsError
		dup      *service.DuplicateRequestError
		he       *echo.HTTPError
	)

	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, map[string]interface{}{
			"error":   "validation_failed",
			"message": verr.Error(),
			"details": map[string]interface{}{"fields": verr.Fields},
		}

	case errors.As(err, &invalid):
		return http.StatusConflict, map[string]interface{}{
			"error":   "invalid_state",
			"message": invalid.Error(),
			"details": map[string]interface{}{
				"change_id": invalid.ChangeID,
				"status":    invalid.Status,
				"operation": invalid.Operation,
				"allowed":   invalid.Allowed(),
			},
		}

	case errors.As(err, &conflict):
		details := map[string]interface{}{
			"type":      conflict.Type,
			"target_id": conflict.TargetID,
		}
		if conflict.ExistingChangeID != nil {
			details["existing_change_id"] = *conflict.ExistingChangeID
		}
		return http.StatusConflict, map[string]interface{}{
			"error":   "conflict",
			"message": conflict.Error(),
			"details": details,
		}

	case errors.As(err, &assigned):
		return http.StatusConflict, map[string]interface{}{
			"error":   "has_assignments",
			"message": assigned.Error(),
			"details": map[string]interface{}{
				"kind":        assigned.Kind,
				"id":          assigned.ID,
				"assignments": assigned.Count,
			},
		}

	case errors.As(err, &dup):
		return http.StatusConflict, map[string]interface{}{
			"error":   "duplicate_request",
			"message": dup.Error(),
		}

	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, map[string]interface{}{
			"error":   "forbidden",
			"message": err.Error(),
		}

	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, map[string]interface{}{
			"error":   "not_found",
			"message": err.Error(),
		}

	case errors.As(err, &he):
		return he.Code, map[string]interface{}{
			"error":   statusCode(he.Code),
			"message": fmt.Sprint(he.Message),
		}
	}

	return http.StatusInternalServerError, map[string]interface{}{
		"error":   "internal_error",
		"message": "internal server error",
	}
}

// statusCode turns an HTTP status into a snake_case error code
func statusCode(status int) string {
	text := http.StatusText(status)
	if text == "" {
		return "error"
	}
	return strings.ReplaceAll(strings.ToLower(text), " ", "_")
}

// ErrorHandler is the echo HTTPErrorHandler for the API. Unexpected errors
// are logged and hidden behind a generic 500 body.
func ErrorHandler(log *logger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, body := errorBody(err)
		if status >= http.StatusInternalServerError {
			log.WithContext(c.Request().Context()).Error("request failed",
				"method", c.Request().Method,
				"path", c.Path(),
				"error", err)
		}

		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(status)
		} else {
			writeErr = c.JSON(status, body)
		}
		if writeErr != nil {
			log.Warn("failed to write error response", "error", writeErr)
		}
	}
}

// invalidParam reports a malformed query or path parameter
func invalidParam(field, message string) error {
	return &service.ValidationError{Fields: validation.Errors{{Field: field, Message: message}}}
}
