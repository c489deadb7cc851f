package handlers

import (
	"net/http"

	"github.com/estatehub/portal/cmd/api/middleware"
	"github.com/estatehub/portal/cmd/api/models"
	"github.com/estatehub/portal/cmd/api/service"
	"github.com/estatehub/portal/cmd/api/stream"
	"github.com/estatehub/portal/common/logger"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// StreamHandler upgrades requests to change-event websockets
type StreamHandler struct {
	hub      *stream.Hub
	upgrader websocket.Upgrader
	log      *logger.Logger
}

// NewStreamHandler creates a stream handler accepting the given origins;
// "*" accepts any
func NewStreamHandler(hub *stream.Hub, origins []string, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(origins),
		},
		log: log,
	}
}

// Stream pushes every change event visible to the caller
// GET /api/v1/changes/stream
func (h *StreamHandler) Stream(c echo.Context) error {
	actor, err := middleware.RequireActor(c)
	if err != nil {
		return err
	}
	if actor.Role == models.RoleCustomer {
		return &service.ForbiddenError{Reason: "customers cannot subscribe to change events"}
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already written the HTTP error
		h.log.Debug("websocket upgrade failed", "user_id", actor.ID, "error", err)
		return nil
	}

	if err := h.hub.Serve(conn, actor); err != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		conn.Close()
	}
	return nil
}

func originChecker(origins []string) func(*http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}
