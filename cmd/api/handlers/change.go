package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/estatehub/portal/cmd/api/middleware"
	"github.com/estatehub/portal/cmd/api/models"
	"github.com/estatehub/portal/cmd/api/service"
	"github.com/estatehub/portal/common/logger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// ChangeHandler handles change record requests
type ChangeHandler struct {
	proposals *service.ProposalService
	reviews   *service.ReviewService
	log       *logger.Logger
}

// NewChangeHandler creates a new change handler
func NewChangeHandler(proposals *service.ProposalService, reviews *service.ReviewService, log *logger.Logger) *ChangeHandler {
	return &ChangeHandler{proposals: proposals, reviews: reviews, log: log}
}

type createChangeRequest struct {
	Type     string          `json:"type" validate:"required"`
	TargetID *string         `json:"target_id" validate:"omitempty,uuid"`
	Payload  json.RawMessage `json:"payload"`
	IsDraft  bool            `json:"is_draft"`
}

type updateChangeRequest struct {
	Payload json.RawMessage `json:"payload" validate:"required"`
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"required,max=2000"`
}

// CreateChange creates a draft or submits a new change directly
// POST /api/v1/changes
func (h *ChangeHandler) CreateChange(c echo.Context) error {
	actor, err := middleware.RequireActor(c)
	if err != nil {
		return err
	}

	var req createChangeRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	t, err := resourceTypeParam("type", req.Type)
	if err != nil {
		return err
	}
	target, err := optionalUUID("target_id", deref(req.TargetID))
	if err != nil {
		return err
	}

	key := c.Request().Header.Get(IdempotencyKeyHeader)
	h.log.WithContext(c.Request().Context()).Debug("creating change",
		"user_id", actor.ID,
		"type", *t,
		"is_draft", req.IsDraft,
		"idempotency_key", key)

	change, err := h.proposals.Create(c.Request().Context(), actor, service.CreateChangeInput{
		Type:           *t,
		TargetID:       target,
		Payload:        req.Payload,
		IsDraft:        req.IsDraft,
		IdempotencyKey: key,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, change)
}

// ListChanges lists changes visible to the caller, newest first
// GET /api/v1/changes?type=&status=&targetId=&cursor=&limit=
func (h *ChangeHandler) ListChanges(c echo.Context) error {
	actor, err := middleware.RequireActor(c)
	if err != nil {
		return err
	}

	in := service.ListChangesInput{Cursor: c.QueryParam("cursor")}
	if in.Type, err = resourceTypeParam("type", c.QueryParam("type")); err != nil {
		return err
	}
	if raw := c.QueryParam("status"); raw != "" {
		status, err := models.ParseChangeStatus(raw)
		if err != nil {
			return invalidParam("status", "is not a known change status")
		}
		in.Status = &status
	}
	if in.TargetID, err = optionalUUID("targetId", c.QueryParam("targetId")); err != nil {
		return err
	}
	if in.Limit, err = limitParam(c); err != nil {
		return err
	}

	page, err := h.proposals.List(c.Request().Context(), actor, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

// GetChange returns one change
// GET /api/v1/changes/:id
func (h *ChangeHandler) GetChange(c echo.Context) error {
	actor, err := middleware.RequireActor(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}

	change, err := h.proposals.Get(c.Request().Context(), actor, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, change)
}

// UpdateChange replaces the payload of a draft or needs_revision change
// PATCH /api/v1/changes/:id
func (h *ChangeHandler) UpdateChange(c echo.Context) error {
	actor, err := middleware.RequireActor(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}

	var req updateChangeRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	change, err := h.proposals.UpdateDraft(c.Request().Context(), actor, id, req.Payload)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, change)
}

// DeleteChange discards a draft or withdraws a pending change
// DELETE /api/v1/changes/:id?moveToDraft=true
func (h *ChangeHandler) DeleteChange(c echo.Context) error {
	actor, err := middleware.RequireActor(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	moveToDraft, err := boolParam(c, "moveToDraft")
	if err != nil {
		return err
	}

	change, err := h.proposals.Delete(c.Request().Context(), actor, id, moveToDraft)
	if err != nil {
		return err
	}
	if change != nil {
		return c.JSON(http.StatusOK, change)
	}
	return c.NoContent(http.StatusNoContent)
}

// SubmitChange moves a draft or needs_revision change to pending
// POST /api/v1/changes/:id/submit
func (h *ChangeHandler) SubmitChange(c echo.Context) error {
	actor, err := middleware.RequireActor(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}

	change, err := h.proposals.SubmitDraft(c.Request().Context(), actor, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, change)
}

// ForkChange starts a new draft from a rejected change
// POST /api/v1/changes/:id/fork
func (h *ChangeHandler) ForkChange(c echo.Context) error {
	actor, err := middleware.RequireActor(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}

	change, err := h.proposals.ForkDraft(c.Request().Context(), actor, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, change)
}

// ApproveChange merges a pending change into its resource
// POST /api/v1/changes/:id/approve
func (h *ChangeHandler) ApproveChange(c echo.Context) error {
	actor, err := middleware.RequireActor(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}

	change, resource, err := h.reviews.Approve(c.Request().Context(), actor, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"change":   change,
		"resource": resource,
	})
}

// RejectChange closes a pending change
// POST /api/v1/changes/:id/reject
func (h *ChangeHandler) RejectChange(c echo.Context) error {
	return h.decide(c, h.reviews.Reject)
}

// RequestChanges sends a pending change back to its proposer
// POST /api/v1/changes/:id/request-changes
func (h *ChangeHandler) RequestChanges(c echo.Context) error {
	return h.decide(c, h.reviews.RequestRevision)
}

type decision func(ctx context.Context, actor models.Actor, id uuid.UUID, reason string) (*models.ChangeRecord, error)

func (h *ChangeHandler) decide(c echo.Context, fn decision) error {
	actor, err := middleware.RequireActor(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}

	var req reasonRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	change, err := fn(c.Request().Context(), actor, id, req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, change)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
