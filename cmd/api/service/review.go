package service

import (
	"context"
	"strings"

	"github.com/estatehub/portal/cmd/api/models"
	"github.com/estatehub/portal/cmd/api/repository"
	"github.com/google/uuid"
)

// ReviewService adjudicates pending changes. It is the only writer that
// merges proposals into canonical resources.
type ReviewService struct {
	base
}

// NewReviewService creates a new review service
func NewReviewService(d Deps) *ReviewService {
	return &ReviewService{base: newBase(d)}
}

func requireReviewer(actor models.Actor) error {
	if !actor.CanReview() {
		return forbidden("role %s may not review changes", actor.Role)
	}
	return nil
}

// Approve merges a pending change into its resource, creating the resource
// when the change has no target, and marks the change approved. The merge,
// the resource write and the status flip commit together.
func (s *ReviewService) Approve(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.ChangeRecord, *models.Resource, error) {
	if err := requireReviewer(actor); err != nil {
		return nil, nil, err
	}

	var c *models.ChangeRecord
	var resource *models.Resource
	err := s.store.WithTx(ctx, func(q repository.Queries) error {
		var err error
		c, err = s.loadChange(ctx, q, actor, id, true)
		if err != nil {
			return err
		}
		if err := c.Check(models.TransitionApprove); err != nil {
			return invalidState(c, models.TransitionApprove)
		}

		doc, existing, err := s.mergedDocument(ctx, q, c, repository.UpdateLock)
		if err != nil {
			return err
		}
		if err := s.validateDocument(ctx, q, c.Type, doc); err != nil {
			return err
		}

		now := s.now()
		if existing == nil {
			resource = &models.Resource{
				ID:        uuid.New(),
				Type:      c.Type,
				Fields:    doc,
				Version:   1,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := q.CreateResource(ctx, resource); err != nil {
				return err
			}
			targetID := resource.ID
			c.TargetID = &targetID
		} else {
			resource = existing
			resource.Fields = doc
			resource.Version++
			resource.UpdatedAt = now
			if err := q.UpdateResource(ctx, resource); err != nil {
				return err
			}
		}

		reviewer := actor.ID
		c.ReviewedBy = &reviewer
		if err := c.Apply(models.TransitionApprove, now); err != nil {
			return err
		}
		return q.UpdateChange(ctx, c)
	})
	if err != nil {
		return nil, nil, err
	}

	s.resources.invalidate(ctx, resource.Type, resource.ID)
	s.logTransition(ctx, "approved", c, models.StatusPending, actor)
	return c, resource, nil
}

// Reject closes a pending change with a reason. Terminal.
func (s *ReviewService) Reject(ctx context.Context, actor models.Actor, id uuid.UUID, reason string) (*models.ChangeRecord, error) {
	return s.decide(ctx, actor, id, reason, models.TransitionReject, "rejected")
}

// RequestRevision hands a pending change back to its proposer for edits
func (s *ReviewService) RequestRevision(ctx context.Context, actor models.Actor, id uuid.UUID, reason string) (*models.ChangeRecord, error) {
	return s.decide(ctx, actor, id, reason, models.TransitionRequestRevision, "revision_requested")
}

func (s *ReviewService) decide(ctx context.Context, actor models.Actor, id uuid.UUID, reason string, t models.Transition, op string) (*models.ChangeRecord, error) {
	if err := requireReviewer(actor); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fieldError("reason", "is required")
	}

	var c *models.ChangeRecord
	err := s.store.WithTx(ctx, func(q repository.Queries) error {
		var err error
		c, err = s.loadChange(ctx, q, actor, id, true)
		if err != nil {
			return err
		}
		if err := c.Check(t); err != nil {
			return invalidState(c, t)
		}

		reviewer := actor.ID
		c.Reason = &reason
		c.ReviewedBy = &reviewer
		if err := c.Apply(t, s.now()); err != nil {
			return err
		}
		return q.UpdateChange(ctx, c)
	})
	if err != nil {
		return nil, err
	}

	s.logTransition(ctx, op, c, models.StatusPending, actor)
	return c, nil
}
