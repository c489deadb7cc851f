package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/estatehub/portal/cmd/api/models"
	"github.com/estatehub/portal/cmd/api/repository"
	"github.com/estatehub/portal/common/metrics"
	"github.com/google/uuid"
)

// ProposalService lets proposers stage and submit changes without touching
// canonical resources
type ProposalService struct {
	base
	idempotency *IdempotencyGuard
}

// NewProposalService creates a new proposal service; idempotency may be nil
func NewProposalService(d Deps, idempotency *IdempotencyGuard) *ProposalService {
	return &ProposalService{base: newBase(d), idempotency: idempotency}
}

// CreateChangeInput is a new change proposal
type CreateChangeInput struct {
	Type     models.ResourceType
	TargetID *uuid.UUID // nil proposes a new resource
	Payload  json.RawMessage
	IsDraft  bool

	// IdempotencyKey makes retries of the same create return the first result
	IdempotencyKey string
}

// ListChangesInput filters a change listing
type ListChangesInput struct {
	Type     *models.ResourceType
	Status   *models.ChangeStatus
	TargetID *uuid.UUID
	Cursor   string
	Limit    int
}

func requireProposer(actor models.Actor) error {
	if !actor.CanPropose() {
		return forbidden("role %s may not propose changes", actor.Role)
	}
	return nil
}

func requireOwner(actor models.Actor, c *models.ChangeRecord) error {
	if c.ProposerID != actor.ID {
		return forbidden("change %s belongs to another proposer", c.ID)
	}
	return nil
}

// CreateDraft stages a private draft. Drafts never conflict with other changes.
func (s *ProposalService) CreateDraft(ctx context.Context, actor models.Actor, t models.ResourceType, targetID *uuid.UUID, payload json.RawMessage) (*models.ChangeRecord, error) {
	return s.Create(ctx, actor, CreateChangeInput{Type: t, TargetID: targetID, Payload: payload, IsDraft: true})
}

// CreateAndSubmit creates a change directly in pending, in one step
func (s *ProposalService) CreateAndSubmit(ctx context.Context, actor models.Actor, t models.ResourceType, targetID *uuid.UUID, payload json.RawMessage) (*models.ChangeRecord, error) {
	return s.Create(ctx, actor, CreateChangeInput{Type: t, TargetID: targetID, Payload: payload})
}

// Create creates a draft or a pending change
func (s *ProposalService) Create(ctx context.Context, actor models.Actor, in CreateChangeInput) (*models.ChangeRecord, error) {
	if err := requireProposer(actor); err != nil {
		return nil, err
	}

	id := uuid.New()
	guarded := in.IdempotencyKey != "" && s.idempotency != nil
	if guarded {
		res, err := s.idempotency.Reserve(ctx, actor.ID, in.IdempotencyKey, id)
		if err != nil {
			return nil, err
		}
		if !res.Reserved {
			existing, err := s.store.GetChange(ctx, res.ChangeID, false)
			if err != nil {
				if !errors.Is(err, repository.ErrNotFound) {
					return nil, fmt.Errorf("failed to load idempotent change: %w", err)
				}
				if res.Completed {
					// created, then discarded or withdrawn
					return nil, notFound("change", res.ChangeID)
				}
				return nil, &DuplicateRequestError{Key: in.IdempotencyKey}
			}
			s.log.WithContext(ctx).Info("replayed idempotent create", "change_id", existing.ID, "key", in.IdempotencyKey)
			return existing, nil
		}
	}

	c, err := s.create(ctx, actor, id, in)
	if !guarded {
		return c, err
	}
	if err != nil {
		if relErr := s.idempotency.Release(ctx, actor.ID, in.IdempotencyKey); relErr != nil {
			s.log.Warn("failed to release idempotency key", "key", in.IdempotencyKey, "error", relErr)
		}
		return nil, err
	}
	if doneErr := s.idempotency.Complete(ctx, actor.ID, in.IdempotencyKey, c.ID); doneErr != nil {
		s.log.Warn("failed to complete idempotency key", "key", in.IdempotencyKey, "error", doneErr)
	}
	return c, nil
}

func (s *ProposalService) create(ctx context.Context, actor models.Actor, id uuid.UUID, in CreateChangeInput) (*models.ChangeRecord, error) {
	if _, err := models.ParseResourceType(string(in.Type)); err != nil {
		return nil, fieldError("type", "must be property or banner")
	}
	payload := normalizePayload(in.Payload)
	if err := s.validateShape(in.Type, payload); err != nil {
		return nil, err
	}

	now := s.now()
	c := &models.ChangeRecord{
		ID:              id,
		Type:            in.Type,
		TargetID:        in.TargetID,
		ProposerID:      actor.ID,
		ProposedPayload: payload,
		Status:          models.StatusDraft,
		IsDraft:         true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := s.store.WithTx(ctx, func(q repository.Queries) error {
		if in.IsDraft {
			if c.TargetID != nil {
				if _, err := q.GetResource(ctx, c.Type, *c.TargetID, repository.ShareLock); err != nil {
					if errors.Is(err, repository.ErrNotFound) {
						return notFound(string(c.Type), *c.TargetID)
					}
					return err
				}
			}
			return q.CreateChange(ctx, c)
		}

		if err := s.prepareSubmit(ctx, q, c, now); err != nil {
			return err
		}
		return q.CreateChange(ctx, c)
	})
	if err != nil {
		if errors.Is(err, repository.ErrActiveChangeExists) {
			return nil, s.conflict(ctx, c.Type, *c.TargetID)
		}
		return nil, err
	}

	op := "created"
	if !in.IsDraft {
		op = "submitted"
	}
	s.logTransition(ctx, op, c, "", actor)
	return c, nil
}

// prepareSubmit validates the merged document, checks the one-active-change
// rule and moves c to pending. The unique index backs the check under races.
func (s *ProposalService) prepareSubmit(ctx context.Context, q repository.Queries, c *models.ChangeRecord, now time.Time) error {
	doc, _, err := s.mergedDocument(ctx, q, c, repository.ShareLock)
	if err != nil {
		return err
	}
	if err := s.validateDocument(ctx, q, c.Type, doc); err != nil {
		return err
	}

	if c.TargetID != nil {
		existing, err := q.FindActiveChange(ctx, c.Type, *c.TargetID)
		switch {
		case err == nil && existing.ID != c.ID:
			metrics.Get().ChangeConflict(string(c.Type))
			id := existing.ID
			return &ConflictError{Type: c.Type, TargetID: *c.TargetID, ExistingChangeID: &id}
		case err != nil && !errors.Is(err, repository.ErrNotFound):
			return err
		}
	}

	return c.Apply(models.TransitionSubmit, now)
}

// UpdateDraft replaces the payload of a draft or needs_revision change
func (s *ProposalService) UpdateDraft(ctx context.Context, actor models.Actor, id uuid.UUID, payload json.RawMessage) (*models.ChangeRecord, error) {
	if err := requireProposer(actor); err != nil {
		return nil, err
	}

	var c *models.ChangeRecord
	err := s.store.WithTx(ctx, func(q repository.Queries) error {
		var err error
		c, err = s.loadChange(ctx, q, actor, id, true)
		if err != nil {
			return err
		}
		if err := requireOwner(actor, c); err != nil {
			return err
		}
		if err := c.Check(models.TransitionUpdate); err != nil {
			return invalidState(c, models.TransitionUpdate)
		}

		payload = normalizePayload(payload)
		if err := s.validateShape(c.Type, payload); err != nil {
			return err
		}

		c.ProposedPayload = payload
		if err := c.Apply(models.TransitionUpdate, s.now()); err != nil {
			return err
		}
		return q.UpdateChange(ctx, c)
	})
	if err != nil {
		return nil, err
	}

	s.logTransition(ctx, "updated", c, c.Status, actor)
	return c, nil
}

// SubmitDraft moves a draft or needs_revision change to pending
func (s *ProposalService) SubmitDraft(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.ChangeRecord, error) {
	if err := requireProposer(actor); err != nil {
		return nil, err
	}

	var c *models.ChangeRecord
	var from models.ChangeStatus
	err := s.store.WithTx(ctx, func(q repository.Queries) error {
		var err error
		c, err = s.loadChange(ctx, q, actor, id, true)
		if err != nil {
			return err
		}
		if err := requireOwner(actor, c); err != nil {
			return err
		}
		if err := c.Check(models.TransitionSubmit); err != nil {
			return invalidState(c, models.TransitionSubmit)
		}

		from = c.Status
		if err := s.prepareSubmit(ctx, q, c, s.now()); err != nil {
			return err
		}
		return q.UpdateChange(ctx, c)
	})
	if err != nil {
		if errors.Is(err, repository.ErrActiveChangeExists) && c != nil && c.TargetID != nil {
			return nil, s.conflict(ctx, c.Type, *c.TargetID)
		}
		return nil, err
	}

	s.logTransition(ctx, "submitted", c, from, actor)
	return c, nil
}

// DiscardDraft permanently deletes a draft or needs_revision change
func (s *ProposalService) DiscardDraft(ctx context.Context, actor models.Actor, id uuid.UUID) error {
	if err := requireProposer(actor); err != nil {
		return err
	}

	var c *models.ChangeRecord
	err := s.store.WithTx(ctx, func(q repository.Queries) error {
		var err error
		c, err = s.loadChange(ctx, q, actor, id, true)
		if err != nil {
			return err
		}
		if err := requireOwner(actor, c); err != nil {
			return err
		}
		if err := c.Check(models.TransitionDiscard); err != nil {
			return invalidState(c, models.TransitionDiscard)
		}
		return q.DeleteChange(ctx, c.ID)
	})
	if err != nil {
		return err
	}

	s.logTransition(ctx, "discarded", c, c.Status, actor)
	return nil
}

// Withdraw pulls back a pending change: to draft when moveToDraft, else it is deleted
func (s *ProposalService) Withdraw(ctx context.Context, actor models.Actor, id uuid.UUID, moveToDraft bool) (*models.ChangeRecord, error) {
	if err := requireProposer(actor); err != nil {
		return nil, err
	}

	var c *models.ChangeRecord
	err := s.store.WithTx(ctx, func(q repository.Queries) error {
		var err error
		c, err = s.loadChange(ctx, q, actor, id, true)
		if err != nil {
			return err
		}
		if err := requireOwner(actor, c); err != nil {
			return err
		}
		if err := c.Check(models.TransitionWithdraw); err != nil {
			return invalidState(c, models.TransitionWithdraw)
		}

		if !moveToDraft {
			return q.DeleteChange(ctx, c.ID)
		}
		if err := c.Apply(models.TransitionWithdraw, s.now()); err != nil {
			return err
		}
		return q.UpdateChange(ctx, c)
	})
	if err != nil {
		return nil, err
	}

	if !moveToDraft {
		s.logTransition(ctx, "deleted", c, c.Status, actor)
		return nil, nil
	}
	s.logTransition(ctx, "withdrawn", c, models.StatusPending, actor)
	return c, nil
}

// Delete dispatches DELETE /changes/{id}: pending changes are withdrawn,
// drafts and needs_revision changes are discarded. The returned record is
// non-nil only when a pending change moved back to draft.
func (s *ProposalService) Delete(ctx context.Context, actor models.Actor, id uuid.UUID, moveToDraft bool) (*models.ChangeRecord, error) {
	c, err := s.loadChange(ctx, s.store, actor, id, false)
	if err != nil {
		return nil, err
	}

	switch {
	case c.Status == models.StatusPending:
		return s.Withdraw(ctx, actor, id, moveToDraft)
	case c.Status.IsEditable():
		return nil, s.DiscardDraft(ctx, actor, id)
	}
	if err := requireOwner(actor, c); err != nil {
		return nil, err
	}
	return nil, invalidState(c, models.TransitionDiscard)
}

// ForkDraft starts a new draft from a rejected change
func (s *ProposalService) ForkDraft(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.ChangeRecord, error) {
	if err := requireProposer(actor); err != nil {
		return nil, err
	}

	source, err := s.loadChange(ctx, s.store, actor, id, false)
	if err != nil {
		return nil, err
	}
	if source.ProposerID != actor.ID && !actor.CanReview() {
		return nil, forbidden("change %s belongs to another proposer", source.ID)
	}
	if err := source.Check(models.TransitionFork); err != nil {
		return nil, invalidState(source, models.TransitionFork)
	}

	in := CreateChangeInput{
		Type:     source.Type,
		TargetID: source.TargetID,
		Payload:  source.ProposedPayload,
		IsDraft:  true,
	}
	c, err := s.create(ctx, actor, uuid.New(), in)
	if err != nil {
		return nil, err
	}

	s.log.WithContext(ctx).Info("forked rejected change", "source_change_id", source.ID, "change_id", c.ID)
	return c, nil
}

// Get returns a change visible to the actor
func (s *ProposalService) Get(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.ChangeRecord, error) {
	if actor.Role == models.RoleCustomer {
		return nil, forbidden("customers may not view change records")
	}

	c, err := s.loadChange(ctx, s.store, actor, id, false)
	if err != nil {
		return nil, err
	}
	if !actor.CanReview() && c.ProposerID != actor.ID {
		return nil, notFound("change", id)
	}
	return c, nil
}

// List returns changes visible to the actor, newest first. Reviewers see
// every submitted change, proposers only their own.
func (s *ProposalService) List(ctx context.Context, actor models.Actor, in ListChangesInput) (*models.Page[*models.ChangeRecord], error) {
	if actor.Role == models.RoleCustomer {
		return nil, forbidden("customers may not view change records")
	}

	cursor, err := decodeCursor(in.Cursor)
	if err != nil {
		return nil, err
	}
	limit := s.pageLimit(in.Limit)

	filter := repository.ChangeFilter{
		Type:          in.Type,
		Status:        in.Status,
		TargetID:      in.TargetID,
		DraftsOwnedBy: actor.ID,
		Cursor:        cursor,
		Limit:         limit + 1,
	}
	if !actor.CanReview() {
		filter.ProposerID = actor.ID
	}

	rows, err := s.store.ListChanges(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}

	return paginate(rows, limit, func(c *models.ChangeRecord) models.Cursor {
		return models.Cursor{CreatedAt: c.CreatedAt, ID: c.ID}
	}), nil
}
