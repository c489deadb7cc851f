package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/estatehub/portal/cmd/api/models"
	"github.com/estatehub/portal/cmd/api/repository"
	"github.com/google/uuid"
)

// DeletedTargetReason is stored on changes closed by a resource deletion
const DeletedTargetReason = "target resource deleted"

// ResourceService serves canonical resources and the admin bypass path
type ResourceService struct {
	base
}

// NewResourceService creates a new resource service
func NewResourceService(d Deps) *ResourceService {
	return &ResourceService{base: newBase(d)}
}

// Get returns a resource, reading through the cache
func (s *ResourceService) Get(ctx context.Context, t models.ResourceType, id uuid.UUID) (*models.Resource, error) {
	if r, ok := s.resources.get(ctx, t, id); ok {
		return r, nil
	}

	r, err := s.store.GetResource(ctx, t, id, repository.NoLock)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound(string(t), id)
		}
		return nil, err
	}

	s.resources.put(ctx, r)
	return r, nil
}

// List returns resources of one type, newest first
func (s *ResourceService) List(ctx context.Context, t models.ResourceType, cursorToken string, limit int) (*models.Page[*models.Resource], error) {
	cursor, err := decodeCursor(cursorToken)
	if err != nil {
		return nil, err
	}
	limit = s.pageLimit(limit)

	rows, err := s.store.ListResources(ctx, repository.ResourceFilter{Type: t, Cursor: cursor, Limit: limit + 1})
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}

	return paginate(rows, limit, func(r *models.Resource) models.Cursor {
		return models.Cursor{CreatedAt: r.CreatedAt, ID: r.ID}
	}), nil
}

// Create writes a resource directly, skipping the proposal workflow
func (s *ResourceService) Create(ctx context.Context, actor models.Actor, t models.ResourceType, fields json.RawMessage) (*models.Resource, error) {
	if err := requireReviewer(actor); err != nil {
		return nil, err
	}

	fields = normalizePayload(fields)
	if err := s.validateShape(t, fields); err != nil {
		return nil, err
	}
	doc, err := MergePayload(nil, fields)
	if err != nil {
		return nil, err
	}

	now := s.now()
	r := &models.Resource{ID: uuid.New(), Type: t, Fields: doc, Version: 1, CreatedAt: now, UpdatedAt: now}
	err = s.store.WithTx(ctx, func(q repository.Queries) error {
		if err := s.validateDocument(ctx, q, t, doc); err != nil {
			return err
		}
		return q.CreateResource(ctx, r)
	})
	if err != nil {
		return nil, err
	}

	s.log.WithContext(ctx).Info("resource created", "type", t, "id", r.ID, "actor_id", actor.ID)
	return r, nil
}

// Update merges fields into a resource directly, skipping the proposal workflow
func (s *ResourceService) Update(ctx context.Context, actor models.Actor, t models.ResourceType, id uuid.UUID, patch json.RawMessage) (*models.Resource, error) {
	if err := requireReviewer(actor); err != nil {
		return nil, err
	}

	patch = normalizePayload(patch)
	if err := s.validateShape(t, patch); err != nil {
		return nil, err
	}

	var r *models.Resource
	err := s.store.WithTx(ctx, func(q repository.Queries) error {
		var err error
		r, err = q.GetResource(ctx, t, id, repository.UpdateLock)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return notFound(string(t), id)
			}
			return err
		}

		doc, err := MergePayload(r.Fields, patch)
		if err != nil {
			return err
		}
		if err := s.validateDocument(ctx, q, t, doc); err != nil {
			return err
		}

		r.Fields = doc
		r.Version++
		r.UpdatedAt = s.now()
		return q.UpdateResource(ctx, r)
	})
	if err != nil {
		return nil, err
	}

	s.resources.invalidate(ctx, t, id)
	s.log.WithContext(ctx).Info("resource updated", "type", t, "id", id, "version", r.Version, "actor_id", actor.ID)
	return r, nil
}

// Delete removes a resource and, in the same transaction, rejects every
// draft, pending and needs_revision change that targets it
func (s *ResourceService) Delete(ctx context.Context, actor models.Actor, t models.ResourceType, id uuid.UUID) ([]*models.ChangeRecord, error) {
	if err := requireReviewer(actor); err != nil {
		return nil, err
	}

	var closed []*models.ChangeRecord
	var previous []models.ChangeStatus
	err := s.store.WithTx(ctx, func(q repository.Queries) error {
		if _, err := q.GetResource(ctx, t, id, repository.UpdateLock); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return notFound(string(t), id)
			}
			return err
		}

		open, err := q.ListOpenChangesForTarget(ctx, t, id)
		if err != nil {
			return err
		}

		now := s.now()
		for _, c := range open {
			from := c.Status
			if err := c.Close(DeletedTargetReason, actor.ID, now); err != nil {
				return err
			}
			if err := q.UpdateChange(ctx, c); err != nil {
				return err
			}
			closed = append(closed, c)
			previous = append(previous, from)
		}

		return q.DeleteResource(ctx, t, id)
	})
	if err != nil {
		return nil, err
	}

	s.resources.invalidate(ctx, t, id)
	for i, c := range closed {
		s.logTransition(ctx, "rejected", c, previous[i], actor)
	}
	s.log.WithContext(ctx).Info("resource deleted", "type", t, "id", id, "closed_changes", len(closed), "actor_id", actor.ID)
	return closed, nil
}
