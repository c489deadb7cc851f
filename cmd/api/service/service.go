package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/estatehub/portal/cmd/api/models"
	"github.com/estatehub/portal/cmd/api/repository"
	"github.com/estatehub/portal/common/cache"
	"github.com/estatehub/portal/common/config"
	"github.com/estatehub/portal/common/logger"
	"github.com/estatehub/portal/common/metrics"
	"github.com/estatehub/portal/common/validation"
	"github.com/google/uuid"
)

// Deps are the collaborators shared by every service
type Deps struct {
	Store      repository.Store
	Validator  *validation.PayloadValidator
	Events     *EventPublisher
	Cache      cache.Cache // optional
	CacheTTL   time.Duration
	Pagination config.PaginationConfig
	Logger     *logger.Logger

	// Now defaults to UTC wall clock at database precision
	Now func() time.Time
}

type base struct {
	store      repository.Store
	validator  *validation.PayloadValidator
	events     *EventPublisher
	resources  *resourceCache
	pagination config.PaginationConfig
	log        *logger.Logger
	now        func() time.Time
}

func newBase(d Deps) base {
	now := d.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }
	}
	log := d.Logger
	if log == nil {
		log = logger.Nop()
	}
	pagination := d.Pagination
	if pagination.DefaultLimit <= 0 {
		pagination.DefaultLimit = 20
	}
	if pagination.MaxLimit < pagination.DefaultLimit {
		pagination.MaxLimit = pagination.DefaultLimit
	}

	b := base{
		store:      d.Store,
		validator:  d.Validator,
		events:     d.Events,
		pagination: pagination,
		log:        log,
		now:        now,
	}
	if d.Cache != nil {
		b.resources = &resourceCache{cache: d.Cache, ttl: d.CacheTTL, log: log}
	}
	return b
}

// pageLimit clamps a requested page size
func (b *base) pageLimit(requested int) int {
	switch {
	case requested <= 0:
		return b.pagination.DefaultLimit
	case requested > b.pagination.MaxLimit:
		return b.pagination.MaxLimit
	}
	return requested
}

func decodeCursor(token string) (*models.Cursor, error) {
	if token == "" {
		return nil, nil
	}
	c, err := models.DecodeCursor(token)
	if err != nil {
		return nil, fieldError("cursor", "is invalid")
	}
	return c, nil
}

// paginate trims a limit+1 result to limit rows and derives the next cursor
func paginate[T any](rows []T, limit int, key func(T) models.Cursor) *models.Page[T] {
	page := &models.Page[T]{Items: rows}
	if len(rows) > limit {
		page.Items = rows[:limit]
		page.NextCursor = key(rows[limit-1]).Encode()
	}
	if page.Items == nil {
		page.Items = []T{}
	}
	return page
}

// validateShape checks a partial payload of a known resource type
func (b *base) validateShape(t models.ResourceType, payload json.RawMessage) error {
	if err := b.validator.ValidateShape(string(t), payload); err != nil {
		metrics.Get().ValidationFailed(string(t), "shape")
		return asValidationError(err)
	}
	return nil
}

// validateDocument checks a merged document and the actors it references
func (b *base) validateDocument(ctx context.Context, q repository.Queries, t models.ResourceType, doc json.RawMessage) error {
	if err := b.validator.ValidateComplete(string(t), doc); err != nil {
		metrics.Get().ValidationFailed(string(t), "complete")
		return asValidationError(err)
	}

	refs := models.ReferencesOf(doc)
	var fields validation.Errors
	if refs.EmployeeID != nil {
		if _, err := q.GetEmployee(ctx, *refs.EmployeeID); err != nil {
			if !errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("failed to check employee reference: %w", err)
			}
			fields = append(fields, validation.FieldError{Field: "employee_id", Message: "references an unknown employee"})
		}
	}
	if refs.AgentID != nil {
		if _, err := q.GetAgent(ctx, *refs.AgentID); err != nil {
			if !errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("failed to check agent reference: %w", err)
			}
			fields = append(fields, validation.FieldError{Field: "agent_id", Message: "references an unknown agent"})
		}
	}
	if len(fields) > 0 {
		metrics.Get().ValidationFailed(string(t), "references")
		return &ValidationError{Fields: fields}
	}
	return nil
}

// mergedDocument is the resource a change would produce if approved now.
// The target row stays locked so a concurrent delete cannot strand the change.
func (b *base) mergedDocument(ctx context.Context, q repository.Queries, c *models.ChangeRecord, lock repository.Lock) (json.RawMessage, *models.Resource, error) {
	if c.TargetID == nil {
		doc, err := MergePayload(nil, c.ProposedPayload)
		return doc, nil, err
	}

	r, err := q.GetResource(ctx, c.Type, *c.TargetID, lock)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, notFound(string(c.Type), *c.TargetID)
		}
		return nil, nil, err
	}

	doc, err := MergePayload(r.Fields, c.ProposedPayload)
	return doc, r, err
}

// loadChange fetches a change, hiding other actors' drafts
func (b *base) loadChange(ctx context.Context, q repository.Queries, actor models.Actor, id uuid.UUID, lock bool) (*models.ChangeRecord, error) {
	c, err := q.GetChange(ctx, id, lock)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("change", id)
		}
		return nil, err
	}
	if c.Status == models.StatusDraft && c.ProposerID != actor.ID {
		return nil, notFound("change", id)
	}
	return c, nil
}

// conflict builds a ConflictError, looking up the blocking change outside the failed transaction
func (b *base) conflict(ctx context.Context, t models.ResourceType, targetID uuid.UUID) error {
	metrics.Get().ChangeConflict(string(t))
	ce := &ConflictError{Type: t, TargetID: targetID}
	if existing, err := b.store.FindActiveChange(ctx, t, targetID); err == nil {
		id := existing.ID
		ce.ExistingChangeID = &id
	}
	return ce
}

// logTransition records a committed change record operation
func (b *base) logTransition(ctx context.Context, op string, c *models.ChangeRecord, from models.ChangeStatus, actor models.Actor) {
	target := ""
	if c.TargetID != nil {
		target = c.TargetID.String()
	}
	b.log.WithContext(ctx).WithChangeID(c.ID.String()).WithActor(actor.ID, string(actor.Role)).Info("change "+op,
		"resource_type", c.Type,
		"target_id", target,
		"from", from,
		"to", c.Status,
	)
	metrics.Get().ChangeTransition(string(c.Type), op, string(c.Status))
	b.events.Publish(ctx, newChangeEvent(op, c, from, actor.ID, b.now()))
}
