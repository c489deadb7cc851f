package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/estatehub/portal/cmd/api/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newChange(t models.ResourceType, target *uuid.UUID, status models.ChangeStatus, created time.Time) *models.ChangeRecord {
	return &models.ChangeRecord{
		ID:              uuid.New(),
		Type:            t,
		TargetID:        target,
		ProposerID:      "alice",
		ProposedPayload: json.RawMessage(`{}`),
		Status:          status,
		IsDraft:         status == models.StatusDraft,
		CreatedAt:       created,
		UpdatedAt:       created,
	}
}

func TestMemoryStore_OneActiveChangePerTarget(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	target := uuid.New()
	now := time.Now().UTC()

	first := newChange(models.ResourceBanner, &target, models.StatusPending, now)
	require.NoError(t, s.CreateChange(ctx, first))

	// drafts never collide
	draft := newChange(models.ResourceBanner, &target, models.StatusDraft, now)
	require.NoError(t, s.CreateChange(ctx, draft))

	// promoting the draft would create a second active change
	draft.Status = models.StatusPending
	draft.IsDraft = false
	err := s.UpdateChange(ctx, draft)
	assert.ErrorIs(t, err, ErrActiveChangeExists)

	// same target on the other type is independent
	other := newChange(models.ResourceProperty, &target, models.StatusPending, now)
	require.NoError(t, s.CreateChange(ctx, other))

	// new-resource proposals never collide
	require.NoError(t, s.CreateChange(ctx, newChange(models.ResourceBanner, nil, models.StatusPending, now)))
	require.NoError(t, s.CreateChange(ctx, newChange(models.ResourceBanner, nil, models.StatusPending, now)))

	active, err := s.FindActiveChange(ctx, models.ResourceBanner, target)
	require.NoError(t, err)
	assert.Equal(t, first.ID, active.ID)

	stored, err := s.GetChange(ctx, draft.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDraft, stored.Status, "failed update must not be applied")
}

func TestMemoryStore_WithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	emp := &models.Employee{ID: uuid.New(), Name: "Bob", Email: "bob@example.com", CreatedAt: time.Now()}

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(q Queries) error {
		require.NoError(t, q.CreateEmployee(ctx, emp))
		_, err := q.GetEmployee(ctx, emp.ID)
		require.NoError(t, err, "writes are visible inside the transaction")
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetEmployee(ctx, emp.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	c := newChange(models.ResourceBanner, nil, models.StatusDraft, time.Now())
	require.NoError(t, s.CreateChange(ctx, c))

	c.Status = models.StatusApproved
	got, err := s.GetChange(ctx, c.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDraft, got.Status)

	got.ProposedPayload[0] = '['
	again, err := s.GetChange(ctx, c.ID, false)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(again.ProposedPayload))
}

func TestMemoryStore_ListChangesPagination(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		c := newChange(models.ResourceProperty, nil, models.StatusPending, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, s.CreateChange(ctx, c))
		ids = append(ids, c.ID)
	}
	hidden := newChange(models.ResourceProperty, nil, models.StatusDraft, base.Add(time.Hour))
	hidden.ProposerID = "mallory"
	require.NoError(t, s.CreateChange(ctx, hidden))

	page, err := s.ListChanges(ctx, ChangeFilter{DraftsOwnedBy: "alice", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[4], page[0].ID)
	assert.Equal(t, ids[3], page[1].ID)

	cursor := &models.Cursor{CreatedAt: page[1].CreatedAt, ID: page[1].ID}
	page, err = s.ListChanges(ctx, ChangeFilter{DraftsOwnedBy: "alice", Cursor: cursor, Limit: 10})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, ids[2], page[0].ID)
	assert.Equal(t, ids[0], page[2].ID)

	page, err = s.ListChanges(ctx, ChangeFilter{DraftsOwnedBy: "mallory", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, hidden.ID, page[0].ID)
}

func TestMemoryStore_EmployeeAssignments(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	from := &models.Employee{ID: uuid.New(), Name: "A", Email: "a@example.com", CreatedAt: now}
	to := &models.Employee{ID: uuid.New(), Name: "B", Email: "b@example.com", CreatedAt: now}
	require.NoError(t, s.CreateEmployee(ctx, from))
	require.NoError(t, s.CreateEmployee(ctx, to))
	assert.ErrorIs(t, s.CreateEmployee(ctx, &models.Employee{ID: uuid.New(), Email: "a@example.com"}), ErrDuplicate)

	agent := &models.Agent{ID: uuid.New(), Name: "Ag", Email: "ag@example.com", EmployeeID: &from.ID, CreatedAt: now}
	require.NoError(t, s.CreateAgent(ctx, agent))

	prop := &models.Resource{
		ID:        uuid.New(),
		Type:      models.ResourceProperty,
		Fields:    json.RawMessage(`{"title":"Loft","employee_id":"` + from.ID.String() + `","agent_id":"` + agent.ID.String() + `"}`),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateResource(ctx, prop))

	missing := &models.Resource{ID: uuid.New(), Type: models.ResourceProperty, Fields: json.RawMessage(`{"agent_id":"` + uuid.NewString() + `"}`)}
	assert.ErrorIs(t, s.CreateResource(ctx, missing), ErrMissingReference)

	count, err := s.CountEmployeeAssignments(ctx, from.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentCount{Properties: 1, Agents: 1}, count)

	assert.ErrorIs(t, s.DeleteEmployee(ctx, from.ID), ErrReferenced)
	assert.ErrorIs(t, s.DeleteAgent(ctx, agent.ID), ErrReferenced)

	at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	moved, err := s.ReassignEmployee(ctx, from.ID, to.ID, at)
	require.NoError(t, err)
	assert.Equal(t, count, moved.Count())
	assert.Equal(t, []uuid.UUID{prop.ID}, moved.PropertyIDs)

	got, err := s.GetResource(ctx, models.ResourceProperty, prop.ID, NoLock)
	require.NoError(t, err)
	assert.Equal(t, to.ID, *models.ReferencesOf(got.Fields).EmployeeID)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, at, got.UpdatedAt, "reassignment stamps the caller's clock")

	require.NoError(t, s.DeleteEmployee(ctx, from.ID))
}
