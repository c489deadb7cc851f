package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/estatehub/portal/cmd/api/models"
	"github.com/estatehub/portal/cmd/api/repository"
	"github.com/estatehub/portal/common/cache"
	"github.com/estatehub/portal/common/config"
	"github.com/estatehub/portal/common/logger"
	"github.com/estatehub/portal/common/validation"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	admin    = models.Actor{ID: "admin-1", Role: models.RoleAdmin}
	alice    = models.Actor{ID: "alice", Role: models.RoleEmployee}
	bob      = models.Actor{ID: "bob", Role: models.RoleAgent}
	customer = models.Actor{ID: "carol", Role: models.RoleCustomer}
)

const validBanner = `{"image_url":"https://cdn.example.com/summer.png","title":"Summer Sale","subtitle":"Up to 30% off"}`

type testEnv struct {
	store     repository.Store
	cache     *cache.MemoryCache
	proposals *ProposalService
	reviews   *ReviewService
	resources *ResourceService
	employees *EmployeeService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, repository.NewMemoryStore())
}

func newTestEnvWithStore(t *testing.T, store repository.Store) *testEnv {
	t.Helper()

	v, err := validation.NewPayloadValidator(models.Schemas())
	require.NoError(t, err)

	log := logger.Nop()
	c := cache.NewMemoryCache(log)
	t.Cleanup(func() { c.Close() })

	// strictly increasing timestamps keep listing order deterministic
	var mu sync.Mutex
	clock := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}

	d := Deps{
		Store:      store,
		Validator:  v,
		Cache:      c,
		CacheTTL:   time.Minute,
		Pagination: config.PaginationConfig{DefaultLimit: 20, MaxLimit: 100},
		Logger:     log,
		Now:        now,
	}
	return &testEnv{
		store:     store,
		cache:     c,
		proposals: NewProposalService(d, NewIdempotencyGuard(c, time.Hour)),
		reviews:   NewReviewService(d),
		resources: NewResourceService(d),
		employees: NewEmployeeService(d),
	}
}

// seedBanner creates an approved banner through the admin bypass path
func (e *testEnv) seedBanner(t *testing.T) *models.Resource {
	t.Helper()
	r, err := e.resources.Create(context.Background(), admin, models.ResourceBanner, json.RawMessage(validBanner))
	require.NoError(t, err)
	return r
}

func fieldsOf(t *testing.T, raw json.RawMessage) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestScenario_SecondSubmitOnSameBannerConflicts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	banner := env.seedBanner(t)

	first, err := env.proposals.CreateDraft(ctx, alice, models.ResourceBanner, &banner.ID, json.RawMessage(`{"title":"Summer Sale"}`))
	require.NoError(t, err)
	assert.Equal(t, models.StatusDraft, first.Status)
	assert.True(t, first.IsDraft)

	// drafts do not block each other
	second, err := env.proposals.CreateDraft(ctx, bob, models.ResourceBanner, &banner.ID, json.RawMessage(`{"title":"Winter Sale"}`))
	require.NoError(t, err)

	submitted, err := env.proposals.SubmitDraft(ctx, alice, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, submitted.Status)
	assert.False(t, submitted.IsDraft)

	_, err = env.proposals.SubmitDraft(ctx, bob, second.ID)
	require.ErrorIs(t, err, ErrConflict)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.NotNil(t, conflict.ExistingChangeID)
	assert.Equal(t, first.ID, *conflict.ExistingChangeID)

	unchanged, err := env.proposals.Get(ctx, bob, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDraft, unchanged.Status)
	assert.JSONEq(t, `{"title":"Winter Sale"}`, string(unchanged.ProposedPayload))
}

func TestScenario_RevisionLoop(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	banner := env.seedBanner(t)

	c, err := env.proposals.CreateAndSubmit(ctx, alice, models.ResourceBanner, &banner.ID, json.RawMessage(`{"image_url":"https://cdn.example.com/blurry.png"}`))
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, c.Status)

	// pending changes are not editable
	_, err = env.proposals.UpdateDraft(ctx, alice, c.ID, json.RawMessage(`{"title":"x"}`))
	assert.ErrorIs(t, err, ErrInvalidState)

	c, err = env.reviews.RequestRevision(ctx, admin, c.ID, "fix image")
	require.NoError(t, err)
	assert.Equal(t, models.StatusNeedsRevision, c.Status)
	require.NotNil(t, c.Reason)
	assert.Equal(t, "fix image", *c.Reason)

	// a needs_revision change still blocks other submissions
	other, err := env.proposals.CreateDraft(ctx, bob, models.ResourceBanner, &banner.ID, json.RawMessage(`{"title":"Other"}`))
	require.NoError(t, err)
	_, err = env.proposals.SubmitDraft(ctx, bob, other.ID)
	assert.ErrorIs(t, err, ErrConflict)

	c, err = env.proposals.UpdateDraft(ctx, alice, c.ID, json.RawMessage(`{"image_url":"https://cdn.example.com/sharp.png"}`))
	require.NoError(t, err)
	assert.Equal(t, models.StatusNeedsRevision, c.Status)

	c, err = env.proposals.SubmitDraft(ctx, alice, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, c.Status)

	_, r, err := env.reviews.Approve(ctx, admin, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/sharp.png", fieldsOf(t, r.Fields)["image_url"])
	assert.Equal(t, "Summer Sale", fieldsOf(t, r.Fields)["title"], "absent fields keep the existing value")
	assert.Equal(t, int64(2), r.Version)
}

func TestScenario_ApproveNewResource(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	c, err := env.proposals.CreateAndSubmit(ctx, alice, models.ResourceBanner, nil, json.RawMessage(validBanner))
	require.NoError(t, err)
	assert.Nil(t, c.TargetID)

	approved, r, err := env.reviews.Approve(ctx, admin, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, approved.Status)
	require.NotNil(t, approved.TargetID)
	assert.Equal(t, r.ID, *approved.TargetID)
	require.NotNil(t, approved.ReviewedAt)
	assert.Equal(t, admin.ID, *approved.ReviewedBy)

	got, err := env.resources.Get(ctx, models.ResourceBanner, *approved.TargetID)
	require.NoError(t, err)
	assert.JSONEq(t, validBanner, string(got.Fields))

	// approval is not replayable
	_, _, err = env.reviews.Approve(ctx, admin, c.ID)
	var invalid *InvalidStateError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, models.StatusApproved, invalid.Status)
}

func TestScenario_ReassignAndDelete(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	from, err := env.employees.CreateEmployee(ctx, admin, CreateEmployeeInput{Name: "Erin", Email: "erin@example.com"})
	require.NoError(t, err)
	to, err := env.employees.CreateEmployee(ctx, admin, CreateEmployeeInput{Name: "Frank", Email: "frank@example.com"})
	require.NoError(t, err)

	agent, err := env.employees.CreateAgent(ctx, admin, CreateAgentInput{Name: "Gina", Email: "gina@example.com", EmployeeID: &from.ID})
	require.NoError(t, err)

	var props []*models.Resource
	for _, title := range []string{"Loft", "Cottage"} {
		r, err := env.resources.Create(ctx, admin, models.ResourceProperty, json.RawMessage(`{
			"title":"`+title+`","listing_type":"sale","price":250000,"address":"1 Main St","city":"Springfield",
			"employee_id":"`+from.ID.String()+`"}`))
		require.NoError(t, err)
		props = append(props, r)
	}

	// warm the cache so reassignment has to invalidate it
	_, err = env.resources.Get(ctx, models.ResourceProperty, props[0].ID)
	require.NoError(t, err)

	err = env.employees.DeleteEmployee(ctx, admin, from.ID)
	var blocked *AssignmentsError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, models.AssignmentCount{Properties: 2, Agents: 1}, blocked.Count)

	moved, err := env.employees.ReassignAndDelete(ctx, admin, from.ID, to.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentCount{Properties: 2, Agents: 1}, moved.Count())

	for _, p := range props {
		got, err := env.resources.Get(ctx, models.ResourceProperty, p.ID)
		require.NoError(t, err)
		assert.Equal(t, to.ID.String(), fieldsOf(t, got.Fields)["employee_id"])
	}
	gotAgent, err := env.employees.GetAgent(ctx, admin, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, to.ID, *gotAgent.EmployeeID)

	_, err = env.employees.GetEmployee(ctx, admin, from.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	count, err := env.store.CountEmployeeAssignments(ctx, to.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, count.Total())
}

func TestReassignAndDelete_Validation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	e, err := env.employees.CreateEmployee(ctx, admin, CreateEmployeeInput{Name: "Erin", Email: "erin@example.com"})
	require.NoError(t, err)

	_, err = env.employees.ReassignAndDelete(ctx, admin, e.ID, e.ID)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.employees.ReassignAndDelete(ctx, admin, e.ID, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = env.employees.ReassignAndDelete(ctx, alice, e.ID, uuid.New())
	assert.ErrorIs(t, err, ErrForbidden)

	// the failed attempt left the employee in place
	_, err = env.employees.GetEmployee(ctx, admin, e.ID)
	assert.NoError(t, err)
}

func TestSubmitDraft_InvalidStateLeavesRecordUnchanged(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	pending, err := env.proposals.CreateAndSubmit(ctx, alice, models.ResourceBanner, nil, json.RawMessage(validBanner))
	require.NoError(t, err)

	rejected, err := env.proposals.CreateAndSubmit(ctx, alice, models.ResourceBanner, nil, json.RawMessage(validBanner))
	require.NoError(t, err)
	_, err = env.reviews.Reject(ctx, admin, rejected.ID, "duplicate")
	require.NoError(t, err)

	approved, err := env.proposals.CreateAndSubmit(ctx, alice, models.ResourceBanner, nil, json.RawMessage(validBanner))
	require.NoError(t, err)
	_, _, err = env.reviews.Approve(ctx, admin, approved.ID)
	require.NoError(t, err)

	for _, id := range []uuid.UUID{pending.ID, rejected.ID, approved.ID} {
		before, err := env.store.GetChange(ctx, id, false)
		require.NoError(t, err)

		_, err = env.proposals.SubmitDraft(ctx, alice, id)
		require.ErrorIs(t, err, ErrInvalidState)

		after, err := env.store.GetChange(ctx, id, false)
		require.NoError(t, err)
		assert.Equal(t, before.Status, after.Status)
		assert.JSONEq(t, string(before.ProposedPayload), string(after.ProposedPayload))
	}
}

func TestSubmitDraft_ValidationFailureKeepsDraft(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	c, err := env.proposals.CreateDraft(ctx, alice, models.ResourceBanner, nil, json.RawMessage(`{"title":"Summer Sale"}`))
	require.NoError(t, err)

	_, err = env.proposals.SubmitDraft(ctx, alice, c.ID)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, validation.Errors{
		{Field: "image_url", Message: "is required"},
		{Field: "subtitle", Message: "is required"},
	}, verr.Fields)

	got, err := env.proposals.Get(ctx, alice, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDraft, got.Status)
}

func TestCreate_ShapeAndReferenceValidation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.proposals.CreateDraft(ctx, alice, models.ResourceBanner, nil, json.RawMessage(`{"colour":"red"}`))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.proposals.CreateDraft(ctx, alice, models.ResourceBanner, nil, json.RawMessage(`{"id":"x"}`))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.proposals.CreateDraft(ctx, alice, models.ResourceBanner, ptr(uuid.New()), json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = env.proposals.CreateAndSubmit(ctx, alice, models.ResourceProperty, nil, json.RawMessage(`{
		"title":"Loft","listing_type":"rent","price":1200,"address":"1 Main St","city":"Springfield",
		"agent_id":"`+uuid.NewString()+`"}`))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "agent_id", verr.Fields[0].Field)

	_, err = env.proposals.CreateDraft(ctx, customer, models.ResourceBanner, nil, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrForbidden)
}

func ptr[T any](v T) *T { return &v }

func TestWithdrawAndDiscard(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	banner := env.seedBanner(t)

	c, err := env.proposals.CreateAndSubmit(ctx, alice, models.ResourceBanner, &banner.ID, json.RawMessage(`{"title":"A"}`))
	require.NoError(t, err)

	// only the proposer may withdraw
	_, err = env.proposals.Withdraw(ctx, bob, c.ID, true)
	assert.ErrorIs(t, err, ErrForbidden)

	draft, err := env.proposals.Delete(ctx, alice, c.ID, true)
	require.NoError(t, err)
	require.NotNil(t, draft)
	assert.Equal(t, models.StatusDraft, draft.Status)
	assert.Nil(t, draft.SubmittedAt)

	// back in draft it no longer blocks others
	other, err := env.proposals.CreateAndSubmit(ctx, bob, models.ResourceBanner, &banner.ID, json.RawMessage(`{"title":"B"}`))
	require.NoError(t, err)

	// drafts are invisible to other actors
	_, err = env.proposals.Get(ctx, bob, c.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = env.proposals.Delete(ctx, alice, c.ID, false)
	require.NoError(t, err)
	_, err = env.store.GetChange(ctx, c.ID, false)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	// withdrawing without moveToDraft deletes the pending change
	gone, err := env.proposals.Delete(ctx, bob, other.ID, false)
	require.NoError(t, err)
	assert.Nil(t, gone)
	_, err = env.store.GetChange(ctx, other.ID, false)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestDelete_TerminalChangeIsInvalidState(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	c, err := env.proposals.CreateAndSubmit(ctx, alice, models.ResourceBanner, nil, json.RawMessage(validBanner))
	require.NoError(t, err)
	_, err = env.reviews.Reject(ctx, admin, c.ID, "no")
	require.NoError(t, err)

	_, err = env.proposals.Delete(ctx, alice, c.ID, false)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestReview_RequiresAdminAndReason(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	c, err := env.proposals.CreateAndSubmit(ctx, alice, models.ResourceBanner, nil, json.RawMessage(validBanner))
	require.NoError(t, err)

	_, _, err = env.reviews.Approve(ctx, alice, c.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = env.reviews.Reject(ctx, admin, c.ID, "   ")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.reviews.RequestRevision(ctx, admin, c.ID, "")
	assert.ErrorIs(t, err, ErrValidation)

	_, _, err = env.reviews.Approve(ctx, admin, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	// drafts are invisible to reviewers
	draft, err := env.proposals.CreateDraft(ctx, alice, models.ResourceBanner, nil, json.RawMessage(validBanner))
	require.NoError(t, err)
	_, _, err = env.reviews.Approve(ctx, admin, draft.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	rejected, err := env.reviews.Reject(ctx, admin, c.ID, "off brand")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, rejected.Status)

	_, err = env.reviews.RequestRevision(ctx, admin, c.ID, "again")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestForkDraft(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	banner := env.seedBanner(t)

	c, err := env.proposals.CreateAndSubmit(ctx, alice, models.ResourceBanner, &banner.ID, json.RawMessage(`{"title":"Bad"}`))
	require.NoError(t, err)

	_, err = env.proposals.ForkDraft(ctx, alice, c.ID)
	assert.ErrorIs(t, err, ErrInvalidState, "only rejected changes fork")

	_, err = env.reviews.Reject(ctx, admin, c.ID, "off brand")
	require.NoError(t, err)

	fork, err := env.proposals.ForkDraft(ctx, alice, c.ID)
	require.NoError(t, err)
	assert.NotEqual(t, c.ID, fork.ID)
	assert.Equal(t, models.StatusDraft, fork.Status)
	assert.Equal(t, banner.ID, *fork.TargetID)
	assert.JSONEq(t, `{"title":"Bad"}`, string(fork.ProposedPayload))

	_, err = env.proposals.ForkDraft(ctx, bob, c.ID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestList_VisibilityAndPagination(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	var aliceIDs []uuid.UUID
	for i := 0; i < 3; i++ {
		c, err := env.proposals.CreateAndSubmit(ctx, alice, models.ResourceBanner, nil, json.RawMessage(validBanner))
		require.NoError(t, err)
		aliceIDs = append(aliceIDs, c.ID)
	}
	aliceDraft, err := env.proposals.CreateDraft(ctx, alice, models.ResourceBanner, nil, json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = env.proposals.CreateAndSubmit(ctx, bob, models.ResourceBanner, nil, json.RawMessage(validBanner))
	require.NoError(t, err)

	page, err := env.proposals.List(ctx, admin, ListChangesInput{})
	require.NoError(t, err)
	assert.Len(t, page.Items, 4, "admin sees every submitted change but no drafts")
	assert.Empty(t, page.NextCursor)

	page, err = env.proposals.List(ctx, alice, ListChangesInput{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, aliceDraft.ID, page.Items[0].ID)
	assert.Equal(t, aliceIDs[2], page.Items[1].ID)
	require.NotEmpty(t, page.NextCursor)

	page, err = env.proposals.List(ctx, alice, ListChangesInput{Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, aliceIDs[1], page.Items[0].ID)
	assert.Equal(t, aliceIDs[0], page.Items[1].ID)
	assert.Empty(t, page.NextCursor)

	status := models.StatusDraft
	page, err = env.proposals.List(ctx, alice, ListChangesInput{Status: &status})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)

	_, err = env.proposals.List(ctx, alice, ListChangesInput{Cursor: "garbage"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.proposals.List(ctx, customer, ListChangesInput{})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestIdempotentCreate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	in := CreateChangeInput{Type: models.ResourceBanner, Payload: json.RawMessage(validBanner), IdempotencyKey: "req-1"}
	first, err := env.proposals.Create(ctx, alice, in)
	require.NoError(t, err)

	replay, err := env.proposals.Create(ctx, alice, in)
	require.NoError(t, err)
	assert.Equal(t, first.ID, replay.ID)

	// keys are scoped per actor
	other, err := env.proposals.Create(ctx, bob, in)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	// a failed create releases its key
	bad := CreateChangeInput{Type: models.ResourceBanner, Payload: json.RawMessage(`{"nope":1}`), IdempotencyKey: "req-2"}
	_, err = env.proposals.Create(ctx, alice, bad)
	require.ErrorIs(t, err, ErrValidation)
	bad.Payload = json.RawMessage(validBanner)
	_, err = env.proposals.Create(ctx, alice, bad)
	assert.NoError(t, err)
}

func TestIdempotentCreate_ReplayAfterRecordIsGone(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	draft := CreateChangeInput{Type: models.ResourceBanner, Payload: json.RawMessage(validBanner), IsDraft: true, IdempotencyKey: "k1"}
	c, err := env.proposals.Create(ctx, alice, draft)
	require.NoError(t, err)
	require.NoError(t, env.proposals.DiscardDraft(ctx, alice, c.ID))

	_, err = env.proposals.Create(ctx, alice, draft)
	require.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrConflict)

	pending := CreateChangeInput{Type: models.ResourceBanner, Payload: json.RawMessage(validBanner), IdempotencyKey: "k2"}
	c, err = env.proposals.Create(ctx, alice, pending)
	require.NoError(t, err)
	_, err = env.proposals.Withdraw(ctx, alice, c.ID, false)
	require.NoError(t, err)

	_, err = env.proposals.Create(ctx, alice, pending)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestIdempotentCreate_InFlightKeyConflicts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	// another request holds the key but has not committed
	guard := NewIdempotencyGuard(env.cache, time.Hour)
	res, err := guard.Reserve(ctx, alice.ID, "k3", uuid.New())
	require.NoError(t, err)
	require.True(t, res.Reserved)

	_, err = env.proposals.Create(ctx, alice, CreateChangeInput{Type: models.ResourceBanner, Payload: json.RawMessage(validBanner), IdempotencyKey: "k3"})
	var dup *DuplicateRequestError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "k3", dup.Key)
}

func TestIdempotencyGuard_Complete(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	guard := NewIdempotencyGuard(env.cache, time.Hour)
	id := uuid.New()

	res, err := guard.Reserve(ctx, bob.ID, "k4", id)
	require.NoError(t, err)
	require.True(t, res.Reserved)

	res, err = guard.Reserve(ctx, bob.ID, "k4", uuid.New())
	require.NoError(t, err)
	assert.Equal(t, Reservation{ChangeID: id}, res)

	require.NoError(t, guard.Complete(ctx, bob.ID, "k4", id))
	res, err = guard.Reserve(ctx, bob.ID, "k4", uuid.New())
	require.NoError(t, err)
	assert.Equal(t, Reservation{ChangeID: id, Completed: true}, res)
}

func TestResourceDelete_RejectsOpenChanges(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	banner := env.seedBanner(t)

	pending, err := env.proposals.CreateAndSubmit(ctx, alice, models.ResourceBanner, &banner.ID, json.RawMessage(`{"title":"A"}`))
	require.NoError(t, err)
	draft, err := env.proposals.CreateDraft(ctx, bob, models.ResourceBanner, &banner.ID, json.RawMessage(`{"title":"B"}`))
	require.NoError(t, err)

	_, err = env.resources.Delete(ctx, alice, models.ResourceBanner, banner.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	closed, err := env.resources.Delete(ctx, admin, models.ResourceBanner, banner.ID)
	require.NoError(t, err)
	assert.Len(t, closed, 2)

	for _, id := range []uuid.UUID{pending.ID, draft.ID} {
		c, err := env.store.GetChange(ctx, id, false)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRejected, c.Status)
		assert.False(t, c.IsDraft)
		assert.Equal(t, DeletedTargetReason, *c.Reason)
	}

	_, err = env.resources.Get(ctx, models.ResourceBanner, banner.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResourceUpdate_MergesAndInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	banner := env.seedBanner(t)

	_, err := env.resources.Get(ctx, models.ResourceBanner, banner.ID)
	require.NoError(t, err)

	updated, err := env.resources.Update(ctx, admin, models.ResourceBanner, banner.ID, json.RawMessage(`{"title":"Autumn Sale","link_url":null}`))
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	got, err := env.resources.Get(ctx, models.ResourceBanner, banner.ID)
	require.NoError(t, err)
	assert.Equal(t, "Autumn Sale", fieldsOf(t, got.Fields)["title"])

	// required fields cannot be cleared
	_, err = env.resources.Update(ctx, admin, models.ResourceBanner, banner.ID, json.RawMessage(`{"title":null}`))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestMergePayload_Idempotent(t *testing.T) {
	baseDoc := json.RawMessage(`{"title":"Loft","price":100,"images":["a.png"],"description":"old"}`)
	payload := json.RawMessage(`{"price":120,"description":null,"images":["b.png","c.png"]}`)

	once, err := MergePayload(baseDoc, payload)
	require.NoError(t, err)
	twice, err := MergePayload(once, payload)
	require.NoError(t, err)

	assert.JSONEq(t, `{"title":"Loft","price":120,"images":["b.png","c.png"]}`, string(once))
	assert.JSONEq(t, string(once), string(twice))

	fresh, err := MergePayload(nil, json.RawMessage(`{"title":"New","gone":null}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"New"}`, string(fresh))
}

// Randomized concurrent submits against shared targets must never leave two
// active changes on one target, and exactly one submit per target wins.
func TestConcurrentSubmits_OneActivePerTarget(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	const targets = 4
	const proposersPerTarget = 8

	var banners []*models.Resource
	for i := 0; i < targets; i++ {
		banners = append(banners, env.seedBanner(t))
	}

	type attempt struct {
		target int
		change *models.ChangeRecord
		actor  models.Actor
	}
	var attempts []attempt
	for i, b := range banners {
		for p := 0; p < proposersPerTarget; p++ {
			actor := models.Actor{ID: uuid.NewString(), Role: models.RoleAgent}
			c, err := env.proposals.CreateDraft(ctx, actor, models.ResourceBanner, &b.ID, json.RawMessage(`{"title":"x"}`))
			require.NoError(t, err)
			attempts = append(attempts, attempt{target: i, change: c, actor: actor})
		}
	}

	successes := make([]int, targets)
	var mu sync.Mutex
	var wg sync.WaitGroup
	start := make(chan struct{})
	for _, a := range attempts {
		wg.Add(1)
		go func(a attempt) {
			defer wg.Done()
			<-start
			_, err := env.proposals.SubmitDraft(ctx, a.actor, a.change.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes[a.target]++
			case errors.Is(err, ErrConflict):
			default:
				t.Errorf("unexpected submit error: %v", err)
			}
		}(a)
	}
	close(start)
	wg.Wait()

	for i, b := range banners {
		assert.Equal(t, 1, successes[i], "target %d", i)

		target := b.ID
		status := models.StatusPending
		rows, err := env.store.ListChanges(ctx, repository.ChangeFilter{TargetID: &target, Status: &status, Limit: 100})
		require.NoError(t, err)
		assert.Len(t, rows, 1)
	}
}

// failingStore injects a failure into one write inside every transaction
type failingStore struct {
	repository.Store
	failOn string
}

type failingQueries struct {
	repository.Queries
	failOn string
}

var errInjected = errors.New("injected failure")

func (s *failingStore) WithTx(ctx context.Context, fn func(q repository.Queries) error) error {
	return s.Store.WithTx(ctx, func(q repository.Queries) error {
		return fn(&failingQueries{Queries: q, failOn: s.failOn})
	})
}

func (q *failingQueries) UpdateChange(ctx context.Context, c *models.ChangeRecord) error {
	if q.failOn == "UpdateChange" {
		return errInjected
	}
	return q.Queries.UpdateChange(ctx, c)
}

func (q *failingQueries) DeleteEmployee(ctx context.Context, id uuid.UUID) error {
	if q.failOn == "DeleteEmployee" {
		return errInjected
	}
	return q.Queries.DeleteEmployee(ctx, id)
}

// lockRecordingStore records the lock mode of every resource read made inside a transaction
type lockRecordingStore struct {
	repository.Store
	mu    sync.Mutex
	locks []repository.Lock
}

type lockRecordingQueries struct {
	repository.Queries
	store *lockRecordingStore
}

func (s *lockRecordingStore) WithTx(ctx context.Context, fn func(q repository.Queries) error) error {
	return s.Store.WithTx(ctx, func(q repository.Queries) error {
		return fn(&lockRecordingQueries{Queries: q, store: s})
	})
}

func (s *lockRecordingStore) take() []repository.Lock {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.locks
	s.locks = nil
	return out
}

func (q *lockRecordingQueries) GetResource(ctx context.Context, resourceType models.ResourceType, id uuid.UUID, lock repository.Lock) (*models.Resource, error) {
	q.store.mu.Lock()
	q.store.locks = append(q.store.locks, lock)
	q.store.mu.Unlock()
	return q.Queries.GetResource(ctx, resourceType, id, lock)
}

// Proposals share-lock their target so a resource delete, which locks it
// for update, either waits for them or makes them fail with NotFound.
func TestTargetReadsLockTheResourceRow(t *testing.T) {
	ctx := context.Background()
	rec := &lockRecordingStore{Store: repository.NewMemoryStore()}
	env := newTestEnvWithStore(t, rec)
	banner := env.seedBanner(t)
	rec.take()

	draft, err := env.proposals.CreateDraft(ctx, alice, models.ResourceBanner, &banner.ID, json.RawMessage(`{"title":"Spring Sale"}`))
	require.NoError(t, err)
	assert.Equal(t, []repository.Lock{repository.ShareLock}, rec.take(), "draft create")

	_, err = env.proposals.SubmitDraft(ctx, alice, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, []repository.Lock{repository.ShareLock}, rec.take(), "submit")

	_, _, err = env.reviews.Approve(ctx, admin, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, []repository.Lock{repository.UpdateLock}, rec.take(), "approve")

	pending, err := env.proposals.CreateAndSubmit(ctx, bob, models.ResourceBanner, &banner.ID, json.RawMessage(`{"title":"Autumn Sale"}`))
	require.NoError(t, err)
	assert.Equal(t, []repository.Lock{repository.ShareLock}, rec.take(), "create and submit")

	closed, err := env.resources.Delete(ctx, admin, models.ResourceBanner, banner.ID)
	require.NoError(t, err)
	assert.Equal(t, []repository.Lock{repository.UpdateLock}, rec.take(), "delete")
	require.Len(t, closed, 1)
	assert.Equal(t, pending.ID, closed[0].ID)

	// after the delete commits a proposal on the target fails instead of stranding a change
	_, err = env.proposals.CreateAndSubmit(ctx, bob, models.ResourceBanner, &banner.ID, json.RawMessage(`{"title":"Late Sale"}`))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestApprove_RollsBackWhenStatusWriteFails(t *testing.T) {
	ctx := context.Background()
	mem := repository.NewMemoryStore()
	env := newTestEnvWithStore(t, mem)

	c, err := env.proposals.CreateAndSubmit(ctx, alice, models.ResourceBanner, nil, json.RawMessage(validBanner))
	require.NoError(t, err)

	broken := newTestEnvWithStore(t, &failingStore{Store: mem, failOn: "UpdateChange"})
	_, _, err = broken.reviews.Approve(ctx, admin, c.ID)
	require.ErrorIs(t, err, errInjected)

	got, err := mem.GetChange(ctx, c.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Nil(t, got.TargetID)

	rows, err := mem.ListResources(ctx, repository.ResourceFilter{Type: models.ResourceBanner, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, rows, "resource write must roll back with the status flip")
}

func TestReassignAndDelete_RollsBackWhenDeleteFails(t *testing.T) {
	ctx := context.Background()
	mem := repository.NewMemoryStore()
	env := newTestEnvWithStore(t, mem)

	from, err := env.employees.CreateEmployee(ctx, admin, CreateEmployeeInput{Name: "Erin", Email: "erin@example.com"})
	require.NoError(t, err)
	to, err := env.employees.CreateEmployee(ctx, admin, CreateEmployeeInput{Name: "Frank", Email: "frank@example.com"})
	require.NoError(t, err)
	_, err = env.employees.CreateAgent(ctx, admin, CreateAgentInput{Name: "Gina", Email: "gina@example.com", EmployeeID: &from.ID})
	require.NoError(t, err)

	broken := newTestEnvWithStore(t, &failingStore{Store: mem, failOn: "DeleteEmployee"})
	_, err = broken.employees.ReassignAndDelete(ctx, admin, from.ID, to.ID)
	require.ErrorIs(t, err, errInjected)

	count, err := mem.CountEmployeeAssignments(ctx, from.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count.Agents, "assignments stay with the original employee")
	_, err = mem.GetEmployee(ctx, from.ID)
	assert.NoError(t, err)
}
