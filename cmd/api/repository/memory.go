package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/estatehub/portal/cmd/api/models"
	"github.com/google/uuid"
)

// MemoryStore keeps every table in process memory. Transactions are
// serialized behind one mutex and applied to a copy of the state that
// replaces the original only when the transaction succeeds.
type MemoryStore struct {
	mu    sync.Mutex
	state *memoryState
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: newMemoryState(),
	}
}

type memoryState struct {
	changes   map[uuid.UUID]*models.ChangeRecord
	resources map[uuid.UUID]*models.Resource
	employees map[uuid.UUID]*models.Employee
	agents    map[uuid.UUID]*models.Agent
}

func newMemoryState() *memoryState {
	return &memoryState{
		changes:   make(map[uuid.UUID]*models.ChangeRecord),
		resources: make(map[uuid.UUID]*models.Resource),
		employees: make(map[uuid.UUID]*models.Employee),
		agents:    make(map[uuid.UUID]*models.Agent),
	}
}

func (s *memoryState) clone() *memoryState {
	out := newMemoryState()
	for k, v := range s.changes {
		out.changes[k] = v.Clone()
	}
	for k, v := range s.resources {
		out.resources[k] = v.Clone()
	}
	for k, v := range s.employees {
		e := *v
		out.employees[k] = &e
	}
	for k, v := range s.agents {
		a := *v
		out.agents[k] = &a
	}
	return out
}

// WithTx runs fn against a private copy of the state
func (s *MemoryStore) WithTx(ctx context.Context, fn func(q Queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(&memoryQueries{state: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *MemoryStore) read() (*memoryQueries, func()) {
	s.mu.Lock()
	return &memoryQueries{state: s.state}, s.mu.Unlock
}

func (s *MemoryStore) write(ctx context.Context, fn func(q *memoryQueries) error) error {
	return s.WithTx(ctx, func(q Queries) error {
		return fn(q.(*memoryQueries))
	})
}

func (s *MemoryStore) CreateChange(ctx context.Context, c *models.ChangeRecord) error {
	return s.write(ctx, func(q *memoryQueries) error { return q.CreateChange(ctx, c) })
}

func (s *MemoryStore) GetChange(ctx context.Context, id uuid.UUID, forUpdate bool) (*models.ChangeRecord, error) {
	q, unlock := s.read()
	defer unlock()
	return q.GetChange(ctx, id, forUpdate)
}

func (s *MemoryStore) UpdateChange(ctx context.Context, c *models.ChangeRecord) error {
	return s.write(ctx, func(q *memoryQueries) error { return q.UpdateChange(ctx, c) })
}

func (s *MemoryStore) DeleteChange(ctx context.Context, id uuid.UUID) error {
	return s.write(ctx, func(q *memoryQueries) error { return q.DeleteChange(ctx, id) })
}

func (s *MemoryStore) FindActiveChange(ctx context.Context, resourceType models.ResourceType, targetID uuid.UUID) (*models.ChangeRecord, error) {
	q, unlock := s.read()
	defer unlock()
	return q.FindActiveChange(ctx, resourceType, targetID)
}

func (s *MemoryStore) ListChanges(ctx context.Context, f ChangeFilter) ([]*models.ChangeRecord, error) {
	q, unlock := s.read()
	defer unlock()
	return q.ListChanges(ctx, f)
}

func (s *MemoryStore) ListOpenChangesForTarget(ctx context.Context, resourceType models.ResourceType, targetID uuid.UUID) ([]*models.ChangeRecord, error) {
	q, unlock := s.read()
	defer unlock()
	return q.ListOpenChangesForTarget(ctx, resourceType, targetID)
}

func (s *MemoryStore) CreateResource(ctx context.Context, r *models.Resource) error {
	return s.write(ctx, func(q *memoryQueries) error { return q.CreateResource(ctx, r) })
}

func (s *MemoryStore) GetResource(ctx context.Context, resourceType models.ResourceType, id uuid.UUID, lock Lock) (*models.Resource, error) {
	q, unlock := s.read()
	defer unlock()
	return q.GetResource(ctx, resourceType, id, lock)
}

func (s *MemoryStore) UpdateResource(ctx context.Context, r *models.Resource) error {
	return s.write(ctx, func(q *memoryQueries) error { return q.UpdateResource(ctx, r) })
}

func (s *MemoryStore) DeleteResource(ctx context.Context, resourceType models.ResourceType, id uuid.UUID) error {
	return s.write(ctx, func(q *memoryQueries) error { return q.DeleteResource(ctx, resourceType, id) })
}

func (s *MemoryStore) ListResources(ctx context.Context, f ResourceFilter) ([]*models.Resource, error) {
	q, unlock := s.read()
	defer unlock()
	return q.ListResources(ctx, f)
}

func (s *MemoryStore) CreateEmployee(ctx context.Context, e *models.Employee) error {
	return s.write(ctx, func(q *memoryQueries) error { return q.CreateEmployee(ctx, e) })
}

func (s *MemoryStore) GetEmployee(ctx context.Context, id uuid.UUID) (*models.Employee, error) {
	q, unlock := s.read()
	defer unlock()
	return q.GetEmployee(ctx, id)
}

func (s *MemoryStore) ListEmployees(ctx context.Context, cursor *models.Cursor, limit int) ([]*models.Employee, error) {
	q, unlock := s.read()
	defer unlock()
	return q.ListEmployees(ctx, cursor, limit)
}

func (s *MemoryStore) DeleteEmployee(ctx context.Context, id uuid.UUID) error {
	return s.write(ctx, func(q *memoryQueries) error { return q.DeleteEmployee(ctx, id) })
}

func (s *MemoryStore) CountEmployeeAssignments(ctx context.Context, id uuid.UUID) (models.AssignmentCount, error) {
	q, unlock := s.read()
	defer unlock()
	return q.CountEmployeeAssignments(ctx, id)
}

func (s *MemoryStore) ReassignEmployee(ctx context.Context, from, to uuid.UUID, now time.Time) (*models.Reassignment, error) {
	var out *models.Reassignment
	err := s.write(ctx, func(q *memoryQueries) error {
		var err error
		out, err = q.ReassignEmployee(ctx, from, to, now)
		return err
	})
	return out, err
}

func (s *MemoryStore) CreateAgent(ctx context.Context, a *models.Agent) error {
	return s.write(ctx, func(q *memoryQueries) error { return q.CreateAgent(ctx, a) })
}

func (s *MemoryStore) GetAgent(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	q, unlock := s.read()
	defer unlock()
	return q.GetAgent(ctx, id)
}

func (s *MemoryStore) ListAgents(ctx context.Context, f AgentFilter) ([]*models.Agent, error) {
	q, unlock := s.read()
	defer unlock()
	return q.ListAgents(ctx, f)
}

func (s *MemoryStore) DeleteAgent(ctx context.Context, id uuid.UUID) error {
	return s.write(ctx, func(q *memoryQueries) error { return q.DeleteAgent(ctx, id) })
}

func (s *MemoryStore) CountAgentProperties(ctx context.Context, id uuid.UUID) (int, error) {
	q, unlock := s.read()
	defer unlock()
	return q.CountAgentProperties(ctx, id)
}

// memoryQueries operates on one state snapshot. Callers hold the store lock.
type memoryQueries struct {
	state *memoryState
}

// -- change records --

func (q *memoryQueries) activeConflict(c *models.ChangeRecord) bool {
	key, ok := c.ActiveKey()
	if !ok || !c.Status.IsActive() {
		return false
	}
	for _, other := range q.state.changes {
		if other.ID == c.ID || !other.Status.IsActive() {
			continue
		}
		if otherKey, ok := other.ActiveKey(); ok && otherKey == key {
			return true
		}
	}
	return false
}

func (q *memoryQueries) CreateChange(ctx context.Context, c *models.ChangeRecord) error {
	if _, exists := q.state.changes[c.ID]; exists {
		return fmt.Errorf("failed to create change record: %w: change id", ErrDuplicate)
	}
	if q.activeConflict(c) {
		return fmt.Errorf("failed to create change record: %w", ErrActiveChangeExists)
	}
	q.state.changes[c.ID] = c.Clone()
	return nil
}

func (q *memoryQueries) GetChange(ctx context.Context, id uuid.UUID, forUpdate bool) (*models.ChangeRecord, error) {
	c, ok := q.state.changes[id]
	if !ok {
		return nil, fmt.Errorf("failed to get change record: %w", ErrNotFound)
	}
	return c.Clone(), nil
}

func (q *memoryQueries) UpdateChange(ctx context.Context, c *models.ChangeRecord) error {
	if _, ok := q.state.changes[c.ID]; !ok {
		return fmt.Errorf("failed to update change record: %w", ErrNotFound)
	}
	if q.activeConflict(c) {
		return fmt.Errorf("failed to update change record: %w", ErrActiveChangeExists)
	}
	q.state.changes[c.ID] = c.Clone()
	return nil
}

func (q *memoryQueries) DeleteChange(ctx context.Context, id uuid.UUID) error {
	if _, ok := q.state.changes[id]; !ok {
		return fmt.Errorf("failed to delete change record: %w", ErrNotFound)
	}
	delete(q.state.changes, id)
	return nil
}

func (q *memoryQueries) FindActiveChange(ctx context.Context, resourceType models.ResourceType, targetID uuid.UUID) (*models.ChangeRecord, error) {
	key := models.TargetKey{Type: resourceType, TargetID: targetID}
	for _, c := range q.state.changes {
		if k, ok := c.ActiveKey(); ok && k == key && c.Status.IsActive() {
			return c.Clone(), nil
		}
	}
	return nil, fmt.Errorf("failed to find active change: %w", ErrNotFound)
}

func (q *memoryQueries) ListChanges(ctx context.Context, f ChangeFilter) ([]*models.ChangeRecord, error) {
	var out []*models.ChangeRecord
	for _, c := range q.state.changes {
		if f.Type != nil && c.Type != *f.Type {
			continue
		}
		if f.Status != nil && c.Status != *f.Status {
			continue
		}
		if f.TargetID != nil && (c.TargetID == nil || *c.TargetID != *f.TargetID) {
			continue
		}
		if f.ProposerID != "" && c.ProposerID != f.ProposerID {
			continue
		}
		if c.Status == models.StatusDraft && c.ProposerID != f.DraftsOwnedBy {
			continue
		}
		if !f.Cursor.After(c.CreatedAt, c.ID) {
			continue
		}
		out = append(out, c.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		return models.SortsBefore(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID)
	})
	return truncate(out, f.Limit), nil
}

func (q *memoryQueries) ListOpenChangesForTarget(ctx context.Context, resourceType models.ResourceType, targetID uuid.UUID) ([]*models.ChangeRecord, error) {
	var out []*models.ChangeRecord
	for _, c := range q.state.changes {
		if c.Type != resourceType || c.TargetID == nil || *c.TargetID != targetID || c.Status.IsTerminal() {
			continue
		}
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return models.SortsBefore(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID)
	})
	return out, nil
}

// -- resources --

func (q *memoryQueries) checkReferences(fields json.RawMessage) error {
	refs := models.ReferencesOf(fields)
	if refs.EmployeeID != nil {
		if _, ok := q.state.employees[*refs.EmployeeID]; !ok {
			return fmt.Errorf("%w: employee %s", ErrMissingReference, refs.EmployeeID)
		}
	}
	if refs.AgentID != nil {
		if _, ok := q.state.agents[*refs.AgentID]; !ok {
			return fmt.Errorf("%w: agent %s", ErrMissingReference, refs.AgentID)
		}
	}
	return nil
}

func (q *memoryQueries) CreateResource(ctx context.Context, r *models.Resource) error {
	if _, exists := q.state.resources[r.ID]; exists {
		return fmt.Errorf("failed to create resource: %w: resource id", ErrDuplicate)
	}
	if err := q.checkReferences(r.Fields); err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}
	q.state.resources[r.ID] = r.Clone()
	return nil
}

func (q *memoryQueries) GetResource(ctx context.Context, resourceType models.ResourceType, id uuid.UUID, lock Lock) (*models.Resource, error) {
	r, ok := q.state.resources[id]
	if !ok || r.Type != resourceType {
		return nil, fmt.Errorf("failed to get resource: %w", ErrNotFound)
	}
	return r.Clone(), nil
}

func (q *memoryQueries) UpdateResource(ctx context.Context, r *models.Resource) error {
	existing, ok := q.state.resources[r.ID]
	if !ok || existing.Type != r.Type {
		return fmt.Errorf("failed to update resource: %w", ErrNotFound)
	}
	if err := q.checkReferences(r.Fields); err != nil {
		return fmt.Errorf("failed to update resource: %w", err)
	}
	q.state.resources[r.ID] = r.Clone()
	return nil
}

func (q *memoryQueries) DeleteResource(ctx context.Context, resourceType models.ResourceType, id uuid.UUID) error {
	r, ok := q.state.resources[id]
	if !ok || r.Type != resourceType {
		return fmt.Errorf("failed to delete resource: %w", ErrNotFound)
	}
	delete(q.state.resources, id)
	return nil
}

func (q *memoryQueries) ListResources(ctx context.Context, f ResourceFilter) ([]*models.Resource, error) {
	var out []*models.Resource
	for _, r := range q.state.resources {
		if r.Type != f.Type || !f.Cursor.After(r.CreatedAt, r.ID) {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return models.SortsBefore(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID)
	})
	return truncate(out, f.Limit), nil
}

// -- employees --

func (q *memoryQueries) CreateEmployee(ctx context.Context, e *models.Employee) error {
	if _, exists := q.state.employees[e.ID]; exists {
		return fmt.Errorf("failed to create employee: %w: employee id", ErrDuplicate)
	}
	for _, other := range q.state.employees {
		if other.Email == e.Email {
			return fmt.Errorf("failed to create employee: %w: email", ErrDuplicate)
		}
	}
	cp := *e
	q.state.employees[e.ID] = &cp
	return nil
}

func (q *memoryQueries) GetEmployee(ctx context.Context, id uuid.UUID) (*models.Employee, error) {
	e, ok := q.state.employees[id]
	if !ok {
		return nil, fmt.Errorf("failed to get employee: %w", ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

func (q *memoryQueries) ListEmployees(ctx context.Context, cursor *models.Cursor, limit int) ([]*models.Employee, error) {
	var out []*models.Employee
	for _, e := range q.state.employees {
		if !cursor.After(e.CreatedAt, e.ID) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return models.SortsBefore(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID)
	})
	return truncate(out, limit), nil
}

func (q *memoryQueries) DeleteEmployee(ctx context.Context, id uuid.UUID) error {
	if _, ok := q.state.employees[id]; !ok {
		return fmt.Errorf("failed to delete employee: %w", ErrNotFound)
	}
	count, _ := q.CountEmployeeAssignments(ctx, id)
	if count.Total() > 0 {
		return fmt.Errorf("failed to delete employee: %w", ErrReferenced)
	}
	delete(q.state.employees, id)
	return nil
}

func (q *memoryQueries) CountEmployeeAssignments(ctx context.Context, id uuid.UUID) (models.AssignmentCount, error) {
	var count models.AssignmentCount
	for _, r := range q.state.resources {
		if refs := models.ReferencesOf(r.Fields); refs.EmployeeID != nil && *refs.EmployeeID == id {
			count.Properties++
		}
	}
	for _, a := range q.state.agents {
		if a.EmployeeID != nil && *a.EmployeeID == id {
			count.Agents++
		}
	}
	return count, nil
}

func (q *memoryQueries) ReassignEmployee(ctx context.Context, from, to uuid.UUID, now time.Time) (*models.Reassignment, error) {
	if _, ok := q.state.employees[to]; !ok {
		return nil, fmt.Errorf("failed to reassign properties: %w: employee %s", ErrMissingReference, to)
	}

	out := &models.Reassignment{From: from, To: to}
	for _, r := range q.state.resources {
		refs := models.ReferencesOf(r.Fields)
		if refs.EmployeeID == nil || *refs.EmployeeID != from {
			continue
		}
		var doc map[string]interface{}
		if err := json.Unmarshal(r.Fields, &doc); err != nil {
			return nil, fmt.Errorf("failed to reassign properties: %w", err)
		}
		doc["employee_id"] = to.String()
		fields, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to reassign properties: %w", err)
		}
		r.Fields = fields
		r.Version++
		r.UpdatedAt = now
		out.PropertyIDs = append(out.PropertyIDs, r.ID)
	}

	for _, a := range q.state.agents {
		if a.EmployeeID != nil && *a.EmployeeID == from {
			id := to
			a.EmployeeID = &id
			out.Agents++
		}
	}
	return out, nil
}

// -- agents --

func (q *memoryQueries) CreateAgent(ctx context.Context, a *models.Agent) error {
	if _, exists := q.state.agents[a.ID]; exists {
		return fmt.Errorf("failed to create agent: %w: agent id", ErrDuplicate)
	}
	for _, other := range q.state.agents {
		if other.Email == a.Email {
			return fmt.Errorf("failed to create agent: %w: email", ErrDuplicate)
		}
	}
	if a.EmployeeID != nil {
		if _, ok := q.state.employees[*a.EmployeeID]; !ok {
			return fmt.Errorf("failed to create agent: %w: employee %s", ErrMissingReference, a.EmployeeID)
		}
	}
	cp := *a
	q.state.agents[a.ID] = &cp
	return nil
}

func (q *memoryQueries) GetAgent(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	a, ok := q.state.agents[id]
	if !ok {
		return nil, fmt.Errorf("failed to get agent: %w", ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (q *memoryQueries) ListAgents(ctx context.Context, f AgentFilter) ([]*models.Agent, error) {
	var out []*models.Agent
	for _, a := range q.state.agents {
		if f.EmployeeID != nil && (a.EmployeeID == nil || *a.EmployeeID != *f.EmployeeID) {
			continue
		}
		if !f.Cursor.After(a.CreatedAt, a.ID) {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return models.SortsBefore(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID)
	})
	return truncate(out, f.Limit), nil
}

func (q *memoryQueries) DeleteAgent(ctx context.Context, id uuid.UUID) error {
	if _, ok := q.state.agents[id]; !ok {
		return fmt.Errorf("failed to delete agent: %w", ErrNotFound)
	}
	if n, _ := q.CountAgentProperties(ctx, id); n > 0 {
		return fmt.Errorf("failed to delete agent: %w", ErrReferenced)
	}
	delete(q.state.agents, id)
	return nil
}

func (q *memoryQueries) CountAgentProperties(ctx context.Context, id uuid.UUID) (int, error) {
	n := 0
	for _, r := range q.state.resources {
		if refs := models.ReferencesOf(r.Fields); refs.AgentID != nil && *refs.AgentID == id {
			n++
		}
	}
	return n, nil
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
