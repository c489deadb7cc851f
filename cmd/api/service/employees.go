package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/estatehub/portal/cmd/api/models"
	"github.com/estatehub/portal/cmd/api/repository"
	"github.com/estatehub/portal/common/metrics"
	"github.com/google/uuid"
)

// EmployeeService manages employees, agents and their assignments
type EmployeeService struct {
	base
}

// NewEmployeeService creates a new employee service
func NewEmployeeService(d Deps) *EmployeeService {
	return &EmployeeService{base: newBase(d)}
}

// CreateEmployeeInput is a new employee
type CreateEmployeeInput struct {
	Name  string
	Email string
	Phone *string
}

// CreateAgentInput is a new agent
type CreateAgentInput struct {
	Name       string
	Email      string
	Phone      *string
	EmployeeID *uuid.UUID
}

func requireStaff(actor models.Actor) error {
	if actor.Role == models.RoleCustomer || actor.Role == "" {
		return forbidden("role %s may not view staff", actor.Role)
	}
	return nil
}

func duplicateEmail(err error) error {
	if errors.Is(err, repository.ErrDuplicate) {
		return fieldError("email", "is already in use")
	}
	return err
}

// CreateEmployee adds an employee
func (s *EmployeeService) CreateEmployee(ctx context.Context, actor models.Actor, in CreateEmployeeInput) (*models.Employee, error) {
	if err := requireReviewer(actor); err != nil {
		return nil, err
	}

	e := &models.Employee{
		ID:        uuid.New(),
		Name:      strings.TrimSpace(in.Name),
		Email:     strings.ToLower(strings.TrimSpace(in.Email)),
		Phone:     in.Phone,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateEmployee(ctx, e); err != nil {
		return nil, duplicateEmail(err)
	}

	s.log.WithContext(ctx).Info("employee created", "employee_id", e.ID, "actor_id", actor.ID)
	return e, nil
}

// GetEmployee returns one employee
func (s *EmployeeService) GetEmployee(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Employee, error) {
	if err := requireStaff(actor); err != nil {
		return nil, err
	}

	e, err := s.store.GetEmployee(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("employee", id)
		}
		return nil, err
	}
	return e, nil
}

// ListEmployees returns employees newest first
func (s *EmployeeService) ListEmployees(ctx context.Context, actor models.Actor, cursorToken string, limit int) (*models.Page[*models.Employee], error) {
	if err := requireStaff(actor); err != nil {
		return nil, err
	}
	cursor, err := decodeCursor(cursorToken)
	if err != nil {
		return nil, err
	}
	limit = s.pageLimit(limit)

	rows, err := s.store.ListEmployees(ctx, cursor, limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to list employees: %w", err)
	}
	return paginate(rows, limit, func(e *models.Employee) models.Cursor {
		return models.Cursor{CreatedAt: e.CreatedAt, ID: e.ID}
	}), nil
}

// DeleteEmployee removes an employee that owns no assignments
func (s *EmployeeService) DeleteEmployee(ctx context.Context, actor models.Actor, id uuid.UUID) error {
	if err := requireReviewer(actor); err != nil {
		return err
	}

	err := s.store.WithTx(ctx, func(q repository.Queries) error {
		if _, err := q.GetEmployee(ctx, id); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return notFound("employee", id)
			}
			return err
		}

		count, err := q.CountEmployeeAssignments(ctx, id)
		if err != nil {
			return err
		}
		if count.Total() > 0 {
			return &AssignmentsError{Kind: "employee", ID: id, Count: count}
		}

		return q.DeleteEmployee(ctx, id)
	})
	if errors.Is(err, repository.ErrReferenced) {
		// an assignment landed between the count and the delete
		count, _ := s.store.CountEmployeeAssignments(ctx, id)
		return &AssignmentsError{Kind: "employee", ID: id, Count: count}
	}
	if err != nil {
		return err
	}

	s.log.WithContext(ctx).Info("employee deleted", "employee_id", id, "actor_id", actor.ID)
	return nil
}

// ReassignAndDelete moves every property and agent of an employee to
// another employee and deletes the original, all or nothing
func (s *EmployeeService) ReassignAndDelete(ctx context.Context, actor models.Actor, id, targetID uuid.UUID) (*models.Reassignment, error) {
	if err := requireReviewer(actor); err != nil {
		return nil, err
	}
	if id == targetID {
		return nil, fieldError("target_employee_id", "must differ from the employee being deleted")
	}

	var moved *models.Reassignment
	err := s.store.WithTx(ctx, func(q repository.Queries) error {
		if _, err := q.GetEmployee(ctx, id); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return notFound("employee", id)
			}
			return err
		}
		if _, err := q.GetEmployee(ctx, targetID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return notFound("employee", targetID)
			}
			return err
		}

		var err error
		moved, err = q.ReassignEmployee(ctx, id, targetID, s.now())
		if err != nil {
			return err
		}
		return q.DeleteEmployee(ctx, id)
	})
	if err != nil {
		return nil, err
	}

	s.resources.invalidate(ctx, models.ResourceProperty, moved.PropertyIDs...)
	metrics.Get().Reassigned()
	s.log.WithContext(ctx).Info("employee reassigned and deleted",
		"employee_id", id,
		"target_employee_id", targetID,
		"properties", len(moved.PropertyIDs),
		"agents", moved.Agents,
		"actor_id", actor.ID)
	return moved, nil
}

// CreateAgent adds an agent, optionally under an employee
func (s *EmployeeService) CreateAgent(ctx context.Context, actor models.Actor, in CreateAgentInput) (*models.Agent, error) {
	if err := requireReviewer(actor); err != nil {
		return nil, err
	}

	a := &models.Agent{
		ID:         uuid.New(),
		Name:       strings.TrimSpace(in.Name),
		Email:      strings.ToLower(strings.TrimSpace(in.Email)),
		Phone:      in.Phone,
		EmployeeID: in.EmployeeID,
		CreatedAt:  s.now(),
	}
	if err := s.store.CreateAgent(ctx, a); err != nil {
		if errors.Is(err, repository.ErrMissingReference) {
			return nil, fieldError("employee_id", "references an unknown employee")
		}
		return nil, duplicateEmail(err)
	}

	s.log.WithContext(ctx).Info("agent created", "agent_id", a.ID, "actor_id", actor.ID)
	return a, nil
}

// GetAgent returns one agent
func (s *EmployeeService) GetAgent(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Agent, error) {
	if err := requireStaff(actor); err != nil {
		return nil, err
	}

	a, err := s.store.GetAgent(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("agent", id)
		}
		return nil, err
	}
	return a, nil
}

// ListAgents returns agents newest first, optionally for one employee
func (s *EmployeeService) ListAgents(ctx context.Context, actor models.Actor, employeeID *uuid.UUID, cursorToken string, limit int) (*models.Page[*models.Agent], error) {
	if err := requireStaff(actor); err != nil {
		return nil, err
	}
	cursor, err := decodeCursor(cursorToken)
	if err != nil {
		return nil, err
	}
	limit = s.pageLimit(limit)

	rows, err := s.store.ListAgents(ctx, repository.AgentFilter{EmployeeID: employeeID, Cursor: cursor, Limit: limit + 1})
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return paginate(rows, limit, func(a *models.Agent) models.Cursor {
		return models.Cursor{CreatedAt: a.CreatedAt, ID: a.ID}
	}), nil
}

// DeleteAgent removes an agent that no property points at
func (s *EmployeeService) DeleteAgent(ctx context.Context, actor models.Actor, id uuid.UUID) error {
	if err := requireReviewer(actor); err != nil {
		return err
	}

	err := s.store.WithTx(ctx, func(q repository.Queries) error {
		if _, err := q.GetAgent(ctx, id); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return notFound("agent", id)
			}
			return err
		}

		n, err := q.CountAgentProperties(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return &AssignmentsError{Kind: "agent", ID: id, Count: models.AssignmentCount{Properties: n}}
		}

		return q.DeleteAgent(ctx, id)
	})
	if errors.Is(err, repository.ErrReferenced) {
		n, _ := s.store.CountAgentProperties(ctx, id)
		return &AssignmentsError{Kind: "agent", ID: id, Count: models.AssignmentCount{Properties: n}}
	}
	if err != nil {
		return err
	}

	s.log.WithContext(ctx).Info("agent deleted", "agent_id", id, "actor_id", actor.ID)
	return nil
}
