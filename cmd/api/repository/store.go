package repository

import (
	"context"
	"errors"
	"time"

	"github.com/estatehub/portal/cmd/api/models"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")

	// ErrActiveChangeExists is returned when a write would leave two
	// pending/needs_revision changes on the same target
	ErrActiveChangeExists = errors.New("an active change already exists for this target")

	// ErrReferenced is returned when deleting a row other rows still point at
	ErrReferenced = errors.New("row is still referenced")

	// ErrMissingReference is returned when a write points at a row that does not exist
	ErrMissingReference = errors.New("referenced row does not exist")

	// ErrDuplicate is returned on unique violations other than the active-change guard
	ErrDuplicate = errors.New("duplicate value")
)

// Lock is the row lock a read takes inside a transaction
type Lock int

const (
	NoLock Lock = iota
	// ShareLock keeps the row from being updated or deleted; other readers may share it
	ShareLock
	// UpdateLock takes the row exclusively
	UpdateLock
)

// ChangeFilter narrows a change record listing
type ChangeFilter struct {
	Type       *models.ResourceType
	Status     *models.ChangeStatus
	TargetID   *uuid.UUID
	ProposerID string // only records authored by this actor

	// Drafts are only returned when authored by this actor
	DraftsOwnedBy string

	Cursor *models.Cursor
	Limit  int
}

// ResourceFilter narrows a resource listing
type ResourceFilter struct {
	Type   models.ResourceType
	Cursor *models.Cursor
	Limit  int
}

// AgentFilter narrows an agent listing
type AgentFilter struct {
	EmployeeID *uuid.UUID
	Cursor     *models.Cursor
	Limit      int
}

// Queries is every read and write the engines issue. Implementations are
// bound either to the store itself or to one open transaction.
type Queries interface {
	CreateChange(ctx context.Context, c *models.ChangeRecord) error
	// GetChange with forUpdate locks the row until the enclosing transaction ends
	GetChange(ctx context.Context, id uuid.UUID, forUpdate bool) (*models.ChangeRecord, error)
	UpdateChange(ctx context.Context, c *models.ChangeRecord) error
	DeleteChange(ctx context.Context, id uuid.UUID) error
	FindActiveChange(ctx context.Context, resourceType models.ResourceType, targetID uuid.UUID) (*models.ChangeRecord, error)
	ListChanges(ctx context.Context, f ChangeFilter) ([]*models.ChangeRecord, error)
	// ListOpenChangesForTarget returns draft, pending and needs_revision records
	ListOpenChangesForTarget(ctx context.Context, resourceType models.ResourceType, targetID uuid.UUID) ([]*models.ChangeRecord, error)

	CreateResource(ctx context.Context, r *models.Resource) error
	// GetResource with a lock holds it on the row until the enclosing transaction ends
	GetResource(ctx context.Context, resourceType models.ResourceType, id uuid.UUID, lock Lock) (*models.Resource, error)
	UpdateResource(ctx context.Context, r *models.Resource) error
	DeleteResource(ctx context.Context, resourceType models.ResourceType, id uuid.UUID) error
	ListResources(ctx context.Context, f ResourceFilter) ([]*models.Resource, error)

	CreateEmployee(ctx context.Context, e *models.Employee) error
	GetEmployee(ctx context.Context, id uuid.UUID) (*models.Employee, error)
	ListEmployees(ctx context.Context, cursor *models.Cursor, limit int) ([]*models.Employee, error)
	DeleteEmployee(ctx context.Context, id uuid.UUID) error
	CountEmployeeAssignments(ctx context.Context, id uuid.UUID) (models.AssignmentCount, error)
	// ReassignEmployee rewrites every property and agent assignment from one employee to another
	ReassignEmployee(ctx context.Context, from, to uuid.UUID, now time.Time) (*models.Reassignment, error)

	CreateAgent(ctx context.Context, a *models.Agent) error
	GetAgent(ctx context.Context, id uuid.UUID) (*models.Agent, error)
	ListAgents(ctx context.Context, f AgentFilter) ([]*models.Agent, error)
	DeleteAgent(ctx context.Context, id uuid.UUID) error
	CountAgentProperties(ctx context.Context, id uuid.UUID) (int, error)
}

// Store is the persistence boundary of the engines
type Store interface {
	Queries
	// WithTx runs fn against a transaction-bound Queries; fn's writes are
	// committed together when it returns nil and discarded otherwise.
	WithTx(ctx context.Context, fn func(q Queries) error) error
}

var (
	_ Store   = (*MemoryStore)(nil)
	_ Store   = (*PostgresStore)(nil)
	_ Queries = (*memoryQueries)(nil)
)
