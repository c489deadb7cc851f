package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/estatehub/portal/cmd/api/models"
	"github.com/estatehub/portal/common/db"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const activeChangeIndex = "change_records_one_active_per_target"

// DBTX is satisfied by both the pool and an open transaction
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// PostgresStore handles database operations for change records, resources and actors
type PostgresStore struct {
	*queries
	db *db.DB
}

// NewPostgresStore creates a new Postgres-backed store
func NewPostgresStore(db *db.DB) *PostgresStore {
	return &PostgresStore{queries: &queries{db: db}, db: db}
}

// WithTx runs fn inside one read-committed transaction
func (s *PostgresStore) WithTx(ctx context.Context, fn func(q Queries) error) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(&queries{db: tx})
	})
}

type queries struct {
	db DBTX
}

// mapWriteError translates constraint violations raised by INSERT/UPDATE
func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			if pgErr.ConstraintName == activeChangeIndex {
				return ErrActiveChangeExists
			}
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
		case "23503":
			return fmt.Errorf("%w: %s", ErrMissingReference, pgErr.ConstraintName)
		}
	}
	return mapReadError(err)
}

// mapDeleteError translates FK restrict violations raised by DELETE
func mapDeleteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return fmt.Errorf("%w: %s", ErrReferenced, pgErr.ConstraintName)
	}
	return err
}

func mapReadError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// where accumulates positional predicates
type where struct {
	conds []string
	args  []interface{}
}

func (w *where) add(cond string, args ...interface{}) {
	placeholders := make([]interface{}, len(args))
	for i, a := range args {
		w.args = append(w.args, a)
		placeholders[i] = len(w.args)
	}
	w.conds = append(w.conds, fmt.Sprintf(cond, placeholders...))
}

func (w *where) cursor(c *models.Cursor) {
	if c != nil {
		w.add("(created_at, id) < ($%d, $%d)", c.CreatedAt, c.ID)
	}
}

func (w *where) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(w.conds, " AND ")
}

func (w *where) limit(n int) string {
	w.args = append(w.args, n)
	return fmt.Sprintf("LIMIT $%d", len(w.args))
}

// -- change records --

const changeColumns = `id, resource_type, target_id, proposer_id, proposed_payload, status, is_draft,
		reason, reviewed_by, created_at, updated_at, submitted_at, reviewed_at`

func scanChange(row pgx.Row) (*models.ChangeRecord, error) {
	c := &models.ChangeRecord{}
	var payload []byte
	err := row.Scan(
		&c.ID,
		&c.Type,
		&c.TargetID,
		&c.ProposerID,
		&payload,
		&c.Status,
		&c.IsDraft,
		&c.Reason,
		&c.ReviewedBy,
		&c.CreatedAt,
		&c.UpdatedAt,
		&c.SubmittedAt,
		&c.ReviewedAt,
	)
	if err != nil {
		return nil, err
	}
	c.ProposedPayload = payload
	return c, nil
}

func collectChanges(rows pgx.Rows) ([]*models.ChangeRecord, error) {
	defer rows.Close()

	var out []*models.ChangeRecord
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateChange inserts a new change record
func (q *queries) CreateChange(ctx context.Context, c *models.ChangeRecord) error {
	query := `
		INSERT INTO change_records (` + changeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := q.db.Exec(ctx, query,
		c.ID,
		c.Type,
		c.TargetID,
		c.ProposerID,
		string(c.ProposedPayload),
		c.Status,
		c.IsDraft,
		c.Reason,
		c.ReviewedBy,
		c.CreatedAt,
		c.UpdatedAt,
		c.SubmittedAt,
		c.ReviewedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create change record: %w", mapWriteError(err))
	}

	return nil
}

// GetChange retrieves a change record by id
func (q *queries) GetChange(ctx context.Context, id uuid.UUID, forUpdate bool) (*models.ChangeRecord, error) {
	query := `SELECT ` + changeColumns + ` FROM change_records WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	c, err := scanChange(q.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get change record: %w", mapReadError(err))
	}

	return c, nil
}

// UpdateChange persists every mutable column of a change record
func (q *queries) UpdateChange(ctx context.Context, c *models.ChangeRecord) error {
	query := `
		UPDATE change_records
		SET target_id = $2, proposed_payload = $3, status = $4, is_draft = $5, reason = $6,
		    reviewed_by = $7, updated_at = $8, submitted_at = $9, reviewed_at = $10
		WHERE id = $1
	`

	tag, err := q.db.Exec(ctx, query,
		c.ID,
		c.TargetID,
		string(c.ProposedPayload),
		c.Status,
		c.IsDraft,
		c.Reason,
		c.ReviewedBy,
		c.UpdatedAt,
		c.SubmittedAt,
		c.ReviewedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update change record: %w", mapWriteError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to update change record: %w", ErrNotFound)
	}

	return nil
}

// DeleteChange removes a change record permanently
func (q *queries) DeleteChange(ctx context.Context, id uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM change_records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete change record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to delete change record: %w", ErrNotFound)
	}

	return nil
}

// FindActiveChange returns the pending or needs_revision record on a target
func (q *queries) FindActiveChange(ctx context.Context, resourceType models.ResourceType, targetID uuid.UUID) (*models.ChangeRecord, error) {
	query := `
		SELECT ` + changeColumns + `
		FROM change_records
		WHERE resource_type = $1 AND target_id = $2 AND status IN ('pending', 'needs_revision')
	`

	c, err := scanChange(q.db.QueryRow(ctx, query, resourceType, targetID))
	if err != nil {
		return nil, fmt.Errorf("failed to find active change: %w", mapReadError(err))
	}

	return c, nil
}

// ListChanges returns change records newest first
func (q *queries) ListChanges(ctx context.Context, f ChangeFilter) ([]*models.ChangeRecord, error) {
	w := &where{}
	if f.Type != nil {
		w.add("resource_type = $%d", *f.Type)
	}
	if f.Status != nil {
		w.add("status = $%d", *f.Status)
	}
	if f.TargetID != nil {
		w.add("target_id = $%d", *f.TargetID)
	}
	if f.ProposerID != "" {
		w.add("proposer_id = $%d", f.ProposerID)
	}
	w.add("(status <> 'draft' OR proposer_id = $%d)", f.DraftsOwnedBy)
	w.cursor(f.Cursor)

	query := `SELECT ` + changeColumns + ` FROM change_records ` + w.sql() +
		` ORDER BY created_at DESC, id DESC ` + w.limit(f.Limit)

	rows, err := q.db.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list change records: %w", err)
	}

	out, err := collectChanges(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan change records: %w", err)
	}

	return out, nil
}

// ListOpenChangesForTarget returns every non-terminal record on a target
func (q *queries) ListOpenChangesForTarget(ctx context.Context, resourceType models.ResourceType, targetID uuid.UUID) ([]*models.ChangeRecord, error) {
	query := `
		SELECT ` + changeColumns + `
		FROM change_records
		WHERE resource_type = $1 AND target_id = $2 AND status IN ('draft', 'pending', 'needs_revision')
		ORDER BY created_at DESC, id DESC
		FOR UPDATE
	`

	rows, err := q.db.Query(ctx, query, resourceType, targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list open changes: %w", err)
	}

	out, err := collectChanges(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan open changes: %w", err)
	}

	return out, nil
}

// -- resources --

const resourceColumns = `id, resource_type, fields, version, created_at, updated_at`

func scanResource(row pgx.Row) (*models.Resource, error) {
	r := &models.Resource{}
	var fields []byte
	if err := row.Scan(&r.ID, &r.Type, &fields, &r.Version, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Fields = fields
	return r, nil
}

// CreateResource inserts a canonical resource
func (q *queries) CreateResource(ctx context.Context, r *models.Resource) error {
	refs := models.ReferencesOf(r.Fields)
	query := `
		INSERT INTO resources (id, resource_type, fields, employee_id, agent_id, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := q.db.Exec(ctx, query,
		r.ID,
		r.Type,
		string(r.Fields),
		refs.EmployeeID,
		refs.AgentID,
		r.Version,
		r.CreatedAt,
		r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", mapWriteError(err))
	}

	return nil
}

// GetResource retrieves a resource by type and id
func (q *queries) GetResource(ctx context.Context, resourceType models.ResourceType, id uuid.UUID, lock Lock) (*models.Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE resource_type = $1 AND id = $2`
	switch lock {
	case ShareLock:
		query += ` FOR SHARE`
	case UpdateLock:
		query += ` FOR UPDATE`
	}

	r, err := scanResource(q.db.QueryRow(ctx, query, resourceType, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", mapReadError(err))
	}

	return r, nil
}

// UpdateResource replaces the fields of a resource
func (q *queries) UpdateResource(ctx context.Context, r *models.Resource) error {
	refs := models.ReferencesOf(r.Fields)
	query := `
		UPDATE resources
		SET fields = $3, employee_id = $4, agent_id = $5, version = $6, updated_at = $7
		WHERE resource_type = $1 AND id = $2
	`

	tag, err := q.db.Exec(ctx, query,
		r.Type,
		r.ID,
		string(r.Fields),
		refs.EmployeeID,
		refs.AgentID,
		r.Version,
		r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update resource: %w", mapWriteError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to update resource: %w", ErrNotFound)
	}

	return nil
}

// DeleteResource removes a resource
func (q *queries) DeleteResource(ctx context.Context, resourceType models.ResourceType, id uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM resources WHERE resource_type = $1 AND id = $2`, resourceType, id)
	if err != nil {
		return fmt.Errorf("failed to delete resource: %w", mapDeleteError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to delete resource: %w", ErrNotFound)
	}

	return nil
}

// ListResources returns resources of one type newest first
func (q *queries) ListResources(ctx context.Context, f ResourceFilter) ([]*models.Resource, error) {
	w := &where{}
	w.add("resource_type = $%d", f.Type)
	w.cursor(f.Cursor)

	query := `SELECT ` + resourceColumns + ` FROM resources ` + w.sql() +
		` ORDER BY created_at DESC, id DESC ` + w.limit(f.Limit)

	rows, err := q.db.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	var out []*models.Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		out = append(out, r)
	}

	return out, rows.Err()
}

// -- employees --

// CreateEmployee inserts an employee
func (q *queries) CreateEmployee(ctx context.Context, e *models.Employee) error {
	query := `INSERT INTO employees (id, name, email, phone, created_at) VALUES ($1, $2, $3, $4, $5)`

	if _, err := q.db.Exec(ctx, query, e.ID, e.Name, e.Email, e.Phone, e.CreatedAt); err != nil {
		return fmt.Errorf("failed to create employee: %w", mapWriteError(err))
	}

	return nil
}

// GetEmployee retrieves an employee by id
func (q *queries) GetEmployee(ctx context.Context, id uuid.UUID) (*models.Employee, error) {
	query := `SELECT id, name, email, phone, created_at FROM employees WHERE id = $1`

	e := &models.Employee{}
	err := q.db.QueryRow(ctx, query, id).Scan(&e.ID, &e.Name, &e.Email, &e.Phone, &e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get employee: %w", mapReadError(err))
	}

	return e, nil
}

// ListEmployees returns employees newest first
func (q *queries) ListEmployees(ctx context.Context, cursor *models.Cursor, limit int) ([]*models.Employee, error) {
	w := &where{}
	w.cursor(cursor)

	query := `SELECT id, name, email, phone, created_at FROM employees ` + w.sql() +
		` ORDER BY created_at DESC, id DESC ` + w.limit(limit)

	rows, err := q.db.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list employees: %w", err)
	}
	defer rows.Close()

	var out []*models.Employee
	for rows.Next() {
		e := &models.Employee{}
		if err := rows.Scan(&e.ID, &e.Name, &e.Email, &e.Phone, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan employee: %w", err)
		}
		out = append(out, e)
	}

	return out, rows.Err()
}

// DeleteEmployee removes an employee; fails with ErrReferenced while assignments remain
func (q *queries) DeleteEmployee(ctx context.Context, id uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM employees WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete employee: %w", mapDeleteError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to delete employee: %w", ErrNotFound)
	}

	return nil
}

// CountEmployeeAssignments counts properties and agents assigned to an employee
func (q *queries) CountEmployeeAssignments(ctx context.Context, id uuid.UUID) (models.AssignmentCount, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM resources WHERE employee_id = $1),
			(SELECT COUNT(*) FROM agents WHERE employee_id = $1)
	`

	var count models.AssignmentCount
	if err := q.db.QueryRow(ctx, query, id).Scan(&count.Properties, &count.Agents); err != nil {
		return count, fmt.Errorf("failed to count employee assignments: %w", err)
	}

	return count, nil
}

// ReassignEmployee moves every assignment of from onto to
func (q *queries) ReassignEmployee(ctx context.Context, from, to uuid.UUID, now time.Time) (*models.Reassignment, error) {
	out := &models.Reassignment{From: from, To: to}

	rows, err := q.db.Query(ctx, `
		UPDATE resources
		SET employee_id = $2,
		    fields = jsonb_set(fields, '{employee_id}', to_jsonb($3::text)),
		    version = version + 1,
		    updated_at = $4
		WHERE employee_id = $1
		RETURNING id
	`, from, to, to.String(), now)
	if err != nil {
		return nil, fmt.Errorf("failed to reassign properties: %w", mapWriteError(err))
	}
	out.PropertyIDs, err = pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("failed to reassign properties: %w", mapWriteError(err))
	}

	tag, err := q.db.Exec(ctx, `UPDATE agents SET employee_id = $2 WHERE employee_id = $1`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to reassign agents: %w", mapWriteError(err))
	}
	out.Agents = int(tag.RowsAffected())

	return out, nil
}

// -- agents --

const agentColumns = `id, name, email, phone, employee_id, created_at`

func scanAgent(row pgx.Row) (*models.Agent, error) {
	a := &models.Agent{}
	if err := row.Scan(&a.ID, &a.Name, &a.Email, &a.Phone, &a.EmployeeID, &a.CreatedAt); err != nil {
		return nil, err
	}
	return a, nil
}

// CreateAgent inserts an agent
func (q *queries) CreateAgent(ctx context.Context, a *models.Agent) error {
	query := `INSERT INTO agents (` + agentColumns + `) VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := q.db.Exec(ctx, query, a.ID, a.Name, a.Email, a.Phone, a.EmployeeID, a.CreatedAt); err != nil {
		return fmt.Errorf("failed to create agent: %w", mapWriteError(err))
	}

	return nil
}

// GetAgent retrieves an agent by id
func (q *queries) GetAgent(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	a, err := scanAgent(q.db.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", mapReadError(err))
	}

	return a, nil
}

// ListAgents returns agents newest first
func (q *queries) ListAgents(ctx context.Context, f AgentFilter) ([]*models.Agent, error) {
	w := &where{}
	if f.EmployeeID != nil {
		w.add("employee_id = $%d", *f.EmployeeID)
	}
	w.cursor(f.Cursor)

	query := `SELECT ` + agentColumns + ` FROM agents ` + w.sql() +
		` ORDER BY created_at DESC, id DESC ` + w.limit(f.Limit)

	rows, err := q.db.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var out []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		out = append(out, a)
	}

	return out, rows.Err()
}

// DeleteAgent removes an agent; fails with ErrReferenced while properties point at it
func (q *queries) DeleteAgent(ctx context.Context, id uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", mapDeleteError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to delete agent: %w", ErrNotFound)
	}

	return nil
}

// CountAgentProperties counts properties assigned to an agent
func (q *queries) CountAgentProperties(ctx context.Context, id uuid.UUID) (int, error) {
	var n int
	if err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM resources WHERE agent_id = $1`, id).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count agent properties: %w", err)
	}

	return n, nil
}
