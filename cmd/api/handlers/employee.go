package handlers

import (
	"net/http"

	"github.com/estatehub/portal/cmd/api/middleware"
	"github.com/estatehub/portal/cmd/api/service"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// EmployeeHandler handles employee and agent requests
type EmployeeHandler struct {
	employees *service.EmployeeService
}

// NewEmployeeHandler creates a new employee handler
func NewEmployeeHandler(employees *service.EmployeeService) *EmployeeHandler {
	return &EmployeeHandler{employees: employees}
}

type createEmployeeRequest struct {
	Name  string  `json:"name" validate:"required,max=200"`
	Email string  `json:"email" validate:"required,email"`
	Phone *string `json:"phone" validate:"omitempty,max=50"`
}

type createAgentRequest struct {
	Name       string  `json:"name" validate:"required,max=200"`
	Email      string  `json:"email" validate:"required,email"`
	Phone      *string `json:"phone" validate:"omitempty,max=50"`
	EmployeeID *string `json:"employee_id" validate:"omitempty,uuid"`
}

type reassignRequest struct {
	TargetEmployeeID string `json:"target_employee_id" validate:"required,uuid"`
}

// CreateEmployee adds an employee
// POST /api/v1/employees
func (h *EmployeeHandler) CreateEmployee(c echo.Context) error {
	actor, err := middleware.RequireActor(c)
	if err != nil {
		return err
	}

	var req createEmployeeRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	e, err := h.employees.CreateEmployee(c.Request().Context(), actor, service.CreateEmployeeInput{
		Name:  req.Name,
		Email: req.Email,
		Phone: req.Phone,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, e)
}

// ListEmployees lists employees
// GET /api/v1/employees?cursor=&limit=
func (h *EmployeeHandler) ListEmployees(c echo.Context) error {
	actor, err := middleware.RequireActor(c)
	if err != nil {
		return err
	}
	limit, err := limitParam(c)
	if err != nil {
		return err
	}

	page, err := h.employees.ListEmployees(c.Request().Context(), actor, c.QueryParam("cursor"), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

// GetEmployee returns one employee
// GET /api/v1/employees/:id
func (h *EmployeeHandler) GetEmployee(c echo.Context) error {
	actor, err := middleware.RequireActor(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}

	e, err := h.employees.GetEmployee(c.Request().Context(), actor, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, e)
}

// DeleteEmployee deletes an employee with no remaining assignments
// DELETE /api/v1/employees/:id
func (h *EmployeeHandler) DeleteEmployee(c echo.Context) error {
	actor, err := middleware.RequireActor(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}

	if err := h.employees.DeleteEmployee(c.Request().Context(), actor, id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// ReassignAndDelete moves every assignment to another employee, then deletes
// POST /api/v1/employees/:id/reassign-and-delete
func (h *EmployeeHandler) ReassignAndDelete(c echo.Context) error {
	actor, err := middleware.RequireActor(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}

	var req reassignRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	target, err := uuid.Parse(req.TargetEmployeeID)
	if err != nil {
		return invalidParam("target_employee_id", "must be a UUID")
	}

	moved, err := h.employees.ReassignAndDelete(c.Request().Context(), actor, id, target)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"deleted_employee_id": id,
		"reassignment":        moved,
		"reassigned":          moved.Count(),
	})
}

// CreateAgent adds an agent, optionally under an employee
// POST /api/v1/agents
func (h *EmployeeHandler) CreateAgent(c echo.Context) error {
	actor, err := middleware.RequireActor(c)
	if err != nil {
		return err
	}

	var req createAgentRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	employeeID, err := optionalUUID("employee_id", deref(req.EmployeeID))
	if err != nil {
		return err
	}

	a, err := h.employees.CreateAgent(c.Request().Context(), actor, service.CreateAgentInput{
		Name:       req.Name,
		Email:      req.Email,
		Phone:      req.Phone,
		EmployeeID: employeeID,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, a)
}

// ListAgents lists agents, optionally those of one employee
// GET /api/v1/agents?employeeId=&cursor=&limit=
func (h *EmployeeHandler) ListAgents(c echo.Context) error {
	actor, err := middleware.RequireActor(c)
	if err != nil {
		return err
	}
	employeeID, err := optionalUUID("employeeId", c.QueryParam("employeeId"))
	if err != nil {
		return err
	}
	limit, err := limitParam(c)
	if err != nil {
		return err
	}

	page, err := h.employees.ListAgents(c.Request().Context(), actor, employeeID, c.QueryParam("cursor"), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

// GetAgent returns one agent
// GET /api/v1/agents/:id
func (h *EmployeeHandler) GetAgent(c echo.Context) error {
	actor, err := middleware.RequireActor(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}

	a, err := h.employees.GetAgent(c.Request().Context(), actor, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

// DeleteAgent deletes an agent with no assigned properties
// DELETE /api/v1/agents/:id
func (h *EmployeeHandler) DeleteAgent(c echo.Context) error {
	actor, err := middleware.RequireActor(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}

	if err := h.employees.DeleteAgent(c.Request().Context(), actor, id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
