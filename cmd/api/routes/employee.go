package routes

import (
	"github.com/estatehub/portal/cmd/api/container"
	"github.com/estatehub/portal/cmd/api/handlers"
	"github.com/estatehub/portal/cmd/api/middleware"
	"github.com/labstack/echo/v4"
)

// RegisterEmployeeRoutes registers employee and agent routes
func RegisterEmployeeRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewEmployeeHandler(c.Employees)

	employees := e.Group("/api/v1/employees")
	employees.Use(middleware.ExtractActor())
	{
		employees.POST("", h.CreateEmployee)                            // POST /api/v1/employees
		employees.GET("", h.ListEmployees)                              // GET /api/v1/employees
		employees.GET("/:id", h.GetEmployee)                            // GET /api/v1/employees/{id}
		employees.DELETE("/:id", h.DeleteEmployee)                      // DELETE /api/v1/employees/{id}
		employees.POST("/:id/reassign-and-delete", h.ReassignAndDelete) // POST /api/v1/employees/{id}/reassign-and-delete
	}

	agents := e.Group("/api/v1/agents")
	agents.Use(middleware.ExtractActor())
	{
		agents.POST("", h.CreateAgent)       // POST /api/v1/agents
		agents.GET("", h.ListAgents)         // GET /api/v1/agents?employeeId=
		agents.GET("/:id", h.GetAgent)       // GET /api/v1/agents/{id}
		agents.DELETE("/:id", h.DeleteAgent) // DELETE /api/v1/agents/{id}
	}
}
