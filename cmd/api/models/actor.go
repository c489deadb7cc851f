package models

import "fmt"

// Role is the caller's role, supplied by the upstream auth layer
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleEmployee Role = "employee"
	RoleAgent    Role = "agent"
	RoleCustomer Role = "customer"
)

// ParseRole validates a role string
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleAdmin, RoleEmployee, RoleAgent, RoleCustomer:
		return r, nil
	}
	return "", fmt.Errorf("unknown role: %q", s)
}

// Actor is the authenticated caller of an engine operation
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// CanPropose reports whether the actor may author change records
func (a Actor) CanPropose() bool {
	return a.Role == RoleAdmin || a.Role == RoleEmployee || a.Role == RoleAgent
}

// CanReview reports whether the actor may adjudicate pending changes
func (a Actor) CanReview() bool {
	return a.Role == RoleAdmin
}
