package models

import (
	"time"

	"github.com/google/uuid"
)

// Employee owns properties and supervises agents
// Maps to: employees table
type Employee struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Email     string    `db:"email" json:"email"`
	Phone     *string   `db:"phone" json:"phone,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Agent lists properties, optionally under a supervising employee
// Maps to: agents table
type Agent struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	Name       string     `db:"name" json:"name"`
	Email      string     `db:"email" json:"email"`
	Phone      *string    `db:"phone" json:"phone,omitempty"`
	EmployeeID *uuid.UUID `db:"employee_id" json:"employee_id,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

// AssignmentCount is what still references an employee
type AssignmentCount struct {
	Properties int `json:"properties"`
	Agents     int `json:"agents"`
}

// Total is the number of assignments
func (a AssignmentCount) Total() int {
	return a.Properties + a.Agents
}

// Reassignment records what a reassign-and-delete moved
type Reassignment struct {
	From        uuid.UUID   `json:"from_employee_id"`
	To          uuid.UUID   `json:"to_employee_id"`
	PropertyIDs []uuid.UUID `json:"property_ids"`
	Agents      int         `json:"agents"`
}

// Count summarizes the moved assignments
func (r *Reassignment) Count() AssignmentCount {
	return AssignmentCount{Properties: len(r.PropertyIDs), Agents: r.Agents}
}
