package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Resource is a canonical Property or Banner record
// Maps to: resources table
type Resource struct {
	ID        uuid.UUID       `db:"id"`
	Type      ResourceType    `db:"resource_type"`
	Fields    json.RawMessage `db:"fields"`
	Version   int64           `db:"version"`
	CreatedAt time.Time       `db:"created_at"`
	UpdatedAt time.Time       `db:"updated_at"`
}

// MarshalJSON flattens the type-specific fields next to the system fields
func (r *Resource) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{}
	if len(r.Fields) > 0 {
		if err := json.Unmarshal(r.Fields, &out); err != nil {
			return nil, fmt.Errorf("failed to decode resource fields: %w", err)
		}
	}
	out["id"] = r.ID
	out["type"] = r.Type
	out["version"] = r.Version
	out["created_at"] = r.CreatedAt
	out["updated_at"] = r.UpdatedAt
	return json.Marshal(out)
}

// Clone returns a deep copy
func (r *Resource) Clone() *Resource {
	out := *r
	out.Fields = append(json.RawMessage(nil), r.Fields...)
	return &out
}

// References holds the actor ids a resource points at
type References struct {
	EmployeeID *uuid.UUID
	AgentID    *uuid.UUID
}

// ReferencesOf extracts employee_id and agent_id from a fields document.
// Missing, null or malformed values are reported as absent.
func ReferencesOf(fields json.RawMessage) References {
	var doc struct {
		EmployeeID *string `json:"employee_id"`
		AgentID    *string `json:"agent_id"`
	}
	_ = json.Unmarshal(fields, &doc)
	return References{EmployeeID: parseOptionalUUID(doc.EmployeeID), AgentID: parseOptionalUUID(doc.AgentID)}
}

func parseOptionalUUID(s *string) *uuid.UUID {
	if s == nil {
		return nil
	}
	id, err := uuid.Parse(*s)
	if err != nil {
		return nil
	}
	return &id
}
