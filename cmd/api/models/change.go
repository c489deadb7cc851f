package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ResourceType identifies the canonical resource a change targets
type ResourceType string

const (
	ResourceProperty ResourceType = "property"
	ResourceBanner   ResourceType = "banner"
)

// ResourceTypes lists every supported resource type
var ResourceTypes = []ResourceType{ResourceProperty, ResourceBanner}

// ParseResourceType accepts the singular or plural form ("property", "properties")
func ParseResourceType(s string) (ResourceType, error) {
	switch s {
	case "property", "properties":
		return ResourceProperty, nil
	case "banner", "banners":
		return ResourceBanner, nil
	}
	return "", fmt.Errorf("unknown resource type: %q", s)
}

// ChangeStatus is the lifecycle state of a change record
type ChangeStatus string

const (
	StatusDraft         ChangeStatus = "draft"
	StatusPending       ChangeStatus = "pending"
	StatusNeedsRevision ChangeStatus = "needs_revision"
	StatusApproved      ChangeStatus = "approved"
	StatusRejected      ChangeStatus = "rejected"
)

// ParseChangeStatus validates a status string
func ParseChangeStatus(s string) (ChangeStatus, error) {
	switch st := ChangeStatus(s); st {
	case StatusDraft, StatusPending, StatusNeedsRevision, StatusApproved, StatusRejected:
		return st, nil
	}
	return "", fmt.Errorf("unknown change status: %q", s)
}

// IsTerminal reports whether no further transition is possible
func (s ChangeStatus) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// IsActive reports whether the status blocks other submissions on the same target
func (s ChangeStatus) IsActive() bool {
	return s == StatusPending || s == StatusNeedsRevision
}

// IsEditable reports whether the proposer may still change the payload
func (s ChangeStatus) IsEditable() bool {
	return s == StatusDraft || s == StatusNeedsRevision
}

// ChangeRecord is a proposed edit to a resource (or a proposal for a new one)
// Maps to: change_records table
type ChangeRecord struct {
	ID   uuid.UUID    `db:"id" json:"id"`
	Type ResourceType `db:"resource_type" json:"type"`

	// Absent for proposals of a new resource, set on approval
	TargetID *uuid.UUID `db:"target_id" json:"target_id"`

	ProposerID      string          `db:"proposer_id" json:"proposer_id"`
	ProposedPayload json.RawMessage `db:"proposed_payload" json:"proposed_payload"`
	Status          ChangeStatus    `db:"status" json:"status"`
	IsDraft         bool            `db:"is_draft" json:"is_draft"`

	// Set by the reviewer on reject and request-changes
	Reason     *string `db:"reason" json:"reason,omitempty"`
	ReviewedBy *string `db:"reviewed_by" json:"reviewed_by,omitempty"`

	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
	SubmittedAt *time.Time `db:"submitted_at" json:"submitted_at,omitempty"`
	ReviewedAt  *time.Time `db:"reviewed_at" json:"reviewed_at,omitempty"`
}

// TargetKey identifies the (type, target) pair guarded by the one-active-change rule
type TargetKey struct {
	Type     ResourceType
	TargetID uuid.UUID
}

// ActiveKey returns the guarded pair, or false for new-resource proposals
func (c *ChangeRecord) ActiveKey() (TargetKey, bool) {
	if c.TargetID == nil {
		return TargetKey{}, false
	}
	return TargetKey{Type: c.Type, TargetID: *c.TargetID}, true
}

// Clone returns a deep copy
func (c *ChangeRecord) Clone() *ChangeRecord {
	out := *c
	if c.TargetID != nil {
		id := *c.TargetID
		out.TargetID = &id
	}
	if c.ProposedPayload != nil {
		out.ProposedPayload = append(json.RawMessage(nil), c.ProposedPayload...)
	}
	out.Reason = cloneString(c.Reason)
	out.ReviewedBy = cloneString(c.ReviewedBy)
	out.SubmittedAt = cloneTime(c.SubmittedAt)
	out.ReviewedAt = cloneTime(c.ReviewedAt)
	return &out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
