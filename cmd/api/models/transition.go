package models

import (
	"fmt"
	"time"
)

// Transition names an operation on a change record
type Transition string

const (
	TransitionUpdate          Transition = "update"
	TransitionSubmit          Transition = "submit"
	TransitionWithdraw        Transition = "withdraw"
	TransitionDiscard         Transition = "discard"
	TransitionApprove         Transition = "approve"
	TransitionReject          Transition = "reject"
	TransitionRequestRevision Transition = "request_revision"
	TransitionFork            Transition = "fork"
)

type edge struct {
	from []ChangeStatus
	to   ChangeStatus // empty for transitions that delete or keep the status
}

var transitions = map[Transition]edge{
	TransitionUpdate:          {from: []ChangeStatus{StatusDraft, StatusNeedsRevision}},
	TransitionSubmit:          {from: []ChangeStatus{StatusDraft, StatusNeedsRevision}, to: StatusPending},
	TransitionWithdraw:        {from: []ChangeStatus{StatusPending}, to: StatusDraft},
	TransitionDiscard:         {from: []ChangeStatus{StatusDraft, StatusNeedsRevision}},
	TransitionApprove:         {from: []ChangeStatus{StatusPending}, to: StatusApproved},
	TransitionReject:          {from: []ChangeStatus{StatusPending}, to: StatusRejected},
	TransitionRequestRevision: {from: []ChangeStatus{StatusPending}, to: StatusNeedsRevision},
	TransitionFork:            {from: []ChangeStatus{StatusRejected}},
}

// ErrTransitionNotAllowed is returned when an operation is attempted from the wrong status
type ErrTransitionNotAllowed struct {
	From       ChangeStatus
	Transition Transition
}

func (e *ErrTransitionNotAllowed) Error() string {
	return fmt.Sprintf("cannot %s a change in status %s", e.Transition, e.From)
}

// Allows reports whether t may be applied from status s
func (t Transition) Allows(s ChangeStatus) bool {
	e, ok := transitions[t]
	if !ok {
		return false
	}
	for _, from := range e.from {
		if from == s {
			return true
		}
	}
	return false
}

// AllowedFrom lists the source statuses of t
func (t Transition) AllowedFrom() []ChangeStatus {
	return append([]ChangeStatus(nil), transitions[t].from...)
}

// Check returns ErrTransitionNotAllowed when t cannot be applied to c
func (c *ChangeRecord) Check(t Transition) error {
	if !t.Allows(c.Status) {
		return &ErrTransitionNotAllowed{From: c.Status, Transition: t}
	}
	return nil
}

// Apply moves c along t, stamping the timestamps that transition owns.
// The record is left untouched when the transition is not allowed.
func (c *ChangeRecord) Apply(t Transition, now time.Time) error {
	if err := c.Check(t); err != nil {
		return err
	}

	if to := transitions[t].to; to != "" {
		c.Status = to
	}
	c.IsDraft = c.Status == StatusDraft
	c.UpdatedAt = now

	switch t {
	case TransitionSubmit:
		c.SubmittedAt = &now
	case TransitionWithdraw:
		c.SubmittedAt = nil
	case TransitionApprove, TransitionReject, TransitionRequestRevision:
		c.ReviewedAt = &now
	}
	return nil
}

// Close rejects any non-terminal record regardless of its review state.
// Used when the target resource disappears.
func (c *ChangeRecord) Close(reason, reviewer string, now time.Time) error {
	if c.Status.IsTerminal() {
		return &ErrTransitionNotAllowed{From: c.Status, Transition: TransitionReject}
	}
	c.Status = StatusRejected
	c.IsDraft = false
	c.Reason = &reason
	c.ReviewedBy = &reviewer
	c.ReviewedAt = &now
	c.UpdatedAt = now
	return nil
}
