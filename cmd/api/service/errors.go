package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/estatehub/portal/cmd/api/models"
	"github.com/estatehub/portal/common/validation"
	"github.com/google/uuid"
)

// Sentinels for errors.Is; every typed error below unwraps to one of them
var (
	ErrValidation   = errors.New("validation failed")
	ErrInvalidState = errors.New("invalid state")
	ErrConflict     = errors.New("conflict")
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
)

// ValidationError reports malformed or incomplete input. No state was changed.
type ValidationError struct {
	Fields validation.Errors
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + " " + f.Message
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func fieldError(field, message string) *ValidationError {
	return &ValidationError{Fields: validation.Errors{{Field: field, Message: message}}}
}

// asValidationError converts payload validator output, passing other errors through
func asValidationError(err error) error {
	var fields validation.Errors
	if errors.As(err, &fields) {
		return &ValidationError{Fields: fields}
	}
	return err
}

// InvalidStateError reports an operation attempted from the wrong status
type InvalidStateError struct {
	ChangeID  uuid.UUID
	Status    models.ChangeStatus
	Operation models.Transition
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: cannot %s change %s in status %s", ErrInvalidState, e.Operation, e.ChangeID, e.Status)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// Allowed lists the statuses the operation accepts
func (e *InvalidStateError) Allowed() []models.ChangeStatus {
	return e.Operation.AllowedFrom()
}

func invalidState(c *models.ChangeRecord, t models.Transition) error {
	return &InvalidStateError{ChangeID: c.ID, Status: c.Status, Operation: t}
}

// ConflictError reports a competing active change on the same target
type ConflictError struct {
	Type             models.ResourceType
	TargetID         uuid.UUID
	ExistingChangeID *uuid.UUID
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("%s: %s %s already has an active change", ErrConflict, e.Type, e.TargetID)
	if e.ExistingChangeID != nil {
		msg += " (" + e.ExistingChangeID.String() + ")"
	}
	return msg
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// AssignmentsError blocks deleting an actor that still owns assignments
type AssignmentsError struct {
	Kind  string // "employee" or "agent"
	ID    uuid.UUID
	Count models.AssignmentCount
}

func (e *AssignmentsError) Error() string {
	return fmt.Sprintf("%s: %s %s still has %d properties and %d agents assigned",
		ErrConflict, e.Kind, e.ID, e.Count.Properties, e.Count.Agents)
}

func (e *AssignmentsError) Unwrap() error { return ErrConflict }

// DuplicateRequestError is returned while a request with the same idempotency key is in flight
type DuplicateRequestError struct {
	Key string
}

func (e *DuplicateRequestError) Error() string {
	return fmt.Sprintf("%s: request with idempotency key %q is still in progress", ErrConflict, e.Key)
}

func (e *DuplicateRequestError) Unwrap() error { return ErrConflict }

// NotFoundError reports an unknown id
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func notFound(kind string, id fmt.Stringer) error {
	return &NotFoundError{Kind: kind, ID: id.String()}
}

// ForbiddenError reports an actor lacking permission for the operation
type ForbiddenError struct {
	Reason string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("%s: %s", ErrForbidden, e.Reason)
}

func (e *ForbiddenError) Unwrap() error { return ErrForbidden }

func forbidden(format string, args ...interface{}) error {
	return &ForbiddenError{Reason: fmt.Sprintf(format, args...)}
}
