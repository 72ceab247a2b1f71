package domain

import (
	"errors"
	"fmt"
)

// Sentinels matched by the typed errors below through errors.Is.
var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidType    = errors.New("invalid attribute type")
	ErrDuplicateType  = errors.New("duplicate attribute type")
	ErrDuplicateChild = errors.New("duplicate child unit")
	ErrConflict       = errors.New("concurrent modification")
	ErrStorage        = errors.New("storage failure")
	ErrValidation     = errors.New("validation failed")
)

// EntityType names the kind of record an error refers to.
type EntityType string

const (
	EntityUnit      EntityType = "unit"
	EntityAttribute EntityType = "attribute"
	EntityReference EntityType = "attribute reference"
)

// NotFoundError reports an id that does not resolve.
type NotFoundError struct {
	Entity EntityType
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e NotFoundError) Is(target error) bool { return target == ErrNotFound }

// InvalidTypeError reports an attribute type outside the closed set.
type InvalidTypeError struct {
	Type string
}

func (e InvalidTypeError) Error() string {
	return fmt.Sprintf("unknown attribute type %q", e.Type)
}

func (e InvalidTypeError) Is(target error) bool { return target == ErrInvalidType }

// DuplicateTypeError reports a second attribute of a type already present on a unit.
type DuplicateTypeError struct {
	UnitID string
	Type   AttributeType
}

func (e DuplicateTypeError) Error() string {
	if e.UnitID == "" {
		return fmt.Sprintf("more than one attribute of type %s", e.Type)
	}
	return fmt.Sprintf("unit %s already has an attribute of type %s", e.UnitID, e.Type)
}

func (e DuplicateTypeError) Is(target error) bool { return target == ErrDuplicateType }

// DuplicateChildError reports the same existing unit listed twice as a child of one node.
type DuplicateChildError struct {
	ChildID string
}

func (e DuplicateChildError) Error() string {
	return fmt.Sprintf("child unit %s listed more than once", e.ChildID)
}

func (e DuplicateChildError) Is(target error) bool { return target == ErrDuplicateChild }

// ConflictError reports a failed check-and-set on a unit's version.
type ConflictError struct {
	UnitID string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("unit %s was modified concurrently", e.UnitID)
}

func (e ConflictError) Is(target error) bool { return target == ErrConflict }

// StorageError wraps a failure of the underlying backend.
type StorageError struct {
	Op  string
	Err error
}

func (e StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e StorageError) Unwrap() error { return e.Err }

func (e StorageError) Is(target error) bool { return target == ErrStorage }

// ValidationError reports a malformed payload.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e ValidationError) Is(target error) bool { return target == ErrValidation }

// IsClientError reports whether err was caused by the caller's input rather
// than the backend.
func IsClientError(err error) bool {
	for _, sentinel := range []error{ErrNotFound, ErrInvalidType, ErrDuplicateType, ErrDuplicateChild, ErrValidation} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
