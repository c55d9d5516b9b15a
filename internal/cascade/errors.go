package cascade

import (
	"errors"
	"fmt"
)

const (
	CodeSchemaMismatch = "SCHEMA_MISMATCH"
	CodeConfiguration  = "CONFIGURATION_ERROR"
	CodeCycleGuard     = "CYCLE_GUARD_VIOLATION"
	CodeRestricted     = "RESTRICTED"
)

var (
	ErrSchemaMismatch = errors.New("schema mismatch")
	ErrConfiguration  = errors.New("cascade configuration error")
	ErrCycleGuard     = errors.New("cycle guard violation")
	ErrRestricted     = errors.New("delete restricted")
)

// Error is returned for every fatal cascade condition. None of them are
// retried; the caller is expected to roll back its unit of work.
type Error struct {
	Code    string `json:"code"`
	Entity  string `json:"entity,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the package sentinels by code.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrSchemaMismatch:
		return e.Code == CodeSchemaMismatch
	case ErrConfiguration:
		return e.Code == CodeConfiguration
	case ErrCycleGuard:
		return e.Code == CodeCycleGuard
	case ErrRestricted:
		return e.Code == CodeRestricted
	}
	return false
}

func SchemaMismatchError(entity, field, format string, args ...any) *Error {
	return &Error{
		Code:    CodeSchemaMismatch,
		Entity:  entity,
		Field:   field,
		Message: fmt.Sprintf("%s.%s: ", entity, field) + fmt.Sprintf(format, args...),
	}
}

func ConfigurationError(entity, field, format string, args ...any) *Error {
	return &Error{
		Code:    CodeConfiguration,
		Entity:  entity,
		Field:   field,
		Message: fmt.Sprintf("%s.%s: ", entity, field) + fmt.Sprintf(format, args...),
	}
}

func CycleGuardError(id ID, format string, args ...any) *Error {
	return &Error{
		Code:    CodeCycleGuard,
		Message: fmt.Sprintf("%s: ", id) + fmt.Sprintf(format, args...),
	}
}

func RestrictedError(entity, field string, blocking ID) *Error {
	return &Error{
		Code:    CodeRestricted,
		Entity:  entity,
		Field:   field,
		Message: fmt.Sprintf("cannot delete %s: related record %s exists via %s", entity, blocking, field),
	}
}
