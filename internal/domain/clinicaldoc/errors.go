package clinicaldoc

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound          = errors.New("document not found")
	ErrAlreadySigned     = errors.New("document is already signed")
	ErrAlreadyLocked     = errors.New("document is locked")
	ErrNotLocked         = errors.New("document is not locked")
	ErrValidation        = errors.New("validation failed")
	ErrPrivilegeRequired = errors.New("administrative privileges required")
	ErrStorage           = errors.New("storage failure")

	// errStateConflict is returned by conditional store writes that matched
	// no row; the controller turns it into one of the errors above.
	errStateConflict = errors.New("state changed concurrently")
)

// ValidationError lists field level problems. It matches ErrValidation with errors.Is.
type ValidationError struct {
	Fields map[string]string
}

func newValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s %s", k, e.Fields[k]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func isDomainError(err error) bool {
	for _, target := range []error{ErrNotFound, ErrAlreadySigned, ErrAlreadyLocked, ErrNotLocked, ErrValidation, ErrPrivilegeRequired, ErrStorage} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// outcome is the metrics label for the result of a transition.
func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadySigned):
		return "already_signed"
	case errors.Is(err, ErrAlreadyLocked):
		return "already_locked"
	case errors.Is(err, ErrNotLocked):
		return "not_locked"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrPrivilegeRequired):
		return "forbidden"
	default:
		return "storage_error"
	}
}
