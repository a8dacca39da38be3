package nodes

import (
	"errors"
	"fmt"
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeFormat      ErrorType = "format"
	ErrorTypeConstraint  ErrorType = "constraint"
	ErrorTypeConflict    ErrorType = "conflict"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeReference   ErrorType = "reference"
	ErrorTypeRepository  ErrorType = "repository"
	ErrorTypeInvalidJSON ErrorType = "invalid_json"
	ErrorTypeFiltered    ErrorType = "filtered"
	ErrorTypeInternal    ErrorType = "internal"
)

// Sentinel causes. Stores wrap them so callers can use errors.Is.
var (
	ErrNotFound            = errors.New("node not found")
	ErrPropertyNotFound    = errors.New("property not found")
	ErrConstraintViolation = errors.New("constraint violation")
	ErrCardinalityMismatch = errors.New("property cardinality mismatch")
)

// NodesError is the unified error of the mapping engine and its stores.
type NodesError struct {
	Type     ErrorType      `json:"type"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Path     string         `json:"path,omitempty"`
	Property string         `json:"property,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Cause    error          `json:"-"`
}

func (e *NodesError) Error() string {
	switch {
	case e.Path != "" && e.Property != "":
		return fmt.Sprintf("[%s:%s] %s@%s: %s", e.Type, e.Code, e.Path, e.Property, e.Message)
	case e.Path != "":
		return fmt.Sprintf("[%s:%s] node %s: %s", e.Type, e.Code, e.Path, e.Message)
	case e.Property != "":
		return fmt.Sprintf("[%s:%s] property '%s': %s", e.Type, e.Code, e.Property, e.Message)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
}

func (e *NodesError) Unwrap() error {
	return e.Cause
}

// WithDetail adds a single detail
func (e *NodesError) WithDetail(key string, value any) *NodesError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause adds a cause
func (e *NodesError) WithCause(cause error) *NodesError {
	e.Cause = cause
	return e
}

// WithPath adds node context
func (e *NodesError) WithPath(path string) *NodesError {
	e.Path = path
	return e
}

// WithProperty adds property context
func (e *NodesError) WithProperty(name string) *NodesError {
	e.Property = name
	return e
}

// Error codes
const (
	ErrCodeValidationFailed    = "VALIDATION_FAILED"
	ErrCodeInvalidFormat       = "INVALID_FORMAT"
	ErrCodeConstraintViolation = "CONSTRAINT_VIOLATION"
	ErrCodeRenameConflict      = "RENAME_CONFLICT"
	ErrCodeNodeExists          = "NODE_EXISTS"
	ErrCodeNodeNotFound        = "NODE_NOT_FOUND"
	ErrCodePropertyNotFound    = "PROPERTY_NOT_FOUND"
	ErrCodeReferenceNotFound   = "REFERENCE_NOT_FOUND"
	ErrCodeRepositoryFailed    = "REPOSITORY_FAILED"
	ErrCodeCardinality         = "CARDINALITY_MISMATCH"
	ErrCodeInvalidJSON         = "INVALID_JSON"
	ErrCodeFiltered            = "FILTERED"
	ErrCodeInternalError       = "INTERNAL_ERROR"
)

// NewNodesError creates a new NodesError
func NewNodesError(errorType ErrorType, code, message string) *NodesError {
	return &NodesError{
		Type:    errorType,
		Code:    code,
		Message: message,
	}
}

// NewValidationError creates a validation error
func NewValidationError(message string) *NodesError {
	return NewNodesError(ErrorTypeValidation, ErrCodeValidationFailed, message)
}

// NewFormatError reports a value that cannot be coerced to its declared type.
func NewFormatError(target PropertyType, value any, cause error) *NodesError {
	return &NodesError{
		Type:    ErrorTypeFormat,
		Code:    ErrCodeInvalidFormat,
		Message: fmt.Sprintf("cannot convert %v to %s", value, target),
		Details: map[string]any{"targetType": target.String()},
		Cause:   cause,
	}
}

// NewConstraintViolation reports a structural rule of the store rejecting a change.
func NewConstraintViolation(path, property, message string) *NodesError {
	return &NodesError{
		Type:     ErrorTypeConstraint,
		Code:     ErrCodeConstraintViolation,
		Message:  message,
		Path:     path,
		Property: property,
		Cause:    ErrConstraintViolation,
	}
}

// NewCardinalityError reports a single/multi mismatch on an existing property.
func NewCardinalityError(path, property string, existingMulti bool) *NodesError {
	msg := "property is single-valued"
	if existingMulti {
		msg = "property is multi-valued"
	}
	return &NodesError{
		Type:     ErrorTypeConstraint,
		Code:     ErrCodeCardinality,
		Message:  msg,
		Path:     path,
		Property: property,
		Cause:    ErrCardinalityMismatch,
	}
}

// NewRenameConflict reports an oldname/name collision with an existing property.
func NewRenameConflict(path, oldName, name string) *NodesError {
	return &NodesError{
		Type:     ErrorTypeConflict,
		Code:     ErrCodeRenameConflict,
		Message:  fmt.Sprintf("cannot rename '%s': property '%s' exists", oldName, name),
		Path:     path,
		Property: name,
		Details:  map[string]any{"oldName": oldName},
	}
}

// NewNodeExistsError reports a create on an occupied path.
func NewNodeExistsError(path string) *NodesError {
	return &NodesError{
		Type:    ErrorTypeConflict,
		Code:    ErrCodeNodeExists,
		Message: "node already exists",
		Path:    path,
	}
}

// NewNodeNotFoundError creates a node not found error
func NewNodeNotFoundError(path string) *NodesError {
	return &NodesError{
		Type:    ErrorTypeNotFound,
		Code:    ErrCodeNodeNotFound,
		Message: "node not found",
		Path:    path,
		Cause:   ErrNotFound,
	}
}

// NewPropertyNotFoundError creates a property not found error
func NewPropertyNotFoundError(path, name string) *NodesError {
	return &NodesError{
		Type:     ErrorTypeNotFound,
		Code:     ErrCodePropertyNotFound,
		Message:  "property not found",
		Path:     path,
		Property: name,
		Cause:    ErrPropertyNotFound,
	}
}

// NewReferenceError reports an identifier that does not resolve to a node.
func NewReferenceError(identifier string, cause error) *NodesError {
	return &NodesError{
		Type:    ErrorTypeReference,
		Code:    ErrCodeReferenceNotFound,
		Message: fmt.Sprintf("no node with identifier '%s'", identifier),
		Details: map[string]any{"identifier": identifier},
		Cause:   cause,
	}
}

// NewRepositoryError wraps an I/O or transactional failure of the store.
func NewRepositoryError(operation, path string, cause error) *NodesError {
	return &NodesError{
		Type:    ErrorTypeRepository,
		Code:    ErrCodeRepositoryFailed,
		Message: operation + " failed",
		Path:    path,
		Cause:   cause,
	}
}

// NewInvalidJSONError reports malformed input.
func NewInvalidJSONError(cause error) *NodesError {
	msg := "malformed JSON"
	if cause != nil {
		msg = "malformed JSON: " + cause.Error()
	}
	return &NodesError{
		Type:    ErrorTypeInvalidJSON,
		Code:    ErrCodeInvalidJSON,
		Message: msg,
		Cause:   cause,
	}
}

// ErrorTypeOf returns the category of err, ErrorTypeRepository for foreign errors.
func ErrorTypeOf(err error) ErrorType {
	var ne *NodesError
	if errors.As(err, &ne) {
		return ne.Type
	}
	return ErrorTypeRepository
}

func hasType(err error, t ErrorType) bool {
	var ne *NodesError
	for errors.As(err, &ne) {
		if ne.Type == t {
			return true
		}
		if ne.Cause == nil {
			return false
		}
		err = ne.Cause
	}
	return false
}

// IsFormatError reports a value coercion failure.
func IsFormatError(err error) bool { return hasType(err, ErrorTypeFormat) }

// IsConstraintViolation reports a store constraint rejection.
func IsConstraintViolation(err error) bool {
	return errors.Is(err, ErrConstraintViolation)
}

// IsCardinalityMismatch reports a single/multi mismatch.
func IsCardinalityMismatch(err error) bool { return errors.Is(err, ErrCardinalityMismatch) }

// IsNotFound reports a missing node or property.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrPropertyNotFound)
}

// IsConflict reports a rename conflict.
func IsConflict(err error) bool { return hasType(err, ErrorTypeConflict) }

// IsInvalidJSON reports malformed import input.
func IsInvalidJSON(err error) bool { return hasType(err, ErrorTypeInvalidJSON) }
