package types

import (
	"errors"
	"fmt"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeExtraction       ErrorType = "extraction"
	ErrorTypeValidation       ErrorType = "validation"
	ErrorTypeLifecycle        ErrorType = "lifecycle"
	ErrorTypeNotFound         ErrorType = "not_found"
	ErrorTypeStoreUnavailable ErrorType = "store_unavailable"
	ErrorTypeConflict         ErrorType = "conflict"
	ErrorTypeIntegrity        ErrorType = "integrity"
	ErrorTypeAuthorization    ErrorType = "authorization"
	ErrorTypeForbidden        ErrorType = "forbidden"
	ErrorTypeRateLimited      ErrorType = "rate_limited"
	ErrorTypeGeneration       ErrorType = "generation"
	ErrorTypeRequest          ErrorType = "request"
	ErrorTypeInternal         ErrorType = "internal"
)

// Common error codes
const (
	ErrCodeNoStructuredPayload      = "NO_STRUCTURED_PAYLOAD"
	ErrCodeMalformedPayload         = "MALFORMED_PAYLOAD"
	ErrCodeSchemaMismatch           = "SCHEMA_MISMATCH"
	ErrCodeValidationRejected       = "VALIDATION_REJECTED"
	ErrCodeCannotEditLockedDocument = "CANNOT_EDIT_LOCKED_DOCUMENT"
	ErrCodeMissingClinicianID       = "MISSING_CLINICIAN_ID"
	ErrCodeInvalidTransition        = "INVALID_TRANSITION"
	ErrCodeDocumentBlocked          = "DOCUMENT_BLOCKED"
	ErrCodeNotFound                 = "NOT_FOUND"
	ErrCodeStoreUnavailable         = "STORE_UNAVAILABLE"
	ErrCodeVersionConflict          = "VERSION_CONFLICT"
	ErrCodeIntegrityFailure         = "INTEGRITY_FAILURE"
	ErrCodeNotExportable            = "NOT_EXPORTABLE"
	ErrCodeUnauthorized             = "UNAUTHORIZED"
	ErrCodeForbidden                = "FORBIDDEN"
	ErrCodeRateLimited              = "RATE_LIMITED"
	ErrCodeGenerationFailed         = "GENERATION_FAILED"
	ErrCodeInvalidRequest           = "INVALID_REQUEST"
	ErrCodeInternalError            = "INTERNAL_ERROR"
)

// ScribeError represents a structured error in the scribe engine
type ScribeError struct {
	Type     ErrorType              `json:"type"`
	Code     string                 `json:"code"`
	Message  string                 `json:"message"`
	Field    string                 `json:"field,omitempty"`
	Details  map[string]interface{} `json:"details,omitempty"`
	Findings []ValidationFinding    `json:"findings,omitempty"`
	Cause    error                  `json:"-"`
}

// Error implements the error interface
func (e *ScribeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Field != "" {
		msg = fmt.Sprintf("%s (field: %s)", msg, e.Field)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s (caused by: %v)", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause error
func (e *ScribeError) Unwrap() error {
	return e.Cause
}

// Is matches errors by code so sentinels work with errors.Is
func (e *ScribeError) Is(target error) bool {
	t, ok := target.(*ScribeError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is comparisons
var (
	ErrNoStructuredPayload      = &ScribeError{Type: ErrorTypeExtraction, Code: ErrCodeNoStructuredPayload}
	ErrMalformedPayload         = &ScribeError{Type: ErrorTypeExtraction, Code: ErrCodeMalformedPayload}
	ErrSchemaMismatch           = &ScribeError{Type: ErrorTypeExtraction, Code: ErrCodeSchemaMismatch}
	ErrValidationRejected       = &ScribeError{Type: ErrorTypeValidation, Code: ErrCodeValidationRejected}
	ErrCannotEditLockedDocument = &ScribeError{Type: ErrorTypeLifecycle, Code: ErrCodeCannotEditLockedDocument}
	ErrMissingClinicianID       = &ScribeError{Type: ErrorTypeLifecycle, Code: ErrCodeMissingClinicianID}
	ErrInvalidTransition        = &ScribeError{Type: ErrorTypeLifecycle, Code: ErrCodeInvalidTransition}
	ErrDocumentBlocked          = &ScribeError{Type: ErrorTypeLifecycle, Code: ErrCodeDocumentBlocked}
	ErrNotFound                 = &ScribeError{Type: ErrorTypeNotFound, Code: ErrCodeNotFound}
	ErrStoreUnavailable         = &ScribeError{Type: ErrorTypeStoreUnavailable, Code: ErrCodeStoreUnavailable}
	ErrVersionConflict          = &ScribeError{Type: ErrorTypeConflict, Code: ErrCodeVersionConflict}
	ErrIntegrityFailure         = &ScribeError{Type: ErrorTypeIntegrity, Code: ErrCodeIntegrityFailure}
	ErrNotExportable            = &ScribeError{Type: ErrorTypeLifecycle, Code: ErrCodeNotExportable}
	ErrUnauthorized             = &ScribeError{Type: ErrorTypeAuthorization, Code: ErrCodeUnauthorized}
	ErrForbidden                = &ScribeError{Type: ErrorTypeForbidden, Code: ErrCodeForbidden}
	ErrRateLimited              = &ScribeError{Type: ErrorTypeRateLimited, Code: ErrCodeRateLimited}
	ErrGenerationFailed         = &ScribeError{Type: ErrorTypeGeneration, Code: ErrCodeGenerationFailed}
	ErrInvalidRequest           = &ScribeError{Type: ErrorTypeRequest, Code: ErrCodeInvalidRequest}
)

// NewExtractionError creates a new extraction error
func NewExtractionError(code, message, field string, cause error) *ScribeError {
	return &ScribeError{
		Type:    ErrorTypeExtraction,
		Code:    code,
		Message: message,
		Field:   field,
		Cause:   cause,
	}
}

// NewValidationRejectedError creates an error carrying the blocking findings
func NewValidationRejectedError(message string, findings []ValidationFinding) *ScribeError {
	field := ""
	if len(findings) > 0 {
		field = findings[0].Field
	}
	return &ScribeError{
		Type:     ErrorTypeValidation,
		Code:     ErrCodeValidationRejected,
		Message:  message,
		Field:    field,
		Findings: findings,
	}
}

// NewLifecycleError creates a new lifecycle guard violation
func NewLifecycleError(code, message string, details map[string]interface{}) *ScribeError {
	return &ScribeError{
		Type:    ErrorTypeLifecycle,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(resource, id string) *ScribeError {
	return &ScribeError{
		Type:    ErrorTypeNotFound,
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{"id": id},
	}
}

// NewStoreUnavailableError wraps an underlying store failure
func NewStoreUnavailableError(operation string, cause error) *ScribeError {
	return &ScribeError{
		Type:    ErrorTypeStoreUnavailable,
		Code:    ErrCodeStoreUnavailable,
		Message: fmt.Sprintf("document store unavailable during %s", operation),
		Cause:   cause,
	}
}

// NewConflictError creates a new optimistic concurrency error
func NewConflictError(id string, expected int) *ScribeError {
	return &ScribeError{
		Type:    ErrorTypeConflict,
		Code:    ErrCodeVersionConflict,
		Message: fmt.Sprintf("document %s was modified concurrently (expected version %d)", id, expected),
		Details: map[string]interface{}{"id": id, "expected_version": expected},
	}
}

// NewIntegrityError creates a new integrity failure
func NewIntegrityError(id, message string) *ScribeError {
	return &ScribeError{
		Type:    ErrorTypeIntegrity,
		Code:    ErrCodeIntegrityFailure,
		Message: message,
		Details: map[string]interface{}{"id": id},
	}
}

// NewGenerationError wraps a failure of the text model
func NewGenerationError(message string, cause error) *ScribeError {
	return &ScribeError{
		Type:    ErrorTypeGeneration,
		Code:    ErrCodeGenerationFailed,
		Message: message,
		Cause:   cause,
	}
}

// NewAuthorizationError creates a new authorization error
func NewAuthorizationError(message string) *ScribeError {
	return &ScribeError{
		Type:    ErrorTypeAuthorization,
		Code:    ErrCodeUnauthorized,
		Message: message,
	}
}

// NewForbiddenError reports an authenticated caller lacking a permission
func NewForbiddenError(action, message string) *ScribeError {
	return &ScribeError{
		Type:    ErrorTypeForbidden,
		Code:    ErrCodeForbidden,
		Message: message,
		Field:   action,
	}
}

// NewRateLimitedError reports a caller over its request budget
func NewRateLimitedError(message string) *ScribeError {
	return &ScribeError{
		Type:    ErrorTypeRateLimited,
		Code:    ErrCodeRateLimited,
		Message: message,
	}
}

// NewInvalidRequestError reports a malformed or unsupported request
func NewInvalidRequestError(field, message string) *ScribeError {
	return &ScribeError{
		Type:    ErrorTypeRequest,
		Code:    ErrCodeInvalidRequest,
		Message: message,
		Field:   field,
	}
}

// NewInternalError creates a new internal error
func NewInternalError(code, message string, cause error) *ScribeError {
	return &ScribeError{
		Type:    ErrorTypeInternal,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// AsScribeError extracts a *ScribeError from an error chain
func AsScribeError(err error) (*ScribeError, bool) {
	var se *ScribeError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
