// Package errors provides structured error types for stepflow.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for stepflow.
const (
	// Catalog errors
	CodeWorkflowNotFound Code = "WORKFLOW_NOT_FOUND"
	CodeWorkflowInvalid  Code = "WORKFLOW_INVALID"
	CodeStepInvalid      Code = "STEP_INVALID"

	// Config errors
	CodeConfigInvalid Code = "CONFIG_INVALID"
	CodeConfigMissing Code = "CONFIG_MISSING"

	// Remote errors
	CodeCatalogUnavailable Code = "CATALOG_UNAVAILABLE"
	CodeEngineUnavailable  Code = "ENGINE_UNAVAILABLE"

	// Run errors
	CodeRunFailed Code = "RUN_FAILED"
)

// Category groups error codes for HTTP status mapping.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryConflict
	CategoryInternal
	CategoryTimeout
	CategoryUnavailable
)

var codeCategories = map[Code]Category{
	CodeWorkflowNotFound:   CategoryNotFound,
	CodeWorkflowInvalid:    CategoryBadRequest,
	CodeStepInvalid:        CategoryBadRequest,
	CodeConfigInvalid:      CategoryBadRequest,
	CodeConfigMissing:      CategoryBadRequest,
	CodeCatalogUnavailable: CategoryUnavailable,
	CodeEngineUnavailable:  CategoryUnavailable,
	CodeRunFailed:          CategoryInternal,
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryNotFound:
		return 404
	case CategoryBadRequest:
		return 400
	case CategoryConflict:
		return 409
	case CategoryTimeout:
		return 504
	case CategoryUnavailable:
		return 503
	default:
		return 500
	}
}

// Error is the structured error type for stepflow.
type Error struct {
	Code  Code   `json:"code"`
	What  string `json:"what"`
	Why   string `json:"why,omitempty"`
	Fix   string `json:"fix,omitempty"`
	Cause error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly message for CLI output.
func (e *Error) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString("\n\nWhy: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n\nFix: ")
		b.WriteString(e.Fix)
	}
	return b.String()
}

// Category returns the error category for HTTP status mapping.
func (e *Error) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *Error) HTTPStatus() int {
	return e.Category().HTTPStatus()
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	type alias Error
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *Error) WithCause(err error) *Error {
	return &Error{
		Code:  e.Code,
		What:  e.What,
		Why:   e.Why,
		Fix:   e.Fix,
		Cause: err,
	}
}

// --- Error constructors ---

// ErrWorkflowNotFound returns an error when a workflow doesn't exist.
func ErrWorkflowNotFound(id int64) *Error {
	return &Error{
		Code: CodeWorkflowNotFound,
		What: fmt.Sprintf("workflow %d not found", id),
		Why:  "No workflow with this ID exists in the catalog",
		Fix:  "Run 'stepflow workflows' to list available workflows",
	}
}

// ErrWorkflowInvalid returns an error for a rejected workflow definition.
func ErrWorkflowInvalid(reason string) *Error {
	return &Error{
		Code: CodeWorkflowInvalid,
		What: "invalid workflow",
		Why:  reason,
	}
}

// ErrStepInvalid returns an error for a rejected workflow step.
func ErrStepInvalid(reason string) *Error {
	return &Error{
		Code: CodeStepInvalid,
		What: "invalid workflow step",
		Why:  reason,
		Fix:  "Steps are numbered densely from 1; omit --number to append",
	}
}

// ErrConfigInvalid returns an error for invalid configuration.
func ErrConfigInvalid(field, reason string) *Error {
	return &Error{
		Code: CodeConfigInvalid,
		What: fmt.Sprintf("invalid configuration: %s", field),
		Why:  reason,
		Fix:  "Check .stepflow/config.yaml or the STEPFLOW_* environment variables",
	}
}

// ErrConfigMissing returns an error for missing configuration.
func ErrConfigMissing(field string) *Error {
	return &Error{
		Code: CodeConfigMissing,
		What: fmt.Sprintf("missing required configuration: %s", field),
		Why:  "This field is required but not set in configuration",
		Fix:  fmt.Sprintf("Add '%s' to .stepflow/config.yaml", field),
	}
}

// ErrCatalogUnavailable returns an error when the catalog API cannot be reached.
func ErrCatalogUnavailable(baseURL string, cause error) *Error {
	return &Error{
		Code:  CodeCatalogUnavailable,
		What:  "workflow catalog is unavailable",
		Why:   fmt.Sprintf("Request to %s failed", baseURL),
		Fix:   "Check engine.base_url, or start a local server with 'stepflow serve'",
		Cause: cause,
	}
}

// ErrEngineUnavailable returns an error when the execution engine is not configured or reachable.
func ErrEngineUnavailable(reason string) *Error {
	return &Error{
		Code: CodeEngineUnavailable,
		What: "execution engine is unavailable",
		Why:  reason,
	}
}

// ErrRunFailed returns an error for a run that ended in the Errored state.
func ErrRunFailed(workflowID int64, status string) *Error {
	return &Error{
		Code: CodeRunFailed,
		What: fmt.Sprintf("run of workflow %d failed", workflowID),
		Why:  status,
		Fix:  "Start a new run; failed steps are not retried automatically",
	}
}

// AsError attempts to convert an error to an *Error.
// Returns nil if the error chain holds no *Error.
func AsError(err error) *Error {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil
		}
		err = u.Unwrap()
	}
	return nil
}

// Wrap wraps a generic error into an *Error with unknown code.
func Wrap(err error, what string) *Error {
	return &Error{
		Code:  Code("UNKNOWN"),
		What:  what,
		Cause: err,
	}
}
