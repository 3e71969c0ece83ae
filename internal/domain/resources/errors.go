package resources

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/fhirvault/fhirvault/internal/platform/fhir"
	"github.com/fhirvault/fhirvault/internal/platform/search"
)

var (
	// ErrNotFound means no current document exists for the key.
	ErrNotFound = errors.New("resource not found")

	// ErrGone means the resource existed and was deleted.
	ErrGone = errors.New("resource deleted")

	// ErrVersionConflict means the write lost to a tombstone or a concurrent
	// update. Safe to retry after a fresh read.
	ErrVersionConflict = errors.New("version conflict")

	// ErrInvalidResource means the document failed structural validation.
	ErrInvalidResource = errors.New("invalid resource")
)

// ValidationError carries the individual issues behind a rejected document
// or bundle so handlers can render them as an OperationOutcome.
type ValidationError struct {
	Issues []fhir.OperationOutcomeIssue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		msgs[i] = issue.Diagnostics
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalidResource }

func invalidf(code, format string, args ...interface{}) error {
	return &ValidationError{Issues: []fhir.OperationOutcomeIssue{{
		Severity:    fhir.IssueSeverityError,
		Code:        code,
		Diagnostics: fmt.Sprintf(format, args...),
	}}}
}

// StatusAndOutcome maps a pipeline error to the HTTP status and the
// OperationOutcome body that describe it. Used both for direct REST
// responses and for per-entry responses inside batch bundles.
func StatusAndOutcome(resourceType, id string, err error) (int, *fhir.OperationOutcome) {
	var (
		ve       *ValidationError
		unknown  *search.UnknownParameterError
		badValue *search.InvalidValueError
		conflict *search.ConflictError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, fhir.MultiIssueOutcome(ve.Issues)
	case errors.As(err, &unknown):
		return http.StatusBadRequest, fhir.NotSupportedOutcome(err.Error())
	case errors.As(err, &badValue):
		return http.StatusBadRequest, fhir.InvalidOutcome(err.Error())
	case errors.As(err, &conflict):
		return http.StatusBadRequest, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeBusinessRule, err.Error())
	case errors.Is(err, ErrVersionConflict):
		return http.StatusConflict, fhir.ConflictOutcome(err.Error())
	case errors.Is(err, ErrGone):
		return http.StatusGone, fhir.GoneOutcome(resourceType, id)
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, fhir.NotFoundOutcome(resourceType, id)
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeTimeout, "the store did not respond in time")
	default:
		return http.StatusInternalServerError, fhir.InternalErrorOutcome(err.Error())
	}
}
