package tender

import (
	"errors"
	"fmt"
)

// Sentinel errors for lookups against the persistence layer.
var (
	ErrNotFound      = errors.New("tender not found")
	ErrDuplicateExternalID = errors.New("tender with this external id already exists")
)

// ValidationError wraps the messages produced by component D. It is
// deterministic, logged as Error rows, and terminal (VALIDATION_FAILED).
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %d issue(s)", len(e.Messages))
}

// DocumentAcquisitionError means neither direct fetch nor either
// scrape attempt produced documents. Terminal (DOCUMENTS_FETCH_FAILED).
type DocumentAcquisitionError struct {
	Cause error
}

func (e *DocumentAcquisitionError) Error() string {
	return fmt.Sprintf("document acquisition failed: %v", e.Cause)
}

func (e *DocumentAcquisitionError) Unwrap() error { return e.Cause }

// FilterReject is not an error condition, it is an expected pipeline
// outcome: no active filter matched. Terminal (REJECTED_FILTER), no alert.
type FilterReject struct{}

func (e *FilterReject) Error() string { return "no active filter matched" }

// AIReject is the expected outcome when the AI service declines the
// tender. Terminal (REJECTED_AI), no alert.
type AIReject struct {
	Reason string
}

func (e *AIReject) Error() string { return "AI classification rejected: " + e.Reason }

// AIServiceError covers AI submit/poll faults and timeouts; both are
// treated as a reject, persisted in the AICheck row.
type AIServiceError struct {
	Status AIStatus // AIError, AIFailed, or AITimeout
	Cause  error
}

func (e *AIServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("AI service error (%s): %v", e.Status, e.Cause)
	}
	return fmt.Sprintf("AI service error (%s)", e.Status)
}

func (e *AIServiceError) Unwrap() error { return e.Cause }

// ExportError means the CRM export step failed. Terminal
// (EXPORT_FAILED) with alert; the tender is never silently retried.
type ExportError struct {
	Cause error
}

func (e *ExportError) Error() string { return fmt.Sprintf("export failed: %v", e.Cause) }

func (e *ExportError) Unwrap() error { return e.Cause }

// UnexpectedError is any other fault. It transitions the tender to
// ERROR, is logged, alerted, and re-raised to the orchestrator's caller.
type UnexpectedError struct {
	Cause error
}

func (e *UnexpectedError) Error() string { return fmt.Sprintf("unexpected error: %v", e.Cause) }

func (e *UnexpectedError) Unwrap() error { return e.Cause }

// IsExpectedOutcome reports whether err represents a non-alerting,
// expected pipeline outcome (filter or AI rejection) rather than a fault.
func IsExpectedOutcome(err error) bool {
	var fr *FilterReject
	var ar *AIReject
	return errors.As(err, &fr) || errors.As(err, &ar)
}
