package ports

import (
	"errors"
	"fmt"
)

// Standard application-level errors.
// Adapters wrap underlying infrastructure errors with these standard errors
// so that core code can classify failures with errors.Is without knowing
// venue specifics.
var (
	// General
	ErrUnknown         = errors.New("unknown error occurred")
	ErrNotFound        = errors.New("resource not found")
	ErrTimeout         = errors.New("operation timed out")
	ErrContextCanceled = errors.New("operation canceled via context")

	// Venue errors, retriable: transient conditions worth retrying with
	// backoff (5xx, rate limit, network). Beyond the retry ceiling an
	// adapter escalates to ErrVenueFatal.
	ErrVenueRetriable   = errors.New("retriable venue error")
	ErrRateLimited      = fmt.Errorf("API rate limit exceeded: %w", ErrVenueRetriable)
	ErrVenueUnavailable = fmt.Errorf("venue API is unavailable: %w", ErrVenueRetriable)
	ErrConnectionFailed = fmt.Errorf("failed to connect to the venue: %w", ErrVenueRetriable)

	// Venue errors, fatal: the request itself is wrong or cannot ever
	// succeed. Surfaced to the caller; never retried.
	ErrVenueFatal           = errors.New("non-retriable venue error")
	ErrInvalidRequest       = fmt.Errorf("invalid request parameters or format: %w", ErrVenueFatal)
	ErrInsufficientFunds    = fmt.Errorf("insufficient funds for operation: %w", ErrVenueFatal)
	ErrAuthenticationFailed = fmt.Errorf("venue authentication failed (check API keys): %w", ErrVenueFatal)
	ErrPermissionDenied     = fmt.Errorf("permission denied: %w", ErrVenueFatal)
	ErrOrderNotFound        = fmt.Errorf("order not found on the venue: %w", ErrVenueFatal)

	// Persistence: storage I/O failure. The enclosing transaction is
	// rolled back; the caller observes no state change.
	ErrPersistence = errors.New("persistence failure")

	// Reconciliation: local and venue state disagree in a way the startup
	// procedure cannot heal. The position is quarantined.
	ErrReconciliationConflict = errors.New("reconciliation conflict")
)

// AdmissionError reports a portfolio-level rejection of a new entry.
// It is an expected control-flow outcome, not logged as an error.
type AdmissionError struct {
	Reason string // machine-readable reason code, e.g. "position_size_exceeds_limit"
}

func (e *AdmissionError) Error() string {
	return "admission rejected: " + e.Reason
}

// ErrAdmissionRejected matches any AdmissionError via errors.Is.
var ErrAdmissionRejected = errors.New("admission rejected")

// Is lets errors.Is(err, ErrAdmissionRejected) succeed for AdmissionError.
func (e *AdmissionError) Is(target error) bool {
	return target == ErrAdmissionRejected
}
