package services

import (
	"errors"
	"fmt"
)

// Error taxonomy for engine operations. Callers classify with errors.Is.
var (
	// ErrNotFound: the referenced booking/listing/metrics document is absent.
	ErrNotFound = errors.New("document not found")

	// ErrValidation: malformed amounts, out-of-range percentages, bad
	// destination formats. Never retryable.
	ErrValidation = errors.New("validation failed")

	// ErrConcurrencyConflict: the store transaction exhausted its retry
	// budget. Transient; the whole logical operation is safe to retry
	// because transitions no-op once the document has moved on.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrExternalService: a best-effort collaborator (notifier, reward
	// issuance) failed. Reported as a warning, never reverts committed state.
	ErrExternalService = errors.New("external service failure")
)

func validationErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
