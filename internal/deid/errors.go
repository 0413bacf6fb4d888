package deid

import (
	"errors"
	"fmt"
)

// ErrEmptyContent is returned when a request carries no document text.
var ErrEmptyContent = errors.New("document content is required")

// ValidationError rejects a request before any pass runs.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "validation: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// DetectionError reports a failure inside a detection or generation pass.
// Stage names the pass that failed.
type DetectionError struct {
	Stage Stage
	Err   error
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("detection failed in %s: %v", e.Stage, e.Err)
}

func (e *DetectionError) Unwrap() error { return e.Err }

// PersistenceError reports that redaction succeeded but the mapping batch
// could not be written. The redacted text is never returned alongside it.
type PersistenceError struct {
	DocumentID string
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist mappings for document %s: %v", e.DocumentID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsDetection reports whether err is (or wraps) a DetectionError.
func IsDetection(err error) bool {
	var de *DetectionError
	return errors.As(err, &de)
}

// IsPersistence reports whether err is (or wraps) a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
