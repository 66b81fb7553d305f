package report

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("report not found")
	ErrAlreadySubmitted    = errors.New("report has already been submitted")
	ErrClinicianAlreadySet = errors.New("clinician info is read-only once the report exists")
	ErrMilestoneNotFound   = errors.New("milestone not found")
)

// ValidationError is surfaced to the client as an inline message.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// StorageErrorKind classifies persistence failures.
type StorageErrorKind string

const (
	StorageRead    StorageErrorKind = "read"
	StorageWrite   StorageErrorKind = "write"
	StorageCorrupt StorageErrorKind = "corrupt"
	StorageCrypto  StorageErrorKind = "crypto"
)

// StorageError describes a failed best-effort storage operation.
type StorageError struct {
	Op   string
	ID   ChataID
	Kind StorageErrorKind
	Err  error
}

func (e *StorageError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("storage %s (%s): %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("storage %s %s (%s): %v", e.Op, e.ID, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
