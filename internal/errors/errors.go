// Package errors holds the error taxonomy shared by every ingestion stage.
//
// Errors fall into four families that decide how a stage reacts:
//
//   - protocol errors drop the datagram and change no state
//   - reassembly conflicts drop the fragment and keep the buffer
//   - codec errors drop the completed blob
//   - storage errors discard the pending batch after at most one reconnect
//
// Stages wrap sentinels with fmt.Errorf("...: %w", err) and classify with
// the Is* helpers below.
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Protocol errors
	ErrTooShort           = errors.New("datagram too short")
	ErrCountMismatch      = errors.New("sample count exceeds payload")
	ErrUnsupportedVersion = errors.New("unsupported version")
	ErrInvalidHeader      = errors.New("invalid header")
	ErrBlobTooLarge       = errors.New("declared blob size exceeds limit")
	ErrTableFull          = errors.New("reassembly table full")

	// Reassembly conflicts
	ErrOverflow = errors.New("fragment exceeds declared total")
	ErrConflict = errors.New("fragment redeclares total")

	// Codec errors
	ErrDecompress   = errors.New("decompression failed")
	ErrSizeMismatch = errors.New("decompressed size mismatch")
	ErrDecode       = errors.New("decode failed")

	// Storage errors
	ErrStorage    = errors.New("storage error")
	ErrConnBroken = errors.New("connection broken")

	// Pool errors
	ErrPoolSize   = errors.New("pool size must be positive")
	ErrPoolClosed = errors.New("pool closed")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingField  = errors.New("missing required field")

	// Lifecycle errors
	ErrAlreadyRunning = errors.New("already running")
	ErrClosed         = errors.New("closed")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// IsProtocolError reports whether err rejects a datagram before any state
// was touched.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrTooShort) ||
		errors.Is(err, ErrCountMismatch) ||
		errors.Is(err, ErrUnsupportedVersion) ||
		errors.Is(err, ErrInvalidHeader) ||
		errors.Is(err, ErrBlobTooLarge) ||
		errors.Is(err, ErrTableFull)
}

// IsReassemblyConflict reports whether err rejects a fragment against an
// existing buffer.
func IsReassemblyConflict(err error) bool {
	return errors.Is(err, ErrOverflow) ||
		errors.Is(err, ErrConflict)
}

// IsCodecError reports whether err failed a completed blob.
func IsCodecError(err error) bool {
	return errors.Is(err, ErrDecompress) ||
		errors.Is(err, ErrSizeMismatch) ||
		errors.Is(err, ErrDecode)
}

// IsStorageError reports whether err came from the storage backend.
func IsStorageError(err error) bool {
	return errors.Is(err, ErrStorage) ||
		errors.Is(err, ErrConnBroken)
}

// IsValidation returns true if err is a configuration error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField)
}

// Kind maps err to a short stable label used for metrics and log fields.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrTooShort):
		return "too_short"
	case errors.Is(err, ErrCountMismatch):
		return "count_mismatch"
	case errors.Is(err, ErrUnsupportedVersion):
		return "unsupported_version"
	case errors.Is(err, ErrBlobTooLarge):
		return "blob_too_large"
	case errors.Is(err, ErrTableFull):
		return "table_full"
	case errors.Is(err, ErrInvalidHeader):
		return "invalid_header"
	case errors.Is(err, ErrOverflow):
		return "overflow"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrSizeMismatch):
		return "size_mismatch"
	case errors.Is(err, ErrDecompress):
		return "decompress"
	case errors.Is(err, ErrDecode):
		return "decode"
	case errors.Is(err, ErrConnBroken):
		return "conn_broken"
	case errors.Is(err, ErrStorage):
		return "storage"
	default:
		return "other"
	}
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Storage tags a backend failure as a storage error while keeping the
// driver error in the chain.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidConfig)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap exposes every collected error to errors.Is/As.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
