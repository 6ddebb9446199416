/*
errors.go - Centralized error types for the invoice engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The api package maps these to HTTP statuses; nothing else should need
  to inspect error strings.

ERROR CATEGORIES:
  1. Validation  - rejected before any write (bad path, short reason, unknown rate)
  2. Conflict    - idempotency key reuse, stale version pointer, issued invoice
  3. Policy      - forbidden operation kinds (intake and apply)
  4. Not found   - missing invoice, version, suggestion, pending change
  5. Token       - preview token unknown, consumed or expired

SOFT CONFLICTS:
  A second reviewer approving an already reviewed change is NOT an error.
  Moderation returns ReviewResult{Changed: false} instead.

SEE ALSO:
  - api/handlers.go: writeEngineError maps categories to statuses
*/
package invoice

import (
	"errors"
	"fmt"

	"github.com/warp/invoice-engine/pricing"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned when input fails validation before any write.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when the current state forbids the operation.
	ErrConflict = errors.New("conflict")

	// ErrIdempotencyConflict is returned when an idempotency key was already used.
	// For the reject-duplicate guard this happens even with a matching scope hash.
	ErrIdempotencyConflict = errors.New("idempotency key already used")

	// ErrDuplicateKey is returned by stores when a unique key already exists.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrForbiddenOperation is returned for suggestion kinds that may never be merged.
	ErrForbiddenOperation = errors.New("forbidden operation")

	// ErrApprovalRequired is returned when apply references unapproved changes.
	ErrApprovalRequired = errors.New("requires moderation approval")

	// ErrConcurrentModification is returned when the version pointer moved underneath us.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInvoiceIssued is returned when mutating an issued invoice.
	ErrInvoiceIssued = errors.New("invoice already issued")

	ErrTokenNotFound = errors.New("not_found")
	ErrTokenConsumed = errors.New("already_consumed")
	ErrTokenExpired  = errors.New("expired")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError identifies the missing record.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// ForbiddenOperationError names the operation that was blocked and where.
type ForbiddenOperationError struct {
	Operation    string
	SuggestionID string // empty at intake
}

func (e *ForbiddenOperationError) Error() string {
	if e.SuggestionID != "" {
		return fmt.Sprintf("forbidden operation %q in suggestion %s", e.Operation, e.SuggestionID)
	}
	return fmt.Sprintf("forbidden operation %q", e.Operation)
}

func (e *ForbiddenOperationError) Unwrap() error {
	return ErrForbiddenOperation
}

// ApprovalRequiredError names the first suggestion whose pending change is not approved.
type ApprovalRequiredError struct {
	SuggestionID string
	Status       PendingStatus
}

func (e *ApprovalRequiredError) Error() string {
	return fmt.Sprintf("suggestion %s requires moderation approval (status %s)", e.SuggestionID, e.Status)
}

func (e *ApprovalRequiredError) Unwrap() error {
	return ErrApprovalRequired
}

// TokenError is a failed preview token validation. Reason is one of the
// token sentinels.
type TokenError struct {
	InvoiceID string
	Reason    error
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("preview token for invoice %s: %v", e.InvoiceID, e.Reason)
}

func (e *TokenError) Unwrap() error {
	return e.Reason
}

// Code returns the stable reason string (not_found, already_consumed, expired).
func (e *TokenError) Code() string {
	return e.Reason.Error()
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, pricing.ErrUnknownRate) ||
		errors.Is(err, pricing.ErrInvalidQuantity)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrTokenNotFound)
}

// IsConflict returns true for every conflict flavour.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrIdempotencyConflict) ||
		errors.Is(err, ErrApprovalRequired) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrInvoiceIssued)
}

// IsTokenGone returns true when a token existed but can no longer be used.
func IsTokenGone(err error) bool {
	return errors.Is(err, ErrTokenConsumed) || errors.Is(err, ErrTokenExpired)
}
