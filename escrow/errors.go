/*
errors.go - Error taxonomy for the escrow engine

PURPOSE:
  All error types in one place. Every rejected operation is fully inert:
  the error is returned before any ledger mutation or transfer, or after
  an explicit compensating rollback.

ERROR CATEGORIES:
  1. ValidationError    - malformed input (bad amount, disallowed asset, past deadline)
  2. StateError         - illegal transition (double refund, premature withdrawal, ...)
  3. AuthorizationError - non-creator or non-admin attempting a restricted action
  4. TransferFailure    - the value transfer adapter reported failure
  5. Store errors       - not found, idempotency conflict, concurrent modification

USAGE:
  if errors.Is(err, escrow.ErrState) {
      var se *escrow.StateError
      errors.As(err, &se)
      fmt.Println(se.Reason)
  }
*/
package escrow

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation     = errors.New("validation failed")
	ErrState          = errors.New("illegal state transition")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrTransferFailed = errors.New("transfer failed")

	// ErrCampaignNotFound is returned when a campaign id is unknown.
	ErrCampaignNotFound = errors.New("campaign not found")

	// ErrIdempotencyConflict is returned when an idempotency key is reused
	// for a different request.
	ErrIdempotencyConflict = errors.New("idempotency key reused with a different request")

	// ErrConcurrentModification is returned when another operation holds the
	// campaign's reservation slot (e.g. a second process).
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STATE REASONS
// =============================================================================

type StateReason string

const (
	ReasonCampaignNotActive        StateReason = "campaign_not_active"
	ReasonAlreadyWithdrawn         StateReason = "already_withdrawn"
	ReasonAlreadyRefunded          StateReason = "already_refunded"
	ReasonNothingToRefund          StateReason = "nothing_to_refund"
	ReasonClosureAlreadyInitiated  StateReason = "closure_already_initiated"
	ReasonClosureNotAllowed        StateReason = "closure_not_allowed"
	ReasonFlexibleRefundDenied     StateReason = "flexible_refund_denied"
	ReasonRefundNotEligible        StateReason = "refund_not_eligible"
	ReasonWithdrawNotAllowed       StateReason = "withdraw_not_allowed"
	ReasonNothingToWithdraw        StateReason = "nothing_to_withdraw"
	ReasonCampaignSuspended        StateReason = "campaign_suspended"
	ReasonCampaignSettled          StateReason = "campaign_settled"
	ReasonOperationPending         StateReason = "operation_pending"
	ReasonNoContribution           StateReason = "no_contribution"
	ReasonReclaimWindowClosed      StateReason = "reclaim_window_closed"
	ReasonDeadlineNotPassed        StateReason = "deadline_not_passed"
	ReasonGoalReached              StateReason = "goal_reached"
	ReasonCampaignNotSuspended     StateReason = "campaign_not_suspended"
	ReasonCampaignAlreadySuspended StateReason = "campaign_already_suspended"
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// StateError reports an operation that is illegal in the campaign's
// current state.
type StateError struct {
	Reason     StateReason
	CampaignID CampaignID
}

func NewStateError(id CampaignID, reason StateReason) *StateError {
	return &StateError{CampaignID: id, Reason: reason}
}

func (e *StateError) Error() string {
	return fmt.Sprintf("campaign %d: %s", e.CampaignID, e.Reason)
}

func (e *StateError) Unwrap() error { return ErrState }

// AuthorizationError reports a caller without the right to act.
type AuthorizationError struct {
	Actor  Identity
	Action string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%q is not allowed to %s", e.Actor, e.Action)
}

func (e *AuthorizationError) Unwrap() error { return ErrUnauthorized }

// TransferLeg names which movement failed.
type TransferLeg string

const (
	LegPull         TransferLeg = "pull"
	LegPayout       TransferLeg = "payout"
	LegFee          TransferLeg = "fee"
	LegCompensation TransferLeg = "compensation"
)

// TransferFailure wraps the adapter's error. The ledger is exactly as it
// was before the operation when this is returned.
type TransferFailure struct {
	Leg    TransferLeg
	Party  Identity
	Amount Amount
	Err    error
}

func (e *TransferFailure) Error() string {
	return fmt.Sprintf("transfer %s of %s for %q failed: %v", e.Leg, e.Amount, e.Party, e.Err)
}

// Unwrap exposes both the sentinel and the adapter's error.
func (e *TransferFailure) Unwrap() []error { return []error{ErrTransferFailed, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// StateReasonOf returns the reason of a StateError in err's chain.
func StateReasonOf(err error) (StateReason, bool) {
	var se *StateError
	if errors.As(err, &se) {
		return se.Reason, true
	}
	return "", false
}

// IsClientError returns true if the error is caused by the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrState) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrIdempotencyConflict)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCampaignNotFound)
}

// IsRetryable returns true if resubmitting (with the same idempotency key)
// might succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrTransferFailed)
}
