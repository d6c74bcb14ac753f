package settlement

import (
	"errors"
	"fmt"
)

var (
	// ErrClaimNotFound indicates the supplied claim identifier was unknown.
	ErrClaimNotFound = errors.New("settlement: claim not found")
	// ErrShopNotFound indicates the claim references a shop that no longer
	// resolves to a reward-eligible record.
	ErrShopNotFound = errors.New("settlement: shop or shop mint not found")
	// ErrUnauthorized is returned when the requesting wallet does not match
	// the claim recipient.
	ErrUnauthorized = errors.New("settlement: wallet does not match claim recipient")
	// ErrNotSettled is returned when a claim is requested before its
	// compression has been confirmed.
	ErrNotSettled = errors.New("settlement: claim is not yet compressed")
	// ErrStaleState indicates a concurrent operation advanced the claim
	// first; the caller should re-read and decide.
	ErrStaleState = errors.New("settlement: claim state changed concurrently")
	// ErrConfirmationTimeout marks an ambiguous outcome: the transaction was
	// submitted but the bounded confirmation wait expired. The claim must be
	// reconciled before any retry.
	ErrConfirmationTimeout = errors.New("settlement: confirmation wait timed out")
)

// ValidationError rejects malformed input before any state mutation.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return "settlement: " + e.Msg
}

// AlreadyClaimedError is an idempotent conflict, not a true failure: the
// reward was already paid out and the prior signature is returned for
// reference.
type AlreadyClaimedError struct {
	Signature string
}

func (e *AlreadyClaimedError) Error() string {
	return fmt.Sprintf("settlement: reward already claimed (tx %s)", e.Signature)
}

// InsufficientFundsError indicates the shop's distribution account cannot
// cover the reward. Operator remediation (re-funding) is required; the
// engine never mints new supply to cover a claim.
type InsufficientFundsError struct {
	Mint string
	Have int64
	Need int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("settlement: distribution account for mint %s has %d, needs %d", e.Mint, e.Have, e.Need)
}

// LedgerError wraps a failure reported by the ledger layer with the phase
// it occurred in. Raw ledger payloads are logged, not returned to clients.
type LedgerError struct {
	Phase string
	Cause error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("settlement: ledger failure during %s: %v", e.Phase, e.Cause)
}

func (e *LedgerError) Unwrap() error { return e.Cause }
