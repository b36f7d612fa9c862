package domain

import "errors"

// Precondition errors: surfaced to the caller, no state mutated.
var (
	ErrInsufficientBalance = errors.New("insufficient available balance")
	ErrUnknownCounterparty = errors.New("unknown counterparty wallet")
	ErrWalletNotFound      = errors.New("wallet not found")
)

// Transient external errors: the enclosing job is retried with backoff.
var (
	ErrTransferUnconfirmed = errors.New("transfer confirmation not resolved")
	ErrTransferUnavailable = errors.New("transfer network unavailable")
)

// Terminal settlement failure: the transfer was definitively rejected.
var ErrTransferRejected = errors.New("transfer rejected by network")

// Consistency violations: contract breaches that must abort the enclosing
// transaction instead of proceeding.
var (
	ErrStaleBalance     = errors.New("starting balance is stale")
	ErrAlreadyFinalized = errors.New("row already finalized")
	ErrDuplicateJob     = errors.New("job already queued")
)

// Transient reports whether err should be retried by the queue rather than
// treated as a terminal settlement outcome.
func Transient(err error) bool {
	return errors.Is(err, ErrTransferUnconfirmed) || errors.Is(err, ErrTransferUnavailable)
}
