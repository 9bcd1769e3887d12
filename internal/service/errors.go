package service

import "errors"

// Domain rule violations. These are rejected before (or instead of) any
// wallet mutation and returned synchronously; they never map to an opaque
// server failure.
var (
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrSelfTransfer       = errors.New("cannot transfer to self")
	ErrMissingReference   = errors.New("external reference required")
	ErrMissingProductType = errors.New("product type required")
	ErrWalletNotFound     = errors.New("wallet not found")
	ErrWalletExists       = errors.New("wallet already exists")
	ErrInvestmentNotFound = errors.New("investment not found")
	ErrInvalidRoundupUnit = errors.New("roundup unit must be 50, 100 or 500")
	ErrUnknownOutcome     = errors.New("unknown settlement outcome")

	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrExceedsInvestmentValue = errors.New("amount exceeds investment value")
)

// Failure modes the engine resolves before surfacing. ConcurrencyExhausted
// leaves the store untouched; TransferFailed means the compensating credit
// landed and the sender is whole again. ReconciliationRequired is the one
// state the engine could not self-heal; it is alarmed in addition to being
// returned.
var (
	ErrConcurrencyExhausted   = errors.New("too many concurrent updates, retry later")
	ErrTransferFailed         = errors.New("transfer failed, funds returned to sender")
	ErrReconciliationRequired = errors.New("reconciliation required")
)

// errDuplicateReference aborts a mutation transaction when the idempotency
// gate reports the reference was already processed. Never escapes the
// package; callers replay the stored outcome instead.
var errDuplicateReference = errors.New("duplicate external reference")
