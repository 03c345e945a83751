package billing

import "errors"

// Domain-level error values returned by the billing packages.
var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job state transition")
	ErrInsufficientData  = errors.New("insufficient settlement data")
	ErrInvalidJobState   = errors.New("invalid job state")
	ErrInvalidTaskType   = errors.New("invalid task type")
	ErrInvalidCostBasis  = errors.New("invalid cost basis")
	ErrInvalidJobRef     = errors.New("invalid job reference")
	ErrInvalidOutcome    = errors.New("invalid outcome")
	ErrInvalidConfig     = errors.New("invalid billing config")
	ErrLedgerWrite       = errors.New("ledger write failed")
)
