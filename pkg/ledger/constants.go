package ledger

import "time"

const (
	operationCredit = "credit"
	operationDebit  = "debit"
	operationRefund = "refund"
	operationSweep  = "sweep"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// DefaultExpiryHorizon is how long positive entries stay spendable when
	// the caller does not pass an explicit expiry.
	DefaultExpiryHorizon = 180 * 24 * time.Hour

	// DefaultSweepBatchSize bounds a single expiry batch so an interrupted
	// sweep can resume from its cursor.
	DefaultSweepBatchSize = 500
)
