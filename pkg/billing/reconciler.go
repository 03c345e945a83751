package billing

import (
	"context"
	"fmt"
)

// LedgerRecorder is the credit-ledger surface the reconciler bills through.
// Implementations must be idempotent per job: re-recording a debit or refund
// that already landed returns nil.
type LedgerRecorder interface {
	DebitJob(ctx context.Context, userID string, amount int64, jobID string) error
	RefundJob(ctx context.Context, userID string, amount int64, jobID string) error
}

// SettlementResult reports the terminal state of a job after a completion
// signal was processed. Applied is true only for the single caller whose
// conditional update won; every duplicate or racing caller gets the existing
// result with Applied false.
type SettlementResult struct {
	JobID         string
	State         JobState
	SettledAmount int64
	Applied       bool
}

// Reconciler is the single entry point for completion signals. The webhook
// receiver, the polling loop, and the timeout path all feed it, possibly
// concurrently and repeatedly, and it guarantees at most one billing debit
// per job.
type Reconciler struct {
	store  Store
	ledger LedgerRecorder
	nowFn  func() int64
	logger ReconcileLogger
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithReconcileLogger wires a logger for reconcile outcomes.
func WithReconcileLogger(logger ReconcileLogger) ReconcilerOption {
	return func(reconciler *Reconciler) {
		reconciler.logger = logger
	}
}

// NewReconciler wires a Reconciler.
func NewReconciler(store Store, ledger LedgerRecorder, now func() int64, options ...ReconcilerOption) (*Reconciler, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidConfig)
	}
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidConfig)
	}
	reconciler := &Reconciler{store: store, ledger: ledger, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(reconciler)
		}
	}
	return reconciler, nil
}

// Reconcile applies a terminal outcome to a job exactly once.
//
// The linearization point is the store's conditional terminal update: every
// concurrent caller for the same job races on `state IN (dispatched,
// running)` and exactly one affects a row. Losers re-read the job and return
// its terminal result without writing anything; duplicate invocation is the
// success path, never an error.
//
// On success the ledger debit follows the transition. If the debit fails the
// job stays settled with billed_at unset and the repair sweep retries it;
// the error still propagates so transports can signal the infrastructure
// failure.
func (reconciler *Reconciler) Reconcile(ctx context.Context, ref JobRef, outcome Outcome, settlement Settlement) (SettlementResult, error) {
	job, err := resolveJob(ctx, reconciler.store, ref)
	if err != nil {
		return SettlementResult{}, err
	}
	result, operationError := reconciler.reconcileJob(ctx, job, outcome, settlement)
	reconciler.logReconcile(ctx, ReconcileLog{
		JobID:     job.JobID,
		UserID:    job.UserID,
		Outcome:   outcome,
		State:     result.State,
		Amount:    result.SettledAmount,
		Applied:   result.Applied,
		ErrorCode: settlement.ErrorCode,
		Error:     operationError,
	})
	return result, operationError
}

func (reconciler *Reconciler) reconcileJob(ctx context.Context, job Job, outcome Outcome, settlement Settlement) (SettlementResult, error) {
	if job.State.Terminal() {
		return existingResult(job), nil
	}
	switch outcome {
	case OutcomeSuccess:
		return reconciler.settle(ctx, job, settlement)
	case OutcomeFailure:
		return reconciler.fail(ctx, job, settlement)
	}
	return SettlementResult{}, fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
}

func (reconciler *Reconciler) settle(ctx context.Context, job Job, settlement Settlement) (SettlementResult, error) {
	amount, err := job.Cost.Resolve(settlement)
	if err != nil {
		// Missing settlement data leaves the job pending; the poller is the
		// fallback completion path.
		return SettlementResult{}, err
	}
	nowUnixUTC := reconciler.nowFn()
	applied, err := reconciler.store.Terminalize(ctx, job.JobID, Terminalization{
		To:            StateSettled,
		From:          []JobState{StateDispatched, StateRunning},
		SettledAmount: &amount,
		Settlement:    settlement,
		AtUnixUTC:     nowUnixUTC,
	})
	if err != nil {
		return SettlementResult{}, err
	}
	if !applied {
		return reconciler.reloadResult(ctx, job.JobID)
	}
	result := SettlementResult{JobID: job.JobID, State: StateSettled, SettledAmount: amount, Applied: true}
	if job.PreCharged {
		// The debit landed at submission; nothing more to bill.
		return result, reconciler.store.MarkBilled(ctx, job.JobID, nowUnixUTC)
	}
	if err := reconciler.ledger.DebitJob(ctx, job.UserID, amount, job.JobID); err != nil {
		return result, fmt.Errorf("%w: %w", ErrLedgerWrite, err)
	}
	return result, reconciler.store.MarkBilled(ctx, job.JobID, nowUnixUTC)
}

func (reconciler *Reconciler) fail(ctx context.Context, job Job, settlement Settlement) (SettlementResult, error) {
	nowUnixUTC := reconciler.nowFn()
	terminalState := StateFailed
	if job.PreCharged {
		terminalState = StateRefundPending
	}
	applied, err := reconciler.store.Terminalize(ctx, job.JobID, Terminalization{
		To:         terminalState,
		From:       []JobState{StateDispatched, StateRunning},
		Settlement: settlement,
		AtUnixUTC:  nowUnixUTC,
	})
	if err != nil {
		return SettlementResult{}, err
	}
	if !applied {
		return reconciler.reloadResult(ctx, job.JobID)
	}
	result := SettlementResult{JobID: job.JobID, State: terminalState, Applied: true}
	if !job.PreCharged {
		// Post-payment job: nothing was charged, nothing to undo.
		return result, nil
	}
	if err := reconciler.refundPreCharge(ctx, job); err != nil {
		// Job stays refund_pending; the repair sweep retries the refund.
		return result, fmt.Errorf("%w: %w", ErrLedgerWrite, err)
	}
	result.State = StateRefunded
	return result, nil
}

func (reconciler *Reconciler) refundPreCharge(ctx context.Context, job Job) error {
	if err := reconciler.ledger.RefundJob(ctx, job.UserID, job.PreChargeAmount, job.JobID); err != nil {
		return err
	}
	_, err := reconciler.store.CompleteRefund(ctx, job.JobID)
	return err
}

func (reconciler *Reconciler) reloadResult(ctx context.Context, jobID string) (SettlementResult, error) {
	job, err := reconciler.store.GetJob(ctx, jobID)
	if err != nil {
		return SettlementResult{}, err
	}
	if !job.State.Terminal() {
		// The conditional update lost to a racing caller that has not
		// committed its terminal state yet; report the pre-terminal state
		// and let redelivery settle the view.
		return SettlementResult{JobID: job.JobID, State: job.State}, nil
	}
	return existingResult(job), nil
}

func existingResult(job Job) SettlementResult {
	return SettlementResult{
		JobID:         job.JobID,
		State:         job.State,
		SettledAmount: job.SettledAmount,
	}
}

// RepairUnbilled retries the ledger bookkeeping for jobs whose terminal
// transition committed but whose ledger write did not: settled jobs with no
// billed_at, and refund_pending jobs. The ledger recorder's per-job
// idempotency makes retrying safe. It returns the number of jobs repaired.
func (reconciler *Reconciler) RepairUnbilled(ctx context.Context, limit int) (int, error) {
	repaired := 0
	settled, err := reconciler.store.ListSettledUnbilled(ctx, limit)
	if err != nil {
		return repaired, err
	}
	for _, job := range settled {
		if !job.PreCharged {
			if err := reconciler.ledger.DebitJob(ctx, job.UserID, job.SettledAmount, job.JobID); err != nil {
				return repaired, fmt.Errorf("%w: %w", ErrLedgerWrite, err)
			}
		}
		if err := reconciler.store.MarkBilled(ctx, job.JobID, reconciler.nowFn()); err != nil {
			return repaired, err
		}
		repaired++
	}
	pending, err := reconciler.store.ListRefundPending(ctx, limit)
	if err != nil {
		return repaired, err
	}
	for _, job := range pending {
		if err := reconciler.refundPreCharge(ctx, job); err != nil {
			return repaired, fmt.Errorf("%w: %w", ErrLedgerWrite, err)
		}
		repaired++
	}
	return repaired, nil
}
