package main

import (
	"context"
	"errors"

	"github.com/ReelForgeLabs/reelforge/pkg/billing"
	"github.com/ReelForgeLabs/reelforge/pkg/ledger"
	"go.uber.org/zap"
)

// zapOperationLogger forwards ledger operation events to zap.
type zapOperationLogger struct {
	logger *zap.Logger
}

func (adapter *zapOperationLogger) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.String("kind", entry.Kind.String()),
		zap.Int64("amount", entry.Amount.Int64()),
		zap.String("reference_kind", entry.Reference.Kind()),
		zap.String("reference_id", entry.Reference.ID()),
		zap.String("idempotency_key", entry.IdempotencyKey.String()),
		zap.String("status", entry.Status),
	}
	if entry.Error != nil {
		adapter.logger.Warn("ledger operation", append(fields, zap.Error(entry.Error))...)
		return
	}
	adapter.logger.Info("ledger operation", fields...)
}

// zapReconcileLogger forwards reconcile outcomes to zap.
type zapReconcileLogger struct {
	logger *zap.Logger
}

func (adapter *zapReconcileLogger) LogReconcile(ctx context.Context, entry billing.ReconcileLog) {
	fields := []zap.Field{
		zap.String("job_id", entry.JobID),
		zap.String("user_id", entry.UserID),
		zap.String("outcome", string(entry.Outcome)),
		zap.String("state", entry.State.String()),
		zap.Int64("amount", entry.Amount),
		zap.Bool("applied", entry.Applied),
	}
	if entry.ErrorCode != "" {
		fields = append(fields, zap.String("error_code", entry.ErrorCode))
	}
	if entry.Error != nil {
		adapter.logger.Warn("job reconcile", append(fields, zap.Error(entry.Error))...)
		return
	}
	adapter.logger.Info("job reconcile", fields...)
}

// ledgerRecorder adapts the ledger service to the reconciler's billing
// surface. The per-job idempotency keys turn redelivered settlements into
// duplicates, and a duplicate means the write already landed, so it reports
// success.
type ledgerRecorder struct {
	ledger *ledger.Service
}

func (recorder *ledgerRecorder) DebitJob(ctx context.Context, userID string, amount int64, jobID string) error {
	typedUserID, typedAmount, reference, metadata, err := recorder.operands(userID, amount, jobID)
	if err != nil {
		return err
	}
	key, err := ledger.NewIdempotencyKey(billing.SpendIdempotencyKey(jobID))
	if err != nil {
		return err
	}
	debitErr := recorder.ledger.Debit(ctx, typedUserID, typedAmount, reference, key, metadata)
	if errors.Is(debitErr, ledger.ErrDuplicateEntry) {
		return nil
	}
	return debitErr
}

func (recorder *ledgerRecorder) RefundJob(ctx context.Context, userID string, amount int64, jobID string) error {
	typedUserID, typedAmount, reference, metadata, err := recorder.operands(userID, amount, jobID)
	if err != nil {
		return err
	}
	key, err := ledger.NewIdempotencyKey(billing.RefundIdempotencyKey(jobID))
	if err != nil {
		return err
	}
	refundErr := recorder.ledger.Refund(ctx, typedUserID, typedAmount, reference, key, metadata)
	if errors.Is(refundErr, ledger.ErrDuplicateEntry) {
		return nil
	}
	return refundErr
}

func (recorder *ledgerRecorder) operands(userID string, amount int64, jobID string) (ledger.UserID, ledger.PositiveCredits, ledger.Reference, ledger.MetadataJSON, error) {
	typedUserID, err := ledger.NewUserID(userID)
	if err != nil {
		return ledger.UserID{}, ledger.PositiveCredits{}, ledger.Reference{}, ledger.MetadataJSON{}, err
	}
	typedAmount, err := ledger.NewPositiveCredits(amount)
	if err != nil {
		return ledger.UserID{}, ledger.PositiveCredits{}, ledger.Reference{}, ledger.MetadataJSON{}, err
	}
	reference, err := ledger.NewReference(billing.ReferenceKindJob, jobID)
	if err != nil {
		return ledger.UserID{}, ledger.PositiveCredits{}, ledger.Reference{}, ledger.MetadataJSON{}, err
	}
	metadata, err := ledger.NewMetadataJSON("")
	if err != nil {
		return ledger.UserID{}, ledger.PositiveCredits{}, ledger.Reference{}, ledger.MetadataJSON{}, err
	}
	return typedUserID, typedAmount, reference, metadata, nil
}
