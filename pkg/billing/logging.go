package billing

import "context"

// ReconcileLogger records reconcile outcomes.
type ReconcileLogger interface {
	LogReconcile(ctx context.Context, entry ReconcileLog)
}

// ReconcileLog describes one processed completion signal.
type ReconcileLog struct {
	JobID     string
	UserID    string
	Outcome   Outcome
	State     JobState
	Amount    int64
	Applied   bool
	ErrorCode string
	Error     error
}

func (reconciler *Reconciler) logReconcile(ctx context.Context, entry ReconcileLog) {
	if reconciler.logger == nil {
		return
	}
	reconciler.logger.LogReconcile(ctx, entry)
}
