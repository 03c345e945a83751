package ledger

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation      string
	UserID         UserID
	Kind           EntryKind
	Amount         Credits
	Reference      Reference
	IdempotencyKey IdempotencyKey
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithExpiryHorizon overrides the default expiry horizon applied to positive
// entries written without an explicit expiry.
func WithExpiryHorizon(horizonSeconds int64) ServiceOption {
	return func(service *Service) {
		if horizonSeconds > 0 {
			service.expiryHorizonSeconds = horizonSeconds
		}
	}
}

// WithSweepBatchSize overrides the expiry sweep batch bound.
func WithSweepBatchSize(size int) ServiceOption {
	return func(service *Service) {
		if size > 0 {
			service.sweepBatchSize = size
		}
	}
}
