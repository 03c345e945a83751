package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Service contains the ledger domain logic over a Store.
//
// The ledger is append-only: a user's balance is always derived from entries,
// never kept as an authoritative counter. Debits are post-payment and may
// drive a balance negative; negativity is a collections signal, not an error.
type Service struct {
	store                Store
	nowFn                func() int64
	logger               OperationLogger
	expiryHorizonSeconds int64
	sweepBatchSize       int
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:                store,
		nowFn:                now,
		expiryHorizonSeconds: int64(DefaultExpiryHorizon.Seconds()),
		sweepBatchSize:       DefaultSweepBatchSize,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the spendable balance: the sum of all entries not yet
// marked expired. The store reads from a single snapshot, so a concurrently
// running sweep is observed either entirely or not at all.
func (service *Service) Balance(ctx context.Context, userID UserID) (Credits, error) {
	return service.store.SumActive(ctx, userID.String())
}

// Credit appends a positive entry of the given kind. A zero expiresAt applies
// the default expiry horizon; spendable credit is always time-bounded.
// A duplicate idempotency key surfaces as ErrDuplicateEntry.
func (service *Service) Credit(ctx context.Context, userID UserID, amount PositiveCredits, kind EntryKind, reference Reference, idempotencyKey IdempotencyKey, expiresAtUnixUTC int64, metadata MetadataJSON) error {
	operationError := func() error {
		if !kind.Positive() {
			return fmt.Errorf("%w: %q cannot credit", ErrInvalidEntryKind, kind)
		}
		nowUnixUTC := service.nowFn()
		if expiresAtUnixUTC == 0 {
			expiresAtUnixUTC = nowUnixUTC + service.expiryHorizonSeconds
		}
		return service.store.InsertEntry(ctx, Entry{
			UserID:           userID.String(),
			Kind:             kind,
			Amount:           amount.Credits(),
			RemainingAmount:  amount.Credits(),
			ReferenceKind:    reference.Kind(),
			ReferenceID:      reference.ID(),
			IdempotencyKey:   idempotencyKey.String(),
			ExpiresAtUnixUTC: expiresAtUnixUTC,
			MetadataJSON:     metadata.String(),
			CreatedUnixUTC:   nowUnixUTC,
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation:      operationCredit,
		UserID:         userID,
		Kind:           kind,
		Amount:         amount.Credits(),
		Reference:      reference,
		IdempotencyKey: idempotencyKey,
		Error:          operationError,
	})
	return operationError
}

// Debit appends a negative spent entry and depletes open lots
// soonest-expiring first. There is no sufficiency check: billing happens
// after the work is delivered, so the balance is allowed to go negative.
// A duplicate idempotency key surfaces as ErrDuplicateEntry without
// consuming any lot.
func (service *Service) Debit(ctx context.Context, userID UserID, amount PositiveCredits, reference Reference, idempotencyKey IdempotencyKey, metadata MetadataJSON) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		entry := Entry{
			UserID:         userID.String(),
			Kind:           EntrySpent,
			Amount:         amount.Negated(),
			ReferenceKind:  reference.Kind(),
			ReferenceID:    reference.ID(),
			IdempotencyKey: idempotencyKey.String(),
			MetadataJSON:   metadata.String(),
			CreatedUnixUTC: service.nowFn(),
		}
		if err := transactionStore.InsertEntry(ctx, entry); err != nil {
			return err
		}
		return consumeLots(ctx, transactionStore, userID.String(), amount.Credits())
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationDebit,
		UserID:         userID,
		Kind:           EntrySpent,
		Amount:         amount.Negated(),
		Reference:      reference,
		IdempotencyKey: idempotencyKey,
		Error:          operationError,
	})
	return operationError
}

// Refund appends a positive refunded entry undoing an earlier debit. Refunded
// credit expires on the default horizon like any other grant.
func (service *Service) Refund(ctx context.Context, userID UserID, amount PositiveCredits, reference Reference, idempotencyKey IdempotencyKey, metadata MetadataJSON) error {
	operationError := service.Credit(ctx, userID, amount, EntryRefunded, reference, idempotencyKey, 0, metadata)
	if operationError != nil {
		// Credit already logged the failure under its own operation name.
		return operationError
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationRefund,
		UserID:         userID,
		Kind:           EntryRefunded,
		Amount:         amount.Credits(),
		Reference:      reference,
		IdempotencyKey: idempotencyKey,
	})
	return nil
}

// History lists a user's entries before the cutoff, newest first. A zero
// cutoff means "now".
func (service *Service) History(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	if beforeUnixUTC == 0 {
		beforeUnixUTC = service.nowFn() + 1
	}
	return service.store.ListEntries(ctx, userID.String(), beforeUnixUTC, limit)
}

// consumeLots walks open lots soonest-expiring first, decrementing each lot's
// remaining amount until the debit is covered or the lots run out. Running
// out is not an error: the uncovered remainder is exactly the negative
// balance the post-payment model tolerates.
func consumeLots(ctx context.Context, transactionStore Store, userID string, amount Credits) error {
	remaining := amount
	lots, err := transactionStore.ListOpenLots(ctx, userID)
	if err != nil {
		return err
	}
	for _, lot := range lots {
		if remaining <= 0 {
			break
		}
		portion := lot.RemainingAmount
		if portion > remaining {
			portion = remaining
		}
		if portion <= 0 {
			continue
		}
		if err := transactionStore.ConsumeLot(ctx, lot.EntryID, portion); err != nil {
			if errors.Is(err, ErrLotDepleted) {
				// Another settlement drained this lot first; skip it.
				continue
			}
			return err
		}
		remaining -= portion
	}
	return nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
