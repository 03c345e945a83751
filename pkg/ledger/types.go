package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Credits is a signed credit amount; positive entries add spendable credit,
// negative entries consume it.
type Credits int64

// Int64 returns the raw amount.
func (amount Credits) Int64() int64 {
	return int64(amount)
}

// PositiveCredits is a validated, strictly positive credit amount used as
// operation input.
type PositiveCredits struct {
	value int64
}

// NewPositiveCredits validates an amount and ensures it is strictly positive.
func NewPositiveCredits(raw int64) (PositiveCredits, error) {
	if raw <= 0 {
		return PositiveCredits{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return PositiveCredits{value: raw}, nil
}

// Credits returns the amount as a signed value.
func (amount PositiveCredits) Credits() Credits {
	return Credits(amount.value)
}

// Negated returns the amount as a negative signed value.
func (amount PositiveCredits) Negated() Credits {
	return Credits(-amount.value)
}

// UserID identifies an account owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IdempotencyKey scopes duplicate detection for ledger writes.
type IdempotencyKey struct {
	value string
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// Reference points at the event that caused an entry (a job or a payment
// order). The ledger does not interpret it.
type Reference struct {
	kind string
	id   string
}

// NewReference validates a causing-event reference.
func NewReference(kind string, id string) (Reference, error) {
	trimmedKind := strings.TrimSpace(kind)
	trimmedID := strings.TrimSpace(id)
	if trimmedKind == "" || trimmedID == "" {
		return Reference{}, fmt.Errorf("%w: kind and id are required", ErrInvalidReference)
	}
	return Reference{kind: trimmedKind, id: trimmedID}, nil
}

// Kind returns the reference kind ("job", "payment", ...).
func (reference Reference) Kind() string {
	return reference.kind
}

// ID returns the referenced identifier.
func (reference Reference) ID() string {
	return reference.id
}

// MetadataJSON stores arbitrary entry metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// EntryKind enumerates ledger entry kinds.
type EntryKind string

const (
	EntryEarned    EntryKind = "earned"
	EntryPurchased EntryKind = "purchased"
	EntryBonus     EntryKind = "bonus"
	EntrySpent     EntryKind = "spent"
	EntryRefunded  EntryKind = "refunded"
)

// ParseEntryKind validates a stored entry kind.
func ParseEntryKind(raw string) (EntryKind, error) {
	switch EntryKind(raw) {
	case EntryEarned, EntryPurchased, EntryBonus, EntrySpent, EntryRefunded:
		return EntryKind(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryKind, raw)
}

// String returns the stored representation.
func (kind EntryKind) String() string {
	return string(kind)
}

// Positive reports whether entries of this kind add credit (and therefore may
// expire).
func (kind EntryKind) Positive() bool {
	switch kind {
	case EntryEarned, EntryPurchased, EntryBonus, EntryRefunded:
		return true
	}
	return false
}

// Entry is a single immutable line in the ledger.
type Entry struct {
	EntryID          string
	UserID           string
	Kind             EntryKind
	Amount           Credits
	RemainingAmount  Credits
	ReferenceKind    string
	ReferenceID      string
	IdempotencyKey   string
	ExpiresAtUnixUTC int64
	Expired          bool
	ExpiredAtUnixUTC int64
	MetadataJSON     string
	CreatedUnixUTC   int64
}

// Lot is a positive, unexpired entry viewed as a depletable credit pool.
type Lot struct {
	EntryID          string
	RemainingAmount  Credits
	ExpiresAtUnixUTC int64
}

// Store is the persistence contract used by Service. Implementations must
// serialize conflicting writers through the backing store's transaction and
// row-lock primitives; the service holds no in-process locks.
type Store interface {
	// WithTx executes fn against a transaction-scoped store, committing on
	// nil and rolling back on error.
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// InsertEntry appends an immutable entry. A duplicate idempotency key
	// yields ErrDuplicateEntry.
	InsertEntry(ctx context.Context, entry Entry) error
	// SumActive returns sum(amount) over entries with expired = false. The
	// read must come from a single snapshot so a concurrent sweep is never
	// half-observed.
	SumActive(ctx context.Context, userID string) (Credits, error)
	// ListOpenLots returns positive, unexpired entries with remaining
	// amount, ordered soonest-expiring first with never-expiring lots last.
	// Within a transaction the returned rows are locked for update.
	ListOpenLots(ctx context.Context, userID string) ([]Lot, error)
	// ConsumeLot decrements a lot's remaining amount. The decrement is
	// conditional on sufficient remainder and never drives it below zero.
	ConsumeLot(ctx context.Context, entryID string, amount Credits) error
	// ListEntries returns entries for a user created before the cutoff,
	// newest first.
	ListEntries(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]Entry, error)
	// ExpireBatch marks up to limit positive entries past asOf as expired,
	// scanning in entry-id order after the cursor. It returns the number of
	// entries marked and the last entry id visited.
	ExpireBatch(ctx context.Context, asOfUnixUTC int64, afterEntryID string, limit int) (int64, string, error)
}
