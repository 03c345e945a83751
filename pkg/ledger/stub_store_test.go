package ledger

import (
	"context"
	"sort"
	"sync"
	"testing"
)

// stubStore is an in-memory Store used by service tests. A mutex stands in
// for the real store's transactional guarantees.
type stubStore struct {
	mutex   sync.Mutex
	entries []Entry
	nextID  int

	insertEntryError  error
	sumActiveError    error
	listOpenLotsError error
	consumeLotError   error
	listEntriesError  error
	expireBatchError  error
}

func newStubStore() *stubStore {
	return &stubStore{}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) InsertEntry(ctx context.Context, entry Entry) error {
	if store.insertEntryError != nil {
		return store.insertEntryError
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, existing := range store.entries {
		if existing.IdempotencyKey == entry.IdempotencyKey {
			return ErrDuplicateEntry
		}
	}
	store.nextID++
	entry.EntryID = entryID(store.nextID)
	store.entries = append(store.entries, entry)
	return nil
}

func (store *stubStore) SumActive(ctx context.Context, userID string) (Credits, error) {
	if store.sumActiveError != nil {
		return 0, store.sumActiveError
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	total := Credits(0)
	for _, entry := range store.entries {
		if entry.UserID == userID && !entry.Expired {
			total += entry.Amount
		}
	}
	return total, nil
}

func (store *stubStore) ListOpenLots(ctx context.Context, userID string) ([]Lot, error) {
	if store.listOpenLotsError != nil {
		return nil, store.listOpenLotsError
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	lots := make([]Lot, 0)
	for _, entry := range store.entries {
		if entry.UserID == userID && entry.Amount > 0 && !entry.Expired && entry.RemainingAmount > 0 {
			lots = append(lots, Lot{
				EntryID:          entry.EntryID,
				RemainingAmount:  entry.RemainingAmount,
				ExpiresAtUnixUTC: entry.ExpiresAtUnixUTC,
			})
		}
	}
	sort.SliceStable(lots, func(left, right int) bool {
		leftExpiry, rightExpiry := lots[left].ExpiresAtUnixUTC, lots[right].ExpiresAtUnixUTC
		if leftExpiry == 0 {
			return false
		}
		if rightExpiry == 0 {
			return true
		}
		return leftExpiry < rightExpiry
	})
	return lots, nil
}

func (store *stubStore) ConsumeLot(ctx context.Context, entryID string, amount Credits) error {
	if store.consumeLotError != nil {
		return store.consumeLotError
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for index := range store.entries {
		if store.entries[index].EntryID != entryID {
			continue
		}
		if store.entries[index].RemainingAmount < amount {
			return ErrLotDepleted
		}
		store.entries[index].RemainingAmount -= amount
		return nil
	}
	return ErrEntryNotFound
}

func (store *stubStore) ListEntries(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]Entry, error) {
	if store.listEntriesError != nil {
		return nil, store.listEntriesError
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	matched := make([]Entry, 0)
	for _, entry := range store.entries {
		if entry.UserID == userID && entry.CreatedUnixUTC < beforeUnixUTC {
			matched = append(matched, entry)
		}
	}
	sort.SliceStable(matched, func(left, right int) bool {
		return matched[left].CreatedUnixUTC > matched[right].CreatedUnixUTC
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (store *stubStore) ExpireBatch(ctx context.Context, asOfUnixUTC int64, afterEntryID string, limit int) (int64, string, error) {
	if store.expireBatchError != nil {
		return 0, "", store.expireBatchError
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	expired := int64(0)
	lastID := ""
	for index := range store.entries {
		entry := &store.entries[index]
		if entry.EntryID <= afterEntryID {
			continue
		}
		if entry.Amount <= 0 || entry.Expired || entry.ExpiresAtUnixUTC == 0 || entry.ExpiresAtUnixUTC > asOfUnixUTC {
			continue
		}
		entry.Expired = true
		entry.ExpiredAtUnixUTC = asOfUnixUTC
		expired++
		lastID = entry.EntryID
		if expired >= int64(limit) {
			break
		}
	}
	return expired, lastID, nil
}

func (store *stubStore) entryByKey(key string) (Entry, bool) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, entry := range store.entries {
		if entry.IdempotencyKey == key {
			return entry, true
		}
	}
	return Entry{}, false
}

func entryID(sequence int) string {
	// Zero-padded so lexical entry-id ordering matches insertion order, like
	// the uuid-v7-style ids the real store generates.
	digits := []byte{'0', '0', '0', '0'}
	for index := len(digits) - 1; index >= 0 && sequence > 0; index-- {
		digits[index] = byte('0' + sequence%10)
		sequence /= 10
	}
	return "entry-" + string(digits)
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id %q: %v", raw, err)
	}
	return userID
}

func mustPositiveCredits(test *testing.T, raw int64) PositiveCredits {
	test.Helper()
	amount, err := NewPositiveCredits(raw)
	if err != nil {
		test.Fatalf("positive credits %d: %v", raw, err)
	}
	return amount
}

func mustReference(test *testing.T, kind string, id string) Reference {
	test.Helper()
	reference, err := NewReference(kind, id)
	if err != nil {
		test.Fatalf("reference %s/%s: %v", kind, id, err)
	}
	return reference
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key %q: %v", raw, err)
	}
	return key
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata %q: %v", raw, err)
	}
	return metadata
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return fixedNowUnix }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}
