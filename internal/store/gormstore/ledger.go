package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/ReelForgeLabs/reelforge/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintLedgerIdempotencyKey = "uniq_ledger_entries_idempotency_key"
	defaultMetadataJSON            = "{}"
	pgUniqueViolationCode          = "23505"
	sqliteConstraintCode           = 19
	errorOperationStore            = "store"
	errorSubjectEntry              = "entry"
	errorSubjectBalance            = "balance"
	errorSubjectLot                = "lot"
	errorCodeDuplicate             = "duplicate"
	errorCodeInsert                = "insert"
	errorCodeInvalid               = "invalid"
	errorCodeList                  = "list"
	errorCodeSum                   = "sum"
	errorCodeConsume               = "consume"
	errorCodeExpire                = "expire"
)

// LedgerStore implements ledger.Store using GORM.
type LedgerStore struct {
	db *gorm.DB
}

// NewLedgerStore returns a LedgerStore backed by gorm.DB.
func NewLedgerStore(db *gorm.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *LedgerStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &LedgerStore{db: transaction})
	})
}

func (store *LedgerStore) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	model := LedgerEntry{
		EntryID:         entry.EntryID,
		UserID:          entry.UserID,
		Kind:            entry.Kind.String(),
		Amount:          entry.Amount.Int64(),
		RemainingAmount: entry.RemainingAmount.Int64(),
		ReferenceKind:   entry.ReferenceKind,
		ReferenceID:     entry.ReferenceID,
		IdempotencyKey:  entry.IdempotencyKey,
		ExpiresAt:       unixToTime(entry.ExpiresAtUnixUTC),
		Metadata:        datatypesJSON(entry.MetadataJSON),
		CreatedAt:       time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if model.CreatedAt.IsZero() || entry.CreatedUnixUTC == 0 {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintLedgerIdempotencyKey) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateEntry)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *LedgerStore) SumActive(ctx context.Context, userID string) (ledger.Credits, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(amount),0) as total").
		Where("user_id = ? AND expired = ?", userID, false).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return ledger.Credits(sum.Total), nil
}

func (store *LedgerStore) ListOpenLots(ctx context.Context, userID string) ([]ledger.Lot, error) {
	var rows []LedgerEntry
	query := store.db.WithContext(ctx).
		Where("user_id = ? AND amount > 0 AND expired = ? AND remaining_amount > 0", userID, false).
		Order("case when expires_at is null then 1 else 0 end, expires_at asc, entry_id asc")
	if store.db.Dialector.Name() == "postgres" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectLot, errorCodeList, err)
	}
	lots := make([]ledger.Lot, 0, len(rows))
	for _, row := range rows {
		lots = append(lots, ledger.Lot{
			EntryID:          row.EntryID,
			RemainingAmount:  ledger.Credits(row.RemainingAmount),
			ExpiresAtUnixUTC: timeOrZero(row.ExpiresAt),
		})
	}
	return lots, nil
}

func (store *LedgerStore) ConsumeLot(ctx context.Context, entryID string, amount ledger.Credits) error {
	result := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Where("entry_id = ? AND remaining_amount >= ?", entryID, amount.Int64()).
		Update("remaining_amount", gorm.Expr("remaining_amount - ?", amount.Int64()))
	if result.Error != nil {
		return wrapStoreError(errorSubjectLot, errorCodeConsume, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectLot, errorCodeConsume, ledger.ErrLotDepleted)
	}
	return nil
}

func (store *LedgerStore) ListEntries(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID, before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}

	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *LedgerStore) ExpireBatch(ctx context.Context, asOfUnixUTC int64, afterEntryID string, limit int) (int64, string, error) {
	asOf := time.Unix(asOfUnixUTC, 0).UTC()
	var entryIDs []string
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Where("amount > 0 AND expired = ? AND expires_at IS NOT NULL AND expires_at <= ? AND entry_id > ?", false, asOf, afterEntryID).
		Order("entry_id asc").
		Limit(limit).
		Pluck("entry_id", &entryIDs).Error
	if err != nil {
		return 0, "", wrapStoreError(errorSubjectEntry, errorCodeExpire, err)
	}
	if len(entryIDs) == 0 {
		return 0, "", nil
	}
	result := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Where("entry_id IN ? AND expired = ?", entryIDs, false).
		Updates(map[string]interface{}{
			"expired":    true,
			"expired_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, "", wrapStoreError(errorSubjectEntry, errorCodeExpire, result.Error)
	}
	return result.RowsAffected, entryIDs[len(entryIDs)-1], nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	kind, err := ledger.ParseEntryKind(row.Kind)
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		EntryID:          row.EntryID,
		UserID:           row.UserID,
		Kind:             kind,
		Amount:           ledger.Credits(row.Amount),
		RemainingAmount:  ledger.Credits(row.RemainingAmount),
		ReferenceKind:    row.ReferenceKind,
		ReferenceID:      row.ReferenceID,
		IdempotencyKey:   row.IdempotencyKey,
		ExpiresAtUnixUTC: timeOrZero(row.ExpiresAt),
		Expired:          row.Expired,
		ExpiredAtUnixUTC: timeOrZero(row.ExpiredAt),
		MetadataJSON:     string(row.Metadata),
		CreatedUnixUTC:   row.CreatedAt.Unix(),
	}, nil
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func unixToTime(value int64) *time.Time {
	if value == 0 {
		return nil
	}
	converted := time.Unix(value, 0).UTC()
	return &converted
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
