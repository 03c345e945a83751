package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// LedgerEntry mirrors the ledger_entries table. Rows are append-only; the
// only columns ever rewritten are the sweeper's expiry mark and the per-lot
// remaining amount.
type LedgerEntry struct {
	EntryID         string     `gorm:"type:uuid;primaryKey"`
	UserID          string     `gorm:"not null;index:idx_ledger_user_expiry,priority:1"`
	Kind            string     `gorm:"not null"`
	Amount          int64      `gorm:"not null"`
	RemainingAmount int64      `gorm:"not null"`
	ReferenceKind   string     `gorm:"size:50"`
	ReferenceID     string     `gorm:"size:64;index"`
	IdempotencyKey  string     `gorm:"not null;uniqueIndex:uniq_ledger_entries_idempotency_key"`
	Expired         bool       `gorm:"not null;index:idx_ledger_user_expiry,priority:2"`
	ExpiresAt       *time.Time `gorm:"index:idx_ledger_user_expiry,priority:3"`
	ExpiredAt       *time.Time
	Metadata        datatypes.JSON `gorm:"not null"`
	CreatedAt       time.Time      `gorm:"not null;index"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// Job mirrors the jobs table. Jobs are never deleted, only terminalized.
type Job struct {
	JobID           string  `gorm:"type:uuid;primaryKey"`
	UserID          string  `gorm:"not null;index"`
	Provider        string  `gorm:"not null;size:50"`
	TaskType        string  `gorm:"not null;size:50"`
	ExternalJobID   *string `gorm:"size:100;uniqueIndex:uniq_jobs_external_job_id"`
	State           string  `gorm:"not null;index"`
	CostKind        string  `gorm:"not null;size:20"`
	CostAmount      int64   `gorm:"not null"`
	CostRate        int64   `gorm:"not null"`
	SettledAmount   *int64
	PreCharged      bool  `gorm:"not null"`
	PreChargeAmount int64 `gorm:"not null"`
	BilledAt        *time.Time
	Progress        float64 `gorm:"not null"`
	ResultURL       string  `gorm:"size:2000"`
	ErrorCode       string  `gorm:"size:50"`
	ErrorMessage    string
	PollAttempts    int       `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null;index"`
	UpdatedAt       time.Time `gorm:"not null"`
	DispatchedAt    *time.Time
	CompletedAt     *time.Time
}

func (Job) TableName() string { return "jobs" }

func (job *Job) BeforeCreate(tx *gorm.DB) error {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	return nil
}
