package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/ReelForgeLabs/reelforge/pkg/billing"
	"github.com/ReelForgeLabs/reelforge/pkg/ledger"
	"gorm.io/gorm"
)

const (
	errorSubjectJob       = "job"
	errorCodeCreate       = "create"
	errorCodeGet          = "get"
	errorCodeTransition   = "transition"
	errorCodeUpdate       = "update"
	stateColumn           = "state"
	settledProgressDone   = 100.0
	constraintExternalJob = "uniq_jobs_external_job_id"
)

// JobStore implements billing.Store using GORM.
type JobStore struct {
	db *gorm.DB
}

// NewJobStore returns a JobStore backed by gorm.DB.
func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db}
}

func (store *JobStore) CreateJob(ctx context.Context, job billing.Job) (billing.Job, error) {
	model := Job{
		UserID:          job.UserID,
		Provider:        job.Provider,
		TaskType:        job.TaskType.String(),
		State:           job.State.String(),
		CostKind:        string(job.Cost.Kind()),
		CostAmount:      job.Cost.FlatAmount(),
		CostRate:        job.Cost.RatePerSecond(),
		PreCharged:      job.PreCharged,
		PreChargeAmount: job.PreChargeAmount,
		CreatedAt:       time.Unix(job.CreatedUnixUTC, 0).UTC(),
	}
	if job.CreatedUnixUTC == 0 {
		model.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return billing.Job{}, wrapJobError(errorCodeCreate, err)
	}
	return mapJob(model)
}

func (store *JobStore) GetJob(ctx context.Context, jobID string) (billing.Job, error) {
	var model Job
	err := store.db.WithContext(ctx).Where("job_id = ?", jobID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return billing.Job{}, wrapJobError(errorCodeGet, billing.ErrJobNotFound)
		}
		return billing.Job{}, wrapJobError(errorCodeGet, err)
	}
	return mapJob(model)
}

func (store *JobStore) GetJobByExternalID(ctx context.Context, externalID string) (billing.Job, error) {
	var model Job
	err := store.db.WithContext(ctx).Where("external_job_id = ?", externalID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return billing.Job{}, wrapJobError(errorCodeGet, billing.ErrJobNotFound)
		}
		return billing.Job{}, wrapJobError(errorCodeGet, err)
	}
	return mapJob(model)
}

func (store *JobStore) AssignExternalID(ctx context.Context, jobID string, externalID string, atUnixUTC int64) (bool, error) {
	dispatchedAt := time.Unix(atUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&Job{}).
		Where("job_id = ? AND state = ?", jobID, billing.StateCreated.String()).
		Updates(map[string]interface{}{
			stateColumn:       billing.StateDispatched.String(),
			"external_job_id": externalID,
			"dispatched_at":   dispatchedAt,
		})
	if result.Error != nil {
		return false, wrapJobError(errorCodeTransition, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *JobStore) MarkRunning(ctx context.Context, jobID string) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&Job{}).
		Where("job_id = ? AND state = ?", jobID, billing.StateDispatched.String()).
		Update(stateColumn, billing.StateRunning.String())
	if result.Error != nil {
		return false, wrapJobError(errorCodeTransition, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Terminalize is the reconciler's linearization point: the WHERE clause on
// the current state makes the terminal transition a single atomic
// compare-and-set, so exactly one of any number of concurrent callers
// affects a row.
func (store *JobStore) Terminalize(ctx context.Context, jobID string, change billing.Terminalization) (bool, error) {
	fromStates := make([]string, 0, len(change.From))
	for _, state := range change.From {
		fromStates = append(fromStates, state.String())
	}
	completedAt := time.Unix(change.AtUnixUTC, 0).UTC()
	updates := map[string]interface{}{
		stateColumn:     change.To.String(),
		"completed_at":  completedAt,
		"result_url":    change.Settlement.ResultURL,
		"error_code":    change.Settlement.ErrorCode,
		"error_message": change.Settlement.ErrorMessage,
	}
	if change.SettledAmount != nil {
		updates["settled_amount"] = *change.SettledAmount
		updates["progress"] = settledProgressDone
	}
	result := store.db.WithContext(ctx).
		Model(&Job{}).
		Where("job_id = ? AND state IN ?", jobID, fromStates).
		Updates(updates)
	if result.Error != nil {
		return false, wrapJobError(errorCodeTransition, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *JobStore) CompleteRefund(ctx context.Context, jobID string) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&Job{}).
		Where("job_id = ? AND state = ?", jobID, billing.StateRefundPending.String()).
		Update(stateColumn, billing.StateRefunded.String())
	if result.Error != nil {
		return false, wrapJobError(errorCodeTransition, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *JobStore) MarkBilled(ctx context.Context, jobID string, atUnixUTC int64) error {
	billedAt := time.Unix(atUnixUTC, 0).UTC()
	err := store.db.WithContext(ctx).
		Model(&Job{}).
		Where("job_id = ?", jobID).
		Update("billed_at", billedAt).Error
	if err != nil {
		return wrapJobError(errorCodeUpdate, err)
	}
	return nil
}

func (store *JobStore) UpdateProgress(ctx context.Context, jobID string, progress float64) error {
	err := store.db.WithContext(ctx).
		Model(&Job{}).
		Where("job_id = ? AND state IN ?", jobID, []string{billing.StateDispatched.String(), billing.StateRunning.String()}).
		Update("progress", progress).Error
	if err != nil {
		return wrapJobError(errorCodeUpdate, err)
	}
	return nil
}

func (store *JobStore) IncrementPollAttempts(ctx context.Context, jobID string) error {
	err := store.db.WithContext(ctx).
		Model(&Job{}).
		Where("job_id = ?", jobID).
		Update("poll_attempts", gorm.Expr("poll_attempts + 1")).Error
	if err != nil {
		return wrapJobError(errorCodeUpdate, err)
	}
	return nil
}

func (store *JobStore) ListPollable(ctx context.Context, limit int) ([]billing.Job, error) {
	var rows []Job
	err := store.db.WithContext(ctx).
		Where("state IN ? AND external_job_id IS NOT NULL", []string{billing.StateDispatched.String(), billing.StateRunning.String()}).
		Order("created_at asc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapJobError(errorCodeList, err)
	}
	return mapJobs(rows)
}

func (store *JobStore) ListSettledUnbilled(ctx context.Context, limit int) ([]billing.Job, error) {
	var rows []Job
	err := store.db.WithContext(ctx).
		Where("state = ? AND billed_at IS NULL", billing.StateSettled.String()).
		Order("created_at asc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapJobError(errorCodeList, err)
	}
	return mapJobs(rows)
}

func (store *JobStore) ListRefundPending(ctx context.Context, limit int) ([]billing.Job, error) {
	var rows []Job
	err := store.db.WithContext(ctx).
		Where("state = ?", billing.StateRefundPending.String()).
		Order("created_at asc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapJobError(errorCodeList, err)
	}
	return mapJobs(rows)
}

func wrapJobError(code string, err error) error {
	return ledger.WrapError(errorOperationStore, errorSubjectJob, code, err)
}

func mapJobs(rows []Job) ([]billing.Job, error) {
	jobs := make([]billing.Job, 0, len(rows))
	for _, row := range rows {
		job, err := mapJob(row)
		if err != nil {
			return nil, wrapJobError(errorCodeInvalid, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func mapJob(row Job) (billing.Job, error) {
	state, err := billing.ParseJobState(row.State)
	if err != nil {
		return billing.Job{}, wrapJobError(errorCodeInvalid, err)
	}
	taskType, err := billing.ParseTaskType(row.TaskType)
	if err != nil {
		return billing.Job{}, wrapJobError(errorCodeInvalid, err)
	}
	cost, err := billing.RestoreCostBasis(row.CostKind, row.CostAmount, row.CostRate)
	if err != nil {
		return billing.Job{}, wrapJobError(errorCodeInvalid, err)
	}
	job := billing.Job{
		JobID:             row.JobID,
		UserID:            row.UserID,
		Provider:          row.Provider,
		TaskType:          taskType,
		State:             state,
		Cost:              cost,
		PreCharged:        row.PreCharged,
		PreChargeAmount:   row.PreChargeAmount,
		BilledAtUnixUTC:   timeOrZero(row.BilledAt),
		Progress:          row.Progress,
		ResultURL:         row.ResultURL,
		ErrorCode:         row.ErrorCode,
		ErrorMessage:      row.ErrorMessage,
		PollAttempts:      row.PollAttempts,
		CreatedUnixUTC:    row.CreatedAt.Unix(),
		DispatchedUnixUTC: timeOrZero(row.DispatchedAt),
		CompletedUnixUTC:  timeOrZero(row.CompletedAt),
	}
	if row.ExternalJobID != nil {
		job.ExternalJobID = *row.ExternalJobID
	}
	if row.SettledAmount != nil {
		job.SettledAmount = *row.SettledAmount
		job.HasSettledAmount = true
	}
	return job, nil
}
