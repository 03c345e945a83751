package billing

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// stubJobStore is an in-memory Store. A mutex makes its conditional updates
// atomic, mirroring the row-level guarantees of the real database.
type stubJobStore struct {
	mutex  sync.Mutex
	jobs   map[string]Job
	nextID int
}

func newStubJobStore() *stubJobStore {
	return &stubJobStore{jobs: make(map[string]Job)}
}

func (store *stubJobStore) CreateJob(ctx context.Context, job Job) (Job, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.nextID++
	job.JobID = fmt.Sprintf("job-%d", store.nextID)
	store.jobs[job.JobID] = job
	return job, nil
}

func (store *stubJobStore) GetJob(ctx context.Context, jobID string) (Job, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	job, ok := store.jobs[jobID]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return job, nil
}

func (store *stubJobStore) GetJobByExternalID(ctx context.Context, externalID string) (Job, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, job := range store.jobs {
		if job.ExternalJobID == externalID {
			return job, nil
		}
	}
	return Job{}, ErrJobNotFound
}

func (store *stubJobStore) AssignExternalID(ctx context.Context, jobID string, externalID string, atUnixUTC int64) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	job, ok := store.jobs[jobID]
	if !ok || job.State != StateCreated {
		return false, nil
	}
	job.State = StateDispatched
	job.ExternalJobID = externalID
	job.DispatchedUnixUTC = atUnixUTC
	store.jobs[jobID] = job
	return true, nil
}

func (store *stubJobStore) MarkRunning(ctx context.Context, jobID string) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	job, ok := store.jobs[jobID]
	if !ok || job.State != StateDispatched {
		return false, nil
	}
	job.State = StateRunning
	store.jobs[jobID] = job
	return true, nil
}

func (store *stubJobStore) Terminalize(ctx context.Context, jobID string, change Terminalization) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	job, ok := store.jobs[jobID]
	if !ok {
		return false, nil
	}
	eligible := false
	for _, from := range change.From {
		if job.State == from {
			eligible = true
			break
		}
	}
	if !eligible {
		return false, nil
	}
	job.State = change.To
	job.CompletedUnixUTC = change.AtUnixUTC
	job.ResultURL = change.Settlement.ResultURL
	job.ErrorCode = change.Settlement.ErrorCode
	job.ErrorMessage = change.Settlement.ErrorMessage
	if change.SettledAmount != nil {
		job.SettledAmount = *change.SettledAmount
		job.HasSettledAmount = true
	}
	store.jobs[jobID] = job
	return true, nil
}

func (store *stubJobStore) CompleteRefund(ctx context.Context, jobID string) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	job, ok := store.jobs[jobID]
	if !ok || job.State != StateRefundPending {
		return false, nil
	}
	job.State = StateRefunded
	store.jobs[jobID] = job
	return true, nil
}

func (store *stubJobStore) MarkBilled(ctx context.Context, jobID string, atUnixUTC int64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	job, ok := store.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	job.BilledAtUnixUTC = atUnixUTC
	store.jobs[jobID] = job
	return nil
}

func (store *stubJobStore) UpdateProgress(ctx context.Context, jobID string, progress float64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	job, ok := store.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.State == StateDispatched || job.State == StateRunning {
		job.Progress = progress
		store.jobs[jobID] = job
	}
	return nil
}

func (store *stubJobStore) IncrementPollAttempts(ctx context.Context, jobID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	job, ok := store.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	job.PollAttempts++
	store.jobs[jobID] = job
	return nil
}

func (store *stubJobStore) ListPollable(ctx context.Context, limit int) ([]Job, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	jobs := make([]Job, 0)
	for _, job := range store.jobs {
		if (job.State == StateDispatched || job.State == StateRunning) && job.ExternalJobID != "" {
			jobs = append(jobs, job)
		}
		if len(jobs) >= limit {
			break
		}
	}
	return jobs, nil
}

func (store *stubJobStore) ListSettledUnbilled(ctx context.Context, limit int) ([]Job, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	jobs := make([]Job, 0)
	for _, job := range store.jobs {
		if job.State == StateSettled && job.BilledAtUnixUTC == 0 {
			jobs = append(jobs, job)
		}
		if len(jobs) >= limit {
			break
		}
	}
	return jobs, nil
}

func (store *stubJobStore) ListRefundPending(ctx context.Context, limit int) ([]Job, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	jobs := make([]Job, 0)
	for _, job := range store.jobs {
		if job.State == StateRefundPending {
			jobs = append(jobs, job)
		}
		if len(jobs) >= limit {
			break
		}
	}
	return jobs, nil
}

func (store *stubJobStore) jobByID(test *testing.T, jobID string) Job {
	test.Helper()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	job, ok := store.jobs[jobID]
	if !ok {
		test.Fatalf("job %s missing", jobID)
	}
	return job
}

// stubRecorder counts ledger writes and enforces the per-job idempotency the
// reconciler relies on.
type stubRecorder struct {
	mutex       sync.Mutex
	debits      map[string]int64
	refunds     map[string]int64
	debitCalls  int
	refundCalls int
	debitError  error
	refundError error
}

func newStubRecorder() *stubRecorder {
	return &stubRecorder{
		debits:  make(map[string]int64),
		refunds: make(map[string]int64),
	}
}

func (recorder *stubRecorder) DebitJob(ctx context.Context, userID string, amount int64, jobID string) error {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.debitCalls++
	if recorder.debitError != nil {
		return recorder.debitError
	}
	if _, exists := recorder.debits[jobID]; exists {
		return nil
	}
	recorder.debits[jobID] = amount
	return nil
}

func (recorder *stubRecorder) RefundJob(ctx context.Context, userID string, amount int64, jobID string) error {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.refundCalls++
	if recorder.refundError != nil {
		return recorder.refundError
	}
	if _, exists := recorder.refunds[jobID]; exists {
		return nil
	}
	recorder.refunds[jobID] = amount
	return nil
}

func (recorder *stubRecorder) debitedAmount(jobID string) (int64, bool) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	amount, ok := recorder.debits[jobID]
	return amount, ok
}

func (recorder *stubRecorder) refundedAmount(jobID string) (int64, bool) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	amount, ok := recorder.refunds[jobID]
	return amount, ok
}

func mustFlatCost(test *testing.T, amount int64) CostBasis {
	test.Helper()
	cost, err := FlatCost(amount)
	if err != nil {
		test.Fatalf("flat cost %d: %v", amount, err)
	}
	return cost
}

func mustDurationCost(test *testing.T, rate int64) CostBasis {
	test.Helper()
	cost, err := DurationCost(rate)
	if err != nil {
		test.Fatalf("duration cost %d: %v", rate, err)
	}
	return cost
}

func mustByJobID(test *testing.T, jobID string) JobRef {
	test.Helper()
	ref, err := ByJobID(jobID)
	if err != nil {
		test.Fatalf("job ref %s: %v", jobID, err)
	}
	return ref
}

func mustByExternalID(test *testing.T, externalID string) JobRef {
	test.Helper()
	ref, err := ByExternalID(externalID)
	if err != nil {
		test.Fatalf("external ref %s: %v", externalID, err)
	}
	return ref
}

func mustRegistry(test *testing.T, store Store) *Registry {
	test.Helper()
	registry, err := NewRegistry(store, func() int64 { return testNowUnix })
	if err != nil {
		test.Fatalf("new registry: %v", err)
	}
	return registry
}

func mustReconciler(test *testing.T, store Store, recorder LedgerRecorder) *Reconciler {
	test.Helper()
	reconciler, err := NewReconciler(store, recorder, func() int64 { return testNowUnix })
	if err != nil {
		test.Fatalf("new reconciler: %v", err)
	}
	return reconciler
}

func mustDispatchedJob(test *testing.T, store *stubJobStore, registry *Registry, cost CostBasis, preCharged bool, externalID string) Job {
	test.Helper()
	job, err := registry.Create(context.Background(), testUserValue, testProviderValue, TaskImageToVideo, cost, preCharged)
	if err != nil {
		test.Fatalf("create job: %v", err)
	}
	if err := registry.Dispatch(context.Background(), job.JobID, externalID); err != nil {
		test.Fatalf("dispatch job: %v", err)
	}
	return store.jobByID(test, job.JobID)
}
