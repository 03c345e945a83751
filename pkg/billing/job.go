package billing

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// JobState enumerates the job lifecycle. Transitions are monotonic: a job
// never moves backward, and terminal states are final.
type JobState string

const (
	StateCreated       JobState = "created"
	StateDispatched    JobState = "dispatched"
	StateRunning       JobState = "running"
	StateSettled       JobState = "settled"
	StateFailed        JobState = "failed"
	StateRefundPending JobState = "refund_pending"
	StateRefunded      JobState = "refunded"
)

// ParseJobState validates a stored job state.
func ParseJobState(raw string) (JobState, error) {
	switch JobState(raw) {
	case StateCreated, StateDispatched, StateRunning, StateSettled, StateFailed, StateRefundPending, StateRefunded:
		return JobState(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidJobState, raw)
}

// String returns the stored representation.
func (state JobState) String() string {
	return string(state)
}

// Terminal reports whether the state admits no further transitions.
// RefundPending is terminal for billing purposes (the outcome is decided);
// only the refund bookkeeping completes it.
func (state JobState) Terminal() bool {
	switch state {
	case StateSettled, StateFailed, StateRefundPending, StateRefunded:
		return true
	}
	return false
}

// TaskType enumerates the generation tasks users can submit.
type TaskType string

const (
	TaskTextToVideo    TaskType = "text_to_video"
	TaskImageToVideo   TaskType = "image_to_video"
	TaskMotionTransfer TaskType = "motion_transfer"
	TaskFaceSwap       TaskType = "face_swap"
)

// ParseTaskType validates a task type.
func ParseTaskType(raw string) (TaskType, error) {
	switch TaskType(raw) {
	case TaskTextToVideo, TaskImageToVideo, TaskMotionTransfer, TaskFaceSwap:
		return TaskType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTaskType, raw)
}

// String returns the stored representation.
func (taskType TaskType) String() string {
	return string(taskType)
}

// CostKind tags the cost basis variant.
type CostKind string

const (
	CostFlat     CostKind = "flat"
	CostDuration CostKind = "duration"
)

// CostBasis is how a job's price is determined. Flat-rate jobs know their
// price at creation; duration-priced jobs resolve it at settlement, when the
// true output duration is known.
type CostBasis struct {
	kind          CostKind
	amount        int64
	ratePerSecond int64
}

// FlatCost prices a job at a fixed credit amount.
func FlatCost(amount int64) (CostBasis, error) {
	if amount <= 0 {
		return CostBasis{}, fmt.Errorf("%w: flat amount must be positive", ErrInvalidCostBasis)
	}
	return CostBasis{kind: CostFlat, amount: amount}, nil
}

// DurationCost prices a job at ratePerSecond credits per second of output.
func DurationCost(ratePerSecond int64) (CostBasis, error) {
	if ratePerSecond <= 0 {
		return CostBasis{}, fmt.Errorf("%w: rate must be positive", ErrInvalidCostBasis)
	}
	return CostBasis{kind: CostDuration, ratePerSecond: ratePerSecond}, nil
}

// RestoreCostBasis rebuilds a cost basis from stored columns.
func RestoreCostBasis(kind string, amount int64, ratePerSecond int64) (CostBasis, error) {
	switch CostKind(kind) {
	case CostFlat:
		return FlatCost(amount)
	case CostDuration:
		return DurationCost(ratePerSecond)
	}
	return CostBasis{}, fmt.Errorf("%w: %q", ErrInvalidCostBasis, kind)
}

// Kind returns the variant tag.
func (cost CostBasis) Kind() CostKind {
	return cost.kind
}

// FlatAmount returns the fixed price for flat-cost jobs.
func (cost CostBasis) FlatAmount() int64 {
	return cost.amount
}

// RatePerSecond returns the per-second rate for duration-cost jobs.
func (cost CostBasis) RatePerSecond() int64 {
	return cost.ratePerSecond
}

// KnownUpFront reports whether the price is fixed before dispatch. Only jobs
// with an up-front price can be pre-charged.
func (cost CostBasis) KnownUpFront() bool {
	return cost.kind == CostFlat
}

// Resolve converts the cost basis and the settlement data into a concrete
// credit amount. Duration pricing rounds up so partial seconds are never
// given away; a missing duration is ErrInsufficientData so the caller can
// wait for the poller to supply it.
func (cost CostBasis) Resolve(settlement Settlement) (int64, error) {
	switch cost.kind {
	case CostFlat:
		return cost.amount, nil
	case CostDuration:
		if settlement.DurationSeconds <= 0 {
			return 0, fmt.Errorf("%w: output duration missing", ErrInsufficientData)
		}
		return int64(math.Ceil(settlement.DurationSeconds * float64(cost.ratePerSecond))), nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidCostBasis, cost.kind)
}

// Outcome is the terminal verdict a completion signal carries.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Settlement carries provider-reported completion data.
type Settlement struct {
	DurationSeconds float64
	ResultURL       string
	ErrorCode       string
	ErrorMessage    string
}

// JobRef addresses a job by internal id or by the provider's external id,
// whichever the completion signal carries.
type JobRef struct {
	jobID      string
	externalID string
}

// ByJobID references a job by internal id.
func ByJobID(jobID string) (JobRef, error) {
	trimmed := strings.TrimSpace(jobID)
	if trimmed == "" {
		return JobRef{}, fmt.Errorf("%w: empty job id", ErrInvalidJobRef)
	}
	return JobRef{jobID: trimmed}, nil
}

// ByExternalID references a job by the provider-issued id.
func ByExternalID(externalID string) (JobRef, error) {
	trimmed := strings.TrimSpace(externalID)
	if trimmed == "" {
		return JobRef{}, fmt.Errorf("%w: empty external id", ErrInvalidJobRef)
	}
	return JobRef{externalID: trimmed}, nil
}

// Job is one submitted generation request. A job is never deleted, only
// terminalized: it is the audit trail for its ledger debit.
type Job struct {
	JobID             string
	UserID            string
	Provider          string
	TaskType          TaskType
	ExternalJobID     string
	State             JobState
	Cost              CostBasis
	SettledAmount     int64
	HasSettledAmount  bool
	PreCharged        bool
	PreChargeAmount   int64
	BilledAtUnixUTC   int64
	Progress          float64
	ResultURL         string
	ErrorCode         string
	ErrorMessage      string
	PollAttempts      int
	CreatedUnixUTC    int64
	DispatchedUnixUTC int64
	CompletedUnixUTC  int64
}

// Terminalization is a conditional terminal update applied by the store.
type Terminalization struct {
	To            JobState
	From          []JobState
	SettledAmount *int64
	Settlement    Settlement
	AtUnixUTC     int64
}

// Store is the persistence contract for jobs. Conditional updates return
// whether they changed a row; zero rows affected is how concurrent callers
// learn they lost the race, so implementations must never turn that into an
// error.
type Store interface {
	// CreateJob persists a job in StateCreated and returns it with its id
	// assigned.
	CreateJob(ctx context.Context, job Job) (Job, error)
	GetJob(ctx context.Context, jobID string) (Job, error)
	GetJobByExternalID(ctx context.Context, externalID string) (Job, error)
	// AssignExternalID moves created→dispatched and stamps the external id
	// in one conditional update.
	AssignExternalID(ctx context.Context, jobID string, externalID string, atUnixUTC int64) (bool, error)
	// MarkRunning moves dispatched→running.
	MarkRunning(ctx context.Context, jobID string) (bool, error)
	// Terminalize applies a terminal transition conditioned on the current
	// state being one of From. Exactly one concurrent caller observes true.
	Terminalize(ctx context.Context, jobID string, change Terminalization) (bool, error)
	// CompleteRefund moves refund_pending→refunded.
	CompleteRefund(ctx context.Context, jobID string) (bool, error)
	// MarkBilled stamps billed_at after the ledger write lands.
	MarkBilled(ctx context.Context, jobID string, atUnixUTC int64) error
	UpdateProgress(ctx context.Context, jobID string, progress float64) error
	IncrementPollAttempts(ctx context.Context, jobID string) error
	// ListPollable returns dispatched/running jobs that have an external id,
	// oldest first.
	ListPollable(ctx context.Context, limit int) ([]Job, error)
	// ListSettledUnbilled returns settled jobs whose ledger debit has not
	// landed (billed_at is null).
	ListSettledUnbilled(ctx context.Context, limit int) ([]Job, error)
	// ListRefundPending returns jobs awaiting their refund entry.
	ListRefundPending(ctx context.Context, limit int) ([]Job, error)
}
