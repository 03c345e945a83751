package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Registry owns job creation and the pre-terminal transitions. Terminal
// transitions belong to the Reconciler.
type Registry struct {
	store Store
	nowFn func() int64
}

// NewRegistry wires a Registry.
func NewRegistry(store Store, now func() int64) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidConfig)
	}
	return &Registry{store: store, nowFn: now}, nil
}

// Create registers a job in StateCreated. Pre-charging requires an up-front
// price: the pre-charge amount is the resolved flat cost, debited by the
// caller before dispatch.
func (registry *Registry) Create(ctx context.Context, userID string, provider string, taskType TaskType, cost CostBasis, preCharged bool) (Job, error) {
	trimmedUser := strings.TrimSpace(userID)
	if trimmedUser == "" {
		return Job{}, fmt.Errorf("%w: empty user id", ErrInvalidConfig)
	}
	trimmedProvider := strings.TrimSpace(provider)
	if trimmedProvider == "" {
		return Job{}, fmt.Errorf("%w: empty provider", ErrInvalidConfig)
	}
	job := Job{
		UserID:         trimmedUser,
		Provider:       trimmedProvider,
		TaskType:       taskType,
		State:          StateCreated,
		Cost:           cost,
		CreatedUnixUTC: registry.nowFn(),
	}
	if preCharged {
		if !cost.KnownUpFront() {
			return Job{}, fmt.Errorf("%w: pre-charge requires a flat cost", ErrInvalidCostBasis)
		}
		job.PreCharged = true
		job.PreChargeAmount = cost.FlatAmount()
	}
	return registry.store.CreateJob(ctx, job)
}

// Dispatch records the provider-issued id and moves the job to
// StateDispatched. Only a job still in StateCreated can be dispatched.
func (registry *Registry) Dispatch(ctx context.Context, jobID string, externalJobID string) error {
	trimmedExternal := strings.TrimSpace(externalJobID)
	if trimmedExternal == "" {
		return fmt.Errorf("%w: empty external job id", ErrInvalidJobRef)
	}
	applied, err := registry.store.AssignExternalID(ctx, jobID, trimmedExternal, registry.nowFn())
	if err != nil {
		return err
	}
	if !applied {
		if _, getErr := registry.store.GetJob(ctx, jobID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: dispatch requires state %s", ErrInvalidTransition, StateCreated)
	}
	return nil
}

// MarkRunning moves dispatched→running. Purely informational: losing the
// race to a terminal transition is fine, so a no-op result is not an error.
func (registry *Registry) MarkRunning(ctx context.Context, jobID string) error {
	_, err := registry.store.MarkRunning(ctx, jobID)
	return err
}

// Get returns a job by internal id.
func (registry *Registry) Get(ctx context.Context, jobID string) (Job, error) {
	return registry.store.GetJob(ctx, jobID)
}

// Resolve returns the job a reference addresses.
func (registry *Registry) Resolve(ctx context.Context, ref JobRef) (Job, error) {
	return resolveJob(ctx, registry.store, ref)
}

func resolveJob(ctx context.Context, store Store, ref JobRef) (Job, error) {
	if ref.jobID != "" {
		return store.GetJob(ctx, ref.jobID)
	}
	if ref.externalID != "" {
		return store.GetJobByExternalID(ctx, ref.externalID)
	}
	return Job{}, errors.Join(ErrInvalidJobRef, ErrJobNotFound)
}
