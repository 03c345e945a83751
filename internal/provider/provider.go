// Package provider adapts third-party video-generation APIs behind one
// capability surface: submit a task, poll its status, decode its webhook.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/ReelForgeLabs/reelforge/pkg/billing"
)

var (
	// ErrUnknownProvider is returned when no adapter is registered under the
	// requested name.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrTransient marks a provider call worth retrying: network failure,
	// 5xx, rate limiting. The poller counts these against the attempt budget
	// instead of failing the job.
	ErrTransient = errors.New("transient provider error")

	// ErrRejected marks a submission the provider refused outright.
	ErrRejected = errors.New("provider rejected request")

	// ErrMalformedPayload marks an undecodable webhook body.
	ErrMalformedPayload = errors.New("malformed provider payload")
)

// Status is the provider-independent task status the adapters normalize to.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// SubmitRequest carries everything an adapter needs to create a remote task.
type SubmitRequest struct {
	TaskType    billing.TaskType
	Prompt      string
	ImageURL    string
	VideoURL    string
	Quality     string
	CallbackURL string
}

// PollResult is one observation of a remote task.
type PollResult struct {
	Status          Status
	Progress        float64
	DurationSeconds float64
	ResultURL       string
	ErrorCode       string
	ErrorMessage    string
}

// WebhookEvent is a decoded provider callback. It always carries the external
// task id; terminal events additionally carry the settlement data.
type WebhookEvent struct {
	ExternalID string
	Result     PollResult
}

// Provider is one video-generation backend.
type Provider interface {
	Name() string
	Submit(ctx context.Context, request SubmitRequest) (string, error)
	Poll(ctx context.Context, externalID string) (PollResult, error)
	ParseWebhook(body []byte) (WebhookEvent, error)
}

// Registry resolves providers by name.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(providers ...Provider) *Registry {
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Registry{providers: byName}
}

// Lookup returns the adapter registered under name.
func (registry *Registry) Lookup(name string) (Provider, error) {
	p, ok := registry.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names lists the registered provider names.
func (registry *Registry) Names() []string {
	names := make([]string, 0, len(registry.providers))
	for name := range registry.providers {
		names = append(names, name)
	}
	return names
}
