// Package payments turns payment-provider success webhooks into purchased
// credit lots. Only terminal success events reach the ledger; the checkout
// flow itself lives with the payment provider.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ReelForgeLabs/reelforge/pkg/ledger"
)

var (
	// ErrUnknownProvider is returned when no parser is registered under the
	// requested name.
	ErrUnknownProvider = errors.New("unknown payment provider")

	// ErrMalformedPayload marks an undecodable webhook body.
	ErrMalformedPayload = errors.New("malformed payment payload")

	// ErrIgnoredEvent marks a webhook event that is not a capture; the
	// receiver acknowledges it without touching the ledger.
	ErrIgnoredEvent = errors.New("ignored payment event")
)

const (
	referenceKindPayment = "payment"
	purchaseExpiry       = 180 * 24 * time.Hour
)

// CaptureEvent is a confirmed payment: orderID identifies the purchase,
// credits is the lot size bought.
type CaptureEvent struct {
	OrderID string
	UserID  string
	Credits int64
}

// Provider decodes one payment backend's webhooks.
type Provider interface {
	Name() string
	ParseWebhook(body []byte) (CaptureEvent, error)
}

// Registry resolves payment providers by name.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry from the given parsers.
func NewRegistry(providers ...Provider) *Registry {
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Registry{providers: byName}
}

// Lookup returns the parser registered under name.
func (registry *Registry) Lookup(name string) (Provider, error) {
	p, ok := registry.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Ledger is the credit-granting surface Capture needs.
type Ledger interface {
	Credit(ctx context.Context, userID ledger.UserID, amount ledger.PositiveCredits, kind ledger.EntryKind, reference ledger.Reference, idempotencyKey ledger.IdempotencyKey, expiresAtUnixUTC int64, metadata ledger.MetadataJSON) error
}

// Capturer appends purchased lots for confirmed payments.
type Capturer struct {
	ledger Ledger
	nowFn  func() time.Time
}

// NewCapturer returns a Capturer writing through the given ledger.
func NewCapturer(creditLedger Ledger, now func() time.Time) *Capturer {
	if now == nil {
		now = time.Now
	}
	return &Capturer{ledger: creditLedger, nowFn: now}
}

// Capture credits the purchased lot. The idempotency key is derived from the
// order id, so redelivered webhooks are duplicates, and duplicates are
// success: the credits are already there.
func (capturer *Capturer) Capture(ctx context.Context, event CaptureEvent) error {
	userID, err := ledger.NewUserID(event.UserID)
	if err != nil {
		return fmt.Errorf("capture payment %s: %w", event.OrderID, err)
	}
	amount, err := ledger.NewPositiveCredits(event.Credits)
	if err != nil {
		return fmt.Errorf("capture payment %s: %w", event.OrderID, err)
	}
	reference, err := ledger.NewReference(referenceKindPayment, event.OrderID)
	if err != nil {
		return fmt.Errorf("capture payment %s: %w", event.OrderID, err)
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(fmt.Sprintf("payment:%s", event.OrderID))
	if err != nil {
		return fmt.Errorf("capture payment %s: %w", event.OrderID, err)
	}

	metadata, err := ledger.NewMetadataJSON("")
	if err != nil {
		return fmt.Errorf("capture payment %s: %w", event.OrderID, err)
	}

	expiresAt := capturer.nowFn().UTC().Add(purchaseExpiry).Unix()
	err = capturer.ledger.Credit(ctx, userID, amount, ledger.EntryPurchased, reference, idempotencyKey, expiresAt, metadata)
	if errors.Is(err, ledger.ErrDuplicateEntry) {
		return nil
	}
	return err
}
