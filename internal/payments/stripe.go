package payments

import (
	"encoding/json"
	"fmt"
	"strconv"
)

const (
	StripeName = "stripe"

	stripeEventCheckoutCompleted = "checkout.session.completed"
)

// Stripe decodes checkout.session.completed events. The checkout session
// metadata carries the user id and the purchased credit amount, stamped when
// the session is created.
type Stripe struct{}

// NewStripe returns the stripe webhook parser.
func NewStripe() *Stripe { return &Stripe{} }

// Name returns the registry key.
func (stripe *Stripe) Name() string { return StripeName }

type stripeEvent struct {
	Type string          `json:"type"`
	Data stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object stripeSession `json:"object"`
}

type stripeSession struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata"`
}

func (stripe *Stripe) ParseWebhook(body []byte) (CaptureEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return CaptureEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if event.Type != stripeEventCheckoutCompleted {
		return CaptureEvent{}, fmt.Errorf("%w: %s", ErrIgnoredEvent, event.Type)
	}
	session := event.Data.Object
	if session.ID == "" {
		return CaptureEvent{}, fmt.Errorf("%w: missing session id", ErrMalformedPayload)
	}
	userID := session.Metadata["user_id"]
	credits, err := strconv.ParseInt(session.Metadata["credits"], 10, 64)
	if err != nil || userID == "" {
		return CaptureEvent{}, fmt.Errorf("%w: missing user_id or credits metadata", ErrMalformedPayload)
	}
	return CaptureEvent{
		OrderID: session.ID,
		UserID:  userID,
		Credits: credits,
	}, nil
}
