package billing

import (
	"encoding/json"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

// DefaultTolerance bounds the age of a signed webhook.
const DefaultTolerance = 5 * time.Minute

// APIVersion is the payments API version events must be rendered with.
const APIVersion = stripe.APIVersion

// Webhook event types handled by the gateway.
const (
	EventCheckoutCompleted = "checkout.session.completed"
	EventInvoicePaid       = "invoice.payment_succeeded"
)

const metadataUserID = "userId"

var (
	ErrMissingSignature = webhook.ErrNotSigned
	ErrBadSignature     = webhook.ErrNoValidSignature
	ErrStaleSignature   = webhook.ErrTooOld
)

// Event is a verified webhook event reduced to the fields checkout and
// invoice events share.
type Event struct {
	ID     string
	Type   string
	Object EventObject
}

type EventObject struct {
	ID           string
	Customer     string
	Subscription string
	Metadata     map[string]string
}

// ParseWebhook verifies the Stripe-Signature header against secret and
// decodes the event. Unhandled event types come back with an empty Object.
func ParseWebhook(payload []byte, header, secret string, tolerance time.Duration) (Event, error) {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	ev, err := webhook.ConstructEventWithTolerance(payload, header, secret, tolerance)
	if err != nil {
		return Event{}, err
	}
	out := Event{ID: ev.ID, Type: string(ev.Type)}
	if ev.Data == nil {
		return out, nil
	}
	switch out.Type {
	case EventCheckoutCompleted:
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &cs); err != nil {
			return Event{}, fmt.Errorf("decode checkout session: %w", err)
		}
		out.Object = EventObject{ID: cs.ID, Metadata: cs.Metadata}
		if cs.Customer != nil {
			out.Object.Customer = cs.Customer.ID
		}
		if cs.Subscription != nil {
			out.Object.Subscription = cs.Subscription.ID
		}
	case EventInvoicePaid:
		var inv stripe.Invoice
		if err := json.Unmarshal(ev.Data.Raw, &inv); err != nil {
			return Event{}, fmt.Errorf("decode invoice: %w", err)
		}
		out.Object = EventObject{ID: inv.ID}
		if inv.Customer != nil {
			out.Object.Customer = inv.Customer.ID
		}
		if inv.Subscription != nil {
			out.Object.Subscription = inv.Subscription.ID
		}
	}
	return out, nil
}

// SignatureHeader signs payload the way the provider does, for tests and
// local webhook replay.
func SignatureHeader(payload []byte, secret string, ts time.Time) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: ts,
	}).Header
}
