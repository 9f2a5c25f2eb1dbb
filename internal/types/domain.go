package types

import "time"

// PurchaseEvent is the normalized projection of a verified Stripe
// checkout.session.completed event, carrying only the fields the
// downstream deliveries need. It is stable across Stripe redeliveries
// of the same event: every field derives from the event payload, never
// from local state, so downstream upserts see identical keys each time.
type PurchaseEvent struct {
	EventID        string `json:"event_id"`
	EventType      string `json:"event_type"`
	ProductKey     string `json:"product_key"`
	SessionID      string `json:"session_id"`
	PaymentStatus  string `json:"payment_status"`
	Email          string `json:"email"`
	Name           string `json:"name"`
	AmountTotal    int64     `json:"amount_total"`
	AmountSubtotal int64     `json:"amount_subtotal"`
	AmountTax      int64     `json:"amount_tax"`
	Currency       string    `json:"currency"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// CheckoutResult is returned to the storefront after a checkout session
// has been created. Fallback is true when a requested discount could not
// be applied and the session was created at full price instead.
type CheckoutResult struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
	Fallback  bool   `json:"fallback,omitempty"`
}

// DeliveryTarget identifies one of the downstream systems a purchase
// event fans out to.
type DeliveryTarget string

const (
	DeliveryTargetEnrollment DeliveryTarget = "enrollment"
	DeliveryTargetCRM        DeliveryTarget = "crm"
	DeliveryTargetPurchase   DeliveryTarget = "crm_purchase"
)

// DeliveryOutcome records the result of a single downstream delivery
// attempt during webhook fan-out.
type DeliveryOutcome struct {
	Target   DeliveryTarget `json:"target"`
	Err      error          `json:"-"`
	Duration time.Duration  `json:"duration"`
}

// Succeeded reports whether the delivery completed without error.
func (o DeliveryOutcome) Succeeded() bool {
	return o.Err == nil
}

// DeliveryReport aggregates the outcomes of one fan-out. The webhook
// acknowledgment never depends on it; it exists for logging, metrics,
// and the failure journal.
type DeliveryReport struct {
	Event    PurchaseEvent
	Outcomes []DeliveryOutcome
}

// Failed returns the outcomes that ended in error.
func (r DeliveryReport) Failed() []DeliveryOutcome {
	var failed []DeliveryOutcome
	for _, o := range r.Outcomes {
		if !o.Succeeded() {
			failed = append(failed, o)
		}
	}
	return failed
}

// FailedDelivery is the journal record published for a downstream
// delivery that could not be completed. A redelivery worker replays
// these; the payload is self-contained so the replay needs no access
// to the original Stripe event.
type FailedDelivery struct {
	ID       string         `json:"id"`
	Target   DeliveryTarget `json:"target"`
	Event    PurchaseEvent  `json:"event"`
	Reason   string         `json:"reason"`
	FailedAt time.Time      `json:"failed_at"`
}
