package external

import (
	"context"
	"time"
)

// ---------------------------------------------------------------------------
// Payment Integration (Stripe)
// ---------------------------------------------------------------------------

// PaymentGateway abstracts interactions with the payment provider (Stripe).
// Implementations translate between domain types and vendor-specific APIs.
type PaymentGateway interface {
	// CreateCheckoutSession creates a hosted checkout session and returns its
	// ID and payment URL.
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (*CheckoutSession, error)

	// FindPromotionCode resolves a customer-facing discount code to an active
	// promotion code ID. Returns ("", nil) when no active code matches.
	FindPromotionCode(ctx context.Context, code string) (string, error)
}

// WebhookVerifier abstracts Stripe webhook signature checking.
type WebhookVerifier interface {
	// Verify validates a webhook payload against the provided signature header
	// and signing secret. Returns nil on success, an error on failure.
	Verify(payload []byte, header string, secret string) error
}

// Stripe event constants prevent magic strings in webhook handling.
const (
	EventCheckoutCompleted = "checkout.session.completed"
	PaymentStatusPaid      = "paid"
)

// ---------------------------------------------------------------------------
// Enrollment Integration (Kajabi)
// ---------------------------------------------------------------------------

// OfferGrant is the payload for activating a course offer for a buyer.
// The enrollment platform upserts on external_user_id, so redelivering the
// same grant is harmless.
type OfferGrant struct {
	Name           string `json:"name"`
	Email          string `json:"email"`
	ExternalUserID string `json:"external_user_id"`
}

// EnrollmentService abstracts the course-hosting platform's offer activation.
type EnrollmentService interface {
	// GrantOffer activates the given offer for the buyer.
	GrantOffer(ctx context.Context, offerID string, grant OfferGrant) error
}

// ---------------------------------------------------------------------------
// CRM Integration (ConvertKit)
// ---------------------------------------------------------------------------

// FormSubscription is the payload for subscribing an email address to a CRM
// form. The CRM upserts on email address.
type FormSubscription struct {
	Email     string
	FirstName string
	Fields    map[string]string
	Tags      []string
}

// PurchaseProduct is one product line of a CRM purchase record.
type PurchaseProduct struct {
	PID       string  `json:"pid"`
	LID       string  `json:"lid"`
	Name      string  `json:"name"`
	UnitPrice float64 `json:"unit_price"`
	Quantity  int     `json:"quantity"`
}

// PurchaseRecord is the payload for recording a completed purchase in the
// CRM. TransactionID keys the upsert, so redeliveries do not duplicate.
// TransactionTime comes from the originating event; a zero value falls back
// to the send time.
type PurchaseRecord struct {
	Email           string
	FirstName       string
	TransactionID   string
	Status          string
	Currency        string
	Total           float64
	Subtotal        float64
	Tax             float64
	TransactionTime time.Time
	Products        []PurchaseProduct
}

// CRMService abstracts the email/CRM platform.
type CRMService interface {
	// Subscribe adds or updates a subscriber on the given form.
	Subscribe(ctx context.Context, formID string, sub FormSubscription) error

	// RecordPurchase creates a purchase record keyed by transaction ID.
	RecordPurchase(ctx context.Context, purchase PurchaseRecord) error
}

// ---------------------------------------------------------------------------
// Geolocation Integration
// ---------------------------------------------------------------------------

// GeoResolver abstracts IP-to-country resolution for regional pricing.
// Lookups are best-effort; callers fall back to default pricing on error.
type GeoResolver interface {
	// CountryCode returns the ISO 3166-1 alpha-2 country code for the IP.
	// Returns ("", nil) for private, loopback, or unparseable addresses.
	CountryCode(ctx context.Context, ip string) (string, error)
}
