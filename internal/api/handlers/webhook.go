package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"courserelay/internal/catalog"
	"courserelay/internal/core"
	"courserelay/internal/external"
	"courserelay/internal/relay"
	"courserelay/internal/types"
)

// maxWebhookBodySize is the maximum allowed size of a Stripe webhook payload
// (64 KB). Checkout session payloads are small; the limit protects against
// abuse.
const maxWebhookBodySize = 64 * 1024

// webhookAck is the acknowledgment body returned for every verified event.
type webhookAck struct {
	Received bool `json:"received"`
}

// StripeWebhookHandler receives Stripe webhook events, verifies their
// signature against the per-product signing secret, and relays qualifying
// purchases downstream.
//
// The endpoint is unauthenticated; security comes entirely from the
// Stripe-Signature verification over the raw request body. After a
// successful verification the response is always 200 {"received":true},
// regardless of how processing goes, so Stripe never retries an event we
// have already seen.
type StripeWebhookHandler struct {
	verifier external.WebhookVerifier
	relay    *relay.Relay
	registry *catalog.Registry
	secrets  map[string]types.SecretString // product key -> signing secret
	logger   *slog.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler.
func NewStripeWebhookHandler(
	verifier external.WebhookVerifier,
	deliveryRelay *relay.Relay,
	registry *catalog.Registry,
	secrets map[string]types.SecretString,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier: verifier,
		relay:    deliveryRelay,
		registry: registry,
		secrets:  secrets,
		logger:   logger,
	}
}

// RegisterRoutes mounts the per-product webhook endpoint.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe/{product}", h.Handle)
}

// Handle processes one incoming Stripe webhook delivery.
//
// Flow:
//  1. Resolve the product and its signing secret (404 / 500).
//  2. Read the raw body and verify the Stripe-Signature header (400 on any
//     signature problem; no downstream call is ever made before this passes).
//  3. Parse and classify the event. Only checkout.session.completed events
//     that are paid and belong to the product are relayed.
//  4. Acknowledge with 200 {"received":true} no matter how the fan-out went.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	productKey := chi.URLParam(r, "product")
	product, ok := h.registry.Product(productKey)
	if !ok {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeNotFoundProduct,
			"unknown product: "+productKey,
			nil,
		))
		return
	}

	secret, ok := h.secrets[productKey]
	if !ok {
		h.logger.ErrorContext(ctx, "no webhook signing secret configured for product",
			"product", productKey,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"webhook endpoint not configured",
			nil,
		))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to read webhook body",
			"product", productKey,
			"error", err,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeWebhookPayloadInvalid,
			"failed to read request body",
			err,
		))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		h.logger.WarnContext(ctx, "missing Stripe-Signature header",
			"product", productKey,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeWebhookSignatureMissing,
			"missing Stripe-Signature header",
			nil,
		))
		return
	}

	if err := h.verifier.Verify(payload, sigHeader, secret.Unmask()); err != nil {
		h.logger.WarnContext(ctx, "webhook signature verification failed",
			"product", productKey,
			"error", err,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeWebhookSignatureInvalid,
			"webhook signature verification failed",
			err,
		))
		return
	}

	// From here on the delivery is acknowledged regardless of outcome.
	// Processing failures are logged and journaled, never surfaced to Stripe:
	// retrying a verified event buys nothing once the failure is recorded.
	h.processEvent(r, product, payload)

	core.JSON(w, r, http.StatusOK, webhookAck{Received: true})
}

// processEvent parses, classifies, and relays one verified event payload.
func (h *StripeWebhookHandler) processEvent(r *http.Request, product *catalog.Product, payload []byte) {
	ctx := r.Context()

	var event stripeWebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		h.logger.ErrorContext(ctx, "failed to parse verified webhook payload",
			"product", product.Key,
			"error", err,
		)
		return
	}

	if event.Type != external.EventCheckoutCompleted {
		h.logger.InfoContext(ctx, "ignoring webhook event type",
			"product", product.Key,
			"event_id", event.ID,
			"event_type", event.Type,
		)
		return
	}

	session, err := event.checkoutSession()
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to parse checkout session object",
			"product", product.Key,
			"event_id", event.ID,
			"error", err,
		)
		return
	}

	if session.PaymentStatus != external.PaymentStatusPaid {
		h.logger.InfoContext(ctx, "ignoring unpaid checkout session",
			"product", product.Key,
			"event_id", event.ID,
			"session_id", session.ID,
			"payment_status", session.PaymentStatus,
		)
		return
	}

	if !product.Matches(session.Metadata["product"], session.lineItems()) {
		h.logger.InfoContext(ctx, "session does not belong to this product, ignoring",
			"product", product.Key,
			"event_id", event.ID,
			"session_id", session.ID,
			"metadata_product", session.Metadata["product"],
		)
		return
	}

	email := session.email()
	if email == "" {
		h.logger.ErrorContext(ctx, "paid session has no customer email, skipping relay",
			"product", product.Key,
			"event_id", event.ID,
			"session_id", session.ID,
		)
		return
	}

	purchase := types.PurchaseEvent{
		EventID:        event.ID,
		EventType:      event.Type,
		ProductKey:     product.Key,
		SessionID:      session.ID,
		PaymentStatus:  session.PaymentStatus,
		Email:          email,
		Name:           session.name(),
		AmountTotal:    session.AmountTotal,
		AmountSubtotal: session.AmountSubtotal,
		AmountTax:      session.TotalDetails.AmountTax,
		Currency:       session.Currency,
		OccurredAt:     event.occurredAt(),
	}

	h.logger.InfoContext(ctx, "relaying purchase",
		"product", product.Key,
		"event_id", event.ID,
		"session_id", session.ID,
	)

	report := h.relay.Deliver(ctx, product, purchase)
	for _, outcome := range report.Outcomes {
		if outcome.Succeeded() {
			h.logger.InfoContext(ctx, "delivery succeeded",
				"target", string(outcome.Target),
				"session_id", session.ID,
				"duration", outcome.Duration,
			)
		}
	}
}

// ---------------------------------------------------------------------------
// Stripe event parsing
// ---------------------------------------------------------------------------

// stripeWebhookEvent is a minimal representation of a Stripe webhook event,
// tailored to the fields the relay needs. The full stripe.Event type is
// avoided so parsing stays decoupled from the stripe-go library and tests can
// build payloads by hand.
type stripeWebhookEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// occurredAt converts the event's creation timestamp. Redeliveries of the
// same event carry the same value, keeping relay payloads stable.
func (e *stripeWebhookEvent) occurredAt() time.Time {
	if e.Created <= 0 {
		return time.Time{}
	}
	return time.Unix(e.Created, 0).UTC()
}

// stripeCheckoutSessionObj carries the checkout session fields used for
// classification and relay payload construction.
type stripeCheckoutSessionObj struct {
	ID              string            `json:"id"`
	PaymentStatus   string            `json:"payment_status"`
	CustomerEmail   string            `json:"customer_email"`
	CustomerDetails struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"customer_details"`
	AmountTotal    int64  `json:"amount_total"`
	AmountSubtotal int64  `json:"amount_subtotal"`
	Currency       string `json:"currency"`
	TotalDetails   struct {
		AmountTax int64 `json:"amount_tax"`
	} `json:"total_details"`
	Metadata  map[string]string `json:"metadata"`
	LineItems struct {
		Data []struct {
			Price struct {
				ID         string `json:"id"`
				UnitAmount int64  `json:"unit_amount"`
				Currency   string `json:"currency"`
			} `json:"price"`
		} `json:"data"`
	} `json:"line_items"`
}

// checkoutSession parses the event's data object as a checkout session.
func (e *stripeWebhookEvent) checkoutSession() (*stripeCheckoutSessionObj, error) {
	var session stripeCheckoutSessionObj
	if err := json.Unmarshal(e.Data.Object, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// email prefers customer_details.email and falls back to customer_email.
func (s *stripeCheckoutSessionObj) email() string {
	if s.CustomerDetails.Email != "" {
		return s.CustomerDetails.Email
	}
	return s.CustomerEmail
}

// name returns the buyer's name when Stripe collected one.
func (s *stripeCheckoutSessionObj) name() string {
	return s.CustomerDetails.Name
}

// lineItems converts the session's expanded line items for price identity
// matching. Stripe webhook payloads omit line_items unless the endpoint
// expands them, so an empty result is the common case and classification
// then rests on the session metadata. Session totals are never used as a
// stand-in: tax and discounts make amount_total diverge from any catalog
// price.
func (s *stripeCheckoutSessionObj) lineItems() []catalog.LineItem {
	items := make([]catalog.LineItem, 0, len(s.LineItems.Data))
	for _, d := range s.LineItems.Data {
		items = append(items, catalog.LineItem{
			PriceID:    d.Price.ID,
			UnitAmount: d.Price.UnitAmount,
			Currency:   d.Price.Currency,
		})
	}
	return items
}
