package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"courserelay/internal/catalog"
	"courserelay/internal/external"
	"courserelay/internal/relay"
	"courserelay/internal/types"
)

// ---------------------------------------------------------------------------
// Mock Implementations
// ---------------------------------------------------------------------------

// mockWebhookVerifier implements external.WebhookVerifier for testing.
type mockWebhookVerifier struct {
	shouldFail bool
	err        error

	mu      sync.Mutex
	secrets []string
}

func (m *mockWebhookVerifier) Verify(payload []byte, header string, secret string) error {
	m.mu.Lock()
	m.secrets = append(m.secrets, secret)
	m.mu.Unlock()
	if m.shouldFail {
		if m.err != nil {
			return m.err
		}
		return errors.New("signature verification failed")
	}
	return nil
}

// mockEnrollment implements external.EnrollmentService for testing.
type mockEnrollment struct {
	mu    sync.Mutex
	calls []grantCall
	err   error
}

type grantCall struct {
	OfferID string
	Grant   external.OfferGrant
}

func (m *mockEnrollment) GrantOffer(ctx context.Context, offerID string, grant external.OfferGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, grantCall{OfferID: offerID, Grant: grant})
	return m.err
}

// mockCRM implements external.CRMService for testing.
type mockCRM struct {
	mu           sync.Mutex
	subscribes   []subscribeCall
	purchases    []external.PurchaseRecord
	subscribeErr error
	purchaseErr  error
}

type subscribeCall struct {
	FormID string
	Sub    external.FormSubscription
}

func (m *mockCRM) Subscribe(ctx context.Context, formID string, sub external.FormSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribes = append(m.subscribes, subscribeCall{FormID: formID, Sub: sub})
	return m.subscribeErr
}

func (m *mockCRM) RecordPurchase(ctx context.Context, purchase external.PurchaseRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purchases = append(m.purchases, purchase)
	return m.purchaseErr
}

// ---------------------------------------------------------------------------
// Test Helpers
// ---------------------------------------------------------------------------

// testProduct returns a product with every delivery enabled. The price is
// PriceID-only, like most production catalog entries.
func testProduct() *catalog.Product {
	return &catalog.Product{
		Key:             "fundamentals",
		Name:            "The Fundamentals Course",
		DefaultCurrency: "gbp",
		Prices: map[string]catalog.Price{
			"gbp": {PriceID: "price_fund_gbp"},
		},
		SuccessPath:    "/fundamentals/success",
		CancelPath:     "/fundamentals",
		OfferID:        "offer-123",
		CRMFormID:      "form-456",
		CRMTags:        []string{"fundamentals-buyer"},
		RecordPurchase: true,
		PurchasePID:    "fundamentals-course",
	}
}

func testRegistry() *catalog.Registry {
	return catalog.NewRegistry([]*catalog.Product{testProduct()}, nil)
}

type webhookTestEnv struct {
	router     chi.Router
	verifier   *mockWebhookVerifier
	enrollment *mockEnrollment
	crm        *mockCRM
}

func newWebhookTestEnv(verifier *mockWebhookVerifier) *webhookTestEnv {
	registry := testRegistry()
	enrollment := &mockEnrollment{}
	crm := &mockCRM{}

	deliveryRelay := relay.New(relay.Config{
		Registry:   registry,
		Enrollment: enrollment,
		CRM:        crm,
	})

	handler := NewStripeWebhookHandler(
		verifier,
		deliveryRelay,
		registry,
		map[string]types.SecretString{
			"fundamentals": types.SecretString("whsec_fundamentals"),
		},
		nil,
	)

	router := chi.NewRouter()
	handler.RegisterRoutes(router)

	return &webhookTestEnv{
		router:     router,
		verifier:   verifier,
		enrollment: enrollment,
		crm:        crm,
	}
}

func (env *webhookTestEnv) post(path string, body []byte, sigHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	if sigHeader != "" {
		req.Header.Set("Stripe-Signature", sigHeader)
	}
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	return rr
}

// buildEvent creates a JSON-encoded Stripe event.
func buildEvent(eventType, eventID string, session map[string]interface{}) []byte {
	objBytes, _ := json.Marshal(session)
	event := map[string]interface{}{
		"id":      eventID,
		"type":    eventType,
		"created": 1700000000,
		"data": map[string]interface{}{
			"object": json.RawMessage(objBytes),
		},
	}
	b, _ := json.Marshal(event)
	return b
}

// buildPaidSession creates a checkout session object matching testProduct.
func buildPaidSession() map[string]interface{} {
	return map[string]interface{}{
		"id":              "cs_test_abc",
		"payment_status":  "paid",
		"amount_total":    24900,
		"amount_subtotal": 24900,
		"currency":        "gbp",
		"customer_details": map[string]interface{}{
			"email": "buyer@example.com",
			"name":  "Ada Lovelace",
		},
		"metadata": map[string]string{
			"product": "The Fundamentals Course",
		},
	}
}

func errCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	code, _ := resp["error"]["code"].(string)
	return code
}

// ---------------------------------------------------------------------------
// Tests: Signature Verification
// ---------------------------------------------------------------------------

func TestStripeWebhookHandler_MissingSignature(t *testing.T) {
	env := newWebhookTestEnv(&mockWebhookVerifier{})

	body := buildEvent(external.EventCheckoutCompleted, "evt_1", buildPaidSession())
	rr := env.post("/webhooks/stripe/fundamentals", body, "")

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, rr.Code)
	}
	if code := errCode(t, rr); code != string(types.ErrCodeWebhookSignatureMissing) {
		t.Errorf("expected error code %q, got %q", types.ErrCodeWebhookSignatureMissing, code)
	}
	if len(env.enrollment.calls) != 0 || len(env.crm.subscribes) != 0 || len(env.crm.purchases) != 0 {
		t.Error("expected no downstream calls before signature verification")
	}
}

func TestStripeWebhookHandler_InvalidSignature(t *testing.T) {
	env := newWebhookTestEnv(&mockWebhookVerifier{shouldFail: true})

	body := buildEvent(external.EventCheckoutCompleted, "evt_1", buildPaidSession())
	rr := env.post("/webhooks/stripe/fundamentals", body, "t=12345,v1=bad")

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, rr.Code)
	}
	if code := errCode(t, rr); code != string(types.ErrCodeWebhookSignatureInvalid) {
		t.Errorf("expected error code %q, got %q", types.ErrCodeWebhookSignatureInvalid, code)
	}
	if len(env.enrollment.calls) != 0 || len(env.crm.subscribes) != 0 || len(env.crm.purchases) != 0 {
		t.Error("expected no downstream calls on signature failure")
	}
}

func TestStripeWebhookHandler_UnknownProduct(t *testing.T) {
	env := newWebhookTestEnv(&mockWebhookVerifier{})

	body := buildEvent(external.EventCheckoutCompleted, "evt_1", buildPaidSession())
	rr := env.post("/webhooks/stripe/nonexistent", body, "t=12345,v1=ok")

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, rr.Code)
	}
}

func TestStripeWebhookHandler_UsesPerProductSecret(t *testing.T) {
	verifier := &mockWebhookVerifier{}
	env := newWebhookTestEnv(verifier)

	body := buildEvent(external.EventCheckoutCompleted, "evt_1", buildPaidSession())
	env.post("/webhooks/stripe/fundamentals", body, "t=12345,v1=ok")

	if len(verifier.secrets) != 1 || verifier.secrets[0] != "whsec_fundamentals" {
		t.Errorf("expected verification against per-product secret, got %v", verifier.secrets)
	}
}

// ---------------------------------------------------------------------------
// Tests: Classification and Relay
// ---------------------------------------------------------------------------

func TestStripeWebhookHandler_PaidPurchase_RelaysAllDeliveries(t *testing.T) {
	env := newWebhookTestEnv(&mockWebhookVerifier{})

	body := buildEvent(external.EventCheckoutCompleted, "evt_1", buildPaidSession())
	rr := env.post("/webhooks/stripe/fundamentals", body, "t=12345,v1=ok")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d; body: %s", http.StatusOK, rr.Code, rr.Body.String())
	}

	var ack map[string]bool
	if err := json.Unmarshal(rr.Body.Bytes(), &ack); err != nil {
		t.Fatalf("failed to decode ack: %v", err)
	}
	if !ack["received"] {
		t.Error("expected received:true ack")
	}

	if len(env.enrollment.calls) != 1 {
		t.Fatalf("expected 1 enrollment call, got %d", len(env.enrollment.calls))
	}
	call := env.enrollment.calls[0]
	if call.OfferID != "offer-123" {
		t.Errorf("expected offer ID %q, got %q", "offer-123", call.OfferID)
	}
	if call.Grant.Email != "buyer@example.com" {
		t.Errorf("expected grant email %q, got %q", "buyer@example.com", call.Grant.Email)
	}

	if len(env.crm.subscribes) != 1 {
		t.Fatalf("expected 1 CRM subscribe, got %d", len(env.crm.subscribes))
	}
	if env.crm.subscribes[0].FormID != "form-456" {
		t.Errorf("expected form ID %q, got %q", "form-456", env.crm.subscribes[0].FormID)
	}
	if env.crm.subscribes[0].Sub.FirstName != "Ada" {
		t.Errorf("expected first name %q, got %q", "Ada", env.crm.subscribes[0].Sub.FirstName)
	}

	if len(env.crm.purchases) != 1 {
		t.Fatalf("expected 1 purchase record, got %d", len(env.crm.purchases))
	}
	purchase := env.crm.purchases[0]
	if purchase.TransactionID != "cs_test_abc" {
		t.Errorf("expected transaction ID %q, got %q", "cs_test_abc", purchase.TransactionID)
	}
	if purchase.Total != 249.00 {
		t.Errorf("expected total 249.00, got %v", purchase.Total)
	}
	if !purchase.TransactionTime.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("expected transaction time from the event, got %v", purchase.TransactionTime)
	}
}

// Stripe never expands line_items on webhook payloads, and tax collection
// makes amount_total diverge from every catalog price. Classification must
// rest on the session metadata alone in that case.
func TestStripeWebhookHandler_NoLineItems_TaxedTotalStillRelays(t *testing.T) {
	env := newWebhookTestEnv(&mockWebhookVerifier{})

	session := buildPaidSession()
	session["amount_total"] = 29880 // 24900 + VAT
	session["amount_subtotal"] = 24900
	session["total_details"] = map[string]interface{}{"amount_tax": 4980}
	body := buildEvent(external.EventCheckoutCompleted, "evt_1", session)
	rr := env.post("/webhooks/stripe/fundamentals", body, "t=12345,v1=ok")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if len(env.enrollment.calls) != 1 {
		t.Errorf("expected 1 enrollment attempt, got %d", len(env.enrollment.calls))
	}
	if len(env.crm.subscribes) != 1 {
		t.Errorf("expected 1 subscribe attempt, got %d", len(env.crm.subscribes))
	}
	if len(env.crm.purchases) != 1 {
		t.Fatalf("expected 1 purchase attempt, got %d", len(env.crm.purchases))
	}
	purchase := env.crm.purchases[0]
	if purchase.Total != 298.80 || purchase.Subtotal != 249.00 || purchase.Tax != 49.80 {
		t.Errorf("unexpected purchase amounts: total %v subtotal %v tax %v",
			purchase.Total, purchase.Subtotal, purchase.Tax)
	}
}

func TestStripeWebhookHandler_ExpandedLineItemsRelayOnPriceMatch(t *testing.T) {
	env := newWebhookTestEnv(&mockWebhookVerifier{})

	session := buildPaidSession()
	session["line_items"] = map[string]interface{}{
		"data": []map[string]interface{}{
			{"price": map[string]interface{}{"id": "price_fund_gbp", "unit_amount": 24900, "currency": "gbp"}},
		},
	}
	body := buildEvent(external.EventCheckoutCompleted, "evt_1", session)
	rr := env.post("/webhooks/stripe/fundamentals", body, "t=12345,v1=ok")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if len(env.enrollment.calls) != 1 {
		t.Errorf("expected 1 enrollment attempt, got %d", len(env.enrollment.calls))
	}
}

func TestStripeWebhookHandler_ExpandedLineItemsForOtherProductIgnored(t *testing.T) {
	env := newWebhookTestEnv(&mockWebhookVerifier{})

	// Metadata collides but the expanded line items name a different price.
	session := buildPaidSession()
	session["line_items"] = map[string]interface{}{
		"data": []map[string]interface{}{
			{"price": map[string]interface{}{"id": "price_other", "unit_amount": 9900, "currency": "usd"}},
		},
	}
	body := buildEvent(external.EventCheckoutCompleted, "evt_1", session)
	rr := env.post("/webhooks/stripe/fundamentals", body, "t=12345,v1=ok")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if len(env.enrollment.calls) != 0 || len(env.crm.subscribes) != 0 || len(env.crm.purchases) != 0 {
		t.Error("expected no downstream calls when line items belong to another product")
	}
}

func TestStripeWebhookHandler_DeliveryFailureStillAcks(t *testing.T) {
	env := newWebhookTestEnv(&mockWebhookVerifier{})
	env.enrollment.err = errors.New("enrollment platform down")
	env.crm.subscribeErr = errors.New("crm down")

	body := buildEvent(external.EventCheckoutCompleted, "evt_1", buildPaidSession())
	rr := env.post("/webhooks/stripe/fundamentals", body, "t=12345,v1=ok")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d despite delivery failures, got %d", http.StatusOK, rr.Code)
	}

	// Every delivery was still attempted exactly once.
	if len(env.enrollment.calls) != 1 {
		t.Errorf("expected 1 enrollment attempt, got %d", len(env.enrollment.calls))
	}
	if len(env.crm.subscribes) != 1 {
		t.Errorf("expected 1 subscribe attempt, got %d", len(env.crm.subscribes))
	}
	if len(env.crm.purchases) != 1 {
		t.Errorf("expected 1 purchase attempt, got %d", len(env.crm.purchases))
	}
}

func TestStripeWebhookHandler_IgnoresUnpaidSession(t *testing.T) {
	env := newWebhookTestEnv(&mockWebhookVerifier{})

	session := buildPaidSession()
	session["payment_status"] = "unpaid"
	body := buildEvent(external.EventCheckoutCompleted, "evt_1", session)
	rr := env.post("/webhooks/stripe/fundamentals", body, "t=12345,v1=ok")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if len(env.enrollment.calls) != 0 || len(env.crm.subscribes) != 0 || len(env.crm.purchases) != 0 {
		t.Error("expected no downstream calls for unpaid session")
	}
}

func TestStripeWebhookHandler_IgnoresOtherProduct(t *testing.T) {
	env := newWebhookTestEnv(&mockWebhookVerifier{})

	session := buildPaidSession()
	session["metadata"] = map[string]string{"product": "Some Other Course"}
	body := buildEvent(external.EventCheckoutCompleted, "evt_1", session)
	rr := env.post("/webhooks/stripe/fundamentals", body, "t=12345,v1=ok")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if len(env.enrollment.calls) != 0 || len(env.crm.subscribes) != 0 {
		t.Error("expected no downstream calls when metadata names another product")
	}
}

func TestStripeWebhookHandler_IgnoresOtherEventType(t *testing.T) {
	env := newWebhookTestEnv(&mockWebhookVerifier{})

	body := buildEvent("invoice.paid", "evt_1", buildPaidSession())
	rr := env.post("/webhooks/stripe/fundamentals", body, "t=12345,v1=ok")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if len(env.enrollment.calls) != 0 || len(env.crm.subscribes) != 0 {
		t.Error("expected no downstream calls for non-checkout event")
	}
}

func TestStripeWebhookHandler_MalformedPayloadStillAcks(t *testing.T) {
	env := newWebhookTestEnv(&mockWebhookVerifier{})

	rr := env.post("/webhooks/stripe/fundamentals", []byte("{not json"), "t=12345,v1=ok")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d for verified but unparseable payload, got %d", http.StatusOK, rr.Code)
	}
	if len(env.enrollment.calls) != 0 {
		t.Error("expected no downstream calls for unparseable payload")
	}
}

func TestStripeWebhookHandler_MethodNotAllowed(t *testing.T) {
	env := newWebhookTestEnv(&mockWebhookVerifier{})

	req := httptest.NewRequest(http.MethodGet, "/webhooks/stripe/fundamentals", nil)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, rr.Code)
	}
}
