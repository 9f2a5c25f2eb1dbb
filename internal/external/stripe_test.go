package external

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"courserelay/internal/types"
)

func newTestStripeClient(serverURL string) *StripeClient {
	base := NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"stripe-test",
		NoRetryPolicy(),
		"CourseRelay/1.0",
		WithSleepFunc(noSleep),
	)
	return NewStripeClientWithBase(base, StripeClientConfig{
		SecretKey: "sk_test_123",
		BaseURL:   serverURL,
	})
}

func TestStripeClient_CreateCheckoutSession(t *testing.T) {
	var gotForm url.Values
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/checkout/sessions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseForm(); err != nil {
			t.Fatalf("failed to parse form: %v", err)
		}
		gotForm = r.PostForm

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"id":  "cs_test_123",
			"url": "https://checkout.stripe.com/c/pay/cs_test_123",
		})
	}))
	defer server.Close()

	client := newTestStripeClient(server.URL)

	session, err := client.CreateCheckoutSession(context.Background(), CheckoutSessionRequest{
		SuccessURL:    "https://www.example.com/success",
		CancelURL:     "https://www.example.com/cancel",
		CustomerEmail: "buyer@example.com",
		LineItems: []CheckoutLineItem{
			{PriceID: "price_123", Quantity: 1},
			{Currency: "gbp", UnitAmount: 75000, Name: "Team Training", Quantity: 1},
		},
		Metadata:        map[string]string{"product": "Creator"},
		PromotionCodeID: "promo_abc",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if session.ID != "cs_test_123" {
		t.Errorf("unexpected session ID %q", session.ID)
	}
	if gotAuth != "Bearer sk_test_123" {
		t.Errorf("unexpected Authorization header %q", gotAuth)
	}

	checks := []struct {
		key  string
		want string
	}{
		{"mode", "payment"},
		{"customer_email", "buyer@example.com"},
		{"automatic_tax[enabled]", "true"},
		{"billing_address_collection", "required"},
		{"line_items[0][price]", "price_123"},
		{"line_items[0][quantity]", "1"},
		{"line_items[1][price_data][currency]", "gbp"},
		{"line_items[1][price_data][unit_amount]", "75000"},
		{"metadata[product]", "Creator"},
		{"discounts[0][promotion_code]", "promo_abc"},
	}
	for _, c := range checks {
		if got := gotForm.Get(c.key); got != c.want {
			t.Errorf("form[%s] = %q, want %q", c.key, got, c.want)
		}
	}
	if gotForm.Get("allow_promotion_codes") != "" {
		t.Error("expected no allow_promotion_codes when a discount is applied")
	}
}

func TestStripeClient_CreateCheckoutSession_NoDiscount(t *testing.T) {
	var gotForm url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		gotForm = r.PostForm
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "cs_1", "url": "https://x"})
	}))
	defer server.Close()

	client := newTestStripeClient(server.URL)
	_, err := client.CreateCheckoutSession(context.Background(), CheckoutSessionRequest{
		SuccessURL: "https://s",
		CancelURL:  "https://c",
		LineItems:  []CheckoutLineItem{{PriceID: "price_123"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotForm.Get("allow_promotion_codes") != "false" {
		t.Error("expected allow_promotion_codes=false without a discount")
	}
}

func TestStripeClient_CreateCheckoutSession_CouponRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{
				"type":    "invalid_request_error",
				"code":    "coupon_expired",
				"message": "This coupon has expired.",
				"param":   "discounts[0][coupon]",
			},
		})
	}))
	defer server.Close()

	client := newTestStripeClient(server.URL)
	_, err := client.CreateCheckoutSession(context.Background(), CheckoutSessionRequest{
		SuccessURL: "https://s",
		CancelURL:  "https://c",
		LineItems:  []CheckoutLineItem{{PriceID: "price_123"}},
		CouponID:   "EXPIRED",
	})

	if !IsCouponRejection(err) {
		t.Fatalf("expected a coupon rejection, got %v", err)
	}
}

func TestStripeClient_FindPromotionCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/promotion_codes" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("code") != "LAUNCH" || q.Get("active") != "true" || q.Get("limit") != "1" {
			t.Errorf("unexpected query %v", q)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"id": "promo_abc", "code": "LAUNCH", "active": true},
			},
		})
	}))
	defer server.Close()

	client := newTestStripeClient(server.URL)
	id, err := client.FindPromotionCode(context.Background(), "LAUNCH")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "promo_abc" {
		t.Errorf("expected promo_abc, got %q", id)
	}
}

func TestStripeClient_FindPromotionCode_NoMatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{}})
	}))
	defer server.Close()

	client := newTestStripeClient(server.URL)
	id, err := client.FindPromotionCode(context.Background(), "GHOST")
	if err != nil {
		t.Fatalf("expected no error for an unknown code, got %v", err)
	}
	if id != "" {
		t.Errorf("expected empty ID, got %q", id)
	}
}

func TestStripeClient_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestStripeClient(server.URL)
	_, err := client.FindPromotionCode(context.Background(), "LAUNCH")

	appErr, ok := err.(*types.AppError)
	if !ok || appErr.Code != types.ErrCodeUpstreamRateLimited {
		t.Fatalf("expected upstream_rate_limited, got %v", err)
	}
}

func TestMapStripeError_DiscountDetection(t *testing.T) {
	tests := []struct {
		name     string
		body     stripeErrorBody
		isCoupon bool
	}{
		{"coupon param", stripeErrorBody{Param: "discounts[0][coupon]"}, true},
		{"promotion code param", stripeErrorBody{Param: "promotion_code"}, true},
		{"expired code", stripeErrorBody{Code: "coupon_expired"}, true},
		{"inactive promo", stripeErrorBody{Code: "promotion_code_inactive"}, true},
		{"unrelated param", stripeErrorBody{Param: "line_items[0][price]", Code: "resource_missing"}, false},
	}

	client := newTestStripeClient("http://unused")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.mapStripeError("Test", http.StatusBadRequest, &tt.body)
			if got := IsCouponRejection(err); got != tt.isCoupon {
				t.Errorf("IsCouponRejection = %v, want %v (err: %v)", got, tt.isCoupon, err)
			}
		})
	}
}
