package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"courserelay/internal/types"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey string
	BaseURL   string // Override for testing; defaults to stripeAPIBase
	Logger    *slog.Logger
}

// CheckoutLineItem is one line of a checkout session. Either PriceID or the
// inline price fields (Currency, UnitAmount, Name) must be set.
type CheckoutLineItem struct {
	PriceID     string
	Currency    string
	UnitAmount  int64
	Name        string
	Description string
	Quantity    int64
}

// CheckoutSessionRequest describes a Stripe Checkout Session to create.
// Sessions are always mode=payment with automatic tax, tax ID collection,
// required billing address, and customer_creation=always.
type CheckoutSessionRequest struct {
	SuccessURL    string
	CancelURL     string
	CustomerEmail string
	LineItems     []CheckoutLineItem
	Metadata      map[string]string

	// At most one of CouponID / PromotionCodeID may be set.
	CouponID        string
	PromotionCodeID string
}

// CheckoutSession is the subset of Stripe's session object the storefront needs.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// StripeClient implements PaymentGateway by making direct HTTP calls to the
// Stripe REST API through BaseClient. This approach routes all requests
// through the service's resilience infrastructure (circuit breaker, retries,
// error mapping) and makes testing with httptest straightforward.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	logger    *slog.Logger
}

// NewStripeClient creates a new StripeClient.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	base := NewBaseClient(
		httpClient,
		"stripe",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"CourseRelay/1.0",
		WithSleepFunc(time.Sleep),
	)
	return NewStripeClientWithBase(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured BaseClient.
// This is useful for testing when you want to control the BaseClient configuration.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// CreateCheckoutSession creates a Stripe Checkout Session and returns its ID
// and hosted payment URL.
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (*CheckoutSession, error) {
	params := url.Values{}
	params.Set("mode", "payment")
	params.Set("success_url", req.SuccessURL)
	params.Set("cancel_url", req.CancelURL)
	params.Set("automatic_tax[enabled]", "true")
	params.Set("tax_id_collection[enabled]", "true")
	params.Set("billing_address_collection", "required")
	params.Set("customer_creation", "always")

	if req.CustomerEmail != "" {
		params.Set("customer_email", req.CustomerEmail)
	}

	for i, item := range req.LineItems {
		prefix := fmt.Sprintf("line_items[%d]", i)
		quantity := item.Quantity
		if quantity <= 0 {
			quantity = 1
		}
		params.Set(prefix+"[quantity]", strconv.FormatInt(quantity, 10))

		if item.PriceID != "" {
			params.Set(prefix+"[price]", item.PriceID)
			continue
		}
		params.Set(prefix+"[price_data][currency]", item.Currency)
		params.Set(prefix+"[price_data][unit_amount]", strconv.FormatInt(item.UnitAmount, 10))
		params.Set(prefix+"[price_data][product_data][name]", item.Name)
		if item.Description != "" {
			params.Set(prefix+"[price_data][product_data][description]", item.Description)
		}
	}

	for k, v := range req.Metadata {
		params.Set(fmt.Sprintf("metadata[%s]", k), v)
	}

	switch {
	case req.CouponID != "":
		params.Set("discounts[0][coupon]", req.CouponID)
	case req.PromotionCodeID != "":
		params.Set("discounts[0][promotion_code]", req.PromotionCodeID)
	default:
		// The storefront renders its own discount field.
		params.Set("allow_promotion_codes", "false")
	}

	resp, err := s.doPost(ctx, "/v1/checkout/sessions", params)
	if err != nil {
		return nil, s.wrapStripeError("CreateCheckoutSession", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "CreateCheckoutSession")
	}

	var session CheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe checkout session response",
			err,
		)
	}

	return &session, nil
}

// FindPromotionCode looks up an active promotion code by its customer-facing
// code and returns its ID. Returns ("", nil) when no active code matches,
// which callers treat as "sell at full price".
func (s *StripeClient) FindPromotionCode(ctx context.Context, code string) (string, error) {
	params := url.Values{}
	params.Set("code", code)
	params.Set("active", "true")
	params.Set("limit", "1")

	resp, err := s.doGet(ctx, "/v1/promotion_codes", params)
	if err != nil {
		return "", s.wrapStripeError("FindPromotionCode", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(resp, "FindPromotionCode")
	}

	var list stripePromotionCodeList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe promotion code response",
			err,
		)
	}

	if len(list.Data) == 0 {
		return "", nil
	}
	return list.Data[0].ID, nil
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

// doGet performs an authenticated GET request to the Stripe API.
func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// doPost performs an authenticated POST request to the Stripe API with form-encoded body.
func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	body := params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// setAuthHeaders sets the Stripe API authentication and content headers.
func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

// stripeErrorResponse represents the JSON error body returned by the Stripe API.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
	DocURL  string `json:"doc_url"`
}

// handleErrorResponse reads a Stripe error response and maps it to a types.AppError.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr,
		)
	}

	return s.mapStripeError(operation, resp.StatusCode, &stripeErr.Error)
}

// mapStripeError translates a Stripe error into a types.AppError.
func (s *StripeClient) mapStripeError(operation string, statusCode int, stripeErr *stripeErrorBody) error {
	// Discount rejections get their own code so the session initiator can
	// retry once without the discount instead of failing the checkout.
	if isDiscountParam(stripeErr.Param) || isCouponCode(stripeErr.Code) {
		return types.NewAppErrorWithDetails(
			types.ErrCodeCouponRejected,
			fmt.Sprintf("%s: Stripe rejected the discount: %s", operation, stripeErr.Message),
			nil,
			map[string]any{
				"stripe_code": stripeErr.Code,
				"param":       stripeErr.Param,
			},
		)
	}

	// Map based on HTTP status code.
	switch {
	case statusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: Stripe rate limit exceeded", operation),
			nil,
		)
	case statusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: Stripe server error: %s", operation, stripeErr.Message),
			nil,
		)
	default:
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, statusCode, stripeErr.Message),
			nil,
		)
	}
}

// isDiscountParam reports whether the offending request parameter belongs to
// the discounts block of a session create call.
func isDiscountParam(param string) bool {
	return strings.Contains(param, "coupon") ||
		strings.Contains(param, "promotion_code") ||
		strings.HasPrefix(param, "discounts")
}

// isCouponCode reports whether a Stripe error code describes a coupon problem.
func isCouponCode(code string) bool {
	switch code {
	case "coupon_expired", "promotion_code_invalid", "promotion_code_inactive":
		return true
	}
	return false
}

// IsCouponRejection reports whether err is a discount rejection from Stripe.
func IsCouponRejection(err error) bool {
	appErr, ok := err.(*types.AppError)
	return ok && appErr.Code == types.ErrCodeCouponRejected
}

// wrapStripeError wraps a BaseClient transport error with context.
func (s *StripeClient) wrapStripeError(operation string, err error) error {
	// If it's already an AppError from BaseClient (circuit breaker, retries
	// exhausted), return it as-is since it already has the right error code.
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err),
		err,
	)
}

// ---------------------------------------------------------------------------
// Stripe Response Types (for JSON deserialization)
// ---------------------------------------------------------------------------

type stripePromotionCode struct {
	ID     string `json:"id"`
	Code   string `json:"code"`
	Active bool   `json:"active"`
}

type stripePromotionCodeList struct {
	Data    []stripePromotionCode `json:"data"`
	HasMore bool                  `json:"has_more"`
}

// ---------------------------------------------------------------------------
// Webhook Verification
// ---------------------------------------------------------------------------

// StripeVerifier implements WebhookVerifier using stripe-go's webhook
// signature verification. This provides HMAC-SHA256 signature checking
// with timestamp tolerance.
type StripeVerifier struct{}

// Verify validates a Stripe webhook payload against the signature header
// and signing secret. Uses stripe-go's ValidatePayload which checks both
// the HMAC signature and the timestamp tolerance.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	return webhook.ValidatePayload(payload, header, secret)
}

var _ WebhookVerifier = (*StripeVerifier)(nil)

// Compile-time assertion that StripeClient satisfies PaymentGateway.
var _ PaymentGateway = (*StripeClient)(nil)
