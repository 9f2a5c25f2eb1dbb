package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"courserelay/internal/types"
)

// convertKitAPIBase is the default ConvertKit API base URL.
// Overridable in tests via ConvertKitClientConfig.BaseURL.
const convertKitAPIBase = "https://api.convertkit.com"

// ConvertKitClientConfig holds the configuration for creating a ConvertKitClient.
type ConvertKitClientConfig struct {
	APISecret string
	BaseURL   string // Override for testing; defaults to convertKitAPIBase
	Logger    *slog.Logger
}

// ConvertKitClient implements CRMService against the ConvertKit v3 API.
// Form subscriptions upsert on email address and purchase records upsert on
// transaction ID, so the same event can be relayed repeatedly without
// creating duplicates.
type ConvertKitClient struct {
	base      *BaseClient
	apiSecret string
	baseURL   string
	logger    *slog.Logger
}

// NewConvertKitClient creates a new ConvertKitClient.
func NewConvertKitClient(httpClient *http.Client, cfg ConvertKitClientConfig) *ConvertKitClient {
	base := NewBaseClient(
		httpClient,
		"convertkit",
		NoRetryPolicy(),
		"CourseRelay/1.0",
	)
	return NewConvertKitClientWithBase(base, cfg)
}

// NewConvertKitClientWithBase creates a ConvertKitClient with a pre-configured
// BaseClient. This is useful for testing when you want to control the
// BaseClient configuration.
func NewConvertKitClientWithBase(base *BaseClient, cfg ConvertKitClientConfig) *ConvertKitClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = convertKitAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &ConvertKitClient{
		base:      base,
		apiSecret: cfg.APISecret,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// ---------------------------------------------------------------------------
// CRMService Implementation
// ---------------------------------------------------------------------------

// convertKitSubscribePayload is the v3 forms/{id}/subscribe request body.
type convertKitSubscribePayload struct {
	Email     string            `json:"email"`
	FirstName string            `json:"first_name"`
	Fields    map[string]string `json:"fields,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
}

// Subscribe adds or updates a subscriber on the given form via
// POST /v3/forms/{formID}/subscribe.
func (c *ConvertKitClient) Subscribe(ctx context.Context, formID string, sub FormSubscription) error {
	payload := convertKitSubscribePayload{
		Email:     sub.Email,
		FirstName: sub.FirstName,
		Fields:    sub.Fields,
		Tags:      sub.Tags,
	}

	path := fmt.Sprintf("/v3/forms/%s/subscribe", formID)
	resp, err := c.doPost(ctx, path, payload)
	if err != nil {
		return c.wrapConvertKitError("Subscribe", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.logger.InfoContext(ctx, "subscribed to CRM form", "form_id", formID)
		return nil
	}

	return c.handleErrorResponse(resp, "Subscribe")
}

// convertKitPurchasePayload is the v3 purchases request body.
type convertKitPurchasePayload struct {
	Purchase convertKitPurchase `json:"purchase"`
}

type convertKitPurchase struct {
	EmailAddress    string            `json:"email_address"`
	FirstName       string            `json:"first_name,omitempty"`
	TransactionID   string            `json:"transaction_id"`
	Status          string            `json:"status"`
	Currency        string            `json:"currency"`
	Total           float64           `json:"total"`
	Subtotal        float64           `json:"subtotal"`
	Tax             float64           `json:"tax"`
	TransactionTime string            `json:"transaction_time"`
	Products        []PurchaseProduct `json:"products"`
}

// RecordPurchase creates a purchase record via POST /v3/purchases. The
// transaction ID is the Stripe session ID and the transaction time is the
// event's, so redelivered events produce an identical record.
func (c *ConvertKitClient) RecordPurchase(ctx context.Context, purchase PurchaseRecord) error {
	transactionTime := purchase.TransactionTime
	if transactionTime.IsZero() {
		transactionTime = time.Now()
	}

	payload := convertKitPurchasePayload{
		Purchase: convertKitPurchase{
			EmailAddress:    purchase.Email,
			FirstName:       purchase.FirstName,
			TransactionID:   purchase.TransactionID,
			Status:          purchase.Status,
			Currency:        strings.ToUpper(purchase.Currency),
			Total:           purchase.Total,
			Subtotal:        purchase.Subtotal,
			Tax:             purchase.Tax,
			TransactionTime: transactionTime.UTC().Format(time.RFC3339),
			Products:        purchase.Products,
		},
	}

	resp, err := c.doPost(ctx, "/v3/purchases", payload)
	if err != nil {
		return c.wrapConvertKitError("RecordPurchase", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.logger.InfoContext(ctx, "recorded CRM purchase", "transaction_id", purchase.TransactionID)
		return nil
	}

	return c.handleErrorResponse(resp, "RecordPurchase")
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

// doPost performs an authenticated JSON POST to the ConvertKit API. The v3
// API authenticates via an api_secret query parameter.
func (c *ConvertKitClient) doPost(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to marshal ConvertKit payload",
			err,
		)
	}

	reqURL := c.baseURL + path + "?api_secret=" + url.QueryEscape(c.apiSecret)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to create ConvertKit request",
			err,
		)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.base.Do(req)
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

// convertKitErrorResponse represents the JSON error body returned by ConvertKit.
type convertKitErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// handleErrorResponse reads a ConvertKit error response and maps it to a
// types.AppError.
func (c *ConvertKitClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var ckErr convertKitErrorResponse
	errMsg := strings.TrimSpace(string(body))
	if jsonErr := json.Unmarshal(body, &ckErr); jsonErr == nil && ckErr.Message != "" {
		errMsg = ckErr.Message
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: ConvertKit rate limit exceeded", operation),
			nil,
		)
	case resp.StatusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: ConvertKit server error: %s", operation, errMsg),
			nil,
		)
	default:
		return types.NewAppError(
			types.ErrCodeUpstreamCRM,
			fmt.Sprintf("%s: ConvertKit error (%d): %s", operation, resp.StatusCode, errMsg),
			nil,
		)
	}
}

// wrapConvertKitError wraps a BaseClient transport error with context.
func (c *ConvertKitClient) wrapConvertKitError(operation string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamCRM,
		fmt.Sprintf("%s: ConvertKit request failed: %v", operation, err),
		err,
	)
}

// Compile-time assertion that ConvertKitClient satisfies CRMService.
var _ CRMService = (*ConvertKitClient)(nil)
