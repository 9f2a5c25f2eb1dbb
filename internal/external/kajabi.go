package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"courserelay/internal/types"
)

// kajabiAPIBase is the default Kajabi checkout webhook base URL.
// Overridable in tests via KajabiClientConfig.BaseURL.
const kajabiAPIBase = "https://checkout.kajabi.com"

// KajabiClientConfig holds the configuration for creating a KajabiClient.
type KajabiClientConfig struct {
	// WebhookToken is the account-level token segment of activation URLs.
	WebhookToken string
	BaseURL      string // Override for testing; defaults to kajabiAPIBase
	Logger       *slog.Logger
}

// KajabiClient implements EnrollmentService against Kajabi's offer activation
// webhooks. Activation is an upsert on the platform side: granting an offer
// the buyer already holds succeeds without side effects, which is what makes
// Stripe redeliveries safe.
type KajabiClient struct {
	base         *BaseClient
	webhookToken string
	baseURL      string
	logger       *slog.Logger
}

// NewKajabiClient creates a new KajabiClient.
func NewKajabiClient(httpClient *http.Client, cfg KajabiClientConfig) *KajabiClient {
	base := NewBaseClient(
		httpClient,
		"kajabi",
		NoRetryPolicy(),
		"CourseRelay/1.0",
	)
	return NewKajabiClientWithBase(base, cfg)
}

// NewKajabiClientWithBase creates a KajabiClient with a pre-configured
// BaseClient. This is useful for testing when you want to control the
// BaseClient configuration.
func NewKajabiClientWithBase(base *BaseClient, cfg KajabiClientConfig) *KajabiClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = kajabiAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &KajabiClient{
		base:         base,
		webhookToken: cfg.WebhookToken,
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		logger:       logger,
	}
}

// GrantOffer activates the offer for the buyer via Kajabi's activation
// webhook: POST /webhooks/offers/{token}/{offerID}/activate.
func (k *KajabiClient) GrantOffer(ctx context.Context, offerID string, grant OfferGrant) error {
	body, err := json.Marshal(grant)
	if err != nil {
		return types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to marshal Kajabi offer grant",
			err,
		)
	}

	reqURL := fmt.Sprintf("%s/webhooks/offers/%s/%s/activate", k.baseURL, k.webhookToken, offerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to create Kajabi activation request",
			err,
		)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := k.base.Do(req)
	if err != nil {
		return k.wrapKajabiError("GrantOffer", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		k.logger.InfoContext(ctx, "granted enrollment offer",
			"offer_id", offerID,
			"status", resp.StatusCode,
		)
		return nil
	}

	return k.handleErrorResponse(resp, "GrantOffer")
}

// handleErrorResponse reads a Kajabi error response and maps it to a types.AppError.
func (k *KajabiClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: Kajabi rate limit exceeded", operation),
			nil,
		)
	case resp.StatusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: Kajabi server error (%d)", operation, resp.StatusCode),
			nil,
		)
	default:
		return types.NewAppError(
			types.ErrCodeUpstreamEnrollment,
			fmt.Sprintf("%s: Kajabi error (%d): %s", operation, resp.StatusCode, strings.TrimSpace(string(body))),
			nil,
		)
	}
}

// wrapKajabiError wraps a BaseClient transport error with context.
func (k *KajabiClient) wrapKajabiError(operation string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamEnrollment,
		fmt.Sprintf("%s: Kajabi request failed: %v", operation, err),
		err,
	)
}

// Compile-time assertion that KajabiClient satisfies EnrollmentService.
var _ EnrollmentService = (*KajabiClient)(nil)
