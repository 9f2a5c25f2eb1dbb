package external

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"courserelay/internal/types"
)

// geoIPAPIBase is the default geolocation API base URL (ipapi.co style:
// GET /{ip}/country_code/ returns the bare country code as plain text).
// Overridable in tests via GeoIPClientConfig.BaseURL.
const geoIPAPIBase = "https://ipapi.co"

// GeoIPClientConfig holds the configuration for creating a GeoIPClient.
type GeoIPClientConfig struct {
	BaseURL string        // Override for testing; defaults to geoIPAPIBase
	Timeout time.Duration // Per-lookup bound; defaults to 3s
	Logger  *slog.Logger
}

// GeoIPClient implements GeoResolver against an ipapi.co-style plain-text
// endpoint. Geo pricing is a best-effort enrichment, so this client carries
// no retries and a short per-call timeout; callers treat any error as
// "country unknown" and fall back to default pricing.
type GeoIPClient struct {
	base    *BaseClient
	baseURL string
	timeout time.Duration
	logger  *slog.Logger
}

// NewGeoIPClient creates a new GeoIPClient.
func NewGeoIPClient(httpClient *http.Client, cfg GeoIPClientConfig) *GeoIPClient {
	base := NewBaseClient(
		httpClient,
		"geoip",
		NoRetryPolicy(),
		"CourseRelay/1.0",
	)
	return NewGeoIPClientWithBase(base, cfg)
}

// NewGeoIPClientWithBase creates a GeoIPClient with a pre-configured
// BaseClient. This is useful for testing when you want to control the
// BaseClient configuration.
func NewGeoIPClientWithBase(base *BaseClient, cfg GeoIPClientConfig) *GeoIPClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = geoIPAPIBase
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &GeoIPClient{
		base:    base,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		timeout: timeout,
		logger:  logger,
	}
}

// CountryCode resolves the buyer's country from their IP address.
// Private, loopback, and unparseable addresses short-circuit to ("", nil)
// without a network call; they can never resolve to a real country.
func (g *GeoIPClient) CountryCode(ctx context.Context, ip string) (string, error) {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil || parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsUnspecified() {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	reqURL := fmt.Sprintf("%s/%s/country_code/", g.baseURL, parsed.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to create geolocation request",
			err,
		)
	}

	resp, err := g.base.Do(req)
	if err != nil {
		if _, ok := err.(*types.AppError); ok {
			return "", err
		}
		return "", types.NewAppError(
			types.ErrCodeUpstreamGeoIP,
			fmt.Sprintf("CountryCode: geolocation request failed: %v", err),
			err,
		)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", types.NewAppError(
			types.ErrCodeUpstreamGeoIP,
			fmt.Sprintf("CountryCode: geolocation returned status %d", resp.StatusCode),
			nil,
		)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16))
	if err != nil {
		return "", types.NewAppError(
			types.ErrCodeUpstreamGeoIP,
			"CountryCode: failed to read geolocation response",
			err,
		)
	}

	code := strings.ToUpper(strings.TrimSpace(string(body)))
	if len(code) != 2 {
		return "", types.NewAppError(
			types.ErrCodeUpstreamGeoIP,
			fmt.Sprintf("CountryCode: unexpected geolocation response %q", code),
			nil,
		)
	}

	return code, nil
}

// Compile-time assertion that GeoIPClient satisfies GeoResolver.
var _ GeoResolver = (*GeoIPClient)(nil)
