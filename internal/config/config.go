// Package config defines the global configuration structure for the checkout
// relay service. Configuration is loaded once at process initialization
// (Lambda cold start or local server boot) and is immutable thereafter. It
// follows 12-Factor App principles by strictly separating code from
// configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format causes the application to fail
// immediately on startup.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"courserelay/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type used
// throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the checkout relay service.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"courserelay"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server     ServerConfig
	Stripe     StripeConfig
	Enrollment EnrollmentConfig
	CRM        CRMConfig
	Geo        GeoConfig
	Journal    JournalConfig
	Metrics    MetricsConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// Public storefront URL used to build checkout redirect URLs (no trailing slash).
	SiteBaseURL        string   `envconfig:"SITE_BASE_URL" validate:"required,url"`
	CorsAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// StripeConfig holds Stripe credentials and per-product webhook signing secrets.
type StripeConfig struct {
	SecretKey SecretString `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	// WebhookSecrets is a JSON mapping: "product_key" -> "whsec_..." signing secret.
	// Each product endpoint is a separate Stripe webhook destination with its own
	// secret, so an event signed for one product never verifies against another.
	WebhookSecrets string `envconfig:"STRIPE_WEBHOOK_SECRETS_JSON" validate:"required,json"`
	BaseURL        string `envconfig:"STRIPE_API_BASE_URL" default:"https://api.stripe.com"`
}

// ParseWebhookSecrets decodes the per-product signing secret map.
func (c StripeConfig) ParseWebhookSecrets() (map[string]SecretString, error) {
	raw := make(map[string]string)
	if err := json.Unmarshal([]byte(c.WebhookSecrets), &raw); err != nil {
		return nil, fmt.Errorf("parsing STRIPE_WEBHOOK_SECRETS_JSON: %w", err)
	}
	secrets := make(map[string]SecretString, len(raw))
	for product, secret := range raw {
		secrets[product] = SecretString(secret)
	}
	return secrets, nil
}

// EnrollmentConfig holds the course-hosting platform's offer activation endpoint.
type EnrollmentConfig struct {
	BaseURL string `envconfig:"ENROLLMENT_BASE_URL" default:"https://checkout.kajabi.com"`
	// WebhookToken is the account-level token segment embedded in activation URLs.
	WebhookToken SecretString `envconfig:"ENROLLMENT_WEBHOOK_TOKEN" validate:"required"`
}

// CRMConfig holds email/CRM platform credentials.
type CRMConfig struct {
	APISecret SecretString `envconfig:"CRM_API_SECRET" validate:"required"`
	BaseURL   string       `envconfig:"CRM_API_BASE_URL" default:"https://api.convertkit.com"`
}

// GeoConfig holds the IP geolocation lookup used for regional pricing.
// Lookups are best-effort; failures fall back to default pricing.
type GeoConfig struct {
	BaseURL string        `envconfig:"GEOIP_BASE_URL" default:"https://ipapi.co"`
	Timeout time.Duration `envconfig:"GEOIP_TIMEOUT" default:"3s"`
}

// JournalConfig holds the SQS failure journal settings. When QueueURL is
// empty the journal is disabled and delivery failures are only logged.
type JournalConfig struct {
	QueueURL string `envconfig:"JOURNAL_QUEUE_URL" validate:"omitempty,url"`
	Region   string `envconfig:"AWS_REGION" default:"us-east-1"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// MetricsConfig holds CloudWatch delivery metric settings.
type MetricsConfig struct {
	Enabled   bool   `envconfig:"METRICS_ENABLED" default:"false"`
	Namespace string `envconfig:"METRIC_NAMESPACE" default:"CourseRelay"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
