// Package main is the entry point for the course relay API server.
//
// It loads configuration, builds the external clients (Stripe, the
// enrollment platform, the CRM, the geolocation service), wires the purchase
// relay with its optional journal and metrics, and serves the HTTP API with
// the core chassis (middleware, routing, health checks).
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"

	"courserelay/internal/api/handlers"
	"courserelay/internal/catalog"
	"courserelay/internal/config"
	"courserelay/internal/core"
	"courserelay/internal/external"
	"courserelay/internal/relay"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("course relay API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	registry := catalog.Default()

	webhookSecrets, err := cfg.Stripe.ParseWebhookSecrets()
	if err != nil {
		return fmt.Errorf("parsing webhook secrets: %w", err)
	}

	// External clients. The webhook fan-out clients do not retry: Stripe
	// redelivers the whole event if processing fails.
	httpClient := &http.Client{Timeout: 30 * time.Second}
	stripeClient := external.NewStripeClient(httpClient, external.StripeClientConfig{
		SecretKey: cfg.Stripe.SecretKey.Unmask(),
		BaseURL:   cfg.Stripe.BaseURL,
		Logger:    logger,
	})
	enrollmentClient := external.NewKajabiClient(httpClient, external.KajabiClientConfig{
		BaseURL:      cfg.Enrollment.BaseURL,
		WebhookToken: cfg.Enrollment.WebhookToken.Unmask(),
		Logger:       logger,
	})
	crmClient := external.NewConvertKitClient(httpClient, external.ConvertKitClientConfig{
		APISecret: cfg.CRM.APISecret.Unmask(),
		BaseURL:   cfg.CRM.BaseURL,
		Logger:    logger,
	})
	geoClient := external.NewGeoIPClient(httpClient, external.GeoIPClientConfig{
		BaseURL: cfg.Geo.BaseURL,
		Timeout: cfg.Geo.Timeout,
		Logger:  logger,
	})

	journal, metrics, err := buildAWSDependencies(cfg, logger)
	if err != nil {
		return err
	}

	deliveryRelay := relay.New(relay.Config{
		Registry:   registry,
		Enrollment: enrollmentClient,
		CRM:        crmClient,
		Journal:    journal,
		Metrics:    metrics,
		Logger:     logger,
	})

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	if metrics != nil {
		srv.Metrics = metrics
	}

	checkoutHandler := handlers.NewCheckoutHandler(
		stripeClient,
		geoClient,
		registry,
		srv.Validator,
		cfg.Server.SiteBaseURL,
		logger,
	)
	webhookHandler := handlers.NewStripeWebhookHandler(
		&external.StripeVerifier{},
		deliveryRelay,
		registry,
		webhookSecrets,
		logger,
	)
	signupHandler := handlers.NewSignupHandler(
		crmClient,
		registry,
		srv.Validator,
		logger,
	)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		func(r chi.Router) { checkoutHandler.RegisterRoutes(r) },
		func(r chi.Router) { webhookHandler.RegisterRoutes(r) },
		func(r chi.Router) { signupHandler.RegisterRoutes(r) },
	)

	srv.MountRoutes()

	return runHTTPServer(srv, cfg, logger)
}

// buildAWSDependencies constructs the SQS journal and CloudWatch metrics
// publishers when they are enabled by configuration. Both are optional: a
// nil journal or metrics value disables that concern.
func buildAWSDependencies(cfg *config.Config, logger *slog.Logger) (relay.Journal, *relay.CloudWatchMetrics, error) {
	journalEnabled := cfg.Journal.QueueURL != ""
	metricsEnabled := cfg.Metrics.Enabled

	if !journalEnabled && !metricsEnabled {
		return nil, nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Journal.Region))
	if err != nil {
		return nil, nil, fmt.Errorf("loading AWS configuration: %w", err)
	}

	var journal relay.Journal
	if journalEnabled {
		sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if cfg.Journal.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.Journal.EndpointURL)
			}
		})
		journal = relay.NewSQSJournal(sqsClient, cfg.Journal.QueueURL, logger)
		logger.Info("failure journal enabled", "queue_url", cfg.Journal.QueueURL)
	}

	var metrics *relay.CloudWatchMetrics
	if metricsEnabled {
		cwClient := cloudwatch.NewFromConfig(awsCfg)
		metrics = relay.NewCloudWatchMetrics(cwClient, cfg.Metrics.Namespace, logger)
		logger.Info("metrics publishing enabled", "namespace", cfg.Metrics.Namespace)
	}

	return journal, metrics, nil
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: false,
	})
	return slog.New(handler)
}
